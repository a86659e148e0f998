// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	first := map[string]any{"peer_id": "p1", "since": int64(5), "action": "fetch"}
	second := map[string]any{"action": "fetch", "since": int64(5), "peer_id": "p1"}

	a, err := Marshal(first)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(second)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("equal maps encoded differently:\n%x\n%x", a, b)
	}
}

func TestUntypedMapsDecodeWithStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", decoded)
	}
	if _, ok := outer["nested"].(map[string]any); !ok {
		t.Fatalf("nested value %T, want map[string]any", outer["nested"])
	}
}

func TestStreamFramesNeedNoDelimiter(t *testing.T) {
	type frame struct {
		Tag  uint32 `cbor:"tag"`
		Kind string `cbor:"kind"`
	}
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i, kind := range []string{"start", "item", "end"} {
		if err := encoder.Encode(frame{Tag: uint32(i), Kind: kind}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range []string{"start", "item", "end"} {
		var got frame
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if got.Kind != want || got.Tag != uint32(i) {
			t.Fatalf("frame %d = %+v, want tag %d kind %s", i, got, i, want)
		}
	}
}
