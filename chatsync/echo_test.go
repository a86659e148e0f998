// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"testing"
	"time"

	"github.com/bureau-foundation/chatbridge/lib/clock"
)

var echoEpoch = time.Unix(1_700_000_000, 0)

func TestEchoConsumedOnce(t *testing.T) {
	buffer := NewEchoBuffer(EchoConfig{Window: time.Second, Clock: clock.Fake(echoEpoch)})
	sentNs := echoEpoch.UnixNano()
	buffer.Record("p3", "hi", sentNs)

	if !buffer.Consume("p3", "hi", sentNs+int64(200*time.Millisecond)) {
		t.Fatal("echo inside the window not matched")
	}
	if buffer.Consume("p3", "hi", sentNs) {
		t.Fatal("entry matched twice")
	}
}

func TestEchoRequiresTextPeerAndWindow(t *testing.T) {
	buffer := NewEchoBuffer(EchoConfig{Window: time.Second, Clock: clock.Fake(echoEpoch)})
	sentNs := echoEpoch.UnixNano()
	buffer.Record("p3", "hi", sentNs)

	tests := []struct {
		name      string
		peer      string
		text      string
		timestamp int64
	}{
		{"other text", "p3", "hello", sentNs},
		{"other peer", "p4", "hi", sentNs},
		{"too late", "p3", "hi", sentNs + int64(2*time.Second)},
		{"too early", "p3", "hi", sentNs - int64(2*time.Second)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if buffer.Consume(test.peer, test.text, test.timestamp) {
				t.Fatal("unexpected match")
			}
		})
	}
	if buffer.Len("p3") != 1 {
		t.Fatalf("entry lost after non-matching lookups")
	}
}

func TestEchoExpiry(t *testing.T) {
	fake := clock.Fake(echoEpoch)
	buffer := NewEchoBuffer(EchoConfig{Window: time.Hour, Expiry: time.Minute, Clock: fake})
	buffer.Record("p3", "hi", echoEpoch.UnixNano())

	fake.Advance(time.Minute)
	if buffer.Consume("p3", "hi", echoEpoch.UnixNano()) {
		t.Fatal("expired entry matched")
	}
	if buffer.Len("p3") != 0 {
		t.Fatal("expired entry still counted")
	}
}

func TestEchoCapacityDropsOldest(t *testing.T) {
	buffer := NewEchoBuffer(EchoConfig{Capacity: 2, Clock: clock.Fake(echoEpoch)})
	sentNs := echoEpoch.UnixNano()
	buffer.Record("p3", "one", sentNs)
	buffer.Record("p3", "two", sentNs)
	buffer.Record("p3", "three", sentNs)

	if buffer.Len("p3") != 2 {
		t.Fatalf("Len = %d, want 2", buffer.Len("p3"))
	}
	if buffer.Consume("p3", "one", sentNs) {
		t.Fatal("oldest entry survived overflow")
	}
	if !buffer.Consume("p3", "three", sentNs) {
		t.Fatal("newest entry missing")
	}
}

func TestEchoDuplicateTextsMatchSeparately(t *testing.T) {
	buffer := NewEchoBuffer(EchoConfig{Clock: clock.Fake(echoEpoch)})
	sentNs := echoEpoch.UnixNano()
	buffer.Record("p3", "ok", sentNs)
	buffer.Record("p3", "ok", sentNs)

	if !buffer.Consume("p3", "ok", sentNs) || !buffer.Consume("p3", "ok", sentNs) {
		t.Fatal("two sends of the same text should absorb two echoes")
	}
	if buffer.Consume("p3", "ok", sentNs) {
		t.Fatal("third echo matched with only two sends")
	}

	buffer.Record("p3", "ok", sentNs)
	buffer.Forget("p3", "ok")
	if buffer.Len("p3") != 0 {
		t.Fatal("Forget left the entry")
	}
}
