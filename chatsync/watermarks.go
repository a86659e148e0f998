// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/bureau-foundation/chatbridge/lib/accountstore"
)

// WatermarksKey is the account store key holding the watermark table.
const WatermarksKey = "chatsync.watermarks"

// Watermarks maps peer IDs to the timestamp (nanoseconds) just past the
// newest message already delivered. Values only grow. Safe for
// concurrent use.
type Watermarks struct {
	store accountstore.Store

	mu     sync.Mutex
	values map[string]int64

	// version counts advances; persisted is the version last written.
	version   uint64
	persisted uint64
}

// LoadWatermarks reads the table from store. A missing key is an empty
// table.
func LoadWatermarks(ctx context.Context, store accountstore.Store) (*Watermarks, error) {
	watermarks := &Watermarks{store: store, values: make(map[string]int64)}
	raw, found, err := store.Get(ctx, WatermarksKey)
	if err != nil {
		return nil, fmt.Errorf("chatsync: loading watermarks: %w", err)
	}
	if !found || raw == "" {
		return watermarks, nil
	}
	if err := json.Unmarshal([]byte(raw), &watermarks.values); err != nil {
		return nil, fmt.Errorf("chatsync: parsing watermarks: %w", err)
	}
	if watermarks.values == nil {
		watermarks.values = make(map[string]int64)
	}
	return watermarks, nil
}

// Get returns the watermark for peerID, zero if none is stored.
func (w *Watermarks) Get(peerID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.values[peerID]
}

// Advance raises the watermark for peerID to value. A value not above
// the stored one is ignored. Reports whether the table changed.
func (w *Watermarks) Advance(peerID string, value int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if value <= w.values[peerID] {
		return false
	}
	w.values[peerID] = value
	w.version++
	return true
}

// Snapshot returns a copy of the table.
func (w *Watermarks) Snapshot() map[string]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.values)
}

// Persist writes the table to the store if it changed since the last
// successful Persist. Reports whether a write happened.
func (w *Watermarks) Persist(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.version == w.persisted {
		w.mu.Unlock()
		return false, nil
	}
	version := w.version
	encoded, err := json.Marshal(w.values)
	w.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("chatsync: encoding watermarks: %w", err)
	}

	if err := w.store.Set(ctx, WatermarksKey, string(encoded)); err != nil {
		return false, fmt.Errorf("chatsync: storing watermarks: %w", err)
	}

	w.mu.Lock()
	if version > w.persisted {
		w.persisted = version
	}
	w.mu.Unlock()
	return true, nil
}
