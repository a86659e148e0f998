// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/chatbridge/lib/clock"
)

// Echo buffer defaults.
const (
	DefaultEchoWindow   = time.Minute
	DefaultEchoExpiry   = 5 * time.Minute
	DefaultEchoCapacity = 32
)

// EchoConfig configures an EchoBuffer. Zero fields take the defaults.
type EchoConfig struct {
	// Window is the largest difference between the local send time and
	// the backend's timestamp for a fetched message to count as the
	// echo of a send.
	Window time.Duration

	// Expiry is how long an unmatched entry is kept.
	Expiry time.Duration

	// Capacity bounds entries per peer. The oldest entry is dropped
	// when a send would exceed it.
	Capacity int

	Clock clock.Clock
}

// EchoBuffer remembers recent self-sent messages per peer so their
// echo in a later fetch is not displayed a second time. Texts are kept
// only as BLAKE3 digests. Safe for concurrent use.
type EchoBuffer struct {
	window   time.Duration
	expiry   time.Duration
	capacity int
	clock    clock.Clock

	mu      sync.Mutex
	entries map[string][]echoEntry
}

type echoEntry struct {
	digest   [32]byte
	sentNs   int64
	recorded time.Time
}

// NewEchoBuffer returns an empty buffer.
func NewEchoBuffer(config EchoConfig) *EchoBuffer {
	if config.Window <= 0 {
		config.Window = DefaultEchoWindow
	}
	if config.Expiry <= 0 {
		config.Expiry = DefaultEchoExpiry
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultEchoCapacity
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &EchoBuffer{
		window:   config.Window,
		expiry:   config.Expiry,
		capacity: config.Capacity,
		clock:    config.Clock,
		entries:  make(map[string][]echoEntry),
	}
}

// Record notes that text was sent to peerID at sentNs.
func (b *EchoBuffer) Record(peerID, text string, sentNs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	entries := b.liveLocked(peerID, now)
	if len(entries) >= b.capacity {
		entries = entries[len(entries)-b.capacity+1:]
	}
	b.entries[peerID] = append(entries, echoEntry{
		digest:   blake3.Sum256([]byte(text)),
		sentNs:   sentNs,
		recorded: now,
	})
}

// Consume reports whether a message with text and timestampNs is the
// echo of a recorded send, removing the matching entry. Each entry
// matches at most once.
func (b *EchoBuffer) Consume(peerID, text string, timestampNs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.liveLocked(peerID, b.clock.Now())
	digest := blake3.Sum256([]byte(text))
	for i, entry := range entries {
		if entry.digest != digest || absDuration(timestampNs-entry.sentNs) > b.window {
			continue
		}
		b.entries[peerID] = append(entries[:i:i], entries[i+1:]...)
		if len(b.entries[peerID]) == 0 {
			delete(b.entries, peerID)
		}
		return true
	}
	return false
}

// Forget removes the newest entry for text, used when a send failed
// and no echo will come.
func (b *EchoBuffer) Forget(peerID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries[peerID]
	digest := blake3.Sum256([]byte(text))
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].digest == digest {
			b.entries[peerID] = append(entries[:i:i], entries[i+1:]...)
			if len(b.entries[peerID]) == 0 {
				delete(b.entries, peerID)
			}
			return
		}
	}
}

// Len returns the number of unexpired entries for peerID.
func (b *EchoBuffer) Len(peerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.liveLocked(peerID, b.clock.Now()))
}

// liveLocked drops expired entries for peerID and returns the rest.
func (b *EchoBuffer) liveLocked(peerID string, now time.Time) []echoEntry {
	entries := b.entries[peerID]
	kept := entries[:0]
	for _, entry := range entries {
		if now.Sub(entry.recorded) < b.expiry {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(b.entries, peerID)
		return nil
	}
	b.entries[peerID] = kept
	return kept
}

func absDuration(ns int64) time.Duration {
	if ns < 0 {
		ns = -ns
	}
	return time.Duration(ns)
}
