// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package completion

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/chatbridge/lib/await"
)

// registration is the pump-side state for one live tag.
type registration struct {
	slot *await.Sequenced[bool]

	// abort is closed by Abandon. A pump blocked waiting for the
	// caller's turn gives up when it closes.
	abort chan struct{}

	// abandoned is set by Abandon. The next event for the tag is
	// dropped and the registration erased.
	abandoned bool
}

// Registry maps live tags to the slots their callers wait on. Callers
// insert and erase entries; the pump resolves them. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[Tag]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Tag]*registration)}
}

// Register creates the slot for tag. Must be called before the
// operation is started so the pump can never observe its event first.
// Panics if tag is already live.
func (r *Registry) Register(tag Tag) *await.Sequenced[bool] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tag]; exists {
		panic(fmt.Sprintf("completion: tag %d registered twice", tag))
	}
	entry := &registration{
		slot:  await.NewSequenced[bool](),
		abort: make(chan struct{}),
	}
	r.entries[tag] = entry
	return entry.slot
}

// Release erases the registration for tag once its caller has consumed
// the final event. Releasing an unknown tag is a no-op.
func (r *Registry) Release(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, tag)
}

// Abandon records that the caller stopped waiting on tag while an
// event was still outstanding. If that event was already handed to the
// slot, the registration is erased immediately; otherwise the pump
// drops the event when it arrives and erases the registration then.
//
// Abandon must only be used while the operation has a step in flight.
// A caller with nothing in flight calls Release instead.
func (r *Registry) Abandon(tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[tag]
	if !exists || entry.abandoned {
		return
	}
	if entry.slot.Pending() {
		delete(r.entries, tag)
		return
	}
	entry.abandoned = true
	close(entry.abort)
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// lookup returns the registration for tag. An abandoned registration is
// erased and reported with dropped set.
func (r *Registry) lookup(tag Tag) (entry *registration, dropped bool, exists bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists = r.entries[tag]
	if !exists {
		return nil, false, false
	}
	if entry.abandoned {
		delete(r.entries, tag)
		return entry, true, true
	}
	return entry, false, true
}

// settle runs after the pump handed an event to entry. If the caller
// abandoned the tag in the meantime nobody will read the value, so the
// registration is erased.
func (r *Registry) settle(tag Tag, entry *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.abandoned && r.entries[tag] == entry {
		delete(r.entries, tag)
	}
}

// remove erases entry if it is still the registration for tag.
func (r *Registry) remove(tag Tag, entry *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[tag] == entry {
		delete(r.entries, tag)
	}
}
