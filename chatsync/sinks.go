// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/chatbridge/lib/schema"
)

// Direction tells a display sink who wrote a message.
type Direction int

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	switch d {
	case Received:
		return "received"
	case Sent:
		return "sent"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// DisplaySink shows messages to the user. Deliver is called from
// concurrent per-peer goroutines and must be safe for concurrent use.
type DisplaySink interface {
	Deliver(peerID, text string, direction Direction, timestampSeconds int64)
}

// ContactSink receives every contact on every tick. Upsert creates the
// contact if it is new and otherwise updates its display name,
// presence, and rich status.
type ContactSink interface {
	Upsert(contact schema.Contact)
}

// ContactBook is an in-memory ContactSink.
type ContactBook struct {
	mu       sync.Mutex
	contacts map[string]schema.Contact
	order    []string
}

// Upsert implements ContactSink.
func (b *ContactBook) Upsert(contact schema.Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contacts == nil {
		b.contacts = make(map[string]schema.Contact)
	}
	if _, exists := b.contacts[contact.ID]; !exists {
		b.order = append(b.order, contact.ID)
	}
	b.contacts[contact.ID] = contact
}

// Get returns the stored contact for id.
func (b *ContactBook) Get(id string) (schema.Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	contact, exists := b.contacts[id]
	return contact, exists
}

// List returns the contacts in first-seen order.
func (b *ContactBook) List() []schema.Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]schema.Contact, 0, len(b.order))
	for _, id := range b.order {
		result = append(result, b.contacts[id])
	}
	return result
}
