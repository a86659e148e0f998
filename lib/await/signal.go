// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package await

import (
	"context"
	"sync"
)

// Signal is a one-shot result slot. The zero value is not usable; create
// one with New.
type Signal[T any] struct {
	mu       sync.Mutex
	value    T
	set      bool
	consumed bool
	done     chan struct{}
}

// New returns an empty Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{done: make(chan struct{})}
}

// Set stores v and wakes the waiter. Panics if the signal was already set.
func (s *Signal[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		panic("await: Signal.Set called twice")
	}
	s.value = v
	s.set = true
	close(s.done)
}

// Done returns a channel closed when the value has been set.
func (s *Signal[T]) Done() <-chan struct{} {
	return s.done
}

// Wait suspends until Set is called or ctx is done, then returns the
// value and marks the signal consumed. A Wait that returns ctx.Err()
// does not consume the signal. Panics when called after a previous Wait
// already consumed the value.
func (s *Signal[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		panic("await: Signal.Wait called on a consumed signal")
	}
	s.consumed = true
	return s.value, nil
}
