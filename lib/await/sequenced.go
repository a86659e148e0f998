// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package await

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned by TakeTurn and Deliver when the abort channel
// closes before a consumer became ready.
var ErrAborted = errors.New("await: turn aborted")

// Sequenced is a reusable single-producer, single-consumer slot with
// turn-taking. Each round is: the consumer calls Wait (which grants the
// turn), the producer calls TakeTurn then Set (or Deliver), the consumer's
// Wait returns the value. The next round cannot begin until the consumer
// waits again.
type Sequenced[T any] struct {
	// ready carries one token per consumer Wait. Capacity 1: a
	// consumer that re-enters Wait after a cancelled wait does not
	// stack a second grant.
	ready chan struct{}

	// result carries the value for the current round.
	result chan T

	mu      sync.Mutex
	holding bool
}

// NewSequenced returns an empty Sequenced slot with no turn granted.
func NewSequenced[T any]() *Sequenced[T] {
	return &Sequenced[T]{
		ready:  make(chan struct{}, 1),
		result: make(chan T, 1),
	}
}

// Wait grants the turn to the next producer and suspends until that
// producer sets a value or ctx is done. On cancellation the grant stays
// outstanding, so a producer that already took the turn can still
// complete its Set without blocking.
func (s *Sequenced[T]) Wait(ctx context.Context) (T, error) {
	// A value left by a round whose consumer was cancelled belongs to
	// this round; no new turn is granted for it.
	select {
	case v := <-s.result:
		return v, nil
	default:
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}

	select {
	case v := <-s.result:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TakeTurn blocks until a consumer is waiting for the next value. It
// returns ctx.Err() if ctx is done first and ErrAborted if abort closes
// first. A nil abort channel never fires.
func (s *Sequenced[T]) TakeTurn(ctx context.Context, abort <-chan struct{}) error {
	select {
	case <-s.ready:
	case <-abort:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holding {
		panic("await: Sequenced turn taken twice without Set")
	}
	s.holding = true
	return nil
}

// Set publishes v for the consumer that granted the current turn.
// Panics if the caller does not hold the turn.
func (s *Sequenced[T]) Set(v T) {
	s.mu.Lock()
	if !s.holding {
		s.mu.Unlock()
		panic("await: Sequenced.Set without holding the turn")
	}
	s.holding = false
	s.mu.Unlock()

	s.result <- v
}

// Pending reports whether a value has been set that no Wait has
// returned yet.
func (s *Sequenced[T]) Pending() bool {
	return len(s.result) > 0
}

// Deliver is TakeTurn followed by Set.
func (s *Sequenced[T]) Deliver(ctx context.Context, abort <-chan struct{}, v T) error {
	if err := s.TakeTurn(ctx, abort); err != nil {
		return err
	}
	s.Set(v)
	return nil
}
