// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package completion

import (
	"errors"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// Tag identifies one outstanding asynchronous operation.
type Tag = uint32

// Event reports that one step of the operation identified by Tag
// finished. OK is false when the step failed or, for a stream, when the
// stream has ended.
type Event struct {
	Tag Tag
	OK  bool
}

// ErrShutdown is returned by Post after Shutdown, and by TryNext once
// the queue is shut down and every event posted before the shutdown has
// been drained.
var ErrShutdown = errors.New("completion: queue shut down")

// DefaultQueueCapacity is the ring size used when NewQueue is given a
// non-positive capacity.
const DefaultQueueCapacity = 1024

// Queue is a bounded completion queue with any number of producers and
// exactly one consumer (the pump). The ring itself is single-producer;
// producers serialize on a mutex so the consumer side stays lock-free.
type Queue struct {
	ring lfq.SPSC[Event]

	// postMu serializes enqueues and orders them against Shutdown: no
	// event is accepted after the shutdown flag is set.
	postMu sync.Mutex

	// shutdown is non-zero once Shutdown has been called.
	shutdown atomix.Uint32
}

// NewQueue creates a queue holding at most capacity undelivered events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &Queue{}
	q.ring.Init(capacity)
	return q
}

// Post enqueues an event. While the ring is full Post backs off and
// retries, so a slow pump applies backpressure to producers. Returns
// ErrShutdown if the queue is (or becomes) shut down before the event
// is accepted.
func (q *Queue) Post(event Event) error {
	var backoff iox.Backoff
	for {
		err := q.tryPost(&event)
		if err == nil {
			return nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		backoff.Wait()
	}
}

func (q *Queue) tryPost(event *Event) error {
	q.postMu.Lock()
	defer q.postMu.Unlock()
	if q.isShutdown() {
		return ErrShutdown
	}
	return q.ring.Enqueue(event)
}

// TryNext dequeues the next event without blocking. Returns
// iox.ErrWouldBlock when the queue is empty and ErrShutdown when it is
// empty and shut down. Events posted before Shutdown are still
// returned. Only the pump may call TryNext.
func (q *Queue) TryNext() (Event, error) {
	// Read the flag before draining: an event that was accepted before
	// the flag was set is then guaranteed to be visible to Dequeue.
	shut := q.isShutdown()
	event, err := q.ring.Dequeue()
	if err == nil {
		return event, nil
	}
	if shut && errors.Is(err, iox.ErrWouldBlock) {
		return Event{}, ErrShutdown
	}
	return Event{}, err
}

// Shutdown stops the queue from accepting events. Idempotent and safe
// to call from any goroutine.
func (q *Queue) Shutdown() {
	q.postMu.Lock()
	defer q.postMu.Unlock()
	q.shutdown.Add(1)
}

func (q *Queue) isShutdown() bool {
	return q.shutdown.Add(0) != 0
}
