// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only changes through Advance. Safe
// for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter

	// changed is broadcast whenever a waiter is added, so
	// WaitForTimers can observe registrations.
	changed *sync.Cond
}

// waiter is one pending After, Sleep, or ticker deadline.
type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// period is non-zero for tickers, which are rescheduled after
	// each fire instead of being removed.
	period time.Duration

	stopped bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot waiter due d from now.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a periodic waiter.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &waiter{
		deadline: c.now.Add(d),
		channel:  make(chan time.Time, 1),
		period:   d,
	}
	c.addLocked(entry)
	return &Ticker{
		C: entry.channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
	}
}

// Sleep blocks until the clock has been advanced by at least d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

func (c *FakeClock) addLocked(entry *waiter) {
	c.waiters = append(c.waiters, entry)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline is now due, earliest first. A ticker that falls due more
// than once within d fires once per period; ticks beyond the channel's
// capacity are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for {
		due := c.popDueLocked()
		if due == nil {
			return
		}
		select {
		case due.channel <- c.now:
		default:
		}
	}
}

// popDueLocked removes and returns the earliest due waiter, or nil.
// A ticker is rescheduled one period later rather than removed.
func (c *FakeClock) popDueLocked() *waiter {
	c.waiters = slices.DeleteFunc(c.waiters, func(w *waiter) bool { return w.stopped })

	earliest := -1
	for i, w := range c.waiters {
		if w.deadline.After(c.now) {
			continue
		}
		if earliest < 0 || w.deadline.Before(c.waiters[earliest].deadline) {
			earliest = i
		}
	}
	if earliest < 0 {
		return nil
	}

	due := c.waiters[earliest]
	if due.period > 0 {
		due.deadline = due.deadline.Add(due.period)
	} else {
		c.waiters = slices.Delete(c.waiters, earliest, earliest+1)
	}
	return due
}

// WaitForTimers blocks until at least n waiters are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range c.waiters {
		if !w.stopped {
			count++
		}
	}
	return count
}
