// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Code that waits or timestamps takes a [Clock] instead of calling the
// time package. Binaries pass [Real]; tests pass a [FakeClock] from
// [Fake], which only moves when the test calls [FakeClock.Advance].
//
// A goroutine that calls After, NewTicker, or Sleep on a FakeClock
// registers a waiter. Tests call [FakeClock.WaitForTimers] before
// advancing so that a waiter registered "just after" the advance does
// not miss its deadline:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go engine.Run(ctx) // waits on fake.After(interval) between ticks
//	fake.WaitForTimers(1)
//	fake.Advance(interval)
package clock
