// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package await provides single-slot result handoff between goroutines.
//
// [Signal] is a one-shot slot: one producer calls [Signal.Set] exactly
// once, one consumer calls [Signal.Wait] exactly once. Calling Set twice,
// or Wait again after a value was consumed, is a programming error and
// panics.
//
// [Sequenced] is a reusable slot for a stream of values addressed to
// the same consumer (the completion events of one streaming RPC share a
// single tag). A producer must take the turn before it may set a value,
// and the turn is only granted once the consumer has started waiting for
// the next value. Values therefore resolve in turn-acquisition order: a
// value for call N+1 can never land in a slot that call N's consumer is
// still reading.
//
// Neither type has timeouts of its own. Wait takes a context so callers
// layer cancellation on top; a cancelled Wait leaves the slot untouched.
package await
