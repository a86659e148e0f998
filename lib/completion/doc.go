// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package completion turns a tag-addressed completion queue into
// awaitable results.
//
// Asynchronous operations are identified by a [Tag]. The component that
// starts an operation (the transport) posts exactly one [Event] per
// operation step to a [Queue] when that step finishes. A single [Pump]
// goroutine drains the queue and hands each event's success flag to the
// [await.Sequenced] slot registered for the tag in a [Registry]. The
// caller that issued the operation waits on that slot.
//
// A streaming operation reuses its tag for every step (start, each item,
// end), so its slot sees a series of events. The sequenced handoff
// guarantees the caller observes them in issue order even when the pump
// outpaces it.
//
// An event whose tag has no registration is a bookkeeping defect: the
// pump logs it and stops with an [*UnknownTagError]. Callers waiting on
// other tags are released through [Pump.Done].
package completion
