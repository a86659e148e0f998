// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatsync keeps a local view of contacts and conversations in
// step with the backend by periodic incremental polling.
//
// Each [Engine.Tick] lists contacts and active conversations, picks the
// peers whose last message is newer than their stored watermark, and
// fetches each of them concurrently with bounded pagination. New
// messages go to a [DisplaySink] in ascending timestamp order per peer;
// messages the local user just sent (and already displayed
// optimistically by [Engine.Send]) are recognized through the
// [EchoBuffer] and suppressed. Advanced watermarks are acknowledged to
// the backend and persisted once per tick through [Watermarks].
//
// Watermarks never move backwards. A failed fetch leaves that peer's
// watermark where it was; a failed acknowledgment keeps the local
// watermark and is retried on the next tick with the current value.
//
// [Runner] ties a messaging.Session's pump and an Engine's tick loop to
// one lifetime.
package chatsync
