// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the authenticated RPC session against the chat
// backend.
//
// A [Session] owns one transport connection, one completion queue, and
// the pump that drains it. Every operation allocates a tag, registers a
// slot for it, starts the call on the connection, and suspends on the
// slot until the pump resolves it. Streaming calls (FetchMessages)
// reuse one tag for the start acknowledgment and every item read. The
// caller must keep [Session.Run] running for operations to complete.
//
// The session also owns the authentication state machine. The session
// key is held in mmap-backed [secret.Buffer] memory and optionally
// persisted sealed to disk via [sealed.KeyFile], so a restarted process
// can refresh its session instead of logging in from scratch.
//
// Failures are values. A transport failure on Authenticate or
// SendMessage maps to the UnknownFailure outcome; ListContacts reports
// [ContactsUnavailable]; Acknowledge returns false. FetchMessages and
// ListActiveConversations return an error wrapping [ErrTransport] so the
// sync engine knows not to advance watermarks. Operations other than
// Authenticate fail with [ErrNoSession] without touching the network
// when no session key is held.
//
// [secret.Buffer]: github.com/bureau-foundation/chatbridge/lib/secret.Buffer
// [sealed.KeyFile]: github.com/bureau-foundation/chatbridge/lib/sealed.KeyFile
package messaging
