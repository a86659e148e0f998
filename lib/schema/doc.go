// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the request and response bodies exchanged with
// the chat backend and the outcome enums they carry.
//
// Bodies are CBOR-encoded (lib/codec) inside transport frames. Every
// request except authenticate carries the session key returned by
// authenticate. Instants travel as a [Timestamp] (seconds plus
// nanoseconds); the sync engine works in int64 nanoseconds and converts
// with [TimestampFromUnixNano] and [Timestamp.UnixNano].
//
// This package depends on no other chatbridge packages.
package schema
