// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credentials outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes, unlocks, and
// unmaps it. chatbridge keeps the account password and the backend's
// session key in Buffers; both are only materialized as Go strings at
// the moment they are placed into an outgoing request.
//
// [ReadFromPath] loads a password file (or stdin) straight into a
// Buffer.
package secret
