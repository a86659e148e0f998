// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package accountstore is the per-account string key-value store the
// sync engine persists its watermark table in.
//
// Two implementations satisfy [Store]: [SQLite], backed by a
// lib/sqlitepool database file, for the chatbridge binary; and [Memory]
// for tests. Values are opaque strings; the store never interprets
// them.
package accountstore
