// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mockbackend is an in-memory chat backend for tests and local
// runs of chatbridge.
//
// A [Backend] holds accounts, contacts, and per-peer message history,
// and serves the backend methods on a transport.Server via [Backend.Register].
// Tests seed it with [Backend.AddAccount], [Backend.AddContact], and
// [Backend.Inject], script authentication verdicts with
// [Backend.ScriptAuth], inject transport failures with
// [Backend.FailNext], and inspect traffic with [Backend.Calls] and
// [Backend.Acknowledged].
//
// History pages are returned newest first and capped at PageSize, so
// the sync engine's pagination is exercised against it.
package mockbackend
