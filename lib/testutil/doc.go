// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes (sun_path); t.TempDir() paths
// can exceed that.
//
// [RequireReceive], [RequireClosed], and [RequireBlocked] wrap the select-with-timeout
// safety valve so that tests never hang on a broken goroutine. They are
// the only place tests use real wall-clock timeouts; everything else
// runs on lib/clock.
//
// Helpers call t.Fatalf on failure rather than returning errors.
package testutil
