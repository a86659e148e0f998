// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for chatbridge
// binaries.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected at
// build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/chatbridge/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They keep their "unknown" / "0.1.0-dev" defaults in development
// builds and tests.
package version
