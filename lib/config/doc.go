// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for chatbridge.
//
// Configuration is loaded from a single file specified by either the
// CHATBRIDGE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no automatic file search.
//
// Path fields are expanded after loading: ${HOME}, ${CHATBRIDGE_STATE}
// (the resolved state.root), and ${VAR:-default} patterns. No other
// environment variables override config values.
//
// This package depends on no other chatbridge packages.
package config
