// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by both ends of the
// chatbridge socket.
//
// Frames are encoded with Core Deterministic Encoding (RFC 8949 §4.2)
// so identical frames produce identical bytes, which keeps test fixtures
// and captured traffic comparable. Decoding ignores unknown fields so a
// newer backend can add response fields without breaking older clients,
// and decodes untyped maps as map[string]any.
//
// Consumers import this package rather than fxamacker/cbor directly.
package codec
