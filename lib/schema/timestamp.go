// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

const nanosPerSecond = 1_000_000_000

// Timestamp is an instant on the wire: seconds and nanoseconds since
// the Unix epoch.
type Timestamp struct {
	Seconds int64 `cbor:"seconds"`
	Nanos   int32 `cbor:"nanos"`
}

// TimestampFromUnixNano splits ns into seconds and nanoseconds.
func TimestampFromUnixNano(ns int64) Timestamp {
	return Timestamp{
		Seconds: ns / nanosPerSecond,
		Nanos:   int32(ns % nanosPerSecond),
	}
}

// UnixNano joins the pair back into nanoseconds.
func (t Timestamp) UnixNano() int64 {
	return t.Seconds*nanosPerSecond + int64(t.Nanos)
}

// IsZero reports whether t is the epoch.
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanos == 0
}
