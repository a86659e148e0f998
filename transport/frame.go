// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/chatbridge/lib/codec"
	"github.com/bureau-foundation/chatbridge/lib/completion"
)

// FrameKind distinguishes server frames.
type FrameKind string

const (
	FrameReply FrameKind = "reply"
	FrameStart FrameKind = "start"
	FrameItem  FrameKind = "item"
	FrameEnd   FrameKind = "end"
)

// Request is a client frame.
type Request struct {
	Tag    completion.Tag   `cbor:"tag"`
	Method string           `cbor:"method,omitempty"`
	Body   codec.RawMessage `cbor:"body,omitempty"`
	Cancel bool             `cbor:"cancel,omitempty"`
}

// Frame is a server frame.
type Frame struct {
	Tag   completion.Tag   `cbor:"tag"`
	Kind  FrameKind        `cbor:"kind"`
	OK    bool             `cbor:"ok,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Body  codec.RawMessage `cbor:"body,omitempty"`
}

// ErrClosed is returned for calls on a connection that was closed or
// broke.
var ErrClosed = errors.New("transport: connection closed")

// RemoteError is a handler failure reported by the server.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: %s failed on server: %s", e.Method, e.Message)
}
