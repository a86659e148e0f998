// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "errors"

var (
	// ErrNoSession is returned by every operation except Authenticate
	// when no session key is held. No request is sent.
	ErrNoSession = errors.New("messaging: no session key")

	// ErrTransport wraps failures of the underlying RPC: a broken
	// connection, a server-side handler failure, or an undecodable
	// reply.
	ErrTransport = errors.New("messaging: transport failure")

	// ErrClosed is returned by operations on a closed session, and by
	// operations that were in flight when Close was called.
	ErrClosed = errors.New("messaging: session closed")
)
