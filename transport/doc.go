// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries chat backend calls over a Unix socket.
//
// One connection multiplexes any number of concurrent calls. Each call
// is identified by a completion tag chosen by the caller. Frames are
// CBOR values written back to back (CBOR is self-delimiting):
//
//	client -> server: Request{Tag, Method, Body}      start a call
//	                  Request{Tag, Cancel: true}      abandon a stream
//	server -> client: Frame{Tag, Kind: reply, OK, Body}   unary result
//	                  Frame{Tag, Kind: start, OK}         stream accepted
//	                  Frame{Tag, Kind: item, Body}        one stream item
//	                  Frame{Tag, Kind: end, OK, Error}    stream finished
//
// The client side ([Conn]) never returns results directly. Like a
// gRPC completion queue, it decodes a frame into the destination the
// caller supplied up front and then posts a completion.Event for the
// tag. Every call to [Conn.Unary], [Conn.OpenStream], or [Stream.Read]
// that returns nil produces exactly one event: a broken connection or
// [Conn.Cancel] completes outstanding steps with OK=false.
//
// The server side ([Server]) dispatches requests to registered unary
// and streaming handlers, one goroutine per request.
package transport
