// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/chatbridge/lib/codec"
	"github.com/bureau-foundation/chatbridge/lib/completion"
)

// ErrReadPending is returned by Stream.Read while a previous Read has
// not completed.
var ErrReadPending = errors.New("transport: stream read already pending")

// ErrStreamFinished is returned by Stream.Read after the stream's end
// (or a failure) has already been reported.
var ErrStreamFinished = errors.New("transport: stream finished")

// Stream is the client side of one streaming call. Items the server
// sends before the caller asks for them are buffered.
type Stream struct {
	conn   *Conn
	tag    completion.Tag
	method string

	// Guarded by conn.mu.
	started  bool
	items    []codec.RawMessage
	ended    bool
	endOK    bool
	endError string
	pending  any
	finished bool
}

// Tag returns the completion tag the stream posts events under.
func (s *Stream) Tag() completion.Tag {
	return s.tag
}

// Read asks for the next item. When it is available it is decoded into
// item and an OK event is posted for the stream's tag; when the stream
// has ended instead, a not-OK event is posted and Err reports how it
// ended.
func (s *Stream) Read(item any) error {
	s.conn.mu.Lock()
	if s.finished {
		s.conn.mu.Unlock()
		return ErrStreamFinished
	}
	if s.pending != nil {
		s.conn.mu.Unlock()
		return ErrReadPending
	}
	s.pending = item
	events := s.deliverLocked()
	s.conn.mu.Unlock()

	s.conn.post(events)
	return nil
}

// Err reports why a finished stream ended: nil for a clean end, a
// *RemoteError when the server handler failed, ErrClosed when the
// connection went away or the stream was cancelled.
func (s *Stream) Err() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	switch {
	case !s.finished:
		return nil
	case s.ended && s.endOK:
		return nil
	case s.ended:
		return &RemoteError{Method: s.method, Message: s.endError}
	default:
		return ErrClosed
	}
}

// Close cancels the stream if it is still live.
func (s *Stream) Close() {
	s.conn.Cancel(s.tag)
}

// handleLocked applies one server frame. Called with conn.mu held.
func (s *Stream) handleLocked(frame Frame) []completion.Event {
	switch frame.Kind {
	case FrameStart:
		if s.started {
			s.conn.logger.Warn("duplicate stream start", "tag", s.tag)
			return nil
		}
		s.started = true
		if !frame.OK {
			s.ended = true
			s.endError = frame.Error
			s.finishLocked()
			return []completion.Event{{Tag: s.tag}}
		}
		return []completion.Event{{Tag: s.tag, OK: true}}

	case FrameItem:
		s.items = append(s.items, frame.Body)

	case FrameEnd:
		s.ended = true
		s.endOK = frame.OK
		s.endError = frame.Error
	}
	return s.deliverLocked()
}

// deliverLocked completes a pending Read if an item or the end is
// available.
func (s *Stream) deliverLocked() []completion.Event {
	if s.pending == nil {
		return nil
	}
	if len(s.items) > 0 {
		body := s.items[0]
		s.items = s.items[1:]
		destination := s.pending
		s.pending = nil
		if err := codec.Unmarshal(body, destination); err != nil {
			s.conn.logger.Warn("undecodable stream item",
				"method", s.method,
				"tag", s.tag,
				"error", fmt.Errorf("decoding item: %w", err),
			)
			s.endError = err.Error()
			s.ended = true
			s.endOK = false
			s.finishLocked()
			return []completion.Event{{Tag: s.tag}}
		}
		return []completion.Event{{Tag: s.tag, OK: true}}
	}
	if s.ended {
		s.pending = nil
		s.finishLocked()
		return []completion.Event{{Tag: s.tag}}
	}
	return nil
}

// finishLocked detaches the stream from the connection.
func (s *Stream) finishLocked() {
	s.finished = true
	s.items = nil
	if current, exists := s.conn.streams[s.tag]; exists && current == s {
		delete(s.conn.streams, s.tag)
	}
}
