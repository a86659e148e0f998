// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/chatbridge/lib/codec"
	"github.com/bureau-foundation/chatbridge/lib/completion"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// Conn is the client end of a backend socket. Safe for concurrent use.
type Conn struct {
	conn   net.Conn
	queue  *completion.Queue
	logger *slog.Logger

	writeMu sync.Mutex
	encoder *codec.Encoder

	mu      sync.Mutex
	unary   map[completion.Tag]*unaryCall
	streams map[completion.Tag]*Stream
	broken  error

	readerDone chan struct{}
}

type unaryCall struct {
	method string
	reply  any
}

// Dial connects to the backend socket. Completion events for calls on
// the returned Conn are posted to queue.
func Dial(ctx context.Context, socketPath string, queue *completion.Queue, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("transport: connecting to %s: %w", socketPath, err)
	}

	c := &Conn{
		conn:       conn,
		queue:      queue,
		logger:     logger,
		encoder:    codec.NewEncoder(conn),
		unary:      make(map[completion.Tag]*unaryCall),
		streams:    make(map[completion.Tag]*Stream),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Unary starts a request/response call. When the reply arrives it is
// decoded into reply (which may be nil) and an event is posted for
// tag: OK is true only if the server succeeded and the body decoded.
func (c *Conn) Unary(tag completion.Tag, method string, request, reply any) error {
	c.mu.Lock()
	if c.broken != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrClosed, c.broken)
	}
	if c.liveLocked(tag) {
		c.mu.Unlock()
		return fmt.Errorf("transport: tag %d already in use", tag)
	}
	c.unary[tag] = &unaryCall{method: method, reply: reply}
	c.mu.Unlock()

	if err := c.send(tag, method, request); err != nil {
		c.mu.Lock()
		_, stillPending := c.unary[tag]
		delete(c.unary, tag)
		c.mu.Unlock()
		if !stillPending {
			// The read loop already completed the call as failed.
			return nil
		}
		return err
	}
	return nil
}

// OpenStream starts a streaming call. An event is posted for tag once
// the server accepts (OK) or rejects (not OK) the call; items are then
// pulled one at a time with Stream.Read.
func (c *Conn) OpenStream(tag completion.Tag, method string, request any) (*Stream, error) {
	c.mu.Lock()
	if c.broken != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, c.broken)
	}
	if c.liveLocked(tag) {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: tag %d already in use", tag)
	}
	stream := &Stream{conn: c, tag: tag, method: method}
	c.streams[tag] = stream
	c.mu.Unlock()

	if err := c.send(tag, method, request); err != nil {
		c.mu.Lock()
		current, stillPending := c.streams[tag]
		if stillPending && current == stream && !stream.started {
			delete(c.streams, tag)
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()
		return stream, nil
	}
	return stream, nil
}

// Cancel abandons whatever call is live on tag. An outstanding step
// completes with OK=false; frames that arrive for the tag afterwards are
// discarded. A live stream is also cancelled on the server.
func (c *Conn) Cancel(tag completion.Tag) {
	var events []completion.Event
	notifyServer := false

	c.mu.Lock()
	if _, exists := c.unary[tag]; exists {
		delete(c.unary, tag)
		events = append(events, completion.Event{Tag: tag})
	}
	if stream, exists := c.streams[tag]; exists {
		delete(c.streams, tag)
		if !stream.started || stream.pending != nil {
			events = append(events, completion.Event{Tag: tag})
		}
		stream.pending = nil
		stream.finished = true
		notifyServer = !stream.ended
	}
	broken := c.broken != nil
	c.mu.Unlock()

	if notifyServer && !broken {
		if err := c.write(Request{Tag: tag, Cancel: true}); err != nil {
			c.logger.Debug("stream cancel not delivered", "tag", tag, "error", err)
		}
	}
	c.post(events)
}

// Close closes the socket and waits for the read loop. Outstanding
// steps complete with OK=false.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.readerDone
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Err returns the error that broke the connection, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func (c *Conn) liveLocked(tag completion.Tag) bool {
	if _, exists := c.unary[tag]; exists {
		return true
	}
	_, exists := c.streams[tag]
	return exists
}

func (c *Conn) send(tag completion.Tag, method string, request any) error {
	body, err := codec.Marshal(request)
	if err != nil {
		return fmt.Errorf("transport: encoding %s request: %w", method, err)
	}
	if err := c.write(Request{Tag: tag, Method: method, Body: body}); err != nil {
		return fmt.Errorf("transport: sending %s: %w", method, err)
	}
	return nil
}

func (c *Conn) write(request Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(request)
}

// post hands events to the completion queue. Never called with c.mu
// held: Post may wait for the pump.
func (c *Conn) post(events []completion.Event) {
	for _, event := range events {
		if err := c.queue.Post(event); err != nil {
			c.logger.Debug("completion dropped", "tag", event.Tag, "error", err)
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)

	decoder := codec.NewDecoder(c.conn)
	for {
		var frame Frame
		if err := decoder.Decode(&frame); err != nil {
			c.fail(err)
			return
		}
		c.post(c.handleFrame(frame))
	}
}

func (c *Conn) handleFrame(frame Frame) []completion.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch frame.Kind {
	case FrameReply:
		call, exists := c.unary[frame.Tag]
		if !exists {
			c.logger.Debug("reply for inactive tag", "tag", frame.Tag)
			return nil
		}
		delete(c.unary, frame.Tag)
		ok := frame.OK
		if !ok {
			c.logger.Debug("call failed on server", "method", call.method, "tag", frame.Tag, "error", frame.Error)
		}
		if ok && call.reply != nil && len(frame.Body) > 0 {
			if err := codec.Unmarshal(frame.Body, call.reply); err != nil {
				c.logger.Warn("undecodable reply", "method", call.method, "tag", frame.Tag, "error", err)
				ok = false
			}
		}
		return []completion.Event{{Tag: frame.Tag, OK: ok}}

	case FrameStart, FrameItem, FrameEnd:
		stream, exists := c.streams[frame.Tag]
		if !exists {
			c.logger.Debug("stream frame for inactive tag", "tag", frame.Tag, "kind", frame.Kind)
			return nil
		}
		return stream.handleLocked(frame)

	default:
		c.logger.Warn("unknown frame kind", "tag", frame.Tag, "kind", frame.Kind)
		return nil
	}
}

// fail marks the connection broken and completes every outstanding
// step as failed.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.broken == nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			c.broken = ErrClosed
		} else {
			c.broken = err
			c.logger.Warn("backend connection failed", "error", err)
		}
	}
	var events []completion.Event
	for tag := range c.unary {
		events = append(events, completion.Event{Tag: tag})
	}
	clear(c.unary)
	for tag, stream := range c.streams {
		if !stream.started || stream.pending != nil {
			events = append(events, completion.Event{Tag: tag})
		}
		stream.pending = nil
		stream.finished = true
	}
	clear(c.streams)
	c.mu.Unlock()

	c.post(events)
}
