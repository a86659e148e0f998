// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/bureau-foundation/chatbridge/lib/codec"
	"github.com/bureau-foundation/chatbridge/lib/completion"
)

// UnaryFunc handles a request/response method. body is the CBOR
// request body. A nil result sends an empty successful reply.
type UnaryFunc func(ctx context.Context, body []byte) (any, error)

// StreamFunc handles a streaming method. It calls send once per item;
// send fails once the client cancels or disconnects. Returning an error
// ends the stream with OK=false.
type StreamFunc func(ctx context.Context, body []byte, send func(item any) error) error

// Server serves the multiplexed protocol on a Unix socket. Register
// methods before calling Serve.
type Server struct {
	socketPath string
	logger     *slog.Logger
	unary      map[string]UnaryFunc
	streams    map[string]StreamFunc

	ready     chan struct{}
	readyOnce sync.Once

	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		logger:     logger,
		unary:      make(map[string]UnaryFunc),
		streams:    make(map[string]StreamFunc),
		ready:      make(chan struct{}),
	}
}

// HandleUnary registers a unary method. Panics on duplicates.
func (s *Server) HandleUnary(method string, handler UnaryFunc) {
	s.checkUnregistered(method)
	s.unary[method] = handler
}

// HandleStream registers a streaming method. Panics on duplicates.
func (s *Server) HandleStream(method string, handler StreamFunc) {
	s.checkUnregistered(method)
	s.streams[method] = handler
}

func (s *Server) checkUnregistered(method string) {
	_, unary := s.unary[method]
	_, stream := s.streams[method]
	if unary || stream {
		panic(fmt.Sprintf("transport.Server: duplicate handler for method %q", method))
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens on the socket until ctx is cancelled, then closes every
// connection and waits for in-flight handlers. A stale socket file is
// removed first; the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("backend socket listening", "path", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.serveConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// serverConn is the state of one accepted connection.
type serverConn struct {
	server *Server
	conn   net.Conn

	writeMu sync.Mutex
	encoder *codec.Encoder

	mu      sync.Mutex
	cancels map[completion.Tag]context.CancelFunc

	handlers sync.WaitGroup
}

func (s *Server) serveConnection(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	sc := &serverConn{
		server:  s,
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		cancels: make(map[completion.Tag]context.CancelFunc),
	}
	defer func() {
		cancel()
		sc.handlers.Wait()
		conn.Close()
	}()

	// Closing the socket unblocks Decode on shutdown.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	decoder := codec.NewDecoder(conn)
	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			if connCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client connection ended", "error", err)
			}
			return
		}
		if request.Cancel {
			sc.cancel(request.Tag)
			continue
		}
		sc.dispatch(connCtx, request)
	}
}

func (sc *serverConn) dispatch(ctx context.Context, request Request) {
	s := sc.server
	if handler, exists := s.unary[request.Method]; exists {
		sc.handlers.Add(1)
		go func() {
			defer sc.handlers.Done()
			result, err := handler(ctx, request.Body)
			sc.writeReply(request, result, err)
		}()
		return
	}

	if handler, exists := s.streams[request.Method]; exists {
		callCtx, cancel := context.WithCancel(ctx)
		sc.mu.Lock()
		sc.cancels[request.Tag] = cancel
		sc.mu.Unlock()

		sc.handlers.Add(1)
		go func() {
			defer sc.handlers.Done()
			defer sc.cancel(request.Tag)
			sc.runStream(callCtx, request, handler)
		}()
		return
	}

	s.logger.Debug("unknown method", "method", request.Method, "tag", request.Tag)
	sc.write(Frame{
		Tag:   request.Tag,
		Kind:  FrameReply,
		Error: fmt.Sprintf("unknown method %q", request.Method),
	})
}

func (sc *serverConn) runStream(ctx context.Context, request Request, handler StreamFunc) {
	if err := sc.write(Frame{Tag: request.Tag, Kind: FrameStart, OK: true}); err != nil {
		return
	}

	send := func(item any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := codec.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding stream item: %w", err)
		}
		return sc.write(Frame{Tag: request.Tag, Kind: FrameItem, Body: body})
	}

	err := handler(ctx, request.Body, send)
	if ctx.Err() != nil {
		// Cancelled by the client; it no longer reads this tag.
		return
	}
	end := Frame{Tag: request.Tag, Kind: FrameEnd, OK: err == nil}
	if err != nil {
		sc.server.logger.Debug("stream handler failed", "method", request.Method, "error", err)
		end.Error = err.Error()
	}
	sc.write(end)
}

func (sc *serverConn) writeReply(request Request, result any, handlerErr error) {
	if handlerErr != nil {
		sc.server.logger.Debug("method failed", "method", request.Method, "error", handlerErr)
		sc.write(Frame{Tag: request.Tag, Kind: FrameReply, Error: handlerErr.Error()})
		return
	}
	reply := Frame{Tag: request.Tag, Kind: FrameReply, OK: true}
	if result != nil {
		body, err := codec.Marshal(result)
		if err != nil {
			sc.write(Frame{Tag: request.Tag, Kind: FrameReply, Error: fmt.Sprintf("internal: encoding reply: %v", err)})
			return
		}
		reply.Body = body
	}
	sc.write(reply)
}

func (sc *serverConn) cancel(tag completion.Tag) {
	sc.mu.Lock()
	cancel, exists := sc.cancels[tag]
	delete(sc.cancels, tag)
	sc.mu.Unlock()
	if exists {
		cancel()
	}
}

func (sc *serverConn) write(frame Frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.encoder.Encode(frame); err != nil {
		sc.server.logger.Debug("frame write failed", "tag", frame.Tag, "error", err)
		return err
	}
	return nil
}
