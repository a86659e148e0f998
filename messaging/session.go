// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"code.hybscloud.com/atomix"

	"github.com/bureau-foundation/chatbridge/lib/completion"
	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/lib/sealed"
	"github.com/bureau-foundation/chatbridge/lib/secret"
	"github.com/bureau-foundation/chatbridge/transport"
)

// DefaultQueueCapacity is the completion queue size when
// Config.QueueCapacity is not positive.
const DefaultQueueCapacity = 256

// Config holds configuration for Dial.
type Config struct {
	// SocketPath is the backend's Unix socket.
	SocketPath string

	// QueueCapacity bounds the completion queue. Producers back off
	// while it is full.
	QueueCapacity int

	// KeyFile, if set, persists the session key sealed to disk. A key
	// found there at Dial is used to refresh the session on the next
	// Authenticate.
	KeyFile *sealed.KeyFile

	// Logger is used for structured logging. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// Session is an RPC session with the chat backend. Safe for concurrent
// use. Run must be running for operations to complete.
type Session struct {
	conn     *transport.Conn
	pump     *completion.Pump
	registry *completion.Registry
	keyFile  *sealed.KeyFile
	logger   *slog.Logger

	tags atomix.Uint32

	// stopped is cancelled when the pump exits or Close begins.
	// Suspended operations observe it so they never wait on a pump
	// that will not resolve them.
	stopped     context.Context
	cancelStops context.CancelFunc

	// authMu serializes Authenticate calls.
	authMu sync.Mutex

	mu            sync.Mutex
	sessionKey    *secret.Buffer
	lastOutcome   schema.AuthOutcome
	authenticated bool
	phase         Phase
	closed        bool
	inflight      sync.WaitGroup
}

// Dial connects to the backend and returns a session with no
// authentication performed. The pump is not started; call Run.
func Dial(ctx context.Context, config Config) (*Session, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("messaging: SocketPath is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := config.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	queue := completion.NewQueue(capacity)
	registry := completion.NewRegistry()
	pump := completion.NewPump(queue, registry, logger)

	conn, err := transport.Dial(ctx, config.SocketPath, queue, logger)
	if err != nil {
		return nil, fmt.Errorf("messaging: %w", err)
	}

	session := &Session{
		conn:     conn,
		pump:     pump,
		registry: registry,
		keyFile:  config.KeyFile,
		logger:   logger,
		phase:    PhaseUnauthenticated,
	}
	session.stopped, session.cancelStops = context.WithCancel(context.Background())

	if config.KeyFile != nil {
		stored, err := config.KeyFile.Load()
		if err != nil {
			// An unreadable key file costs a fresh login, not the session.
			logger.Warn("ignoring stored session key", "path", config.KeyFile.Path, "error", err)
		} else if stored != nil {
			session.sessionKey = stored
			logger.Info("loaded stored session key", "path", config.KeyFile.Path)
		}
	}
	return session, nil
}

// Run drives the completion pump until ctx is cancelled or the session
// is closed. It returns the pump's fatal error, if any.
func (s *Session) Run(ctx context.Context) error {
	defer s.cancelStops()
	return s.pump.Run(ctx)
}

// Close releases the session: operations still suspended return
// ErrClosed, every in-flight call is joined, the connection and pump
// are shut down, and the session key memory is released. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelStops()
	s.inflight.Wait()

	connErr := s.conn.Close()
	s.pump.Shutdown()

	s.mu.Lock()
	s.clearKeyLocked()
	s.mu.Unlock()

	if connErr != nil {
		return fmt.Errorf("messaging: closing connection: %w", connErr)
	}
	return nil
}

// enter registers an in-flight operation. The caller must call
// s.inflight.Done when it returns.
func (s *Session) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.inflight.Add(1)
	return nil
}

// currentKey returns a heap copy of the session key for a request
// field, or ErrNoSession.
func (s *Session) currentKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionKey == nil {
		return "", ErrNoSession
	}
	return s.sessionKey.String(), nil
}

// clearKeyLocked releases the key buffer. Called with s.mu held.
func (s *Session) clearKeyLocked() {
	if s.sessionKey != nil {
		s.sessionKey.Close()
		s.sessionKey = nil
	}
}

// SessionKey returns the current session key, or "" when none is held.
func (s *Session) SessionKey() string {
	key, err := s.currentKey()
	if err != nil {
		return ""
	}
	return key
}

// nextTag allocates a tag. Tags wrap after 2^32 calls; a wrapped tag
// can only collide with a call that has been outstanding the whole
// time, which Register reports by panicking.
func (s *Session) nextTag() completion.Tag {
	return s.tags.Add(1)
}

// await suspends until the pump resolves slot. When ctx is cancelled,
// the session closes, or the pump stops first, the tag is abandoned and
// the transport cancels the outstanding step, so exactly one event for
// it still reaches the queue and the pump discards it.
func (s *Session) await(ctx context.Context, tag completion.Tag, slot waitable) (bool, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.stopped, cancel)
	defer stop()

	ok, err := slot.Wait(waitCtx)
	if err == nil {
		return ok, nil
	}

	s.registry.Abandon(tag)
	s.conn.Cancel(tag)

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if pumpErr := s.pump.Err(); pumpErr != nil {
		return false, fmt.Errorf("%w: %w", completion.ErrPumpStopped, pumpErr)
	}
	return false, completion.ErrPumpStopped
}

// waitable is the consumer side of a registered slot.
type waitable interface {
	Wait(ctx context.Context) (bool, error)
}

// unary performs one request/response call. ok reports whether the
// server succeeded and the reply decoded into reply. A non-nil error
// means the call never completed (the start failed, ctx was cancelled,
// or the session stopped).
func (s *Session) unary(ctx context.Context, method string, request, reply any) (ok bool, err error) {
	tag := s.nextTag()
	slot := s.registry.Register(tag)

	if err := s.conn.Unary(tag, method, request, reply); err != nil {
		s.registry.Release(tag)
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	ok, err = s.await(ctx, tag, slot)
	if err != nil {
		return false, err
	}
	s.registry.Release(tag)
	if !ok {
		s.logger.Warn("backend call failed", "method", method, "tag", tag)
	}
	return ok, nil
}

// collect performs one streaming call and returns its items in server
// order. The start acknowledgment, every item read, and the end all
// complete on the same tag.
func collect[T any](ctx context.Context, s *Session, method string, request any) ([]T, error) {
	tag := s.nextTag()
	slot := s.registry.Register(tag)

	stream, err := s.conn.OpenStream(tag, method, request)
	if err != nil {
		s.registry.Release(tag)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	started, err := s.await(ctx, tag, slot)
	if err != nil {
		return nil, err
	}
	if !started {
		s.registry.Release(tag)
		return nil, s.streamFailure(method, tag, stream.Err())
	}

	var items []T
	for {
		var item T
		if err := stream.Read(&item); err != nil {
			s.registry.Release(tag)
			stream.Close()
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
		more, err := s.await(ctx, tag, slot)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		items = append(items, item)
	}
	s.registry.Release(tag)

	if err := stream.Err(); err != nil {
		return nil, s.streamFailure(method, tag, err)
	}
	return items, nil
}

func (s *Session) streamFailure(method string, tag completion.Tag, cause error) error {
	if cause == nil {
		cause = errors.New("stream rejected")
	}
	s.logger.Warn("backend stream failed", "method", method, "tag", tag, "error", cause)
	return fmt.Errorf("%w: %s: %w", ErrTransport, method, cause)
}
