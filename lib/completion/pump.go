// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"

	"github.com/bureau-foundation/chatbridge/lib/await"
)

// ErrPumpStopped is returned to callers whose wait was cut short
// because the pump is no longer running.
var ErrPumpStopped = errors.New("completion: pump stopped")

// UnknownTagError is the fatal error returned by Run when the queue
// delivers an event for a tag with no registration.
type UnknownTagError struct {
	Tag Tag
	OK  bool
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("completion: event for unregistered tag %d (ok=%t)", e.Tag, e.OK)
}

// Pump is the only reader of a Queue. It resolves each event into the
// slot registered for its tag.
type Pump struct {
	queue    *Queue
	registry *Registry
	logger   *slog.Logger

	started atomix.Uint32
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// NewPump creates a pump draining queue into registry. A nil logger
// uses slog.Default().
func NewPump(queue *Queue, registry *Registry, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		queue:    queue,
		registry: registry,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run drains the queue until it is shut down and empty, ctx is
// cancelled, or an unknown tag arrives. Returns nil on shutdown and
// cancellation and an *UnknownTagError on the fatal path. Run must be
// called at most once; a second call panics.
func (p *Pump) Run(ctx context.Context) error {
	if p.started.Add(1) != 1 {
		panic("completion: Pump.Run called twice")
	}
	defer close(p.done)
	// Producers must not block on a ring nobody drains.
	defer p.queue.Shutdown()

	var backoff iox.Backoff
	for {
		event, err := p.queue.TryNext()
		switch {
		case err == nil:
			backoff = iox.Backoff{}
			if err := p.dispatch(ctx, event); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.fail(err)
				return err
			}

		case errors.Is(err, iox.ErrWouldBlock):
			if ctx.Err() != nil {
				return nil
			}
			backoff.Wait()

		case errors.Is(err, ErrShutdown):
			p.logger.Debug("completion queue shut down")
			return nil

		default:
			p.fail(err)
			return err
		}
	}
}

// dispatch hands one event to its slot, waiting for the slot's caller
// to take it.
func (p *Pump) dispatch(ctx context.Context, event Event) error {
	entry, dropped, exists := p.registry.lookup(event.Tag)
	if !exists {
		err := &UnknownTagError{Tag: event.Tag, OK: event.OK}
		p.logger.Error("completion event for unregistered tag",
			"tag", event.Tag,
			"ok", event.OK,
		)
		return err
	}
	if dropped {
		p.logger.Debug("dropped completion for abandoned tag", "tag", event.Tag)
		return nil
	}

	err := entry.slot.Deliver(ctx, entry.abort, event.OK)
	if errors.Is(err, await.ErrAborted) {
		p.registry.remove(event.Tag, entry)
		p.logger.Debug("dropped completion for abandoned tag", "tag", event.Tag)
		return nil
	}
	if err != nil {
		return err
	}
	p.registry.settle(event.Tag, entry)
	return nil
}

func (p *Pump) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Shutdown shuts the queue down. Run returns once every event posted
// before the shutdown has been dispatched. Idempotent.
func (p *Pump) Shutdown() {
	p.queue.Shutdown()
}

// Done returns a channel closed when Run has returned.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err returns the fatal error that stopped the pump, or nil if it
// stopped cleanly or is still running.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Queue returns the queue the pump drains. Producers post to it.
func (p *Pump) Queue() *Queue {
	return p.queue
}

// Registry returns the registry the pump resolves into.
func (p *Pump) Registry() *Registry {
	return p.registry
}
