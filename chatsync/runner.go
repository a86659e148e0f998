// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/chatbridge/messaging"
)

// Runner runs a session's pump and an engine's tick loop under one
// lifetime. If either stops with an error, the other is cancelled.
type Runner struct {
	session *messaging.Session
	cancel  context.CancelFunc
	group   *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Start launches the pump and the tick loop.
func Start(ctx context.Context, session *messaging.Session, engine *Engine) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return session.Run(groupCtx) })
	group.Go(func() error {
		err := engine.Run(groupCtx)
		if err == nil {
			// The pump has nothing left to serve.
			cancel()
		}
		return err
	})
	return &Runner{session: session, cancel: cancel, group: group}
}

// Wait blocks until both goroutines have returned and reports the first
// error.
func (r *Runner) Wait() error {
	return r.group.Wait()
}

// Close cancels the tick loop and the pump, waits for both (and with
// them every in-flight fetch), then closes the session. Idempotent.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		runErr := r.group.Wait()
		r.closeErr = errors.Join(runErr, r.session.Close())
	})
	return r.closeErr
}
