// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package await

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/chatbridge/lib/testutil"
)

func TestSignalDeliversOnce(t *testing.T) {
	signal := New[string]()
	results := make(chan string, 1)
	go func() {
		value, err := signal.Wait(context.Background())
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		results <- value
	}()

	signal.Set("k1")
	if got := testutil.RequireReceive(t, results, 5*time.Second, "waiting for signal"); got != "k1" {
		t.Fatalf("Wait() = %q, want %q", got, "k1")
	}
	testutil.RequireClosed(t, signal.Done(), time.Second, "Done after Set")
}

func TestSignalSetTwicePanics(t *testing.T) {
	signal := New[int]()
	signal.Set(1)
	defer func() {
		if recover() == nil {
			t.Fatal("second Set did not panic")
		}
	}()
	signal.Set(2)
}

func TestSignalSecondWaitPanics(t *testing.T) {
	signal := New[int]()
	signal.Set(7)
	if _, err := signal.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Wait on a consumed signal did not panic")
		}
	}()
	signal.Wait(context.Background())
}

func TestSignalCancelledWaitDoesNotConsume(t *testing.T) {
	signal := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := signal.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait(cancelled) error = %v, want context.Canceled", err)
	}

	signal.Set(3)
	value, err := signal.Wait(context.Background())
	if err != nil || value != 3 {
		t.Fatalf("Wait() = %d, %v; want 3, nil", value, err)
	}
}
