// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"code.hybscloud.com/iox"

	"github.com/bureau-foundation/chatbridge/lib/codec"
	"github.com/bureau-foundation/chatbridge/lib/completion"
	"github.com/bureau-foundation/chatbridge/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoRequest struct {
	Text string `cbor:"text"`
}

type countRequest struct {
	N    int  `cbor:"n"`
	Fail bool `cbor:"fail"`
}

type countItem struct {
	I int `cbor:"i"`
}

// startServer runs a server with an echo unary method, a failing unary
// method, a counting stream, and a stream that blocks until cancelled.
// blocked receives once the blocking stream has started.
func startServer(t *testing.T) (socketPath string, blocked chan struct{}) {
	t.Helper()
	socketPath = filepath.Join(testutil.SocketDir(t), "backend.sock")
	server := NewServer(socketPath, testLogger())
	blocked = make(chan struct{}, 1)

	server.HandleUnary("echo", func(ctx context.Context, body []byte) (any, error) {
		var request echoRequest
		if err := codec.Unmarshal(body, &request); err != nil {
			return nil, err
		}
		return echoRequest{Text: "echo:" + request.Text}, nil
	})
	server.HandleUnary("fail", func(ctx context.Context, body []byte) (any, error) {
		return nil, errors.New("no such peer")
	})
	server.HandleStream("count", func(ctx context.Context, body []byte, send func(any) error) error {
		var request countRequest
		if err := codec.Unmarshal(body, &request); err != nil {
			return err
		}
		for i := 0; i < request.N; i++ {
			if err := send(countItem{I: i}); err != nil {
				return err
			}
		}
		if request.Fail {
			return fmt.Errorf("stopped after %d", request.N)
		}
		return nil
	})
	server.HandleStream("block", func(ctx context.Context, body []byte, send func(any) error) error {
		blocked <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server listening")
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, served, 5*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return socketPath, blocked
}

func dial(t *testing.T, socketPath string) (*Conn, *completion.Queue) {
	t.Helper()
	queue := completion.NewQueue(64)
	conn, err := Dial(context.Background(), socketPath, queue, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, queue
}

// nextEvent polls the queue the way the pump does.
func nextEvent(t *testing.T, queue *completion.Queue) completion.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var backoff iox.Backoff
	for time.Now().Before(deadline) {
		event, err := queue.TryNext()
		if err == nil {
			return event
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			t.Fatalf("TryNext: %v", err)
		}
		backoff.Wait()
	}
	t.Fatal("timed out waiting for a completion event")
	return completion.Event{}
}

func TestUnaryPostsEventAfterDecodingReply(t *testing.T) {
	socketPath, _ := startServer(t)
	conn, queue := dial(t, socketPath)

	var reply echoRequest
	if err := conn.Unary(7, "echo", echoRequest{Text: "hi"}, &reply); err != nil {
		t.Fatalf("Unary: %v", err)
	}
	event := nextEvent(t, queue)
	if event.Tag != 7 || !event.OK {
		t.Fatalf("event = %+v, want tag 7 ok", event)
	}
	if reply.Text != "echo:hi" {
		t.Fatalf("reply = %q, want echo:hi", reply.Text)
	}
}

func TestUnaryFailures(t *testing.T) {
	socketPath, _ := startServer(t)
	conn, queue := dial(t, socketPath)

	for tag, method := range map[completion.Tag]string{1: "fail", 2: "no-such-method"} {
		if err := conn.Unary(tag, method, echoRequest{}, nil); err != nil {
			t.Fatalf("Unary(%s): %v", method, err)
		}
		event := nextEvent(t, queue)
		if event.Tag != tag || event.OK {
			t.Fatalf("%s: event = %+v, want tag %d not ok", method, event, tag)
		}
	}
}

func TestUnaryRejectsLiveTag(t *testing.T) {
	socketPath, blocked := startServer(t)
	conn, queue := dial(t, socketPath)

	if _, err := conn.OpenStream(3, "block", struct{}{}); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	testutil.RequireReceive(t, blocked, 5*time.Second, "stream started")
	if err := conn.Unary(3, "echo", echoRequest{}, nil); err == nil {
		t.Fatal("Unary on a live tag succeeded")
	}
	if event := nextEvent(t, queue); event.Tag != 3 || !event.OK {
		t.Fatalf("start event = %+v", event)
	}
}

func TestStreamStartItemsEnd(t *testing.T) {
	socketPath, _ := startServer(t)
	conn, queue := dial(t, socketPath)

	stream, err := conn.OpenStream(11, "count", countRequest{N: 3})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if event := nextEvent(t, queue); event.Tag != 11 || !event.OK {
		t.Fatalf("start event = %+v", event)
	}

	for want := 0; want < 3; want++ {
		var item countItem
		if err := stream.Read(&item); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if event := nextEvent(t, queue); !event.OK {
			t.Fatalf("item %d event not ok", want)
		}
		if item.I != want {
			t.Fatalf("item = %d, want %d", item.I, want)
		}
	}

	var item countItem
	if err := stream.Read(&item); err != nil {
		t.Fatalf("final Read: %v", err)
	}
	if event := nextEvent(t, queue); event.OK {
		t.Fatal("end event reported ok")
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("Err() after clean end = %v", err)
	}
	if err := stream.Read(&item); !errors.Is(err, ErrStreamFinished) {
		t.Fatalf("Read after end = %v, want ErrStreamFinished", err)
	}
}

func TestStreamHandlerFailure(t *testing.T) {
	socketPath, _ := startServer(t)
	conn, queue := dial(t, socketPath)

	stream, err := conn.OpenStream(12, "count", countRequest{N: 1, Fail: true})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	nextEvent(t, queue)

	var item countItem
	stream.Read(&item)
	if event := nextEvent(t, queue); !event.OK {
		t.Fatal("item event not ok")
	}
	stream.Read(&item)
	if event := nextEvent(t, queue); event.OK {
		t.Fatal("end event ok for a failed handler")
	}
	var remote *RemoteError
	if !errors.As(stream.Err(), &remote) {
		t.Fatalf("Err() = %v, want *RemoteError", stream.Err())
	}
}

func TestReadWhilePendingFails(t *testing.T) {
	socketPath, blocked := startServer(t)
	conn, queue := dial(t, socketPath)

	stream, err := conn.OpenStream(13, "block", struct{}{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	testutil.RequireReceive(t, blocked, 5*time.Second, "stream started")
	nextEvent(t, queue)

	var item countItem
	if err := stream.Read(&item); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := stream.Read(&item); !errors.Is(err, ErrReadPending) {
		t.Fatalf("second Read = %v, want ErrReadPending", err)
	}

	// Cancelling completes the outstanding read as failed.
	stream.Close()
	if event := nextEvent(t, queue); event.Tag != 13 || event.OK {
		t.Fatalf("cancel event = %+v, want tag 13 not ok", event)
	}
	if !errors.Is(stream.Err(), ErrClosed) {
		t.Fatalf("Err() after cancel = %v, want ErrClosed", stream.Err())
	}
}

func TestConnectionLossFailsOutstandingSteps(t *testing.T) {
	socketPath, blocked := startServer(t)
	conn, queue := dial(t, socketPath)

	stream, err := conn.OpenStream(21, "block", struct{}{})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	testutil.RequireReceive(t, blocked, 5*time.Second, "stream started")
	nextEvent(t, queue)
	var item countItem
	if err := stream.Read(&item); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if event := nextEvent(t, queue); event.Tag != 21 || event.OK {
		t.Fatalf("event after close = %+v, want tag 21 not ok", event)
	}
	if err := conn.Unary(22, "echo", echoRequest{}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Unary after close = %v, want ErrClosed", err)
	}
}
