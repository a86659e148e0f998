// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/chatbridge/lib/accountstore"
	"github.com/bureau-foundation/chatbridge/lib/clock"
	"github.com/bureau-foundation/chatbridge/lib/mockbackend"
	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/lib/secret"
	"github.com/bureau-foundation/chatbridge/lib/testutil"
	"github.com/bureau-foundation/chatbridge/messaging"
	"github.com/bureau-foundation/chatbridge/transport"
)

const selfID = "self-1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type delivery struct {
	peerID    string
	text      string
	direction Direction
	seconds   int64
}

// recordingDisplay records deliveries and forwards each to notify, if
// set.
type recordingDisplay struct {
	mu         sync.Mutex
	deliveries []delivery
	notify     chan delivery
}

func (d *recordingDisplay) Deliver(peerID, text string, direction Direction, timestampSeconds int64) {
	entry := delivery{peerID: peerID, text: text, direction: direction, seconds: timestampSeconds}
	d.mu.Lock()
	d.deliveries = append(d.deliveries, entry)
	d.mu.Unlock()
	if d.notify != nil {
		d.notify <- entry
	}
}

func (d *recordingDisplay) texts(peerID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var texts []string
	for _, entry := range d.deliveries {
		if entry.peerID == peerID {
			texts = append(texts, entry.text)
		}
	}
	return texts
}

func (d *recordingDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

type fixture struct {
	backend    *mockbackend.Backend
	socketPath string
	session    *messaging.Session
	store      *accountstore.Memory
	watermarks *Watermarks
	display    *recordingDisplay
	contacts   *ContactBook
	clock      clock.Clock
}

type fixtureOptions struct {
	pageSize   int
	clock      clock.Clock
	watermarks string
	noLogin    bool
}

// newFixture serves a mock backend with account alice, dials a session,
// runs its pump, and logs in.
func newFixture(t *testing.T, options fixtureOptions) *fixture {
	t.Helper()
	if options.clock == nil {
		options.clock = clock.Real()
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "backend.sock")
	backend := mockbackend.New(mockbackend.Config{PageSize: options.pageSize, Clock: options.clock})
	backend.AddAccount("alice", "pw1", "", schema.Contact{ID: selfID, DisplayName: "Alice"})
	server := transport.NewServer(socketPath, testLogger())
	backend.Register(server)

	serveCtx, stopServing := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(serveCtx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "backend never became ready")
	t.Cleanup(func() {
		stopServing()
		<-serveDone
	})

	session := dialSession(t, socketPath)
	if !options.noLogin {
		login(t, session)
	}

	store := &accountstore.Memory{}
	if options.watermarks != "" {
		store.Set(context.Background(), WatermarksKey, options.watermarks)
	}
	watermarks, err := LoadWatermarks(context.Background(), store)
	if err != nil {
		t.Fatalf("LoadWatermarks: %v", err)
	}

	return &fixture{
		backend:    backend,
		socketPath: socketPath,
		session:    session,
		store:      store,
		watermarks: watermarks,
		display:    &recordingDisplay{},
		contacts:   &ContactBook{},
		clock:      options.clock,
	}
}

func dialSession(t *testing.T, socketPath string) *messaging.Session {
	t.Helper()
	session, err := messaging.Dial(context.Background(), messaging.Config{
		SocketPath: socketPath,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(ctx) }()
	t.Cleanup(func() {
		session.Close()
		cancel()
		<-runDone
	})
	return session
}

func aliceCredentials(t *testing.T) messaging.Credentials {
	t.Helper()
	password, err := secret.NewFromString("pw1")
	if err != nil {
		t.Fatalf("password buffer: %v", err)
	}
	t.Cleanup(func() { password.Close() })
	return messaging.Credentials{Username: "alice", Password: password}
}

func login(t *testing.T, session *messaging.Session) {
	t.Helper()
	outcome, err := session.Authenticate(context.Background(), aliceCredentials(t), "")
	if err != nil || outcome != schema.AuthSuccess {
		t.Fatalf("Authenticate = %v, %v", outcome, err)
	}
}

func (f *fixture) engine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	config := Config{
		Session:    f.session,
		Watermarks: f.watermarks,
		Echo:       NewEchoBuffer(EchoConfig{Clock: f.clock}),
		Display:    f.display,
		Contacts:   f.contacts,
		Clock:      f.clock,
		Logger:     testLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}
	engine, err := NewEngine(config)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func tick(t *testing.T, engine *Engine) TickResult {
	t.Helper()
	result, err := engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return result
}

func TestTickAdvancesWatermarkPastNewestMessage(t *testing.T) {
	f := newFixture(t, fixtureOptions{watermarks: `{"p1":1000}`})
	f.backend.AddContact("alice", schema.Contact{ID: "p1", DisplayName: "Bob"})
	f.backend.Inject("alice", "p1", "p1", "a", 1000)
	f.backend.Inject("alice", "p1", "p1", "b", 1005)
	f.backend.Inject("alice", "p1", "p1", "c", 1010)
	engine := f.engine(t, nil)

	result := tick(t, engine)

	if !slices.Equal(result.Candidates, []string{"p1"}) {
		t.Fatalf("candidates = %v", result.Candidates)
	}
	if got := f.display.texts("p1"); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("displayed %v, want [a b c]", got)
	}
	if got := f.watermarks.Get("p1"); got != 1011 {
		t.Fatalf("watermark = %d, want 1011", got)
	}
	if got := f.backend.Acknowledged("alice", "p1"); got != 1011 {
		t.Fatalf("acknowledged through %d, want 1011", got)
	}
	raw, _, _ := f.store.Get(context.Background(), WatermarksKey)
	if raw != `{"p1":1011}` {
		t.Fatalf("persisted %s", raw)
	}
	if len(engine.PendingAcks()) != 0 {
		t.Fatalf("pending acks = %v", engine.PendingAcks())
	}

	contact, exists := f.contacts.Get("p1")
	if !exists || contact.DisplayName != "Bob" {
		t.Fatalf("contact sink = %+v, %v", contact, exists)
	}
}

func TestTickSkipsPeersWithoutNewActivity(t *testing.T) {
	f := newFixture(t, fixtureOptions{watermarks: `{"p2":500}`})
	f.backend.SetConversation("alice", schema.ConversationSnapshot{
		PeerID:      "p2",
		LastMessage: schema.TimestampFromUnixNano(500),
	})
	engine := f.engine(t, nil)
	writesBefore := f.store.Writes()

	result := tick(t, engine)

	if len(result.Candidates) != 0 {
		t.Fatalf("candidates = %v, want none", result.Candidates)
	}
	if calls := f.backend.Calls(schema.MethodFetchMessages); calls != 0 {
		t.Fatalf("fetch_messages called %d times", calls)
	}
	if calls := f.backend.Calls(schema.MethodAcknowledge); calls != 0 {
		t.Fatalf("acknowledge called %d times", calls)
	}
	if result.Persisted || f.store.Writes() != writesBefore {
		t.Fatal("unchanged watermarks were persisted")
	}
}

func TestTickPaginatesUntilEmptyPage(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 2})
	f.backend.Inject("alice", "p1", "p1", "one", 10)
	f.backend.Inject("alice", "p1", "p1", "two", 20)
	f.backend.Inject("alice", "p1", "p1", "three", 30)
	engine := f.engine(t, nil)

	tick(t, engine)

	if got := f.display.texts("p1"); !slices.Equal(got, []string{"one", "two", "three"}) {
		t.Fatalf("displayed %v", got)
	}
	// [30 20], then [20 10] with 20 already collected, then the short
	// page [10].
	if calls := f.backend.Calls(schema.MethodFetchMessages); calls != 3 {
		t.Fatalf("fetch_messages called %d times, want 3", calls)
	}
	if got := f.watermarks.Get("p1"); got != 31 {
		t.Fatalf("watermark = %d, want 31", got)
	}
}

func TestTickStopsAtPageCap(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 2})
	for i, text := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
		f.backend.Inject("alice", "p1", "p1", text, int64(10*(i+1)))
	}
	engine := f.engine(t, func(config *Config) { config.PageCap = 2 })

	tick(t, engine)

	if calls := f.backend.Calls(schema.MethodFetchMessages); calls != 2 {
		t.Fatalf("fetch_messages called %d times, want 2", calls)
	}
	// [60 50], then [50 40] with 50 already collected.
	if got := f.display.texts("p1"); !slices.Equal(got, []string{"m4", "m5", "m6"}) {
		t.Fatalf("displayed %v", got)
	}
	if got := f.watermarks.Get("p1"); got != 61 {
		t.Fatalf("watermark = %d, want 61", got)
	}
}

func TestTickKeepsEqualTimestampsAcrossPages(t *testing.T) {
	f := newFixture(t, fixtureOptions{pageSize: 2})
	f.backend.Inject("alice", "p1", "p1", "a", 10)
	f.backend.Inject("alice", "p1", "p1", "b", 20)
	f.backend.Inject("alice", "p1", "p1", "c", 20)
	f.backend.Inject("alice", "p1", "p1", "d", 30)
	engine := f.engine(t, func(config *Config) { config.PageCap = 5 })

	tick(t, engine)

	// [d b], then [b c] with b already collected, then [b c] again
	// which steps below 20, then the short page [a].
	if got := f.display.texts("p1"); !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("displayed %v", got)
	}
	if calls := f.backend.Calls(schema.MethodFetchMessages); calls != 4 {
		t.Fatalf("fetch_messages called %d times, want 4", calls)
	}
	if got := f.watermarks.Get("p1"); got != 31 {
		t.Fatalf("watermark = %d, want 31", got)
	}
}

func TestFailedFetchLeavesOnlyThatPeerBehind(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.backend.Inject("alice", "p1", "p1", "to p1", 100)
	f.backend.Inject("alice", "p2", "p2", "to p2", 200)
	engine := f.engine(t, func(config *Config) { config.Concurrency = 1 })

	// Candidates run in peer order with one at a time, so p1 fails.
	f.backend.FailNext(schema.MethodFetchMessages, 1)
	result := tick(t, engine)

	if !slices.Equal(result.Failed, []string{"p1"}) {
		t.Fatalf("failed = %v, want [p1]", result.Failed)
	}
	if got := f.watermarks.Get("p1"); got != 0 {
		t.Fatalf("failed peer watermark = %d, want 0", got)
	}
	if got := f.watermarks.Get("p2"); got != 201 {
		t.Fatalf("p2 watermark = %d, want 201", got)
	}

	result = tick(t, engine)
	if !slices.Equal(result.Candidates, []string{"p1"}) {
		t.Fatalf("second tick candidates = %v, want [p1]", result.Candidates)
	}
	if got := f.watermarks.Get("p1"); got != 101 {
		t.Fatalf("p1 watermark after retry = %d, want 101", got)
	}
	if got := f.display.texts("p1"); !slices.Equal(got, []string{"to p1"}) {
		t.Fatalf("p1 displayed %v", got)
	}
}

func TestWatermarksMonotonicAcrossTicks(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	f := newFixture(t, fixtureOptions{clock: fake, pageSize: 3})
	engine := f.engine(t, func(config *Config) { config.PageCap = 1 })

	previous := map[string]int64{}
	for round := range 5 {
		base := fake.Now().UnixNano()
		for i := range round + 2 {
			f.backend.Inject("alice", "p1", "p1", "m", base+int64(i))
		}
		f.backend.Inject("alice", "p2", "p2", "m", base)

		tick(t, engine)

		for peerID, value := range f.watermarks.Snapshot() {
			if value < previous[peerID] {
				t.Fatalf("round %d: %s regressed from %d to %d", round, peerID, previous[peerID], value)
			}
			previous[peerID] = value
		}
		fake.Advance(time.Second)
	}
	if previous["p1"] == 0 || previous["p2"] == 0 {
		t.Fatalf("watermarks never advanced: %v", previous)
	}
}

func TestFailedAcknowledgeIsRetriedNextTick(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.backend.Inject("alice", "p1", "p1", "hello", 1000)
	engine := f.engine(t, nil)

	f.backend.FailNext(schema.MethodAcknowledge, 1)
	tick(t, engine)

	if got := f.watermarks.Get("p1"); got != 1001 {
		t.Fatalf("local watermark = %d, want 1001", got)
	}
	if got := f.backend.Acknowledged("alice", "p1"); got != 0 {
		t.Fatalf("backend acknowledged %d despite failure", got)
	}
	if !slices.Equal(engine.PendingAcks(), []string{"p1"}) {
		t.Fatalf("pending acks = %v", engine.PendingAcks())
	}

	tick(t, engine)

	if got := f.backend.Acknowledged("alice", "p1"); got != 1001 {
		t.Fatalf("retried ack through %d, want 1001", got)
	}
	if len(engine.PendingAcks()) != 0 {
		t.Fatalf("pending acks after retry = %v", engine.PendingAcks())
	}
	if got := f.display.texts("p1"); len(got) != 1 {
		t.Fatalf("message displayed %d times", len(got))
	}
}

func TestSentMessageEchoIsNotDisplayedTwice(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	f := newFixture(t, fixtureOptions{clock: fake})
	f.backend.AddContact("alice", schema.Contact{ID: "p3"})
	echo := NewEchoBuffer(EchoConfig{Clock: fake})
	engine := f.engine(t, func(config *Config) { config.Echo = echo })
	ctx := context.Background()

	// Learn our own ID.
	tick(t, engine)

	if err := engine.Send(ctx, "p3", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := f.display.texts("p3"); !slices.Equal(got, []string{"hi"}) {
		t.Fatalf("displayed after send %v", got)
	}
	if echo.Len("p3") != 1 {
		t.Fatalf("echo entries = %d, want 1", echo.Len("p3"))
	}

	fake.Advance(2 * time.Second)
	result := tick(t, engine)

	if result.Echoes != 1 || result.Delivered != 0 {
		t.Fatalf("tick result = %+v, want one echo and no delivery", result)
	}
	if got := f.display.texts("p3"); !slices.Equal(got, []string{"hi"}) {
		t.Fatalf("displayed %v, want [hi] once", got)
	}
	if echo.Len("p3") != 0 {
		t.Fatal("echo entry not consumed")
	}

	// A self-sent message from elsewhere is shown as sent.
	f.backend.Inject("alice", "p3", selfID, "from my phone", fake.Now().UnixNano())
	tick(t, engine)
	f.display.mu.Lock()
	last := f.display.deliveries[len(f.display.deliveries)-1]
	f.display.mu.Unlock()
	if last.text != "from my phone" || last.direction != Sent {
		t.Fatalf("last delivery = %+v", last)
	}
}

func TestSendFailureCategories(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.backend.AddContact("alice", schema.Contact{ID: "p3"})
	echo := NewEchoBuffer(EchoConfig{})
	engine := f.engine(t, func(config *Config) { config.Echo = echo })
	ctx := context.Background()

	t.Run("invalid target stays per message", func(t *testing.T) {
		err := engine.Send(ctx, "stranger", "hi")
		var sendErr *SendError
		if !errors.As(err, &sendErr) || sendErr.Outcome != schema.SendInvalidTarget {
			t.Fatalf("error = %v", err)
		}
		if errors.Is(err, ErrSessionInvalid) {
			t.Fatal("invalid target invalidated the session")
		}
		if f.session.ShouldReauthenticate() {
			t.Fatal("session torn down by a per-message failure")
		}
		if echo.Len("stranger") != 0 {
			t.Fatal("echo kept for a rejected send")
		}
	})

	t.Run("invalid message stays per message", func(t *testing.T) {
		err := engine.Send(ctx, "p3", "")
		if err == nil || errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("error = %v", err)
		}
	})

	t.Run("unknown failure invalidates the session", func(t *testing.T) {
		f.backend.FailNext(schema.MethodSendMessage, 1)
		err := engine.Send(ctx, "p3", "hi")
		if !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("error = %v, want ErrSessionInvalid", err)
		}
		if !f.session.ShouldReauthenticate() {
			t.Fatal("session still claims to be authenticated")
		}
		if _, err := engine.Tick(ctx); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("Tick after invalidation = %v", err)
		}
	})

	if got := f.display.count(); got != 0 {
		t.Fatalf("failed sends displayed %d messages", got)
	}
}

func TestTickRequiresAuthenticatedSession(t *testing.T) {
	f := newFixture(t, fixtureOptions{noLogin: true})
	engine := f.engine(t, nil)

	if _, err := engine.Tick(context.Background()); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Tick = %v, want ErrSessionInvalid", err)
	}
	if calls := f.backend.Calls(schema.MethodListContacts); calls != 0 {
		t.Fatalf("list_contacts called %d times", calls)
	}
}

func TestRunTicksOnInterval(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	f := newFixture(t, fixtureOptions{clock: fake})
	f.display.notify = make(chan delivery, 4)
	engine := f.engine(t, func(config *Config) { config.Interval = 10 * time.Second })

	f.backend.Inject("alice", "p1", "p1", "first", fake.Now().UnixNano())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	first := testutil.RequireReceive(t, f.display.notify, 5*time.Second, "first tick delivered nothing")
	if first.text != "first" {
		t.Fatalf("first delivery = %+v", first)
	}

	fake.WaitForTimers(1)
	f.backend.Inject("alice", "p1", "p1", "second", fake.Now().UnixNano()+5)
	testutil.RequireBlocked(t, f.display.notify, 50*time.Millisecond, "ticked before the interval elapsed")

	fake.Advance(10 * time.Second)
	second := testutil.RequireReceive(t, f.display.notify, 5*time.Second, "second tick delivered nothing")
	if second.text != "second" {
		t.Fatalf("second delivery = %+v", second)
	}

	cancel()
	if err := testutil.RequireReceive(t, runDone, 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunnerReauthenticatesAndCloses(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	f := newFixture(t, fixtureOptions{clock: fake, noLogin: true})
	f.display.notify = make(chan delivery, 4)
	f.backend.Inject("alice", "p1", "p1", "waiting", fake.Now().UnixNano())

	// The fixture's pump is already running; the runner needs its own
	// session.
	session, err := messaging.Dial(context.Background(), messaging.Config{
		SocketPath: f.socketPath,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	credentials := aliceCredentials(t)
	engine := f.engine(t, func(config *Config) {
		config.Session = session
		config.Reauthenticate = func(ctx context.Context) error {
			_, err := messaging.Login(ctx, session, credentials, nil, 0)
			return err
		}
	})

	runner := Start(context.Background(), session, engine)
	delivered := testutil.RequireReceive(t, f.display.notify, 5*time.Second, "runner never delivered")
	if delivered.text != "waiting" {
		t.Fatalf("delivery = %+v", delivered)
	}

	if err := runner.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := session.ListContacts(context.Background()); !errors.Is(err, messaging.ErrClosed) {
		t.Fatalf("ListContacts after Close = %v, want ErrClosed", err)
	}
	if err := runner.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
