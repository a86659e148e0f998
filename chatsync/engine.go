// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/chatbridge/lib/clock"
	"github.com/bureau-foundation/chatbridge/lib/completion"
	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/messaging"
)

// Engine defaults.
const (
	DefaultInterval    = 5 * time.Second
	DefaultPageCap     = 3
	DefaultConcurrency = 8
)

// ErrSessionInvalid means the session must be authenticated again
// before the engine can make progress.
var ErrSessionInvalid = errors.New("chatsync: session needs reauthentication")

// Session is the subset of *messaging.Session the engine drives.
type Session interface {
	ListContacts(ctx context.Context) (messaging.ContactList, error)
	ListActiveConversations(ctx context.Context, sinceMillis int64) (messaging.ActiveConversations, error)
	FetchMessages(ctx context.Context, peerID string, window messaging.Window) ([]schema.Message, error)
	SendMessage(ctx context.Context, peerID, text string) (schema.SendOutcome, error)
	Acknowledge(ctx context.Context, peerID string, throughNs int64) (bool, error)
	ShouldReauthenticate() bool
	ResetSessionKey()
}

// Config holds configuration for NewEngine.
type Config struct {
	Session    Session
	Watermarks *Watermarks
	Echo       *EchoBuffer
	Display    DisplaySink
	Contacts   ContactSink

	// Interval is the pause between ticks in Run.
	Interval time.Duration

	// PageCap bounds fetches per peer per tick. When more messages are
	// waiting than PageCap pages hold, the watermark still moves past
	// the newest one and the older remainder is never displayed.
	PageCap int

	// Concurrency bounds peers fetched at once.
	Concurrency int

	// Reauthenticate, if set, is called by Run before a tick whenever
	// the session reports it should reauthenticate.
	Reauthenticate func(ctx context.Context) error

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine is the synchronization engine. Tick and Send may run
// concurrently; ticks must not overlap.
type Engine struct {
	session        Session
	watermarks     *Watermarks
	echo           *EchoBuffer
	display        DisplaySink
	contacts       ContactSink
	interval       time.Duration
	pageCap        int
	concurrency    int
	reauthenticate func(ctx context.Context) error
	clock          clock.Clock
	logger         *slog.Logger

	tickMu sync.Mutex

	mu          sync.Mutex
	selfID      string
	sinceMillis int64
	pendingAcks map[string]int64
}

// NewEngine creates an engine. Session, Watermarks, and Display are
// required.
func NewEngine(config Config) (*Engine, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("chatsync: Session is required")
	}
	if config.Watermarks == nil {
		return nil, fmt.Errorf("chatsync: Watermarks is required")
	}
	if config.Display == nil {
		return nil, fmt.Errorf("chatsync: Display is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Echo == nil {
		config.Echo = NewEchoBuffer(EchoConfig{Clock: config.Clock})
	}
	if config.Contacts == nil {
		config.Contacts = &ContactBook{}
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.PageCap <= 0 {
		config.PageCap = DefaultPageCap
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Engine{
		session:        config.Session,
		watermarks:     config.Watermarks,
		echo:           config.Echo,
		display:        config.Display,
		contacts:       config.Contacts,
		interval:       config.Interval,
		pageCap:        config.PageCap,
		concurrency:    config.Concurrency,
		reauthenticate: config.Reauthenticate,
		clock:          config.Clock,
		logger:         config.Logger,
		pendingAcks:    make(map[string]int64),
	}, nil
}

// TickResult summarizes one tick.
type TickResult struct {
	Candidates []string
	Delivered  int
	Echoes     int
	Failed     []string
	Persisted  bool
}

// peerResult is one candidate's contribution to a tick.
type peerResult struct {
	peerID    string
	watermark int64
	advanced  bool
	delivered int
	echoes    int
	err       error
}

// Tick runs one synchronization cycle. It returns ErrSessionInvalid
// without touching the network when the session is not authenticated,
// and an error when the cycle could not start or its results could not
// be persisted. Per-peer fetch failures are logged and reported in
// TickResult.Failed.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.session.ShouldReauthenticate() {
		return TickResult{}, ErrSessionInvalid
	}

	e.mu.Lock()
	sinceMillis := e.sinceMillis
	e.mu.Unlock()

	var (
		contacts messaging.ContactList
		active   messaging.ActiveConversations
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		contacts, err = e.session.ListContacts(groupCtx)
		return err
	})
	group.Go(func() error {
		var err error
		active, err = e.session.ListActiveConversations(groupCtx, sinceMillis)
		return err
	})
	if err := group.Wait(); err != nil {
		return TickResult{}, fmt.Errorf("chatsync: listing: %w", err)
	}

	e.applyContacts(contacts)

	var result TickResult
	candidates := e.candidates(active.Conversations)
	for _, candidate := range candidates {
		result.Candidates = append(result.Candidates, candidate.PeerID)
	}

	results := make([]peerResult, len(candidates))
	var fetches errgroup.Group
	fetches.SetLimit(e.concurrency)
	for i, candidate := range candidates {
		fetches.Go(func() error {
			results[i] = e.pollPeer(ctx, candidate.PeerID)
			return nil
		})
	}
	fetches.Wait()

	// Peers that finished keep their contribution even when another
	// peer failed fatally or ctx ended the tick.
	var fatal error
	for _, peer := range results {
		result.Delivered += peer.delivered
		result.Echoes += peer.echoes
		if peer.err != nil {
			result.Failed = append(result.Failed, peer.peerID)
			e.logger.Warn("peer fetch failed", "peer_id", peer.peerID, "error", peer.err)
			if isFatal(peer.err) && fatal == nil {
				fatal = peer.err
			}
			continue
		}
		if peer.advanced && e.watermarks.Advance(peer.peerID, peer.watermark) {
			e.mu.Lock()
			e.pendingAcks[peer.peerID] = e.watermarks.Get(peer.peerID)
			e.mu.Unlock()
		}
	}
	stopErr := ctx.Err()
	if stopErr == nil {
		stopErr = fatal
	}
	if stopErr == nil {
		e.acknowledgePending(ctx)
	}

	// Displayed messages must not be displayed again after a restart,
	// so the table is written even when ctx is already done.
	persisted, err := e.watermarks.Persist(context.WithoutCancel(ctx))
	if err != nil {
		return result, errors.Join(stopErr, err)
	}
	result.Persisted = persisted
	if stopErr != nil {
		return result, stopErr
	}

	// A failed peer's snapshot must come back next tick, so since only
	// moves when every candidate was fetched.
	if len(result.Failed) == 0 && active.ServerTimeNs > 0 {
		e.mu.Lock()
		e.sinceMillis = time.Duration(active.ServerTimeNs).Milliseconds()
		e.mu.Unlock()
	}

	e.logger.Debug("tick finished",
		"candidates", len(result.Candidates),
		"delivered", result.Delivered,
		"echoes", result.Echoes,
		"failed", len(result.Failed),
		"persisted", result.Persisted,
	)
	return result, nil
}

func (e *Engine) applyContacts(list messaging.ContactList) {
	if list.Status != messaging.ContactsComplete {
		e.logger.Warn("contact list unavailable this tick")
		return
	}
	if list.Self != nil {
		e.mu.Lock()
		e.selfID = list.Self.ID
		e.mu.Unlock()
	}
	for _, contact := range list.Contacts {
		e.contacts.Upsert(contact)
	}
}

// candidates returns the snapshots whose last message is past the
// stored watermark, in peer order.
func (e *Engine) candidates(snapshots []schema.ConversationSnapshot) []schema.ConversationSnapshot {
	var candidates []schema.ConversationSnapshot
	for _, snapshot := range snapshots {
		if snapshot.LastMessage.UnixNano() > e.watermarks.Get(snapshot.PeerID) {
			candidates = append(candidates, snapshot)
		}
	}
	slices.SortFunc(candidates, func(x, y schema.ConversationSnapshot) int {
		return cmp.Compare(x.PeerID, y.PeerID)
	})
	return candidates
}

// messageKey identifies a message among those sharing one timestamp.
type messageKey struct {
	senderID string
	text     string
}

// pollPeer pages backwards from the newest message down to the
// watermark, then delivers what it found oldest first.
//
// After the first page the upper bound includes the oldest timestamp
// seen so far, and messages at that timestamp already collected are
// dropped from the next page, so a page boundary inside a run of equal
// timestamps loses nothing. A run longer than a whole page cannot be
// paged through by timestamp; the rest of such a run is skipped.
func (e *Engine) pollPeer(ctx context.Context, peerID string) peerResult {
	result := peerResult{peerID: peerID}
	watermark := e.watermarks.Get(peerID)

	var (
		messages   []schema.Message
		runningMin int64
		maxSeen    int64
		seen       bool
		atMin      map[messageKey]int
		inclusive  bool
		largest    int
	)
	for page := 0; page < e.pageCap; page++ {
		window := messaging.Window{SinceNs: watermark}
		if seen {
			window.BeforeNs = runningMin
			if inclusive {
				window.BeforeNs++
			}
		}
		batch, err := e.session.FetchMessages(ctx, peerID, window)
		if err != nil {
			result.err = err
			return result
		}
		if len(batch) == 0 {
			break
		}

		collected := maps.Clone(atMin)
		var fresh []schema.Message
		for _, message := range batch {
			key := messageKey{senderID: message.SenderID, text: message.Text}
			if seen && message.Timestamp.UnixNano() == runningMin && collected[key] > 0 {
				collected[key]--
				continue
			}
			fresh = append(fresh, message)
		}
		for _, message := range fresh {
			timestamp := message.Timestamp.UnixNano()
			key := messageKey{senderID: message.SenderID, text: message.Text}
			if !seen || timestamp > maxSeen {
				maxSeen = timestamp
			}
			switch {
			case !seen || timestamp < runningMin:
				runningMin = timestamp
				atMin = map[messageKey]int{key: 1}
			case timestamp == runningMin:
				atMin[key]++
			}
			seen = true
		}
		messages = append(messages, fresh...)

		// A page shorter than an earlier one means nothing older is left.
		if len(batch) < largest {
			break
		}
		largest = max(largest, len(batch))

		if len(fresh) == 0 {
			if !inclusive {
				break
			}
			// Either the page was all repeats because nothing older is
			// left, or one timestamp fills a whole page. Step past it.
			e.logger.Debug("page held only messages already collected",
				"peer_id", peerID,
				"timestamp_ns", runningMin,
			)
			inclusive = false
			continue
		}
		inclusive = true
	}
	if !seen {
		return result
	}

	slices.SortStableFunc(messages, func(x, y schema.Message) int {
		return cmp.Compare(x.Timestamp.UnixNano(), y.Timestamp.UnixNano())
	})

	e.mu.Lock()
	selfID := e.selfID
	e.mu.Unlock()

	for _, message := range messages {
		timestamp := message.Timestamp.UnixNano()
		direction := Received
		switch {
		case selfID == "":
			// Without a contact list we do not know our own ID yet, so
			// any message matching a recent send is taken as its echo.
			if e.echo.Consume(peerID, message.Text, timestamp) {
				result.echoes++
				continue
			}
		case message.SenderID == selfID:
			direction = Sent
			if e.echo.Consume(peerID, message.Text, timestamp) {
				result.echoes++
				continue
			}
		}
		e.display.Deliver(peerID, message.Text, direction, message.Timestamp.Seconds)
		result.delivered++
	}

	if maxSeen+1 > watermark {
		result.watermark = maxSeen + 1
		result.advanced = true
	}
	return result
}

// acknowledgePending acknowledges every peer whose local watermark is
// ahead of what the backend has confirmed, including peers whose
// acknowledgment failed on an earlier tick.
func (e *Engine) acknowledgePending(ctx context.Context) {
	e.mu.Lock()
	pending := make([]string, 0, len(e.pendingAcks))
	for peerID := range e.pendingAcks {
		pending = append(pending, peerID)
	}
	e.mu.Unlock()
	slices.Sort(pending)

	for _, peerID := range pending {
		through := e.watermarks.Get(peerID)
		acknowledged, err := e.session.Acknowledge(ctx, peerID, through)
		if err != nil || !acknowledged {
			e.logger.Warn("acknowledge failed, retrying next tick",
				"peer_id", peerID,
				"through_ns", through,
				"error", err,
			)
			continue
		}
		e.mu.Lock()
		if e.pendingAcks[peerID] <= through {
			delete(e.pendingAcks, peerID)
		}
		e.mu.Unlock()
	}
}

// PendingAcks returns the peers whose acknowledgment is outstanding.
func (e *Engine) PendingAcks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	peers := make([]string, 0, len(e.pendingAcks))
	for peerID := range e.pendingAcks {
		peers = append(peers, peerID)
	}
	slices.Sort(peers)
	return peers
}

// SendError is a send the backend refused. Errors for InvalidSession
// and UnknownFailure match ErrSessionInvalid; InvalidTarget and
// InvalidMessage concern only the one message.
type SendError struct {
	PeerID  string
	Outcome schema.SendOutcome
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chatsync: send to %s failed: %s", e.PeerID, e.Outcome)
}

// Is reports whether the failure invalidates the session.
func (e *SendError) Is(target error) bool {
	return target == ErrSessionInvalid &&
		(e.Outcome == schema.SendInvalidSession || e.Outcome == schema.SendUnknownFailure)
}

// Send sends text to peerID and, on success, displays it as sent right
// away. The send is remembered so the next fetch does not display it
// again. A session-level failure resets the session key so the host
// logs in again.
func (e *Engine) Send(ctx context.Context, peerID, text string) error {
	sentAt := e.clock.Now()
	e.echo.Record(peerID, text, sentAt.UnixNano())

	outcome, err := e.session.SendMessage(ctx, peerID, text)
	if err != nil {
		e.echo.Forget(peerID, text)
		return fmt.Errorf("chatsync: sending to %s: %w", peerID, err)
	}

	switch outcome {
	case schema.SendSuccess:
		e.display.Deliver(peerID, text, Sent, sentAt.Unix())
		return nil

	case schema.SendInvalidTarget, schema.SendInvalidMessage:
		e.echo.Forget(peerID, text)
		e.logger.Warn("message rejected", "peer_id", peerID, "outcome", outcome)
		return &SendError{PeerID: peerID, Outcome: outcome}

	default:
		e.echo.Forget(peerID, text)
		e.logger.Error("send failed, invalidating session", "peer_id", peerID, "outcome", outcome)
		e.session.ResetSessionKey()
		return &SendError{PeerID: peerID, Outcome: outcome}
	}
}

// Run ticks until ctx is done, pausing Interval on the engine's clock
// between ticks. It returns nil on cancellation and an error only when
// the session can no longer make progress (its pump stopped or it was
// closed).
func (e *Engine) Run(ctx context.Context) error {
	for {
		if e.reauthenticate != nil && e.session.ShouldReauthenticate() {
			if err := e.reauthenticate(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Warn("reauthentication failed", "error", err)
			}
		}

		_, err := e.Tick(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case isFatal(err):
			return err
		case errors.Is(err, ErrSessionInvalid):
			e.logger.Debug("skipping tick until reauthenticated")
		default:
			e.logger.Warn("tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.interval):
		}
	}
}

// isFatal reports errors after which no further call can succeed.
func isFatal(err error) bool {
	return errors.Is(err, completion.ErrPumpStopped) || errors.Is(err, messaging.ErrClosed)
}
