// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockbackend

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/chatbridge/lib/clock"
	"github.com/bureau-foundation/chatbridge/lib/schema"
)

// DefaultPageSize is the history page size when Config.PageSize is
// not positive.
const DefaultPageSize = 20

// errInjected is the handler error produced by FailNext.
var errInjected = errors.New("injected failure")

// errInvalidSession is returned by methods other than send_message
// for an unknown session key. send_message reports it as an outcome.
var errInvalidSession = errors.New("invalid session key")

// Config configures a Backend.
type Config struct {
	PageSize int
	Clock    clock.Clock
}

// Backend is the in-memory backend. Safe for concurrent use.
type Backend struct {
	pageSize int
	clock    clock.Clock

	mu           sync.Mutex
	accounts     map[string]*account
	sessions     map[string]*account
	keyCounter   int
	authScript   []schema.AuthenticateResponse
	failures     map[string]int
	calls        map[string]int
	lastRequests map[string]any
}

type account struct {
	username      string
	password      string
	challengeCode string
	self          schema.Contact

	contacts      []schema.Contact
	history       map[string][]schema.Message
	conversations map[string]*schema.ConversationSnapshot
	acknowledged  map[string]int64
}

// New returns an empty backend.
func New(config Config) *Backend {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Backend{
		pageSize:     config.PageSize,
		clock:        config.Clock,
		accounts:     make(map[string]*account),
		sessions:     make(map[string]*account),
		failures:     make(map[string]int),
		calls:        make(map[string]int),
		lastRequests: make(map[string]any),
	}
}

// AddAccount creates an account. A non-empty challengeCode makes
// password logins answer PendingChallengeCode until the code is sent.
func (b *Backend) AddAccount(username, password, challengeCode string, self schema.Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[username] = &account{
		username:      username,
		password:      password,
		challengeCode: challengeCode,
		self:          self,
		history:       make(map[string][]schema.Message),
		conversations: make(map[string]*schema.ConversationSnapshot),
		acknowledged:  make(map[string]int64),
	}
}

// AddContact adds (or replaces by ID) a contact of username.
func (b *Backend) AddContact(username string, contact schema.Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	account := b.mustAccount(username)
	index := slices.IndexFunc(account.contacts, func(c schema.Contact) bool { return c.ID == contact.ID })
	if index >= 0 {
		account.contacts[index] = contact
		return
	}
	account.contacts = append(account.contacts, contact)
}

// Inject appends a message to username's history with peerID and
// marks the conversation active. senderID is either peerID or the
// account's own ID.
func (b *Backend) Inject(username, peerID, senderID, text string, timestampNs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(b.mustAccount(username), peerID, schema.Message{
		SenderID:  senderID,
		Text:      text,
		Timestamp: schema.TimestampFromUnixNano(timestampNs),
	})
}

// SetConversation overrides the active-conversation snapshot for a
// peer without touching history.
func (b *Backend) SetConversation(username string, snapshot schema.ConversationSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := snapshot
	b.mustAccount(username).conversations[snapshot.PeerID] = &copied
}

// ScriptAuth queues verdicts returned by the next authenticate calls
// in order, regardless of credentials. A scripted Success or
// PendingChallengeCode registers its session key.
func (b *Backend) ScriptAuth(responses ...schema.AuthenticateResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authScript = append(b.authScript, responses...)
}

// FailNext makes the next n calls of method fail at the transport
// level (the client sees a not-OK completion).
func (b *Backend) FailNext(method string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] += n
}

// Calls returns how many requests for method have arrived.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// LastRequest returns the most recent decoded request for method, or
// nil.
func (b *Backend) LastRequest(method string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRequests[method]
}

// Acknowledged returns the highest acknowledged timestamp for a peer.
func (b *Backend) Acknowledged(username, peerID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mustAccount(username).acknowledged[peerID]
}

// History returns a copy of the history with peerID, oldest first.
func (b *Backend) History(username, peerID string) []schema.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.mustAccount(username).history[peerID])
}

func (b *Backend) mustAccount(username string) *account {
	account, exists := b.accounts[username]
	if !exists {
		panic(fmt.Sprintf("mockbackend: no account %q", username))
	}
	return account
}

// begin counts a call and consumes an injected failure.
func (b *Backend) begin(method string, request any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	b.lastRequests[method] = request
	if b.failures[method] > 0 {
		b.failures[method]--
		return errInjected
	}
	return nil
}

func (b *Backend) newSessionKeyLocked(account *account) string {
	b.keyCounter++
	key := fmt.Sprintf("k%d", b.keyCounter)
	if account != nil {
		b.sessions[key] = account
	}
	return key
}

func (b *Backend) sessionLocked(key string) (*account, error) {
	account, exists := b.sessions[key]
	if !exists {
		return nil, errInvalidSession
	}
	return account, nil
}

// appendLocked keeps history sorted ascending and refreshes the
// conversation snapshot.
func (b *Backend) appendLocked(account *account, peerID string, message schema.Message) {
	history := append(account.history[peerID], message)
	slices.SortStableFunc(history, func(x, y schema.Message) int {
		return cmp.Compare(x.Timestamp.UnixNano(), y.Timestamp.UnixNano())
	})
	account.history[peerID] = history

	snapshot, exists := account.conversations[peerID]
	if !exists {
		snapshot = &schema.ConversationSnapshot{PeerID: peerID}
		account.conversations[peerID] = snapshot
	}
	if message.Timestamp.UnixNano() > snapshot.LastMessage.UnixNano() {
		snapshot.LastMessage = message.Timestamp
	}
	if message.SenderID != account.self.ID {
		snapshot.UnreadCount++
	}
}
