// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockbackend

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/bureau-foundation/chatbridge/lib/codec"
	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/transport"
)

// Register installs the backend's methods on server.
func (b *Backend) Register(server *transport.Server) {
	server.HandleUnary(schema.MethodAuthenticate, b.authenticate)
	server.HandleUnary(schema.MethodListContacts, b.listContacts)
	server.HandleStream(schema.MethodFetchMessages, b.fetchMessages)
	server.HandleUnary(schema.MethodSendMessage, b.sendMessage)
	server.HandleUnary(schema.MethodListActiveConversations, b.listActiveConversations)
	server.HandleUnary(schema.MethodAcknowledge, b.acknowledge)
}

func decode[T any](body []byte) (T, error) {
	var request T
	err := codec.Unmarshal(body, &request)
	return request, err
}

func (b *Backend) authenticate(_ context.Context, body []byte) (any, error) {
	request, err := decode[schema.AuthenticateRequest](body)
	if err != nil {
		return nil, err
	}
	if err := b.begin(schema.MethodAuthenticate, request); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	account := b.accounts[request.Username]

	if len(b.authScript) > 0 {
		response := b.authScript[0]
		b.authScript = b.authScript[1:]
		if response.SessionKey != "" && account != nil {
			b.sessions[response.SessionKey] = account
		}
		return response, nil
	}

	if account == nil || request.Password != account.password {
		return schema.AuthenticateResponse{Outcome: schema.AuthInvalidCredentials}, nil
	}

	// A live session key refreshes without a challenge.
	if request.SessionKey != "" {
		if existing, exists := b.sessions[request.SessionKey]; exists && existing == account {
			return schema.AuthenticateResponse{
				Outcome:    schema.AuthSuccess,
				SessionKey: request.SessionKey,
			}, nil
		}
	}

	if account.challengeCode != "" {
		switch request.ChallengeCode {
		case "":
			return schema.AuthenticateResponse{
				Outcome:    schema.AuthPendingChallengeCode,
				SessionKey: b.newSessionKeyLocked(nil),
			}, nil
		case account.challengeCode:
		default:
			return schema.AuthenticateResponse{Outcome: schema.AuthInvalidCredentials}, nil
		}
	}

	return schema.AuthenticateResponse{
		Outcome:    schema.AuthSuccess,
		SessionKey: b.newSessionKeyLocked(account),
	}, nil
}

func (b *Backend) listContacts(_ context.Context, body []byte) (any, error) {
	request, err := decode[schema.ListContactsRequest](body)
	if err != nil {
		return nil, err
	}
	if err := b.begin(schema.MethodListContacts, request); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	account, err := b.sessionLocked(request.SessionKey)
	if err != nil {
		return nil, err
	}
	self := account.self
	return schema.ListContactsResponse{
		Self:     &self,
		Contacts: slices.Clone(account.contacts),
	}, nil
}

func (b *Backend) fetchMessages(ctx context.Context, body []byte, send func(any) error) error {
	request, err := decode[schema.FetchMessagesRequest](body)
	if err != nil {
		return err
	}
	if err := b.begin(schema.MethodFetchMessages, request); err != nil {
		return err
	}

	page, err := b.page(request)
	if err != nil {
		return err
	}
	for _, message := range page {
		if err := send(message); err != nil {
			return err
		}
	}
	return nil
}

// page selects Since <= t < Before, newest first, at most pageSize.
func (b *Backend) page(request schema.FetchMessagesRequest) ([]schema.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	account, err := b.sessionLocked(request.SessionKey)
	if err != nil {
		return nil, err
	}

	var selected []schema.Message
	for _, message := range account.history[request.PeerID] {
		ns := message.Timestamp.UnixNano()
		if request.Since != nil && ns < request.Since.UnixNano() {
			continue
		}
		if request.Before != nil && ns >= request.Before.UnixNano() {
			continue
		}
		selected = append(selected, message)
	}
	slices.SortStableFunc(selected, func(x, y schema.Message) int {
		return cmp.Compare(y.Timestamp.UnixNano(), x.Timestamp.UnixNano())
	})
	if len(selected) > b.pageSize {
		selected = selected[:b.pageSize]
	}
	return selected, nil
}

func (b *Backend) sendMessage(_ context.Context, body []byte) (any, error) {
	request, err := decode[schema.SendMessageRequest](body)
	if err != nil {
		return nil, err
	}
	if err := b.begin(schema.MethodSendMessage, request); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	account, err := b.sessionLocked(request.SessionKey)
	if err != nil {
		return schema.SendMessageResponse{Outcome: schema.SendInvalidSession}, nil
	}
	if !slices.ContainsFunc(account.contacts, func(c schema.Contact) bool { return c.ID == request.PeerID }) {
		return schema.SendMessageResponse{Outcome: schema.SendInvalidTarget}, nil
	}
	if request.Text == "" {
		return schema.SendMessageResponse{Outcome: schema.SendInvalidMessage}, nil
	}

	b.appendLocked(account, request.PeerID, schema.Message{
		SenderID:  account.self.ID,
		Text:      request.Text,
		Timestamp: schema.TimestampFromUnixNano(b.clock.Now().UnixNano()),
	})
	return schema.SendMessageResponse{Outcome: schema.SendSuccess}, nil
}

func (b *Backend) listActiveConversations(_ context.Context, body []byte) (any, error) {
	request, err := decode[schema.ListActiveConversationsRequest](body)
	if err != nil {
		return nil, err
	}
	if err := b.begin(schema.MethodListActiveConversations, request); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	account, err := b.sessionLocked(request.SessionKey)
	if err != nil {
		return nil, err
	}

	sinceNs := (time.Duration(request.SinceMillis) * time.Millisecond).Nanoseconds()
	response := schema.ListActiveConversationsResponse{
		Conversations: []schema.ConversationSnapshot{},
	}
	for _, snapshot := range account.conversations {
		if snapshot.LastMessage.UnixNano() < sinceNs {
			continue
		}
		response.Conversations = append(response.Conversations, *snapshot)
	}
	slices.SortFunc(response.Conversations, func(x, y schema.ConversationSnapshot) int {
		return cmp.Compare(x.PeerID, y.PeerID)
	})
	now := schema.TimestampFromUnixNano(b.clock.Now().UnixNano())
	response.ServerTime = &now
	return response, nil
}

func (b *Backend) acknowledge(_ context.Context, body []byte) (any, error) {
	request, err := decode[schema.AcknowledgeRequest](body)
	if err != nil {
		return nil, err
	}
	if err := b.begin(schema.MethodAcknowledge, request); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	account, err := b.sessionLocked(request.SessionKey)
	if err != nil {
		return nil, err
	}
	through := request.Through.UnixNano()
	if through > account.acknowledged[request.PeerID] {
		account.acknowledged[request.PeerID] = through
	}
	if snapshot, exists := account.conversations[request.PeerID]; exists {
		if through > snapshot.LastViewed.UnixNano() {
			snapshot.LastViewed = request.Through
		}
		snapshot.UnreadCount = 0
	}
	return schema.AcknowledgeResponse{OK: true}, nil
}
