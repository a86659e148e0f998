// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/chatbridge/lib/schema"
)

// ContactListStatus distinguishes a real contact list from a failed
// fetch. The zero value is ContactsUnavailable.
type ContactListStatus int

const (
	// ContactsUnavailable means the fetch failed; Contacts is empty and
	// says nothing about the account.
	ContactsUnavailable ContactListStatus = iota

	// ContactsComplete means Contacts is the full list, possibly empty.
	ContactsComplete
)

func (s ContactListStatus) String() string {
	switch s {
	case ContactsComplete:
		return "complete"
	case ContactsUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("contact_list_status(%d)", int(s))
	}
}

// ContactList is the result of ListContacts.
type ContactList struct {
	Status   ContactListStatus
	Self     *schema.Contact
	Contacts []schema.Contact
}

// ActiveConversations is the result of ListActiveConversations.
type ActiveConversations struct {
	Conversations []schema.ConversationSnapshot

	// ServerTimeNs is the backend's clock when it answered, zero if it
	// did not say. Hosts pass it (in milliseconds) as the next call's
	// since.
	ServerTimeNs int64
}

// Window bounds FetchMessages: SinceNs <= timestamp < BeforeNs. A zero
// bound is open.
type Window struct {
	SinceNs  int64
	BeforeNs int64
}

// begin gates every operation other than Authenticate. The caller
// must call s.inflight.Done when it returns, and only if begin
// succeeded.
func (s *Session) begin() (string, error) {
	if err := s.enter(); err != nil {
		return "", err
	}
	key, err := s.currentKey()
	if err != nil {
		s.inflight.Done()
		return "", err
	}
	return key, nil
}

// ListContacts returns the account's own contact entry and its
// contacts. A transport failure is reported as ContactsUnavailable with
// a nil error.
func (s *Session) ListContacts(ctx context.Context) (ContactList, error) {
	key, err := s.begin()
	if err != nil {
		return ContactList{}, err
	}
	defer s.inflight.Done()

	var response schema.ListContactsResponse
	ok, err := s.unary(ctx, schema.MethodListContacts, schema.ListContactsRequest{SessionKey: key}, &response)
	if err != nil && !errors.Is(err, ErrTransport) {
		return ContactList{}, err
	}
	if err != nil || !ok {
		s.logger.Warn("contact list unavailable", "error", err)
		return ContactList{Status: ContactsUnavailable}, nil
	}
	return ContactList{
		Status:   ContactsComplete,
		Self:     response.Self,
		Contacts: response.Contacts,
	}, nil
}

// FetchMessages returns one page of messages exchanged with peerID
// inside window, in the order the backend sent them. Failures wrap
// ErrTransport.
func (s *Session) FetchMessages(ctx context.Context, peerID string, window Window) ([]schema.Message, error) {
	key, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer s.inflight.Done()

	request := schema.FetchMessagesRequest{SessionKey: key, PeerID: peerID}
	if window.SinceNs != 0 {
		since := schema.TimestampFromUnixNano(window.SinceNs)
		request.Since = &since
	}
	if window.BeforeNs != 0 {
		before := schema.TimestampFromUnixNano(window.BeforeNs)
		request.Before = &before
	}

	messages, err := collect[schema.Message](ctx, s, schema.MethodFetchMessages, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: fetching messages with %s: %w", peerID, err)
	}
	return messages, nil
}

// SendMessage sends text to peerID. A transport failure is
// SendUnknownFailure with a nil error.
func (s *Session) SendMessage(ctx context.Context, peerID, text string) (schema.SendOutcome, error) {
	key, err := s.begin()
	if err != nil {
		return schema.SendUnknownFailure, err
	}
	defer s.inflight.Done()

	var response schema.SendMessageResponse
	ok, err := s.unary(ctx, schema.MethodSendMessage, schema.SendMessageRequest{
		SessionKey: key,
		PeerID:     peerID,
		Text:       text,
	}, &response)
	if err != nil && !errors.Is(err, ErrTransport) {
		return schema.SendUnknownFailure, err
	}
	if err != nil || !ok {
		return schema.SendUnknownFailure, nil
	}
	switch response.Outcome {
	case schema.SendSuccess, schema.SendInvalidSession, schema.SendInvalidTarget, schema.SendInvalidMessage:
		return response.Outcome, nil
	default:
		return schema.SendUnknownFailure, nil
	}
}

// ListActiveConversations returns conversations with activity at or
// after sinceMillis (zero for all). Failures wrap ErrTransport.
func (s *Session) ListActiveConversations(ctx context.Context, sinceMillis int64) (ActiveConversations, error) {
	key, err := s.begin()
	if err != nil {
		return ActiveConversations{}, err
	}
	defer s.inflight.Done()

	var response schema.ListActiveConversationsResponse
	ok, err := s.unary(ctx, schema.MethodListActiveConversations, schema.ListActiveConversationsRequest{
		SessionKey:  key,
		SinceMillis: sinceMillis,
	}, &response)
	if err != nil {
		return ActiveConversations{}, fmt.Errorf("messaging: listing active conversations: %w", err)
	}
	if !ok {
		return ActiveConversations{}, fmt.Errorf("messaging: listing active conversations: %w", ErrTransport)
	}

	result := ActiveConversations{Conversations: response.Conversations}
	if response.ServerTime != nil {
		result.ServerTimeNs = response.ServerTime.UnixNano()
	}
	return result, nil
}

// Acknowledge marks the conversation with peerID read through
// throughNs. Idempotent on the backend. A transport failure returns
// false with a nil error.
func (s *Session) Acknowledge(ctx context.Context, peerID string, throughNs int64) (bool, error) {
	key, err := s.begin()
	if err != nil {
		return false, err
	}
	defer s.inflight.Done()

	var response schema.AcknowledgeResponse
	ok, err := s.unary(ctx, schema.MethodAcknowledge, schema.AcknowledgeRequest{
		SessionKey: key,
		PeerID:     peerID,
		Through:    schema.TimestampFromUnixNano(throughNs),
	}, &response)
	if err != nil && !errors.Is(err, ErrTransport) {
		return false, err
	}
	return err == nil && ok && response.OK, nil
}
