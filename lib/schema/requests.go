// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// AuthenticateRequest carries credentials. SessionKey, when set, asks
// the backend to refresh that session rather than start a new one.
type AuthenticateRequest struct {
	Username      string `cbor:"username"`
	Password      string `cbor:"password"`
	ChallengeCode string `cbor:"challenge_code,omitempty"`
	SessionKey    string `cbor:"session_key,omitempty"`
}

type AuthenticateResponse struct {
	Outcome    AuthOutcome `cbor:"outcome"`
	SessionKey string      `cbor:"session_key,omitempty"`
}

type ListContactsRequest struct {
	SessionKey string `cbor:"session_key"`
}

type ListContactsResponse struct {
	Self     *Contact  `cbor:"self,omitempty"`
	Contacts []Contact `cbor:"contacts"`
}

// FetchMessagesRequest selects messages with Since <= timestamp <
// Before. A nil bound is open. The reply is a stream of Message items,
// newest first.
type FetchMessagesRequest struct {
	SessionKey string     `cbor:"session_key"`
	PeerID     string     `cbor:"peer_id"`
	Since      *Timestamp `cbor:"since,omitempty"`
	Before     *Timestamp `cbor:"before,omitempty"`
}

type SendMessageRequest struct {
	SessionKey string `cbor:"session_key"`
	PeerID     string `cbor:"peer_id"`
	Text       string `cbor:"text"`
}

type SendMessageResponse struct {
	Outcome SendOutcome `cbor:"outcome"`
}

// ListActiveConversationsRequest asks for conversations active since
// SinceMillis (Unix milliseconds); zero means all.
type ListActiveConversationsRequest struct {
	SessionKey  string `cbor:"session_key"`
	SinceMillis int64  `cbor:"since_ms,omitempty"`
}

type ListActiveConversationsResponse struct {
	Conversations []ConversationSnapshot `cbor:"conversations"`

	// ServerTime is when the backend built the list. Nil if the
	// backend does not report it.
	ServerTime *Timestamp `cbor:"server_time,omitempty"`
}

type AcknowledgeRequest struct {
	SessionKey string    `cbor:"session_key"`
	PeerID     string    `cbor:"peer_id"`
	Through    Timestamp `cbor:"through"`
}

type AcknowledgeResponse struct {
	OK bool `cbor:"ok"`
}
