// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "fmt"

// Method names on the chat backend socket.
const (
	MethodAuthenticate            = "authenticate"
	MethodListContacts            = "list_contacts"
	MethodFetchMessages           = "fetch_messages"
	MethodSendMessage             = "send_message"
	MethodListActiveConversations = "list_active_conversations"
	MethodAcknowledge             = "acknowledge"
)

// AuthOutcome is the backend's verdict on an authenticate call. The
// zero value is AuthUnknownFailure so a missing field never reads as
// success.
type AuthOutcome int

const (
	AuthUnknownFailure AuthOutcome = iota
	AuthSuccess
	AuthInvalidCredentials
	AuthPendingChallengeCode
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthSuccess:
		return "success"
	case AuthInvalidCredentials:
		return "invalid_credentials"
	case AuthPendingChallengeCode:
		return "pending_challenge_code"
	case AuthUnknownFailure:
		return "unknown_failure"
	default:
		return fmt.Sprintf("auth_outcome(%d)", int(o))
	}
}

// SendOutcome is the backend's verdict on a send_message call.
type SendOutcome int

const (
	SendUnknownFailure SendOutcome = iota
	SendSuccess
	SendInvalidSession
	SendInvalidTarget
	SendInvalidMessage
)

func (o SendOutcome) String() string {
	switch o {
	case SendSuccess:
		return "success"
	case SendInvalidSession:
		return "invalid_session"
	case SendInvalidTarget:
		return "invalid_target"
	case SendInvalidMessage:
		return "invalid_message"
	case SendUnknownFailure:
		return "unknown_failure"
	default:
		return fmt.Sprintf("send_outcome(%d)", int(o))
	}
}

// PersonaState is a contact's presence.
type PersonaState int

const (
	PersonaOffline PersonaState = iota
	PersonaOnline
	PersonaBusy
	PersonaAway
	PersonaSnooze
	PersonaLookingToTrade
	PersonaLookingToPlay
	PersonaInvisible
)

func (s PersonaState) String() string {
	switch s {
	case PersonaOffline:
		return "offline"
	case PersonaOnline:
		return "online"
	case PersonaBusy:
		return "busy"
	case PersonaAway:
		return "away"
	case PersonaSnooze:
		return "snooze"
	case PersonaLookingToTrade:
		return "looking_to_trade"
	case PersonaLookingToPlay:
		return "looking_to_play"
	case PersonaInvisible:
		return "invisible"
	default:
		return fmt.Sprintf("persona(%d)", int(s))
	}
}

// AvatarURLs are the backend's avatar renditions for a contact.
type AvatarURLs struct {
	Icon   string `cbor:"icon,omitempty"`
	Medium string `cbor:"medium,omitempty"`
	Full   string `cbor:"full,omitempty"`
}

// Contact is one entry of the contact list, or the account itself.
type Contact struct {
	ID          string       `cbor:"id"`
	DisplayName string       `cbor:"display_name"`
	Presence    PersonaState `cbor:"presence"`

	// GameID is set while the contact is in a game.
	GameID        *int64     `cbor:"game_id,omitempty"`
	GameExtraInfo string     `cbor:"game_extra_info,omitempty"`
	Avatar        AvatarURLs `cbor:"avatar"`
}

// Message is one entry of a conversation's history.
type Message struct {
	SenderID  string    `cbor:"sender_id"`
	Text      string    `cbor:"text"`
	Timestamp Timestamp `cbor:"timestamp"`
}

// ConversationSnapshot summarizes one active conversation.
type ConversationSnapshot struct {
	PeerID      string    `cbor:"peer_id"`
	LastMessage Timestamp `cbor:"last_message"`
	LastViewed  Timestamp `cbor:"last_viewed"`
	UnreadCount int       `cbor:"unread_count"`
}
