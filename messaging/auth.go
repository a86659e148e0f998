// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/chatbridge/lib/schema"
	"github.com/bureau-foundation/chatbridge/lib/secret"
)

// Phase is the authentication state of a session.
type Phase int

const (
	// PhaseUnauthenticated is the initial phase and the phase after
	// ResetSessionKey.
	PhaseUnauthenticated Phase = iota

	// PhaseAuthenticated follows a Success outcome.
	PhaseAuthenticated

	// PhaseChallengePending follows a PendingChallengeCode outcome. The
	// next Authenticate should carry the challenge code.
	PhaseChallengePending

	// PhaseFailed follows InvalidCredentials or UnknownFailure.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseChallengePending:
		return "challenge_pending"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a snapshot of the session's authentication state.
type State struct {
	HasSessionKey bool
	LastOutcome   schema.AuthOutcome

	// Authenticated is true after Success and PendingChallengeCode.
	Authenticated bool

	Phase Phase
}

// Credentials identify the account. Password is owned by the caller.
type Credentials struct {
	Username string
	Password *secret.Buffer
}

// Authenticate sends credentials, the challenge code if non-empty, and
// the current session key if one is held (a refresh). The outcome
// decides the new state:
//
//	Success               key replaced by the returned key, authenticated
//	PendingChallengeCode  key replaced by the returned key, authenticated
//	InvalidCredentials    key cleared, not authenticated
//	UnknownFailure        key cleared, not authenticated
//
// A transport failure is UnknownFailure. Authenticate never retries; see
// Login. The returned error is non-nil only when the call could not
// complete (ctx cancelled, session closed, pump stopped), in which case
// the state is unchanged.
func (s *Session) Authenticate(ctx context.Context, credentials Credentials, challengeCode string) (schema.AuthOutcome, error) {
	if err := s.enter(); err != nil {
		return schema.AuthUnknownFailure, err
	}
	defer s.inflight.Done()

	s.authMu.Lock()
	defer s.authMu.Unlock()

	request := schema.AuthenticateRequest{
		Username:      credentials.Username,
		ChallengeCode: challengeCode,
	}
	if credentials.Password != nil && credentials.Password.Len() > 0 {
		request.Password = credentials.Password.String()
	}
	request.SessionKey = s.SessionKey()

	var response schema.AuthenticateResponse
	ok, err := s.unary(ctx, schema.MethodAuthenticate, request, &response)
	if err != nil && !errors.Is(err, ErrTransport) {
		return schema.AuthUnknownFailure, err
	}

	outcome := schema.AuthUnknownFailure
	if err == nil && ok {
		outcome = response.Outcome
	}
	switch outcome {
	case schema.AuthSuccess, schema.AuthPendingChallengeCode:
		if response.SessionKey == "" && request.SessionKey == "" {
			s.logger.Warn("backend granted a session without a key", "outcome", outcome)
			outcome = schema.AuthUnknownFailure
		}
	case schema.AuthInvalidCredentials, schema.AuthUnknownFailure:
	default:
		s.logger.Warn("unrecognized authentication outcome", "outcome", outcome)
		outcome = schema.AuthUnknownFailure
	}

	if err := s.apply(outcome, response.SessionKey); err != nil {
		return schema.AuthUnknownFailure, err
	}
	s.logger.Info("authentication finished",
		"username", credentials.Username,
		"outcome", outcome,
		"challenge", challengeCode != "",
	)
	return outcome, nil
}

// apply moves the session to the state outcome dictates. An empty
// newKey on Success or PendingChallengeCode keeps the current key.
func (s *Session) apply(outcome schema.AuthOutcome, newKey string) error {
	s.mu.Lock()
	s.lastOutcome = outcome

	var replacement *secret.Buffer
	if (outcome == schema.AuthSuccess || outcome == schema.AuthPendingChallengeCode) && newKey != "" {
		buffer, err := secret.NewFromString(newKey)
		if err != nil {
			s.clearKeyLocked()
			s.authenticated = false
			s.phase = PhaseFailed
			s.lastOutcome = schema.AuthUnknownFailure
			s.mu.Unlock()
			s.forgetStoredKey()
			return fmt.Errorf("messaging: holding session key: %w", err)
		}
		replacement = buffer
	}

	switch outcome {
	case schema.AuthSuccess, schema.AuthPendingChallengeCode:
		if replacement != nil {
			s.clearKeyLocked()
			s.sessionKey = replacement
		}
		s.authenticated = true
		s.phase = PhaseAuthenticated
		if outcome == schema.AuthPendingChallengeCode {
			s.phase = PhaseChallengePending
		}
	default:
		s.clearKeyLocked()
		s.authenticated = false
		s.phase = PhaseFailed
	}

	var persist []byte
	if outcome == schema.AuthSuccess && s.sessionKey != nil {
		persist = []byte(s.sessionKey.String())
	}
	s.mu.Unlock()

	switch {
	case persist != nil:
		s.storeKey(persist)
	case outcome != schema.AuthPendingChallengeCode:
		s.forgetStoredKey()
	}
	return nil
}

func (s *Session) storeKey(key []byte) {
	defer secret.Zero(key)
	if s.keyFile == nil {
		return
	}
	if err := s.keyFile.Store(key); err != nil {
		s.logger.Warn("persisting session key failed", "path", s.keyFile.Path, "error", err)
	}
}

func (s *Session) forgetStoredKey() {
	if s.keyFile == nil {
		return
	}
	if err := s.keyFile.Remove(); err != nil {
		s.logger.Warn("removing stored session key failed", "path", s.keyFile.Path, "error", err)
	}
}

// ResetSessionKey discards the session key, here and on disk, and
// returns the session to PhaseUnauthenticated.
func (s *Session) ResetSessionKey() {
	s.mu.Lock()
	s.clearKeyLocked()
	s.authenticated = false
	s.phase = PhaseUnauthenticated
	s.mu.Unlock()
	s.forgetStoredKey()
}

// ShouldReauthenticate reports whether the host should log in again:
// true until an Authenticate returns Success or PendingChallengeCode,
// and after any other outcome or a reset.
func (s *Session) ShouldReauthenticate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.authenticated
}

// State returns a snapshot of the authentication state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		HasSessionKey: s.sessionKey != nil,
		LastOutcome:   s.lastOutcome,
		Authenticated: s.authenticated,
		Phase:         s.phase,
	}
}

// DefaultLoginAttempts bounds Login when maxAttempts is not positive.
const DefaultLoginAttempts = 2

// ChallengeSource supplies a challenge code after the backend answers
// PendingChallengeCode (an emailed or authenticator code).
type ChallengeSource interface {
	ChallengeCode(ctx context.Context) (string, error)
}

// ChallengeFunc adapts a function to ChallengeSource.
type ChallengeFunc func(ctx context.Context) (string, error)

// ChallengeCode calls f.
func (f ChallengeFunc) ChallengeCode(ctx context.Context) (string, error) {
	return f(ctx)
}

// Login runs Authenticate up to maxAttempts times. After
// PendingChallengeCode it asks challenges for a code and tries again
// with it; any other outcome ends the loop. With a nil challenges, a
// pending challenge is returned to the caller as is.
func Login(ctx context.Context, session *Session, credentials Credentials, challenges ChallengeSource, maxAttempts int) (schema.AuthOutcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultLoginAttempts
	}

	outcome := schema.AuthUnknownFailure
	code := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		outcome, err = session.Authenticate(ctx, credentials, code)
		if err != nil {
			return outcome, err
		}
		if outcome != schema.AuthPendingChallengeCode || challenges == nil || attempt == maxAttempts {
			return outcome, nil
		}

		session.logger.Info("challenge code required", "username", credentials.Username, "attempt", attempt)
		code, err = challenges.ChallengeCode(ctx)
		if err != nil {
			return outcome, fmt.Errorf("messaging: reading challenge code: %w", err)
		}
	}
	return outcome, nil
}
