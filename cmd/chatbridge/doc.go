// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Chatbridge signs in to a chat backend, keeps the terminal in sync with
// every conversation, and sends what the user types.
//
// Configuration comes from a YAML file named by --config or
// CHATBRIDGE_CONFIG (see lib/config). Read watermarks persist in a
// SQLite database, and the session key persists sealed with age, so a
// restart neither replays old messages nor asks for a new challenge
// code.
//
// Input lines:
//
//	peer: text   send text to peer
//	/contacts    list contacts with presence
//	/quit        exit
//
// A line typed while a challenge-code prompt is showing answers the
// prompt.
package main
