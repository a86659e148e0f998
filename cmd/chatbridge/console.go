// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/chatbridge/chatsync"
	"github.com/bureau-foundation/chatbridge/lib/await"
	"github.com/bureau-foundation/chatbridge/lib/schema"
)

// console is the terminal front end. It displays messages, and routes
// each input line either to a pending challenge-code prompt or to the
// send path as "peer: text".
type console struct {
	contacts *chatsync.ContactBook

	// location formats message times. Nil means local time.
	location *time.Location

	outMu sync.Mutex
	out   io.Writer

	promptMu sync.Mutex
	pending  *await.Signal[string]
}

func newConsole(out io.Writer, contacts *chatsync.ContactBook) *console {
	return &console{out: out, contacts: contacts}
}

// Deliver implements chatsync.DisplaySink.
func (c *console) Deliver(peerID, text string, direction chatsync.Direction, timestampSeconds int64) {
	stamp := time.Unix(timestampSeconds, 0)
	if c.location != nil {
		stamp = stamp.In(c.location)
	}
	name := c.displayName(peerID)

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if direction == chatsync.Sent {
		fmt.Fprintf(c.out, "[%s] -> %s: %s\n", stamp.Format(time.TimeOnly), name, text)
		return
	}
	fmt.Fprintf(c.out, "[%s] %s: %s\n", stamp.Format(time.TimeOnly), name, text)
}

func (c *console) displayName(peerID string) string {
	if c.contacts == nil {
		return peerID
	}
	contact, exists := c.contacts.Get(peerID)
	if !exists || contact.DisplayName == "" {
		return peerID
	}
	return contact.DisplayName
}

// printf writes a line of status output.
func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// listContacts prints the contact book.
func (c *console) listContacts() {
	for _, contact := range c.contacts.List() {
		c.printf("%s\t%s\t%s", contact.ID, contact.DisplayName, presenceLabel(contact))
	}
}

func presenceLabel(contact schema.Contact) string {
	label := contact.Presence.String()
	if contact.GameID != nil {
		label += fmt.Sprintf(" (in game %d)", *contact.GameID)
	}
	return label
}

// ChallengeCode implements messaging.ChallengeSource. The next input
// line answers the prompt.
func (c *console) ChallengeCode(ctx context.Context) (string, error) {
	reply := await.New[string]()
	c.promptMu.Lock()
	if c.pending != nil {
		c.promptMu.Unlock()
		return "", errors.New("a challenge prompt is already waiting")
	}
	c.pending = reply
	c.promptMu.Unlock()

	c.printf("Challenge code: ")

	code, err := reply.Wait(ctx)
	if err != nil {
		c.promptMu.Lock()
		if c.pending == reply {
			c.pending = nil
		}
		c.promptMu.Unlock()
		return "", err
	}
	return code, nil
}

// answerPrompt hands line to a waiting ChallengeCode and reports
// whether one was waiting.
func (c *console) answerPrompt(line string) bool {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	if c.pending == nil {
		return false
	}
	c.pending.Set(line)
	c.pending = nil
	return true
}

// command is one parsed input line.
type command struct {
	kind   commandKind
	peerID string
	text   string
}

type commandKind int

const (
	commandNone commandKind = iota
	commandSend
	commandContacts
	commandQuit
)

// parseCommand parses "peer: text", "/contacts", or "/quit".
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return command{kind: commandNone}, nil
	case "/contacts":
		return command{kind: commandContacts}, nil
	case "/quit":
		return command{kind: commandQuit}, nil
	}
	if strings.HasPrefix(line, "/") {
		return command{}, fmt.Errorf("unknown command %q", line)
	}

	peerID, text, found := strings.Cut(line, ":")
	peerID = strings.TrimSpace(peerID)
	if !found || peerID == "" {
		return command{}, fmt.Errorf("expected \"peer: text\", got %q", line)
	}
	return command{kind: commandSend, peerID: peerID, text: strings.TrimSpace(text)}, nil
}

// sender is the part of *chatsync.Engine the input loop needs.
type sender interface {
	Send(ctx context.Context, peerID, text string) error
}

// readInput consumes lines from input until ctx is done, input ends, or
// the user quits. Lines answer a waiting challenge prompt first.
func (c *console) readInput(ctx context.Context, input io.Reader, engine sender) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line = <-lines:
		}

		if c.answerPrompt(strings.TrimSpace(line)) {
			continue
		}

		parsed, err := parseCommand(line)
		if err != nil {
			c.printf("%v", err)
			continue
		}
		switch parsed.kind {
		case commandNone:
		case commandQuit:
			return nil
		case commandContacts:
			c.listContacts()
		case commandSend:
			if err := engine.Send(ctx, parsed.peerID, parsed.text); err != nil {
				c.printf("send failed: %v", err)
			}
		}
	}
}
