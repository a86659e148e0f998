// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mockbackend

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/chatbridge/lib/schema"
)

// Seed is the YAML fixture a standalone mock backend starts from.
//
//	accounts:
//	  - username: alice
//	    password: pw1
//	    challenge_code: "123456"
//	    self: {id: self-1, display_name: Alice}
//	    contacts:
//	      - {id: p1, display_name: Bob, presence: online}
//	    messages:
//	      - {peer: p1, sender: p1, text: hello, at: 2026-01-02T15:04:05Z}
type Seed struct {
	Accounts []SeedAccount `yaml:"accounts"`
}

// SeedAccount is one account in a Seed.
type SeedAccount struct {
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	ChallengeCode string        `yaml:"challenge_code"`
	Self          SeedContact   `yaml:"self"`
	Contacts      []SeedContact `yaml:"contacts"`
	Messages      []SeedMessage `yaml:"messages"`
}

// SeedContact is a contact in a Seed. Presence uses the names
// schema.PersonaState prints; empty means offline.
type SeedContact struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Presence    string `yaml:"presence"`
	GameID      *int64 `yaml:"game_id"`
}

// SeedMessage is a history entry in a Seed. Sender defaults to Peer.
type SeedMessage struct {
	Peer   string    `yaml:"peer"`
	Sender string    `yaml:"sender"`
	Text   string    `yaml:"text"`
	At     time.Time `yaml:"at"`
}

// LoadSeed reads a Seed from a YAML file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mockbackend: reading seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("mockbackend: parsing seed %s: %w", path, err)
	}
	return &seed, nil
}

// Apply adds the seed's accounts, contacts, and messages to b.
func (s *Seed) Apply(b *Backend) error {
	for _, seeded := range s.Accounts {
		if seeded.Username == "" {
			return fmt.Errorf("mockbackend: seed account without username")
		}
		self, err := seeded.Self.contact()
		if err != nil {
			return fmt.Errorf("mockbackend: account %s: %w", seeded.Username, err)
		}
		b.AddAccount(seeded.Username, seeded.Password, seeded.ChallengeCode, self)

		for _, seededContact := range seeded.Contacts {
			contact, err := seededContact.contact()
			if err != nil {
				return fmt.Errorf("mockbackend: account %s: %w", seeded.Username, err)
			}
			b.AddContact(seeded.Username, contact)
		}
		for _, message := range seeded.Messages {
			sender := message.Sender
			if sender == "" {
				sender = message.Peer
			}
			b.Inject(seeded.Username, message.Peer, sender, message.Text, message.At.UnixNano())
		}
	}
	return nil
}

func (c SeedContact) contact() (schema.Contact, error) {
	presence, err := parsePresence(c.Presence)
	if err != nil {
		return schema.Contact{}, fmt.Errorf("contact %s: %w", c.ID, err)
	}
	return schema.Contact{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		Presence:    presence,
		GameID:      c.GameID,
	}, nil
}

func parsePresence(name string) (schema.PersonaState, error) {
	if name == "" {
		return schema.PersonaOffline, nil
	}
	for state := schema.PersonaOffline; state <= schema.PersonaInvisible; state++ {
		if state.String() == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown presence %q", name)
}
