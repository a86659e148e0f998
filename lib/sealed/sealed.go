// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/chatbridge/lib/secret"
)

// Identity is an age X25519 keypair. The private half lives in a
// secret.Buffer; Close releases it.
type Identity struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key. Idempotent.
func (i *Identity) Close() error {
	if i.PrivateKey == nil {
		return nil
	}
	return i.PrivateKey.Close()
}

// GenerateIdentity creates a fresh keypair.
func GenerateIdentity() (*Identity, error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(generated.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting identity: %w", err)
	}
	return &Identity{
		PrivateKey: privateKey,
		PublicKey:  generated.Recipient().String(),
	}, nil
}

// LoadIdentity reads an age identity file (the format age-keygen
// writes: comment lines and one AGE-SECRET-KEY-1 line).
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading identity %s: %w", path, err)
	}
	defer secret.Zero(data)

	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		parsed, err := age.ParseX25519Identity(string(line))
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing identity %s: %w", path, err)
		}
		privateKey, err := secret.NewFromBytes(line)
		if err != nil {
			return nil, fmt.Errorf("sealed: protecting identity: %w", err)
		}
		return &Identity{
			PrivateKey: privateKey,
			PublicKey:  parsed.Recipient().String(),
		}, nil
	}
	return nil, fmt.Errorf("sealed: identity file %s has no key", path)
}

// WriteIdentity stores identity in the age-keygen format.
func WriteIdentity(path string, identity *Identity) error {
	var content strings.Builder
	fmt.Fprintf(&content, "# public key: %s\n", identity.PublicKey)
	content.Write(identity.PrivateKey.Bytes())
	content.WriteByte('\n')

	data := []byte(content.String())
	defer secret.Zero(data)
	return writeAtomic(path, data)
}

// Seal encrypts plaintext to recipient (an age1... public key) and
// returns armored ciphertext.
func Seal(plaintext []byte, recipient string) ([]byte, error) {
	parsed, err := age.ParseX25519Recipient(recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing recipient: %w", err)
	}

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	encrypted, err := age.Encrypt(armored, parsed)
	if err != nil {
		return nil, fmt.Errorf("sealed: starting encryption: %w", err)
	}
	if _, err := encrypted.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := encrypted.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finishing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finishing armor: %w", err)
	}
	return output.Bytes(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func Open(ciphertext []byte, identity *Identity) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(identity.PrivateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}

	decrypted, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), parsed)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(decrypted)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}
