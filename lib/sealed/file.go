// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/chatbridge/lib/secret"
)

// KeyFile persists one sealed secret at Path.
type KeyFile struct {
	Path     string
	Identity *Identity
}

// Load decrypts the stored secret. Returns (nil, nil) when no file
// exists yet.
func (f *KeyFile) Load() (*secret.Buffer, error) {
	ciphertext, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sealed: reading %s: %w", f.Path, err)
	}
	return Open(ciphertext, f.Identity)
}

// Store seals value and replaces the file.
func (f *KeyFile) Store(value []byte) error {
	ciphertext, err := Seal(value, f.Identity.PublicKey)
	if err != nil {
		return err
	}
	return writeAtomic(f.Path, ciphertext)
}

// Remove deletes the file. A missing file is not an error.
func (f *KeyFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sealed: removing %s: %w", f.Path, err)
	}
	return nil
}

// writeAtomic writes data to a temporary file beside path, syncs it,
// and renames it into place, so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("sealed: creating %s: %w", temporaryPath, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("sealed: writing %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("sealed: syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("sealed: closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("sealed: renaming into %s: %w", path, err)
	}

	if directory, err := os.Open(filepath.Dir(path)); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}
