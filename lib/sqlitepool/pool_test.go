// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded")
	}
}

func TestPoolAppliesPragmasAndOnConnect(t *testing.T) {
	pool, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "state.db"),
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, "CREATE TABLE IF NOT EXISTS scratch (v TEXT)", nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	err = pool.With(context.Background(), func(conn *sqlite.Conn) error {
		var journalMode string
		if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				journalMode = stmt.ColumnText(0)
				return nil
			},
		}); err != nil {
			return err
		}
		if journalMode != "wal" {
			t.Errorf("journal_mode = %q, want wal", journalMode)
		}
		return sqlitex.Execute(conn, "INSERT INTO scratch (v) VALUES (?)", &sqlitex.ExecOptions{
			Args: []any{"ok"},
		})
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}
