// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package accountstore

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chatbridge/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS account_settings (
	account TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (account, key)
) WITHOUT ROWID;
`

// SQLite is a Store scoped to one account inside a shared database
// file. Several accounts may share a Database.
type SQLite struct {
	database *Database
	account  string
}

// Database owns the connection pool behind one or more account Stores.
type Database struct {
	pool *sqlitepool.Pool
}

// OpenDatabase opens (creating if needed) the settings database at path.
func OpenDatabase(path string, logger *slog.Logger) (*Database, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("accountstore: %w", err)
	}
	return &Database{pool: pool}, nil
}

// Account returns the Store for one account.
func (d *Database) Account(account string) *SQLite {
	return &SQLite{database: d, account: account}
}

// Close closes the underlying pool.
func (d *Database) Close() error {
	return d.pool.Close()
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.database.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT value FROM account_settings WHERE account = ? AND key = ?",
			&sqlitex.ExecOptions{
				Args: []any{s.account, key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					value = stmt.ColumnText(0)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return "", false, fmt.Errorf("accountstore: get %s/%s: %w", s.account, key, err)
	}
	return value, found, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	err := s.database.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO account_settings (account, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (account, key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{s.account, key, value}})
	})
	if err != nil {
		return fmt.Errorf("accountstore: set %s/%s: %w", s.account, key, err)
	}
	return nil
}
