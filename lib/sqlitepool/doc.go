// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens zombiezen.com/go/sqlite connection pools with
// the pragmas chatbridge's local state expects: WAL journaling,
// synchronous=NORMAL, and a busy timeout so that the sync engine and a
// concurrent login never see SQLITE_BUSY.
//
// Connections are not safe for concurrent use. Borrow one per
// goroutine with [Pool.Take] and return it with [Pool.Put], or use
// [Pool.With]:
//
//	err := pool.With(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
//	})
package sqlitepool
