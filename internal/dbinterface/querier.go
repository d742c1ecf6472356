// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface holds the narrow database contracts the stores are
// written against, so they accept either the pooled handle or a transaction.
package dbinterface

import (
	"context"
	"database/sql"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxQuerier is satisfied by *sql.Tx.
type TxQuerier interface {
	Execer
	Commit() error
	Rollback() error
}

type Querier interface {
	Execer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (TxQuerier, error)
}
