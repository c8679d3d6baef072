// Package store provides the data access layer for the syndication pipeline.
//
// All SQL lives here, one file per entity. The store receives an
// already-opened *sql.DB (see dbopen) and never manages its lifecycle.
// Writes go through dbopen's busy-retry helpers so WAL writers contending
// on the same database do not surface SQLITE_BUSY to callers.
package store

import (
	"context"
	"database/sql"

	"github.com/cararth/syndicate/dbopen"
)

// Store wraps the pipeline database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// exec runs a write statement with SQLITE_BUSY retry.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return dbopen.Exec(ctx, s.DB, query, args...)
}

// runTx executes fn in a transaction with SQLITE_BUSY retry.
func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return dbopen.RunTx(ctx, s.DB, fn)
}
