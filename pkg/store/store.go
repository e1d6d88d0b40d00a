// Package store is the persistence layer: hand-written SQL over pgx against
// the schema in pkg/database/migrations. Every mutation that encodes a state
// machine transition is expressed as a compare-and-set so transitions stay
// linearizable per row under concurrent callers.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a compare-and-set matched no row: the
	// entity was not in the expected state.
	ErrConflict = errors.New("state conflict")
)

// Store provides typed access to all persisted entities.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for callers that need raw access
// (the events publisher issues pg_notify through it).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// prefixed qualifies every column in a comma-separated list with a table
// alias, for RETURNING clauses on UPDATE ... FROM statements.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
