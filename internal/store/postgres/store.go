// Package postgres implements store.Store on PostgreSQL. Update transactions
// run at SERIALIZABLE isolation and are retried when the server aborts them
// with a serialization failure or deadlock, which is what makes concurrent
// quota consumption and token rotation safe without explicit row locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okrlinkhub/agent-bridge/internal/store"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Store provides database operations for every gateway entity.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
}

var _ store.Store = (*Store)(nil)

// New creates a store backed by the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, maxRetries: 5}
}

// Pool exposes the underlying pool for health and metrics.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	for attempt := 0; ; attempt++ {
		err := s.run(ctx, opts, fn)
		if err == nil || !retryable(err) || attempt >= s.maxRetries {
			return err
		}
		slog.Debug("retrying serializable transaction", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(&tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// mapErr translates driver errors into store sentinels, keeping serialization
// failures intact so Update can retry them.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// querier is the subset of pgx.Tx used by the repositories.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tx struct {
	q querier
}

var _ store.Tx = (*tx)(nil)
