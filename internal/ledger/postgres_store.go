package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists ledger entries in a PostgreSQL table. It is the
// authoritative implementation: the conditional insert in Reserve is what
// makes the no-double-mint invariant hold across concurrent coordinator
// instances and restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS swap_ledger (
    key TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    status TEXT NOT NULL,
    amount BIGINT NOT NULL,
    counterparty TEXT NOT NULL,
    submitted_ref TEXT NOT NULL DEFAULT '',
    chain_ref TEXT NOT NULL DEFAULT '',
    fail_reason TEXT NOT NULL DEFAULT '',
    retryable BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

const reserveSQL = `
INSERT INTO swap_ledger (key, direction, status, amount, counterparty, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, $4, now(), now())
ON CONFLICT (key) DO UPDATE
SET status = 'pending',
    direction = EXCLUDED.direction,
    amount = EXCLUDED.amount,
    counterparty = EXCLUDED.counterparty,
    submitted_ref = '',
    chain_ref = '',
    fail_reason = '',
    retryable = FALSE,
    updated_at = now()
WHERE swap_ledger.status = 'failed' AND swap_ledger.retryable
RETURNING key, direction, status, amount, counterparty, submitted_ref,
          chain_ref, fail_reason, retryable, created_at, updated_at
`

func (s *PostgresStore) Reserve(ctx context.Context, key string, dir Direction, counterparty string, amount uint64) (*Entry, error) {
	// The RETURNING clause yields a row only when the insert landed or a
	// retryable-failed entry was reclaimed. Any other conflict comes back
	// as no rows, which is exactly ErrAlreadyReserved.
	row := s.pool.QueryRow(ctx, reserveSQL, key, string(dir), int64(amount), counterparty)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyReserved
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) MarkVerified(ctx context.Context, key string, amount uint64) error {
	return s.guardedUpdate(ctx, key, `
		UPDATE swap_ledger
		SET status = 'verified', amount = $2, updated_at = now()
		WHERE key = $1 AND status = 'pending'`,
		int64(amount))
}

func (s *PostgresStore) RecordSubmission(ctx context.Context, key, ref string) error {
	return s.guardedUpdate(ctx, key, `
		UPDATE swap_ledger
		SET submitted_ref = $2, updated_at = now()
		WHERE key = $1 AND status = 'verified'`,
		ref)
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, key, chainRef string) error {
	return s.guardedUpdate(ctx, key, `
		UPDATE swap_ledger
		SET status = 'executed', chain_ref = $2, updated_at = now()
		WHERE key = $1 AND status IN ('pending', 'verified')`,
		chainRef)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key, reason string, retryable bool) error {
	return s.guardedUpdate(ctx, key, `
		UPDATE swap_ledger
		SET status = 'failed', fail_reason = $2, retryable = $3, updated_at = now()
		WHERE key = $1 AND status IN ('pending', 'verified')`,
		reason, retryable)
}

const lookupSQL = `
SELECT key, direction, status, amount, counterparty, submitted_ref,
       chain_ref, fail_reason, retryable, created_at, updated_at
FROM swap_ledger WHERE key = $1
`

func (s *PostgresStore) Lookup(ctx context.Context, key string) (*Entry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, lookupSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// guardedUpdate runs a conditional UPDATE and maps "no rows matched" onto
// ErrConflict / ErrNotFound. The status guard in the WHERE clause is what
// enforces monotonic transitions under concurrency.
func (s *PostgresStore) guardedUpdate(ctx context.Context, key, sql string, args ...interface{}) error {
	allArgs := append([]interface{}{key}, args...)
	tag, err := s.pool.Exec(ctx, sql, allArgs...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := s.Lookup(ctx, key); errors.Is(lookupErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var dir, status string
	var amount int64
	if err := row.Scan(&e.Key, &dir, &status, &amount, &e.Counterparty,
		&e.SubmittedRef, &e.ChainRef, &e.FailReason, &e.Retryable,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Direction = Direction(dir)
	e.Status = Status(status)
	e.Amount = uint64(amount)
	return &e, nil
}
