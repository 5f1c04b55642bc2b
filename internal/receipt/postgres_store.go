package receipt

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sealed receipts. Only non-sensitive indexing
// metadata is stored in the clear.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec *Codec
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS swap_receipts (
    swap_id TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS swap_receipts_created_at ON swap_receipts (created_at);
`

func NewPostgresStore(ctx context.Context, dsn string, codec *Codec) (*PostgresStore, error) {
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
	return &PostgresStore{pool: pool, codec: codec}, nil
}

func (s *PostgresStore) Record(ctx context.Context, r Receipt) error {
	blob, err := s.codec.seal(r)
	if err != nil {
		return err
	}
	// Write-once: a conflicting swap_id means the receipt already exists.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO swap_receipts (swap_id, direction, payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (swap_id) DO NOTHING`,
		r.SwapID, string(r.Direction), blob, r.CreatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, swapID string) (*Receipt, error) {
	var direction string
	var blob []byte
	var createdAt time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT direction, payload, created_at
		FROM swap_receipts WHERE swap_id = $1`, swapID).
		Scan(&direction, &blob, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p, err := s.codec.open(swapID, blob)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		SwapID:     swapID,
		Direction:  Direction(direction),
		BaseRef:    p.BaseRef,
		WrappedRef: p.WrappedRef,
		Amount:     p.Amount,
		CreatedAt:  createdAt,
	}, nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM swap_receipts WHERE created_at < $1`,
		time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
