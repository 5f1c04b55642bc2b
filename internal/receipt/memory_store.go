package receipt

import (
	"context"
	"sync"
	"time"
)

type sealedRow struct {
	swapID    string
	direction Direction
	blob      []byte
	createdAt time.Time
}

// MemoryStore keeps sealed receipts in memory. Tests and local development
// only; rows hold ciphertext just like the Postgres store.
type MemoryStore struct {
	codec *Codec
	mu    sync.Mutex
	rows  map[string]sealedRow
}

func NewMemoryStore(codec *Codec) *MemoryStore {
	return &MemoryStore{codec: codec, rows: make(map[string]sealedRow)}
}

func (m *MemoryStore) Record(_ context.Context, r Receipt) error {
	blob, err := m.codec.seal(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[r.SwapID]; exists {
		// Receipts are write-once.
		return nil
	}
	m.rows[r.SwapID] = sealedRow{
		swapID:    r.SwapID,
		direction: r.Direction,
		blob:      blob,
		createdAt: r.CreatedAt,
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, swapID string) (*Receipt, error) {
	m.mu.Lock()
	row, ok := m.rows[swapID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	p, err := m.codec.open(row.swapID, row.blob)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		SwapID:     row.swapID,
		Direction:  row.direction,
		BaseRef:    p.BaseRef,
		WrappedRef: p.WrappedRef,
		Amount:     p.Amount,
		CreatedAt:  row.createdAt,
	}, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int
	for id, row := range m.rows {
		if row.createdAt.Before(cutoff) {
			delete(m.rows, id)
			purged++
		}
	}
	return purged, nil
}
