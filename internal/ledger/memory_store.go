package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is mostly for testing and local development. The Postgres
// store is the durable implementation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, dir Direction, counterparty string, amount uint64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[key]; ok {
		if !(existing.Status == StatusFailed && existing.Retryable) {
			return nil, ErrAlreadyReserved
		}
	}

	now := time.Now().UTC()
	entry := Entry{
		Key:          key,
		Direction:    dir,
		Status:       StatusPending,
		Amount:       amount,
		Counterparty: counterparty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.entries[key] = entry
	return &entry, nil
}

func (m *MemoryStore) MarkVerified(_ context.Context, key string, amount uint64) error {
	return m.transition(key, func(e *Entry) bool {
		if e.Status != StatusPending {
			return false
		}
		e.Status = StatusVerified
		e.Amount = amount
		return true
	})
}

func (m *MemoryStore) RecordSubmission(_ context.Context, key, ref string) error {
	return m.transition(key, func(e *Entry) bool {
		if e.Status != StatusVerified {
			return false
		}
		e.SubmittedRef = ref
		return true
	})
}

func (m *MemoryStore) MarkExecuted(_ context.Context, key, chainRef string) error {
	return m.transition(key, func(e *Entry) bool {
		if e.Status != StatusPending && e.Status != StatusVerified {
			return false
		}
		e.Status = StatusExecuted
		e.ChainRef = chainRef
		return true
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, key, reason string, retryable bool) error {
	return m.transition(key, func(e *Entry) bool {
		if e.Status != StatusPending && e.Status != StatusVerified {
			return false
		}
		e.Status = StatusFailed
		e.FailReason = reason
		e.Retryable = retryable
		return true
	})
}

func (m *MemoryStore) Lookup(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) transition(key string, apply func(*Entry) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	if !apply(&entry) {
		return ErrConflict
	}
	entry.UpdatedAt = time.Now().UTC()
	m.entries[key] = entry
	return nil
}
