package ledger

import (
	"context"
	"errors"
	"time"
)

// Status of a swap's ledger entry. Transitions are monotonic:
// Pending -> Verified -> Executed, or Pending/Verified -> Failed.
// Executed is terminal and immutable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Direction of a swap.
type Direction string

const (
	DirectionDeposit Direction = "deposit"
	DirectionRedeem  Direction = "redeem"
)

var (
	// ErrAlreadyReserved means the key holds a live reservation or a
	// terminal entry. The caller should Lookup to find out which.
	ErrAlreadyReserved = errors.New("ledger: key already reserved")
	// ErrConflict means a guarded transition matched no row: another
	// worker advanced the entry first, or the transition is not allowed
	// from the entry's current status.
	ErrConflict = errors.New("ledger: conflicting status transition")
	// ErrNotFound means no entry exists for the key.
	ErrNotFound = errors.New("ledger: entry not found")
)

// Entry is the durable record for one swap key. Entries are never deleted;
// an Executed entry is the permanent proof that the key's swap ran.
type Entry struct {
	Key          string
	Direction    Direction
	Status       Status
	Amount       uint64
	Counterparty string
	// SubmittedRef is the chain reference recorded at broadcast time,
	// before confirmation. It lets any instance reconcile an in-flight
	// submission instead of resubmitting.
	SubmittedRef string
	// ChainRef is the confirmed chain reference, set with Executed.
	ChainRef   string
	FailReason string
	Retryable  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store is the single source of truth for swap idempotency. Reserve is the
// atomicity boundary: exactly one caller per key obtains a fresh reservation,
// even across concurrent processes. A Failed entry marked retryable may be
// re-reserved; every other existing entry yields ErrAlreadyReserved.
type Store interface {
	Reserve(ctx context.Context, key string, dir Direction, counterparty string, amount uint64) (*Entry, error)
	MarkVerified(ctx context.Context, key string, amount uint64) error
	RecordSubmission(ctx context.Context, key, ref string) error
	MarkExecuted(ctx context.Context, key, chainRef string) error
	MarkFailed(ctx context.Context, key, reason string, retryable bool) error
	Lookup(ctx context.Context, key string) (*Entry, error)
	Ping(ctx context.Context) error
}
