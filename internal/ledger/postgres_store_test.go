package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "pg-test-" + time.Now().Format("20060102150405.000000000")

	entry, err := store.Reserve(ctx, key, DirectionDeposit, "wrapped1xyz", 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if entry.Status != StatusPending {
		t.Fatalf("expected pending, got %s", entry.Status)
	}

	if _, err := store.Reserve(ctx, key, DirectionDeposit, "wrapped1xyz", 1000); !errors.Is(err, ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}

	if err := store.MarkVerified(ctx, key, 1500); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	if err := store.RecordSubmission(ctx, key, "0xpending"); err != nil {
		t.Fatalf("record submission: %v", err)
	}
	if err := store.MarkExecuted(ctx, key, "0xfinal"); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := store.MarkFailed(ctx, key, "late failure", true); !errors.Is(err, ErrConflict) {
		t.Fatalf("executed entry accepted MarkFailed: %v", err)
	}

	got, err := store.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Status != StatusExecuted || got.ChainRef != "0xfinal" || got.Amount != 1500 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}
