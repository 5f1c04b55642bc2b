package receipt

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Direction of a completed swap.
type Direction string

const (
	DepositToWrapped Direction = "deposit_to_wrapped"
	WrappedToDeposit Direction = "wrapped_to_deposit"
)

// Receipt is the proof-of-swap linking the two legs of a completed swap.
// Created exactly once, after the ledger entry is Executed; never mutated.
type Receipt struct {
	SwapID     string
	Direction  Direction
	BaseRef    string
	WrappedRef string
	Amount     uint64
	CreatedAt  time.Time
}

var ErrNotFound = errors.New("receipt: not found")

// Store persists proof-of-swap records. The linkage between a base-chain
// payment and a wrapped-chain transfer is sensitive, so implementations hold
// it only as ciphertext; swap id, direction and timestamp stay in the clear
// for lookup and retention purging.
type Store interface {
	Record(ctx context.Context, r Receipt) error
	Get(ctx context.Context, swapID string) (*Receipt, error)
	PurgeExpired(ctx context.Context, retention time.Duration) (int, error)
}

// payload is the sensitive part of a receipt, sealed before persistence.
type payload struct {
	BaseRef    string `json:"baseRef"`
	WrappedRef string `json:"wrappedRef"`
	Amount     uint64 `json:"amount"`
}

// Codec seals and opens receipt payloads with XChaCha20-Poly1305 under the
// operator's receipt key.
type Codec struct {
	key []byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("receipt key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Codec{key: key}, nil
}

// seal encrypts the sensitive fields of r; the swap id is bound as
// associated data so a ciphertext cannot be replayed under another record.
func (c *Codec) seal(r Receipt) ([]byte, error) {
	plain, err := json.Marshal(payload{
		BaseRef:    r.BaseRef,
		WrappedRef: r.WrappedRef,
		Amount:     r.Amount,
	})
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, []byte(r.SwapID)), nil
}

func (c *Codec) open(swapID string, blob []byte) (payload, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return payload{}, err
	}
	if len(blob) < aead.NonceSize() {
		return payload{}, errors.New("receipt: ciphertext too short")
	}

	nonce, sealed := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(swapID))
	if err != nil {
		return payload{}, fmt.Errorf("receipt: open payload: %w", err)
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return payload{}, err
	}
	return p, nil
}
