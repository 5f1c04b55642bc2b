package gateway

import (
	"context"
	"errors"
	"fmt"

	"xmrbridge/internal/monero"
)

// MoneroPayer pays out redeemed funds from the bridge wallet on the base
// chain.
type MoneroPayer struct {
	wallet monero.WalletRPC
	cfg    MoneroPayerConfig
}

type MoneroPayerConfig struct {
	AccountIndex uint32
	Priority     uint32
}

func NewMoneroPayer(wallet monero.WalletRPC, cfg MoneroPayerConfig) *MoneroPayer {
	return &MoneroPayer{wallet: wallet, cfg: cfg}
}

func (p *MoneroPayer) Payout(ctx context.Context, destination string, amount uint64) (string, error) {
	if destination == "" {
		return "", terminalErr(ReasonInvalidState, errors.New("empty payout destination"))
	}
	if amount == 0 {
		return "", terminalErr(ReasonInvalidState, errors.New("zero payout amount"))
	}

	result, err := p.wallet.Transfer(ctx, monero.TransferRequest{
		Destination:  destination,
		Amount:       amount,
		AccountIndex: p.cfg.AccountIndex,
		Priority:     p.cfg.Priority,
	})
	if err != nil {
		return "", classifySubmitError(fmt.Errorf("payout transfer: %w", err))
	}
	return result.TxHash, nil
}

// StatusOf reconciles a previously broadcast payout by tx id.
func (p *MoneroPayer) StatusOf(ctx context.Context, ref string) (SubmitStatus, error) {
	info, err := p.wallet.TransferByTxID(ctx, ref)
	if err != nil {
		if errors.Is(err, monero.ErrTxNotFound) {
			return StatusUnknown, nil
		}
		return StatusUnknown, retryableErr(ReasonNetwork, err)
	}

	switch info.Type {
	case "failed":
		return StatusRejected, nil
	case "pending", "pool":
		return StatusPending, nil
	}
	if info.Confirmations > 0 {
		return StatusConfirmed, nil
	}
	return StatusPending, nil
}
