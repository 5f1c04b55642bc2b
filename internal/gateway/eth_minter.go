package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"xmrbridge/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthMinter submits mint transactions to the wrapped-asset token contract.
type EthMinter struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthMinterConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
}

func NewEthMinter(ctx context.Context, cfg EthMinterConfig) (*EthMinter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("token contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("signer key is required for minting")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.WrappedXMRABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	return &EthMinter{
		client:    cli,
		contract:  bound,
		abi:       parsedABI,
		address:   address,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return key, nil
}

func (m *EthMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	if !common.IsHexAddress(req.Recipient) {
		return "", terminalErr(ReasonInvalidState, fmt.Errorf("invalid recipient address %q", req.Recipient))
	}
	if req.Amount == 0 {
		return "", terminalErr(ReasonInvalidState, errors.New("zero mint amount"))
	}

	opts := *m.transacts
	opts.Context = ctx

	tx, err := m.contract.Transact(&opts, "mint",
		common.HexToAddress(req.Recipient),
		new(big.Int).SetUint64(req.Amount),
		req.ProofTxID,
		req.ProofKey,
		req.ProofAddr,
	)
	if err != nil {
		return "", classifySubmitError(fmt.Errorf("mint tx: %w", err))
	}
	return tx.Hash().Hex(), nil
}

// StatusOf reports the fate of a previously broadcast mint by receipt.
func (m *EthMinter) StatusOf(ctx context.Context, ref string) (SubmitStatus, error) {
	receipt, err := m.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusUnknown, retryableErr(ReasonNetwork, err)
	}
	if receipt.Status == 1 {
		return StatusConfirmed, nil
	}
	return StatusRejected, nil
}

func (m *EthMinter) Ping(ctx context.Context) error {
	_, err := m.client.BlockNumber(ctx)
	return err
}
