package monero

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// WalletRPC is the subset of monero-wallet-rpc the bridge depends on.
type WalletRPC interface {
	CheckTxKey(ctx context.Context, txID, txKey, address string) (CheckTxKeyResult, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	TransferByTxID(ctx context.Context, txID string) (TransferInfo, error)
	Ping(ctx context.Context) error
}

// CheckTxKeyResult is the response of the check_tx_key proof query. Received
// is in atomic units (1 XMR = 1e12).
type CheckTxKeyResult struct {
	Confirmations uint64 `json:"confirmations"`
	InPool        bool   `json:"in_pool"`
	Received      uint64 `json:"received"`
}

type TransferRequest struct {
	Destination  string
	Amount       uint64
	AccountIndex uint32
	Priority     uint32
	UnlockTime   uint64
}

type TransferResult struct {
	TxHash string `json:"tx_hash"`
	TxKey  string `json:"tx_key"`
	Amount uint64 `json:"amount"`
	Fee    uint64 `json:"fee"`
}

type TransferInfo struct {
	TxID          string `json:"txid"`
	Confirmations uint64 `json:"confirmations"`
	Height        uint64 `json:"height"`
	Amount        uint64 `json:"amount"`
	Type          string `json:"type"` // in, out, pending, failed, pool
}

// ErrTxNotFound is returned when the wallet has no record of the transaction.
var ErrTxNotFound = errors.New("monero: transaction not found")

// wallet-rpc error codes we care about.
const (
	errCodeWrongTxID = -8
)

type ClientConfig struct {
	URL      string // e.g. http://127.0.0.1:18083/json_rpc
	Username string
	Password string
}

// Client talks JSON-RPC 2.0 to a monero-wallet-rpc instance. The wallet is
// expected to be a view-only wallet for the bridge custodial address when the
// bridge only verifies proofs, or a full wallet when it also pays out.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("wallet-rpc error (code %d): %s", e.Code, e.Message)
}

func (c *Client) CheckTxKey(ctx context.Context, txID, txKey, address string) (CheckTxKeyResult, error) {
	params := map[string]interface{}{
		"txid":    txID,
		"tx_key":  txKey,
		"address": address,
	}

	raw, err := c.call(ctx, "check_tx_key", params)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == errCodeWrongTxID {
			return CheckTxKeyResult{}, ErrTxNotFound
		}
		return CheckTxKeyResult{}, err
	}

	var result CheckTxKeyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CheckTxKeyResult{}, fmt.Errorf("parse check_tx_key result: %w", err)
	}
	return result, nil
}

func (c *Client) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	params := map[string]interface{}{
		"destinations": []map[string]interface{}{
			{
				"amount":  req.Amount,
				"address": req.Destination,
			},
		},
		"account_index": req.AccountIndex,
		"priority":      req.Priority,
		"get_tx_key":    true,
	}
	if req.UnlockTime > 0 {
		params["unlock_time"] = req.UnlockTime
	}

	raw, err := c.call(ctx, "transfer", params)
	if err != nil {
		return TransferResult{}, err
	}

	var result TransferResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return TransferResult{}, fmt.Errorf("parse transfer result: %w", err)
	}
	if result.TxHash == "" {
		return TransferResult{}, fmt.Errorf("transfer returned empty tx hash")
	}
	return result, nil
}

func (c *Client) TransferByTxID(ctx context.Context, txID string) (TransferInfo, error) {
	params := map[string]interface{}{
		"txid": txID,
	}

	raw, err := c.call(ctx, "get_transfer_by_txid", params)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == errCodeWrongTxID {
			return TransferInfo{}, ErrTxNotFound
		}
		return TransferInfo{}, err
	}

	var result struct {
		Transfer TransferInfo `json:"transfer"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return TransferInfo{}, fmt.Errorf("parse get_transfer_by_txid result: %w", err)
	}
	return result.Transfer, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "get_version", nil)
	return err
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" && c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wallet-rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet-rpc %s returned status %d: %s", method, resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
