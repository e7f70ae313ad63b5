// Package ledger provides the client for the external value ledger, the
// append-only system of record for reward transfers.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when a transaction reference is unknown to the
// ledger.
var ErrNotFound = errors.New("ledger: transaction not found")

// Transaction statuses reported by the ledger.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Transaction is a transfer recorded on the ledger.
type Transaction struct {
	Ref    string `json:"ref"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

const rpcCodeNotFound = -32001

// Client provides value ledger RPC functionality.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a new ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Call makes an RPC call to the ledger node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcCodeNotFound {
			return nil, ErrNotFound
		}
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetTransaction returns a transaction by reference.
func (c *Client) GetTransaction(ctx context.Context, ref string) (*Transaction, error) {
	result, err := c.Call(ctx, "ledger_getTransaction", []interface{}{ref})
	if err != nil {
		return nil, err
	}

	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, err
	}
	if tx.Ref == "" {
		tx.Ref = ref
	}
	return &tx, nil
}

// SubmitTransfer sends amount from the treasury to the given wallet and
// returns the transfer reference. The transfer is irreversible once the
// ledger accepts it.
func (c *Client) SubmitTransfer(ctx context.Context, to string, amount int64) (string, error) {
	result, err := c.Call(ctx, "ledger_submitTransfer", []interface{}{to, amount})
	if err != nil {
		return "", err
	}

	var ref string
	if err := json.Unmarshal(result, &ref); err != nil {
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("ledger returned empty transfer reference")
	}
	return ref, nil
}
