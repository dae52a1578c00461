package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds RPC client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// Client is a JSON-RPC ledger client implementing the Ledger interface.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

var _ Ledger = (*Client)(nil)

// NewClient creates a ledger RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Transfer submits a transfer to the ledger and returns its receipt.
func (c *Client) Transfer(ctx context.Context, destination string, amount int64, note string) (TransferReceipt, error) {
	params := map[string]any{
		"destination": destination,
		"amount":      amount,
		"note":        note,
	}
	var receipt TransferReceipt
	if err := c.call(ctx, "transfer", params, &receipt); err != nil {
		return TransferReceipt{}, fmt.Errorf("transfer to %s: %w", destination, err)
	}
	receipt.Destination = destination
	receipt.Amount = amount
	return receipt, nil
}

// GetBalance queries the confirmed balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, "getbalance", map[string]any{"address": address}, &out); err != nil {
		return 0, fmt.Errorf("get balance of %s: %w", address, err)
	}
	return out.Balance, nil
}
