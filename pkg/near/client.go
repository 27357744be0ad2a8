// Package near is a minimal NEAR JSON-RPC client covering the two lookups the
// grant service needs: an account's access keys and a transaction's outcome.
package near

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable marks transport failures, timeouts and server-side RPC
// errors. Callers may retry these; they say nothing about the transaction.
var ErrUnavailable = errors.New("near rpc unavailable")

// Client talks JSON-RPC 2.0 to a NEAR node.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a Client for endpoint (e.g. https://rpc.mainnet.near.org).
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
}

func (e *RPCError) Error() string {
	if e.Cause.Name != "" {
		return fmt.Sprintf("near rpc %s: %s", e.Name, e.Cause.Name)
	}
	return fmt.Sprintf("near rpc %s: %s", e.Name, e.Message)
}

// IsHandlerError reports whether the node rejected the request itself
// (unknown account, unknown transaction) rather than failing internally.
// Node-side timeouts are reported under HANDLER_ERROR but are transient.
func (e *RPCError) IsHandlerError() bool {
	if e.Cause.Name == "TIMEOUT_ERROR" {
		return false
	}
	return e.Name == "HANDLER_ERROR" || e.Name == "REQUEST_VALIDATION_ERROR"
}

// call performs one RPC round trip and decodes result into out.
// A handler-level RPC error is returned as *RPCError; everything else that
// goes wrong wraps ErrUnavailable.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "grantledger", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, method, err)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%w: %s returned %d", ErrUnavailable, method, resp.StatusCode)
		}
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, method, err)
	}
	if rr.Error != nil {
		if rr.Error.IsHandlerError() {
			return rr.Error
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, rr.Error)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
