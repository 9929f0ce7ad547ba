// Package transport provides JSON-RPC transports for talking to an EVM node.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport sends JSON-RPC requests and returns raw responses.
type Transport interface {
	// Call sends a JSON-RPC request and returns the raw result.
	// A JSON null result is returned as-is so callers can detect "not found".
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)

	// Close terminates the transport connection.
	Close() error
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is an error object returned by the node. It means the request reached a
// healthy endpoint and was refused, e.g. an execution revert in eth_call.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code=%d message=%s", e.Code, e.Message)
}

// IsNull reports whether a raw result is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
