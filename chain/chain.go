// Package chain provides the EVM node abstraction used by the race client.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
)

// ErrNotYetMined is returned by TransactionReceipt while the transaction is pending
// or not yet indexed by the node. Callers treat it as retryable.
var ErrNotYetMined = errors.New("chain: transaction not yet mined")

// Chain is the core abstraction for interacting with an EVM network.
type Chain interface {
	// ID returns the network name (e.g. "base", "local").
	ID() string

	// ChainID returns the EIP-155 chain id used for signing.
	ChainID(ctx context.Context) (*big.Int, error)

	// LatestBlock returns the most recent block number.
	LatestBlock(ctx context.Context) (uint64, error)

	// FetchLogs retrieves historical event logs matching the given query.
	FetchLogs(ctx context.Context, query filter.Query) ([]event.Log, error)

	// TransactionReceipt returns the receipt of a mined transaction or ErrNotYetMined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*event.Receipt, error)

	// Call executes a read-only contract call against the latest block.
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)

	// PendingNonce returns the next nonce for the account, including pending transactions.
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)

	// GasPrice returns the node's suggested legacy gas price.
	GasPrice(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates the gas needed to execute msg.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RPCError wraps a network or provider failure of one RPC method.
type RPCError struct {
	Method string
	Err    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Method, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}
