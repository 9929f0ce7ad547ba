// Package ethereum provides a JSON-RPC implementation of chain.Chain for EVM networks.
package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/transport"
)

// Client is an EVM chain implementation speaking raw JSON-RPC.
type Client struct {
	id        string
	transport transport.Transport
	breaker   *retry.CircuitBreaker

	chainMu sync.Mutex
	chainID *big.Int
}

var _ chain.Chain = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithCircuitBreaker makes the client fail fast after repeated transport failures.
func WithCircuitBreaker(cb *retry.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithChainID pins the chain id instead of asking the node.
func WithChainID(id *big.Int) Option {
	return func(c *Client) {
		if id != nil && id.Sign() > 0 {
			c.chainID = new(big.Int).Set(id)
		}
	}
}

// New creates a client for the given endpoint. ws:// and wss:// URLs use the
// WebSocket transport, everything else HTTP.
func New(id, rpcURL string, opts ...Option) *Client {
	var t transport.Transport
	if strings.HasPrefix(rpcURL, "ws://") || strings.HasPrefix(rpcURL, "wss://") {
		t = transport.NewWebSocket(rpcURL)
	} else {
		t = transport.NewHTTP(rpcURL)
	}
	return NewWithTransport(id, t, opts...)
}

// NewWithTransport creates a client with a custom transport.
func NewWithTransport(id string, t transport.Transport, opts ...Option) *Client {
	c := &Client{
		id:        id,
		transport: t,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the network name.
func (c *Client) ID() string {
	return c.id
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// call performs one JSON-RPC round trip and decodes the result into out.
// Transport failures and node error replies come back as *chain.RPCError.
func (c *Client) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	var raw json.RawMessage
	do := func() error {
		var err error
		raw, err = c.transport.Call(ctx, method, params...)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Guard(do, countsAgainstBreaker)
	} else {
		err = do()
	}
	if err != nil {
		return &chain.RPCError{Method: method, Err: err}
	}

	if out == nil {
		return nil
	}
	if transport.IsNull(raw) {
		return errNull
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &chain.RPCError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// countsAgainstBreaker ignores node error replies; only unreachable or broken
// endpoints should open the circuit.
func countsAgainstBreaker(err error) bool {
	var nodeErr *transport.Error
	if errors.As(err, &nodeErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

var errNull = errors.New("ethereum: null result")

// ChainID returns the EIP-155 chain id, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}

	var id hexutil.Big
	if err := c.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, wrapNull("eth_chainId", err)
	}
	c.chainID = (*big.Int)(&id)
	return new(big.Int).Set(c.chainID), nil
}

// LatestBlock returns the latest block number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_blockNumber"); err != nil {
		return 0, wrapNull("eth_blockNumber", err)
	}
	return uint64(n), nil
}

// FetchLogs retrieves historical logs matching the query.
func (c *Client) FetchLogs(ctx context.Context, query filter.Query) ([]event.Log, error) {
	var rawLogs []rpcLog
	if err := c.call(ctx, &rawLogs, "eth_getLogs", buildFilterParams(query)); err != nil {
		if errors.Is(err, errNull) {
			return nil, nil
		}
		return nil, err
	}

	logs := make([]event.Log, len(rawLogs))
	for i, rl := range rawLogs {
		logs[i] = rl.toEventLog(c.id)
	}
	return logs, nil
}

// TransactionReceipt returns the receipt for hash, or chain.ErrNotYetMined if
// the node does not know a mined transaction with that hash yet.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*event.Receipt, error) {
	var rr rpcReceipt
	if err := c.call(ctx, &rr, "eth_getTransactionReceipt", hash); err != nil {
		if errors.Is(err, errNull) {
			return nil, chain.ErrNotYetMined
		}
		return nil, err
	}
	if rr.BlockNumber == nil {
		// some nodes return a skeleton for pending transactions
		return nil, chain.ErrNotYetMined
	}
	return rr.toReceipt(c.id), nil
}

// Call executes eth_call against the latest block.
func (c *Client) Call(ctx context.Context, msg geth.CallMsg) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, &out, "eth_call", toCallArg(msg), "latest"); err != nil {
		return nil, wrapNull("eth_call", err)
	}
	return out, nil
}

// PendingNonce returns the account nonce including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_getTransactionCount", account, "pending"); err != nil {
		return 0, wrapNull("eth_getTransactionCount", err)
	}
	return uint64(n), nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var p hexutil.Big
	if err := c.call(ctx, &p, "eth_gasPrice"); err != nil {
		return nil, wrapNull("eth_gasPrice", err)
	}
	return (*big.Int)(&p), nil
}

// EstimateGas estimates the gas needed to execute msg.
func (c *Client) EstimateGas(ctx context.Context, msg geth.CallMsg) (uint64, error) {
	var g hexutil.Uint64
	if err := c.call(ctx, &g, "eth_estimateGas", toCallArg(msg)); err != nil {
		return 0, wrapNull("eth_estimateGas", err)
	}
	return uint64(g), nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	data, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("ethereum: encode transaction: %w", err)
	}
	var hash common.Hash
	if err := c.call(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(data)); err != nil {
		return wrapNull("eth_sendRawTransaction", err)
	}
	if hash != tx.Hash() {
		return &chain.RPCError{Method: "eth_sendRawTransaction", Err: fmt.Errorf("node returned hash %s, want %s", hash.Hex(), tx.Hash().Hex())}
	}
	return nil
}

func wrapNull(method string, err error) error {
	if errors.Is(err, errNull) {
		return &chain.RPCError{Method: method, Err: fmt.Errorf("unexpected null result")}
	}
	return err
}

// toCallArg converts a CallMsg into the JSON-RPC transaction call object.
func toCallArg(msg geth.CallMsg) map[string]interface{} {
	arg := map[string]interface{}{
		"to": msg.To,
	}
	if (msg.From != common.Address{}) {
		arg["from"] = msg.From
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

// buildFilterParams converts a Query into the JSON-RPC filter object.
func buildFilterParams(query filter.Query) map[string]interface{} {
	params := make(map[string]interface{})

	if query.FromBlock != nil {
		params["fromBlock"] = hexutil.EncodeUint64(*query.FromBlock)
	}
	if query.ToBlock != nil {
		params["toBlock"] = hexutil.EncodeUint64(*query.ToBlock)
	}

	if len(query.Addresses) > 0 {
		if len(query.Addresses) == 1 {
			params["address"] = query.Addresses[0]
		} else {
			params["address"] = query.Addresses
		}
	}

	if len(query.Topics) > 0 {
		topics := make([]interface{}, len(query.Topics))
		for i, ts := range query.Topics {
			switch len(ts) {
			case 0:
				topics[i] = nil
			case 1:
				topics[i] = ts[0]
			default:
				topics[i] = ts
			}
		}
		params["topics"] = topics
	}

	return params
}

// rpcLog is the JSON-RPC representation of an Ethereum log.
type rpcLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
	TxHash      common.Hash    `json:"transactionHash"`
	TxIndex     hexutil.Uint   `json:"transactionIndex"`
	LogIndex    hexutil.Uint   `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

func (rl rpcLog) toEventLog(chainID string) event.Log {
	return event.Log{
		Chain:       chainID,
		Address:     rl.Address,
		Topics:      rl.Topics,
		Data:        rl.Data,
		BlockNumber: uint64(rl.BlockNumber),
		BlockHash:   rl.BlockHash,
		TxHash:      rl.TxHash,
		TxIndex:     uint(rl.TxIndex),
		LogIndex:    uint(rl.LogIndex),
		Removed:     rl.Removed,
	}
}

// rpcReceipt is the JSON-RPC representation of a transaction receipt.
type rpcReceipt struct {
	TxHash            common.Hash     `json:"transactionHash"`
	Status            hexutil.Uint64  `json:"status"`
	BlockNumber       *hexutil.Uint64 `json:"blockNumber"`
	BlockHash         common.Hash     `json:"blockHash"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	Logs              []rpcLog        `json:"logs"`
}

func (rr rpcReceipt) toReceipt(chainID string) *event.Receipt {
	r := &event.Receipt{
		TxHash:      rr.TxHash,
		Status:      uint64(rr.Status),
		BlockNumber: uint64(*rr.BlockNumber),
		BlockHash:   rr.BlockHash,
		GasUsed:     uint64(rr.GasUsed),
		Logs:        make([]event.Log, len(rr.Logs)),
	}
	if rr.EffectiveGasPrice != nil {
		r.EffectiveGasPrice = (*big.Int)(rr.EffectiveGasPrice)
	}
	for i, rl := range rr.Logs {
		r.Logs[i] = rl.toEventLog(chainID)
	}
	return r
}
