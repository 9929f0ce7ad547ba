// Package racetest provides an in-memory chain.Chain for tests.
package racetest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
)

// CallHandler answers an eth_call with unpacked inputs and returns the output values.
type CallHandler func(msg ethereum.CallMsg, args []interface{}) ([]interface{}, error)

type receiptPlan struct {
	receipt *event.Receipt
	pending int
	err     error
}

type callRoute struct {
	method  gethabi.Method
	handler CallHandler
}

// Chain is a scripted chain.Chain. All methods are safe for concurrent use.
type Chain struct {
	mu sync.Mutex

	id       string
	chainID  *big.Int
	head     uint64
	nonces   map[common.Address]uint64
	gasPrice *big.Int
	gasLimit uint64

	calls    map[[4]byte]callRoute
	receipts map[common.Hash]*receiptPlan
	logs     []event.Log

	fetchErr error
	sent     []*types.Transaction
	onSend   func(tx *types.Transaction)

	receiptCalls map[common.Hash]int
	fetchCalls   int
}

var _ chain.Chain = (*Chain)(nil)

// NewChain returns an empty chain with id "test" and EIP-155 chain id 31337.
func NewChain() *Chain {
	return &Chain{
		id:           "test",
		chainID:      big.NewInt(31337),
		head:         1,
		nonces:       make(map[common.Address]uint64),
		gasPrice:     big.NewInt(1_000_000_000),
		gasLimit:     100_000,
		calls:        make(map[[4]byte]callRoute),
		receipts:     make(map[common.Hash]*receiptPlan),
		receiptCalls: make(map[common.Hash]int),
	}
}

// OnCall routes eth_call requests for method to h.
func (c *Chain) OnCall(m gethabi.Method, h CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sel [4]byte
	copy(sel[:], m.ID)
	c.calls[sel] = callRoute{method: m, handler: h}
}

// OnSend registers a hook run after each accepted transaction.
func (c *Chain) OnSend(fn func(tx *types.Transaction)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// SetReceipt makes r visible after pending unsuccessful lookups.
func (c *Chain) SetReceipt(r *event.Receipt, pending int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[r.TxHash] = &receiptPlan{receipt: r, pending: pending}
	if r.BlockNumber > c.head {
		c.head = r.BlockNumber
	}
}

// FailReceipt makes every lookup of hash fail with err.
func (c *Chain) FailReceipt(hash common.Hash, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = &receiptPlan{err: err}
}

// AddLogs makes logs visible to FetchLogs.
func (c *Chain) AddLogs(logs ...event.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range logs {
		c.logs = append(c.logs, l)
		if l.BlockNumber > c.head {
			c.head = l.BlockNumber
		}
	}
}

// SetHead sets the latest block number.
func (c *Chain) SetHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

// FailFetchLogs makes FetchLogs return err until cleared with nil.
func (c *Chain) FailFetchLogs(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErr = err
}

// Sent returns the transactions broadcast so far.
func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// ReceiptCalls returns how often the receipt of hash was requested.
func (c *Chain) ReceiptCalls(hash common.Hash) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiptCalls[hash]
}

// FetchCalls returns how often FetchLogs ran.
func (c *Chain) FetchCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchCalls
}

func (c *Chain) ID() string { return c.id }

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), ctx.Err()
}

func (c *Chain) LatestBlock(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, ctx.Err()
}

func (c *Chain) FetchLogs(ctx context.Context, q filter.Query) ([]event.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchCalls++
	if c.fetchErr != nil {
		return nil, &chain.RPCError{Method: "eth_getLogs", Err: c.fetchErr}
	}

	return filter.Apply(c.logs, filter.Func(q.Match)), nil
}

func (c *Chain) TransactionReceipt(ctx context.Context, hash common.Hash) (*event.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptCalls[hash]++

	plan, ok := c.receipts[hash]
	if !ok {
		return nil, chain.ErrNotYetMined
	}
	if plan.err != nil {
		return nil, plan.err
	}
	if plan.pending > 0 {
		plan.pending--
		return nil, chain.ErrNotYetMined
	}
	return plan.receipt, nil
}

func (c *Chain) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(msg.Data) < 4 {
		return nil, &chain.RPCError{Method: "eth_call", Err: fmt.Errorf("short calldata")}
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	c.mu.Lock()
	route, ok := c.calls[sel]
	c.mu.Unlock()
	if !ok {
		return nil, &chain.RPCError{Method: "eth_call", Err: fmt.Errorf("execution reverted: no handler for %x", sel)}
	}

	args, err := route.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, &chain.RPCError{Method: "eth_call", Err: err}
	}
	out, err := route.handler(msg, args)
	if err != nil {
		return nil, &chain.RPCError{Method: "eth_call", Err: err}
	}
	return route.method.Outputs.Pack(out...)
}

func (c *Chain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], ctx.Err()
}

func (c *Chain) GasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), ctx.Err()
}

func (c *Chain) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	return c.gasLimit, ctx.Err()
}

// SendTransaction records tx and advances the sender's nonce.
func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return &chain.RPCError{Method: "eth_sendRawTransaction", Err: err}
	}

	c.mu.Lock()
	if tx.Nonce() != c.nonces[from] {
		c.mu.Unlock()
		return &chain.RPCError{Method: "eth_sendRawTransaction", Err: fmt.Errorf("nonce too low")}
	}
	c.nonces[from]++
	c.sent = append(c.sent, tx)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(tx)
	}
	return nil
}
