// Package event defines the log and receipt records the race client reads from the chain.
package event

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log represents a single event log emitted by a smart contract.
type Log struct {
	// Chain identifies the network this log came from.
	Chain string

	// Address is the contract address that emitted the event.
	Address common.Address

	// Topics contains the indexed event parameters.
	// Topics[0] is the event signature hash for non-anonymous events.
	Topics []common.Hash

	// Data holds the non-indexed event parameters (ABI-encoded).
	Data []byte

	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	TxIndex     uint

	// LogIndex is the log's position in the block.
	LogIndex uint

	// Removed indicates whether this log was reverted due to a chain reorganization.
	Removed bool
}

// EventSignature returns the first topic (event signature hash), or a zero hash if no topics exist.
func (l Log) EventSignature() common.Hash {
	if len(l.Topics) > 0 {
		return l.Topics[0]
	}
	return common.Hash{}
}

// Key identifies the log uniquely within a chain.
func (l Log) Key() string {
	return fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.LogIndex)
}

// Receipt is the confirmation record of a mined transaction.
type Receipt struct {
	TxHash            common.Hash
	Status            uint64
	BlockNumber       uint64
	BlockHash         common.Hash
	GasUsed           uint64
	EffectiveGasPrice *big.Int

	// Logs are in emission order.
	Logs []Log
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}
