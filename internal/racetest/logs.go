package racetest

import (
	"math/big"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/hedeqiang/derby/event"
	abiutil "github.com/hedeqiang/derby/internal/abi"
)

// RaceExecutedSignature is the human-readable RaceExecuted event signature.
const RaceExecutedSignature = "RaceExecuted(uint256 indexed raceId, address indexed player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)"

var raceExecuted = mustEvent(RaceExecutedSignature)

// Race describes one RaceExecuted emission using on-chain horse ids.
type Race struct {
	RaceID  int64
	Player  common.Address
	Horse   int64
	Winners [3]int64
	Payout  int64
	Won     bool
}

// RaceLog encodes r as a RaceExecuted log emitted by contract in tx.
func RaceLog(contract common.Address, tx common.Hash, block uint64, index uint, r Race) event.Log {
	winners := [3]*big.Int{big.NewInt(r.Winners[0]), big.NewInt(r.Winners[1]), big.NewInt(r.Winners[2])}
	data, err := raceExecuted.Inputs.NonIndexed().Pack(big.NewInt(r.Horse), winners, big.NewInt(r.Payout), r.Won)
	if err != nil {
		panic(err)
	}
	return event.Log{
		Chain:   "test",
		Address: contract,
		Topics: []common.Hash{
			raceExecuted.ID,
			common.BigToHash(big.NewInt(r.RaceID)),
			common.BytesToHash(r.Player.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      tx,
		LogIndex:    index,
	}
}

// TransferLog is an ERC-20 Transfer log, a typical unrelated log in a race receipt.
func TransferLog(token common.Address, tx common.Hash, block uint64, index uint, from, to common.Address, amount int64) event.Log {
	return event.Log{
		Chain:   "test",
		Address: token,
		Topics: []common.Hash{
			abiutil.EventSignatureHash("Transfer(address,address,uint256)"),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.BigToHash(big.NewInt(amount)).Bytes(),
		BlockNumber: block,
		TxHash:      tx,
		LogIndex:    index,
	}
}

// Receipt builds a mined receipt for tx holding logs.
func Receipt(tx common.Hash, status uint64, block uint64, logs ...event.Log) *event.Receipt {
	return &event.Receipt{
		TxHash:            tx,
		Status:            status,
		BlockNumber:       block,
		GasUsed:           90_000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
		Logs:              logs,
	}
}

// Success and Reverted are receipt status values.
const (
	Success  = types.ReceiptStatusSuccessful
	Reverted = types.ReceiptStatusFailed
)

func mustEvent(sig string) gethabi.Event {
	parsed, err := abiutil.ParseEventSignature(sig)
	if err != nil {
		panic(err)
	}
	ev, err := parsed.ABIEvent()
	if err != nil {
		panic(err)
	}
	return ev
}
