// Package contract binds the race contract and its wager token to a chain.Chain.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/decoder"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/wallet"
)

var (
	// ErrNoSigner is returned by write calls on a read-only adapter.
	ErrNoSigner = errors.New("contract: no signer configured")

	// ErrUnexpectedResult is returned when a call result does not unpack into the ABI outputs.
	ErrUnexpectedResult = errors.New("contract: unexpected call result")
)

// GameStats are the contract-wide counters returned by getGameStats.
type GameStats struct {
	TotalRaces     *big.Int
	TotalTickets   *big.Int
	JackpotAmount  *big.Int
	JackpotNumbers [4]*big.Int
}

// RaceExecuted is the decoded RaceExecuted event.
type RaceExecuted struct {
	RaceId  *big.Int
	Player  common.Address
	HorseId *big.Int
	Winners [race.Podium]*big.Int
	Payout  *big.Int
	Won     bool
	Raw     event.Log
}

// PendingTx is a broadcast transaction awaiting inclusion.
type PendingTx struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Nonce  uint64
	Method string
	SentAt time.Time
}

// Adapter performs the read and write calls of the race client.
type Adapter struct {
	chain  chain.Chain
	signer wallet.Signer
	race   common.Address
	token  common.Address

	decoder       *decoder.Decoder
	raceEvent     string
	raceTopic     common.Hash
	gasMultiplier float64
	horseBase     int
	logger        *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithGasMultiplier scales eth_estimateGas results. Values below 1 are ignored.
func WithGasMultiplier(m float64) Option {
	return func(a *Adapter) {
		if m >= 1 {
			a.gasMultiplier = m
		}
	}
}

// WithHorseBase sets the on-chain id of the first horse. The default 0 passes
// horse indices through unchanged.
func WithHorseBase(base int) Option {
	return func(a *Adapter) {
		a.horseBase = base
	}
}

// WithRaceEvent decodes RaceExecuted with sig instead of the embedded ABI, for
// deployments whose event indexes different parameters. sig must pass
// CheckRaceEvent; an invalid sig is logged and ignored.
func WithRaceEvent(sig string) Option {
	return func(a *Adapter) {
		a.raceEvent = sig
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// New binds the race contract at raceAddr and the token at tokenAddr.
// signer may be nil for a read-only adapter.
func New(c chain.Chain, signer wallet.Signer, raceAddr, tokenAddr common.Address, opts ...Option) *Adapter {
	a := &Adapter{
		chain:         c,
		signer:        signer,
		race:          raceAddr,
		token:         tokenAddr,
		decoder:       decoder.New(),
		raceTopic:     RaceExecutedID,
		gasMultiplier: 1.2,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.registerRaceEvent()
	return a
}

func (a *Adapter) registerRaceEvent() {
	if a.raceEvent != "" {
		topic, err := parseRaceEvent(a.raceEvent)
		if err == nil {
			err = a.decoder.Register(a.raceEvent)
		}
		if err == nil {
			a.raceTopic = topic
			a.logger.Info("using configured RaceExecuted signature", zap.String("topic", topic.Hex()))
			return
		}
		a.logger.Warn("ignoring race event override", zap.Error(err))
	}
	if err := a.decoder.Register(RaceExecutedSignature); err != nil {
		panic(err.Error())
	}
}

// ContractAddress returns the race contract address.
func (a *Adapter) ContractAddress() common.Address { return a.race }

// TokenAddress returns the wager token address.
func (a *Adapter) TokenAddress() common.Address { return a.token }

// HorseBase returns the on-chain id of the first horse.
func (a *Adapter) HorseBase() int { return a.horseBase }

// RaceTopic returns topic0 of the RaceExecuted event the adapter decodes.
func (a *Adapter) RaceTopic() common.Hash { return a.raceTopic }

// Player returns the signer's address, or the zero address for a read-only adapter.
func (a *Adapter) Player() common.Address {
	if a.signer == nil {
		return common.Address{}
	}
	return a.signer.Address()
}

// Chain returns the underlying chain.
func (a *Adapter) Chain() chain.Chain { return a.chain }

func (a *Adapter) read(ctx context.Context, to common.Address, contract gethabi.ABI, method string, out interface{}, args ...interface{}) error {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("contract: pack %s: %w", method, err)
	}
	result, err := a.chain.Call(ctx, ethereum.CallMsg{From: a.Player(), To: &to, Data: input})
	if err != nil {
		return err
	}
	if err := contract.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnexpectedResult, method, err)
	}
	return nil
}

// GameStats reads getGameStats.
func (a *Adapter) GameStats(ctx context.Context) (*GameStats, error) {
	var stats GameStats
	if err := a.read(ctx, a.race, raceABI, "getGameStats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// BaseFeeAmount reads the native-coin fee attached to every race.
func (a *Adapter) BaseFeeAmount(ctx context.Context) (*big.Int, error) {
	var fee *big.Int
	if err := a.read(ctx, a.race, raceABI, "baseFeeAmount", &fee); err != nil {
		return nil, err
	}
	return fee, nil
}

// BalanceOf reads the token balance of owner.
func (a *Adapter) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	var bal *big.Int
	if err := a.read(ctx, a.token, tokenABI, "balanceOf", &bal, owner); err != nil {
		return nil, err
	}
	return toUint256(bal), nil
}

// Allowance reads how much spender may move on behalf of owner.
func (a *Adapter) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	var allowance *big.Int
	if err := a.read(ctx, a.token, tokenABI, "allowance", &allowance, owner, spender); err != nil {
		return nil, err
	}
	return toUint256(allowance), nil
}

// Approve lets the race contract spend amount of the player's tokens.
func (a *Adapter) Approve(ctx context.Context, amount *uint256.Int) (*PendingTx, error) {
	input, err := tokenABI.Pack("approve", a.race, amount.ToBig())
	if err != nil {
		return nil, fmt.Errorf("contract: pack approve: %w", err)
	}
	return a.transact(ctx, "approve", a.token, nil, input)
}

// PlaceBetAndRace submits the wager with fee attached as value.
func (a *Adapter) PlaceBetAndRace(ctx context.Context, w race.Wager, fee *big.Int) (*PendingTx, error) {
	horse := big.NewInt(int64(w.HorseID + a.horseBase))
	input, err := raceABI.Pack("placeBetAndRace", horse, w.Amount.ToBig())
	if err != nil {
		return nil, fmt.Errorf("contract: pack placeBetAndRace: %w", err)
	}
	return a.transact(ctx, "placeBetAndRace", a.race, fee, input)
}

func (a *Adapter) transact(ctx context.Context, method string, to common.Address, value *big.Int, input []byte) (*PendingTx, error) {
	if a.signer == nil {
		return nil, ErrNoSigner
	}
	from := a.signer.Address()
	if value == nil {
		value = new(big.Int)
	}

	chainID, err := a.chain.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := a.chain.PendingNonce(ctx, from)
	if err != nil {
		return nil, err
	}
	gasPrice, err := a.chain.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gas, err := a.chain.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Value: value, Data: input})
	if err != nil {
		return nil, err
	}
	gas = uint64(float64(gas) * a.gasMultiplier)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     input,
	})
	signed, err := a.signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return nil, err
	}
	if err := a.chain.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	a.logger.Info("transaction sent",
		zap.String("method", method),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return &PendingTx{
		Hash:   signed.Hash(),
		From:   from,
		To:     to,
		Nonce:  nonce,
		Method: method,
		SentAt: time.Now(),
	}, nil
}

// TransactionReceipt returns the receipt or chain.ErrNotYetMined.
func (a *Adapter) TransactionReceipt(ctx context.Context, hash common.Hash) (*event.Receipt, error) {
	return a.chain.TransactionReceipt(ctx, hash)
}

// RaceQuery selects RaceExecuted logs of the race contract. The block range is left open.
func (a *Adapter) RaceQuery() filter.Query {
	return filter.NewQuery(
		filter.WithAddresses(a.race),
		filter.WithTopics([]common.Hash{a.raceTopic}),
	)
}

// RaceLogs fetches RaceExecuted logs of the race contract in [from, to].
func (a *Adapter) RaceLogs(ctx context.Context, from, to uint64) ([]event.Log, error) {
	q := a.RaceQuery()
	q.FromBlock, q.ToBlock = &from, &to
	return a.chain.FetchLogs(ctx, q)
}

// DecodeRaceExecuted decodes lg as a RaceExecuted event. Any other log yields
// an error wrapping decoder.ErrDecodeMismatch.
func (a *Adapter) DecodeRaceExecuted(lg event.Log) (*RaceExecuted, error) {
	decoded, err := a.decoder.Decode(lg)
	if err != nil {
		return nil, err
	}
	if decoded.Name != "RaceExecuted" {
		return nil, fmt.Errorf("%w: got %s", decoder.ErrDecodeMismatch, decoded.Name)
	}
	ev := &RaceExecuted{Raw: lg}
	if err := decoded.Bind(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Outcome converts a decoded event into a race outcome with zero-based horse indices.
func (a *Adapter) Outcome(ev *RaceExecuted) (*race.Outcome, error) {
	winners, err := race.WinnerIndices(ev.Winners, a.horseBase)
	if err != nil {
		return nil, err
	}
	horse, err := race.HorseIndex(ev.HorseId, a.horseBase)
	if err != nil {
		return nil, err
	}
	return &race.Outcome{
		TxHash:      ev.Raw.TxHash,
		RaceID:      ev.RaceId,
		Player:      ev.Player,
		HorseID:     horse,
		Winners:     winners,
		Payout:      ev.Payout,
		Won:         ev.Won,
		BlockNumber: ev.Raw.BlockNumber,
	}, nil
}

func toUint256(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, _ := uint256.FromBig(v)
	return out
}
