package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/decoder"
	"github.com/hedeqiang/derby/event"
	abiutil "github.com/hedeqiang/derby/internal/abi"
	"github.com/hedeqiang/derby/internal/racetest"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/wallet"
)

var (
	raceAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type token struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
}

// install wires balanceOf/allowance/approve of a minimal token into c.
func install(c *racetest.Chain) *token {
	tk := &token{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
	}
	methods := Token().Methods
	c.OnCall(methods["balanceOf"], func(_ ethereum.CallMsg, args []interface{}) ([]interface{}, error) {
		tk.mu.Lock()
		defer tk.mu.Unlock()
		if b, ok := tk.balances[args[0].(common.Address)]; ok {
			return []interface{}{b}, nil
		}
		return []interface{}{new(big.Int)}, nil
	})
	c.OnCall(methods["allowance"], func(_ ethereum.CallMsg, args []interface{}) ([]interface{}, error) {
		tk.mu.Lock()
		defer tk.mu.Unlock()
		if a, ok := tk.allowances[[2]common.Address{args[0].(common.Address), args[1].(common.Address)}]; ok {
			return []interface{}{a}, nil
		}
		return []interface{}{new(big.Int)}, nil
	})
	c.OnSend(func(tx *types.Transaction) {
		if *tx.To() != tokenAddr {
			return
		}
		m := methods["approve"]
		args, err := m.Inputs.Unpack(tx.Data()[4:])
		if err != nil {
			return
		}
		from, _ := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
		tk.mu.Lock()
		tk.allowances[[2]common.Address{from, args[0].(common.Address)}] = args[1].(*big.Int)
		tk.mu.Unlock()
	})
	return tk
}

func newAdapter(t *testing.T, signer wallet.Signer, opts ...Option) (*Adapter, *racetest.Chain, *token) {
	t.Helper()
	c := racetest.NewChain()
	tk := install(c)
	return New(c, signer, raceAddr, tokenAddr, append([]Option{WithGasMultiplier(1.5)}, opts...)...), c, tk
}

func newSigner(t *testing.T) *wallet.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet.NewKeySigner(key)
}

func TestReads(t *testing.T) {
	signer := newSigner(t)
	a, c, tk := newAdapter(t, signer)
	ctx := context.Background()

	methods := Race().Methods
	c.OnCall(methods["baseFeeAmount"], func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1e15)}, nil
	})
	c.OnCall(methods["getGameStats"], func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return []interface{}{
			big.NewInt(120), big.NewInt(480), big.NewInt(9_000),
			[4]*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4)},
		}, nil
	})
	tk.balances[signer.Address()] = big.NewInt(50_000_000_000)

	fee, err := a.BaseFeeAmount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1e15), fee.Int64())

	stats, err := a.GameStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(120), stats.TotalRaces.Int64())
	require.Equal(t, int64(480), stats.TotalTickets.Int64())
	require.Equal(t, int64(9_000), stats.JackpotAmount.Int64())
	require.Equal(t, int64(4), stats.JackpotNumbers[3].Int64())

	bal, err := a.BalanceOf(ctx, signer.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(50_000_000_000), bal.Uint64())

	allowance, err := a.Allowance(ctx, signer.Address(), raceAddr)
	require.NoError(t, err)
	require.True(t, allowance.IsZero())
}

func TestReadErrors(t *testing.T) {
	a, _, _ := newAdapter(t, nil)

	_, err := a.GameStats(context.Background())
	var rpcErr *chain.RPCError
	require.True(t, errors.As(err, &rpcErr), "unrouted call reverts")

	short := New(shortResult{racetest.NewChain()}, nil, raceAddr, tokenAddr)
	_, err = short.BaseFeeAmount(context.Background())
	require.ErrorIs(t, err, ErrUnexpectedResult)
}

type shortResult struct{ *racetest.Chain }

func (shortResult) Call(context.Context, ethereum.CallMsg) ([]byte, error) {
	return []byte{0x01}, nil
}

func TestApproveUpdatesAllowance(t *testing.T) {
	signer := newSigner(t)
	a, c, _ := newAdapter(t, signer)
	ctx := context.Background()
	amount := uint256.NewInt(10_000_000_000)

	tx, err := a.Approve(ctx, amount)
	require.NoError(t, err)
	require.Equal(t, "approve", tx.Method)
	require.Equal(t, tokenAddr, tx.To)
	require.Equal(t, signer.Address(), tx.From)

	sent := c.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, tx.Hash, sent[0].Hash())
	require.Equal(t, uint64(150_000), sent[0].Gas())

	allowance, err := a.Allowance(ctx, signer.Address(), raceAddr)
	require.NoError(t, err)
	require.Equal(t, race.Approved, race.ApprovalFor(allowance, race.Wager{HorseID: 3, Amount: amount}))
}

func TestPlaceBetAndRace(t *testing.T) {
	signer := newSigner(t)
	a, c, _ := newAdapter(t, signer)
	ctx := context.Background()

	w, err := race.NewWager(3, uint256.NewInt(10_000_000_000))
	require.NoError(t, err)
	fee := big.NewInt(1e15)

	first, err := a.PlaceBetAndRace(ctx, w, fee)
	require.NoError(t, err)
	second, err := a.PlaceBetAndRace(ctx, w, fee)
	require.NoError(t, err)
	require.Equal(t, uint64(0), first.Nonce)
	require.Equal(t, uint64(1), second.Nonce)

	tx := c.Sent()[0]
	require.Equal(t, raceAddr, *tx.To())
	require.Zero(t, fee.Cmp(tx.Value()))

	args, err := Race().Methods["placeBetAndRace"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, int64(3), args[0].(*big.Int).Int64())
	require.Equal(t, int64(10_000_000_000), args[1].(*big.Int).Int64())

	oneBased, c1, _ := newAdapter(t, signer, WithHorseBase(1))
	_, err = oneBased.PlaceBetAndRace(ctx, w, fee)
	require.NoError(t, err)
	args, err = Race().Methods["placeBetAndRace"].Inputs.Unpack(c1.Sent()[0].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, int64(4), args[0].(*big.Int).Int64(), "horse 3 is id 4 with base 1")
}

func TestWritesNeedConsentAndSigner(t *testing.T) {
	w, err := race.NewWager(0, uint256.NewInt(1))
	require.NoError(t, err)

	readOnly, _, _ := newAdapter(t, nil)
	_, err = readOnly.PlaceBetAndRace(context.Background(), w, big.NewInt(1))
	require.ErrorIs(t, err, ErrNoSigner)

	declining := wallet.WithConfirmation(newSigner(t), func(context.Context, *types.Transaction) (bool, error) {
		return false, nil
	})
	a, c, _ := newAdapter(t, declining)
	_, err = a.Approve(context.Background(), uint256.NewInt(1))
	require.ErrorIs(t, err, wallet.ErrRejected)
	require.Empty(t, c.Sent())
}

func TestRaceLogsAndDecode(t *testing.T) {
	a, c, _ := newAdapter(t, nil)
	player := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	txHash := common.HexToHash("0x01")

	ours := racetest.RaceLog(raceAddr, txHash, 10, 1, racetest.Race{
		RaceID: 77, Player: player, Horse: 3, Winners: [3]int64{3, 0, 15}, Payout: 20_000_000_000, Won: true,
	})
	foreign := racetest.RaceLog(common.HexToAddress("0xdead"), txHash, 10, 2, racetest.Race{
		RaceID: 1, Player: player, Horse: 1, Winners: [3]int64{1, 2, 3},
	})
	transfer := racetest.TransferLog(tokenAddr, txHash, 10, 0, player, raceAddr, 5)
	c.AddLogs(transfer, ours, foreign)

	logs, err := a.RaceLogs(context.Background(), 0, 20)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, ours.Key(), logs[0].Key())

	ev, err := a.DecodeRaceExecuted(logs[0])
	require.NoError(t, err)
	require.Equal(t, player, ev.Player)
	require.Equal(t, int64(77), ev.RaceId.Int64())

	out, err := a.Outcome(ev)
	require.NoError(t, err)
	require.Equal(t, 3, out.HorseID)
	require.Equal(t, [race.Podium]int{3, 0, 15}, out.Winners)
	require.True(t, out.Won)
	require.Equal(t, txHash, out.TxHash)
	require.Equal(t, uint64(10), out.BlockNumber)

	_, err = a.DecodeRaceExecuted(transfer)
	require.ErrorIs(t, err, decoder.ErrDecodeMismatch)

	oneBased, _, _ := newAdapter(t, nil, WithHorseBase(1))
	shifted := racetest.RaceLog(raceAddr, txHash, 10, 3, racetest.Race{
		RaceID: 78, Player: player, Horse: 4, Winners: [3]int64{4, 1, 16},
	})
	ev, err = oneBased.DecodeRaceExecuted(shifted)
	require.NoError(t, err)
	out, err = oneBased.Outcome(ev)
	require.NoError(t, err)
	require.Equal(t, 3, out.HorseID)
	require.Equal(t, [race.Podium]int{3, 0, 15}, out.Winners)
}

func TestRaceTopicMatchesSignature(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("RaceExecuted(uint256,address,uint256,uint256[3],uint256,bool)"))
	require.Equal(t, want, RaceExecutedID)

	a, _, _ := newAdapter(t, nil)
	require.Equal(t, RaceExecutedID, a.RaceTopic())
	require.Equal(t, 0, a.HorseBase())
}

const flatRaceEvent = "RaceExecuted(uint256 indexed raceId, address player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)"

// flatRaceLog is a RaceExecuted log of a deployment that does not index player.
func flatRaceLog(t *testing.T, player common.Address) event.Log {
	t.Helper()
	parsed, err := abiutil.ParseEventSignature(flatRaceEvent)
	require.NoError(t, err)
	ev, err := parsed.ABIEvent()
	require.NoError(t, err)
	data, err := ev.Inputs.NonIndexed().Pack(
		player,
		big.NewInt(5),
		[3]*big.Int{big.NewInt(5), big.NewInt(7), big.NewInt(2)},
		big.NewInt(40_000),
		true,
	)
	require.NoError(t, err)
	return event.Log{
		Address:     raceAddr,
		Topics:      []common.Hash{parsed.Topic(), common.BigToHash(big.NewInt(9))},
		Data:        data,
		BlockNumber: 11,
		TxHash:      common.HexToHash("0x0f"),
	}
}

func TestRaceEventOverride(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	lg := flatRaceLog(t, player)

	plain, _, _ := newAdapter(t, nil)
	_, err := plain.DecodeRaceExecuted(lg)
	require.ErrorIs(t, err, decoder.ErrDecodeMismatch)

	a, _, _ := newAdapter(t, nil, WithRaceEvent(flatRaceEvent))
	require.Equal(t, RaceExecutedID, a.RaceTopic())
	ev, err := a.DecodeRaceExecuted(lg)
	require.NoError(t, err)
	require.Equal(t, player, ev.Player)
	require.Equal(t, int64(9), ev.RaceId.Int64())

	out, err := a.Outcome(ev)
	require.NoError(t, err)
	require.Equal(t, [race.Podium]int{5, 7, 2}, out.Winners)
	require.True(t, out.Won)

	bad, _, _ := newAdapter(t, nil, WithRaceEvent("Transfer(address,address,uint256)"))
	require.Equal(t, RaceExecutedID, bad.RaceTopic())
	_, err = bad.DecodeRaceExecuted(racetest.RaceLog(raceAddr, lg.TxHash, 11, 0, racetest.Race{
		RaceID: 1, Player: player, Horse: 1, Winners: [3]int64{1, 2, 3},
	}))
	require.NoError(t, err)
}

func TestCheckRaceEvent(t *testing.T) {
	require.NoError(t, CheckRaceEvent(RaceExecutedSignature))
	require.NoError(t, CheckRaceEvent(flatRaceEvent))
	require.Error(t, CheckRaceEvent("Transfer(address,address,uint256)"))
	require.Error(t, CheckRaceEvent("RaceExecuted(notatype x)"))
	require.Error(t, CheckRaceEvent("RaceExecuted"))
}

func TestOutcomeRejectsMalformedWinners(t *testing.T) {
	a, _, _ := newAdapter(t, nil)
	lg := racetest.RaceLog(raceAddr, common.HexToHash("0x02"), 3, 0, racetest.Race{
		RaceID: 5, Horse: 2, Winners: [3]int64{2, 2, 9},
	})
	ev, err := a.DecodeRaceExecuted(lg)
	require.NoError(t, err)

	_, err = a.Outcome(ev)
	require.ErrorIs(t, err, race.ErrMalformedWinners)
}
