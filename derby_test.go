package derby

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/internal/racetest"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/session"
	"github.com/hedeqiang/derby/store"
	"github.com/hedeqiang/derby/wallet"
)

type outcomes struct {
	mu  sync.Mutex
	got []race.Outcome
}

func (o *outcomes) add(out race.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, out)
}

func (o *outcomes) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got)
}

func raceLog(block uint64, player common.Address, horse int64, won bool) event.Log {
	return racetest.RaceLog(common.HexToAddress(raceHex), common.BigToHash(new(big.Int).SetUint64(block)), block, 0, racetest.Race{
		RaceID:  int64(block),
		Player:  player,
		Horse:   horse,
		Winners: [3]int64{2, 5, 9},
		Won:     won,
	})
}

func newDerby(t *testing.T, cfg Config, opts ...Option) (*Derby, *racetest.Chain) {
	t.Helper()
	c := racetest.NewChain()
	d, err := New(cfg, append([]Option{WithChain(c), WithStore(store.NewMemory())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d, c
}

func newSigner(t *testing.T) *wallet.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet.NewKeySigner(key)
}

func TestNewWiresComponents(t *testing.T) {
	d, c := newDerby(t, validConfig())

	require.Same(t, c, d.Chain())
	require.Equal(t, "local", d.Network().Name)
	require.Equal(t, common.HexToAddress(raceHex), d.Adapter().ContractAddress())
	require.Equal(t, 0, d.Adapter().HorseBase())
	require.Equal(t, contract.RaceExecutedID, d.Adapter().RaceTopic())
	require.NotNil(t, d.Reconciler())
	require.Equal(t, session.Idle, d.Session().Snapshot().State)

	next, err := d.Countdown().Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, next.Hour())
	require.True(t, next.After(time.Now()))

	_, err = New(Config{})
	require.ErrorIs(t, err, ErrNetworkNotConfigured)
}

func TestHistoryRecordsOutcomes(t *testing.T) {
	signer := newSigner(t)
	reg := prometheus.NewRegistry()
	d, c := newDerby(t, validConfig(), WithSigner(signer), WithRegistry(reg))
	other := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	c.SetHead(30)
	c.AddLogs(
		raceLog(4, signer.Address(), 3, true),
		raceLog(9, other, 6, false),
		raceLog(12, signer.Address(), 10, false),
	)

	var got outcomes
	require.NoError(t, d.History(context.Background(), 0, 10, got.add))
	require.Equal(t, 2, got.len())
	require.Equal(t, 3, got.got[0].HorseID)
	require.Equal(t, [race.Podium]int{2, 5, 9}, got.got[0].Winners)

	require.NoError(t, d.History(context.Background(), 11, 20, got.add))
	require.Equal(t, 3, got.len())
	require.Equal(t, 3.0, testutil.ToFloat64(d.metrics.FeedEvents.WithLabelValues("stored")))

	recent, err := d.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, uint64(12), recent[0].BlockNumber)

	err = d.History(context.Background(), 20, 10, got.add)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSessionRacesWithoutRefresh(t *testing.T) {
	signer := newSigner(t)
	cfg := validConfig()
	cfg.Settlement.PollInterval = 10 * time.Millisecond
	d, c := newDerby(t, cfg, WithSigner(signer))
	raceAddr := common.HexToAddress(raceHex)

	c.OnCall(contract.Token().Methods["allowance"], func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return []interface{}{new(big.Int).Lsh(big.NewInt(1), 128)}, nil
	})
	c.OnCall(contract.Race().Methods["baseFeeAmount"], func(ethereum.CallMsg, []interface{}) ([]interface{}, error) {
		return []interface{}{big.NewInt(1e15)}, nil
	})
	c.OnSend(func(tx *types.Transaction) {
		if *tx.To() != raceAddr {
			return
		}
		l := racetest.RaceLog(raceAddr, tx.Hash(), 40, 0, racetest.Race{
			RaceID:  40,
			Player:  signer.Address(),
			Horse:   3,
			Winners: [3]int64{3, 0, 9},
			Payout:  5000,
			Won:     true,
		})
		c.SetReceipt(racetest.Receipt(tx.Hash(), 1, 40, l), 1)
	})

	m := d.Session()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.SelectHorse(3))
	require.NoError(t, m.SelectBet(uint256.NewInt(10_000_000_000)))
	require.NoError(t, m.Approve(ctx))
	require.Equal(t, session.Approved, m.Snapshot().State)

	outcome, err := m.Race(ctx)
	require.NoError(t, err)
	require.True(t, outcome.Won)
	require.Equal(t, 3, outcome.HorseID)
	require.Equal(t, [race.Podium]int{3, 0, 9}, outcome.Winners)

	sent := c.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, raceAddr, *sent[0].To())
	require.Equal(t, int64(1e15), sent[0].Value().Int64())
	require.Equal(t, int64(1e15), m.Snapshot().BaseFee.Int64())
}

func TestRecentNeedsSigner(t *testing.T) {
	d, _ := newDerby(t, validConfig())
	_, err := d.Recent(context.Background(), 5)
	require.ErrorIs(t, err, contract.ErrNoSigner)
}

func TestWatchDeliversLiveRaces(t *testing.T) {
	cfg := validConfig()
	cfg.Networks[0].StartBlock = 1
	cfg.Feed.Interval = 10 * time.Millisecond
	cfg.Feed.Confirmations = 2
	d, c := newDerby(t, cfg)
	player := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	c.SetHead(10)
	c.AddLogs(raceLog(3, player, 1, false), raceLog(7, player, 2, true))

	var got outcomes
	require.NoError(t, d.Watch(got.add))
	require.ErrorIs(t, d.Watch(got.add), ErrAlreadyWatching)
	require.Eventually(t, func() bool { return got.len() == 2 }, 2*time.Second, 5*time.Millisecond)

	// block 9 is not confirmed until the head reaches 11
	c.AddLogs(raceLog(9, player, 3, false))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, got.len())
	c.SetHead(11)
	require.Eventually(t, func() bool { return got.len() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))
	require.ErrorIs(t, d.Watch(got.add), ErrShutdown)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDialedChainTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := validConfig()
	cfg.Networks[0].RPCURL = srv.URL
	cfg.Networks[0].RateLimit = 100
	cfg.Breaker = BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}
	d, err := New(cfg, WithStore(store.NewMemory()))
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := d.Chain().LatestBlock(ctx)
		require.Error(t, err)
	}
	_, err = d.Chain().LatestBlock(ctx)
	require.ErrorIs(t, err, retry.ErrCircuitOpen)
	require.Equal(t, 1.0, testutil.ToFloat64(d.metrics.BreakerState))
	require.ErrorIs(t, d.health(ctx), retry.ErrCircuitOpen)
}
