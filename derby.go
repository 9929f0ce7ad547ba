// Package derby is a client for an on-chain horse-racing betting contract.
//
// Usage:
//
//	cfg, _ := derby.LoadConfig("derby.yaml")
//	d, _ := derby.New(cfg, derby.WithSigner(signer))
//	defer d.Shutdown(context.Background())
//
//	m := d.Session()
//	m.SelectHorse(3)
//	m.SelectBet(uint256.NewInt(10_000_000_000))
//	m.Approve(ctx)
//	outcome, err := m.Race(ctx)
package derby

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/chain/ethereum"
	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/internal/syncutil"
	"github.com/hedeqiang/derby/metrics"
	"github.com/hedeqiang/derby/middleware"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/retry"
	"github.com/hedeqiang/derby/schedule"
	"github.com/hedeqiang/derby/session"
	"github.com/hedeqiang/derby/settlement"
	"github.com/hedeqiang/derby/store"
	"github.com/hedeqiang/derby/subscriber"
	"github.com/hedeqiang/derby/transport"
	"github.com/hedeqiang/derby/wallet"
	"github.com/hedeqiang/derby/watcher"
)

// Derby wires the chain client, settlement, session and race feed of one network.
type Derby struct {
	config      Config
	network     NetworkConfig
	networks    *chain.Registry
	chain       chain.Chain
	breaker     *retry.CircuitBreaker
	signer      wallet.Signer
	store       store.Store
	adapter     *contract.Adapter
	reconciler  *settlement.Reconciler
	session     *session.Machine
	countdown   *schedule.Countdown
	logger      *zap.Logger
	registry    *prometheus.Registry
	metrics     *metrics.Collectors
	middlewares []middleware.Middleware
	group       *syncutil.Group

	mu       sync.Mutex
	feed     *watcher.Feed
	shutdown bool
	stopHTTP func(context.Context) error
}

// New validates cfg and builds a client for the selected network.
func New(cfg Config, opts ...Option) (*Derby, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	network, err := cfg.Selected()
	if err != nil {
		return nil, err
	}

	d := &Derby{
		config:   cfg,
		network:  network,
		networks: chain.NewRegistry(),
		logger:   zap.NewNop(),
		group:    syncutil.NewGroup(context.Background()),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = prometheus.NewRegistry()
	}
	d.metrics = metrics.New(d.registry)
	d.logger = d.logger.With(zap.String("chain", network.Name))

	if d.chain == nil {
		d.chain = d.dial()
	}
	if err := d.networks.Register(d.chain); err != nil {
		return nil, err
	}

	if d.store == nil {
		s, err := store.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
		d.store = s
	}

	d.adapter = contract.New(d.chain, d.signer,
		common.HexToAddress(network.RaceContract),
		common.HexToAddress(network.TokenContract),
		contract.WithGasMultiplier(cfg.GasMultiplier),
		contract.WithHorseBase(network.HorseBase),
		contract.WithRaceEvent(network.RaceEvent),
		contract.WithLogger(d.logger.Named("contract")),
	)
	d.reconciler = settlement.NewReconciler(d.adapter, settlement.NewProcessedSet(d.store), cfg.Settlement.reconciler(),
		settlement.WithLogger(d.logger.Named("settlement")),
		settlement.WithMetrics(d.metrics),
	)
	d.session = session.New(d.adapter, d.reconciler, cfg.Session.machine(),
		session.WithLogger(d.logger.Named("session")),
		session.WithMetrics(d.metrics),
	)
	if d.countdown, err = schedule.NewCountdown(d.store, cfg.RaceHourUTC); err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.Serve(cfg.MetricsAddr, d.registry, d.health)
		d.stopHTTP = srv.Shutdown
		d.logger.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))
	}
	return d, nil
}

// dial builds the JSON-RPC client of the selected network.
func (d *Derby) dial() chain.Chain {
	n := d.network
	var t transport.Transport
	if strings.HasPrefix(n.RPCURL, "ws://") || strings.HasPrefix(n.RPCURL, "wss://") {
		t = transport.NewWebSocket(n.RPCURL)
	} else {
		var topts []transport.HTTPOption
		if n.RateLimit > 0 {
			burst := int(n.RateLimit)
			if burst < 1 {
				burst = 1
			}
			topts = append(topts, transport.WithRateLimit(n.RateLimit, burst))
		}
		for k, v := range n.Headers {
			topts = append(topts, transport.WithHeader(k, v))
		}
		t = transport.NewHTTP(n.RPCURL, topts...)
	}

	d.breaker = retry.NewCircuitBreaker(d.config.Breaker.Threshold, d.config.Breaker.ResetTimeout)
	d.breaker.OnStateChange(func(from, to retry.State) {
		d.metrics.BreakerState.Set(float64(to))
		d.logger.Warn("rpc circuit breaker",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})
	opts := []ethereum.Option{ethereum.WithCircuitBreaker(d.breaker)}
	if n.ChainID > 0 {
		opts = append(opts, ethereum.WithChainID(big.NewInt(n.ChainID)))
	}
	return ethereum.NewWithTransport(n.Name, t, opts...)
}

// health fails while the circuit breaker is open or the node does not answer.
func (d *Derby) health(ctx context.Context) error {
	if d.breaker != nil && d.breaker.CurrentState() == retry.Open {
		return retry.ErrCircuitOpen
	}
	_, err := d.chain.LatestBlock(ctx)
	return err
}

// Config returns the configuration the client was built with.
func (d *Derby) Config() Config { return d.config }

// Network returns the selected network.
func (d *Derby) Network() NetworkConfig { return d.network }

// Chain returns the network client.
func (d *Derby) Chain() chain.Chain { return d.chain }

// Adapter returns the contract adapter.
func (d *Derby) Adapter() *contract.Adapter { return d.adapter }

// Reconciler returns the settlement reconciler.
func (d *Derby) Reconciler() *settlement.Reconciler { return d.reconciler }

// Session returns the betting session of the configured wallet.
func (d *Derby) Session() *session.Machine { return d.session }

// Store returns the persistence backend.
func (d *Derby) Store() store.Store { return d.store }

// Countdown returns the daily race countdown.
func (d *Derby) Countdown() *schedule.Countdown { return d.countdown }

// Registry returns the metrics registry.
func (d *Derby) Registry() *prometheus.Registry { return d.registry }

func (d *Derby) feedMiddleware() []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.NewMetrics(d.metrics.FeedEvents),
		middleware.NewLogger(d.logger.Named("feed")),
		middleware.Match(d.adapter.RaceQuery()),
		middleware.NewDedupe(4096),
	}
	return append(mws, d.middlewares...)
}

// Watch starts the live race feed in the background and calls onOutcome for
// every confirmed race. Progress is kept in the store, so a restarted feed
// resumes where it stopped. Only one feed may run at a time.
func (d *Derby) Watch(onOutcome func(race.Outcome), opts ...watcher.FeedOption) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	if d.feed != nil {
		return ErrAlreadyWatching
	}

	p := watcher.NewPoller(d.chain, d.adapter.RaceQuery(), d.store, d.config.Feed.poller(d.network.StartBlock),
		watcher.WithMiddleware(d.feedMiddleware()...),
		watcher.WithRetry(d.config.Feed.backoff()),
		watcher.WithLogger(d.logger.Named("poller")),
	)
	feed := watcher.NewFeed(p, d.adapter, d.feedOptions(opts)...)
	feed.Subscribe(subscriber.NewCallback(onOutcome))
	d.feed = feed

	d.group.Go(func(ctx context.Context) error {
		if err := feed.Run(ctx); err != nil {
			d.logger.Error("race feed stopped", zap.Error(err))
			return err
		}
		return nil
	})
	return nil
}

func (d *Derby) feedOptions(extra []watcher.FeedOption) []watcher.FeedOption {
	opts := []watcher.FeedOption{
		watcher.WithStore(d.store),
		watcher.WithFeedLogger(d.logger.Named("feed")),
		watcher.WithFeedMetrics(d.metrics),
	}
	return append(opts, extra...)
}

// History replays the races settled in [from, to] and calls onOutcome for each,
// oldest first. Replayed outcomes are recorded in the store.
func (d *Derby) History(ctx context.Context, from, to uint64, onOutcome func(race.Outcome), opts ...watcher.FeedOption) error {
	if from > to {
		return fmt.Errorf("%w: history range [%d, %d]", ErrInvalidConfig, from, to)
	}
	q := d.adapter.RaceQuery()
	q.FromBlock, q.ToBlock = &from, &to

	r := watcher.NewReplay(d.chain, q, d.config.Feed.BatchSize,
		watcher.WithMiddleware(d.feedMiddleware()...),
		watcher.WithRetry(d.config.Feed.backoff()),
		watcher.WithLogger(d.logger.Named("replay")),
	)
	feed := watcher.NewFeed(r, d.adapter, d.feedOptions(opts)...)
	feed.Subscribe(subscriber.NewCallback(onOutcome))
	return feed.Run(ctx)
}

// Recent returns the latest stored outcomes of the configured wallet, newest first.
func (d *Derby) Recent(ctx context.Context, limit int) ([]*race.Outcome, error) {
	player := d.adapter.Player()
	if player == (common.Address{}) {
		return nil, contract.ErrNoSigner
	}
	return d.store.RecentOutcomes(ctx, player, limit)
}

// Shutdown stops the race feed, the session and the metrics server, then
// closes the store and the network client.
func (d *Derby) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	var errs []error
	if err := d.group.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.session.Close()
	if d.stopHTTP != nil {
		if err := d.stopHTTP(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.networks.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
