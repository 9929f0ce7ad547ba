// Package settlement turns a submitted race transaction into its on-chain outcome.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/decoder"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
	"github.com/hedeqiang/derby/metrics"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/retry"
)

// Source is the chain access the reconciler needs. *contract.Adapter implements it.
type Source interface {
	ContractAddress() common.Address
	TransactionReceipt(ctx context.Context, hash common.Hash) (*event.Receipt, error)
	RaceLogs(ctx context.Context, from, to uint64) ([]event.Log, error)
	DecodeRaceExecuted(lg event.Log) (*contract.RaceExecuted, error)
	Outcome(ev *contract.RaceExecuted) (*race.Outcome, error)
}

var _ Source = (*contract.Adapter)(nil)

// Config bounds the polling done per transaction.
type Config struct {
	// PollInterval is the delay between receipt lookups.
	PollInterval time.Duration

	// MaxAttempts is the total number of receipt lookups before ReceiptTimeout.
	MaxAttempts int

	// LogLagAttempts bounds the eth_getLogs retries when a mined receipt carries
	// no contract log yet. Zero disables the fallback.
	LogLagAttempts int

	// LogLagInterval is the delay between eth_getLogs retries.
	LogLagInterval time.Duration

	// VerifyPlayer skips RaceExecuted logs whose player is not the submitter.
	VerifyPlayer bool
}

// DefaultConfig returns the polling budget used by the web client: 30 lookups 500ms apart.
func DefaultConfig() Config {
	return Config{
		PollInterval:   500 * time.Millisecond,
		MaxAttempts:    30,
		LogLagAttempts: 3,
		LogLagInterval: time.Second,
		VerifyPlayer:   true,
	}
}

// Reconciler settles race transactions at most once per hash.
type Reconciler struct {
	source    Source
	processed *ProcessedSet
	cfg       Config
	inflight  singleflight.Group
	logger    *zap.Logger
	metrics   *metrics.Collectors
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithMetrics records reconciliation results into m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// NewReconciler creates a reconciler reading from source and remembering outcomes in processed.
func NewReconciler(source Source, processed *ProcessedSet, cfg Config, opts ...Option) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	r := &Reconciler{
		source:    source,
		processed: processed,
		cfg:       cfg,
		logger:    zap.NewNop(),
		metrics:   metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile returns the outcome of sub's transaction.
//
// A hash settled before returns the stored outcome without touching the chain.
// Concurrent calls for one hash share a single reconciliation run. The run is
// detached from any caller's cancellation and bounded by the polling budget,
// while each caller stops waiting when its own ctx is done. Failures are
// returned as *Error and are not remembered, so a later call retries from scratch.
func (r *Reconciler) Reconcile(ctx context.Context, sub race.Submission) (*race.Outcome, error) {
	ch := r.inflight.DoChan(sub.TxHash.Hex(), func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.budget())
		defer cancel()
		return r.reconcile(runCtx, sub)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*race.Outcome), nil
	}
}

// budget is twice the configured receipt and log polling time, leaving room
// for slow RPC round trips.
func (r *Reconciler) budget() time.Duration {
	d := time.Duration(r.cfg.MaxAttempts)*r.cfg.PollInterval +
		time.Duration(r.cfg.LogLagAttempts)*r.cfg.LogLagInterval
	return 2*d + time.Second
}

func (r *Reconciler) reconcile(ctx context.Context, sub race.Submission) (*race.Outcome, error) {
	log := r.logger.With(zap.String("tx", sub.TxHash.Hex()))

	if o, ok, err := r.processed.Lookup(ctx, sub.TxHash); err != nil {
		return nil, err
	} else if ok {
		r.metrics.Reconciliations.WithLabelValues("cached").Inc()
		log.Debug("outcome already settled")
		return o, nil
	}

	receipt, err := r.awaitReceipt(ctx, sub.TxHash, log)
	if err != nil {
		return nil, r.fail(log, err)
	}

	if !receipt.Succeeded() {
		return nil, r.fail(log, &Error{Kind: TransactionReverted, TxHash: sub.TxHash,
			Err: fmt.Errorf("status %d in block %d", receipt.Status, receipt.BlockNumber)})
	}

	logs, err := r.contractLogs(ctx, receipt, log)
	if err != nil {
		return nil, r.fail(log, err)
	}

	outcome, err := r.scan(sub, logs)
	if err != nil {
		return nil, r.fail(log, err)
	}

	stored, inserted, err := r.processed.Add(ctx, outcome)
	if err != nil {
		return nil, err
	}
	if inserted {
		result := "lost"
		if stored.Won {
			result = "won"
		}
		r.metrics.Reconciliations.WithLabelValues(result).Inc()
		log.Info("race settled",
			zap.String("race", stored.RaceID.String()),
			zap.Int("horse", stored.HorseID),
			zap.Ints("winners", stored.Winners[:]),
			zap.Bool("won", stored.Won),
		)
	}
	return stored, nil
}

// awaitReceipt polls for the receipt. Not-yet-mined and node errors are retried;
// running out of attempts is a ReceiptTimeout.
func (r *Reconciler) awaitReceipt(ctx context.Context, hash common.Hash, log *zap.Logger) (*event.Receipt, error) {
	var receipt *event.Receipt
	var lastErr error

	res, err := retry.Poll(ctx, retry.Every(r.cfg.PollInterval, r.cfg.MaxAttempts), func(ctx context.Context) (retry.Outcome, error) {
		rc, err := r.source.TransactionReceipt(ctx, hash)
		if err == nil {
			receipt = rc
			return retry.Done, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return retry.Done, cerr
		}

		var rpcErr *chain.RPCError
		switch {
		case errors.Is(err, chain.ErrNotYetMined):
		case errors.As(err, &rpcErr):
			r.metrics.RPCErrors.WithLabelValues("receipt").Inc()
			log.Debug("receipt lookup failed", zap.Error(err))
		default:
			return retry.Done, err
		}
		lastErr = err
		return retry.Retry, nil
	})
	r.metrics.ReceiptPolls.Observe(float64(res.Attempts))

	if err != nil {
		return nil, err
	}
	if res.Exhausted {
		return nil, &Error{Kind: ReceiptTimeout, TxHash: hash, Attempts: res.Attempts, Err: lastErr}
	}
	log.Debug("receipt found", zap.Int("attempt", res.Attempts), zap.Uint64("block", receipt.BlockNumber))
	return receipt, nil
}

// contractLogs returns the receipt's logs emitted by the race contract. When the
// receipt has none, eth_getLogs over the receipt's block is retried a few times
// before giving up with NoContractLogs.
func (r *Reconciler) contractLogs(ctx context.Context, receipt *event.Receipt, log *zap.Logger) ([]event.Log, error) {
	logs := filter.Apply(receipt.Logs, filter.AllOf(
		filter.Address(r.source.ContractAddress()),
		filter.Canonical,
	))
	if len(logs) > 0 || r.cfg.LogLagAttempts <= 0 {
		return logs, r.noLogs(receipt, logs, 0, nil)
	}

	var lastErr error
	byTx := filter.AllOf(filter.TxHash(receipt.TxHash), filter.Canonical)
	res, err := retry.Poll(ctx, retry.Every(r.cfg.LogLagInterval, r.cfg.LogLagAttempts), func(ctx context.Context) (retry.Outcome, error) {
		fetched, err := r.source.RaceLogs(ctx, receipt.BlockNumber, receipt.BlockNumber)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return retry.Done, cerr
			}
			r.metrics.RPCErrors.WithLabelValues("logs").Inc()
			lastErr = err
			return retry.Retry, nil
		}
		logs = filter.Apply(fetched, byTx)
		if len(logs) > 0 {
			return retry.Done, nil
		}
		return retry.Retry, nil
	})
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		log.Debug("contract logs recovered from eth_getLogs", zap.Int("attempt", res.Attempts))
	}
	return logs, r.noLogs(receipt, logs, res.Attempts, lastErr)
}

func (r *Reconciler) noLogs(receipt *event.Receipt, logs []event.Log, attempts int, cause error) error {
	if len(logs) > 0 {
		return nil
	}
	if cause == nil {
		cause = fmt.Errorf("receipt has %d logs, none from %s", len(receipt.Logs), r.source.ContractAddress().Hex())
	}
	return &Error{Kind: NoContractLogs, TxHash: receipt.TxHash, Attempts: attempts, Err: cause}
}

// scan decodes logs in order; the first RaceExecuted that decodes wins.
func (r *Reconciler) scan(sub race.Submission, logs []event.Log) (*race.Outcome, error) {
	var lastErr error
	for _, lg := range logs {
		ev, err := r.source.DecodeRaceExecuted(lg)
		if err != nil {
			lastErr = err
			continue
		}
		if r.cfg.VerifyPlayer && sub.Player != (common.Address{}) && ev.Player != sub.Player {
			lastErr = fmt.Errorf("%w: log %d is a race of %s", decoder.ErrDecodeMismatch, lg.LogIndex, ev.Player.Hex())
			continue
		}

		outcome, err := r.source.Outcome(ev)
		if err != nil {
			return nil, &Error{Kind: EventNotFound, TxHash: sub.TxHash, Err: err}
		}
		outcome.TxHash = sub.TxHash
		return outcome, nil
	}
	return nil, &Error{Kind: EventNotFound, TxHash: sub.TxHash, Err: lastErr}
}

func (r *Reconciler) fail(log *zap.Logger, err error) error {
	if kind := KindOf(err); kind != 0 {
		r.metrics.Reconciliations.WithLabelValues(kind.String()).Inc()
		log.Warn("settlement failed", zap.Error(err))
	}
	return err
}
