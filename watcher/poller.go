package watcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/filter"
	"github.com/hedeqiang/derby/retry"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Interval between polling cycles.
	Interval time.Duration

	// BatchSize is the maximum number of blocks to query per request.
	BatchSize uint64

	// Confirmations is the number of blocks to wait for finality.
	Confirmations uint64

	// StartBlock is where scanning starts when the cursor is empty.
	// Zero starts at the confirmed head.
	StartBlock uint64
}

// DefaultPollerConfig returns sensible defaults for polling.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:      4 * time.Second,
		BatchSize:     2000,
		Confirmations: 2,
	}
}

// Poller monitors a chain by periodically fetching logs in confirmed block ranges.
// Progress is saved to the cursor after every batch, so a restart resumes where
// the previous run stopped.
type Poller struct {
	pipeline

	chain  chain.Chain
	query  filter.Query
	cursor Cursor
	config PollerConfig
}

var _ Watcher = (*Poller)(nil)

// NewPoller creates a polling watcher for the given chain.
func NewPoller(c chain.Chain, query filter.Query, cur Cursor, cfg PollerConfig, opts ...Option) *Poller {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	p := &Poller{
		chain:  c,
		query:  query,
		cursor: cur,
		config: cfg,
	}
	p.init(opts)
	return p
}

// Watch begins polling. Blocks until ctx ends or Stop is called.
func (p *Poller) Watch(ctx context.Context) error {
	ctx, cancel := p.begin(ctx)
	defer close(p.stopped)
	defer cancel()

	fromBlock, err := p.startBlock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	p.logger.Info("polling race logs",
		zap.String("chain", p.chain.ID()),
		zap.Uint64("from", fromBlock),
		zap.Uint64("confirmations", p.config.Confirmations))

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	// first cycle runs immediately
	if err := p.poll(ctx, &fromBlock); err != nil {
		p.emitError(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.poll(ctx, &fromBlock); err != nil {
				p.emitError(err)
			}
		}
	}
}

func (p *Poller) startBlock(ctx context.Context) (uint64, error) {
	lastBlock, err := p.cursor.Load(p.chain.ID())
	if err != nil {
		return 0, fmt.Errorf("poller: load cursor: %w", err)
	}
	if lastBlock > 0 {
		return lastBlock + 1, nil
	}
	if p.config.StartBlock > 0 {
		return p.config.StartBlock, nil
	}

	latest, err := p.latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("poller: get latest block: %w", err)
	}
	if latest > p.config.Confirmations {
		return latest - p.config.Confirmations, nil
	}
	return 0, nil
}

func (p *Poller) latest(ctx context.Context) (uint64, error) {
	var latest uint64
	err := retry.Do(ctx, p.strategy, func(ctx context.Context) error {
		var err error
		latest, err = p.chain.LatestBlock(ctx)
		return err
	})
	return latest, err
}

// poll scans every confirmed block from fromBlock in BatchSize steps.
func (p *Poller) poll(ctx context.Context, fromBlock *uint64) error {
	latest, err := p.latest(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	if latest <= p.config.Confirmations {
		return nil
	}
	safeBlock := latest - p.config.Confirmations

	for from, to := range spans(*fromBlock, safeBlock, p.config.BatchSize) {
		if ctx.Err() != nil {
			return nil
		}
		logs, err := p.fetch(ctx, p.chain, window(p.query, from, to))
		if err != nil {
			return fmt.Errorf("fetch logs [%d, %d]: %w", from, to, err)
		}
		p.deliver(logs)
		if err := p.cursor.Save(p.chain.ID(), to); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		*fromBlock = to + 1
	}
	return nil
}
