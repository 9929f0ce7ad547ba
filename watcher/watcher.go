// Package watcher scans the race contract for RaceExecuted logs.
package watcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/filter"
	"github.com/hedeqiang/derby/middleware"
	"github.com/hedeqiang/derby/retry"
)

// Watcher monitors a chain for event logs.
type Watcher interface {
	// Watch begins monitoring for events. Blocks until ctx is cancelled,
	// Stop is called or the scan is complete. Returns nil on graceful stop.
	Watch(ctx context.Context) error

	// Stop gracefully shuts down the watcher.
	Stop() error

	// OnEvent registers a callback invoked for each received event log.
	OnEvent(fn func(event.Log))

	// OnError registers a callback invoked when an error occurs.
	OnError(fn func(error))
}

// Cursor tracks the last delivered block per chain. store.Store implements it.
type Cursor interface {
	Load(chainID string) (uint64, error)
	Save(chainID string, block uint64) error
}

// Option configures a Poller or a Replay.
type Option func(*pipeline)

// WithMiddleware runs every log through mws before it reaches OnEvent.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(p *pipeline) {
		p.handler = middleware.Chain(middleware.Pass, mws...)
	}
}

// WithRetry applies s to every node call. By default each call is tried once.
func WithRetry(s retry.Strategy) Option {
	return func(p *pipeline) {
		p.strategy = s
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *pipeline) {
		p.logger = l
	}
}

// pipeline holds the callbacks and lifecycle shared by every watcher.
type pipeline struct {
	handler  middleware.Handler
	strategy retry.Strategy
	logger   *zap.Logger

	mu      sync.Mutex
	onEvent func(event.Log)
	onError func(error)
	cancel  context.CancelFunc
	stopped chan struct{}
}

func (p *pipeline) init(opts []Option) {
	p.handler = middleware.Pass
	p.strategy = retry.Every(0, 1)
	p.logger = zap.NewNop()
	p.stopped = make(chan struct{})
	for _, opt := range opts {
		opt(p)
	}
}

// fetch runs FetchLogs under the retry strategy.
func (p *pipeline) fetch(ctx context.Context, c chain.Chain, q filter.Query) ([]event.Log, error) {
	var logs []event.Log
	err := retry.Do(ctx, p.strategy, func(ctx context.Context) error {
		var err error
		logs, err = c.FetchLogs(ctx, q)
		return err
	})
	return logs, err
}

// OnEvent registers a callback for received events.
func (p *pipeline) OnEvent(fn func(event.Log)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = fn
}

// OnError registers a callback for errors.
func (p *pipeline) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// begin derives the watch context and records its cancel func for Stop.
func (p *pipeline) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	return ctx, cancel
}

// Stop cancels a running Watch and waits for it to return.
func (p *pipeline) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.stopped
	}
	return nil
}

// deliver passes canonical logs through the middleware chain to OnEvent.
func (p *pipeline) deliver(logs []event.Log) {
	p.mu.Lock()
	fn := p.onEvent
	p.mu.Unlock()

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		out, keep := p.handler(lg)
		if keep && fn != nil {
			fn(out)
		}
	}
}

func (p *pipeline) emitError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	} else {
		p.logger.Warn("watcher error", zap.Error(err))
	}
}
