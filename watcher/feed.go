package watcher

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hedeqiang/derby/contract"
	"github.com/hedeqiang/derby/event"
	"github.com/hedeqiang/derby/metrics"
	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/store"
	"github.com/hedeqiang/derby/subscriber"
)

// Decoder turns RaceExecuted logs into outcomes. *contract.Adapter implements it.
type Decoder interface {
	DecodeRaceExecuted(lg event.Log) (*contract.RaceExecuted, error)
	Outcome(ev *contract.RaceExecuted) (*race.Outcome, error)
}

var _ Decoder = (*contract.Adapter)(nil)

// Feed decodes the logs of a Watcher into race outcomes and fans them out.
// Logs that do not decode are counted and skipped, never reported as losses.
type Feed struct {
	watcher  Watcher
	decoder  Decoder
	outcomes store.Outcomes
	player   common.Address
	logger   *zap.Logger
	metrics  *metrics.Collectors
	subs     *subscriber.Broadcast[race.Outcome]

	ctx context.Context
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithStore records every outcome in o.
func WithStore(o store.Outcomes) FeedOption {
	return func(f *Feed) {
		f.outcomes = o
	}
}

// WithPlayer keeps only the races of player.
func WithPlayer(player common.Address) FeedOption {
	return func(f *Feed) {
		f.player = player
	}
}

// WithFeedLogger sets the feed logger.
func WithFeedLogger(l *zap.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = l
	}
}

// WithFeedMetrics counts feed events into c.
func WithFeedMetrics(c *metrics.Collectors) FeedOption {
	return func(f *Feed) {
		f.metrics = c
	}
}

// NewFeed attaches a feed to w. It takes over w's OnEvent and OnError callbacks.
func NewFeed(w Watcher, dec Decoder, opts ...FeedOption) *Feed {
	f := &Feed{
		watcher: w,
		decoder: dec,
		logger:  zap.NewNop(),
		metrics: metrics.NewNop(),
		subs:    subscriber.NewBroadcast[race.Outcome](),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(f)
	}
	w.OnEvent(f.handle)
	w.OnError(func(err error) {
		f.logger.Warn("race feed", zap.Error(err))
	})
	return f
}

// Subscribe registers sub for every outcome.
func (f *Feed) Subscribe(sub subscriber.Subscriber[race.Outcome]) {
	f.subs.Add(sub)
}

// Unsubscribe removes and closes sub.
func (f *Feed) Unsubscribe(sub subscriber.Subscriber[race.Outcome]) {
	f.subs.Remove(sub)
}

// Run blocks while the watcher runs. Subscribers are closed when it returns.
func (f *Feed) Run(ctx context.Context) error {
	defer f.subs.Close()
	// callbacks run on the watch goroutine
	f.ctx = ctx
	return f.watcher.Watch(ctx)
}

// Stop stops the underlying watcher.
func (f *Feed) Stop() error {
	return f.watcher.Stop()
}

func (f *Feed) handle(lg event.Log) {
	log := f.logger.With(zap.String("tx", lg.TxHash.Hex()), zap.Uint64("block", lg.BlockNumber))

	ev, err := f.decoder.DecodeRaceExecuted(lg)
	if err != nil {
		f.metrics.FeedEvents.WithLabelValues("undecodable").Inc()
		log.Warn("skipping undecodable race log", zap.Error(err))
		return
	}
	if f.player != (common.Address{}) && ev.Player != f.player {
		return
	}
	outcome, err := f.decoder.Outcome(ev)
	if err != nil {
		f.metrics.FeedEvents.WithLabelValues("undecodable").Inc()
		log.Warn("skipping malformed race result", zap.Error(err))
		return
	}

	if f.outcomes != nil {
		_, inserted, err := f.outcomes.SaveOutcome(f.ctx, outcome)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Error("store race outcome", zap.Error(err))
		case inserted:
			f.metrics.FeedEvents.WithLabelValues("stored").Inc()
		}
	}

	log.Debug("race outcome", zap.Stringer("outcome", outcome))
	f.subs.Send(*outcome)
}
