package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/hedeqiang/derby/chain"
	"github.com/hedeqiang/derby/filter"
)

var errUnbounded = errors.New("replay: query needs FromBlock <= ToBlock")

// Replay scans a fixed block range once and returns, for backfilling race history.
type Replay struct {
	pipeline

	chain chain.Chain
	query filter.Query
	batch uint64
}

var _ Watcher = (*Replay)(nil)

// NewReplay scans the range set on query in batches of batch blocks
// (2000 when zero).
func NewReplay(c chain.Chain, query filter.Query, batch uint64, opts ...Option) *Replay {
	if batch == 0 {
		batch = 2000
	}
	r := &Replay{chain: c, query: query, batch: batch}
	r.init(opts)
	return r
}

// Watch delivers every log in the range and returns nil once done or cancelled.
// A batch that keeps failing is reported through OnError and skipped, so one
// bad window does not hide the rest of the history.
func (r *Replay) Watch(ctx context.Context) error {
	ctx, cancel := r.begin(ctx)
	defer close(r.stopped)
	defer cancel()

	if !r.query.Bounded() {
		return errUnbounded
	}
	for from, to := range spans(*r.query.FromBlock, *r.query.ToBlock, r.batch) {
		logs, err := r.fetch(ctx, r.chain, window(r.query, from, to))
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			r.emitError(fmt.Errorf("fetch logs [%d, %d]: %w", from, to, err))
		default:
			r.deliver(logs)
		}
	}
	return nil
}
