package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/race"
	"github.com/hedeqiang/derby/store"
)

// ProcessedSet records which transactions have been settled, keeping their outcome.
type ProcessedSet struct {
	outcomes store.Outcomes
}

// NewProcessedSet uses outcomes as backing storage.
func NewProcessedSet(outcomes store.Outcomes) *ProcessedSet {
	return &ProcessedSet{outcomes: outcomes}
}

// Lookup returns the outcome of hash if it was settled before.
func (p *ProcessedSet) Lookup(ctx context.Context, hash common.Hash) (*race.Outcome, bool, error) {
	o, err := p.outcomes.LoadOutcome(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("settlement: processed set: %w", err)
	}
	return o, true, nil
}

// Contains reports whether hash was settled.
func (p *ProcessedSet) Contains(ctx context.Context, hash common.Hash) (bool, error) {
	_, ok, err := p.Lookup(ctx, hash)
	return ok, err
}

// Add records o unless its hash is present and returns the outcome that is stored.
func (p *ProcessedSet) Add(ctx context.Context, o *race.Outcome) (*race.Outcome, bool, error) {
	stored, inserted, err := p.outcomes.SaveOutcome(ctx, o)
	if err != nil {
		return nil, false, fmt.Errorf("settlement: processed set: %w", err)
	}
	return stored, inserted, nil
}
