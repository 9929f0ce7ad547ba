package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/race"
)

// Memory is an in-memory Store.
// Suitable for development and testing; data is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	blocks   map[string]uint64
	values   map[string]string
	outcomes map[common.Hash]outcomeRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		blocks:   make(map[string]uint64),
		values:   make(map[string]string),
		outcomes: make(map[common.Hash]outcomeRecord),
	}
}

// Load returns the last processed block of chainID, or 0 if none was saved.
func (m *Memory) Load(chainID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[chainID], nil
}

// Save records block as the last processed block of chainID.
func (m *Memory) Save(chainID string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[chainID] = block
	return nil
}

// Get returns the value under key, or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Put sets key to value, replacing any previous value.
func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) LoadOutcome(_ context.Context, hash common.Hash) (*race.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.outcomes[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.outcome()
}

func (m *Memory) SaveOutcome(_ context.Context, o *race.Outcome) (*race.Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.outcomes[o.TxHash]; ok {
		stored, err := rec.outcome()
		return stored, false, err
	}
	rec := toRecord(o)
	m.outcomes[o.TxHash] = rec
	stored, err := rec.outcome()
	return stored, true, err
}

func (m *Memory) RecentOutcomes(_ context.Context, player common.Address, limit int) ([]*race.Outcome, error) {
	m.mu.RLock()
	recs := make([]outcomeRecord, 0, len(m.outcomes))
	for _, rec := range m.outcomes {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()
	return recent(recs, player, limit)
}

func (m *Memory) Close() error { return nil }

// recent filters recs by player and orders them newest block first.
func recent(recs []outcomeRecord, player common.Address, limit int) ([]*race.Outcome, error) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].BlockNumber != recs[j].BlockNumber {
			return recs[i].BlockNumber > recs[j].BlockNumber
		}
		return recs[i].TxHash < recs[j].TxHash
	})
	want := player.Hex()
	var out []*race.Outcome
	for _, rec := range recs {
		if rec.Player != want {
			continue
		}
		o, err := rec.outcome()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
