package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/race"
)

// File is a Store that keeps everything in one JSON document.
type File struct {
	mu   sync.Mutex
	path string
}

type fileState struct {
	Cursors  map[string]uint64        `json:"cursors"`
	Values   map[string]string        `json:"values"`
	Outcomes map[string]outcomeRecord `json:"outcomes"`
}

// NewFile creates a file-backed store. The directory containing path
// is created on first write.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load returns the cursor of chainID, 0 if the document has none.
func (f *File) Load(chainID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return 0, err
	}
	return st.Cursors[chainID], nil
}

// Save rewrites the document with the new cursor.
func (f *File) Save(chainID string, block uint64) error {
	return f.update(func(st *fileState) bool {
		st.Cursors[chainID] = block
		return true
	})
}

// Get returns the value under key, or ErrNotFound.
func (f *File) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := st.Values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Put rewrites the document with key set to value.
func (f *File) Put(_ context.Context, key, value string) error {
	return f.update(func(st *fileState) bool {
		st.Values[key] = value
		return true
	})
}

func (f *File) LoadOutcome(_ context.Context, hash common.Hash) (*race.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		return nil, err
	}
	rec, ok := st.Outcomes[hash.Hex()]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.outcome()
}

func (f *File) SaveOutcome(_ context.Context, o *race.Outcome) (*race.Outcome, bool, error) {
	var stored outcomeRecord
	var inserted bool
	err := f.update(func(st *fileState) bool {
		key := o.TxHash.Hex()
		if rec, ok := st.Outcomes[key]; ok {
			stored = rec
			return false
		}
		stored = toRecord(o)
		st.Outcomes[key] = stored
		inserted = true
		return true
	})
	if err != nil {
		return nil, false, err
	}
	out, err := stored.outcome()
	return out, inserted, err
}

func (f *File) RecentOutcomes(_ context.Context, player common.Address, limit int) ([]*race.Outcome, error) {
	f.mu.Lock()
	st, err := f.read()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	recs := make([]outcomeRecord, 0, len(st.Outcomes))
	for _, rec := range st.Outcomes {
		recs = append(recs, rec)
	}
	return recent(recs, player, limit)
}

func (f *File) Close() error { return nil }

// update applies fn to the current state and writes it back when fn reports a change.
func (f *File) update(fn func(st *fileState) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.read()
	if err != nil {
		return err
	}
	if !fn(st) {
		return nil
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// read loads the document; a missing file is an empty state.
func (f *File) read() (*fileState, error) {
	st := &fileState{}
	b, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, st); err != nil {
			return nil, err
		}
	}
	if st.Cursors == nil {
		st.Cursors = make(map[string]uint64)
	}
	if st.Values == nil {
		st.Values = make(map[string]string)
	}
	if st.Outcomes == nil {
		st.Outcomes = make(map[string]outcomeRecord)
	}
	return st, nil
}
