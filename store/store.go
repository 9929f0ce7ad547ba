// Package store persists settled race outcomes, feed cursors and small key/value settings.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/race"
)

// ErrNotFound is returned when a key or outcome has not been stored.
var ErrNotFound = errors.New("store: not found")

// Outcomes keeps at most one outcome per transaction hash.
type Outcomes interface {
	// LoadOutcome returns the outcome stored for hash or ErrNotFound.
	LoadOutcome(ctx context.Context, hash common.Hash) (*race.Outcome, error)

	// SaveOutcome stores o unless an outcome for o.TxHash exists already.
	// It returns the stored outcome and whether o was the one inserted.
	SaveOutcome(ctx context.Context, o *race.Outcome) (*race.Outcome, bool, error)

	// RecentOutcomes returns up to limit outcomes of player, newest block first.
	RecentOutcomes(ctx context.Context, player common.Address, limit int) ([]*race.Outcome, error)
}

// KV stores small string settings.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
}

// Cursor tracks the last processed block for each chain,
// allowing resumable event scanning.
type Cursor interface {
	// Load returns the last saved block number for the given chain ID.
	// Returns 0 if no progress has been saved.
	Load(chainID string) (uint64, error)

	// Save persists the current block number for the given chain ID.
	Save(chainID string, block uint64) error
}

// Store bundles every persistence concern of the client.
type Store interface {
	Outcomes
	KV
	Cursor
	Close() error
}

// Open picks a backend from dsn:
//
//	""                          in-memory
//	file:///path/state.json     JSON file
//	sqlite:///path/derby.db     SQLite through gorm
//	postgres://user@host/db     PostgreSQL through gorm
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory://":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "file://"):
		return NewFile(strings.TrimPrefix(dsn, "file://")), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported dsn %q", dsn)
	}
}

// outcomeRecord is the persisted form of race.Outcome, shared by the file and SQL backends.
type outcomeRecord struct {
	TxHash      string    `gorm:"primaryKey;size:66" json:"tx_hash"`
	RaceID      string    `gorm:"size:78" json:"race_id"`
	Player      string    `gorm:"index;size:42" json:"player"`
	HorseID     int       `json:"horse_id"`
	Winners     string    `gorm:"size:16" json:"winners"`
	Payout      string    `gorm:"size:78" json:"payout"`
	Won         bool      `json:"won"`
	BlockNumber uint64    `gorm:"index" json:"block_number"`
	CreatedAt   time.Time `json:"created_at"`
}

func (outcomeRecord) TableName() string { return "race_outcomes" }

func toRecord(o *race.Outcome) outcomeRecord {
	winners := make([]string, len(o.Winners))
	for i, w := range o.Winners {
		winners[i] = strconv.Itoa(w)
	}
	return outcomeRecord{
		TxHash:      o.TxHash.Hex(),
		RaceID:      bigString(o.RaceID),
		Player:      o.Player.Hex(),
		HorseID:     o.HorseID,
		Winners:     strings.Join(winners, ","),
		Payout:      bigString(o.Payout),
		Won:         o.Won,
		BlockNumber: o.BlockNumber,
		CreatedAt:   time.Now().UTC(),
	}
}

func (r outcomeRecord) outcome() (*race.Outcome, error) {
	o := &race.Outcome{
		TxHash:      common.HexToHash(r.TxHash),
		Player:      common.HexToAddress(r.Player),
		HorseID:     r.HorseID,
		Won:         r.Won,
		BlockNumber: r.BlockNumber,
	}
	var ok bool
	if o.RaceID, ok = new(big.Int).SetString(r.RaceID, 10); !ok {
		return nil, fmt.Errorf("store: outcome %s: bad race id %q", r.TxHash, r.RaceID)
	}
	if o.Payout, ok = new(big.Int).SetString(r.Payout, 10); !ok {
		return nil, fmt.Errorf("store: outcome %s: bad payout %q", r.TxHash, r.Payout)
	}
	parts := strings.Split(r.Winners, ",")
	if len(parts) != race.Podium {
		return nil, fmt.Errorf("store: outcome %s: bad winners %q", r.TxHash, r.Winners)
	}
	for i, p := range parts {
		w, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("store: outcome %s: bad winners %q", r.TxHash, r.Winners)
		}
		o.Winners[i] = w
	}
	return o, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
