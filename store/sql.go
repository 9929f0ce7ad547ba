package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/hedeqiang/derby/race"
)

type kvRecord struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string
	UpdatedAt time.Time
}

func (kvRecord) TableName() string { return "derby_settings" }

// SQL is a gorm-backed Store.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite database at path.
// SQLite allows a single writer, so the pool is limited to one connection.
func OpenSQLite(path string) (*SQL, error) {
	s, err := openSQL(sqlite.Open(path))
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(dsn string) (*SQL, error) {
	return openSQL(postgres.Open(dsn))
}

func openSQL(dialector gorm.Dialector) (*SQL, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an existing connection and migrates the schema.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&outcomeRecord{}, &kvRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

func cursorKey(chainID string) string {
	return "cursor." + chainID
}

// Load returns the cursor of chainID, stored as a setting.
func (s *SQL) Load(chainID string) (uint64, error) {
	v, err := s.Get(context.Background(), cursorKey(chainID))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// Save upserts the cursor of chainID.
func (s *SQL) Save(chainID string, block uint64) error {
	return s.Put(context.Background(), cursorKey(chainID), strconv.FormatUint(block, 10))
}

// Get returns the setting under key, or ErrNotFound.
func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	var rec kvRecord
	err := s.db.WithContext(ctx).First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return rec.Value, nil
}

// Put upserts a setting and stamps its update time.
func (s *SQL) Put(ctx context.Context, key, value string) error {
	rec := kvRecord{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (s *SQL) LoadOutcome(ctx context.Context, hash common.Hash) (*race.Outcome, error) {
	var rec outcomeRecord
	err := s.db.WithContext(ctx).First(&rec, "tx_hash = ?", hash.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load outcome: %w", err)
	}
	return rec.outcome()
}

// SaveOutcome inserts o with ON CONFLICT DO NOTHING and returns the surviving row.
func (s *SQL) SaveOutcome(ctx context.Context, o *race.Outcome) (*race.Outcome, bool, error) {
	rec := toRecord(o)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("store: save outcome: %w", res.Error)
	}
	stored, err := s.LoadOutcome(ctx, o.TxHash)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected == 1, nil
}

func (s *SQL) RecentOutcomes(ctx context.Context, player common.Address, limit int) ([]*race.Outcome, error) {
	q := s.db.WithContext(ctx).Where("player = ?", player.Hex()).Order("block_number DESC, tx_hash ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []outcomeRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: recent outcomes: %w", err)
	}
	out := make([]*race.Outcome, 0, len(recs))
	for _, rec := range recs {
		o, err := rec.outcome()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
