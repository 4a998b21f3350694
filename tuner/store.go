package tuner

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polybot/types"
)

// dynamicParamRow is the gorm model backing types.DynamicParam, grounded
// on dynamic_tuner.rs::DynamicConfigRow and storage/position_repo.go's
// row/converter pattern.
type dynamicParamRow struct {
	Key           string `gorm:"primaryKey"`
	CurrentValue  decimal.Decimal `gorm:"type:decimal(20,8)"`
	DefaultValue  decimal.Decimal `gorm:"type:decimal(20,8)"`
	MinValue      decimal.Decimal `gorm:"type:decimal(20,8)"`
	MaxValue      decimal.Decimal `gorm:"type:decimal(20,8)"`
	MaxStepPct    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Enabled       bool
	LastGoodValue decimal.Decimal `gorm:"type:decimal(20,8)"`
	PendingEval   bool
	LastAppliedAt *time.Time
	UpdatedAt     time.Time
}

func (dynamicParamRow) TableName() string { return "dynamic_params" }

func paramToRow(p types.DynamicParam) dynamicParamRow {
	return dynamicParamRow{
		Key: p.Key, CurrentValue: p.CurrentValue, DefaultValue: p.DefaultValue,
		MinValue: p.MinValue, MaxValue: p.MaxValue, MaxStepPct: p.MaxStepPct,
		Enabled: p.Enabled, LastGoodValue: p.LastGoodValue, PendingEval: p.PendingEval,
		LastAppliedAt: p.LastAppliedAt,
	}
}

func rowToParam(r dynamicParamRow) types.DynamicParam {
	return types.DynamicParam{
		Key: r.Key, CurrentValue: r.CurrentValue, DefaultValue: r.DefaultValue,
		MinValue: r.MinValue, MaxValue: r.MaxValue, MaxStepPct: r.MaxStepPct,
		Enabled: r.Enabled, LastGoodValue: r.LastGoodValue, PendingEval: r.PendingEval,
		LastAppliedAt: r.LastAppliedAt,
	}
}

// historyRow records every apply/rollback decision for audit, grounded on
// dynamic_tuner.rs::record_history.
type historyRow struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	Key       string
	Outcome   string // "applied", "promoted", "rolled_back", "skipped"
	OldValue  decimal.Decimal `gorm:"type:decimal(20,8)"`
	NewValue  decimal.Decimal `gorm:"type:decimal(20,8)"`
	Reason    string
	CreatedAt time.Time
}

func (historyRow) TableName() string { return "dynamic_param_history" }

// Store persists the dynamic parameter catalogue with row-level locking
// for read-modify-write cycles (spec §5 "Dynamic-params rows: protected
// at the DB level by SELECT ... FOR UPDATE").
type Store struct {
	db *gorm.DB
}

// NewStore opens (and migrates) a postgres- or sqlite-backed store,
// matching storage.NewPositionRepository's dsn-prefix driver detection.
func NewStore(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&dynamicParamRow{}, &historyRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SeedIfEmpty populates the store with SeedDefaults() the first time it's
// opened, leaving an already-populated store untouched.
func (s *Store) SeedIfEmpty() error {
	var count int64
	if err := s.db.Model(&dynamicParamRow{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for _, p := range SeedDefaults() {
		if err := s.db.Create(paramToRow(p)).Error; err != nil {
			return err
		}
	}
	return nil
}

// LoadAll returns every dynamic param row, the snapshot used both by the
// tuner's collect step and by a subscriber's startup reconciliation.
func (s *Store) LoadAll() ([]types.DynamicParam, error) {
	var rows []dynamicParamRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.DynamicParam, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToParam(r))
	}
	return out, nil
}

// WithLock runs fn against the current row for key under SELECT ... FOR
// UPDATE, persisting whatever mutation fn applies to the in-memory copy.
func (s *Store) WithLock(key string, fn func(p *types.DynamicParam) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row dynamicParamRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "key = ?", key).Error; err != nil {
			return err
		}
		param := rowToParam(row)
		if err := fn(&param); err != nil {
			return err
		}
		return tx.Model(&dynamicParamRow{}).Where("key = ?", key).Updates(map[string]any{
			"current_value":   param.CurrentValue,
			"enabled":         param.Enabled,
			"last_good_value": param.LastGoodValue,
			"pending_eval":    param.PendingEval,
			"last_applied_at": param.LastAppliedAt,
		}).Error
	})
}

// RecordHistory appends an audit row for one apply/rollback/skip decision.
func (s *Store) RecordHistory(key, outcome string, oldValue, newValue decimal.Decimal, reason string) error {
	return s.db.Create(&historyRow{
		Key: key, Outcome: outcome, OldValue: oldValue, NewValue: newValue, Reason: reason,
	}).Error
}
