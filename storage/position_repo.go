package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION REPOSITORY - CRUD with mandatory transition validation (spec §4.D)
//
// Grounded on internal/database/database.go's New(dbPath) postgres/sqlite
// detection and storage/database.go's plain CRUD style, generalized to
// ArbPosition's lifecycle DAG instead of the latency-arb ArbTrade model.
// ═══════════════════════════════════════════════════════════════════════════════

// arbPositionRow is the gorm model backing types.ArbPosition.
type arbPositionRow struct {
	ID            string `gorm:"primaryKey"`
	MarketID      string `gorm:"index"`
	State         string `gorm:"index"`
	YesTokenID    string
	NoTokenID     string
	YesEntry      decimal.Decimal `gorm:"type:decimal(20,8)"`
	NoEntry       decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitStrategy  string
	OpenedAt      time.Time
	ClosedAt      *time.Time
	RealizedPnL   *decimal.Decimal `gorm:"type:decimal(20,8)"`
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (arbPositionRow) TableName() string { return "arb_positions" }

func toRow(p *types.ArbPosition) *arbPositionRow {
	return &arbPositionRow{
		ID:            p.ID,
		MarketID:      p.MarketID,
		State:         string(p.State),
		YesTokenID:    p.YesTokenID,
		NoTokenID:     p.NoTokenID,
		YesEntry:      p.YesEntry,
		NoEntry:       p.NoEntry,
		Quantity:      p.Quantity,
		ExitStrategy:  p.ExitStrategy,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
		RealizedPnL:   p.RealizedPnL,
		FailureReason: p.FailureReason,
	}
}

func fromRow(r *arbPositionRow) *types.ArbPosition {
	return &types.ArbPosition{
		ID:            r.ID,
		MarketID:      r.MarketID,
		State:         types.PositionState(r.State),
		YesTokenID:    r.YesTokenID,
		NoTokenID:     r.NoTokenID,
		YesEntry:      r.YesEntry,
		NoEntry:       r.NoEntry,
		Quantity:      r.Quantity,
		ExitStrategy:  r.ExitStrategy,
		OpenedAt:      r.OpenedAt,
		ClosedAt:      r.ClosedAt,
		RealizedPnL:   r.RealizedPnL,
		FailureReason: r.FailureReason,
	}
}

// PositionRepository persists ArbPosition rows with transition validation.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository opens (and migrates) a postgres or sqlite-backed
// repository, detecting the driver from dsn the same way
// internal/database/database.go does.
func NewPositionRepository(dsn string) (*PositionRepository, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("position repository connected (postgres)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, mkErr
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("position repository initialized (sqlite)")
	}

	if err := db.AutoMigrate(&arbPositionRow{}); err != nil {
		return nil, err
	}

	return &PositionRepository{db: db}, nil
}

// Insert creates a new Pending position row. Spec §4.E step 7: this row
// must exist before any order is placed.
func (r *PositionRepository) Insert(p *types.ArbPosition) error {
	if p.State != types.PositionPending {
		return &types.InvariantViolation{Invariant: "position-insert", Detail: "new positions must start Pending"}
	}
	return r.db.Create(toRow(p)).Error
}

// Transition moves a position from its current state to `to`, validating
// against the lifecycle DAG of spec §3. Any edge not in the DAG fails with
// InvalidStateTransition and performs no write.
func (r *PositionRepository) Transition(id string, to types.PositionState, mutate func(p *types.ArbPosition)) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var row arbPositionRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return err
		}

		from := types.PositionState(row.State)
		if !types.CanTransition(from, to) {
			return &types.InvalidStateTransition{From: string(from), To: string(to)}
		}

		pos := fromRow(&row)
		pos.State = to
		if mutate != nil {
			mutate(pos)
		}

		updated := toRow(pos)
		return tx.Model(&arbPositionRow{}).Where("id = ?", id).Updates(map[string]any{
			"state":          string(updated.State),
			"yes_entry":      updated.YesEntry,
			"no_entry":       updated.NoEntry,
			"closed_at":      updated.ClosedAt,
			"realized_pnl":   updated.RealizedPnL,
			"failure_reason": updated.FailureReason,
			"exit_strategy":  updated.ExitStrategy,
		}).Error
	})
}

// Get fetches a single position by id.
func (r *PositionRepository) Get(id string) (*types.ArbPosition, error) {
	var row arbPositionRow
	if err := r.db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fromRow(&row), nil
}

// LoadActive returns every position not yet Closed or EntryFailed - the
// boot-reconciliation set (spec §4.D "load_active()").
func (r *PositionRepository) LoadActive() ([]*types.ArbPosition, error) {
	var rows []arbPositionRow
	if err := r.db.Where("state IN ?", []string{string(types.PositionPending), string(types.PositionOpen)}).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.ArbPosition, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

// HasOpenOrPending reports whether the market already has an active
// position - used by the arb executor's dedup check (spec §4.E step 2).
func (r *PositionRepository) HasOpenOrPending(marketID string) (bool, error) {
	var count int64
	err := r.db.Model(&arbPositionRow{}).
		Where("market_id = ? AND state IN ?", marketID, []string{string(types.PositionPending), string(types.PositionOpen)}).
		Count(&count).Error
	return count > 0, err
}
