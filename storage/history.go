package storage

import (
	"database/sql"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"

	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COPY-TRADE HISTORY - append-only log the dynamic tuner's MetricsCollector
// aggregates over (spec §4.G step 1). Adapted from the teacher's
// storage/database.go Trade/LogTrade CRUD: same disabled-mode/raw-SQL/
// migrate() style, re-targeted at the copy_trade_history schema
// tuner.MetricsCollector.Collect already queries, which nothing in the
// teacher ever populated.
// ═══════════════════════════════════════════════════════════════════════════════

// CopyTradeHistory records one row per mirrored-trade attempt, filled or
// skipped, so the tuner can compute fill rate / skip-reason mix / realized
// slippage / drawdown over a trailing window.
type CopyTradeHistory struct {
	db      *sql.DB
	enabled bool
}

// NewCopyTradeHistory opens a postgres connection for the history log; an
// empty dsn disables logging, matching storage.Database's original
// "running without persistence" behavior.
func NewCopyTradeHistory(dsn string) (*CopyTradeHistory, error) {
	if dsn == "" {
		log.Warn().Msg("copy-trade history: no DSN, running without persistence")
		return &CopyTradeHistory{enabled: false}, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	h := &CopyTradeHistory{db: db, enabled: true}
	if err := h.migrate(); err != nil {
		return nil, err
	}
	log.Info().Msg("💾 copy-trade history connected")
	return h, nil
}

func (h *CopyTradeHistory) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS copy_trade_history (
		id TEXT PRIMARY KEY,
		wallet TEXT NOT NULL,
		market_id TEXT NOT NULL,
		filled BOOLEAN NOT NULL,
		skip_reason TEXT NOT NULL DEFAULT '',
		trade_value NUMERIC(18,8) NOT NULL,
		realized_slippage NUMERIC(18,8) NOT NULL DEFAULT 0,
		pnl NUMERIC(18,8) NOT NULL DEFAULT 0,
		running_drawdown NUMERIC(18,8) NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_copy_trade_history_created ON copy_trade_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_copy_trade_history_skip ON copy_trade_history(skip_reason);
	`
	_, err := h.db.Exec(schema)
	return err
}

// LogFill records a successfully mirrored trade.
func (h *CopyTradeHistory) LogFill(id string, trade types.DetectedTrade, tradeValue, realizedSlippage decimal.Decimal) error {
	if !h.enabled {
		return nil
	}
	_, err := h.db.Exec(`
		INSERT INTO copy_trade_history (id, wallet, market_id, filled, trade_value, realized_slippage)
		VALUES ($1, $2, $3, TRUE, $4, $5)
	`, id, trade.Wallet, trade.MarketID, tradeValue, realizedSlippage)
	if err != nil {
		log.Error().Err(err).Msg("copy-trade history: failed to log fill")
	}
	return err
}

// LogSkip records a trade the copy-trader declined to mirror, tagged with
// the policy gate reason (spec §4.F's skip taxonomy).
func (h *CopyTradeHistory) LogSkip(id string, trade types.DetectedTrade, tradeValue decimal.Decimal, reason string) error {
	if !h.enabled {
		return nil
	}
	_, err := h.db.Exec(`
		INSERT INTO copy_trade_history (id, wallet, market_id, filled, skip_reason, trade_value)
		VALUES ($1, $2, $3, FALSE, $4, $5)
	`, id, trade.Wallet, trade.MarketID, reason, tradeValue)
	if err != nil {
		log.Error().Err(err).Msg("copy-trade history: failed to log skip")
	}
	return err
}

// IsEnabled reports whether the history log is backed by a live connection.
func (h *CopyTradeHistory) IsEnabled() bool { return h.enabled }

// Close closes the underlying connection.
func (h *CopyTradeHistory) Close() {
	if h.db != nil {
		h.db.Close()
	}
}
