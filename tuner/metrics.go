package tuner

import (
	"database/sql"

	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"

	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS COLLECTOR - raw-SQL aggregate queries over execution history,
// grounded on storage/database.go's database/sql + lib/pq style (the
// teacher never uses gorm for ad-hoc aggregates, and neither do we here).
// ═══════════════════════════════════════════════════════════════════════════════

// MetricsCollector queries the store for the window of stats the tuner's
// collect step needs (spec §4.G step 1).
type MetricsCollector struct {
	db      *sql.DB
	enabled bool
}

// NewMetricsCollector opens a raw postgres connection for aggregate
// queries; an empty dsn disables collection and Collect returns a zeroed
// snapshot, matching storage.Database's "running without persistence" mode.
func NewMetricsCollector(dsn string) (*MetricsCollector, error) {
	if dsn == "" {
		log.Warn().Msg("tuner metrics collector: no DSN, running without historical metrics")
		return &MetricsCollector{enabled: false}, nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &MetricsCollector{db: db, enabled: true}, nil
}

// Collect aggregates attempts/fills/skip reasons over the trailing window
// (spec §4.G step 1: "attempts, fills, slippage skips, below-min skips,
// p90 realized slippage, recent PnL, drawdown, volatility, depth proxy,
// top skip reason").
func (c *MetricsCollector) Collect(windowMinutes int) (types.TuningMetrics, error) {
	if !c.enabled {
		return types.TuningMetrics{}, nil
	}

	var m types.TuningMetrics
	row := c.db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE skip_reason = 'slippage')::float / GREATEST(COUNT(*), 1),
			COUNT(*) FILTER (WHERE skip_reason = 'below_minimum')::float / GREATEST(COUNT(*), 1),
			COUNT(*) FILTER (WHERE filled)::float / GREATEST(COUNT(*), 1),
			COUNT(*)::float,
			COUNT(*) FILTER (WHERE filled)::float,
			COALESCE(percentile_cont(0.9) WITHIN GROUP (ORDER BY realized_slippage), 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(MIN(running_drawdown), 0)
		FROM copy_trade_history
		WHERE created_at >= NOW() - ($1 || ' minutes')::interval
	`, windowMinutes)

	if err := row.Scan(
		&m.SlippageSkipRate, &m.BelowMinSkipRate, &m.SuccessfulFillRate,
		&m.AttemptsLastWindow, &m.FillsLastWindow, &m.RealizedSlippageP90,
		&m.RecentPnL, &m.RecentDrawdown,
	); err != nil {
		return types.TuningMetrics{}, err
	}

	m.TopSkipReason = c.topSkipReason(windowMinutes)
	return m, nil
}

// topSkipReason finds the most common skip_reason over the window,
// restoring the copy-trade skip-reason taxonomy of the SUPPLEMENTED
// FEATURES section (slippage, below_minimum, too_stale, near_resolution,
// market_not_active).
func (c *MetricsCollector) topSkipReason(windowMinutes int) string {
	var reason string
	row := c.db.QueryRow(`
		SELECT skip_reason FROM copy_trade_history
		WHERE created_at >= NOW() - ($1 || ' minutes')::interval AND skip_reason <> ''
		GROUP BY skip_reason
		ORDER BY COUNT(*) DESC
		LIMIT 1
	`, windowMinutes)
	if err := row.Scan(&reason); err != nil {
		return ""
	}
	return reason
}
