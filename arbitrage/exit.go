package arbitrage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT EVALUATION - closes Open positions against dynamic stop-loss,
// take-profit and max-hold-hours parameters (spec §1 "manages open
// positions through exit rules", §3 "Closed by exit rules", §4.D).
//
// Grounded on the teacher's risk/tp_sl.go TPSLManager.CheckExit (deleted
// from this tree since Position there is single-leg): same
// TAKE_PROFIT/STOP_LOSS/MAX_HOLD_TIME reason vocabulary and boolean+reason
// return shape, re-expressed against ArbPosition's two-leg value - the sum
// of both legs' current bid, not a single mark price.
// ═══════════════════════════════════════════════════════════════════════════════

// ExitConfig holds the dynamic exit-rule thresholds, tuned live by the
// dynamic tuner's copy_stop_loss_pct/copy_take_profit_pct/copy_max_hold_hours
// params (tuner/params.go) - the only stop-loss/take-profit/hold-time knobs
// the catalogue seeds, shared across both the arb and copy-trade domains.
type ExitConfig struct {
	StopLossPct   decimal.Decimal // position closed once value falls this fraction below entry cost
	TakeProfitPct decimal.Decimal // position closed once value rises this fraction above entry cost
	MaxHoldHours  decimal.Decimal
}

// DefaultExitConfig matches the literal defaults seeded in tuner/params.go.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		StopLossPct:   decimal.NewFromFloat(0.05),
		TakeProfitPct: decimal.NewFromFloat(0.10),
		MaxHoldHours:  decimal.NewFromInt(24),
	}
}

// ExitEvaluator periodically re-prices every Open position and closes the
// ones that have hit a stop-loss, take-profit or max-hold-hours rule.
type ExitEvaluator struct {
	cfgMu sync.RWMutex
	cfg   ExitConfig

	positions *storage.PositionRepository
	orders    *execution.Executor
	getBook   func(ctx context.Context, tokenID string) (*types.OrderBook, error)
	signals   *signalbus.Bus
}

// NewExitEvaluator wires the exit-evaluation loop's collaborators.
func NewExitEvaluator(
	cfg ExitConfig,
	positions *storage.PositionRepository,
	orders *execution.Executor,
	getBook func(ctx context.Context, tokenID string) (*types.OrderBook, error),
	signals *signalbus.Bus,
) *ExitEvaluator {
	return &ExitEvaluator{cfg: cfg, positions: positions, orders: orders, getBook: getBook, signals: signals}
}

// SetParam applies one dynamic tuner update by key (spec §4.G step 9).
// Unknown keys are ignored so one apply callback can fan out to every
// tunable component.
func (e *ExitEvaluator) SetParam(key string, value decimal.Decimal) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	switch key {
	case "copy_stop_loss_pct":
		e.cfg.StopLossPct = value
	case "copy_take_profit_pct":
		e.cfg.TakeProfitPct = value
	case "copy_max_hold_hours":
		e.cfg.MaxHoldHours = value
	}
}

func (e *ExitEvaluator) config() ExitConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// EvaluateAll loads every Open position and closes the ones whose current
// value or age has crossed an exit rule. Positions still Pending are left
// alone - they belong to the entry pipeline, not this one.
func (e *ExitEvaluator) EvaluateAll(ctx context.Context, now time.Time) error {
	active, err := e.positions.LoadActive()
	if err != nil {
		return &types.InvariantViolation{Invariant: "exit-load-active", Detail: err.Error()}
	}

	cfg := e.config()
	for _, pos := range active {
		if pos.State != types.PositionOpen {
			continue
		}
		e.evaluateOne(ctx, pos, cfg, now)
	}
	return nil
}

// checkExit decides whether pos should close given its current two-leg
// value, mirroring TPSLManager.CheckExit's TAKE_PROFIT/STOP_LOSS/
// MAX_HOLD_TIME ordering.
func checkExit(pos *types.ArbPosition, cfg ExitConfig, currentValue decimal.Decimal, now time.Time) (shouldExit bool, reason string) {
	entryCost := pos.YesEntry.Add(pos.NoEntry)
	if entryCost.IsZero() {
		return false, ""
	}

	pnlPct := currentValue.Sub(entryCost).Div(entryCost)

	if pnlPct.GreaterThanOrEqual(cfg.TakeProfitPct) {
		return true, "TAKE_PROFIT"
	}
	if pnlPct.LessThanOrEqual(cfg.StopLossPct.Neg()) {
		return true, "STOP_LOSS"
	}
	maxHold := time.Duration(cfg.MaxHoldHours.InexactFloat64() * float64(time.Hour))
	if now.Sub(pos.OpenedAt) > maxHold {
		return true, "MAX_HOLD_TIME"
	}
	return false, ""
}

// evaluateOne re-prices one Open position and, if an exit rule fires,
// sells both legs and transitions the position to Closed.
func (e *ExitEvaluator) evaluateOne(ctx context.Context, pos *types.ArbPosition, cfg ExitConfig, now time.Time) {
	yesBook, err := e.getBook(ctx, pos.YesTokenID)
	if err != nil {
		log.Debug().Err(err).Str("position_id", pos.ID).Msg("exit evaluator: yes book fetch failed")
		return
	}
	noBook, err := e.getBook(ctx, pos.NoTokenID)
	if err != nil {
		log.Debug().Err(err).Str("position_id", pos.ID).Msg("exit evaluator: no book fetch failed")
		return
	}

	currentValue := yesBook.BestBid().Price.Add(noBook.BestBid().Price)
	shouldExit, reason := checkExit(pos, cfg, currentValue, now)
	if !shouldExit {
		return
	}

	yesReport, yesErr := e.orders.ExecuteMarket(ctx, types.OrderRequest{
		MarketID: pos.MarketID,
		TokenID:  pos.YesTokenID,
		Side:     types.SideSell,
		Price:    yesBook.BestBid().Price,
		Quantity: pos.Quantity,
		Strategy: "arb_exit",
	}, yesBook)
	noReport, noErr := e.orders.ExecuteMarket(ctx, types.OrderRequest{
		MarketID: pos.MarketID,
		TokenID:  pos.NoTokenID,
		Side:     types.SideSell,
		Price:    noBook.BestBid().Price,
		Quantity: pos.Quantity,
		Strategy: "arb_exit",
	}, noBook)

	if yesErr != nil || yesReport.Status != types.ExecStatusFilled || noErr != nil || noReport.Status != types.ExecStatusFilled {
		log.Warn().
			Str("position_id", pos.ID).
			Str("reason", reason).
			Err(firstNonNil(yesErr, noErr)).
			Msg("exit evaluator: leg sell failed, position left Open for retry next cycle")
		return
	}

	exitValue := yesReport.AvgPrice.Add(noReport.AvgPrice)
	realizedPnL := exitValue.Sub(pos.YesEntry.Add(pos.NoEntry)).Mul(pos.Quantity)

	if err := e.positions.Transition(pos.ID, types.PositionClosed, func(p *types.ArbPosition) {
		closedAt := now
		p.ClosedAt = &closedAt
		p.RealizedPnL = &realizedPnL
		p.ExitStrategy = reason
	}); err != nil {
		log.Error().Err(err).Str("position_id", pos.ID).Msg("failed to mark position Closed")
		return
	}

	log.Info().
		Str("market_id", pos.MarketID).
		Str("position_id", pos.ID).
		Str("reason", reason).
		Str("realized_pnl", realizedPnL.String()).
		Msg("arb position closed")

	e.signals.Publish(types.SignalUpdate{
		Type:     "arb_exit",
		MarketID: pos.MarketID,
		Action:   "closed",
		Metadata: map[string]any{
			"position_id":  pos.ID,
			"reason":       reason,
			"realized_pnl": realizedPnL.String(),
		},
		Ts: now,
	})
}
