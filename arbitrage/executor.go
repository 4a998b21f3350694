package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TWO-LEG ATOMIC EXECUTION - grounded on process_arb_signal() in
// arb_executor.rs, re-expressed with the order executor, position
// repository and signal bus already built for this module (spec §4.E).
// ═══════════════════════════════════════════════════════════════════════════════

// maxNetForInterp is the net profit at which dynamic sizing saturates at
// MaxPositionSize; interpolation starts at cfg.MinNetProfit (spec §4.E step 5).
const maxNetForInterp = 0.05

// SignalExecutor runs the gate -> dedup -> resolve -> depth -> size ->
// execute -> settle pipeline for one ArbOpportunity at a time.
type SignalExecutor struct {
	cfgMu     sync.RWMutex
	cfg       ExecutorConfig
	detector  *Detector
	cache     *TokenCache
	orders    *execution.Executor
	positions *storage.PositionRepository
	signals   *signalbus.Bus

	cbTripped func() bool // circuit breaker gate, injected
}

// NewSignalExecutor wires the arb pipeline's collaborators together.
func NewSignalExecutor(
	cfg ExecutorConfig,
	detector *Detector,
	cache *TokenCache,
	orders *execution.Executor,
	positions *storage.PositionRepository,
	signals *signalbus.Bus,
	cbTripped func() bool,
) *SignalExecutor {
	return &SignalExecutor{
		cfg:       cfg,
		detector:  detector,
		cache:     cache,
		orders:    orders,
		positions: positions,
		signals:   signals,
		cbTripped: cbTripped,
	}
}

// SetParam applies one dynamic tuner update by key, matching the ARB_*
// knobs applyDynamicArbParams seeds at startup (spec §4.G step 9: live
// subscriber reconciliation, not just the boot snapshot). Unknown keys are
// ignored so the same callback can be shared across every tunable
// component without a type switch at the call site.
func (s *SignalExecutor) SetParam(key string, value decimal.Decimal) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	switch key {
	case "arb_position_size":
		s.cfg.PositionSize = value
	case "arb_min_net_profit":
		s.cfg.MinNetProfit = value
	case "arb_min_book_depth":
		s.cfg.MinBookDepth = value
	case "arb_max_signal_age_secs":
		s.cfg.MaxSignalAgeSecs = value.IntPart()
	case "arb_monitor_max_markets":
		s.cfg.MaxMarketsCap = int(value.IntPart())
	case "arb_monitor_exploration_slots":
		s.cfg.ExplorationSlots = int(value.IntPart())
	}
}

// config snapshots the current ExecutorConfig under lock so the rest of
// the pipeline can run against one consistent view per signal.
func (s *SignalExecutor) config() ExecutorConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// skipReason enumerates why a detected opportunity was not traded. It is
// written to the debug log only; the tuner's TopSkipReason is computed from
// copy_trade_history, which these reasons do not reach.
type skipReason string

const (
	skipAutoExecuteDisabled skipReason = "auto_execute_disabled"
	skipSignalTooOld        skipReason = "signal_too_old"
	skipBelowMinNetProfit   skipReason = "below_min_net_profit"
	skipCircuitBreakerOpen  skipReason = "circuit_breaker_open"
	skipDuplicateMarket     skipReason = "duplicate_market"
	skipTokenResolution     skipReason = "token_resolution_failed"
	skipInsufficientDepth   skipReason = "insufficient_depth"
	skipOneLegged           skipReason = "one_legged_failure"
)

// ProcessSignal runs the full pipeline for one opportunity. It never
// returns an error for an ordinary trading skip - InvariantViolation is the
// only error class propagated, matching spec §7's "only InvariantViolation
// aborts the enclosing handler."
func (s *SignalExecutor) ProcessSignal(ctx context.Context, opp types.ArbOpportunity, yesBook, noBook *types.OrderBook, now time.Time) error {
	cfg := s.config() // one consistent view for the whole pipeline run

	// Step 1: runtime-gate check.
	if !cfg.AutoExecute {
		s.logSkip(opp.MarketID, skipAutoExecuteDisabled)
		return nil
	}
	age := now.Sub(opp.Ts)
	if age > time.Duration(cfg.MaxSignalAgeSecs)*time.Second {
		s.logSkip(opp.MarketID, skipSignalTooOld)
		return nil
	}
	if opp.NetProfit.LessThan(cfg.MinNetProfit) {
		s.logSkip(opp.MarketID, skipBelowMinNetProfit)
		return nil
	}
	if s.cbTripped != nil && s.cbTripped() {
		s.logSkip(opp.MarketID, skipCircuitBreakerOpen)
		return nil
	}

	// Step 2: dedup - a market already holding an open/pending position is
	// never re-entered.
	dup, err := s.positions.HasOpenOrPending(opp.MarketID)
	if err != nil {
		return &types.InvariantViolation{Invariant: "dedup-check", Detail: err.Error()}
	}
	if dup {
		s.logSkip(opp.MarketID, skipDuplicateMarket)
		return nil
	}

	// Step 3: resolve yes/no token ids (refresh-once-on-miss).
	yesTokenID, noTokenID, err := s.cache.Resolve(ctx, opp.MarketID)
	if err != nil {
		s.logSkip(opp.MarketID, skipTokenResolution)
		return nil
	}

	// Step 4: depth verification against the live books handed in by the
	// caller (the detector's own depth check used the books at detection
	// time; re-verify immediately before committing capital).
	minDepth := yesBook.DepthUSD(5)
	if noDepth := noBook.DepthUSD(5); noDepth.LessThan(minDepth) {
		minDepth = noDepth
	}
	if minDepth.LessThan(cfg.MinBookDepth) {
		s.logSkip(opp.MarketID, skipInsufficientDepth)
		return nil
	}

	// Step 5: size the position.
	positionSize := s.sizePosition(cfg, opp.NetProfit)

	// Step 6: derive quantity from total_cost.
	quantity := positionSize.Div(opp.TotalCost)

	// Step 7: insert the Pending position row BEFORE any order is placed -
	// this is the row that survives a crash mid-execution and drives boot
	// reconciliation (spec §4.D).
	position := &types.ArbPosition{
		ID:         uuid.NewString(),
		MarketID:   opp.MarketID,
		State:      types.PositionPending,
		YesTokenID: yesTokenID,
		NoTokenID:  noTokenID,
		Quantity:   quantity,
		OpenedAt:   now,
	}
	if err := s.positions.Insert(position); err != nil {
		return &types.InvariantViolation{Invariant: "position-insert", Detail: err.Error()}
	}

	// Step 8: place the YES leg.
	yesReport, yesErr := s.orders.ExecuteMarket(ctx, types.OrderRequest{
		MarketID: opp.MarketID,
		TokenID:  yesTokenID,
		Side:     types.SideBuy,
		Price:    opp.YesAsk,
		Quantity: quantity,
		Strategy: "arb_entry",
	}, yesBook)
	if yesErr != nil || yesReport.Status != types.ExecStatusFilled {
		s.failEntry(position, fmt.Sprintf("yes_leg_failed: %v", firstNonNil(yesErr, yesReport.Error)))
		return nil
	}

	// Step 9: place the NO leg. A YES fill with a failed NO leg is the
	// one-legged failure case: the position is marked EntryFailed with a
	// distinguishing reason rather than silently rolled back (spec §4.E
	// step 9 "ONE_LEGGED").
	noReport, noErr := s.orders.ExecuteMarket(ctx, types.OrderRequest{
		MarketID: opp.MarketID,
		TokenID:  noTokenID,
		Side:     types.SideBuy,
		Price:    opp.NoAsk,
		Quantity: quantity,
		Strategy: "arb_entry",
	}, noBook)
	if noErr != nil || noReport.Status != types.ExecStatusFilled {
		s.logSkip(opp.MarketID, skipOneLegged)
		s.failEntry(position, fmt.Sprintf("one_legged: yes filled at %s, no leg failed: %v", yesReport.AvgPrice, firstNonNil(noErr, noReport.Error)))
		return nil
	}

	// Step 10: both legs filled - mark Open and publish.
	if err := s.positions.Transition(position.ID, types.PositionOpen, func(p *types.ArbPosition) {
		p.YesEntry = yesReport.AvgPrice
		p.NoEntry = noReport.AvgPrice
	}); err != nil {
		return &types.InvariantViolation{Invariant: "position-transition", Detail: err.Error()}
	}

	log.Info().
		Str("market_id", opp.MarketID).
		Str("position_id", position.ID).
		Str("quantity", quantity.String()).
		Str("net_profit", opp.NetProfit.String()).
		Msg("arb position opened")

	s.signals.Publish(types.SignalUpdate{
		Type:     "arb_entry",
		MarketID: opp.MarketID,
		Action:   "opened",
		Metadata: map[string]any{
			"position_id": position.ID,
			"quantity":    quantity.String(),
			"net_profit":  opp.NetProfit.String(),
		},
		Ts: now,
	})

	return nil
}

// failEntry transitions a Pending position to EntryFailed, recording why.
// It returns nothing: if the transition itself fails, the error is logged
// and the row stays Pending, where boot reconciliation picks it up.
func (s *SignalExecutor) failEntry(p *types.ArbPosition, reason string) {
	if err := s.positions.Transition(p.ID, types.PositionEntryFailed, func(pos *types.ArbPosition) {
		pos.FailureReason = reason
	}); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to mark position EntryFailed")
		return
	}

	log.Warn().Str("market_id", p.MarketID).Str("position_id", p.ID).Str("reason", reason).Msg("arb entry failed")

	s.signals.Publish(types.SignalUpdate{
		Type:     "arb_entry",
		MarketID: p.MarketID,
		Action:   "failed",
		Metadata: map[string]any{"position_id": p.ID, "reason": reason},
		Ts:       time.Now(),
	})
}

// sizePosition linearly interpolates position size across
// net ∈ [MinNetProfit, maxNetForInterp], clamped to
// [MinPositionSize, MaxPositionSize], matching dynamic_tuner.rs's
// compute_targets sizing curve. Falls back to the static PositionSize when
// dynamic sizing is disabled.
func (s *SignalExecutor) sizePosition(cfg ExecutorConfig, net decimal.Decimal) decimal.Decimal {
	if !cfg.DynamicSizing {
		return cfg.PositionSize
	}

	span := decimal.NewFromFloat(maxNetForInterp).Sub(cfg.MinNetProfit)
	if span.LessThanOrEqual(decimal.Zero) {
		return cfg.PositionSize
	}

	progress := net.Sub(cfg.MinNetProfit).Div(span)
	if progress.LessThan(decimal.Zero) {
		progress = decimal.Zero
	}
	if progress.GreaterThan(decimal.NewFromInt(1)) {
		progress = decimal.NewFromInt(1)
	}

	sized := cfg.MinPositionSize.Add(progress.Mul(cfg.MaxPositionSize.Sub(cfg.MinPositionSize)))
	if sized.LessThan(cfg.MinPositionSize) {
		return cfg.MinPositionSize
	}
	if sized.GreaterThan(cfg.MaxPositionSize) {
		return cfg.MaxPositionSize
	}
	return sized
}

func (s *SignalExecutor) logSkip(marketID string, reason skipReason) {
	log.Debug().Str("market_id", marketID).Str("reason", string(reason)).Msg("arb signal skipped")
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
