// Package tuner implements the dynamic parameter controller of spec §4.G:
// a discrete-time loop that collects trading metrics, evaluates
// previously-applied changes for rollback/promotion, computes new targets
// per regime, steps and clamps toward them, and applies + publishes
// atomically with rollback-on-publish-failure. Grounded on
// original_source/crates/api-server/src/dynamic_tuner.rs, re-expressed
// with gorm persistence and the signalbus/PubSub bridge already built for
// this module.
package tuner

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// seed describes one controlled parameter's literal bounds, carried over
// from dynamic_tuner.rs::seed_defaults (spec's SUPPLEMENTED FEATURES:
// "full parameter catalogue").
type seed struct {
	key        string
	def, min, max, maxStepPct float64
}

var paramSeeds = []seed{
	{"copy_min_trade_value", 5, 1, 50, 0.25},
	{"copy_max_slippage_pct", 0.03, 0.005, 0.10, 0.25},
	{"arb_min_profit_threshold", 0.005, 0.001, 0.05, 0.20},
	{"arb_monitor_max_markets", 300, 50, 1000, 0.15},
	{"arb_monitor_exploration_slots", 5, 0, 50, 0.25},
	{"arb_monitor_aggressiveness_level", 1.0, 0.5, 2.0, 0.20},
	{"copy_max_latency_secs", 30, 5, 120, 0.25},
	{"copy_daily_capital_limit", 1000, 100, 50000, 0.20},
	{"copy_max_open_positions", 20, 1, 200, 0.25},
	{"copy_stop_loss_pct", 0.05, 0.01, 0.25, 0.20},
	{"copy_take_profit_pct", 0.10, 0.02, 0.50, 0.20},
	{"copy_max_hold_hours", 24, 1, 240, 0.25},
	{"arb_position_size", 50, 10, 500, 0.25},
	{"arb_min_net_profit", 0.005, 0.001, 0.05, 0.20},
	{"arb_min_book_depth", 100, 10, 5000, 0.25},
	{"arb_max_signal_age_secs", 30, 5, 300, 0.25},
	{"copy_total_capital", 10000, 1000, 1000000, 0.10},
	{"copy_near_resolution_margin", 0.02, 0.005, 0.10, 0.25},
}

// SeedDefaults returns the catalogue of dynamic params at their defaults,
// used to populate a fresh store and as the bounds authority subscribers
// reload at startup (spec §4.G step 9 "bounds are loaded at startup and
// reused").
func SeedDefaults() []types.DynamicParam {
	out := make([]types.DynamicParam, 0, len(paramSeeds))
	for _, s := range paramSeeds {
		def := decimal.NewFromFloat(s.def)
		out = append(out, types.DynamicParam{
			Key:           s.key,
			CurrentValue:  def,
			DefaultValue:  def,
			MinValue:      decimal.NewFromFloat(s.min),
			MaxValue:      decimal.NewFromFloat(s.max),
			MaxStepPct:    decimal.NewFromFloat(s.maxStepPct),
			Enabled:       true,
			LastGoodValue: def,
		})
	}
	return out
}

// StepLimit moves current toward target by at most maxStepPct of
// |current| (or |default| if current is zero), per spec §4.G step 6.
func StepLimit(current, target, maxStepPct, fallbackBase decimal.Decimal) decimal.Decimal {
	base := current.Abs()
	if base.IsZero() {
		base = fallbackBase.Abs()
	}
	maxStep := base.Mul(maxStepPct)
	delta := target.Sub(current)
	if delta.Abs().LessThanOrEqual(maxStep) {
		return target
	}
	if delta.IsPositive() {
		return current.Add(maxStep)
	}
	return current.Sub(maxStep)
}
