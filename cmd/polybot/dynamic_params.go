package main

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/arbitrage"
	"github.com/web3guy0/polybot/copytrade"
	"github.com/web3guy0/polybot/tuner"
	"github.com/web3guy0/polybot/types"
)

// nowUTC is the one escape hatch for time.Now() this binary needs (the
// Workflow-authored packages avoid it so their tests stay deterministic;
// main is not test code).
func nowUTC() time.Time { return time.Now().UTC() }

func paramValue(params []types.DynamicParam, key string, def decimal.Decimal) decimal.Decimal {
	for _, p := range params {
		if p.Key == key && p.Enabled {
			return p.CurrentValue
		}
	}
	return def
}

// applyDynamicArbParams overlays the tuner's last-persisted values onto the
// env-derived ExecutorConfig before it's handed to NewSignalExecutor - the
// boot half of spec §4.G step 9's two-part reconciliation. The live half
// runs afterwards through a tuner.Subscriber calling SignalExecutor.SetParam
// (wired in main, see newDynamicConfigSubscriber).
func applyDynamicArbParams(cfg *arbitrage.ExecutorConfig, params []types.DynamicParam) {
	cfg.PositionSize = paramValue(params, "arb_position_size", cfg.PositionSize)
	cfg.MinNetProfit = paramValue(params, "arb_min_net_profit", cfg.MinNetProfit)
	cfg.MinBookDepth = paramValue(params, "arb_min_book_depth", cfg.MinBookDepth)
	cfg.MaxMarketsCap = int(paramValue(params, "arb_monitor_max_markets", decimal.NewFromInt(int64(cfg.MaxMarketsCap))).IntPart())
	cfg.ExplorationSlots = int(paramValue(params, "arb_monitor_exploration_slots", decimal.NewFromInt(int64(cfg.ExplorationSlots))).IntPart())
	cfg.MaxSignalAgeSecs = paramValue(params, "arb_max_signal_age_secs", decimal.NewFromInt(cfg.MaxSignalAgeSecs)).IntPart()
}

// applyDynamicCopyParams overlays the tuner's last-persisted values onto
// the env-derived PolicyConfig, same rationale as applyDynamicArbParams.
func applyDynamicCopyParams(cfg *copytrade.PolicyConfig, params []types.DynamicParam) {
	cfg.MinTradeValue = paramValue(params, "copy_min_trade_value", cfg.MinTradeValue)
	cfg.MaxSlippagePct = paramValue(params, "copy_max_slippage_pct", cfg.MaxSlippagePct)
	cfg.DailyCapitalLimit = paramValue(params, "copy_daily_capital_limit", cfg.DailyCapitalLimit)
	cfg.MaxOpenPositions = int(paramValue(params, "copy_max_open_positions", decimal.NewFromInt(int64(cfg.MaxOpenPositions))).IntPart())
	cfg.TotalCapital = paramValue(params, "copy_total_capital", cfg.TotalCapital)
}

// applyDynamicExitParams overlays the tuner's last-persisted values onto
// the exit evaluator's config before the first EvaluateAll tick.
func applyDynamicExitParams(cfg *arbitrage.ExitConfig, params []types.DynamicParam) {
	cfg.StopLossPct = paramValue(params, "copy_stop_loss_pct", cfg.StopLossPct)
	cfg.TakeProfitPct = paramValue(params, "copy_take_profit_pct", cfg.TakeProfitPct)
	cfg.MaxHoldHours = paramValue(params, "copy_max_hold_hours", cfg.MaxHoldHours)
}

// dynamicConfigTargets is every tunable component's SetParam, reached by
// one shared tuner.Subscriber apply callback (spec §4.G step 9: "live
// subscriber reconciliation", not just the boot-time overlay above).
type dynamicConfigTargets struct {
	arbExecutor   *arbitrage.SignalExecutor
	policyGate    *copytrade.PolicyGate
	mirror        *copytrade.Mirror
	exitEvaluator *arbitrage.ExitEvaluator
}

func (t dynamicConfigTargets) apply(key string, value decimal.Decimal) {
	t.arbExecutor.SetParam(key, value)
	t.policyGate.SetParam(key, value)
	t.mirror.SetParam(key, value)
	t.exitEvaluator.SetParam(key, value)
}

// newDynamicConfigSubscriber builds the live config subscriber: bounds
// reloaded once from the same param rows the boot overlays above already
// consumed, fanning every allow-listed update out to every tunable
// component via targets.apply.
func newDynamicConfigSubscriber(tunerCfg tuner.Config, params []types.DynamicParam, targets dynamicConfigTargets) *tuner.Subscriber {
	bounds := make(map[string]tuner.Bounds, len(params))
	for _, p := range params {
		bounds[p.Key] = tuner.Bounds{Min: p.MinValue, Max: p.MaxValue}
	}
	return tuner.NewSubscriber(tunerCfg, bounds, targets.apply)
}

// dynamicConfigSnapshot captures every param's current value, replayed by
// Subscriber.Run as the startup reconciliation snapshot before it
// subscribes to live updates.
func dynamicConfigSnapshot(params []types.DynamicParam) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(params))
	for _, p := range params {
		out[p.Key] = p.CurrentValue
	}
	return out
}
