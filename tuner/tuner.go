package tuner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/types"
)

// Config mirrors DynamicTunerConfig::from_env in dynamic_tuner.rs.
type Config struct {
	Enabled              bool
	IntervalSecs         int64
	Apply                bool // if false, compute targets but never write them
	RegimeStreak         int
	FreezeDrawdown       float64
	EvalDelayMinutes     int64
	FillDegradeDelta     float64
	PnLDegradeDelta      float64
	BootstrapEnabled     bool
	BootstrapMaxAttempts float64
	NoTradeWindowMinutes int64
	NoTradeMinAttempts   float64
	AllowedSources       map[string]bool
}

// DefaultConfig matches dynamic_tuner.rs's literal defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		IntervalSecs:         300,
		Apply:                true,
		RegimeStreak:         2,
		FreezeDrawdown:       0.20,
		EvalDelayMinutes:     10,
		FillDegradeDelta:     0.08,
		PnLDegradeDelta:      75.0,
		BootstrapEnabled:     true,
		BootstrapMaxAttempts: 100,
		NoTradeWindowMinutes: 120,
		NoTradeMinAttempts:   20,
		AllowedSources:       map[string]bool{"dynamic_tuner": true, "dynamic_tuner_sync": true},
	}
}

// LoadConfigFromEnv reads DYNAMIC_TUNER_* and DYNAMIC_CONFIG_ALLOWED_SOURCES.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = getEnvBool("DYNAMIC_TUNER_ENABLED", cfg.Enabled)
	cfg.IntervalSecs = getEnvInt64("DYNAMIC_TUNER_INTERVAL_SECS", cfg.IntervalSecs)
	cfg.Apply = getEnvBool("DYNAMIC_TUNER_APPLY", cfg.Apply)
	cfg.RegimeStreak = int(getEnvInt64("DYNAMIC_TUNER_REGIME_STREAK", int64(cfg.RegimeStreak)))
	cfg.EvalDelayMinutes = getEnvInt64("DYNAMIC_TUNER_EVAL_DELAY_MINUTES", cfg.EvalDelayMinutes)
	cfg.BootstrapEnabled = getEnvBool("DYNAMIC_TUNER_BOOTSTRAP_ENABLED", cfg.BootstrapEnabled)
	cfg.NoTradeWindowMinutes = getEnvInt64("DYNAMIC_TUNER_NO_TRADE_WINDOW_MINUTES", cfg.NoTradeWindowMinutes)

	if v := os.Getenv("DYNAMIC_CONFIG_ALLOWED_SOURCES"); v != "" {
		sources := map[string]bool{}
		cur := ""
		for _, r := range v {
			if r == ',' {
				if cur != "" {
					sources[cur] = true
				}
				cur = ""
				continue
			}
			cur += string(r)
		}
		if cur != "" {
			sources[cur] = true
		}
		cfg.AllowedSources = sources
	}
	return cfg
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Tuner runs the discrete-time controller loop of spec §4.G.
type Tuner struct {
	cfg       Config
	store     *Store
	metrics   *MetricsCollector
	pubsub    adapters.PubSub
	signals   *signalbus.Bus
	cbTripped func() bool
	hysteresis *RegimeHysteresis
}

// NewTuner wires the tuner's collaborators together.
func NewTuner(cfg Config, store *Store, metrics *MetricsCollector, pubsub adapters.PubSub, signals *signalbus.Bus, cbTripped func() bool) *Tuner {
	return &Tuner{
		cfg:        cfg,
		store:      store,
		metrics:    metrics,
		pubsub:     pubsub,
		signals:    signals,
		cbTripped:  cbTripped,
		hysteresis: NewRegimeHysteresis(types.RegimeRanging, cfg.RegimeStreak),
	}
}

// Start runs the cycle loop every IntervalSecs until ctx is cancelled. It
// publishes a startup snapshot first so late subscribers reconcile
// without waiting a full interval (SUPPLEMENTED FEATURES: "startup
// snapshot sync").
func (t *Tuner) Start(ctx context.Context) error {
	if !t.cfg.Enabled {
		log.Info().Msg("dynamic tuner disabled")
		return nil
	}

	if err := t.PublishSnapshot(ctx); err != nil {
		log.Warn().Err(err).Msg("dynamic tuner startup snapshot publish failed")
	}

	ticker := time.NewTicker(time.Duration(t.cfg.IntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.RunCycle(ctx); err != nil {
				log.Error().Err(err).Msg("dynamic tuner cycle failed")
			}
		}
	}
}

// RunCycle executes one full collect -> hysteresis -> evaluate -> freeze
// -> target -> step -> clamp -> apply/publish pass (spec §4.G steps 1-8).
func (t *Tuner) RunCycle(ctx context.Context) error {
	metrics, err := t.metrics.Collect(int(t.cfg.EvalDelayMinutes))
	if err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}

	regime := t.hysteresis.Observe(ResolveRegime(metrics.RecentPnL, metrics.VolatilityProxy))
	metrics.CurrentRegime = string(regime)
	metrics.CBTripped = t.cbTripped != nil && t.cbTripped()

	params, err := t.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}

	for _, p := range params {
		if p.PendingEval && t.evalDue(p, t.cfg.EvalDelayMinutes) {
			if err := t.evaluatePending(p, metrics); err != nil {
				log.Error().Err(err).Str("key", p.Key).Msg("evaluate_pending failed")
			}
		}
	}

	if metrics.CBTripped || metrics.RecentDrawdown >= t.cfg.FreezeDrawdown {
		log.Warn().Float64("drawdown", metrics.RecentDrawdown).Bool("cb_tripped", metrics.CBTripped).Msg("dynamic tuner risk freeze: no changes applied this cycle")
		return nil
	}

	if !t.cfg.Apply {
		return nil
	}

	for _, p := range params {
		target := t.computeTarget(p, metrics, regime)
		stepped := StepLimit(p.CurrentValue, target, p.MaxStepPct, p.DefaultValue)
		clamped := p.Clamp(stepped)
		if clamped.Equal(p.CurrentValue) {
			continue
		}
		if err := t.applyAndPublish(ctx, p, clamped); err != nil {
			log.Error().Err(err).Str("key", p.Key).Msg("apply_and_publish failed")
		}
	}

	return nil
}

func (t *Tuner) evalDue(p types.DynamicParam, delayMinutes int64) bool {
	if p.LastAppliedAt == nil {
		return false
	}
	return time.Since(*p.LastAppliedAt) >= time.Duration(delayMinutes)*time.Minute
}

// evaluatePending implements spec §4.G step 3: roll back to last_good if
// fill_rate or PnL degraded beyond the configured deltas, otherwise
// promote current to last_good. Both outcomes clear pending_eval.
func (t *Tuner) evaluatePending(p types.DynamicParam, metrics types.TuningMetrics) error {
	degraded := metrics.SuccessfulFillRate <= (1-t.cfg.FillDegradeDelta) || metrics.RecentPnL <= -t.cfg.PnLDegradeDelta

	return t.store.WithLock(p.Key, func(cur *types.DynamicParam) error {
		old := cur.CurrentValue
		if degraded {
			cur.CurrentValue = cur.LastGoodValue
			cur.PendingEval = false
			_ = t.store.RecordHistory(p.Key, "rolled_back", old, cur.CurrentValue, "fill/pnl degradation beyond threshold")
			log.Warn().Str("key", p.Key).Str("from", old.String()).Str("to", cur.CurrentValue.String()).Msg("dynamic param rolled back")
		} else {
			cur.LastGoodValue = cur.CurrentValue
			cur.PendingEval = false
			_ = t.store.RecordHistory(p.Key, "promoted", old, cur.CurrentValue, "no degradation observed")
		}
		return nil
	})
}

// computeTarget applies the closed-form formula per key plus bootstrap /
// no-trade-watchdog relaxations and regime adjustment (spec §4.G step 5).
func (t *Tuner) computeTarget(p types.DynamicParam, metrics types.TuningMetrics, regime types.MarketRegime) decimal.Decimal {
	if isInfrastructureSkip(metrics.TopSkipReason) {
		return p.CurrentValue // pin - not a parameter-tunable failure
	}

	tuning := regimeTable[regime]
	target := p.CurrentValue

	switch p.Key {
	case "copy_max_slippage_pct", "arb_min_net_profit", "arb_min_profit_threshold":
		p90 := decimal.NewFromFloat(metrics.RealizedSlippageP90)
		desired := p90.Add(tuning.profitBuffer)
		floor := p.CurrentValue.Mul(decimal.NewFromFloat(0.7))
		if desired.LessThan(floor) {
			desired = floor
		}
		ceiling := p.CurrentValue.Mul(decimal.NewFromFloat(1.4))
		if desired.GreaterThan(ceiling) {
			desired = ceiling
		}
		target = desired

	case "copy_min_trade_value":
		target = p.CurrentValue.Mul(tuning.minTradeMult)

	case "arb_min_book_depth":
		target = p.CurrentValue.Mul(tuning.safetyMargin.Add(decimal.NewFromInt(1)))
	}

	if t.cfg.BootstrapEnabled && metrics.AttemptsLastWindow < t.cfg.BootstrapMaxAttempts {
		target = relaxTowardFloor(p, target)
	}
	if metrics.AttemptsLastWindow >= t.cfg.NoTradeMinAttempts && metrics.FillsLastWindow == 0 {
		target = relaxForNoTradeWatchdog(p, target, metrics.TopSkipReason)
	}

	return target
}

func isInfrastructureSkip(reason string) bool {
	return reason == "near_resolution" || reason == "market_not_active"
}

// relaxTowardFloor moves copy_min_trade_value 20% toward its floor and
// copy_max_slippage_pct 20% toward its ceiling so the bootstrap phase can
// gather trade data faster; other keys are returned unchanged.
func relaxTowardFloor(p types.DynamicParam, target decimal.Decimal) decimal.Decimal {
	switch p.Key {
	case "copy_min_trade_value":
		return target.Add(p.MinValue.Sub(target).Mul(decimal.NewFromFloat(0.2)))
	case "copy_max_slippage_pct":
		return target.Add(p.MaxValue.Sub(target).Mul(decimal.NewFromFloat(0.2)))
	default:
		return target
	}
}

// relaxForNoTradeWatchdog applies a per-top-skip-reason relaxation when
// the window has attempts but zero fills.
func relaxForNoTradeWatchdog(p types.DynamicParam, target decimal.Decimal, topSkipReason string) decimal.Decimal {
	switch topSkipReason {
	case "below_minimum":
		return target.Mul(decimal.NewFromFloat(0.85))
	case "too_stale":
		return target.Mul(decimal.NewFromFloat(1.15))
	case "slippage":
		return target.Mul(decimal.NewFromFloat(1.20))
	default:
		return target
	}
}

// applyAndPublish writes the new current_value first (pending_eval=true),
// then publishes; if publish fails the DB write is rolled back before
// returning, so DB and subscribers never diverge (spec §4.G step 8).
func (t *Tuner) applyAndPublish(ctx context.Context, p types.DynamicParam, newValue decimal.Decimal) error {
	old := p.CurrentValue
	now := time.Now()

	err := t.store.WithLock(p.Key, func(cur *types.DynamicParam) error {
		cur.CurrentValue = newValue
		cur.PendingEval = true
		cur.LastAppliedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply write: %w", err)
	}

	payload := fmt.Sprintf(`{"key":%q,"value":"%s","reason":"dynamic_tuner_cycle","source":"dynamic_tuner","timestamp":"%s"}`,
		p.Key, newValue.String(), now.Format(time.RFC3339))

	if t.pubsub != nil {
		if pubErr := t.pubsub.Publish(ctx, "dynamic:config:update", []byte(payload)); pubErr != nil {
			rollbackErr := t.store.WithLock(p.Key, func(cur *types.DynamicParam) error {
				cur.CurrentValue = old
				cur.PendingEval = false
				cur.LastAppliedAt = nil
				return nil
			})
			_ = t.store.RecordHistory(p.Key, "skipped", old, newValue, "publish failed, rolled back")
			if rollbackErr != nil {
				return fmt.Errorf("publish failed (%v) and rollback failed: %w", pubErr, rollbackErr)
			}
			return &types.PublishFailed{Channel: "dynamic:config:update", Err: pubErr}
		}
	}

	_ = t.store.RecordHistory(p.Key, "applied", old, newValue, "dynamic_tuner_cycle")

	t.signals.Publish(types.SignalUpdate{
		Type: "dynamic_config", MarketID: "", Action: "applied",
		Metadata: map[string]any{"key": p.Key, "old": old.String(), "new": newValue.String()},
		Ts:       now,
	})

	log.Info().Str("key", p.Key).Str("from", old.String()).Str("to", newValue.String()).Msg("dynamic param applied")
	return nil
}

// PublishSnapshot publishes every enabled param's current value under
// source=dynamic_tuner_sync (SUPPLEMENTED FEATURES: "startup snapshot sync").
func (t *Tuner) PublishSnapshot(ctx context.Context) error {
	if t.pubsub == nil {
		return nil
	}
	params, err := t.store.LoadAll()
	if err != nil {
		return err
	}
	for _, p := range params {
		if !p.Enabled {
			continue
		}
		payload := fmt.Sprintf(`{"key":%q,"value":"%s","reason":"startup_sync","source":"dynamic_tuner_sync","timestamp":"%s"}`,
			p.Key, p.CurrentValue.String(), time.Now().Format(time.RFC3339))
		if err := t.pubsub.Publish(ctx, "dynamic:config:update", []byte(payload)); err != nil {
			return err
		}
	}
	return nil
}
