package arbitrage

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutorConfig mirrors ArbExecutorConfig from arb_executor.rs.
// AutoExecute, PositionSize, MinNetProfit, MaxSignalAgeSecs, MinBookDepth,
// MaxMarketsCap and ExplorationSlots are env-overridable, and all of them
// except AutoExecute are also re-applied at runtime by the dynamic tuner.
// The size bounds, DynamicSizing and UpdateTimeoutSecs keep their defaults.
type ExecutorConfig struct {
	AutoExecute       bool
	PositionSize      decimal.Decimal // static sizing fallback
	MinPositionSize   decimal.Decimal
	MaxPositionSize   decimal.Decimal
	DynamicSizing     bool
	MinNetProfit      decimal.Decimal
	MaxSignalAgeSecs  int64
	MinBookDepth      decimal.Decimal
	MaxMarketsCap     int
	ExplorationSlots  int
	UpdateTimeoutSecs int64
}

// DefaultExecutorConfig matches the literal defaults seeded in
// dynamic_tuner.rs::seed_defaults for the arb-executor knobs.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		AutoExecute:       false,
		PositionSize:      decimal.NewFromInt(50),
		MinPositionSize:   decimal.NewFromInt(10),
		MaxPositionSize:   decimal.NewFromInt(500),
		DynamicSizing:     true,
		MinNetProfit:      decimal.NewFromFloat(0.005),
		MaxSignalAgeSecs:  30,
		MinBookDepth:      decimal.NewFromInt(100),
		MaxMarketsCap:     300,
		ExplorationSlots:  5,
		UpdateTimeoutSecs: 120,
	}
}

// LoadExecutorConfigFromEnv applies env overrides on top of the defaults,
// matching spec §6's ARB_* variables.
func LoadExecutorConfigFromEnv() ExecutorConfig {
	cfg := DefaultExecutorConfig()

	cfg.AutoExecute = getEnvBool("ARB_AUTO_EXECUTE", cfg.AutoExecute)
	cfg.PositionSize = getEnvDecimal("ARB_POSITION_SIZE", cfg.PositionSize)
	cfg.MinNetProfit = getEnvDecimal("ARB_MIN_NET_PROFIT", cfg.MinNetProfit)
	cfg.MaxSignalAgeSecs = getEnvInt64("ARB_MAX_SIGNAL_AGE_SECS", cfg.MaxSignalAgeSecs)
	cfg.MinBookDepth = getEnvDecimal("ARB_MIN_BOOK_DEPTH", cfg.MinBookDepth)
	cfg.MaxMarketsCap = int(getEnvInt64("ARB_MONITOR_MAX_MARKETS", int64(cfg.MaxMarketsCap)))
	cfg.ExplorationSlots = int(getEnvInt64("ARB_MONITOR_EXPLORATION_SLOTS", int64(cfg.ExplorationSlots)))

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

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def
	}
	return d
}

// updateTimeout returns the configured stream-stall timeout as a Duration.
func (c ExecutorConfig) updateTimeout() time.Duration {
	return time.Duration(c.UpdateTimeoutSecs) * time.Second
}
