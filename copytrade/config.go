// Package copytrade mirrors trades detected on tracked leader wallets,
// applying a per-wallet allocation policy before placing the mirrored
// order (spec §4.F). Grounded on the teacher's risk/sizing.go half-Kelly
// formula and feeds/polymarket_ws.go's wallet-stream subscription style,
// re-targeted at an on-chain trade feed instead of the teacher's BTC
// strategy signals.
package copytrade

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PolicyConfig holds the copy-trader's ordered gate thresholds and
// allocation inputs (spec §4.F "Policy"/"Allocation strategy").
type PolicyConfig struct {
	Enabled           bool
	MinTradeValue     decimal.Decimal
	MaxSlippagePct    decimal.Decimal
	DailyCapitalLimit decimal.Decimal
	MaxOpenPositions  int
	TotalCapital      decimal.Decimal
	Allocation        AllocationStrategy
}

// DefaultPolicyConfig matches the env defaults named in spec §6.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Enabled:           true,
		MinTradeValue:     decimal.NewFromInt(5),
		MaxSlippagePct:    decimal.NewFromFloat(0.03),
		DailyCapitalLimit: decimal.NewFromInt(1000),
		MaxOpenPositions:  20,
		TotalCapital:      decimal.NewFromInt(10000),
		Allocation:        AllocationConfiguredWeight,
	}
}

// LoadPolicyConfigFromEnv applies COPY_* overrides on top of the defaults.
func LoadPolicyConfigFromEnv() PolicyConfig {
	cfg := DefaultPolicyConfig()
	cfg.MinTradeValue = getEnvDecimal("COPY_MIN_TRADE_VALUE", cfg.MinTradeValue)
	cfg.MaxSlippagePct = getEnvDecimal("COPY_MAX_SLIPPAGE_PCT", cfg.MaxSlippagePct)
	cfg.DailyCapitalLimit = getEnvDecimal("COPY_DAILY_CAPITAL_LIMIT", cfg.DailyCapitalLimit)
	cfg.MaxOpenPositions = int(getEnvInt64("COPY_MAX_OPEN_POSITIONS", int64(cfg.MaxOpenPositions)))
	cfg.TotalCapital = getEnvDecimal("COPY_TOTAL_CAPITAL", cfg.TotalCapital)
	return cfg
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

// copyDelaySleep suspends for d, cancellable via ctx.Done() (spec §4.F
// "Delay": "cooperative sleep, cancellable"). Returns false if cancelled.
func copyDelaySleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
