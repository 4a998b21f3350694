package copytrade

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// AllocationStrategy selects how total capital is split across enabled
// tracked wallets (spec §4.F "Allocation strategy").
type AllocationStrategy string

const (
	AllocationEqualWeight        AllocationStrategy = "EQUAL_WEIGHT"
	AllocationConfiguredWeight   AllocationStrategy = "CONFIGURED_WEIGHT"
	AllocationPerformanceWeighted AllocationStrategy = "PERFORMANCE_WEIGHTED"
	AllocationRiskAdjusted       AllocationStrategy = "RISK_ADJUSTED" // half-Kelly
)

var (
	halfKellyFloor = decimal.NewFromFloat(0.02)
	halfKellyCap   = decimal.NewFromFloat(0.15)
)

// Allocate computes the capital allocated to wallet under strategy, given
// the full set of enabled wallets - EqualWeight needs their cardinality,
// PerformanceWeighted needs their combined PnL to normalize against
// (grounded on original_source's copy_trader.rs
// calculate_allocated_capital, which sums enabled_wallets()' pnl before
// weighting any one of them).
func Allocate(strategy AllocationStrategy, totalCapital decimal.Decimal, wallet *types.TrackedWallet, enabled []*types.TrackedWallet) decimal.Decimal {
	switch strategy {
	case AllocationEqualWeight:
		if len(enabled) == 0 {
			return decimal.Zero
		}
		return totalCapital.Div(decimal.NewFromInt(int64(len(enabled))))

	case AllocationConfiguredWeight:
		return totalCapital.Mul(wallet.AllocationPct)

	case AllocationPerformanceWeighted:
		return performanceWeightedAllocation(totalCapital, wallet, enabled)

	case AllocationRiskAdjusted:
		return riskAdjustedAllocation(totalCapital, wallet)

	default:
		return decimal.Zero
	}
}

// performanceWeightedAllocation normalizes wallet's floor-1 PnL against the
// sum of every enabled wallet's floor-1 PnL so allocations across the
// whole registry sum to totalCapital, rather than each wallet separately
// multiplying the entire pool by its own raw PnL.
func performanceWeightedAllocation(totalCapital decimal.Decimal, wallet *types.TrackedWallet, enabled []*types.TrackedWallet) decimal.Decimal {
	if len(enabled) == 0 {
		return decimal.Zero
	}

	floor := decimal.NewFromInt(1)
	totalWeight := decimal.Zero
	for _, w := range enabled {
		totalWeight = totalWeight.Add(decimal.Max(w.TotalPnL, floor))
	}
	if totalWeight.LessThanOrEqual(decimal.Zero) {
		return totalCapital.Div(decimal.NewFromInt(int64(len(enabled))))
	}

	walletWeight := decimal.Max(wallet.TotalPnL, floor).Div(totalWeight)
	return totalCapital.Mul(walletWeight)
}

// riskAdjustedAllocation implements the half-Kelly sizing adapted from the
// teacher's risk/sizing.go CalculateWithKelly, decoupled from
// strategy.Signal: k = pnl_ratio / 2, clamped to [2%, 15%], zero for
// non-positive pnl_ratio (spec §4.F). pnl_ratio is the wallet's own
// lifetime PnL over its own deployed capital, not the global pool - per
// original_source's copy_trader.rs, `wallet.total_pnl /
// wallet.total_copied_value.max(1)`.
func riskAdjustedAllocation(totalCapital decimal.Decimal, wallet *types.TrackedWallet) decimal.Decimal {
	pnlRatio := wallet.TotalPnL.Div(decimal.Max(wallet.TotalCopiedValue, decimal.NewFromInt(1)))
	if pnlRatio.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	k := pnlRatio.Div(decimal.NewFromInt(2))
	if k.LessThan(halfKellyFloor) {
		k = halfKellyFloor
	}
	if k.GreaterThan(halfKellyCap) {
		k = halfKellyCap
	}

	return totalCapital.Mul(k)
}

// Quantity derives the mirrored order size: min(src_quantity,
// wallet.max_position_size, allocated/src_price) (spec §4.F "Quantity").
func Quantity(srcQuantity, maxPositionSize, allocated, srcPrice decimal.Decimal) decimal.Decimal {
	q := srcQuantity
	if maxPositionSize.LessThan(q) {
		q = maxPositionSize
	}
	if !srcPrice.IsZero() {
		byCapital := allocated.Div(srcPrice)
		if byCapital.LessThan(q) {
			q = byCapital
		}
	}
	if q.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return q
}
