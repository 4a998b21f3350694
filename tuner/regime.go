package tuner

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// regimeTuning is the (min_trade_mult, profit_buffer, safety_margin)
// tuple dynamic_tuner.rs::compute_targets looks up per regime (spec's
// SUPPLEMENTED FEATURES: "regime-aware target computation").
type regimeTuning struct {
	minTradeMult  decimal.Decimal
	profitBuffer  decimal.Decimal
	safetyMargin  decimal.Decimal
}

var regimeTable = map[types.MarketRegime]regimeTuning{
	types.RegimeBullCalm:     {d(0.95), d(0.0012), d(0.0010)},
	types.RegimeBullVolatile: {d(1.03), d(0.0020), d(0.0018)},
	types.RegimeBearCalm:     {d(1.05), d(0.0018), d(0.0022)},
	types.RegimeBearVolatile: {d(1.10), d(0.0028), d(0.0030)},
	types.RegimeRanging:      {d(1.00), d(0.0016), d(0.0018)},
	types.RegimeUncertain:    {d(1.07), d(0.0022), d(0.0025)},
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// RegimeHysteresis requires `streak` consecutive observations of a new
// regime before switching the stable regime (spec §4.G step 2).
type RegimeHysteresis struct {
	stable      types.MarketRegime
	candidate   types.MarketRegime
	streak      int
	needStreak  int
}

// NewRegimeHysteresis constructs a tracker requiring needStreak consecutive
// observations to switch (default 2, per dynamic_tuner.rs DYNAMIC_TUNER_REGIME_STREAK).
func NewRegimeHysteresis(initial types.MarketRegime, needStreak int) *RegimeHysteresis {
	if needStreak < 1 {
		needStreak = 1
	}
	return &RegimeHysteresis{stable: initial, needStreak: needStreak}
}

// Observe records one regime reading and returns the current stable
// regime after applying hysteresis.
func (h *RegimeHysteresis) Observe(observed types.MarketRegime) types.MarketRegime {
	if observed == h.stable {
		h.candidate = ""
		h.streak = 0
		return h.stable
	}
	if observed == h.candidate {
		h.streak++
	} else {
		h.candidate = observed
		h.streak = 1
	}
	if h.streak >= h.needStreak {
		h.stable = observed
		h.candidate = ""
		h.streak = 0
	}
	return h.stable
}

// Stable returns the current stable regime without observing a new reading.
func (h *RegimeHysteresis) Stable() types.MarketRegime { return h.stable }

// ResolveRegime buckets a (direction, volatility) pair into one of the six
// named regimes, mirroring dynamic_tuner.rs::resolve_regime.
func ResolveRegime(priceChangePct, volatility float64) types.MarketRegime {
	const volatileThreshold = 0.02 // 2% proxy, matches the original's bucket edge
	bullish := priceChangePct > 0.005
	bearish := priceChangePct < -0.005
	volatile := volatility >= volatileThreshold

	switch {
	case bullish && volatile:
		return types.RegimeBullVolatile
	case bullish:
		return types.RegimeBullCalm
	case bearish && volatile:
		return types.RegimeBearVolatile
	case bearish:
		return types.RegimeBearCalm
	case volatile:
		return types.RegimeUncertain
	default:
		return types.RegimeRanging
	}
}
