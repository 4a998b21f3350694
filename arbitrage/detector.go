// Package arbitrage implements the binary-outcome YES/NO arb detector and
// two-leg executor of spec §4.E. It replaces the teacher's
// internal/arbitrage/engine.go, which detects a different kind of
// opportunity entirely (BTC spot move vs stale Polymarket odds, a latency
// arb). The detection/execution pipeline here is grounded on
// original_source/crates/api-server/src/arb_executor.rs, re-expressed with
// the teacher's Go idioms: zerolog structured logging, decimal arithmetic,
// goroutines/channels instead of tokio tasks, sync.RWMutex instead of
// tokio::sync::RwLock.
package arbitrage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// DetectorConfig tunes the opportunity calculator (spec §4.E "Detection").
type DetectorConfig struct {
	FeeRate        decimal.Decimal
	MinNetProfit   decimal.Decimal
	MinBookDepth   decimal.Decimal // USD
	StalenessBound time.Duration
	SignalCooldown time.Duration // per-market cooldown, default 60s
}

// DefaultDetectorConfig matches the numeric defaults named in spec §4.E/§6.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		FeeRate:        decimal.NewFromFloat(0.02),
		MinNetProfit:   decimal.NewFromFloat(0.005),
		MinBookDepth:   decimal.NewFromInt(100),
		StalenessBound: 5 * time.Second,
		SignalCooldown: 60 * time.Second,
	}
}

// Detector computes ArbOpportunity values from paired YES/NO books and
// enforces the per-market emission cooldown.
type Detector struct {
	cfg         DetectorConfig
	lastEmitted map[string]time.Time
}

// NewDetector constructs a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg, lastEmitted: make(map[string]time.Time)}
}

// Evaluate computes the opportunity for one binary market and reports
// whether it clears the net-profit/depth bar and is not within cooldown.
// Matches spec §4.E's formulas exactly:
//
//	total_cost = yes_ask + no_ask
//	gross      = 1 - total_cost
//	net        = gross - fee_rate * total_cost
//	depth_ok   = min(yes_depth, no_depth) >= min_book_depth
func (d *Detector) Evaluate(book *types.BinaryMarketBook, now time.Time) (types.ArbOpportunity, bool) {
	if book.Stale(d.cfg.StalenessBound) {
		return types.ArbOpportunity{}, false
	}

	yesAsk := book.YesBook.BestAsk().Price
	noAsk := book.NoBook.BestAsk().Price
	if yesAsk.IsZero() || noAsk.IsZero() {
		return types.ArbOpportunity{}, false
	}

	totalCost := yesAsk.Add(noAsk)
	gross := decimal.NewFromInt(1).Sub(totalCost)
	net := gross.Sub(d.cfg.FeeRate.Mul(totalCost))

	yesDepth := book.YesBook.DepthUSD(5)
	noDepth := book.NoBook.DepthUSD(5)
	minDepth := yesDepth
	if noDepth.LessThan(minDepth) {
		minDepth = noDepth
	}
	depthOK := minDepth.GreaterThanOrEqual(d.cfg.MinBookDepth)

	opp := types.ArbOpportunity{
		MarketID:    book.MarketID,
		YesTokenID:  book.YesBook.TokenID,
		NoTokenID:   book.NoBook.TokenID,
		YesAsk:      yesAsk,
		NoAsk:       noAsk,
		TotalCost:   totalCost,
		GrossProfit: gross,
		NetProfit:   net,
		YesDepthUSD: yesDepth,
		NoDepthUSD:  noDepth,
		Ts:          now,
	}

	if net.LessThan(d.cfg.MinNetProfit) || !depthOK {
		return opp, false
	}

	if last, ok := d.lastEmitted[book.MarketID]; ok && now.Sub(last) < d.cfg.SignalCooldown {
		return opp, false
	}

	d.lastEmitted[book.MarketID] = now
	return opp, true
}
