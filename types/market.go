package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOOK & ORDER TYPES - shared across the arb detector, copy-trader and the
// order executor. Kept decimal-only on the trading path; no floats here.
// ═══════════════════════════════════════════════════════════════════════════════

// Level is a single price/size rung of an order book, best-first.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is one side (a single token) of a market.
type OrderBook struct {
	MarketID string
	TokenID  string
	Ts       time.Time
	Bids     []Level
	Asks     []Level
}

// BestBid returns the best bid level, or a zero Level if the book is empty.
func (b *OrderBook) BestBid() Level {
	if len(b.Bids) == 0 {
		return Level{}
	}
	return b.Bids[0]
}

// BestAsk returns the best ask level, or a zero Level if the book is empty.
func (b *OrderBook) BestAsk() Level {
	if len(b.Asks) == 0 {
		return Level{}
	}
	return b.Asks[0]
}

// DepthUSD sums size*price across ask levels up to a budget of `levels`,
// used to verify liquidity before sizing an arb leg.
func (b *OrderBook) DepthUSD(levels int) decimal.Decimal {
	total := decimal.Zero
	for i, l := range b.Asks {
		if i >= levels {
			break
		}
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// BinaryMarketBook pairs the YES and NO sub-books of one binary-outcome
// market. Invariant: both sides are for the same market and their
// timestamps differ by no more than a staleness bound checked by the caller.
type BinaryMarketBook struct {
	MarketID string
	YesBook  *OrderBook
	NoBook   *OrderBook
}

// Stale reports whether the two sub-books have drifted beyond bound.
func (m *BinaryMarketBook) Stale(bound time.Duration) bool {
	if m.YesBook == nil || m.NoBook == nil {
		return true
	}
	diff := m.YesBook.Ts.Sub(m.NoBook.Ts)
	if diff < 0 {
		diff = -diff
	}
	return diff > bound
}

// ArbOpportunity is the detector's output for one market at one instant.
type ArbOpportunity struct {
	MarketID     string
	YesTokenID   string
	NoTokenID    string
	YesAsk       decimal.Decimal
	NoAsk        decimal.Decimal
	TotalCost    decimal.Decimal
	GrossProfit  decimal.Decimal
	NetProfit    decimal.Decimal
	YesDepthUSD  decimal.Decimal
	NoDepthUSD   decimal.Decimal
	Ts           time.Time
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market vs limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest is what callers hand the order executor. Price is ignored
// for market orders.
type OrderRequest struct {
	ID       string // fresh per attempt; never resubmitted under the same id
	MarketID string
	TokenID  string
	Type     OrderType
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Strategy string
}

// ExecutionStatus is the terminal or transient state of an ExecutionReport.
type ExecutionStatus string

const (
	ExecStatusPending         ExecutionStatus = "PENDING"
	ExecStatusFilled          ExecutionStatus = "FILLED"
	ExecStatusPartiallyFilled ExecutionStatus = "PARTIALLY_FILLED"
	ExecStatusRejected        ExecutionStatus = "REJECTED"
	ExecStatusCancelled       ExecutionStatus = "CANCELLED"
)

// ExecutionReport is the unified result of submitting an order, whether it
// went through paper simulation or the live matcher.
type ExecutionReport struct {
	OrderID    string
	Status     ExecutionStatus
	FilledQty  decimal.Decimal
	AvgPrice   decimal.Decimal
	Fees       decimal.Decimal
	Error      error
	Attempts   int
	LatencyUS  int64
	Ts         time.Time
}

// PositionState is a node of the position lifecycle DAG (spec §3).
type PositionState string

const (
	PositionPending     PositionState = "PENDING"
	PositionOpen        PositionState = "OPEN"
	PositionEntryFailed PositionState = "ENTRY_FAILED"
	PositionClosed      PositionState = "CLOSED"
)

// validPositionTransitions enumerates the only edges of the lifecycle DAG;
// anything else is an InvalidStateTransition.
var validPositionTransitions = map[PositionState]map[PositionState]bool{
	PositionPending: {PositionOpen: true, PositionEntryFailed: true},
	PositionOpen:    {PositionClosed: true},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to PositionState) bool {
	if from == to {
		return false
	}
	edges, ok := validPositionTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// ArbPosition is the persisted record of a two-leg binary arbitrage trade.
// Distinct from execution.Position (single-leg strategy positions) because
// it must exist, Pending, before any order is placed - see spec §4.E step 7.
type ArbPosition struct {
	ID              string
	MarketID        string
	State           PositionState
	YesTokenID      string
	NoTokenID       string
	YesEntry        decimal.Decimal
	NoEntry         decimal.Decimal
	Quantity        decimal.Decimal
	ExitStrategy    string
	OpenedAt        time.Time
	ClosedAt        *time.Time
	RealizedPnL     *decimal.Decimal
	FailureReason   string
}

// TrackedWallet is a leader wallet the copy-trader mirrors.
type TrackedWallet struct {
	Address       string // always lower-cased
	AllocationPct decimal.Decimal
	MaxPositionSz decimal.Decimal
	CopyDelayMS   int64
	Enabled       bool
	TotalPnL      decimal.Decimal
	WinRate       decimal.Decimal
	TradeCount    int64
	TotalCopiedValue decimal.Decimal // lifetime notional mirrored from this wallet; the risk-adjusted Kelly denominator
}

// DetectedTrade is a trade observed on a tracked wallet's on-chain activity.
type DetectedTrade struct {
	Wallet   string
	MarketID string
	TokenID  string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Ts       time.Time
	TxHash   string
}

// DynamicParam is one row of the tuner's controlled-variable registry.
type DynamicParam struct {
	Key            string
	CurrentValue   decimal.Decimal
	DefaultValue   decimal.Decimal
	MinValue       decimal.Decimal
	MaxValue       decimal.Decimal
	MaxStepPct     decimal.Decimal
	Enabled        bool
	LastGoodValue  decimal.Decimal
	PendingEval    bool
	LastAppliedAt  *time.Time
}

// Clamp bounds v to [p.MinValue, p.MaxValue].
func (p *DynamicParam) Clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(p.MinValue) {
		return p.MinValue
	}
	if v.GreaterThan(p.MaxValue) {
		return p.MaxValue
	}
	return v
}

// TuningMetrics is the snapshot the dynamic tuner evaluates each cycle.
type TuningMetrics struct {
	SlippageSkipRate    float64
	BelowMinSkipRate    float64
	SuccessfulFillRate  float64
	AttemptsLastWindow  float64
	FillsLastWindow     float64
	TopSkipReason       string
	RealizedSlippageP90 float64
	DepthProxy          float64
	VolatilityProxy     float64
	WSStallRate         float64
	WSResetRate         float64
	UpdatesPerMinute    float64
	RecentPnL           float64
	RecentDrawdown      float64
	CBTripped           bool
	CurrentRegime       string
}

// MarketRegime buckets recent volatility/direction for regime-aware target
// computation in the dynamic tuner.
type MarketRegime string

const (
	RegimeBullCalm     MarketRegime = "BULL_CALM"
	RegimeBullVolatile MarketRegime = "BULL_VOLATILE"
	RegimeBearCalm     MarketRegime = "BEAR_CALM"
	RegimeBearVolatile MarketRegime = "BEAR_VOLATILE"
	RegimeRanging      MarketRegime = "RANGING"
	RegimeUncertain    MarketRegime = "UNCERTAIN"
)

// SignalUpdate is the payload broadcast on the in-process signal bus and
// bridged to external pub/sub (spec §4.H).
type SignalUpdate struct {
	Type     string // "arb_entry", "arb_exit", "copy_fill", "dynamic_config", ...
	MarketID string
	Action   string
	Metadata map[string]any
	Ts       time.Time
}
