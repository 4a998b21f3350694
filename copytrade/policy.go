package copytrade

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// GateFailure names which ordered policy check rejected a trade (spec
// §4.F "Policy" table). Check returns GateSilentSkip ("") both for a
// disabled wallet and for a trade that passes every gate; callers tell the
// two apart by wallet.Enabled.
type GateFailure string

const (
	GateSilentSkip              GateFailure = "" // wallet disabled, not logged as a failure
	GateCircuitBreakerTripped   GateFailure = "CircuitBreakerTripped"
	GateBelowMinTradeValue      GateFailure = "BelowMinTradeValue"
	GateDailyCapitalLimitReached GateFailure = "DailyCapitalLimitReached"
	GateTooManyOpenPositions    GateFailure = "TooManyOpenPositions"
	GateSlippageTooHigh         GateFailure = "SlippageTooHigh"
)

// DailyDeployed tracks capital committed today per wallet, resetting on
// UTC date change (spec §4.F "daily_deployed resets on UTC date change").
type DailyDeployed struct {
	asOf     time.Time
	deployed map[string]decimal.Decimal
}

// NewDailyDeployed constructs an empty tracker.
func NewDailyDeployed(now time.Time) *DailyDeployed {
	return &DailyDeployed{asOf: now.UTC(), deployed: make(map[string]decimal.Decimal)}
}

// rolloverIfNeeded clears all counters the instant the UTC date changes.
func (d *DailyDeployed) rolloverIfNeeded(now time.Time) {
	nowUTC := now.UTC()
	if nowUTC.Year() != d.asOf.Year() || nowUTC.YearDay() != d.asOf.YearDay() {
		d.deployed = make(map[string]decimal.Decimal)
		d.asOf = nowUTC
	}
}

// Add records tradeValue deployed against wallet today.
func (d *DailyDeployed) Add(wallet string, tradeValue decimal.Decimal, now time.Time) {
	d.rolloverIfNeeded(now)
	d.deployed[wallet] = d.deployed[wallet].Add(tradeValue)
}

// Get returns the capital deployed against wallet today.
func (d *DailyDeployed) Get(wallet string, now time.Time) decimal.Decimal {
	d.rolloverIfNeeded(now)
	return d.deployed[wallet]
}

// PolicyGate runs the ordered checks of spec §4.F before any mirrored
// order is placed.
type PolicyGate struct {
	cfgMu      sync.RWMutex
	cfg        PolicyConfig
	deployed   *DailyDeployed
	cbTripped  func() bool
	openCount  func(wallet string) int
}

// NewPolicyGate constructs a gate against the given collaborators.
func NewPolicyGate(cfg PolicyConfig, deployed *DailyDeployed, cbTripped func() bool, openCount func(wallet string) int) *PolicyGate {
	return &PolicyGate{cfg: cfg, deployed: deployed, cbTripped: cbTripped, openCount: openCount}
}

// SetParam applies one dynamic tuner update by key (spec §4.G step 9).
// Unknown keys are ignored so one apply callback can fan out to every
// tunable component.
func (g *PolicyGate) SetParam(key string, value decimal.Decimal) {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	switch key {
	case "copy_min_trade_value":
		g.cfg.MinTradeValue = value
	case "copy_max_slippage_pct":
		g.cfg.MaxSlippagePct = value
	case "copy_daily_capital_limit":
		g.cfg.DailyCapitalLimit = value
	case "copy_max_open_positions":
		g.cfg.MaxOpenPositions = int(value.IntPart())
	}
}

// Check runs every gate in order and returns the first failure, or
// GateSilentSkip ("") on success.
func (g *PolicyGate) Check(wallet *types.TrackedWallet, tradeValue, livePrice, srcPrice decimal.Decimal, now time.Time) GateFailure {
	g.cfgMu.RLock()
	cfg := g.cfg
	g.cfgMu.RUnlock()

	if !wallet.Enabled {
		return GateSilentSkip
	}
	if g.cbTripped != nil && g.cbTripped() {
		return GateCircuitBreakerTripped
	}
	if tradeValue.LessThan(cfg.MinTradeValue) {
		return GateBelowMinTradeValue
	}
	if g.deployed.Get(wallet.Address, now).Add(tradeValue).GreaterThan(cfg.DailyCapitalLimit) {
		return GateDailyCapitalLimitReached
	}
	if g.openCount != nil && g.openCount(wallet.Address) >= cfg.MaxOpenPositions {
		return GateTooManyOpenPositions
	}
	if !srcPrice.IsZero() {
		diff := livePrice.Sub(srcPrice).Abs().Div(srcPrice)
		if diff.GreaterThan(cfg.MaxSlippagePct) {
			return GateSlippageTooHigh
		}
	}
	return GateSilentSkip
}
