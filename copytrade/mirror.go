package copytrade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/types"
)

// tradeHistory is the subset of storage.CopyTradeHistory the mirror needs,
// kept as an interface so tests can stub it without a database.
type tradeHistory interface {
	LogFill(id string, trade types.DetectedTrade, tradeValue, realizedSlippage decimal.Decimal) error
	LogSkip(id string, trade types.DetectedTrade, tradeValue decimal.Decimal, reason string) error
}

// Mirror runs the copy-trade pipeline for one DetectedTrade: gate, size,
// delay, place.
type Mirror struct {
	registry *Registry
	gate     *PolicyGate
	deployed *DailyDeployed
	orders   *execution.Executor
	signals  *signalbus.Bus
	getBook  func(ctx context.Context, tokenID string) (*types.OrderBook, error)
	cfgMu    sync.RWMutex
	cfg      PolicyConfig
	history  tradeHistory // nil is valid: history logging becomes a no-op
}

// NewMirror wires the copy-trade collaborators together.
func NewMirror(
	registry *Registry,
	gate *PolicyGate,
	deployed *DailyDeployed,
	orders *execution.Executor,
	signals *signalbus.Bus,
	getBook func(ctx context.Context, tokenID string) (*types.OrderBook, error),
	cfg PolicyConfig,
) *Mirror {
	return &Mirror{
		registry: registry,
		gate:     gate,
		deployed: deployed,
		orders:   orders,
		signals:  signals,
		getBook:  getBook,
		cfg:      cfg,
	}
}

// WithHistory attaches a copy_trade_history logger; the tuner's
// MetricsCollector aggregates over the rows it writes.
func (m *Mirror) WithHistory(h tradeHistory) *Mirror {
	m.history = h
	return m
}

// SetParam applies one dynamic tuner update by key (spec §4.G step 9).
// Only the allocation pool size is tunable here; unknown keys are ignored
// so one apply callback can fan out to every tunable component.
func (m *Mirror) SetParam(key string, value decimal.Decimal) {
	if key != "copy_total_capital" {
		return
	}
	m.cfgMu.Lock()
	m.cfg.TotalCapital = value
	m.cfgMu.Unlock()
}

func (m *Mirror) logHistorySkip(trade types.DetectedTrade, tradeValue decimal.Decimal, reason string) {
	if m.history == nil {
		return
	}
	if err := m.history.LogSkip(uuid.NewString(), trade, tradeValue, reason); err != nil {
		log.Debug().Err(err).Msg("copy-trade history: skip log failed")
	}
}

func (m *Mirror) logHistoryFill(trade types.DetectedTrade, tradeValue, realizedSlippage decimal.Decimal) {
	if m.history == nil {
		return
	}
	if err := m.history.LogFill(uuid.NewString(), trade, tradeValue, realizedSlippage); err != nil {
		log.Debug().Err(err).Msg("copy-trade history: fill log failed")
	}
}

// Process mirrors one detected trade, honoring the wallet's configured
// copy delay and cancelling cleanly if ctx is cancelled mid-sleep (spec
// §4.F "Delay").
func (m *Mirror) Process(ctx context.Context, trade types.DetectedTrade, now time.Time) error {
	wallet, ok := m.registry.Get(trade.Wallet)
	if !ok {
		return nil // not a tracked wallet, nothing to do
	}
	if !wallet.Enabled {
		return nil // disabled wallets are skipped silently
	}

	tradeValue := trade.Quantity.Mul(trade.Price)

	book, err := m.getBook(ctx, trade.TokenID)
	if err != nil {
		return &types.InvariantViolation{Invariant: "copy-trade-book-fetch", Detail: err.Error()}
	}
	livePrice := book.BestAsk().Price
	if trade.Side == types.SideSell {
		livePrice = book.BestBid().Price
	}

	if failure := m.gate.Check(wallet, tradeValue, livePrice, trade.Price, now); failure != GateSilentSkip {
		m.logSkip(wallet.Address, trade.MarketID, failure)
		reason := string(failure)
		switch failure {
		case GateSlippageTooHigh:
			reason = "slippage"
		case GateBelowMinTradeValue:
			reason = "below_minimum"
		}
		m.logHistorySkip(trade, tradeValue, reason)
		return nil
	}

	m.cfgMu.RLock()
	allocationStrategy, totalCapital := m.cfg.Allocation, m.cfg.TotalCapital
	m.cfgMu.RUnlock()

	enabled := m.registry.Enabled()
	allocated := Allocate(allocationStrategy, totalCapital, wallet, enabled)
	if allocated.LessThanOrEqual(decimal.Zero) {
		m.logSkip(wallet.Address, trade.MarketID, "ZeroAllocation")
		m.logHistorySkip(trade, tradeValue, "ZeroAllocation")
		return nil
	}

	quantity := Quantity(trade.Quantity, wallet.MaxPositionSz, allocated, trade.Price)
	if quantity.LessThanOrEqual(decimal.Zero) {
		m.logSkip(wallet.Address, trade.MarketID, "ZeroQuantity")
		m.logHistorySkip(trade, tradeValue, "ZeroQuantity")
		return nil
	}

	if wallet.CopyDelayMS > 0 {
		if !copyDelaySleep(ctx, time.Duration(wallet.CopyDelayMS)*time.Millisecond) {
			log.Info().Str("wallet", wallet.Address).Str("market_id", trade.MarketID).Msg("copy-delay cancelled, aborting mirror without side effects")
			return nil
		}
	}

	report, execErr := m.orders.ExecuteMarket(ctx, types.OrderRequest{
		MarketID: trade.MarketID,
		TokenID:  trade.TokenID,
		Side:     trade.Side,
		Price:    livePrice,
		Quantity: quantity,
		Strategy: "copy_trade",
	}, book)
	if execErr != nil || report.Status != types.ExecStatusFilled {
		log.Warn().Str("wallet", wallet.Address).Str("market_id", trade.MarketID).Err(execErr).Msg("copy-trade mirror order failed")
		m.signals.Publish(types.SignalUpdate{
			Type: "copy_fill", MarketID: trade.MarketID, Action: "failed",
			Metadata: map[string]any{"wallet": wallet.Address, "reason": errString(execErr, report.Error)},
			Ts:       now,
		})
		m.logHistorySkip(trade, tradeValue, "ExecutionFailed")
		return nil
	}

	m.deployed.Add(wallet.Address, tradeValue, now)
	m.registry.AddCopiedValue(wallet.Address, report.FilledQty.Mul(report.AvgPrice))

	realizedSlippage := report.AvgPrice.Sub(trade.Price).Abs()
	m.logHistoryFill(trade, tradeValue, realizedSlippage)

	log.Info().
		Str("wallet", wallet.Address).
		Str("market_id", trade.MarketID).
		Str("quantity", quantity.String()).
		Str("allocated", allocated.String()).
		Msg("copy-trade mirrored")

	m.signals.Publish(types.SignalUpdate{
		Type: "copy_fill", MarketID: trade.MarketID, Action: "filled",
		Metadata: map[string]any{
			"wallet":    wallet.Address,
			"quantity":  quantity.String(),
			"allocated": allocated.String(),
		},
		Ts: now,
	})

	return nil
}

func (m *Mirror) logSkip(wallet, marketID string, reason GateFailure) {
	log.Debug().Str("wallet", wallet).Str("market_id", marketID).Str("reason", string(reason)).Msg("copy-trade signal skipped")
}

func errString(a, b error) string {
	if a != nil {
		return a.Error()
	}
	if b != nil {
		return b.Error()
	}
	return ""
}
