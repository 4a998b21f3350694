package copytrade

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/types"
)

type stubMatcher struct{ book *types.OrderBook }

func (s *stubMatcher) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	return s.book, nil
}
func (s *stubMatcher) GetMarkets(ctx context.Context) ([]adapters.Market, error) { return nil, nil }
func (s *stubMatcher) CreateSignedOrder(ctx context.Context, req types.OrderRequest) (*adapters.SignedOrder, error) {
	return &adapters.SignedOrder{}, nil
}
func (s *stubMatcher) PostOrder(ctx context.Context, signed *adapters.SignedOrder, orderType types.OrderType) (adapters.PostResult, error) {
	return adapters.PostResult{OrderID: "x", Status: types.ExecStatusFilled}, nil
}
func (s *stubMatcher) DeriveAPIKey(ctx context.Context) (adapters.Credentials, error) {
	return adapters.Credentials{}, nil
}
func (s *stubMatcher) UpdateBalanceAllowance(ctx context.Context, asset string) error { return nil }
func (s *stubMatcher) SubscribeOrderbook(ctx context.Context, marketIDs []string) (<-chan adapters.BookUpdate, error) {
	return make(chan adapters.BookUpdate), nil
}

func newMirror(t *testing.T, cfg PolicyConfig) (*Mirror, *Registry) {
	t.Helper()
	book := &types.OrderBook{
		MarketID: "m1", TokenID: "tok", Ts: time.Now(),
		Asks: []types.Level{{Price: decimal.NewFromFloat(0.50), Size: decimal.NewFromInt(1000)}},
		Bids: []types.Level{{Price: decimal.NewFromFloat(0.49), Size: decimal.NewFromInt(1000)}},
	}
	matcher := &stubMatcher{book: book}
	orders := execution.NewExecutor(matcher, execution.DefaultConfig())

	registry := NewRegistry()
	deployed := NewDailyDeployed(time.Now())
	gate := NewPolicyGate(cfg, deployed, func() bool { return false }, func(string) int { return 0 })

	mirror := NewMirror(registry, gate, deployed, orders, signalbus.New(), matcher.GetOrderBook, cfg)
	return mirror, registry
}

func TestMirror_ProcessesTradeForTrackedWallet(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.Allocation = AllocationConfiguredWeight
	mirror, registry := newMirror(t, cfg)

	registry.Add(types.TrackedWallet{
		Address:       "0xABC",
		AllocationPct: decimal.NewFromFloat(0.5),
		MaxPositionSz: decimal.NewFromInt(1000),
		Enabled:       true,
	})

	trade := types.DetectedTrade{
		Wallet:   "0xabc",
		MarketID: "m1",
		TokenID:  "tok",
		Side:     types.SideBuy,
		Price:    decimal.NewFromFloat(0.50),
		Quantity: decimal.NewFromInt(20),
		Ts:       time.Now(),
	}

	if err := mirror.Process(context.Background(), trade, time.Now()); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestMirror_SkipsUntrackedWallet(t *testing.T) {
	cfg := DefaultPolicyConfig()
	mirror, _ := newMirror(t, cfg)

	trade := types.DetectedTrade{Wallet: "0xdead", MarketID: "m1", TokenID: "tok", Quantity: decimal.NewFromInt(10), Price: decimal.NewFromFloat(0.5)}
	if err := mirror.Process(context.Background(), trade, time.Now()); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestPolicyGate_BelowMinTradeValue(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.MinTradeValue = decimal.NewFromInt(100)
	deployed := NewDailyDeployed(time.Now())
	gate := NewPolicyGate(cfg, deployed, func() bool { return false }, func(string) int { return 0 })

	wallet := &types.TrackedWallet{Address: "0xabc", Enabled: true}
	failure := gate.Check(wallet, decimal.NewFromInt(10), decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), time.Now())
	if failure != GateBelowMinTradeValue {
		t.Fatalf("expected BelowMinTradeValue, got %q", failure)
	}
}

func TestPolicyGate_DailyCapitalLimitResetsOnUTCDateChange(t *testing.T) {
	cfg := DefaultPolicyConfig()
	cfg.DailyCapitalLimit = decimal.NewFromInt(100)
	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	deployed := NewDailyDeployed(day1)
	deployed.Add("0xabc", decimal.NewFromInt(90), day1)

	gate := NewPolicyGate(cfg, deployed, func() bool { return false }, func(string) int { return 0 })
	wallet := &types.TrackedWallet{Address: "0xabc", Enabled: true}

	if f := gate.Check(wallet, decimal.NewFromInt(20), decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), day1); f != GateDailyCapitalLimitReached {
		t.Fatalf("expected DailyCapitalLimitReached before rollover, got %q", f)
	}

	day2 := day1.Add(2 * time.Hour) // crosses into next UTC date
	if f := gate.Check(wallet, decimal.NewFromInt(20), decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), day2); f != GateSilentSkip {
		t.Fatalf("expected gate to pass after UTC date rollover, got %q", f)
	}
}

func TestAllocate_RiskAdjustedClampsAndZeroesNonPositive(t *testing.T) {
	wallet := &types.TrackedWallet{TotalPnL: decimal.NewFromInt(-50)}
	if got := riskAdjustedAllocation(decimal.NewFromInt(1000), wallet); !got.IsZero() {
		t.Fatalf("expected zero allocation for non-positive pnl_ratio, got %s", got)
	}

	wallet.TotalPnL = decimal.NewFromInt(10000) // huge ratio, should clamp to 15%
	got := riskAdjustedAllocation(decimal.NewFromInt(1000), wallet)
	want := decimal.NewFromInt(1000).Mul(halfKellyCap)
	if !got.Equal(want) {
		t.Fatalf("expected allocation clamped to cap %s, got %s", want, got)
	}
}
