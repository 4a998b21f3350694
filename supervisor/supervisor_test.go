package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/arbitrage"
	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// fakeMatcher is a minimal adapters.OrderMatcher stub, grounded on the same
// pattern arbitrage/executor_test.go uses.
type fakeMatcher struct {
	yesTokenID, noTokenID string
	yesBook, noBook       *types.OrderBook
}

func (f *fakeMatcher) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if tokenID == f.yesTokenID {
		return f.yesBook, nil
	}
	return f.noBook, nil
}

func (f *fakeMatcher) GetMarkets(ctx context.Context) ([]adapters.Market, error) {
	return []adapters.Market{{MarketID: "m1", YesTokenID: f.yesTokenID, NoTokenID: f.noTokenID, Active: true}}, nil
}

func (f *fakeMatcher) CreateSignedOrder(ctx context.Context, req types.OrderRequest) (*adapters.SignedOrder, error) {
	return &adapters.SignedOrder{Payload: []byte("x")}, nil
}

func (f *fakeMatcher) PostOrder(ctx context.Context, signed *adapters.SignedOrder, orderType types.OrderType) (adapters.PostResult, error) {
	return adapters.PostResult{OrderID: "x", Status: types.ExecStatusFilled}, nil
}

func (f *fakeMatcher) DeriveAPIKey(ctx context.Context) (adapters.Credentials, error) {
	return adapters.Credentials{}, nil
}

func (f *fakeMatcher) UpdateBalanceAllowance(ctx context.Context, asset string) error { return nil }

func (f *fakeMatcher) SubscribeOrderbook(ctx context.Context, marketIDs []string) (<-chan adapters.BookUpdate, error) {
	return make(chan adapters.BookUpdate), nil
}

func newTestSupervisor(t *testing.T, matcher *fakeMatcher) *Supervisor {
	t.Helper()

	positions, err := storage.NewPositionRepository(t.TempDir() + "/positions.db")
	if err != nil {
		t.Fatalf("new position repository: %v", err)
	}

	execCfg := execution.DefaultConfig()
	orders := execution.NewExecutor(matcher, execCfg)
	signals := signalbus.New()

	detectorCfg := arbitrage.DefaultDetectorConfig()
	detectorCfg.MinNetProfit = decimal.NewFromFloat(0.001)
	detector := arbitrage.NewDetector(detectorCfg)

	arbCfg := arbitrage.DefaultExecutorConfig()
	arbCfg.AutoExecute = true
	arbCfg.MinNetProfit = decimal.NewFromFloat(0.001)
	cache := arbitrage.NewTokenCache(matcher)
	cbTripped := func() bool { return false }
	arbExecutor := arbitrage.NewSignalExecutor(arbCfg, detector, cache, orders, positions, signals, cbTripped)

	return New(Config{
		Matcher:     matcher,
		Positions:   positions,
		Orders:      orders,
		Signals:     signals,
		Detector:    detector,
		ArbExecutor: arbExecutor,
		Cache:       cache,
	})
}

func TestHandleBookUpdateWaitsForBothLegs(t *testing.T) {
	now := time.Now()
	matcher := &fakeMatcher{
		yesTokenID: "yes-tok", noTokenID: "no-tok",
		yesBook: &types.OrderBook{
			MarketID: "m1", TokenID: "yes-tok", Ts: now,
			Asks: []types.Level{{Price: decimal.NewFromFloat(0.46), Size: decimal.NewFromInt(1000)}},
		},
		noBook: &types.OrderBook{
			MarketID: "m1", TokenID: "no-tok", Ts: now,
			Asks: []types.Level{{Price: decimal.NewFromFloat(0.48), Size: decimal.NewFromInt(1000)}},
		},
	}
	sup := newTestSupervisor(t, matcher)
	ctx := context.Background()

	sup.handleBookUpdate(ctx, adapters.BookUpdate{Book: matcher.yesBook})

	sup.pendingMu.Lock()
	pair, ok := sup.pending["m1"]
	sup.pendingMu.Unlock()
	if !ok || pair.NoBook != nil {
		t.Fatalf("expected only yes leg pinned after first update, got %+v", pair)
	}

	sup.handleBookUpdate(ctx, adapters.BookUpdate{Book: matcher.noBook})

	sup.pendingMu.Lock()
	pair = sup.pending["m1"]
	sup.pendingMu.Unlock()
	if pair.YesBook == nil || pair.NoBook == nil {
		t.Fatalf("expected both legs paired after second update, got %+v", pair)
	}
}

func TestHandleBookUpdateDropsUnresolvedToken(t *testing.T) {
	matcher := &fakeMatcher{yesTokenID: "yes-tok", noTokenID: "no-tok"}
	sup := newTestSupervisor(t, matcher)

	sup.handleBookUpdate(context.Background(), adapters.BookUpdate{
		Book: &types.OrderBook{MarketID: "unknown", TokenID: "ghost-tok", Ts: time.Now()},
	})

	sup.pendingMu.Lock()
	defer sup.pendingMu.Unlock()
	if len(sup.pending) != 0 {
		t.Fatalf("expected no pairing state for an unresolved token, got %+v", sup.pending)
	}
}
