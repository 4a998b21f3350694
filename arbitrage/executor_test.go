package arbitrage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/types"
)

// fakeMatcher is a minimal adapters.OrderMatcher stub for executor tests.
type fakeMatcher struct {
	yesBook, noBook *types.OrderBook
	markets         []adapters.Market
	postErr         error
}

func (f *fakeMatcher) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	if tokenID == f.yesBook.TokenID {
		return f.yesBook, nil
	}
	return f.noBook, nil
}

func (f *fakeMatcher) GetMarkets(ctx context.Context) ([]adapters.Market, error) {
	return f.markets, nil
}

func (f *fakeMatcher) CreateSignedOrder(ctx context.Context, req types.OrderRequest) (*adapters.SignedOrder, error) {
	return &adapters.SignedOrder{Payload: []byte("x")}, nil
}

func (f *fakeMatcher) PostOrder(ctx context.Context, signed *adapters.SignedOrder, orderType types.OrderType) (adapters.PostResult, error) {
	if f.postErr != nil {
		return adapters.PostResult{}, f.postErr
	}
	return adapters.PostResult{OrderID: "x", Status: types.ExecStatusFilled}, nil
}

func (f *fakeMatcher) DeriveAPIKey(ctx context.Context) (adapters.Credentials, error) {
	return adapters.Credentials{}, nil
}

func (f *fakeMatcher) UpdateBalanceAllowance(ctx context.Context, asset string) error { return nil }

func (f *fakeMatcher) SubscribeOrderbook(ctx context.Context, marketIDs []string) (<-chan adapters.BookUpdate, error) {
	ch := make(chan adapters.BookUpdate)
	return ch, nil
}

func newTestBooks() (*types.OrderBook, *types.OrderBook) {
	now := time.Now()
	yes := &types.OrderBook{
		MarketID: "m1", TokenID: "yes-tok", Ts: now,
		Asks: []types.Level{{Price: decimal.NewFromFloat(0.46), Size: decimal.NewFromInt(1000)}},
		Bids: []types.Level{{Price: decimal.NewFromFloat(0.45), Size: decimal.NewFromInt(1000)}},
	}
	no := &types.OrderBook{
		MarketID: "m1", TokenID: "no-tok", Ts: now,
		Asks: []types.Level{{Price: decimal.NewFromFloat(0.48), Size: decimal.NewFromInt(1000)}},
		Bids: []types.Level{{Price: decimal.NewFromFloat(0.47), Size: decimal.NewFromInt(1000)}},
	}
	return yes, no
}

func newTestExecutor(t *testing.T, matcher *fakeMatcher) (*SignalExecutor, *storage.PositionRepository) {
	t.Helper()
	repo, err := storage.NewPositionRepository(t.TempDir() + "/positions.db")
	if err != nil {
		t.Fatalf("new position repository: %v", err)
	}
	cfg := DefaultExecutorConfig()
	cfg.AutoExecute = true
	cfg.MinNetProfit = decimal.NewFromFloat(0.001)
	cfg.MinBookDepth = decimal.NewFromInt(100)

	orderCfg := execution.DefaultConfig()
	orderCfg.PaperMode = true
	orders := execution.NewExecutor(matcher, orderCfg)

	exec := NewSignalExecutor(cfg, NewDetector(DefaultDetectorConfig()), NewTokenCache(matcher), orders, repo, signalbus.New(), func() bool { return false })
	return exec, repo
}

// Scenario S1: happy path, both legs fill, position ends Open.
func TestProcessSignal_HappyPathOpensPosition(t *testing.T) {
	yes, no := newTestBooks()
	matcher := &fakeMatcher{yesBook: yes, noBook: no, markets: []adapters.Market{{MarketID: "m1", YesTokenID: "yes-tok", NoTokenID: "no-tok"}}}
	exec, repo := newTestExecutor(t, matcher)

	opp := types.ArbOpportunity{
		MarketID:    "m1",
		YesAsk:      decimal.NewFromFloat(0.46),
		NoAsk:       decimal.NewFromFloat(0.48),
		TotalCost:   decimal.NewFromFloat(0.94),
		NetProfit:   decimal.NewFromFloat(0.04),
		YesDepthUSD: decimal.NewFromInt(500),
		NoDepthUSD:  decimal.NewFromInt(500),
		Ts:          time.Now(),
	}

	if err := exec.ProcessSignal(context.Background(), opp, yes, no, time.Now()); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}

	active, err := repo.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active position, got %d", len(active))
	}
	if active[0].State != types.PositionOpen {
		t.Fatalf("expected Open, got %s", active[0].State)
	}
}

// Scenario S2: YES fills, NO leg rejected by the matcher -> EntryFailed
// with a one-legged reason, no dangling Pending/Open row.
func TestProcessSignal_OneLeggedFailureMarksEntryFailed(t *testing.T) {
	yes, no := newTestBooks()
	matcher := &fakeMatcher{yesBook: yes, noBook: no, markets: []adapters.Market{{MarketID: "m1", YesTokenID: "yes-tok", NoTokenID: "no-tok"}}}
	exec, repo := newTestExecutor(t, matcher)

	// Force the NO leg to fail by swapping in a matcher that rejects any
	// order whose side matches the second call. Simplify: rig a matcher
	// wrapper that fails PostOrder only after the first call.
	calls := 0
	matcher.postErr = nil
	wrapped := &sequencedMatcher{fakeMatcher: matcher, failAfter: 1, calls: &calls}
	liveCfg := execution.DefaultConfig()
	liveCfg.PaperMode = false
	exec.orders = execution.NewExecutor(wrapped, liveCfg)
	if err := exec.orders.InitializeLiveTrading(context.Background()); err != nil {
		t.Fatalf("InitializeLiveTrading: %v", err)
	}
	exec.cache = NewTokenCache(wrapped)

	opp := types.ArbOpportunity{
		MarketID:  "m1",
		YesAsk:    decimal.NewFromFloat(0.46),
		NoAsk:     decimal.NewFromFloat(0.48),
		TotalCost: decimal.NewFromFloat(0.94),
		NetProfit: decimal.NewFromFloat(0.04),
		Ts:        time.Now(),
	}

	if err := exec.ProcessSignal(context.Background(), opp, yes, no, time.Now()); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}

	active, err := repo.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active positions after one-legged failure, got %d", len(active))
	}
}

// Scenario S3: stale signal is skipped without touching the store.
func TestProcessSignal_StaleSignalSkipped(t *testing.T) {
	yes, no := newTestBooks()
	matcher := &fakeMatcher{yesBook: yes, noBook: no, markets: []adapters.Market{{MarketID: "m1", YesTokenID: "yes-tok", NoTokenID: "no-tok"}}}
	exec, repo := newTestExecutor(t, matcher)

	opp := types.ArbOpportunity{
		MarketID:  "m1",
		NetProfit: decimal.NewFromFloat(0.04),
		TotalCost: decimal.NewFromFloat(0.94),
		Ts:        time.Now().Add(-time.Hour),
	}

	if err := exec.ProcessSignal(context.Background(), opp, yes, no, time.Now()); err != nil {
		t.Fatalf("ProcessSignal: %v", err)
	}

	active, err := repo.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no positions for a stale signal, got %d", len(active))
	}
}

// sequencedMatcher fails PostOrder starting from the (failAfter+1)th call.
type sequencedMatcher struct {
	*fakeMatcher
	failAfter int
	calls     *int
}

func (s *sequencedMatcher) PostOrder(ctx context.Context, signed *adapters.SignedOrder, orderType types.OrderType) (adapters.PostResult, error) {
	*s.calls++
	if *s.calls > s.failAfter {
		return adapters.PostResult{}, &types.MatcherBusinessError{Code: "REJECTED", Message: "no liquidity"}
	}
	return adapters.PostResult{OrderID: "x", Status: types.ExecStatusFilled}, nil
}
