package arbitrage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
)

func TestUniverse_RecomputeCapsAndKeepsPinned(t *testing.T) {
	markets := make([]adapters.Market, 0, 10)
	for i := 0; i < 10; i++ {
		markets = append(markets, adapters.Market{
			MarketID:     string(rune('a' + i)),
			LiquidityUSD: decimal.NewFromInt(int64(10 - i)),
		})
	}

	matcher := &fakeMatcher{markets: markets}
	cfg := DefaultExecutorConfig()
	cfg.MaxMarketsCap = 3

	u := NewUniverse(matcher, cfg)
	u.Pin("j") // lowest-liquidity market, pinned despite the cap

	eligible, err := u.Recompute(context.Background())
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}

	if len(eligible) != cfg.MaxMarketsCap+1 {
		t.Fatalf("expected cap+1 pinned markets, got %d: %v", len(eligible), eligible)
	}

	found := false
	for _, id := range eligible {
		if id == "j" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pinned market j missing from eligible set: %v", eligible)
	}
}

func TestUniverse_StallDetectionAndReset(t *testing.T) {
	matcher := &fakeMatcher{}
	cfg := DefaultExecutorConfig()
	cfg.UpdateTimeoutSecs = 1

	u := NewUniverse(matcher, cfg)
	now := time.Now()
	u.RecordUpdate(now)

	if u.CheckStall(now.Add(500 * time.Millisecond)) {
		t.Fatalf("expected no stall within timeout")
	}
	if !u.CheckStall(now.Add(2 * time.Second)) {
		t.Fatalf("expected stall after timeout elapsed")
	}

	u.RecordReset()
	stats := u.Stats()
	if stats.ResetsLastMinute != 1 {
		t.Fatalf("expected 1 reset recorded, got %v", stats.ResetsLastMinute)
	}

	u.ResetWindowCounters()
	stats = u.Stats()
	if stats.ResetsLastMinute != 0 || stats.StallsLastMinute != 0 {
		t.Fatalf("expected counters cleared after window reset, got %+v", stats)
	}
}
