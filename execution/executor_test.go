package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

func book(ask, bid string) *types.OrderBook {
	return &types.OrderBook{
		Asks: []types.Level{{Price: decimal.RequireFromString(ask), Size: decimal.NewFromInt(1000)}},
		Bids: []types.Level{{Price: decimal.RequireFromString(bid), Size: decimal.NewFromInt(1000)}},
	}
}

func TestPaperModeFillsAtOpposingPrice(t *testing.T) {
	exec := NewExecutor(nil, DefaultConfig())

	req := types.OrderRequest{
		ID:       "req-1",
		Side:     types.SideBuy,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromFloat(0.5),
	}

	report, err := exec.ExecuteMarket(context.Background(), req, book("0.46", "0.44"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Status != types.ExecStatusFilled {
		t.Fatalf("expected fill, got %s", report.Status)
	}
	if !report.AvgPrice.Equal(decimal.RequireFromString("0.46")) {
		t.Fatalf("expected fill at best ask 0.46, got %s", report.AvgPrice)
	}
	if !report.Fees.Equal(decimal.NewFromInt(10).Mul(decimal.RequireFromString("0.46")).Mul(DefaultConfig().FeeRate)) {
		t.Fatalf("unexpected fee calc: %s", report.Fees)
	}
}

func TestValidationRejectsOversizeOrderWithoutExternalCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOrderSize = decimal.NewFromInt(5)
	exec := NewExecutor(nil, cfg)

	req := types.OrderRequest{ID: "req-2", Side: types.SideBuy, Quantity: decimal.NewFromInt(10)}
	report, err := exec.ExecuteMarket(context.Background(), req, book("0.5", "0.49"))
	if err != nil {
		t.Fatalf("validation rejection must not be a Go error: %v", err)
	}
	if report.Status != types.ExecStatusRejected {
		t.Fatalf("expected rejected, got %s", report.Status)
	}
	var ve *types.ValidationError
	if report.Error == nil {
		t.Fatalf("expected a validation error attached to the report")
	}
	if _, ok := report.Error.(*types.ValidationError); !ok {
		t.Fatalf("expected *types.ValidationError, got %T", report.Error)
	}
	_ = ve
}

func TestBackoffDelayIsBoundedExponential(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond}, // would be 800ms uncapped; clamped to max
	}

	for _, c := range cases {
		got := backoffDelay(base, max, c.attempt)
		if got != c.want {
			t.Errorf("attempt %d: want %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestExecuteMarketReportsOntoBus(t *testing.T) {
	exec := NewExecutor(nil, DefaultConfig())
	envs, unsub := exec.Reports()
	defer unsub()

	req := types.OrderRequest{ID: "req-3", Side: types.SideBuy, Quantity: decimal.NewFromInt(1)}
	if _, err := exec.ExecuteMarket(context.Background(), req, book("0.5", "0.49")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case env := <-envs:
		if env.Signal == nil || env.Signal.Type != "execution_report" {
			t.Fatalf("expected execution_report signal, got %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for execution report broadcast")
	}
}
