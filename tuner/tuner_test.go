package tuner

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/types"
)

type fakePublishError string

func (e fakePublishError) Error() string { return string(e) }

type fakePubSub struct {
	published [][2]string // channel, payload
	failNext  bool
}

func (f *fakePubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if f.failNext {
		f.failNext = false
		return fakePublishError("publish failed")
	}
	f.published = append(f.published, [2]string{channel, string(payload)})
	return nil
}

func (f *fakePubSub) Subscribe(ctx context.Context, channel string) (<-chan adapters.Message, error) {
	ch := make(chan adapters.Message)
	return ch, nil
}

func newTestTuner(t *testing.T) (*Tuner, *Store, *fakePubSub) {
	t.Helper()
	store, err := NewStore(t.TempDir() + "/tuner.db")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.SeedIfEmpty(); err != nil {
		t.Fatalf("SeedIfEmpty: %v", err)
	}
	metrics, err := NewMetricsCollector("")
	if err != nil {
		t.Fatalf("NewMetricsCollector: %v", err)
	}
	cfg := DefaultConfig()
	cfg.EvalDelayMinutes = 0
	pubsub := &fakePubSub{}
	tuner := NewTuner(cfg, store, metrics, pubsub, signalbus.New(), func() bool { return false })
	return tuner, store, pubsub
}

func TestStepLimit_BoundsMovementByMaxStepPct(t *testing.T) {
	current := decimal.NewFromFloat(0.02)
	target := decimal.NewFromFloat(0.10)
	maxStep := decimal.NewFromFloat(0.25)

	got := StepLimit(current, target, maxStep, decimal.NewFromFloat(0.02))
	want := current.Add(current.Mul(maxStep))
	if !got.Equal(want) {
		t.Fatalf("expected step-limited move to %s, got %s", want, got)
	}
}

func TestRegimeHysteresis_RequiresConsecutiveObservations(t *testing.T) {
	h := NewRegimeHysteresis(types.RegimeRanging, 2)

	if got := h.Observe(types.RegimeBullCalm); got != types.RegimeRanging {
		t.Fatalf("expected no switch on first observation, got %s", got)
	}
	if got := h.Observe(types.RegimeBullCalm); got != types.RegimeBullCalm {
		t.Fatalf("expected switch after 2 consecutive observations, got %s", got)
	}
}

func TestApplyAndPublish_RollsBackOnPublishFailure(t *testing.T) {
	tuner, store, pubsub := newTestTuner(t)
	pubsub.failNext = true

	params, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	var target types.DynamicParam
	for _, p := range params {
		if p.Key == "arb_min_net_profit" {
			target = p
		}
	}

	before := target.CurrentValue
	err = tuner.applyAndPublish(context.Background(), target, before.Add(decimal.NewFromFloat(0.001)))
	if err == nil {
		t.Fatalf("expected publish failure to surface as an error")
	}

	after, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	for _, p := range after {
		if p.Key == "arb_min_net_profit" {
			if !p.CurrentValue.Equal(before) {
				t.Fatalf("expected DB rollback to %s after publish failure, got %s", before, p.CurrentValue)
			}
			if p.PendingEval {
				t.Fatalf("expected pending_eval cleared after rollback")
			}
		}
	}
}

func TestEvaluatePending_RollsBackOnFillDegradation(t *testing.T) {
	tuner, store, _ := newTestTuner(t)

	err := store.WithLock("arb_min_net_profit", func(p *types.DynamicParam) error {
		p.LastGoodValue = decimal.NewFromFloat(0.005)
		p.CurrentValue = decimal.NewFromFloat(0.02)
		p.PendingEval = true
		return nil
	})
	if err != nil {
		t.Fatalf("seed pending param: %v", err)
	}

	params, _ := store.LoadAll()
	var target types.DynamicParam
	for _, p := range params {
		if p.Key == "arb_min_net_profit" {
			target = p
		}
	}

	degradedMetrics := types.TuningMetrics{SuccessfulFillRate: 0.5} // below (1 - FillDegradeDelta)
	if err := tuner.evaluatePending(target, degradedMetrics); err != nil {
		t.Fatalf("evaluatePending: %v", err)
	}

	after, _ := store.LoadAll()
	for _, p := range after {
		if p.Key == "arb_min_net_profit" {
			if !p.CurrentValue.Equal(decimal.NewFromFloat(0.005)) {
				t.Fatalf("expected rollback to last_good 0.005, got %s", p.CurrentValue)
			}
		}
	}
}
