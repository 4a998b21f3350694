package tuner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
)

type chanPubSub struct {
	ch chan adapters.Message
}

func newChanPubSub() *chanPubSub {
	return &chanPubSub{ch: make(chan adapters.Message, 8)}
}

func (f *chanPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	f.ch <- adapters.Message{Channel: channel, Payload: payload}
	return nil
}

func (f *chanPubSub) Subscribe(ctx context.Context, channel string) (<-chan adapters.Message, error) {
	return f.ch, nil
}

func TestSubscriberAppliesStartupSnapshotBeforeSubscribing(t *testing.T) {
	applied := map[string]decimal.Decimal{}
	sub := NewSubscriber(Config{AllowedSources: map[string]bool{"dynamic_tuner": true}}, nil,
		func(key string, value decimal.Decimal) { applied[key] = value })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := newChanPubSub()
	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Run(ctx, pubsub, map[string]decimal.Decimal{
			"arb_position_size": decimal.NewFromInt(50),
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := applied["arb_position_size"]; !ok || !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected startup snapshot applied, got %+v", applied)
	}
}

func TestSubscriberClampsToBounds(t *testing.T) {
	applied := map[string]decimal.Decimal{}
	bounds := map[string]Bounds{"arb_position_size": {Min: decimal.NewFromInt(10), Max: decimal.NewFromInt(100)}}
	sub := NewSubscriber(Config{AllowedSources: map[string]bool{"dynamic_tuner": true}}, bounds,
		func(key string, value decimal.Decimal) { applied[key] = value })

	sub.applyClamped("arb_position_size", decimal.NewFromInt(500), "test")
	if !applied["arb_position_size"].Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected clamp to max 100, got %s", applied["arb_position_size"])
	}

	sub.applyClamped("arb_position_size", decimal.NewFromInt(-5), "test")
	if !applied["arb_position_size"].Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected clamp to min 10, got %s", applied["arb_position_size"])
	}
}

func TestSubscriberRejectsDisallowedSource(t *testing.T) {
	applied := map[string]decimal.Decimal{}
	sub := NewSubscriber(Config{AllowedSources: map[string]bool{"dynamic_tuner": true}}, nil,
		func(key string, value decimal.Decimal) { applied[key] = value })

	payload, _ := json.Marshal(configUpdate{
		Key: "arb_position_size", Value: "42", Source: "untrusted", Reason: "test",
	})
	sub.handle(payload)

	if _, ok := applied["arb_position_size"]; ok {
		t.Fatalf("expected update from disallowed source to be rejected, got %+v", applied)
	}
}

func TestSubscriberAppliesAllowedSourceUpdate(t *testing.T) {
	applied := map[string]decimal.Decimal{}
	sub := NewSubscriber(Config{AllowedSources: map[string]bool{"dynamic_tuner": true}}, nil,
		func(key string, value decimal.Decimal) { applied[key] = value })

	payload, _ := json.Marshal(configUpdate{
		Key: "arb_position_size", Value: "42", Source: "dynamic_tuner", Reason: "test",
	})
	sub.handle(payload)

	if got, ok := applied["arb_position_size"]; !ok || !got.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("expected update applied, got %+v", applied)
	}
}
