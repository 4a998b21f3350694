package signalbus

import (
	"testing"
	"time"

	"github.com/web3guy0/polybot/types"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New()
	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	bus.Publish(types.SignalUpdate{Type: "arb_entry", MarketID: "m1"})

	for i, ch := range []<-chan Envelope{ch1, ch2} {
		select {
		case env := <-ch:
			if env.Signal == nil || env.Signal.MarketID != "m1" {
				t.Fatalf("subscriber %d: expected signal for m1, got %+v", i, env)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for signal", i)
		}
	}
}

func TestLagReportedNotSilentlyDropped(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe()
	defer unsub()

	// Fill the subscriber's buffer without draining it.
	for i := 0; i < subscriberBufferSize+5; i++ {
		bus.Publish(types.SignalUpdate{Type: "arb_entry", MarketID: "m1"})
	}

	// The lag count is flushed by the next Publish that finds a free
	// slot: free one, then publish again.
	<-ch
	bus.Publish(types.SignalUpdate{Type: "arb_entry", MarketID: "m1"})

	sawLag := false
	drained := 0
	for drained < subscriberBufferSize {
		select {
		case env := <-ch:
			if env.Lag != nil {
				sawLag = true
			}
			drained++
		case <-time.After(time.Second):
			t.Fatalf("timed out draining subscriber channel")
		}
	}

	if !sawLag {
		t.Fatalf("expected at least one Lagged envelope after overflowing the subscriber buffer")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe()
	unsub()

	bus.Publish(types.SignalUpdate{Type: "arb_entry", MarketID: "m1"})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to be closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}
