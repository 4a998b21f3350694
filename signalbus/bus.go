// Package signalbus implements the in-process broadcast described in
// spec §4.H: SignalUpdate events fan out to every subscriber, and a
// subscriber that falls behind is told so explicitly instead of silently
// losing messages. This generalizes the fan-out pattern in
// feeds/polymarket_ws.go (Subscribe/broadcast), whose non-blocking
// send-or-drop semantics do not satisfy the "lag-detecting broadcast, not
// drop-oldest" requirement.
package signalbus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/types"
)

// subscriberBufferSize bounds each subscriber's mailbox; once full, further
// sends are counted as lag rather than blocking the publisher or silently
// dropping.
const subscriberBufferSize = 256

// Lagged is delivered on a subscriber's channel (wrapped in Envelope) when
// its mailbox could not keep up. N is the number of signals it missed since
// the last successful delivery or Lagged notice.
type Lagged struct {
	N uint64
}

// Envelope is what a subscriber actually receives: either a live signal or
// a Lagged marker, never both silently merged.
type Envelope struct {
	Signal *types.SignalUpdate
	Lag    *Lagged
}

type subscriber struct {
	id      uint64
	ch      chan Envelope
	missed  uint64
	closed  atomic.Bool
}

// Bus is a multi-producer, multi-consumer broadcast of SignalUpdate events.
// Every Publish is delivered to every live subscriber; a subscriber whose
// buffer is full receives a Lagged count on its next successful send
// instead of the publisher blocking or the message vanishing.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	published uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber and returns a receive-only channel
// plus an unsubscribe function. Callers must drain the channel; use
// Unsubscribe on shutdown to release resources.
func (b *Bus) Subscribe() (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, ch: make(chan Envelope, subscriberBufferSize)}
	b.subs[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			if s.closed.CompareAndSwap(false, true) {
				close(s.ch)
			}
			delete(b.subs, id)
		}
	}

	return sub.ch, unsubscribe
}

// Publish delivers signal to every current subscriber. A subscriber with a
// full buffer does not block the publisher: its pending lag counter is
// incremented, and the lag is flushed as an Envelope the next time a slot
// opens (or immediately if the buffer is free right now).
func (b *Bus) Publish(signal types.SignalUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	atomic.AddUint64(&b.published, 1)

	for _, sub := range b.subs {
		b.deliver(sub, signal)
	}
}

func (b *Bus) deliver(sub *subscriber, signal types.SignalUpdate) {
	if sub.closed.Load() {
		return
	}

	// Flush any accumulated lag first so ordering stays
	// Lagged-then-signal, never signal-then-silently-stale-lag.
	if missed := atomic.LoadUint64(&sub.missed); missed > 0 {
		select {
		case sub.ch <- Envelope{Lag: &Lagged{N: missed}}:
			atomic.StoreUint64(&sub.missed, 0)
		default:
			atomic.AddUint64(&sub.missed, 1)
			log.Warn().Uint64("subscriber", sub.id).Msg("signal bus subscriber lagging, dropping signal in favor of lag count")
			return
		}
	}

	sig := signal
	select {
	case sub.ch <- Envelope{Signal: &sig}:
	default:
		atomic.AddUint64(&sub.missed, 1)
		log.Warn().Uint64("subscriber", sub.id).Msg("signal bus subscriber buffer full, recording lag")
	}
}

// SubscriberCount returns the number of currently-registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the lifetime count of Publish calls, used for
// updates_per_minute style stream-health reporting.
func (b *Bus) Published() uint64 {
	return atomic.LoadUint64(&b.published)
}
