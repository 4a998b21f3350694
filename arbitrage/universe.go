package arbitrage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/adapters"
)

// StreamStats is the stream-health snapshot (spec §4.E "Stream health").
// The three rate fields hold raw counts since the last ResetWindowCounters
// call; the supervisor's heartbeat scales them to per-minute rates and
// logs them. The snapshot is not published over pub/sub.
type StreamStats struct {
	UpdatesPerMinute  float64
	StallsLastMinute  float64
	ResetsLastMinute  float64
	MonitoredMarkets  float64
}

// Universe tracks which markets are subscribed, enforces the
// max_markets_cap, keeps markets with open positions subscribed
// regardless of the cap, and resubscribes atomically on demand.
type Universe struct {
	mu   sync.RWMutex
	cfg  ExecutorConfig
	matcher adapters.OrderMatcher

	subscribed  map[string]bool
	pinned      map[string]bool // markets holding open positions
	cancelFn    context.CancelFunc

	lastUpdate time.Time
	updates    int64
	stalls     int64
	resets     int64
}

// NewUniverse constructs a Universe against the given matcher.
func NewUniverse(matcher adapters.OrderMatcher, cfg ExecutorConfig) *Universe {
	return &Universe{
		cfg:        cfg,
		matcher:    matcher,
		subscribed: make(map[string]bool),
		pinned:     make(map[string]bool),
	}
}

// Pin marks a market as holding an open position: it stays subscribed
// regardless of the liquidity cap (spec §4.E "Universe").
func (u *Universe) Pin(marketID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pinned[marketID] = true
}

// Unpin releases a market once its position closes.
func (u *Universe) Unpin(marketID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pinned, marketID)
}

// Recompute ranks all matcher markets by liquidity, keeps the top
// max_markets_cap plus every pinned market, and returns the new eligible
// set. Callers resubscribe via Resubscribe.
func (u *Universe) Recompute(ctx context.Context) ([]string, error) {
	markets, err := u.matcher.GetMarkets(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].LiquidityUSD.GreaterThan(markets[j].LiquidityUSD)
	})

	u.mu.RLock()
	pinned := make(map[string]bool, len(u.pinned))
	for k := range u.pinned {
		pinned[k] = true
	}
	u.mu.RUnlock()

	eligible := make([]string, 0, u.cfg.MaxMarketsCap+len(pinned))
	seen := make(map[string]bool)
	for _, m := range markets {
		if len(eligible) >= u.cfg.MaxMarketsCap && !pinned[m.MarketID] {
			continue
		}
		if seen[m.MarketID] {
			continue
		}
		eligible = append(eligible, m.MarketID)
		seen[m.MarketID] = true
	}
	for id := range pinned {
		if !seen[id] {
			eligible = append(eligible, id)
		}
	}

	return eligible, nil
}

// Resubscribe builds a fresh subscription stream for marketIDs, swaps it
// in, then closes the old one - spec §4.E "Resubscription replaces the
// subscription atomically: build new stream, swap, close old." The design
// note on the resubscription race (spec §9) is honored here: the new
// stream is preferred and pending messages from the old are dropped by
// simply not reading from the cancelled context's channel anymore.
func (u *Universe) Resubscribe(ctx context.Context, marketIDs []string) (<-chan adapters.BookUpdate, error) {
	newCtx, cancel := context.WithCancel(ctx)
	updates, err := u.matcher.SubscribeOrderbook(newCtx, marketIDs)
	if err != nil {
		cancel()
		return nil, err
	}

	u.mu.Lock()
	oldCancel := u.cancelFn
	u.cancelFn = cancel
	u.subscribed = make(map[string]bool, len(marketIDs))
	for _, id := range marketIDs {
		u.subscribed[id] = true
	}
	u.mu.Unlock()

	if oldCancel != nil {
		oldCancel() // close old stream only after the new one is live
	}

	log.Info().Int("markets", len(marketIDs)).Msg("arb universe resubscribed")
	return updates, nil
}

// RecordUpdate marks an update as received, clearing stall bookkeeping.
func (u *Universe) RecordUpdate(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates++
	u.lastUpdate = now
}

// CheckStall reports whether the stream has gone silent beyond
// update_timeout_secs, and if so counts a stall (spec §4.E "Stream
// health"). Callers that observe a stall should resubscribe from scratch
// and call RecordReset.
func (u *Universe) CheckStall(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastUpdate.IsZero() {
		return false
	}
	if now.Sub(u.lastUpdate) > u.cfg.updateTimeout() {
		u.stalls++
		return true
	}
	return false
}

// RecordReset counts a resubscribe-after-stall event.
func (u *Universe) RecordReset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resets++
}

// Stats returns a snapshot of the window counters and the number of
// subscribed markets.
func (u *Universe) Stats() StreamStats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return StreamStats{
		UpdatesPerMinute: float64(u.updates),
		StallsLastMinute: float64(u.stalls),
		ResetsLastMinute: float64(u.resets),
		MonitoredMarkets: float64(len(u.subscribed)),
	}
}

// ResetWindowCounters clears the window counters; the supervisor calls it
// once per heartbeat interval.
func (u *Universe) ResetWindowCounters() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = 0
	u.stalls = 0
	u.resets = 0
}
