// Package supervisor owns every long-lived component's shared handles and
// coordinates startup/shutdown, generalizing core.Engine's single
// mu+running+stopCh orchestration pattern (spec §4.I) instead of the
// teacher's single BTC strategy loop. Run starts the arb stream loop
// (detector and executor), the exit loop, the dynamic tuner and a
// heartbeat. The copy-trade Mirror and Registry are held as handles but
// are not driven from here, and no signal-bus bridge to external pub/sub
// is started.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/arbitrage"
	"github.com/web3guy0/polybot/copytrade"
	"github.com/web3guy0/polybot/execution"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/storage"
	"github.com/web3guy0/polybot/tuner"
	"github.com/web3guy0/polybot/types"
)

// Supervisor is the process-level orchestrator: it owns the shared
// handles (matcher, position repo, signal bus) every subsystem reads, and
// drains cleanly on shutdown instead of the teacher's abrupt close(stopCh).
type Supervisor struct {
	mu      sync.RWMutex
	running bool

	matcher   adapters.OrderMatcher
	pubsub    adapters.PubSub
	positions *storage.PositionRepository
	orders    *execution.Executor
	signals   *signalbus.Bus

	detector      *arbitrage.Detector
	arbExecutor   *arbitrage.SignalExecutor
	universe      *arbitrage.Universe
	cache         *arbitrage.TokenCache
	mirror        *copytrade.Mirror
	registry      *copytrade.Registry
	dynamicTuner  *tuner.Tuner
	exitEvaluator *arbitrage.ExitEvaluator

	inFlight sync.WaitGroup // per-signal processors currently running

	pendingMu sync.Mutex
	pending   map[string]*types.BinaryMarketBook // marketID -> partially-paired book

	heartbeatInterval time.Duration
	exitCheckInterval time.Duration
}

// Config collects the constructor's wiring inputs.
type Config struct {
	Matcher           adapters.OrderMatcher
	PubSub            adapters.PubSub
	Positions         *storage.PositionRepository
	Orders            *execution.Executor
	Signals           *signalbus.Bus
	Detector          *arbitrage.Detector
	ArbExecutor       *arbitrage.SignalExecutor
	Universe          *arbitrage.Universe
	Cache             *arbitrage.TokenCache
	Mirror            *copytrade.Mirror
	Registry          *copytrade.Registry
	DynamicTuner      *tuner.Tuner
	ExitEvaluator     *arbitrage.ExitEvaluator
	HeartbeatInterval time.Duration
	ExitCheckInterval time.Duration
}

// New constructs a Supervisor from a fully-wired Config.
func New(cfg Config) *Supervisor {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	exitInterval := cfg.ExitCheckInterval
	if exitInterval <= 0 {
		exitInterval = 60 * time.Second
	}
	return &Supervisor{
		matcher:           cfg.Matcher,
		pubsub:            cfg.PubSub,
		positions:         cfg.Positions,
		orders:            cfg.Orders,
		signals:           cfg.Signals,
		detector:          cfg.Detector,
		arbExecutor:       cfg.ArbExecutor,
		universe:          cfg.Universe,
		cache:             cfg.Cache,
		mirror:            cfg.Mirror,
		registry:          cfg.Registry,
		dynamicTuner:      cfg.DynamicTuner,
		exitEvaluator:     cfg.ExitEvaluator,
		pending:           make(map[string]*types.BinaryMarketBook),
		heartbeatInterval: interval,
		exitCheckInterval: exitInterval,
	}
}

// Run starts every subsystem and blocks until ctx is cancelled (typically
// by a SIGTERM handler installed by the caller), then drains in-flight
// work before returning (spec §4.I: "stop accepting new signals, drain
// in-flight per-signal processors, flush metrics, close streams, exit").
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.reconcileOnBoot(); err != nil {
		return err
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.dynamicTuner.Start(ctx); err != nil {
			log.Error().Err(err).Msg("dynamic tuner stopped with error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.streamLoop(ctx)
	}()

	if s.exitEvaluator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.exitLoop(ctx)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("supervisor draining: no new signals accepted")

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.inFlight.Wait() // drain per-signal processors already admitted
	wg.Wait()

	log.Info().Msg("supervisor shutdown complete")
	return nil
}

// reconcileOnBoot loads every Pending/Open position so a crash mid-entry
// leaves reconcilable evidence, matching spec §4.D "load_active() for
// boot reconciliation" and pinning each such market in the universe.
func (s *Supervisor) reconcileOnBoot() error {
	active, err := s.positions.LoadActive()
	if err != nil {
		return err
	}
	for _, p := range active {
		s.universe.Pin(p.MarketID)
		if p.State == types.PositionPending {
			log.Warn().Str("position_id", p.ID).Str("market_id", p.MarketID).Msg("boot reconciliation: position left Pending by a prior crash, flagging for operator review")
		}
	}
	log.Info().Int("count", len(active)).Msg("boot reconciliation loaded active positions")
	return nil
}

// streamLoop owns the universe's resubscription lifecycle and dispatches
// detected opportunities to the arb executor, admitting new work only
// while the supervisor is running (spec §4.I drain semantics).
func (s *Supervisor) streamLoop(ctx context.Context) {
	eligible, err := s.universe.Recompute(ctx)
	if err != nil {
		log.Error().Err(err).Msg("universe recompute failed")
		return
	}
	updates, err := s.universe.Resubscribe(ctx, eligible)
	if err != nil {
		log.Error().Err(err).Msg("universe resubscribe failed")
		return
	}

	stallCheck := time.NewTicker(5 * time.Second)
	defer stallCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stallCheck.C:
			if s.universe.CheckStall(time.Now()) {
				log.Warn().Msg("orderbook stream stalled, resubscribing from scratch")
				eligible, err := s.universe.Recompute(ctx)
				if err != nil {
					continue
				}
				newUpdates, err := s.universe.Resubscribe(ctx, eligible)
				if err != nil {
					continue
				}
				updates = newUpdates
				s.universe.RecordReset()
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			s.universe.RecordUpdate(time.Now())
			s.admitSignalWork(func() { s.handleBookUpdate(ctx, update) })
		}
	}
}

// handleBookUpdate pairs one raw per-token book update with its opposite
// leg, and once both sides of a market are present, runs the detector and
// dispatches any opportunity to the arb executor (spec §4.E "Universe"
// feeding the detector).
func (s *Supervisor) handleBookUpdate(ctx context.Context, update adapters.BookUpdate) {
	if update.Book == nil {
		return
	}

	marketID, isYes, ok := s.cache.Side(ctx, update.Book.TokenID)
	if !ok {
		log.Debug().Str("token_id", update.Book.TokenID).Msg("book update for unresolved token, dropping")
		return
	}

	book := s.updatePendingBook(marketID, isYes, update.Book)
	if book.YesBook == nil || book.NoBook == nil {
		return // still waiting on the opposite leg
	}

	now := time.Now()
	opp, found := s.detector.Evaluate(book, now)
	if !found {
		return
	}

	if err := s.arbExecutor.ProcessSignal(ctx, opp, book.YesBook, book.NoBook, now); err != nil {
		log.Error().Err(err).Str("market_id", marketID).Msg("arb signal processing failed")
	}
}

// updatePendingBook merges one leg's book into the market's pairing slot
// and returns a snapshot safe to read without holding pendingMu.
func (s *Supervisor) updatePendingBook(marketID string, isYes bool, book *types.OrderBook) *types.BinaryMarketBook {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	pair, ok := s.pending[marketID]
	if !ok {
		pair = &types.BinaryMarketBook{MarketID: marketID}
		s.pending[marketID] = pair
	}
	if isYes {
		pair.YesBook = book
	} else {
		pair.NoBook = book
	}

	snapshot := *pair
	return &snapshot
}

// admitSignalWork runs fn in its own goroutine iff the supervisor is still
// accepting new signals, tracked by inFlight so Run's drain step waits for
// it to finish (spec §4.I "drain in-flight per-signal processors").
func (s *Supervisor) admitSignalWork(fn func()) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return
	}

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		fn()
	}()
}

// exitLoop periodically re-evaluates every Open position's stop-loss,
// take-profit and max-hold-hours rules, closing the ones that have
// crossed (spec §1 "manages open positions through exit rules").
func (s *Supervisor) exitLoop(ctx context.Context) {
	ticker := time.NewTicker(s.exitCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.exitEvaluator.EvaluateAll(ctx, time.Now()); err != nil {
				log.Error().Err(err).Msg("exit evaluation failed")
			}
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.universe.Stats()
			// The counters cover one heartbeat interval; scale them to a minute.
			perMinute := float64(time.Minute) / float64(s.heartbeatInterval)
			log.Info().
				Float64("updates_per_minute", stats.UpdatesPerMinute*perMinute).
				Float64("stalls_last_minute", stats.StallsLastMinute*perMinute).
				Float64("resets_last_minute", stats.ResetsLastMinute*perMinute).
				Float64("monitored_markets", stats.MonitoredMarkets).
				Int("pending_orders", s.orders.PendingCount()).
				Msg("heartbeat")
			s.universe.ResetWindowCounters()
		}
	}
}
