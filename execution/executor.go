package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER EXECUTOR - unified submission path: timeout, bounded exponential
// backoff, paper/live modes, credential lifecycle (spec §4.C).
//
// Adapted from the teacher's execution.Executor: the linear
// 100ms*attempt retry loop and "always assume immediate fill" live path are
// replaced with exponential backoff, per-attempt deadlines, and a
// retryable/non-retryable error split; order submission now reports
// through a lag-aware broadcast in addition to the synchronous return value.
// ═══════════════════════════════════════════════════════════════════════════════

// CredentialState is the signer/API-key lifecycle state machine (spec §4.C).
type CredentialState string

const (
	CredUninitialized CredentialState = "UNINITIALIZED"
	CredInitializing  CredentialState = "INITIALIZING"
	CredReady         CredentialState = "READY"
	CredReloading     CredentialState = "RELOADING"
)

// Config holds order-executor tuning knobs.
type Config struct {
	MaxRetries  int           // default 3, per spec §4.C
	BaseDelay   time.Duration // base for exponential backoff, default 250ms
	MaxDelay    time.Duration // backoff ceiling, default 8s
	TimeoutMS   time.Duration // per-attempt deadline, default 30s
	MaxOrderSize decimal.Decimal
	PaperMode   bool
	FeeRate     decimal.Decimal
}

// DefaultConfig matches the defaults named in spec §4.C/§5.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		TimeoutMS:    30 * time.Second,
		MaxOrderSize: decimal.NewFromInt(100000),
		PaperMode:    true,
		FeeRate:      decimal.NewFromFloat(0.02),
	}
}

// Metrics are the order executor's rolling counters (spec §4.C).
type Metrics struct {
	OrdersSubmitted int64
	OrdersFilled    int64
	OrdersRejected  int64
	TotalVolume     decimal.Decimal
	TotalFees       decimal.Decimal
	AvgLatencyUS    int64
}

// Executor is the spec's unified order-submission path. It owns its
// signer/credential handle exclusively (spec §3 Ownership) and reports
// every ExecutionReport onto a lag-aware broadcast rather than silently
// dropping reports when a consumer is slow.
type Executor struct {
	mu     sync.RWMutex
	config Config
	matcher adapters.OrderMatcher

	credMu    sync.RWMutex
	credState CredentialState
	creds     adapters.Credentials

	pending map[string]*types.OrderRequest // short-lived, removed before return

	reports *signalbus.Bus // broadcasts ExecutionReport-carrying SignalUpdate

	metrics Metrics
}

// NewExecutor constructs an order executor against the given matcher.
func NewExecutor(matcher adapters.OrderMatcher, config Config) *Executor {
	mode := "PAPER"
	if !config.PaperMode {
		mode = "LIVE"
	}
	log.Info().Str("mode", mode).Int("max_retries", config.MaxRetries).Msg("order executor initialized")

	return &Executor{
		config:    config,
		matcher:   matcher,
		credState: CredUninitialized,
		pending:   make(map[string]*types.OrderRequest),
		reports:   signalbus.New(),
	}
}

// Reports returns a subscription to ExecutionReport notifications, wrapped
// in SignalUpdate.Metadata["report"].
func (e *Executor) Reports() (<-chan signalbus.Envelope, func()) {
	return e.reports.Subscribe()
}

// ═══════════════════════════════════════════════════════════════════════════════
// CREDENTIAL LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// InitializeLiveTrading derives and caches the API key once. Safe to call
// at most meaningfully once per process lifetime; subsequent calls behave
// like ReloadWallet.
func (e *Executor) InitializeLiveTrading(ctx context.Context) error {
	e.credMu.Lock()
	if e.credState == CredInitializing || e.credState == CredReloading {
		e.credMu.Unlock()
		return &types.AuthError{Reason: "credential lifecycle already in progress"}
	}
	e.credState = CredInitializing
	e.credMu.Unlock()

	creds, err := e.matcher.DeriveAPIKey(ctx)
	if err != nil {
		e.credMu.Lock()
		e.credState = CredUninitialized
		e.credMu.Unlock()
		return &types.AuthError{Reason: fmt.Sprintf("derive api key: %v", err)}
	}

	e.credMu.Lock()
	e.creds = creds
	e.credState = CredReady
	e.credMu.Unlock()

	log.Info().Msg("live trading credentials initialized")
	return nil
}

// ReloadWallet re-derives the API credentials through the matcher and
// swaps them in under credMu. The signer itself belongs to the matcher
// and is not replaced here. While the reload runs the state is
// CredReloading, and live submissions made in that window are rejected
// with an AuthError.
func (e *Executor) ReloadWallet(ctx context.Context) error {
	e.credMu.Lock()
	e.credState = CredReloading
	e.credMu.Unlock()

	creds, err := e.matcher.DeriveAPIKey(ctx)
	if err != nil {
		e.credMu.Lock()
		e.credState = CredReady // keep serving with the old creds
		e.credMu.Unlock()
		return &types.AuthError{Reason: fmt.Sprintf("reload wallet: %v", err)}
	}

	e.credMu.Lock()
	e.creds = creds
	e.credState = CredReady
	e.credMu.Unlock()

	log.Info().Msg("wallet credentials reloaded")
	return nil
}

// RefreshAllowanceCache calls the matcher for each controlled asset.
func (e *Executor) RefreshAllowanceCache(ctx context.Context, assets []string) error {
	for _, asset := range assets {
		if err := e.matcher.UpdateBalanceAllowance(ctx, asset); err != nil {
			return fmt.Errorf("refresh allowance for %s: %w", asset, err)
		}
	}
	return nil
}

// CredentialState returns the current credential lifecycle state.
func (e *Executor) CredentialState() CredentialState {
	e.credMu.RLock()
	defer e.credMu.RUnlock()
	return e.credState
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ═══════════════════════════════════════════════════════════════════════════════

// ExecuteMarket submits a market order. Returns an ExecutionReport even on
// rejection - only InvariantViolation-class failures are returned as Go
// errors.
func (e *Executor) ExecuteMarket(ctx context.Context, req types.OrderRequest, book *types.OrderBook) (types.ExecutionReport, error) {
	req.Type = types.OrderTypeMarket
	return e.execute(ctx, req, book)
}

// ExecuteLimit submits a limit order.
func (e *Executor) ExecuteLimit(ctx context.Context, req types.OrderRequest, book *types.OrderBook) (types.ExecutionReport, error) {
	req.Type = types.OrderTypeLimit
	return e.execute(ctx, req, book)
}

func (e *Executor) execute(ctx context.Context, req types.OrderRequest, book *types.OrderBook) (types.ExecutionReport, error) {
	start := time.Now()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if req.Quantity.GreaterThan(e.config.MaxOrderSize) {
		report := types.ExecutionReport{
			OrderID: req.ID,
			Status:  types.ExecStatusRejected,
			Error:   &types.ValidationError{Field: "quantity", Reason: "exceeds max_order_size"},
			Ts:      time.Now(),
		}
		e.publishReport(report)
		return report, nil
	}

	e.mu.Lock()
	e.pending[req.ID] = &req
	e.metrics.OrdersSubmitted++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ID)
		e.mu.Unlock()
	}()

	var report types.ExecutionReport
	var err error
	if e.config.PaperMode {
		report, err = e.simulateFill(req, book)
	} else {
		report, err = e.executeLiveWithRetry(ctx, req)
	}
	report.LatencyUS = time.Since(start).Microseconds()

	e.mu.Lock()
	if report.Status == types.ExecStatusFilled || report.Status == types.ExecStatusPartiallyFilled {
		e.metrics.OrdersFilled++
		e.metrics.TotalVolume = e.metrics.TotalVolume.Add(report.AvgPrice.Mul(report.FilledQty))
		e.metrics.TotalFees = e.metrics.TotalFees.Add(report.Fees)
	} else if report.Status == types.ExecStatusRejected {
		e.metrics.OrdersRejected++
	}
	if e.metrics.OrdersSubmitted > 0 {
		e.metrics.AvgLatencyUS = (e.metrics.AvgLatencyUS*(e.metrics.OrdersSubmitted-1) + report.LatencyUS) / e.metrics.OrdersSubmitted
	}
	e.mu.Unlock()

	e.publishReport(report)
	return report, err
}

// simulateFill synthesizes a fill at best opposing price, per §4.C Paper mode.
func (e *Executor) simulateFill(req types.OrderRequest, book *types.OrderBook) (types.ExecutionReport, error) {
	if book == nil {
		return types.ExecutionReport{}, &types.InvariantViolation{Invariant: "paper-fill", Detail: "no book supplied to simulate against"}
	}

	var fillPrice decimal.Decimal
	if req.Side == types.SideBuy {
		fillPrice = book.BestAsk().Price
	} else {
		fillPrice = book.BestBid().Price
	}
	if fillPrice.IsZero() {
		fillPrice = req.Price
	}

	fees := req.Quantity.Mul(fillPrice).Mul(e.config.FeeRate)

	return types.ExecutionReport{
		OrderID:   req.ID,
		Status:    types.ExecStatusFilled,
		FilledQty: req.Quantity,
		AvgPrice:  fillPrice,
		Fees:      fees,
		Attempts:  1,
		Ts:        time.Now(),
	}, nil
}

// executeLiveWithRetry implements the bounded exponential-backoff retry
// policy of spec §4.C: min(base * 2^(attempt-1), max_delay), at most
// MaxRetries attempts, each wrapped in a TimeoutMS deadline, stopping
// immediately on a non-retryable error.
func (e *Executor) executeLiveWithRetry(ctx context.Context, req types.OrderRequest) (types.ExecutionReport, error) {
	if e.CredentialState() != CredReady {
		return types.ExecutionReport{
			OrderID: req.ID,
			Status:  types.ExecStatusRejected,
			Error:   &types.AuthError{Reason: "signer not ready for live trading"},
			Ts:      time.Now(),
		}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= e.config.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.TimeoutMS)
		report, err := e.submitOnce(attemptCtx, req, attempt)
		cancel()

		if err == nil {
			return report, nil
		}
		lastErr = err

		if !types.IsRetryable(err) {
			return types.ExecutionReport{
				OrderID:  req.ID,
				Status:   types.ExecStatusRejected,
				Error:    err,
				Attempts: attempt,
				Ts:       time.Now(),
			}, nil
		}

		if attempt == e.config.MaxRetries {
			break
		}

		delay := backoffDelay(e.config.BaseDelay, e.config.MaxDelay, attempt)
		log.Warn().Err(err).Int("attempt", attempt).Str("order_id", req.ID).Dur("delay", delay).Msg("retryable order submission failure, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = e.config.MaxRetries
		}
	}

	return types.ExecutionReport{
		OrderID:  req.ID,
		Status:   types.ExecStatusRejected,
		Error:    lastErr,
		Attempts: e.config.MaxRetries,
		Ts:       time.Now(),
	}, nil
}

// backoffDelay computes min(base * 2^(attempt-1), max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(base) * factor)
	if d > max {
		return max
	}
	return d
}

// submitOnce performs a single signed submission against the matcher.
// Every attempt gets a fresh order id (spec §3 "retries re-issue new
// orders with fresh IDs; no resubmission of the same ID").
func (e *Executor) submitOnce(ctx context.Context, req types.OrderRequest, attempt int) (types.ExecutionReport, error) {
	attemptReq := req
	attemptReq.ID = uuid.NewString()

	signed, err := e.matcher.CreateSignedOrder(ctx, attemptReq)
	if err != nil {
		return types.ExecutionReport{}, classifyMatcherError(err)
	}

	result, err := e.matcher.PostOrder(ctx, signed, attemptReq.Type)
	if err != nil {
		return types.ExecutionReport{}, classifyMatcherError(err)
	}
	if result.Err != nil {
		return types.ExecutionReport{}, classifyMatcherError(result.Err)
	}

	return types.ExecutionReport{
		OrderID:   result.OrderID,
		Status:    result.Status,
		FilledQty: req.Quantity,
		AvgPrice:  req.Price,
		Attempts:  attempt,
		Ts:        time.Now(),
	}, nil
}

// classifyMatcherError maps a raw matcher error into the taxonomy of §7.
// Context deadline/cancellation and anything not already typed is treated
// as a transient network fault (retryable); the matcher client is expected
// to return *types.MatcherBusinessError / *types.AuthError / *types.ValidationError
// directly when it can distinguish them.
func classifyMatcherError(err error) error {
	if err == nil {
		return nil
	}
	var (
		validationErr *types.ValidationError
		businessErr   *types.MatcherBusinessError
		authErr       *types.AuthError
	)
	if errors.As(err, &validationErr) || errors.As(err, &businessErr) || errors.As(err, &authErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &types.TransientNetworkError{Op: "submit", Err: err}
	}
	var transientErr *types.TransientNetworkError
	if errors.As(err, &transientErr) {
		return err
	}
	return &types.TransientNetworkError{Op: "submit", Err: err}
}

func (e *Executor) publishReport(report types.ExecutionReport) {
	status := string(report.Status)
	e.reports.Publish(types.SignalUpdate{
		Type:     "execution_report",
		MarketID: "",
		Action:   status,
		Metadata: map[string]any{"report": report},
		Ts:       time.Now(),
	})
}

// GetMetrics returns a snapshot of rolling execution metrics.
func (e *Executor) GetMetrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metrics
}

// PendingCount returns the number of in-flight submissions.
func (e *Executor) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}
