package types

import "fmt"

// ═══════════════════════════════════════════════════════════════════════════════
// ERROR TAXONOMY - classifies failures so callers know whether to retry
// ═══════════════════════════════════════════════════════════════════════════════
//
// These are not meant to replace Go's error interface; every kind below wraps
// a plain error and is inspected with errors.As. Validation/business/auth
// failures are surfaced as results (ExecutionReport, EntryFailed reasons),
// not propagated as errors up the call stack - only InvariantViolation is
// meant to abort the enclosing handler.

// ValidationError is a local, deterministic failure. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransientNetworkError is retryable: network fault, timeout, 5xx, rate limit.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// MatcherBusinessError comes back from the matcher verbatim (insufficient
// funds, invalid signature, market closed). Non-retryable.
type MatcherBusinessError struct {
	Code    string
	Message string
}

func (e *MatcherBusinessError) Error() string {
	return fmt.Sprintf("matcher rejected order [%s]: %s", e.Code, e.Message)
}

// AuthError is non-retryable and escalates to the supervisor for a
// credential reload.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %s", e.Reason)
}

// InvariantViolation is fatal to the enclosing handler: logged, the signal
// is abandoned, the process continues.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated [%s]: %s", e.Invariant, e.Detail)
}

// StoreConflict signals an optimistic-update race at the persistence layer.
type StoreConflict struct {
	Key string
}

func (e *StoreConflict) Error() string {
	return fmt.Sprintf("store conflict updating %s", e.Key)
}

// PublishFailed means a pub/sub publish failed; the caller must roll back
// any companion write that was made contingent on it.
type PublishFailed struct {
	Channel string
	Err     error
}

func (e *PublishFailed) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Channel, e.Err)
}

func (e *PublishFailed) Unwrap() error { return e.Err }

// InfrastructureSkip marks a failure as outside any tunable parameter's
// control (market_not_active, near_resolution): callers like the dynamic
// tuner must pin the parameter instead of chasing the metric.
type InfrastructureSkip struct {
	Reason string
}

func (e *InfrastructureSkip) Error() string {
	return fmt.Sprintf("infrastructure skip: %s", e.Reason)
}

// InvalidStateTransition is returned by the position repository when asked
// to move a position along an edge not present in its lifecycle DAG.
type InvalidStateTransition struct {
	From, To string
}

func (e *InvalidStateTransition) Error() string {
	return fmt.Sprintf("invalid position state transition: %s -> %s", e.From, e.To)
}

// IsRetryable reports whether err belongs to a retryable kind, per §4.C of
// the order executor's retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *TransientNetworkError:
		return true
	default:
		return false
	}
}
