package tuner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
)

// configUpdate is the wire payload of the "dynamic:config:update" channel
// (spec §6 pub/sub channels table).
type configUpdate struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Reason    string `json:"reason"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// Bounds is the subset of a DynamicParam a subscriber needs to re-clamp an
// incoming update: loaded once at startup and reused thereafter (spec
// §4.G step 9 "bounds are loaded at startup and reused").
type Bounds struct {
	Min, Max decimal.Decimal
}

// Subscriber applies allow-listed, re-clamped dynamic config updates to an
// in-memory RuntimeConfig snapshot supplied by the caller via apply.
type Subscriber struct {
	allowedSources map[string]bool
	bounds         map[string]Bounds
	apply          func(key string, value decimal.Decimal)
}

// NewSubscriber constructs a subscriber against a fixed bounds table
// (typically loaded once from Store.LoadAll at process startup) and an
// apply callback the caller supplies to mutate its own runtime config.
func NewSubscriber(cfg Config, bounds map[string]Bounds, apply func(key string, value decimal.Decimal)) *Subscriber {
	return &Subscriber{allowedSources: cfg.AllowedSources, bounds: bounds, apply: apply}
}

// Run subscribes to the dynamic config channel and applies every
// allow-listed, bounds-clamped update until ctx is cancelled. Before
// subscribing, it performs a one-time DB snapshot read (via initial,
// supplied by the caller) to reconcile - spec §4.G step 9: "On startup,
// each subscriber runs a snapshot read to reconcile" - queued pub/sub
// updates are processed after that reconciliation completes, never before.
func (s *Subscriber) Run(ctx context.Context, pubsub adapters.PubSub, initial map[string]decimal.Decimal) error {
	for key, value := range initial {
		s.applyClamped(key, value, "startup_snapshot")
	}

	messages, err := pubsub.Subscribe(ctx, "dynamic:config:update")
	if err != nil {
		return fmt.Errorf("subscribe dynamic config: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload []byte) {
	var update configUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		log.Warn().Err(err).Msg("dynamic config subscriber: malformed payload")
		return
	}

	if !s.allowedSources[update.Source] {
		log.Warn().Str("source", update.Source).Str("key", update.Key).Msg("dynamic config subscriber: rejected update from disallowed source")
		return
	}

	value, err := decimal.NewFromString(update.Value)
	if err != nil {
		log.Warn().Err(err).Str("key", update.Key).Msg("dynamic config subscriber: unparseable value")
		return
	}

	s.applyClamped(update.Key, value, update.Reason)
}

func (s *Subscriber) applyClamped(key string, value decimal.Decimal, reason string) {
	bounds, ok := s.bounds[key]
	clamped := value
	if ok {
		if clamped.LessThan(bounds.Min) {
			clamped = bounds.Min
		}
		if clamped.GreaterThan(bounds.Max) {
			clamped = bounds.Max
		}
	}
	s.apply(key, clamped)
	log.Debug().Str("key", key).Str("value", clamped.String()).Str("reason", reason).Msg("dynamic config subscriber applied update")
}
