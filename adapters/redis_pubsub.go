package adapters

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REDIS PUBSUB - the process-boundary half of spec §4.H's bridge ("the
// in-process bus is mirrored onto an external pub/sub channel so other
// processes - the Telegram bot, a dashboard - see the same signals").
// No example repo in the pack wires a broker client; grounded on the
// go-redis/v9 reference carried by the pack's polymarket-bot manifest.
// ═══════════════════════════════════════════════════════════════════════════════

// RedisPubSub implements PubSub against a single redis connection.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub dials redis at addr (e.g. "localhost:6379"). An empty addr
// yields a no-op PubSub so the process still runs without a broker (spec
// §4.H pub/sub bridging is best-effort, never load-bearing for trading).
func NewRedisPubSub(addr string) PubSub {
	if addr == "" {
		log.Warn().Msg("redis pubsub: no address configured, running without cross-process signal bridging")
		return noopPubSub{}
	}
	return &RedisPubSub{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, err
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		raw := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type noopPubSub struct{}

func (noopPubSub) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (noopPubSub) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch := make(chan Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
