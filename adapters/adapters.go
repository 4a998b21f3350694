// Package adapters declares the contracts spec.md treats as external
// collaborators (§4.B): the order-matching service, the relational store,
// the pub/sub bus, and the on-chain signer. Concrete implementations wrap
// the teacher's exec.Client (matcher) and an in-process bus bridged to
// Redis-style pub/sub. Store has no implementation in this module
// (storage.PositionRepository and tuner.Store use gorm directly).
package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/types"
)

// Market is the minimal market descriptor the matcher exposes for universe
// selection (§4.E "Universe").
type Market struct {
	MarketID    string
	YesTokenID  string
	NoTokenID   string
	LiquidityUSD decimal.Decimal
	NearResolution bool
	Active      bool
}

// SignedOrder is a matcher-ready, signer-produced order payload.
type SignedOrder struct {
	Payload   []byte
	Signature []byte
	Salt      string
}

// PostResult is the matcher's immediate response to order submission.
type PostResult struct {
	OrderID string
	Status  types.ExecutionStatus
	Err     error
}

// Credentials are the API key triple derived from a signer-owned address.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// BookUpdate is one message off the matcher's order-book stream.
type BookUpdate struct {
	Book *types.OrderBook
}

// OrderMatcher is the external order-matching service contract (§4.B).
type OrderMatcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error)
	GetMarkets(ctx context.Context) ([]Market, error)
	CreateSignedOrder(ctx context.Context, req types.OrderRequest) (*SignedOrder, error)
	PostOrder(ctx context.Context, signed *SignedOrder, orderType types.OrderType) (PostResult, error)
	DeriveAPIKey(ctx context.Context) (Credentials, error)
	UpdateBalanceAllowance(ctx context.Context, asset string) error
	SubscribeOrderbook(ctx context.Context, marketIDs []string) (<-chan BookUpdate, error)
}

// Store is the relational-persistence contract. Implementations must
// support row-level locking for read-modify-write cycles (dynamic param
// evaluation/rollback) and idempotent upserts.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error
	LockForUpdate(ctx context.Context, table string, key string, dest any) error
	Upsert(ctx context.Context, table string, key string, row any) error
	BatchGet(ctx context.Context, table string, keys []string, dest any) error
}

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is the external publish/subscribe contract. Delivery is
// at-most-once per subscriber; gaps must be detectable (mirrors the
// in-process signalbus.Bus semantics at the process boundary).
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
}

// Signer produces EIP-712-style signatures over typed order payloads. The
// address is stable for the process lifetime of a given key; the interface
// has no key-reload method.
type Signer interface {
	Address() string
	SignOrder(ctx context.Context, payload []byte) ([]byte, error)
}

// RetryClassifier decides whether an error returned by an OrderMatcher
// call should be retried, matching the error taxonomy of spec §7.
func RetryClassifier(err error) bool {
	return types.IsRetryable(err)
}

// DefaultStaleness is the maximum allowed timestamp drift between a
// binary market's YES and NO sub-books before they're treated as stale
// (spec §3 BinaryMarketBook invariant).
const DefaultStaleness = 5 * time.Second
