package arbitrage

import (
	"context"
	"fmt"
	"sync"

	"github.com/web3guy0/polybot/adapters"
)

// TokenCache resolves (yes_token_id, no_token_id) for a market, refreshing
// from the matcher on a cache miss. Grounded on OutcomeTokenCache in
// arb_executor.rs - "On miss, trigger one refresh and retry; on second
// miss, skip" (spec §4.E step 3).
type TokenCache struct {
	mu      sync.RWMutex
	matcher adapters.OrderMatcher
	tokens  map[string][2]string // marketID -> [yesTokenID, noTokenID]
}

// NewTokenCache constructs an empty cache against the given matcher.
func NewTokenCache(matcher adapters.OrderMatcher) *TokenCache {
	return &TokenCache{matcher: matcher, tokens: make(map[string][2]string)}
}

// Resolve returns the yes/no token ids for marketID, refreshing the whole
// cache at most once if the market is missing.
func (c *TokenCache) Resolve(ctx context.Context, marketID string) (yesTokenID, noTokenID string, err error) {
	if yes, no, ok := c.lookup(marketID); ok {
		return yes, no, nil
	}

	if err := c.refresh(ctx); err != nil {
		return "", "", fmt.Errorf("refresh token cache: %w", err)
	}

	if yes, no, ok := c.lookup(marketID); ok {
		return yes, no, nil
	}

	return "", "", fmt.Errorf("market %s not found after token cache refresh", marketID)
}

func (c *TokenCache) lookup(marketID string) (string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pair, ok := c.tokens[marketID]
	return pair[0], pair[1], ok
}

// Side identifies which leg of a binary market a token id belongs to, for
// pairing raw per-token book updates back into a BinaryMarketBook.
func (c *TokenCache) Side(ctx context.Context, tokenID string) (marketID string, isYes bool, ok bool) {
	if marketID, isYes, ok = c.lookupSide(tokenID); ok {
		return
	}
	if err := c.refresh(ctx); err != nil {
		return "", false, false
	}
	return c.lookupSide(tokenID)
}

func (c *TokenCache) lookupSide(tokenID string) (string, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for marketID, pair := range c.tokens {
		if pair[0] == tokenID {
			return marketID, true, true
		}
		if pair[1] == tokenID {
			return marketID, false, true
		}
	}
	return "", false, false
}

func (c *TokenCache) refresh(ctx context.Context) error {
	markets, err := c.matcher.GetMarkets(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range markets {
		c.tokens[m.MarketID] = [2]string{m.YesTokenID, m.NoTokenID}
	}
	return nil
}
