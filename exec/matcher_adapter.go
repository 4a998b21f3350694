package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTER: Client -> adapters.OrderMatcher
//
// The matcher contract (spec §4.B) wants a signing step and a posting step
// separated so the order executor can classify failures between the two;
// CreateSignedOrder/PostOrder below are that split on top of client.go's
// buildSignedOrder. This file also adds the read-side methods (order book,
// market list, balance-allowance, API key derivation) and a websocket
// subscription adapted from feeds/polymarket_ws.go's connect/readLoop
// pattern, so *Client satisfies adapters.OrderMatcher directly.
// ═══════════════════════════════════════════════════════════════════════════════

// GetOrderBook fetches the current book for one token from the CLOB's
// public /book endpoint.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBook, error) {
	resp, err := c.get("/book?token_id=" + tokenID)
	if err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}

	var raw struct {
		Bids []rawLevel `json:"bids"`
		Asks []rawLevel `json:"asks"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("parse order book: %w", err)
	}

	book := &types.OrderBook{
		TokenID: tokenID,
		Ts:      time.Now(),
		Bids:    toLevels(raw.Bids),
		Asks:    toLevels(raw.Asks),
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book, nil
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func toLevels(raw []rawLevel) []types.Level {
	levels := make([]types.Level, 0, len(raw))
	for _, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			continue
		}
		levels = append(levels, types.Level{Price: price, Size: size})
	}
	return levels
}

// GetMarkets lists the sampling markets the CLOB currently serves, the
// universe's source for liquidity ranking (spec §4.E).
func (c *Client) GetMarkets(ctx context.Context) ([]adapters.Market, error) {
	resp, err := c.get("/sampling-markets")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}

	var raw struct {
		Data []struct {
			ConditionID string `json:"condition_id"`
			Active      bool   `json:"active"`
			Liquidity   string `json:"liquidity_num"`
			EndDateIso  string `json:"end_date_iso"`
			Tokens      []struct {
				TokenID string `json:"token_id"`
				Outcome string `json:"outcome"`
			} `json:"tokens"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("parse markets: %w", err)
	}

	markets := make([]adapters.Market, 0, len(raw.Data))
	for _, d := range raw.Data {
		m := adapters.Market{MarketID: d.ConditionID, Active: d.Active}
		if liq, err := decimal.NewFromString(d.Liquidity); err == nil {
			m.LiquidityUSD = liq
		}
		for _, tok := range d.Tokens {
			switch strings.ToUpper(tok.Outcome) {
			case "YES":
				m.YesTokenID = tok.TokenID
			case "NO":
				m.NoTokenID = tok.TokenID
			}
		}
		if end, err := time.Parse(time.RFC3339, d.EndDateIso); err == nil {
			m.NearResolution = time.Until(end) < 24*time.Hour
		}
		if m.YesTokenID == "" || m.NoTokenID == "" {
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// CreateSignedOrder builds and EIP-712-signs an order without submitting
// it, so a signing failure surfaces separately from a posting failure.
// execution.Executor calls it once per attempt, each with a fresh order id.
func (c *Client) CreateSignedOrder(ctx context.Context, req types.OrderRequest) (*adapters.SignedOrder, error) {
	orderType := OrderTypeFOK
	if req.Type == types.OrderTypeLimit {
		orderType = OrderTypeGTC
	}

	if c.dryRun {
		payload, _ := json.Marshal(map[string]string{
			"tokenId": req.TokenID,
			"side":    string(req.Side),
			"price":   req.Price.String(),
			"size":    req.Quantity.String(),
		})
		return &adapters.SignedOrder{Payload: payload, Salt: generateSalt()}, nil
	}

	signed, err := c.buildSignedOrder(req.TokenID, req.Price, req.Quantity, string(req.Side), orderType)
	if err != nil {
		return nil, &types.ValidationError{Field: "order", Reason: err.Error()}
	}
	payload, err := json.Marshal(OrderPayload{Order: *signed, Owner: c.apiKey, OrderType: orderType})
	if err != nil {
		return nil, err
	}
	return &adapters.SignedOrder{Payload: payload, Signature: []byte(signed.Signature), Salt: signed.Salt}, nil
}

// PostOrder submits a previously signed order. In dry-run mode it returns a
// synthetic immediate fill so paper and live share one code path downstream.
func (c *Client) PostOrder(ctx context.Context, signed *adapters.SignedOrder, orderType types.OrderType) (adapters.PostResult, error) {
	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: order would be posted")
		return adapters.PostResult{OrderID: orderID, Status: types.ExecStatusFilled}, nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/order", bytes.NewReader(signed.Payload))
	if err != nil {
		return adapters.PostResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)

	body, err := c.doRequest(req)
	if err != nil {
		if strings.Contains(err.Error(), "HTTP 401") || strings.Contains(err.Error(), "HTTP 403") {
			return adapters.PostResult{}, &types.AuthError{Reason: err.Error()}
		}
		return adapters.PostResult{}, err // classified transient by the executor
	}

	var result struct {
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return adapters.PostResult{}, fmt.Errorf("parse order response: %w", err)
	}
	if result.ErrorMsg != "" {
		return adapters.PostResult{}, &types.MatcherBusinessError{Code: "order_rejected", Message: result.ErrorMsg}
	}

	status := types.ExecStatusFilled
	if result.Status == "live" {
		status = types.ExecStatusPending
	}
	return adapters.PostResult{OrderID: result.OrderID, Status: status}, nil
}

// DeriveAPIKey derives (or re-derives) the L2 API key triple from the
// signer's L1 signature, the credential hot-reload path of spec §9.
func (c *Client) DeriveAPIKey(ctx context.Context) (adapters.Credentials, error) {
	if c.privateKey == nil {
		return adapters.Credentials{}, &types.AuthError{Reason: "no private key loaded"}
	}
	if c.dryRun {
		return adapters.Credentials{APIKey: "dry-run-key", Secret: "dry-run-secret", Passphrase: "dry-run-pass"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return adapters.Credentials{}, err
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("POLY_ADDRESS", c.address)
	req.Header.Set("POLY_TIMESTAMP", timestamp)

	body, err := c.doRequest(req)
	if err != nil {
		return adapters.Credentials{}, err
	}
	var creds struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		return adapters.Credentials{}, fmt.Errorf("parse derived credentials: %w", err)
	}
	c.apiKey, c.apiSecret, c.passphrase = creds.APIKey, creds.Secret, creds.Passphrase
	return adapters.Credentials{APIKey: creds.APIKey, Secret: creds.Secret, Passphrase: creds.Passphrase}, nil
}

// UpdateBalanceAllowance refreshes the CLOB's cached balance/allowance
// record for an asset after a trade so subsequent sizing sees a current
// figure (spec §4.C "refresh allowance cache post-fill").
func (c *Client) UpdateBalanceAllowance(ctx context.Context, asset string) error {
	if c.dryRun {
		return nil
	}
	body := map[string]string{"asset_type": asset, "signature_type": strconv.Itoa(c.sigType)}
	_, err := c.post("/balance-allowance/update", body)
	return err
}

// SubscribeOrderbook opens one websocket connection and multiplexes book
// updates for every requested market's YES/NO tokens onto a single
// channel, adapted from feeds/polymarket_ws.go's connectionLoop/connect/
// readLoop/pingLoop reconnection pattern.
func (c *Client) SubscribeOrderbook(ctx context.Context, marketIDs []string) (<-chan adapters.BookUpdate, error) {
	stream := newBookStream(c, marketIDs)
	out := make(chan adapters.BookUpdate, 256)
	go stream.run(ctx, out)
	return out, nil
}
