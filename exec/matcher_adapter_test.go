package exec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/types"
)

func testClient(t *testing.T, dryRun bool) *Client {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Client{
		baseURL:    PolymarketCLOB,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey).Hex(),
		sigType:    SigTypeEOA,
		dryRun:     dryRun,
		httpClient: &http.Client{},
	}
}

func TestCreateSignedOrderDryRun(t *testing.T) {
	c := testClient(t, true)
	req := types.OrderRequest{
		MarketID: "m1",
		TokenID:  "tok-1",
		Side:     types.SideBuy,
		Price:    decimal.NewFromFloat(0.5),
		Quantity: decimal.NewFromInt(10),
		Type:     types.OrderTypeLimit,
	}

	signed, err := c.CreateSignedOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signed.Payload) == 0 {
		t.Fatal("expected non-empty payload in dry-run mode")
	}
	if signed.Salt == "" {
		t.Fatal("expected a generated salt in dry-run mode")
	}
}

func TestPostOrderDryRunMirrorsSyntheticFill(t *testing.T) {
	c := testClient(t, true)
	signed := &adapters.SignedOrder{Payload: []byte(`{"tokenId":"tok-1"}`)}

	result, err := c.PostOrder(context.Background(), signed, types.OrderTypeLimit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID == "" {
		t.Fatal("expected a synthetic order id")
	}
	if result.Status != types.ExecStatusFilled {
		t.Fatalf("expected dry-run post to report filled, got %s", result.Status)
	}
}

func TestDeriveAPIKeyDryRun(t *testing.T) {
	c := testClient(t, true)
	creds, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.APIKey == "" || creds.Secret == "" || creds.Passphrase == "" {
		t.Fatalf("expected synthetic credentials, got %+v", creds)
	}
}

func TestDeriveAPIKeyRequiresPrivateKey(t *testing.T) {
	c := testClient(t, true)
	c.privateKey = nil

	if _, err := c.DeriveAPIKey(context.Background()); err == nil {
		t.Fatal("expected an auth error when no private key is loaded")
	}
}

func TestUpdateBalanceAllowanceDryRunNoop(t *testing.T) {
	c := testClient(t, true)
	if err := c.UpdateBalanceAllowance(context.Background(), "collateral"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetOrderBookSortsLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"bids": [{"price": "0.40", "size": "100"}, {"price": "0.45", "size": "50"}],
			"asks": [{"price": "0.55", "size": "75"}, {"price": "0.52", "size": "25"}]
		}`))
	}))
	defer srv.Close()

	c := testClient(t, false)
	c.baseURL = srv.URL

	book, err := c.GetOrderBook(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !book.Bids[0].Price.Equal(decimal.NewFromFloat(0.45)) {
		t.Fatalf("expected best bid first (highest price), got %s", book.Bids[0].Price)
	}
	if !book.Asks[0].Price.Equal(decimal.NewFromFloat(0.52)) {
		t.Fatalf("expected best ask first (lowest price), got %s", book.Asks[0].Price)
	}
}

func TestGetMarketsFiltersIncompletePairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": [
				{
					"condition_id": "m1", "active": true, "liquidity_num": "1000",
					"tokens": [{"token_id": "yes-1", "outcome": "YES"}, {"token_id": "no-1", "outcome": "NO"}]
				},
				{
					"condition_id": "m2", "active": true, "liquidity_num": "500",
					"tokens": [{"token_id": "yes-2", "outcome": "YES"}]
				}
			]
		}`))
	}))
	defer srv.Close()

	c := testClient(t, false)
	c.baseURL = srv.URL

	markets, err := c.GetMarkets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("expected incomplete YES/NO pair to be dropped, got %d markets", len(markets))
	}
	if markets[0].MarketID != "m1" {
		t.Fatalf("expected market m1 to survive filtering, got %s", markets[0].MarketID)
	}
}
