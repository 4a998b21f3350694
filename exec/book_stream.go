package exec

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polybot/adapters"
	"github.com/web3guy0/polybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOOK STREAM - websocket multiplexer backing Client.SubscribeOrderbook,
// adapted from feeds/polymarket_ws.go's PolymarketFeed: same
// connect/readLoop/pingLoop reconnection idiom, but emitting
// adapters.BookUpdate instead of that feed's Tick broadcast.
// ═══════════════════════════════════════════════════════════════════════════════

const (
	wsURL           = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	reconnectDelay  = 5 * time.Second
	pingInterval    = 30 * time.Second
)

type bookStream struct {
	client    *Client
	marketIDs []string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newBookStream(c *Client, marketIDs []string) *bookStream {
	return &bookStream{client: c, marketIDs: marketIDs}
}

// run drives the reconnection loop until ctx is cancelled, matching
// connectionLoop's "keep retrying connect(), never give up" behavior.
func (s *bookStream) run(ctx context.Context, out chan<- adapters.BookUpdate) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("book stream: connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		pingDone := make(chan struct{})
		go s.pingLoop(ctx, conn, pingDone)

		s.readLoop(ctx, conn, out)
		close(pingDone)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *bookStream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	for _, marketID := range s.marketIDs {
		sub := map[string]any{
			"type":       "subscribe",
			"market":     marketID,
			"assets_ids": []string{},
			"channel":    "market",
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, err
		}
	}
	log.Info().Int("markets", len(s.marketIDs)).Msg("book stream connected")
	return conn, nil
}

func (s *bookStream) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *bookStream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- adapters.BookUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("book stream: read failed, reconnecting")
			return
		}
		s.processMessage(raw, out)
	}
}

// wsBookMessage mirrors feeds/polymarket_ws.go's WSMessage shape for the
// subset of fields a book_update event carries.
type wsBookMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Bids      [][]interface{} `json:"bids"`
	Asks      [][]interface{} `json:"asks"`
}

func (s *bookStream) processMessage(raw []byte, out chan<- adapters.BookUpdate) {
	var batch []wsBookMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		var single wsBookMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return
		}
		batch = []wsBookMessage{single}
	}

	for _, msg := range batch {
		if msg.EventType != "book" || msg.AssetID == "" {
			continue
		}
		book := &types.OrderBook{
			MarketID: msg.Market,
			TokenID:  msg.AssetID,
			Ts:       time.Now(),
			Bids:     parseWSLevels(msg.Bids),
			Asks:     parseWSLevels(msg.Asks),
		}
		select {
		case out <- adapters.BookUpdate{Book: book}:
		default:
			log.Warn().Str("token", msg.AssetID).Msg("book stream: update dropped, subscriber too slow")
		}
	}
}

func parseWSLevels(rows [][]interface{}) []types.Level {
	levels := make([]types.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err := decimal.NewFromString(toStr(row[0]))
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(toStr(row[1]))
		if err != nil {
			continue
		}
		levels = append(levels, types.Level{Price: price, Size: size})
	}
	return levels
}

func toStr(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
