// Package notify bridges the signal bus to an operator-facing Telegram
// channel. Adapted from the teacher's bot/telegram.go: same BotAPI wiring
// and Markdown alert formatting, re-targeted at the signal vocabulary this
// module actually publishes (arb_entry, arb_exit, copy_fill, dynamic_config)
// instead of the teacher's BTC-sniper trade lifecycle.
package notify

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/signalbus"
	"github.com/web3guy0/polybot/types"
)

// TelegramNotifier relays signal bus events to a single operator chat.
// It never blocks trading: Send failures are logged and swallowed.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier builds a notifier from TELEGRAM_BOT_TOKEN/
// TELEGRAM_CHAT_ID. An empty token returns (nil, nil): notifications are
// opt-in, matching the spec's "best-effort, never load-bearing" framing.
func NewTelegramNotifier(token, chatIDStr string) (*TelegramNotifier, error) {
	if token == "" {
		log.Info().Msg("no TELEGRAM_BOT_TOKEN set, Telegram notifications disabled")
		return nil, nil
	}
	if chatIDStr == "" {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 telegram notifier ready")
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

// Run subscribes to the bus and forwards every signal worth an operator's
// attention until ctx is done. It is meant to run as one supervised
// goroutine (spec §4.H "external bridge notification sink").
func (n *TelegramNotifier) Run(envelopes <-chan signalbus.Envelope, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if env.Lag != nil {
				n.send(fmt.Sprintf("⚠️ *NOTIFIER LAGGING* — missed %d signals", env.Lag.N))
				continue
			}
			if env.Signal != nil {
				if msg := n.format(*env.Signal); msg != "" {
					n.send(msg)
				}
			}
		}
	}
}

func (n *TelegramNotifier) format(s types.SignalUpdate) string {
	switch s.Type {
	case "arb_entry":
		if s.Action == "opened" {
			return fmt.Sprintf("🟢 *ARB OPENED*\n\nMarket: `%s`\n%s", s.MarketID, formatMeta(s.Metadata))
		}
		if s.Action == "failed" {
			reason := fmt.Sprint(s.Metadata["reason"])
			emoji := "⚠️"
			if strings.Contains(reason, "one_legged") {
				emoji = "🚨"
			}
			return fmt.Sprintf("%s *ARB ENTRY FAILED*\n\nMarket: `%s`\n%s", emoji, s.MarketID, reason)
		}
	case "arb_exit":
		return fmt.Sprintf("📊 *ARB CLOSED*\n\nMarket: `%s`\n%s", s.MarketID, formatMeta(s.Metadata))
	case "copy_fill":
		if s.Action == "filled" {
			return fmt.Sprintf("✅ *COPY TRADE FILLED*\n\nMarket: `%s`\n%s", s.MarketID, formatMeta(s.Metadata))
		}
		if s.Action == "failed" {
			return fmt.Sprintf("❌ *COPY TRADE FAILED*\n\nMarket: `%s`\n%s", s.MarketID, formatMeta(s.Metadata))
		}
	case "dynamic_config":
		return fmt.Sprintf("🎛️ *PARAM TUNED*\n\n%s", formatMeta(s.Metadata))
	case "circuit_breaker":
		return fmt.Sprintf("🛑 *CIRCUIT BREAKER*\n\n%s", formatMeta(s.Metadata))
	}
	return ""
}

func formatMeta(meta map[string]any) string {
	var b strings.Builder
	for k, v := range meta {
		fmt.Fprintf(&b, "%s: `%v`\n", k, v)
	}
	return b.String()
}

func (n *TelegramNotifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram notification")
	}
}
