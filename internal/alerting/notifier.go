package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装单笔成交的告警上下文。
type Notification struct {
	Coin       string
	Side       string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Notional   decimal.Decimal
	Wallet     string
	ObservedAt time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id":                  n.chatID,
		"text":                     renderMessage(note),
		"parse_mode":               "HTML",
		"disable_web_page_preview": "true",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("side", note.Side).
		Str("notional", note.Notional.StringFixed(2)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	emoji := "🔴"
	if note.Side == "BUY" {
		emoji = "🟢"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("%s <b>%s %s</b>\n\n", emoji, note.Coin, note.Side))
	builder.WriteString(fmt.Sprintf("💰 <b>Size:</b> $%s\n", note.Notional.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("📊 <b>Amount:</b> %s %s\n", note.Quantity.String(), note.Coin))
	builder.WriteString(fmt.Sprintf("💲 <b>Price:</b> $%s\n", note.Price.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("👤 <b>Wallet:</b> <code>%s</code>\n", ShortWallet(note.Wallet)))
	builder.WriteString(fmt.Sprintf("⏰ <b>Time:</b> %s UTC\n", note.ObservedAt.UTC().Format("Jan 02 15:04:05")))
	builder.WriteString("\n🔗 <a href=\"https://app.hyperliquid.xyz/explorer\">View on Explorer</a>")
	return builder.String()
}

// ShortWallet abbreviates long addresses to the 0xabcdef…1234 form.
func ShortWallet(wallet string) string {
	if len(wallet) <= 10 {
		return wallet
	}
	return wallet[:6] + "..." + wallet[len(wallet)-4:]
}

var _ Notifier = (*TelegramNotifier)(nil)
