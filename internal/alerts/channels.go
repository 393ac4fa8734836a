package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Channel delivers one alert to one destination
type Channel interface {
	// Name returns channel name for rate-limit keys and the summary
	Name() string
	// Send delivers one alert
	Send(ctx context.Context, alert *models.AlertEvent) error
}

// ConsoleChannel writes alerts to the log
type ConsoleChannel struct{}

func (ConsoleChannel) Name() string { return "console" }

// Send logs the alert at a level matching its severity
func (ConsoleChannel) Send(ctx context.Context, alert *models.AlertEvent) error {
	fields := []zap.Field{
		zap.String("rule", alert.RuleID),
		zap.String("fingerprint", alert.Fingerprint),
		zap.String("message", alert.Message),
	}
	switch alert.Severity {
	case models.SeverityCritical:
		logger.Error("🚨 ALERT: "+alert.Title, fields...)
	case models.SeverityWarning:
		logger.Warn("⚠️ ALERT: "+alert.Title, fields...)
	default:
		logger.Info("ALERT: "+alert.Title, fields...)
	}
	return nil
}

// DiscordChannel posts alerts to a Discord webhook
type DiscordChannel struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordChannel creates new Discord channel
func NewDiscordChannel(webhookURL string) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (DiscordChannel) Name() string { return "discord" }

// Send posts a Discord embed
func (d *DiscordChannel) Send(ctx context.Context, alert *models.AlertEvent) error {
	color := 0x3498db // info blue
	switch alert.Severity {
	case models.SeverityWarning:
		color = 0xf1c40f
	case models.SeverityCritical:
		color = 0xe74c3c
	}

	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       alert.Title,
			"description": alert.Message,
			"color":       color,
			"footer":      map[string]string{"text": alert.Fingerprint},
		}},
	}
	return postJSON(ctx, d.client, d.webhookURL, payload)
}

// WebhookChannel posts the raw alert to a generic webhook
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates new webhook channel
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (WebhookChannel) Name() string { return "webhook" }

// Send posts the alert JSON
func (w *WebhookChannel) Send(ctx context.Context, alert *models.AlertEvent) error {
	return postJSON(ctx, w.client, w.url, alert)
}

// TelegramChannel sends alerts to a Telegram chat
type TelegramChannel struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramChannel creates new Telegram channel
func NewTelegramChannel(botToken string, chatID int64) (*TelegramChannel, error) {
	if botToken == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	bot.Debug = false

	logger.Info("telegram alert channel initialized",
		zap.String("bot_username", bot.Self.UserName),
	)

	return &TelegramChannel{api: bot, chatID: chatID}, nil
}

func (TelegramChannel) Name() string { return "telegram" }

// Send delivers a Markdown-formatted alert message
func (t *TelegramChannel) Send(ctx context.Context, alert *models.AlertEvent) error {
	emoji := "ℹ️"
	switch alert.Severity {
	case models.SeverityWarning:
		emoji = "⚠️"
	case models.SeverityCritical:
		emoji = "🚨"
	}

	text := fmt.Sprintf("%s *%s*\n%s", emoji, alert.Title, alert.Message)
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
