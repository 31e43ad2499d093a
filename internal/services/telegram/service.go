// Package telegram sends run summaries to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/models"
	"github.com/rs/zerolog"
)

// maxMessageLength is the Telegram limit for a message text.
const maxMessageLength = 4096

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendNotification sends a run summary via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Bool("success", msg.Success).
		Int("targets", len(msg.Targets)).
		Msg("sending Telegram notification")

	jsonBody, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  FormatMessage(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; do not leak it through *url.Error.
		result.Error = fmt.Errorf("failed to send request: %s", strings.ReplaceAll(err.Error(), cfg.BotToken, "***"))
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiResp apiResponse
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Description != "" {
			result.Error = fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, apiResp.Description)
		} else {
			result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		}
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

// FormatMessage renders msg as Telegram HTML with one line per target.
func FormatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	switch {
	case msg.Success && msg.DryRun:
		b.WriteString("🧪 <b>Backup Dry Run Successful</b>\n\n")
	case msg.Success:
		b.WriteString("✅ <b>Backup Successful</b>\n\n")
	default:
		b.WriteString("❌ <b>Backup Failed</b>\n\n")
	}

	fmt.Fprintf(&b, "🖥 <b>Host:</b> %s\n", html.EscapeString(msg.Host))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if len(msg.Targets) > 0 {
		b.WriteString("\n<b>📦 Targets:</b>\n")
	}
	for _, t := range msg.Targets {
		b.WriteString(targetLine(t))
		b.WriteByte('\n')
	}

	text := b.String()
	if len(text) > maxMessageLength {
		text = truncate(text, maxMessageLength-len("\n…")) + "\n…"
	}
	return text
}

func targetLine(t models.TelegramTargetLine) string {
	name := "<b>" + html.EscapeString(t.Name) + "</b>"
	if !t.Success {
		step := t.FailedStep
		if step == "" {
			step = "backup"
		}
		return fmt.Sprintf("  ❌ %s: %s failed: <code>%s</code>", name, html.EscapeString(step), html.EscapeString(t.ErrorMessage))
	}

	icon := "✅"
	if t.Warning {
		icon = "⚠️"
	}
	line := fmt.Sprintf("  %s %s", icon, name)
	if t.Archive != "" {
		line += fmt.Sprintf(" <code>%s</code>", html.EscapeString(t.Archive))
	}
	if t.OriginalSize > 0 || t.NFiles > 0 {
		line += fmt.Sprintf(": %s files, %s, %s added",
			humanize.Comma(int64(t.NFiles)), humanize.IBytes(t.OriginalSize), humanize.IBytes(t.DeduplicatedSize))
	}
	if t.Warning {
		line += " (with warnings)"
	}
	return line
}

// truncate cuts s to at most n bytes at a line boundary, so no HTML tag is left open.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	if i := strings.LastIndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
