// Package chat is the text-only session engine: the same tool surface as the
// voice engine, carried over a long-polling chat-bot API instead of a phone
// call.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Update is one inbound chat message with its monotonic identifier.
type Update struct {
	UpdateID int64
	Text     string
}

// API is the slice of the bot API the engine needs.
type API interface {
	// GetUpdates long-polls for updates at or after offset. timeout is the
	// server-side hold in seconds; zero returns immediately.
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	// SendMessage delivers text to the operator.
	SendMessage(ctx context.Context, text string) error
}

// TelegramConfig holds bot credentials and the operator's chat.
type TelegramConfig struct {
	Token   string
	ChatID  string
	BaseURL string // defaults to the public Bot API
}

// Telegram implements API against the Telegram Bot API. Messages go out as
// Markdown; a parse failure falls back to plain text once, since operator
// messages frequently quote code with unbalanced markers.
type Telegram struct {
	config TelegramConfig
	client *http.Client
	logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig, logger *slog.Logger) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	return &Telegram{
		config: cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

type updateResponse struct {
	OK     bool `json:"ok"`
	Result []struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			Text string `json:"text"`
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"result"`
}

func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d", t.config.BaseURL, t.config.Token, offset, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API error %d: %s", resp.StatusCode, string(body))
	}

	var result updateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}

	updates := make([]Update, 0, len(result.Result))
	for _, u := range result.Result {
		text := ""
		if u.Message != nil {
			text = u.Message.Text
		}
		updates = append(updates, Update{UpdateID: u.UpdateID, Text: text})
	}
	return updates, nil
}

func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	err := t.send(ctx, text, "Markdown")
	if err != nil && isParseEntityError(err) {
		t.logger.Debug("markdown send rejected, retrying as plain text")
		return t.send(ctx, text, "")
	}
	return err
}

func (t *Telegram) send(ctx context.Context, text, parseMode string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.config.BaseURL, t.config.Token)

	sendReq := map[string]string{
		"chat_id": t.config.ChatID,
		"text":    text,
	}
	if parseMode != "" {
		sendReq["parse_mode"] = parseMode
	}
	payload, err := json.Marshal(sendReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage error %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// isParseEntityError detects the Bot API's 400 for broken Markdown.
func isParseEntityError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "400") && strings.Contains(msg, "can't parse entities")
}
