// Package telegram talks to the Telegram Bot API. It serves both as a user-facing channel
// (webhook updates in, sendMessage out) and as the operator alert sink.
package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chat-relay/relay"
)

// SecretHeader carries the secret token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// ErrInvalidSecret is returned when a webhook request does not carry the configured secret.
var ErrInvalidSecret = errors.New("telegram: invalid webhook secret")

type Config struct {
	Token         string
	BaseURL       string
	AlertChatID   string
	WebhookSecret string
	Timeout       time.Duration
}

type Client struct {
	cfg    Config
	client *http.Client
}

type Option func(*Client)

// WithClient allows injecting a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: bot token required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	return c, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (c *Client) sendMessage(ctx context.Context, chatID, text, parseMode string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("telegram: chat id required")
	}
	if text == "" {
		return errors.New("telegram: message body required")
	}
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(c.cfg.BaseURL, "/"), strings.TrimSpace(c.cfg.Token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var ar apiResponse
	_ = json.Unmarshal(raw, &ar)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !ar.OK {
		if ar.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, ar.Description)
		}
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Reply sends text to the chat. Telegram has no reply tokens.
func (c *Client) Reply(ctx context.Context, _ string, userID, text string) error {
	return c.sendMessage(ctx, userID, text, "")
}

func (c *Client) Push(ctx context.Context, userID, text string) error {
	return c.sendMessage(ctx, userID, text, "")
}

// Alert posts a handoff notice to the operator chat. User-supplied fields are HTML escaped.
func (c *Client) Alert(ctx context.Context, a relay.HandoffAlert) error {
	if c.cfg.AlertChatID == "" {
		return errors.New("telegram: alert chat id not configured")
	}
	return c.sendMessage(ctx, c.cfg.AlertChatID, formatAlert(a), "HTML")
}

func formatAlert(a relay.HandoffAlert) string {
	return fmt.Sprintf("🚨 <b>Human handoff request</b>\n\n<b>From:</b> %s (<code>%s</code>)\n<b>Message:</b> %s",
		html.EscapeString(a.DisplayName), html.EscapeString(a.UserID), html.EscapeString(a.Message))
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	From      *user  `json:"from"`
	Chat      chat   `json:"chat"`
	Text      string `json:"text"`
}

type user struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// ParseUpdate verifies the webhook secret (when configured) and decodes one update.
// ok is false for updates that carry no text message from a person.
func (c *Client) ParseUpdate(r *http.Request) (in relay.Inbound, ok bool, err error) {
	if c.cfg.WebhookSecret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.WebhookSecret)) != 1 {
			return relay.Inbound{}, false, ErrInvalidSecret
		}
	}
	var u update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&u); err != nil {
		return relay.Inbound{}, false, fmt.Errorf("telegram: decode update: %w", err)
	}
	if u.Message == nil || u.Message.Text == "" || (u.Message.From != nil && u.Message.From.IsBot) {
		return relay.Inbound{}, false, nil
	}

	in = relay.Inbound{
		Provider: relay.ProviderTelegram,
		UserID:   strconv.FormatInt(u.Message.Chat.ID, 10),
		Text:     u.Message.Text,
	}
	if f := u.Message.From; f != nil {
		in.DisplayName = strings.TrimSpace(f.FirstName + " " + f.LastName)
		if in.DisplayName == "" {
			in.DisplayName = f.Username
		}
	}
	return in, true, nil
}

var (
	_ relay.Messenger = (*Client)(nil)
	_ relay.Alerter   = (*Client)(nil)
)
