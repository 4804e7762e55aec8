package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultAPIBase = "https://api.telegram.org"

// BotAPI is a direct Telegram Bot API client.
type BotAPI struct {
	client *resty.Client
}

// NewBotAPI creates a Bot API client for token.
func NewBotAPI(token string) *BotAPI {
	return NewBotAPIWithBase(defaultAPIBase, token)
}

// NewBotAPIWithBase creates a client against a custom API host, such as a
// local Bot API server.
func NewBotAPIWithBase(base, token string) *BotAPI {
	return &BotAPI{
		client: resty.New().
			SetBaseURL(strings.TrimRight(base, "/") + "/bot" + token).
			SetTimeout(10 * time.Second),
	}
}

// WithLogger routes resty's own messages to l.
func (b *BotAPI) WithLogger(l resty.Logger) *BotAPI {
	if l != nil {
		b.client.SetLogger(l)
	}
	return b
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Call makes a raw API call to the Telegram Bot API.
func (b *BotAPI) Call(ctx context.Context, method string, params map[string]interface{}) error {
	var out apiResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		ForceContentType("application/json").
		SetBody(params).
		SetResult(&out).
		SetError(&out).
		Post("/" + method)
	if err != nil {
		return fmt.Errorf("telegram API call %s failed: %w", method, err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram API call %s: status %d: %s", method, resp.StatusCode(), out.Description)
	}
	return nil
}

// SendMessage sends an HTML formatted text message.
func (b *BotAPI) SendMessage(ctx context.Context, chatID string, text string) error {
	return b.Call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
}
