package telegram

import (
	"context"
	"html"

	"go.uber.org/zap"
)

// Notifier fans operator alerts out to the admin chats.
type Notifier struct {
	api    *BotAPI
	admins []string
	logger *zap.Logger
}

// NewNotifier returns a Notifier. A nil api or an empty admin list makes
// every Alert a no-op.
func NewNotifier(api *BotAPI, admins []string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{api: api, admins: admins, logger: logger}
}

// Enabled reports whether alerts are delivered anywhere.
func (n *Notifier) Enabled() bool {
	return n != nil && n.api != nil && len(n.admins) > 0
}

// Alert sends text to every admin. Delivery failures are logged, never
// returned.
func (n *Notifier) Alert(ctx context.Context, text string) {
	if !n.Enabled() {
		return
	}
	for _, chatID := range n.admins {
		if err := n.api.SendMessage(ctx, chatID, text); err != nil {
			n.logger.Warn("Admin alert failed", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
}

// Escape quotes s for HTML parse mode.
func Escape(s string) string {
	return html.EscapeString(s)
}
