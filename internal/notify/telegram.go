package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTelegramAPI = "https://api.telegram.org"
	telegramMaxText    = 4096
)

// TelegramSender delivers alerts through the Bot API sendMessage call.
type TelegramSender struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the bot token and chat.
// An empty apiBase uses the public Bot API.
func NewTelegramSender(token, chatID, apiBase string) *TelegramSender {
	if apiBase == "" {
		apiBase = defaultTelegramAPI
	}
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts title and message as plain text, so order IDs and symbols
// need no Markdown escaping.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    truncate(title+"\n"+message, telegramMaxText),
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return postJSON(ctx, t.client, url, body, "telegram")
}

// Name returns "telegram".
func (t *TelegramSender) Name() string {
	return "telegram"
}
