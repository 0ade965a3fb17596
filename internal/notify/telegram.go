package notify

import (
	"context"
	"fmt"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts to a chat through the Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{baseURL: telegramAPI, token: token, chatID: chatID}
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.token)
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	if err := postJSON(ctx, defaultClient, url, payload); err != nil {
		// The token is part of the URL; keep it out of logs.
		return fmt.Errorf("telegram: %s", strings.ReplaceAll(err.Error(), t.token, "****"))
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
