package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"imgbed/internal/logging"
)

// BotAPI is the subset of *tgbotapi.BotAPI the notifier uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Telegram implements Notifier with the Telegram Bot API.
type Telegram struct {
	api BotAPI
}

// NewTelegram authorizes token against the Bot API. An empty endpoint uses
// the public api.telegram.org endpoint.
func NewTelegram(token, endpoint string) (*Telegram, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := &http.Client{Timeout: 30 * time.Second}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize bot: %w", err)
	}
	logging.Bot.Printf("authorized on account %s", api.Self.UserName)
	return &Telegram{api: api}, nil
}

// NewTelegramWithAPI wraps an existing Bot API client.
func NewTelegramWithAPI(api BotAPI) *Telegram {
	return &Telegram{api: api}
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("sendMessage to %d: %w", chatID, err)
	}
	if sent.MessageID == 0 {
		return 0, ErrNotSent
	}
	return sent.MessageID, nil
}

func (t *Telegram) EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.DisableWebPagePreview = true
	if _, err := t.api.Send(edit); err != nil {
		return fmt.Errorf("editMessageText %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// FileURL resolves a Telegram file id to a temporary download URL.
func (t *Telegram) FileURL(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.api.GetFileDirectURL(fileID)
}
