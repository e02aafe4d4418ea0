package notify

import (
	"context"
	"errors"
)

var ErrNotSent = errors.New("notification not accepted")

// Notifier sends and edits one outbound text message per chat.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error
}

// Channels maps a webhook channel name to the Notifier of its bot.
type Channels map[string]Notifier

// For returns the Notifier registered for channel.
func (c Channels) For(channel string) (Notifier, bool) {
	n, ok := c[channel]
	return n, ok && n != nil
}
