package notify

import (
	"context"
	"sync"
)

// SentMessage records one call made against a Mock.
type SentMessage struct {
	ChatID    int64
	MessageID int
	Text      string
}

// Mock implements Notifier in memory for tests and development runs.
type Mock struct {
	mu     sync.Mutex
	nextID int
	Sent   []SentMessage
	Edits  []SentMessage

	// SendErr and EditErr, when set, are returned instead of recording.
	SendErr error
	EditErr error
}

// NewMock creates a Mock whose first message id is 100.
func NewMock() *Mock {
	return &Mock{nextID: 100}
}

func (m *Mock) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return 0, m.SendErr
	}
	m.nextID++
	m.Sent = append(m.Sent, SentMessage{ChatID: chatID, MessageID: m.nextID, Text: text})
	return m.nextID, nil
}

func (m *Mock) EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return m.EditErr
	}
	m.Edits = append(m.Edits, SentMessage{ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

// SetSendErr changes SendErr under the lock.
func (m *Mock) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendErr = err
}

// Snapshot returns copies of the recorded sends and edits.
func (m *Mock) Snapshot() (sent, edits []SentMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...), append([]SentMessage(nil), m.Edits...)
}
