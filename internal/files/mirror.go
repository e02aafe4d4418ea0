package files

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"imgbed/internal/logging"
)

// FileURLResolver turns a messaging-platform file id into a download URL.
type FileURLResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Mirror copies image bytes from the messaging platform into Storage under
// the allocated storage key.
type Mirror struct {
	storage  Storage
	resolver FileURLResolver
	client   *http.Client
}

// NewMirror creates a Mirror. A nil client uses a 60s-timeout default.
func NewMirror(storage Storage, resolver FileURLResolver, client *http.Client) *Mirror {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Mirror{storage: storage, resolver: resolver, client: client}
}

// Copy downloads originFileID and stores it at key. An object already present
// at key is left untouched.
func (m *Mirror) Copy(ctx context.Context, originFileID, key string) (int64, error) {
	if size, err := m.storage.Stat(ctx, key); err == nil {
		return size, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	url, err := m.resolver.FileURL(ctx, originFileID)
	if err != nil {
		return 0, fmt.Errorf("resolve file %s: %w", originFileID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", originFileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: status %d", originFileID, resp.StatusCode)
	}

	n, err := m.storage.Save(ctx, key, resp.Body, resp.ContentLength)
	if err != nil {
		return 0, err
	}
	logging.Mirror.Printf("mirrored %s (%d bytes)", key, n)
	return n, nil
}

// PublicURL returns the direct URL for key when the storage exposes one.
func (m *Mirror) PublicURL(key string) string {
	if p, ok := m.storage.(PublicURLProvider); ok {
		return p.GetPublicURL(key)
	}
	return ""
}
