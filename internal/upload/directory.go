package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"imgbed/internal/files"
	"imgbed/internal/kv"
)

var ErrInvalidFolder = errors.New("invalid folder")

// Directories keeps the per-chat upload folder chosen with /dir. Values are
// plain folder strings without expiry.
type Directories struct {
	store kv.Store
}

// NewDirectories creates a Directories backed by st.
func NewDirectories(st kv.Store) *Directories {
	return &Directories{store: st}
}

// Get returns the folder stored for chatID. ok is false when the chat never
// chose one.
func (d *Directories) Get(ctx context.Context, chatID int64) (folder string, ok bool, err error) {
	raw, err := d.store.Get(ctx, dirKey(chatID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get folder for chat %d: %w", chatID, err)
	}
	return string(raw), true, nil
}

// Set stores folder for chatID. The empty folder selects the root.
func (d *Directories) Set(ctx context.Context, chatID int64, folder string) error {
	if err := d.store.Put(ctx, dirKey(chatID), []byte(folder), kv.PutOptions{}); err != nil {
		return fmt.Errorf("set folder for chat %d: %w", chatID, err)
	}
	return nil
}

// NormalizeFolder cleans a user supplied folder into the form used in
// storage keys: no leading or trailing slash, no empty or dot segments.
// "/" and "" both mean the root and normalize to "".
func NormalizeFolder(raw string) (string, error) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	var parts []string
	for _, part := range strings.Split(raw, "/") {
		part = strings.TrimSpace(part)
		switch part {
		case "", ".":
			continue
		case "..":
			return "", ErrInvalidFolder
		}
		parts = append(parts, part)
	}
	folder := strings.Join(parts, "/")
	if folder == "" {
		return "", nil
	}
	if err := files.ValidateKey(folder); err != nil {
		return "", ErrInvalidFolder
	}
	return folder, nil
}
