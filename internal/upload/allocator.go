package upload

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"

	"imgbed/internal/files"
	"imgbed/internal/kv"
)

var (
	ErrKeyExhausted = errors.New("no free storage key")
	ErrRecordWrite  = errors.New("file record write failed")
)

const (
	maxSuffixAttempts = 100
	maxNameLength     = 128
)

// Allocator hands out storage keys that no stored file uses yet. Keys look
// like "folder/name.ext"; a taken name gets a numeric suffix, "name(1).ext".
type Allocator struct {
	store kv.Store
	now   func() time.Time
}

// NewAllocator creates an Allocator that claims file: keys in st.
func NewAllocator(st kv.Store) *Allocator {
	return &Allocator{store: st, now: time.Now}
}

// Claim writes the file record built by metadata under the first free key
// for desiredName in folder and returns that key. An empty folder means the
// root. Each candidate is written with PutIfAbsent, so concurrent uploads of
// the same name end up under different keys. Store failures wrap
// ErrRecordWrite.
func (a *Allocator) Claim(ctx context.Context, desiredName, mimeType, folder string, metadata func(key string) ([]byte, error)) (string, error) {
	name := sanitizeName(desiredName)
	if name == "" {
		name = strconv.FormatInt(a.now().UnixMilli(), 10) + extensionFor(mimeType)
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for attempt := 0; attempt <= maxSuffixAttempts; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = fmt.Sprintf("%s(%d)%s", stem, attempt, ext)
		}
		if folder != "" {
			candidate = folder + "/" + candidate
		}
		if err := files.ValidateKey(candidate); err != nil {
			return "", fmt.Errorf("allocate %q: %w", candidate, err)
		}

		raw, err := metadata(candidate)
		if err != nil {
			return "", fmt.Errorf("encode record for %s: %w", candidate, err)
		}
		ok, err := a.store.PutIfAbsent(ctx, fileKey(candidate), nil, kv.PutOptions{Metadata: raw})
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrRecordWrite, candidate, err)
		}
		if ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrKeyExhausted, folder, name)
}

// sanitizeName reduces a declared file name to a single safe path element.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	if len(name) > maxNameLength {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:maxNameLength-len(ext)], "") + ext
	}
	return name
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg", "image/jpg", "":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	}
	sub := mimeType[strings.LastIndex(mimeType, "/")+1:]
	if sub == "" {
		return ".jpg"
	}
	return "." + sub
}
