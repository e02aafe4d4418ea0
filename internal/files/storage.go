package files

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// Storage defines the interface for blob storage addressed by storage key.
type Storage interface {
	Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error)
	Stat(ctx context.Context, key string) (int64, error)
}

// PublicURLProvider is an optional interface for storage backends that support
// direct public access to files (e.g., public B2 buckets).
type PublicURLProvider interface {
	// GetPublicURL returns the public URL for a file, or empty string if not available.
	GetPublicURL(key string) string
}

const maxKeyLength = 512

// ValidateKey accepts clean relative slash-separated keys such as
// "photos/2024/cat.jpg".
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.ContainsAny(key, "\\\x00") {
		return ErrInvalidKey
	}
	if path.Clean(key) != key {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return ErrInvalidKey
		}
	}
	return nil
}
