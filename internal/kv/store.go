package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Entry is a stored value together with its metadata.
type Entry struct {
	Key       string
	Value     []byte
	Metadata  []byte
	ExpiresAt time.Time // zero means no expiry
}

// KeyInfo describes a key returned by List.
type KeyInfo struct {
	Name      string
	ExpiresAt time.Time
}

// PutOptions controls metadata and expiry of a written key.
type PutOptions struct {
	Metadata []byte
	TTL      time.Duration // zero means no expiry
}

// Store is a string-keyed store with optional per-key expiry. It has no
// transactions; PutIfAbsent and Take are its atomic primitives.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetWithMetadata(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) error
	// PutIfAbsent writes key only if it holds no live entry and reports
	// whether it did. Exactly one of several concurrent callers wins.
	PutIfAbsent(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Take atomically deletes key and returns what it held. Exactly one of
	// several concurrent callers gets the entry; the rest get ErrNotFound.
	Take(ctx context.Context, key string) (*Entry, error)
	// List returns live keys starting with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]KeyInfo, error)
	// PurgeExpired physically removes expired keys and reports how many.
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

func expiryFrom(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
