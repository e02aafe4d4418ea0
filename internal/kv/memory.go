package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. It is used for tests and
// single-process development runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) liveLocked(key string) (*Entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.ExpiresAt.IsZero() && !m.now().Before(e.ExpiresAt) {
		return nil, false
	}
	return e, true
}

func cloneEntry(e *Entry) *Entry {
	return &Entry{
		Key:       e.Key,
		Value:     append([]byte(nil), e.Value...),
		Metadata:  append([]byte(nil), e.Metadata...),
		ExpiresAt: e.ExpiresAt,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := m.GetWithMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (m *MemoryStore) GetWithMetadata(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEntry(e), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = cloneEntry(&Entry{
		Key:       key,
		Value:     value,
		Metadata:  opts.Metadata,
		ExpiresAt: expiryFrom(m.now(), opts.TTL),
	})
	return nil
}

func (m *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.entries[key] = cloneEntry(&Entry{
		Key:       key,
		Value:     value,
		Metadata:  opts.Metadata,
		ExpiresAt: expiryFrom(m.now(), opts.TTL),
	})
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Take(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.entries, key)
	return e, nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]KeyInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []KeyInfo
	for name := range m.entries {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		e, ok := m.liveLocked(name)
		if !ok {
			continue
		}
		keys = append(keys, KeyInfo{Name: name, ExpiresAt: e.ExpiresAt})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for name := range m.entries {
		if _, ok := m.liveLocked(name); !ok {
			delete(m.entries, name)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
