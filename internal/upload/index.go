package upload

import (
	"context"
	"errors"
	"fmt"

	"imgbed/internal/kv"
)

// Indexer runs after a file's metadata is written. Its errors are logged by
// the caller and never fail the upload.
type Indexer interface {
	EndUpload(ctx context.Context, key string, meta *FileMetadata) error
}

// OriginIndex maps origin file ids, and the platform's stable unique ids,
// to storage keys so duplicate detection does not need a full scan.
type OriginIndex struct {
	store kv.Store
}

// NewOriginIndex creates an OriginIndex backed by st.
func NewOriginIndex(st kv.Store) *OriginIndex {
	return &OriginIndex{store: st}
}

func (ix *OriginIndex) EndUpload(ctx context.Context, key string, meta *FileMetadata) error {
	if meta.OriginFileID != "" {
		if err := ix.store.Put(ctx, originKey(meta.OriginFileID), []byte(key), kv.PutOptions{}); err != nil {
			return fmt.Errorf("index origin %s: %w", meta.OriginFileID, err)
		}
	}
	if meta.UniqueID != "" {
		if err := ix.store.Put(ctx, uniqueKey(meta.UniqueID), []byte(key), kv.PutOptions{}); err != nil {
			return fmt.Errorf("index unique id %s: %w", meta.UniqueID, err)
		}
	}
	return nil
}

// Lookup returns the storage key recorded for originID, or "" if none.
func (ix *OriginIndex) Lookup(ctx context.Context, originID string) (string, error) {
	return ix.lookup(ctx, originKey(originID))
}

// LookupUnique returns the storage key recorded for uniqueID, or "" if none.
func (ix *OriginIndex) LookupUnique(ctx context.Context, uniqueID string) (string, error) {
	return ix.lookup(ctx, uniqueKey(uniqueID))
}

func (ix *OriginIndex) lookup(ctx context.Context, name string) (string, error) {
	raw, err := ix.store.Get(ctx, name)
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
