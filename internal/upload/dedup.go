package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"imgbed/internal/kv"
	"imgbed/internal/logging"
)

// Deduper finds an already stored file by its origin file id or by the
// platform's unique file id. The origin id can change between deliveries of
// the same file; the unique id cannot.
type Deduper struct {
	store kv.Store
	index *OriginIndex
	scan  bool
}

// NewDeduper creates a Deduper. With scan set, a miss in the index is
// confirmed by scanning every stored file's metadata.
func NewDeduper(st kv.Store, scan bool) *Deduper {
	return &Deduper{store: st, index: NewOriginIndex(st), scan: scan}
}

// FindByOrigin returns the stored file whose metadata carries originID, or
// uniqueID when that is set, or nil if there is none. Read errors are
// returned; callers must not allocate or write after one.
func (d *Deduper) FindByOrigin(ctx context.Context, originID, uniqueID string) (*FileMetadata, error) {
	match := func(meta *FileMetadata) bool {
		return meta != nil && (meta.OriginFileID == originID || (uniqueID != "" && meta.UniqueID == uniqueID))
	}

	key, err := d.index.Lookup(ctx, originID)
	if err != nil {
		return nil, fmt.Errorf("origin index: %w", err)
	}
	if key == "" && uniqueID != "" {
		if key, err = d.index.LookupUnique(ctx, uniqueID); err != nil {
			return nil, fmt.Errorf("unique index: %w", err)
		}
	}
	if key != "" {
		meta, err := d.load(ctx, fileKey(key))
		if err != nil {
			return nil, err
		}
		if match(meta) {
			return meta, nil
		}
	}
	if !d.scan {
		return nil, nil
	}
	return d.scanAll(ctx, match)
}

func (d *Deduper) scanAll(ctx context.Context, match func(*FileMetadata) bool) (*FileMetadata, error) {
	keys, err := d.store.List(ctx, filePrefix)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	for _, k := range keys {
		meta, err := d.load(ctx, k.Name)
		if err != nil {
			return nil, err
		}
		if match(meta) {
			return meta, nil
		}
	}
	return nil, nil
}

// load reads the metadata of a file: key. A key that vanished or carries
// unreadable metadata yields nil without error.
func (d *Deduper) load(ctx context.Context, name string) (*FileMetadata, error) {
	entry, err := d.store.GetWithMetadata(ctx, name)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if len(entry.Metadata) == 0 {
		return nil, nil
	}
	meta, err := decodeMetadata(entry.Metadata)
	if err != nil {
		logging.KV.Printf("skipping %s: %v", name, err)
		return nil, nil
	}
	if meta.Key == "" {
		meta.Key = strings.TrimPrefix(name, filePrefix)
	}
	return meta, nil
}
