package kv

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared between callers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrateSQLite(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB,
			metadata BLOB,
			expires_at INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at) WHERE expires_at > 0`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := s.GetWithMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (s *SQLiteStore) GetWithMetadata(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, metadata, expires_at
		FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.now().UnixMilli())
	return scanEntry(key, row)
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, metadata, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			expires_at = excluded.expires_at
	`, key, value, opts.Metadata, toMillis(expiryFrom(s.now(), opts.TTL)))
	return err
}

// PutIfAbsent inserts key, replacing only an expired row.
func (s *SQLiteStore) PutIfAbsent(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, metadata, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			expires_at = excluded.expires_at
		WHERE kv.expires_at > 0 AND kv.expires_at <= ?
	`, key, value, opts.Metadata, toMillis(expiryFrom(now, opts.TTL)), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Take(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
		RETURNING value, metadata, expires_at
	`, key, s.now().UnixMilli())
	return scanEntry(key, row)
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]KeyInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, expires_at FROM kv
		WHERE substr(key, 1, length(?)) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key
	`, prefix, prefix, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return scanKeys(rows)
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?
	`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntry(key string, row *sql.Row) (*Entry, error) {
	var (
		e         = Entry{Key: key}
		expiresAt int64
	)
	err := row.Scan(&e.Value, &e.Metadata, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ExpiresAt = fromMillis(expiresAt)
	return &e, nil
}

func scanKeys(rows *sql.Rows) ([]KeyInfo, error) {
	defer rows.Close()
	var keys []KeyInfo
	for rows.Next() {
		var (
			k         KeyInfo
			expiresAt int64
		)
		if err := rows.Scan(&k.Name, &expiresAt); err != nil {
			return nil, err
		}
		k.ExpiresAt = fromMillis(expiresAt)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
