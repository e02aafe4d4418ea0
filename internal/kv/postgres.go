package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "imgbed_kv"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresStore implements Store on a single Postgres table. It lets several
// webhook instances share one store.
type PostgresStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewPostgresStore connects to dsn and ensures the table exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	s := &PostgresStore{db: db, table: postgresTableName, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA,
			metadata BYTEA,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`, s.table))
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := s.GetWithMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (s *PostgresStore) GetWithMetadata(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT value, metadata, expires_at
		FROM %s WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`, s.table),
		key, s.now().UnixMilli())
	return scanEntry(key, row)
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, opts PutOptions) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, metadata, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at`, s.table),
		key, value, opts.Metadata, toMillis(expiryFrom(s.now(), opts.TTL)))
	return err
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, key string, value []byte, opts PutOptions) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (key, value, metadata, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at
		WHERE %[1]s.expires_at > 0 AND %[1]s.expires_at <= $5`, s.table),
		key, value, opts.Metadata, toMillis(expiryFrom(now, opts.TTL)), now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key)
	return err
}

func (s *PostgresStore) Take(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)
		RETURNING value, metadata, expires_at`, s.table),
		key, s.now().UnixMilli())
	return scanEntry(key, row)
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]KeyInfo, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, expires_at FROM %s
		WHERE left(key, char_length($1::text)) = $1::text AND (expires_at = 0 OR expires_at > $2)
		ORDER BY key COLLATE "C"`, s.table),
		prefix, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return scanKeys(rows)
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE expires_at > 0 AND expires_at <= $1`, s.table),
		s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
