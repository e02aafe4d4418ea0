package kv

import (
	"fmt"
	"net/url"
	"strings"
)

// Open builds a Store from a DSN:
//
//	memory://                  in-process map
//	sqlite://path/to/file.db   SQLite file (sqlite://:memory: for a throwaway db)
//	postgres://user@host/db    Postgres
//
// A DSN without a scheme is treated as a SQLite path.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("kv dsn is empty")
	}
	scheme, rest, found := strings.Cut(dsn, "://")
	if !found {
		return NewSQLiteStore(dsn)
	}
	switch strings.ToLower(scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3", "file":
		path := rest
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		if _, err := url.Parse(dsn); err != nil {
			return nil, err
		}
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported kv scheme: %s", scheme)
	}
}
