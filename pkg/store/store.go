// Package store is the durable persistence layer for signals, orders, trades
// and partial-exit states. It is save/read only; business rules live in the
// domain packages.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store wraps the SQL handle for easier swapping/testing.
type Store struct {
	DB *sql.DB
}

// Open opens (and creates if needed) the SQLite database at path and applies
// the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{DB: db}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Queries returns the query surface bound to this store.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.DB}
}

// Close releases the underlying DB handle.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
