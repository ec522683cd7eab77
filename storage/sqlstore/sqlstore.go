// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package sqlstore implements storage.Store on a single SQL table, for
// PostgreSQL (lib/pq) and SQLite (mattn/go-sqlite3).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/luxfi/positions/storage"
)

type dialect struct {
	driver   string
	blobType string
	orderBy  string
	numbered bool // $1 placeholders instead of ?
}

var (
	postgres = dialect{driver: "postgres", blobType: "BYTEA", orderBy: `id COLLATE "C"`, numbered: true}
	sqlite   = dialect{driver: "sqlite3", blobType: "BLOB", orderBy: "id"}
)

// bind rewrites ? placeholders for dialects that number them.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store implements storage.Store on table "entities"
type Store struct {
	db      *sql.DB
	dialect dialect

	mu     sync.RWMutex
	closed bool
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Pinger = (*Store)(nil)
)

// OpenPostgres connects to PostgreSQL and creates the schema if needed
func OpenPostgres(ctx context.Context, url string) (*Store, error) {
	db, err := sql.Open(postgres.driver, url)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return open(ctx, db, postgres)
}

// OpenSQLite opens (or creates) a SQLite database file
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open(sqlite.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return open(ctx, db, sqlite)
}

func open(ctx context.Context, db *sql.DB, d dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping: %w", d.driver, err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS entities (
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       %s NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (kind, id)
		)`, d.blobType)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create entities table: %w", err)
	}

	return &Store{db: db, dialect: d}, nil
}

const upsertQuery = `
	INSERT INTO entities (kind, id, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`

const deleteQuery = `DELETE FROM entities WHERE kind = ? AND id = ?`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, ex execer, kind storage.Kind, id string, value []byte) error {
	_, err := ex.ExecContext(ctx, s.dialect.bind(upsertQuery), string(kind), id, value, time.Now().UTC())
	return err
}

func (s *Store) del(ctx context.Context, ex execer, kind storage.Kind, id string) error {
	_, err := ex.ExecContext(ctx, s.dialect.bind(deleteQuery), string(kind), id)
	return err
}

func (s *Store) Get(ctx context.Context, kind storage.Kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		s.dialect.bind("SELECT data FROM entities WHERE kind = ? AND id = ?"),
		string(kind), id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return value, err
}

func (s *Store) Put(ctx context.Context, kind storage.Kind, id string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return s.put(ctx, s.db, kind, id, value)
}

func (s *Store) Delete(ctx context.Context, kind storage.Kind, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return s.del(ctx, s.db, kind, id)
}

// Iterate matches the prefix with substr rather than LIKE so ids never need escaping.
func (s *Store) Iterate(ctx context.Context, kind storage.Kind, prefix string, fn func(id string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	query := fmt.Sprintf(
		"SELECT id, data FROM entities WHERE kind = ? AND substr(id, 1, ?) = ? ORDER BY %s",
		s.dialect.orderBy)
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(query), string(kind), len(prefix), prefix)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			value []byte
		)
		if err := rows.Scan(&id, &value); err != nil {
			return err
		}
		if err := fn(id, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Apply writes ops in one SQL transaction
func (s *Store) Apply(ctx context.Context, ops []storage.Op) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, op := range ops {
		if op.Delete {
			err = s.del(ctx, tx, op.Kind, op.ID)
		} else {
			err = s.put(ctx, tx, op.Kind, op.ID, op.Value)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply %s %s: %w", op.Kind, op.ID, err)
		}
	}
	return tx.Commit()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
