// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package kv implements storage.Store on github.com/luxfi/database.
// Keys are "<kind>:<id>" so a prefix scan never crosses kinds. The indexer can
// run in-process and share the node's database under a prefixdb namespace.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/database/prefixdb"

	"github.com/luxfi/positions/storage"
)

// Config for the KV store
type Config struct {
	// Path to the database directory (for file-based backends)
	Path string

	// NodeDB is the node's database. When set, Path is ignored and all data is
	// written under Prefix inside it.
	NodeDB database.Database

	// Prefix to use for indexer data (to avoid conflicts with node data)
	Prefix []byte
}

// Store wraps a luxfi/database.Database with entity-kind keyspaces
type Store struct {
	db    database.Database
	owned bool // whether we own the db and should close it

	kinds map[storage.Kind][]byte

	mu     sync.RWMutex
	closed bool
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Pinger = (*Store)(nil)
)

// New creates a new KV store
func New(cfg Config) (*Store, error) {
	if cfg.NodeDB != nil {
		prefix := cfg.Prefix
		if len(prefix) == 0 {
			prefix = []byte("positions:")
		}
		return wrap(prefixdb.New(prefix, cfg.NodeDB), false), nil
	}

	db, err := badgerdb.New(cfg.Path, nil, "positions", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open badgerdb: %w", err)
	}
	return wrap(db, true), nil
}

// NewMemory creates an in-memory KV store (for testing)
func NewMemory() *Store {
	return wrap(memdb.New(), true)
}

func wrap(db database.Database, owned bool) *Store {
	s := &Store{
		db:    db,
		owned: owned,
		kinds: make(map[storage.Kind][]byte, len(storage.Kinds)),
	}
	for _, k := range storage.Kinds {
		s.kinds[k] = []byte(string(k) + ":")
	}
	return s
}

// key builds "<kind>:<id>"
func (s *Store) key(k storage.Kind, id string) ([]byte, error) {
	prefix, ok := s.kinds[k]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", k)
	}
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)
	return append(key, id...), nil
}

// Get retrieves a value
func (s *Store) Get(ctx context.Context, k storage.Kind, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	key, err := s.key(k, id)
	if err != nil {
		return nil, err
	}
	data, err := s.db.Get(key)
	if errors.Is(err, database.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	return data, err
}

// Put stores a value
func (s *Store) Put(ctx context.Context, k storage.Kind, id string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	key, err := s.key(k, id)
	if err != nil {
		return err
	}
	return s.db.Put(key, value)
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, k storage.Kind, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	key, err := s.key(k, id)
	if err != nil {
		return err
	}
	return s.db.Delete(key)
}

// Iterate visits every id of kind k starting with prefix, in key order
func (s *Store) Iterate(ctx context.Context, k storage.Kind, prefix string, fn func(id string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	start, err := s.key(k, prefix)
	if err != nil {
		return err
	}
	strip := len(s.kinds[k])

	iter := s.db.NewIteratorWithPrefix(start)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Iterator buffers are reused between calls to Next.
		id := string(iter.Key()[strip:])
		value := bytes.Clone(iter.Value())
		if err := fn(id, value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Apply writes ops in a single batch
func (s *Store) Apply(ctx context.Context, ops []storage.Op) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	batch := s.db.NewBatch()
	for _, op := range ops {
		key, err := s.key(op.Kind, op.ID)
		if err != nil {
			return err
		}
		if op.Delete {
			if err := batch.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err := batch.Put(key, op.Value); err != nil {
			return err
		}
	}
	return batch.Write()
}

// Ping runs the database health check.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	_, err := s.db.HealthCheck(ctx)
	return err
}

// Close closes the store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	// Only close if we own the database
	if s.owned {
		return s.db.Close()
	}
	return nil
}
