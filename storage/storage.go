// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package storage provides the entity store the position indexer runs against.
// Entities are JSON documents addressed by (kind, id). Backends: luxfi/database
// (memdb, badgerdb) in this package, PostgreSQL and SQLite in storage/sqlstore.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names an entity family. Each kind is an isolated keyspace.
type Kind string

const (
	KindToken          Kind = "token"
	KindAccount        Kind = "account"
	KindMarket         Kind = "market"
	KindMarketSnapshot Kind = "market_snapshot"
	KindLiquidity      Kind = "account_liquidity"
	KindPosition       Kind = "position"
	KindTransaction    Kind = "transaction"
	KindPending        Kind = "pending_aggregate"
	KindStablePool     Kind = "stable_pool"
)

// Kinds lists every entity kind, in a stable order.
var Kinds = []Kind{
	KindToken,
	KindAccount,
	KindMarket,
	KindMarketSnapshot,
	KindLiquidity,
	KindPosition,
	KindTransaction,
	KindPending,
	KindStablePool,
}

// Errors
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Op is a single buffered write.
type Op struct {
	Kind   Kind
	ID     string
	Value  []byte
	Delete bool
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the abstract key-value entity store.
//
// Get returns ErrNotFound for a missing id. Iterate visits ids of one kind that
// start with prefix in ascending byte order. Apply writes all ops atomically.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	Put(ctx context.Context, kind Kind, id string, value []byte) error
	Delete(ctx context.Context, kind Kind, id string) error
	Iterate(ctx context.Context, kind Kind, prefix string, fn func(id string, value []byte) error) error
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

// Load decodes the entity (kind, id). The boolean reports whether it exists;
// a missing entity is not an error here, callers decide what absence means.
func Load[T any](ctx context.Context, s Store, kind Kind, id string) (*T, bool, error) {
	data, err := s.Get(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s %s: %w", kind, id, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return &v, true, nil
}

// Save encodes v and stores it under (kind, id).
func Save[T any](ctx context.Context, s Store, kind Kind, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	if err := s.Put(ctx, kind, id, data); err != nil {
		return fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return nil
}

// Exists reports whether (kind, id) is present.
func Exists(ctx context.Context, s Store, kind Kind, id string) (bool, error) {
	_, err := s.Get(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Scan decodes every entity of kind whose id starts with prefix.
func Scan[T any](ctx context.Context, s Store, kind Kind, prefix string, fn func(id string, v *T) error) error {
	return s.Iterate(ctx, kind, prefix, func(id string, value []byte) error {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("decode %s %s: %w", kind, id, err)
		}
		return fn(id, &v)
	})
}

// Backend identifies the storage backend type
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// ParseBackend parses a backend string
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "memory", "mem", "memdb":
		return BackendMemory, nil
	case "badger", "badgerdb":
		return BackendBadger, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	default:
		return "", fmt.Errorf("unknown backend: %s", s)
	}
}
