// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/positions/config"
	"github.com/luxfi/positions/storage"
	"github.com/luxfi/positions/storage/kv"
	"github.com/luxfi/positions/storage/sqlstore"
)

// openStore opens the configured entity store.
func openStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (storage.Store, error) {
	backend, err := storage.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	log.Info("opening store", zap.String("backend", string(backend)), zap.String("path", cfg.Path))

	switch backend {
	case storage.BackendMemory:
		return kv.NewMemory(), nil
	case storage.BackendBadger:
		return kv.New(kv.Config{Path: cfg.Path})
	case storage.BackendPostgres:
		return sqlstore.OpenPostgres(ctx, cfg.URL)
	case storage.BackendSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.Path)
	}
	return nil, fmt.Errorf("unsupported backend: %s", backend)
}
