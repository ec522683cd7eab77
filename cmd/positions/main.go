// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Command positions replays decoded DeFi events into the position ledger and
// serves its state over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/luxfi/positions/api"
	"github.com/luxfi/positions/config"
	"github.com/luxfi/positions/defi"
	"github.com/luxfi/positions/logging"
	"github.com/luxfi/positions/metrics"
	"github.com/luxfi/positions/onchain"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to positions.yaml (defaults apply when empty)")
		eventsPath  = flag.String("events", "", "NDJSON event stream to replay, - for stdin")
		serve       = flag.Bool("serve", false, "Keep serving HTTP after the replay finishes")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("positions %s\n", version)
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	runID := uuid.NewString()
	log = log.With(zap.String("run", runID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, runID, *eventsPath, *serve, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("positions failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, runID, eventsPath string, serve bool, log *zap.Logger) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := api.NewHub()
	opts := []defi.Option{
		defi.WithLogger(log),
		defi.WithObserver(hub.Publish),
		defi.WithMetrics(metrics.New(reg)),
		defi.WithRegistry(registry),
		defi.WithConservationCheck(cfg.Monitor.VerifyConservation),
	}
	if cfg.RPC.URL != "" {
		client, err := ethclient.DialContext(ctx, cfg.RPC.URL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		defer client.Close()
		reader, err := onchain.NewReader(client, registry, log)
		if err != nil {
			return err
		}
		opts = append(opts, defi.WithPoolReader(reader))
		log.Info("reading pool reserves from chain", zap.String("rpc", cfg.RPC.URL))
	}
	x := defi.NewIndexer(store, opts...)
	if err := x.Seed(ctx); err != nil {
		return err
	}
	log.Info("static pools seeded", zap.Int("pools", registry.Len()))

	serverErr := make(chan error, 1)
	if cfg.HTTP.Addr != "" {
		s := api.NewServer(api.Config{
			Addr:          cfg.HTTP.Addr,
			MaxPendingAge: cfg.Monitor.MaxPendingAgeBlocks,
			RunID:         runID,
		}, store, x, reg, hub, log)
		go func() { serverErr <- s.Run(ctx) }()
	}

	if eventsPath != "" {
		if err := replayPath(ctx, eventsPath, x, log); err != nil {
			return err
		}
		if _, err := x.Flush(ctx); err != nil {
			return err
		}
		stale, err := x.Stale(ctx, cfg.Monitor.MaxPendingAgeBlocks)
		if err != nil {
			return err
		}
		log.Info("replay finished",
			zap.Uint64("lastBlock", x.LastBlock()),
			zap.Int("stale", len(stale)),
		)
	}

	if !serve || cfg.HTTP.Addr == "" {
		return nil
	}
	select {
	case <-ctx.Done():
		return <-serverErr
	case err := <-serverErr:
		return err
	}
}

func replayPath(ctx context.Context, path string, x *defi.Indexer, log *zap.Logger) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		r = f
	}
	n, err := replay(ctx, r, x)
	log.Info("events replayed", zap.Int("events", n))
	return err
}
