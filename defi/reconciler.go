// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luxfi/positions/logging"
	"github.com/luxfi/positions/metrics"
	"github.com/luxfi/positions/storage"
)

// Reconciler stages facets of one logical action into a PendingAggregate
// keyed by (transaction, market, kind) and releases it once complete.
// It holds no state of its own; aggregates live in the store.
type Reconciler struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewReconciler creates a reconciler. A nil logger discards output.
func NewReconciler(log *zap.Logger, m *metrics.Metrics) *Reconciler {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Reconciler{log: logging.OrNop(log).Named("reconciler"), metrics: m}
}

// Stage writes one facet into the aggregate of (meta.Tx.Hash, market, kind),
// creating it on first arrival. When the aggregate becomes complete it is
// returned and left for Release; otherwise it is persisted and nil is returned.
func (r *Reconciler) Stage(ctx context.Context, s storage.Store, kind AggregateKind, required FacetSet, market string, meta EventMeta, facet FacetSet, apply func(*PendingAggregate)) (*CompleteAggregate, error) {
	id := AggregateID(meta.Tx.Hash, market, kind)
	agg, found, err := storage.Load[PendingAggregate](ctx, s, storage.KindPending, id)
	if err != nil {
		return nil, err
	}
	if !found {
		agg = &PendingAggregate{
			ID:        id,
			Kind:      kind,
			Market:    market,
			TxHash:    meta.Tx.Hash,
			Block:     meta.Block.Number,
			Timestamp: meta.Block.Timestamp,
			Required:  required,
		}
	}

	if err := agg.attach(facet, apply); err != nil {
		return nil, err
	}
	r.metrics.AggregatesStaged.WithLabelValues(string(kind), facet.String()).Inc()

	if done, ok := agg.complete(); ok {
		r.log.Debug("aggregate complete",
			zap.String("id", id),
			zap.Uint64("logIndex", done.LogIndex()),
		)
		return done, nil
	}

	r.log.Debug("aggregate pending",
		zap.String("id", id),
		zap.Stringer("applied", agg.Applied),
		zap.Stringer("missing", agg.Missing()),
	)
	if err := storage.Save(ctx, s, storage.KindPending, id, agg); err != nil {
		return nil, err
	}
	return nil, nil
}

// Release deletes a committed aggregate.
func (r *Reconciler) Release(ctx context.Context, s storage.Store, agg *CompleteAggregate) error {
	if err := s.Delete(ctx, storage.KindPending, agg.ID()); err != nil {
		return fmt.Errorf("release %s: %w", agg.ID(), err)
	}
	r.metrics.AggregatesCommitted.WithLabelValues(string(agg.Kind())).Inc()
	return nil
}

// Open returns the pending aggregate of (tx, market, kind), if any.
func (r *Reconciler) Open(ctx context.Context, s storage.Store, meta EventMeta, market string, kind AggregateKind) (*PendingAggregate, bool, error) {
	return storage.Load[PendingAggregate](ctx, s, storage.KindPending, AggregateID(meta.Tx.Hash, market, kind))
}

// Take removes and returns the pending aggregate of (tx, market, kind), if any.
func (r *Reconciler) Take(ctx context.Context, s storage.Store, meta EventMeta, market string, kind AggregateKind) (*PendingAggregate, bool, error) {
	agg, found, err := r.Open(ctx, s, meta, market, kind)
	if err != nil || !found {
		return nil, false, err
	}
	if err := s.Delete(ctx, storage.KindPending, agg.ID); err != nil {
		return nil, false, fmt.Errorf("take %s: %w", agg.ID, err)
	}
	return agg, true, nil
}

// Orphans reports the aggregates still pending for a finished transaction.
// Each one is a missed or misordered event and is logged at error level.
func (r *Reconciler) Orphans(ctx context.Context, s storage.Store, tx string) ([]PendingAggregate, error) {
	var out []PendingAggregate
	err := storage.Scan(ctx, s, storage.KindPending, tx+"-", func(id string, agg *PendingAggregate) error {
		out = append(out, *agg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan orphans of %s: %w", tx, err)
	}
	for _, agg := range out {
		r.metrics.OrphanedAggregates.Inc()
		r.log.Error("orphaned aggregate",
			zap.String("id", agg.ID),
			zap.String("market", agg.Market),
			zap.Uint64("block", agg.Block),
			zap.Stringer("applied", agg.Applied),
			zap.Stringer("missing", agg.Missing()),
		)
	}
	return out, nil
}

// Stale lists aggregates opened more than maxAge blocks before currentBlock
// and publishes their count.
func (r *Reconciler) Stale(ctx context.Context, s storage.Store, currentBlock, maxAge uint64) ([]PendingAggregate, error) {
	var out []PendingAggregate
	err := storage.Scan(ctx, s, storage.KindPending, "", func(id string, agg *PendingAggregate) error {
		if currentBlock > agg.Block && currentBlock-agg.Block > maxAge {
			out = append(out, *agg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	r.metrics.PendingAggregates.Set(float64(len(out)))
	return out, nil
}
