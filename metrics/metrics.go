// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors of the position indexer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "positions"

// Metrics holds every collector. All fields are registered by New.
type Metrics struct {
	// Event handling
	EventsHandled *prometheus.CounterVec
	EventsSkipped *prometheus.CounterVec
	HandleErrors  *prometheus.CounterVec

	// Reconciliation
	AggregatesStaged    *prometheus.CounterVec
	AggregatesCommitted *prometheus.CounterVec
	OrphanedAggregates  prometheus.Counter
	PendingAggregates   prometheus.Gauge
	Duplicates          *prometheus.CounterVec

	// Ledger
	RecordsWritten   *prometheus.CounterVec
	SupplyMismatches *prometheus.CounterVec
	ConservationRuns prometheus.Counter

	// Recovered conditions
	SolverNonConvergence *prometheus.CounterVec
	ReadFallbacks        *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Decoded events fully processed",
		}, []string{"kind"}),

		EventsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Events dropped before staging",
		}, []string{"kind", "reason"}),

		HandleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handle_errors_total",
			Help:      "Events whose processing failed and halted the pipeline",
		}, []string{"kind"}),

		AggregatesStaged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregates_staged_total",
			Help:      "Facets written into pending aggregates",
		}, []string{"aggregate", "facet"}),

		AggregatesCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregates_committed_total",
			Help:      "Complete aggregates applied to the ledger",
		}, []string{"aggregate"}),

		OrphanedAggregates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_aggregates_total",
			Help:      "Pending aggregates that outlived their transaction",
		}),

		PendingAggregates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_aggregates_stale",
			Help:      "Pending aggregates older than the configured block age",
		}),

		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_total",
			Help:      "Events at or before the market checkpoint",
		}, []string{"kind"}),

		RecordsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_records_total",
			Help:      "Transaction records appended",
		}, []string{"type"}),

		SupplyMismatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supply_mismatches_total",
			Help:      "Observed supply or minimum liquidity differing from the computed value",
		}, []string{"source"}),

		ConservationRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conservation_checks_total",
			Help:      "Share conservation checks performed",
		}),

		SolverNonConvergence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solver_nonconvergence_total",
			Help:      "StableSwap solves that hit the iteration cap",
		}, []string{"solver"}),

		ReadFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_read_fallbacks_total",
			Help:      "Reverted external reads recovered with a fallback value",
		}, []string{"call"}),
	}
}

// NewUnregistered returns collectors bound to a private registry, for tests
// and embedded use.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
