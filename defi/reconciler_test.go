// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luxfi/positions/metrics"
	"github.com/luxfi/positions/storage"
	"github.com/luxfi/positions/storage/kv"
)

func TestReconcilerStage(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	m := metrics.NewUnregistered()
	r := NewReconciler(nil, m)

	market := AddressID(common.HexToAddress("0xff"))
	meta := EventMeta{
		Block: Block{Number: 10, Timestamp: 100},
		Tx:    Tx{Hash: common.HexToHash("0xabc"), LogIndex: 1},
	}
	required := FacetTransfer | FacetPool

	done, err := r.Stage(ctx, store, AggregateMint, required, market, meta, FacetTransfer, func(p *PendingAggregate) {
		p.Transfer = &TransferFacet{Account: holder, Shares: big.NewInt(5), LogIndex: 1}
	})
	if err != nil || done != nil {
		t.Fatalf("first facet: %v, %v", done, err)
	}

	open, found, err := r.Open(ctx, store, meta, market, AggregateMint)
	if err != nil || !found {
		t.Fatalf("open: %v, %v", found, err)
	}
	if open.Missing() != FacetPool || !open.Needs(FacetPool) || open.Needs(FacetSync) {
		t.Fatalf("missing = %s", open.Missing())
	}

	t.Run("Conflict", func(t *testing.T) {
		_, err := r.Stage(ctx, store, AggregateMint, required, market, meta, FacetTransfer, func(p *PendingAggregate) {})
		if !errors.Is(err, ErrFacetConflict) {
			t.Fatalf("got %v", err)
		}
	})

	meta.Tx.LogIndex = 3
	done, err = r.Stage(ctx, store, AggregateMint, required, market, meta, FacetPool, func(p *PendingAggregate) {
		p.Pool = &PoolFacet{Account: holder, Amounts: []*big.Int{big.NewInt(1)}, OneCoin: -1, LogIndex: 3}
	})
	if err != nil || done == nil {
		t.Fatalf("second facet: %v, %v", done, err)
	}
	if done.LogIndex() != 3 || done.Account() != holder || done.Shares().Int64() != 5 {
		t.Fatalf("complete aggregate = %+v", done)
	}

	if err := r.Release(ctx, store, done); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := r.Open(ctx, store, meta, market, AggregateMint); found {
		t.Fatal("released aggregate still open")
	}
	if got := testutil.ToFloat64(m.AggregatesCommitted.WithLabelValues("mint")); got != 1 {
		t.Fatalf("committed = %v", got)
	}
	if got := testutil.ToFloat64(m.AggregatesStaged.WithLabelValues("mint", "transfer")); got != 1 {
		t.Fatalf("staged transfer = %v", got)
	}
}

func TestReconcilerOrphansAndStale(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	defer store.Close()

	m := metrics.NewUnregistered()
	r := NewReconciler(nil, m)

	market := AddressID(common.HexToAddress("0xff"))
	stage := func(tx common.Hash, block uint64, kind AggregateKind) {
		meta := EventMeta{Block: Block{Number: block}, Tx: Tx{Hash: tx}}
		_, err := r.Stage(ctx, store, kind, FacetTransfer|FacetPool, market, meta, FacetTransfer, func(p *PendingAggregate) {
			p.Transfer = &TransferFacet{Account: holder, Shares: big.NewInt(1)}
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	txA := common.HexToHash("0xa")
	txB := common.HexToHash("0xb")
	stage(txA, 5, AggregateMint)
	stage(txA, 5, AggregateBurn)
	stage(txB, 50, AggregateMint)

	orphans, err := r.Orphans(ctx, store, HashID(txA))
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 2 {
		t.Fatalf("orphans = %d", len(orphans))
	}
	if got := testutil.ToFloat64(m.OrphanedAggregates); got != 2 {
		t.Fatalf("orphan metric = %v", got)
	}

	stale, err := r.Stale(ctx, store, 60, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale = %d", len(stale))
	}
	if got := testutil.ToFloat64(m.PendingAggregates); got != 2 {
		t.Fatalf("pending gauge = %v", got)
	}

	taken, found, err := r.Take(ctx, store, EventMeta{Tx: Tx{Hash: txB}}, market, AggregateMint)
	if err != nil || !found || taken.Block != 50 {
		t.Fatalf("take: %+v, %v, %v", taken, found, err)
	}
	if ok, _ := storage.Exists(ctx, store, storage.KindPending, taken.ID); ok {
		t.Fatal("taken aggregate still stored")
	}
}
