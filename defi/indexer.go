// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/positions/defi/stableswap"
	"github.com/luxfi/positions/logging"
	"github.com/luxfi/positions/metrics"
	"github.com/luxfi/positions/storage"
)

// Skip reasons for events that are dropped before staging.
const (
	skipZeroValue    = "zero_value"
	skipSelfTransfer = "self_transfer"
	skipMarketExists = "market_exists"
)

// Indexer is the entry point of the core. Events must be handed to Handle in
// (block, transaction index, log index) order; calls are serialized.
type Indexer struct {
	mu sync.Mutex

	store      storage.Store
	registry   *Registry
	reconciler *Reconciler
	ledger     *Ledger
	log        *zap.Logger
	metrics    *metrics.Metrics
	verify     bool
	observer   func(Event)

	lastTx    common.Hash
	seenTx    bool
	lastBlock uint64
}

// Option configures an Indexer.
type Option func(*options)

type options struct {
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry *Registry
	reader   PoolReader
	verify   bool
	observer func(Event)
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics sets the metric collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithRegistry sets the static pool table.
func WithRegistry(r *Registry) Option { return func(o *options) { o.registry = r } }

// WithPoolReader enables external reserve reads.
func WithPoolReader(r PoolReader) Option { return func(o *options) { o.reader = r } }

// WithConservationCheck verifies share conservation after every event.
func WithConservationCheck(on bool) Option { return func(o *options) { o.verify = on } }

// WithObserver is called with every event that changed the ledger, after its
// writes are committed. It runs under the indexer lock and must not block.
func WithObserver(fn func(Event)) Option { return func(o *options) { o.observer = fn } }

// NewIndexer creates an indexer over store.
func NewIndexer(store storage.Store, opts ...Option) *Indexer {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrNop(o.log)
	m := o.metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Indexer{
		store:      store,
		registry:   o.registry,
		reconciler: NewReconciler(log, m),
		ledger:     NewLedger(log, m, o.reader),
		log:        log.Named("indexer"),
		metrics:    m,
		verify:     o.verify,
		observer:   o.observer,
	}
}

// Ledger returns the indexer's ledger.
func (x *Indexer) Ledger() *Ledger { return x.ledger }

// Reconciler returns the indexer's reconciler.
func (x *Indexer) Reconciler() *Reconciler { return x.reconciler }

// Seed creates the markets of the static pool table that do not exist yet.
func (x *Indexer) Seed(ctx context.Context) error {
	for _, p := range x.registry.Pools() {
		ev := &MarketCreated{
			EventMeta:    EventMeta{Market: p.Address},
			Protocol:     p.Protocol,
			InputTokens:  p.InputTokens,
			OutputToken:  p.OutputToken,
			RewardTokens: p.RewardTokens,
			Stable:       p.Stable,
		}
		err := x.Handle(ctx, ev)
		if err != nil {
			return fmt.Errorf("seed %s: %w", AddressID(p.Address), err)
		}
	}
	return nil
}

// Handle processes one event inside its own unit of work: on error nothing is
// written, on success every write is applied at once.
func (x *Indexer) Handle(ctx context.Context, ev Event) error {
	if ev == nil {
		return fmt.Errorf("nil event: %w", ErrInvalidEvent)
	}
	meta := ev.Meta()
	kind := string(ev.Kind())

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.seenTx && meta.Tx.Hash != x.lastTx {
		if _, err := x.reconciler.Orphans(ctx, x.store, HashID(x.lastTx)); err != nil {
			return err
		}
	}
	x.lastTx, x.seenTx = meta.Tx.Hash, true

	unit := storage.NewUnit(x.store)
	defer unit.Discard()

	reason, err := x.dispatch(ctx, unit, ev)
	if err == nil && reason == "" && x.verify {
		err = x.verifyMarket(ctx, unit, meta.MarketID())
	}
	if err != nil {
		x.metrics.HandleErrors.WithLabelValues(kind).Inc()
		return fmt.Errorf("%s in tx %s log %d at block %d: %w", kind, HashID(meta.Tx.Hash), meta.Tx.LogIndex, meta.Block.Number, err)
	}
	if reason != "" {
		x.metrics.EventsSkipped.WithLabelValues(kind, reason).Inc()
		x.log.Debug("event skipped",
			zap.String("kind", kind),
			zap.String("reason", reason),
			zap.Uint64("block", meta.Block.Number),
			zap.Uint64("logIndex", meta.Tx.LogIndex),
		)
		return nil
	}

	if err := unit.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}
	if meta.Block.Number > x.lastBlock {
		x.lastBlock = meta.Block.Number
	}
	x.metrics.EventsHandled.WithLabelValues(kind).Inc()
	if x.observer != nil {
		x.observer(ev)
	}
	return nil
}

// Flush reports the aggregates left pending by the last transaction seen.
func (x *Indexer) Flush(ctx context.Context) ([]PendingAggregate, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.seenTx {
		return nil, nil
	}
	x.seenTx = false
	return x.reconciler.Orphans(ctx, x.store, HashID(x.lastTx))
}

// Stale lists aggregates opened more than maxAge blocks before the last
// handled block.
func (x *Indexer) Stale(ctx context.Context, maxAge uint64) ([]PendingAggregate, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.reconciler.Stale(ctx, x.store, x.lastBlock, maxAge)
}

// LastBlock returns the highest block handled so far.
func (x *Indexer) LastBlock() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lastBlock
}

// Market loads a market between events.
func (x *Indexer) Market(ctx context.Context, id string) (*Market, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ledger.Market(ctx, x.store, id)
}

// Position loads the position of account in market id between events.
func (x *Indexer) Position(ctx context.Context, id string, account common.Address) (*Position, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return storage.Load[Position](ctx, x.store, storage.KindPosition, LiquidityID(id, account))
}

// VerifyConservation checks share conservation of market id between events.
func (x *Indexer) VerifyConservation(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ledger.VerifyConservation(ctx, x.store, id)
}

func (x *Indexer) verifyMarket(ctx context.Context, s storage.Store, id string) error {
	exists, err := storage.Exists(ctx, s, storage.KindMarket, id)
	if err != nil || !exists {
		return err
	}
	return x.ledger.VerifyConservation(ctx, s, id)
}

// dispatch routes one event. A non-empty reason means the event was dropped.
func (x *Indexer) dispatch(ctx context.Context, s storage.Store, ev Event) (string, error) {
	switch e := ev.(type) {
	case *MarketCreated:
		err := x.ledger.CreateMarket(ctx, s, e)
		if errors.Is(err, ErrMarketExists) {
			return skipMarketExists, nil
		}
		return "", err

	case *ShareTransfer:
		return x.shareTransfer(ctx, s, e)

	case *LiquidityAdded:
		return x.liquidity(ctx, s, AggregateMint, e.EventMeta, e.PoolAmounts, nil, false)

	case *LiquidityRemoved:
		return x.liquidity(ctx, s, AggregateBurn, e.EventMeta, e.PoolAmounts, e.OneCoin, e.Imbalanced)

	case *ReservesSynced:
		return "", x.reservesSynced(ctx, s, e)

	case *Swapped:
		return x.swapped(ctx, s, e)

	case *Deposited:
		if amountOf(e.Shares).Sign() == 0 && allZero(e.Amounts) {
			return skipZeroValue, nil
		}
		m, err := x.ledger.Market(ctx, s, e.MarketID())
		if err != nil {
			return "", err
		}
		return "", x.ledger.Deposit(ctx, s, m, e)

	case *Withdrawn:
		if amountOf(e.Shares).Sign() == 0 && allZero(e.Amounts) {
			return skipZeroValue, nil
		}
		m, err := x.ledger.Market(ctx, s, e.MarketID())
		if err != nil {
			return "", err
		}
		return "", x.ledger.Withdraw(ctx, s, m, e)

	case *RewardsNotified:
		if amountOf(e.Amount).Sign() == 0 {
			return skipZeroValue, nil
		}
		m, err := x.ledger.Market(ctx, s, e.MarketID())
		if err != nil {
			return "", err
		}
		return "", x.ledger.NotifyRewards(ctx, s, m, e)

	case *RewardClaimed:
		if amountOf(e.Amount).Sign() == 0 {
			return skipZeroValue, nil
		}
		m, err := x.ledger.Market(ctx, s, e.MarketID())
		if err != nil {
			return "", err
		}
		return "", x.ledger.ClaimReward(ctx, s, m, e)

	case *RampA:
		if e.OldA == nil || e.NewA == nil {
			return "", fmt.Errorf("ramp without amplification: %w", ErrInvalidEvent)
		}
		return "", x.ledger.UpdatePool(ctx, s, e.EventMeta, e.Kind(), func(ps *stableswap.PoolState) {
			ps.Ramp(e.OldA, e.NewA, e.InitialTime, e.FutureTime)
		})

	case *StopRampA:
		if e.A == nil {
			return "", fmt.Errorf("stop ramp without amplification: %w", ErrInvalidEvent)
		}
		return "", x.ledger.UpdatePool(ctx, s, e.EventMeta, e.Kind(), func(ps *stableswap.PoolState) {
			ps.StopRamp(e.A, e.Time)
		})

	case *FeeChanged:
		if e.Fee == nil || e.AdminFee == nil {
			return "", fmt.Errorf("fee change without fees: %w", ErrInvalidEvent)
		}
		return "", x.ledger.UpdatePool(ctx, s, e.EventMeta, e.Kind(), func(ps *stableswap.PoolState) {
			ps.SetFees(e.Fee, e.AdminFee)
		})
	}
	return "", fmt.Errorf("unsupported event %T: %w", ev, ErrInvalidEvent)
}

// shareTransfer routes a share token Transfer by its endpoints.
func (x *Indexer) shareTransfer(ctx context.Context, s storage.Store, e *ShareTransfer) (string, error) {
	if e.Value == nil {
		return "", fmt.Errorf("transfer without value: %w", ErrInvalidEvent)
	}
	if e.Value.Sign() == 0 {
		return skipZeroValue, nil
	}
	null := common.Address{}

	switch {
	case e.From == null && e.To == null:
		return "", x.ledger.Lock(ctx, s, e)

	case e.From == null:
		m, err := x.ledger.Market(ctx, s, e.MarketID())
		if err != nil {
			return "", err
		}
		// A mint transfer that never got its pool facet before the next one
		// is a protocol fee mint.
		open, found, err := x.reconciler.Open(ctx, s, e.EventMeta, m.ID, AggregateMint)
		if err != nil {
			return "", err
		}
		if found && open.Applied == FacetTransfer {
			if err := x.settleFeeMint(ctx, s, e.EventMeta, m.ID); err != nil {
				return "", err
			}
		}
		facet := &TransferFacet{Account: e.To, Shares: new(big.Int).Set(e.Value), LogIndex: e.Tx.LogIndex}
		return "", x.stage(ctx, s, m, AggregateMint, e.EventMeta, FacetTransfer, func(p *PendingAggregate) {
			p.Transfer = facet
		})

	case e.To == null:
		m, err := x.ledger.Market(ctx, s, e.MarketID())
		if err != nil {
			return "", err
		}
		facet := &TransferFacet{Account: e.From, Shares: new(big.Int).Set(e.Value), LogIndex: e.Tx.LogIndex}
		return "", x.stage(ctx, s, m, AggregateBurn, e.EventMeta, FacetTransfer, func(p *PendingAggregate) {
			p.Transfer = facet
		})

	case e.From == e.To:
		return skipSelfTransfer, nil
	}
	return "", x.ledger.Transfer(ctx, s, e)
}

// liquidity stages the pool facet of a mint or burn.
func (x *Indexer) liquidity(ctx context.Context, s storage.Store, kind AggregateKind, meta EventMeta, body PoolAmounts, oneCoin *common.Address, imbalanced bool) (string, error) {
	m, err := x.ledger.Market(ctx, s, meta.MarketID())
	if err != nil {
		return "", err
	}
	if allZero(body.Amounts) && amountOf(body.Shares).Sign() == 0 {
		return skipZeroValue, nil
	}

	facet := &PoolFacet{
		Account:     body.Account,
		Shares:      body.Shares,
		TotalSupply: body.TotalSupply,
		OneCoin:     -1,
		Imbalanced:  imbalanced,
		LogIndex:    meta.Tx.LogIndex,
	}
	if facet.Amounts, err = remap(m, body.Tokens, body.Amounts); err != nil {
		return "", err
	}
	if facet.Amounts == nil {
		facet.Amounts = make([]*big.Int, len(m.InputTokens))
	}
	if facet.Fees, err = remap(m, body.Tokens, body.Fees); err != nil {
		return "", err
	}
	if facet.Reserves, err = remap(m, body.Tokens, body.Reserves); err != nil {
		return "", err
	}
	if oneCoin != nil {
		i, ok := m.TokenIndex(*oneCoin)
		if !ok {
			return "", fmt.Errorf("%s in %s: %w", AddressID(*oneCoin), m.ID, ErrUnknownToken)
		}
		facet.OneCoin = i
	}

	return "", x.stage(ctx, s, m, kind, meta, FacetPool, func(p *PendingAggregate) {
		p.Pool = facet
	})
}

// reservesSynced completes the open burn or mint waiting for a sync facet, or
// else updates the market reserves directly.
func (x *Indexer) reservesSynced(ctx context.Context, s storage.Store, e *ReservesSynced) error {
	m, err := x.ledger.Market(ctx, s, e.MarketID())
	if err != nil {
		return err
	}
	reserves, err := remap(m, e.Tokens, e.Reserves)
	if err != nil {
		return err
	}
	if reserves == nil {
		return fmt.Errorf("sync without reserves: %w", ErrInvalidEvent)
	}

	// A burn can share its transaction with a fee mint that also lacks a
	// sync, so the burn takes precedence.
	for _, kind := range []AggregateKind{AggregateBurn, AggregateMint} {
		open, found, err := x.reconciler.Open(ctx, s, e.EventMeta, m.ID, kind)
		if err != nil {
			return err
		}
		if !found || !open.Needs(FacetSync) {
			continue
		}
		facet := &SyncFacet{Reserves: reserves, LogIndex: e.Tx.LogIndex}
		return x.stage(ctx, s, m, kind, e.EventMeta, FacetSync, func(p *PendingAggregate) {
			p.Sync = facet
		})
	}
	return x.ledger.Sync(ctx, s, m, e.EventMeta, reserves)
}

func (x *Indexer) swapped(ctx context.Context, s storage.Store, e *Swapped) (string, error) {
	m, err := x.ledger.Market(ctx, s, e.MarketID())
	if err != nil {
		return "", err
	}
	if allZero(e.AmountsIn) && allZero(e.AmountsOut) {
		return skipZeroValue, nil
	}
	facet := &PoolFacet{Account: e.Trader, OneCoin: -1, LogIndex: e.Tx.LogIndex}
	if facet.Amounts, err = remap(m, e.Tokens, e.AmountsIn); err != nil {
		return "", err
	}
	if facet.AmountsOut, err = remap(m, e.Tokens, e.AmountsOut); err != nil {
		return "", err
	}
	if facet.Reserves, err = remap(m, e.Tokens, e.Reserves); err != nil {
		return "", err
	}
	return "", x.stage(ctx, s, m, AggregateSwap, e.EventMeta, FacetPool, func(p *PendingAggregate) {
		p.Pool = facet
	})
}

// stage writes a facet and commits the aggregate once it is complete.
func (x *Indexer) stage(ctx context.Context, s storage.Store, m *Market, kind AggregateKind, meta EventMeta, facet FacetSet, apply func(*PendingAggregate)) error {
	required := ProfileOf(m.Protocol).Required(kind)
	done, err := x.reconciler.Stage(ctx, s, kind, required, m.ID, meta, facet, apply)
	if err != nil || done == nil {
		return err
	}

	if done.Kind() == AggregateBurn {
		open, found, err := x.reconciler.Open(ctx, s, meta, m.ID, AggregateMint)
		if err != nil {
			return err
		}
		if found && open.Applied == FacetTransfer {
			if err := x.settleFeeMint(ctx, s, meta, m.ID); err != nil {
				return err
			}
		}
	}

	if err := x.ledger.Commit(ctx, s, done); err != nil {
		return err
	}
	return x.reconciler.Release(ctx, s, done)
}

func (x *Indexer) settleFeeMint(ctx context.Context, s storage.Store, meta EventMeta, market string) error {
	open, found, err := x.reconciler.Take(ctx, s, meta, market, AggregateMint)
	if err != nil || !found {
		return err
	}
	return x.ledger.FeeMint(ctx, s, open)
}
