// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/positions/defi/stableswap"
	"github.com/luxfi/positions/storage"
)

// PoolReader reads pool state from the chain. Any error is treated as a
// reverted call and recovered with a fallback value.
type PoolReader interface {
	Reserves(ctx context.Context, market common.Address, block uint64) ([]*big.Int, error)
}

// remap reorders amounts given in event token order into the market's
// InputTokens order. Without tokens the amounts must already be canonical.
// A nil slice stays nil.
func remap(m *Market, tokens []common.Address, amounts []*big.Int) ([]*big.Int, error) {
	if amounts == nil {
		return nil, nil
	}
	out := make([]*big.Int, len(m.InputTokens))
	for i := range out {
		out[i] = new(big.Int)
	}

	if len(tokens) == 0 {
		if len(amounts) != len(m.InputTokens) {
			return nil, fmt.Errorf("%d amounts for %d tokens of %s: %w", len(amounts), len(m.InputTokens), m.ID, ErrInvalidEvent)
		}
		for i, a := range amounts {
			out[i].Set(amountOf(a))
		}
		return out, nil
	}

	if len(tokens) != len(amounts) {
		return nil, fmt.Errorf("%d amounts for %d event tokens: %w", len(amounts), len(tokens), ErrInvalidEvent)
	}
	for k, token := range tokens {
		i, ok := m.TokenIndex(token)
		if !ok {
			return nil, fmt.Errorf("%s in %s: %w", AddressID(token), m.ID, ErrUnknownToken)
		}
		out[i].Add(out[i], amountOf(amounts[k]))
	}
	return out, nil
}

func allZero(amounts []*big.Int) bool {
	for _, a := range amounts {
		if a != nil && a.Sign() != 0 {
			return false
		}
	}
	return true
}

func cloneInts(vs []*big.Int) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = cloneInt(v)
	}
	return out
}

func at(vs []*big.Int, i int) *big.Int {
	if i < len(vs) {
		return amountOf(vs[i])
	}
	return new(big.Int)
}

// resolveReserves picks the post-action reserves of a committed aggregate:
// reported reserves first, then the StableSwap derivation, then the synced
// market state, then an external read, and finally previous reserves adjusted
// by the moved amounts.
func (l *Ledger) resolveReserves(ctx context.Context, s storage.Store, m *Market, agg *CompleteAggregate) ([]*big.Int, error) {
	if sync := agg.Sync(); sync != nil {
		return cloneInts(sync.Reserves), nil
	}
	pool := agg.Pool()
	if pool != nil && len(pool.Reserves) > 0 {
		return cloneInts(pool.Reserves), nil
	}

	prof := ProfileOf(m.Protocol)
	if prof.Stable && pool != nil {
		reserves, ok, err := l.deriveStable(ctx, s, m, agg)
		if err != nil {
			return nil, err
		}
		if ok {
			return reserves, nil
		}
	}
	if prof.SyncedReserves {
		return m.Reserves(), nil
	}

	if l.reader != nil {
		reserves, err := l.reader.Reserves(ctx, m.Address, agg.Block())
		if err == nil && len(reserves) == len(m.InputTokens) {
			return reserves, nil
		}
		l.metrics.ReadFallbacks.WithLabelValues("reserves").Inc()
		l.log.Warn("reserve read failed, using previous reserves",
			zap.String("market", m.ID),
			zap.Uint64("block", agg.Block()),
			zap.Int("got", len(reserves)),
			zap.Error(err),
		)
	}

	return applyDeltas(m.Reserves(), agg.Kind(), pool), nil
}

// applyDeltas adds deposited amounts to, or removes withdrawn amounts from, the
// previous reserves.
func applyDeltas(old []*big.Int, kind AggregateKind, pool *PoolFacet) []*big.Int {
	out := cloneInts(old)
	if pool == nil {
		return out
	}
	for i := range out {
		switch kind {
		case AggregateMint:
			out[i].Add(out[i], at(pool.Amounts, i))
		case AggregateBurn:
			out[i].Sub(out[i], at(pool.Amounts, i))
		case AggregateSwap:
			out[i].Add(out[i], at(pool.Amounts, i))
			out[i].Sub(out[i], at(pool.AmountsOut, i))
		}
	}
	return out
}

// deriveStable rebuilds StableSwap balances from the event amounts. Admin fees
// leave the pool, so each coin loses fee*adminFee/1e10 on top of the moved
// amount. The boolean is false when the market has no pool state.
func (l *Ledger) deriveStable(ctx context.Context, s storage.Store, m *Market, agg *CompleteAggregate) ([]*big.Int, bool, error) {
	ps, found, err := storage.Load[stableswap.PoolState](ctx, s, storage.KindStablePool, m.ID)
	if err != nil || !found {
		return nil, false, err
	}
	ps.Balances = m.Reserves()
	pool := agg.Pool()
	now := agg.Timestamp()
	out := cloneInts(ps.Balances)

	switch agg.Kind() {
	case AggregateMint:
		for i := range out {
			out[i].Add(out[i], at(pool.Amounts, i))
			out[i].Sub(out[i], ps.AdminPortion(at(pool.Fees, i)))
		}

	case AggregateBurn:
		switch {
		case pool.OneCoin >= 0:
			i := pool.OneCoin
			dy, fee, ok := ps.CalcWithdrawOneCoin(agg.Shares(), m.OutputTokenTotalSupply, i, now)
			if !ok {
				l.nonConvergence("withdraw_one_coin", m.ID, agg)
			}
			if dy.Cmp(at(pool.Amounts, i)) != 0 {
				l.log.Debug("one coin withdrawal differs from solver",
					zap.String("market", m.ID),
					zap.Stringer("observed", at(pool.Amounts, i)),
					zap.Stringer("computed", dy),
				)
			}
			out[i].Sub(out[i], at(pool.Amounts, i))
			out[i].Sub(out[i], ps.AdminPortion(fee))
		case pool.Imbalanced:
			for i := range out {
				out[i].Sub(out[i], at(pool.Amounts, i))
				out[i].Sub(out[i], ps.AdminPortion(at(pool.Fees, i)))
			}
		default:
			for i := range out {
				out[i].Sub(out[i], at(pool.Amounts, i))
			}
		}

	case AggregateSwap:
		i, j := -1, -1
		for k := range out {
			if i < 0 && at(pool.Amounts, k).Sign() > 0 {
				i = k
			}
			if j < 0 && at(pool.AmountsOut, k).Sign() > 0 {
				j = k
			}
		}
		if i < 0 || j < 0 || i == j {
			return nil, false, fmt.Errorf("swap in %s without one sold and one bought coin: %w", m.ID, ErrInvalidEvent)
		}
		dx, dy := at(pool.Amounts, i), at(pool.AmountsOut, j)
		expected, _, admin, ok := ps.Exchange(i, j, dx, now)
		if !ok {
			l.nonConvergence("get_dy", m.ID, agg)
		} else if expected.Cmp(dy) != 0 {
			l.log.Debug("swap output differs from solver",
				zap.String("market", m.ID),
				zap.Stringer("observed", dy),
				zap.Stringer("computed", expected),
			)
		}
		out[i].Add(out[i], dx)
		out[j].Sub(out[j], dy)
		out[j].Sub(out[j], admin)
	}
	return out, true, nil
}

func (l *Ledger) nonConvergence(solver, market string, agg *CompleteAggregate) {
	l.metrics.SolverNonConvergence.WithLabelValues(solver).Inc()
	l.log.Warn("stableswap solver did not converge",
		zap.String("solver", solver),
		zap.String("market", market),
		zap.String("aggregate", agg.ID()),
	)
}
