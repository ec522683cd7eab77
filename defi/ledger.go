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
	"github.com/luxfi/positions/logging"
	"github.com/luxfi/positions/metrics"
	"github.com/luxfi/positions/storage"
)

// Ledger applies committed aggregates and one-shot actions to markets,
// account liquidity and the transaction log.
type Ledger struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	reader  PoolReader
}

// NewLedger creates a ledger. reader may be nil.
func NewLedger(log *zap.Logger, m *metrics.Metrics, reader PoolReader) *Ledger {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Ledger{log: logging.OrNop(log).Named("ledger"), metrics: m, reader: reader}
}

// action is one account-level change recorded in the transaction log.
type action struct {
	meta         EventMeta
	logIndex     uint64
	typ          TransactionType
	account      common.Address
	counterparty *common.Address
	shares       *big.Int
	amounts      []*big.Int
	rewards      []*big.Int
}

// Market loads a market; absence is ErrMarketNotFound.
func (l *Ledger) Market(ctx context.Context, s storage.Store, id string) (*Market, error) {
	m, found, err := storage.Load[Market](ctx, s, storage.KindMarket, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", id, ErrMarketNotFound)
	}
	return m, nil
}

// CreateMarket registers a market with empty reserves and zero supply.
func (l *Ledger) CreateMarket(ctx context.Context, s storage.Store, ev *MarketCreated) error {
	id := ev.MarketID()
	exists, err := storage.Exists(ctx, s, storage.KindMarket, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", id, ErrMarketExists)
	}
	if len(ev.InputTokens) == 0 {
		return fmt.Errorf("market %s without input tokens: %w", id, ErrInvalidEvent)
	}
	protocol, err := ParseProtocol(string(ev.Protocol))
	if err != nil {
		return fmt.Errorf("market %s: %v: %w", id, err, ErrInvalidEvent)
	}

	m := &Market{
		ID:                      id,
		Address:                 ev.Market,
		Protocol:                protocol,
		OutputTokenTotalSupply:  new(big.Int),
		LockedOutputTokenSupply: new(big.Int),
		CreatedBlock:            ev.Block.Number,
		CreatedTimestamp:        ev.Block.Timestamp,
		UpdatedBlock:            ev.Block.Number,
		UpdatedTimestamp:        ev.Block.Timestamp,
	}
	for _, t := range ev.InputTokens {
		if err := l.ensureToken(ctx, s, t); err != nil {
			return err
		}
		m.InputTokens = append(m.InputTokens, t.ID)
	}
	for _, t := range ev.RewardTokens {
		if err := l.ensureToken(ctx, s, t); err != nil {
			return err
		}
		m.RewardTokens = append(m.RewardTokens, t.ID)
	}
	if ev.OutputToken != nil {
		if err := l.ensureToken(ctx, s, *ev.OutputToken); err != nil {
			return err
		}
		out := ev.OutputToken.ID
		m.OutputToken = &out
	}
	m.InputTokenBalances = tokenBalances(m.InputTokens, m.Address, nil)
	m.RewardTokenBalances = tokenBalances(m.RewardTokens, m.Address, nil)

	if ev.Stable != nil {
		ps := *ev.Stable
		ps.ID = id
		if err := ps.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, ErrInvalidEvent)
		}
		if ps.CoinCount != len(m.InputTokens) {
			return fmt.Errorf("stable pool %s: %d coins for %d tokens: %w", id, ps.CoinCount, len(m.InputTokens), ErrInvalidEvent)
		}
		if err := storage.Save(ctx, s, storage.KindStablePool, id, &ps); err != nil {
			return err
		}
	} else if ProfileOf(protocol).Stable {
		l.log.Warn("stable market without pool parameters", zap.String("market", id))
	}

	if err := storage.Save(ctx, s, storage.KindMarket, id, m); err != nil {
		return err
	}
	l.log.Info("market created",
		zap.String("market", id),
		zap.String("protocol", string(protocol)),
		zap.Int("inputTokens", len(m.InputTokens)),
	)
	return nil
}

// Commit applies a complete mint, burn or swap.
func (l *Ledger) Commit(ctx context.Context, s storage.Store, agg *CompleteAggregate) error {
	m, err := l.Market(ctx, s, agg.Market())
	if err != nil {
		return err
	}
	meta := EventMeta{
		Market: m.Address,
		Block:  Block{Number: agg.Block(), Timestamp: agg.Timestamp()},
		Tx:     Tx{Hash: agg.TxHash(), LogIndex: agg.LogIndex()},
	}
	if l.duplicate(m, string(agg.Kind()), meta, agg.LogIndex()) {
		return nil
	}

	reserves, err := l.resolveReserves(ctx, s, m, agg)
	if err != nil {
		return err
	}

	shares := agg.Shares()
	supply := new(big.Int).Set(m.OutputTokenTotalSupply)
	var amounts []*big.Int
	if pool := agg.Pool(); pool != nil {
		amounts = pool.Amounts
		l.checkSupply(m, pool, agg.Kind(), shares)
	}

	act := action{
		meta:     meta,
		logIndex: agg.LogIndex(),
		account:  agg.Account(),
		shares:   shares,
		amounts:  amounts,
	}
	switch agg.Kind() {
	case AggregateMint:
		supply.Add(supply, shares)
		act.typ = TransactionInvest
	case AggregateBurn:
		supply.Sub(supply, shares)
		act.typ = TransactionRedeem
	case AggregateSwap:
		if err := l.ensureAccount(ctx, s, agg.Account()); err != nil {
			return err
		}
		return l.updateMarket(ctx, s, m, reserves, supply, meta, agg.LogIndex())
	default:
		return fmt.Errorf("aggregate %s of kind %q: %w", agg.ID(), agg.Kind(), ErrInvalidEvent)
	}

	if err := l.updateMarket(ctx, s, m, reserves, supply, meta, agg.LogIndex()); err != nil {
		return err
	}
	if err := l.applyPosition(ctx, s, m, act); err != nil {
		return err
	}
	l.log.Info("aggregate committed",
		zap.String("id", agg.ID()),
		zap.Stringer("shares", shares),
		zap.Stringer("supply", supply),
	)
	return nil
}

// checkSupply compares the pool's observed share values with the computed ones.
// The computed supply stays authoritative.
func (l *Ledger) checkSupply(m *Market, pool *PoolFacet, kind AggregateKind, shares *big.Int) {
	if pool.Shares != nil && pool.Shares.Cmp(shares) != 0 {
		l.metrics.SupplyMismatches.WithLabelValues("shares").Inc()
		l.log.Warn("observed shares differ from transfer",
			zap.String("market", m.ID),
			zap.Stringer("observed", pool.Shares),
			zap.Stringer("computed", shares),
		)
	}
	if pool.TotalSupply == nil {
		return
	}
	want := new(big.Int).Set(m.OutputTokenTotalSupply)
	if kind == AggregateMint {
		want.Add(want, shares)
	} else if kind == AggregateBurn {
		want.Sub(want, shares)
	}
	if pool.TotalSupply.Cmp(want) != 0 {
		l.metrics.SupplyMismatches.WithLabelValues("total_supply").Inc()
		l.log.Warn("observed total supply differs from computed",
			zap.String("market", m.ID),
			zap.Stringer("observed", pool.TotalSupply),
			zap.Stringer("computed", want),
		)
	}
}

// FeeMint applies a share mint that never received a pool facet: protocol
// fees minted to the fee recipient ahead of a mint or burn. Reserves are
// unchanged.
func (l *Ledger) FeeMint(ctx context.Context, s storage.Store, p *PendingAggregate) error {
	if p.Transfer == nil {
		return fmt.Errorf("fee mint %s without transfer: %w", p.ID, ErrInvalidEvent)
	}
	m, err := l.Market(ctx, s, p.Market)
	if err != nil {
		return err
	}
	t := p.Transfer
	seen, err := storage.Exists(ctx, s, storage.KindTransaction, TransactionID(p.TxHash, t.LogIndex, t.Account))
	if err != nil {
		return err
	}
	if seen {
		l.metrics.Duplicates.WithLabelValues("fee_mint").Inc()
		return nil
	}

	meta := EventMeta{
		Market: m.Address,
		Block:  Block{Number: p.Block, Timestamp: p.Timestamp},
		Tx:     Tx{Hash: p.TxHash, LogIndex: t.LogIndex},
	}
	supply := new(big.Int).Add(m.OutputTokenTotalSupply, amountOf(t.Shares))
	if err := l.updateMarket(ctx, s, m, m.Reserves(), supply, meta, t.LogIndex); err != nil {
		return err
	}
	l.log.Info("protocol fee mint",
		zap.String("market", m.ID),
		zap.Stringer("recipient", t.Account),
		zap.Stringer("shares", t.Shares),
	)
	return l.applyPosition(ctx, s, m, action{
		meta:     meta,
		logIndex: t.LogIndex,
		typ:      TransactionInvest,
		account:  t.Account,
		shares:   t.Shares,
	})
}

// Lock records share tokens minted to the null address. They count towards
// supply but belong to no position.
func (l *Ledger) Lock(ctx context.Context, s storage.Store, ev *ShareTransfer) error {
	m, err := l.Market(ctx, s, ev.MarketID())
	if err != nil {
		return err
	}
	if l.duplicate(m, string(ev.Kind()), ev.EventMeta, ev.Tx.LogIndex) {
		return nil
	}

	m.LockedOutputTokenSupply = new(big.Int).Add(amountOf(m.LockedOutputTokenSupply), ev.Value)
	if minimum := ProfileOf(m.Protocol).Minimum(); minimum.Sign() > 0 && m.LockedOutputTokenSupply.Cmp(minimum) != 0 {
		l.metrics.SupplyMismatches.WithLabelValues("minimum_liquidity").Inc()
		l.log.Warn("locked supply differs from protocol minimum",
			zap.String("market", m.ID),
			zap.Stringer("locked", m.LockedOutputTokenSupply),
			zap.Stringer("minimum", minimum),
		)
	}
	supply := new(big.Int).Add(m.OutputTokenTotalSupply, ev.Value)
	return l.updateMarket(ctx, s, m, m.Reserves(), supply, ev.EventMeta, ev.Tx.LogIndex)
}

// Transfer moves shares between two accounts. The sender redeems and the
// receiver invests the proportional reserves; each record names the other side.
func (l *Ledger) Transfer(ctx context.Context, s storage.Store, ev *ShareTransfer) error {
	m, err := l.Market(ctx, s, ev.MarketID())
	if err != nil {
		return err
	}
	if l.duplicate(m, string(ev.Kind()), ev.EventMeta, ev.Tx.LogIndex) {
		return nil
	}

	moved := AllocateAll(ev.Value, m.OutputTokenTotalSupply, m.Reserves())
	if err := l.updateMarket(ctx, s, m, m.Reserves(), m.OutputTokenTotalSupply, ev.EventMeta, ev.Tx.LogIndex); err != nil {
		return err
	}

	from, to := ev.From, ev.To
	if err := l.applyPosition(ctx, s, m, action{
		meta:         ev.EventMeta,
		logIndex:     ev.Tx.LogIndex,
		typ:          TransactionRedeem,
		account:      from,
		counterparty: &to,
		shares:       ev.Value,
		amounts:      moved,
	}); err != nil {
		return err
	}
	return l.applyPosition(ctx, s, m, action{
		meta:         ev.EventMeta,
		logIndex:     ev.Tx.LogIndex,
		typ:          TransactionInvest,
		account:      to,
		counterparty: &from,
		shares:       ev.Value,
		amounts:      moved,
	})
}

// Sync replaces the reserves of a market outside any mint or burn.
func (l *Ledger) Sync(ctx context.Context, s storage.Store, m *Market, meta EventMeta, reserves []*big.Int) error {
	if l.duplicate(m, string(KindReservesSynced), meta, meta.Tx.LogIndex) {
		return nil
	}
	return l.updateMarket(ctx, s, m, reserves, m.OutputTokenTotalSupply, meta, meta.Tx.LogIndex)
}

// Deposit applies a single-event vault or staking deposit.
func (l *Ledger) Deposit(ctx context.Context, s storage.Store, m *Market, ev *Deposited) error {
	return l.moveLiquidity(ctx, s, m, ev.EventMeta, TransactionInvest, ev.Account, ev.Amounts, ev.Shares)
}

// Withdraw applies a single-event vault or staking withdrawal.
func (l *Ledger) Withdraw(ctx context.Context, s storage.Store, m *Market, ev *Withdrawn) error {
	return l.moveLiquidity(ctx, s, m, ev.EventMeta, TransactionRedeem, ev.Account, ev.Amounts, ev.Shares)
}

func (l *Ledger) moveLiquidity(ctx context.Context, s storage.Store, m *Market, meta EventMeta, typ TransactionType, account common.Address, amounts []*big.Int, shares *big.Int) error {
	if l.duplicate(m, string(typ), meta, meta.Tx.LogIndex) {
		return nil
	}
	amounts, err := remap(m, nil, amounts)
	if err != nil {
		return err
	}
	reserves := m.Reserves()
	supply := new(big.Int).Set(m.OutputTokenTotalSupply)
	for i := range reserves {
		if typ == TransactionInvest {
			reserves[i] = new(big.Int).Add(reserves[i], amounts[i])
		} else {
			reserves[i] = new(big.Int).Sub(reserves[i], amounts[i])
		}
	}
	if typ == TransactionInvest {
		supply.Add(supply, amountOf(shares))
	} else {
		supply.Sub(supply, amountOf(shares))
	}

	if err := l.updateMarket(ctx, s, m, reserves, supply, meta, meta.Tx.LogIndex); err != nil {
		return err
	}
	return l.applyPosition(ctx, s, m, action{
		meta:     meta,
		logIndex: meta.Tx.LogIndex,
		typ:      typ,
		account:  account,
		shares:   amountOf(shares),
		amounts:  amounts,
	})
}

// NotifyRewards funds a reward token, registering it on first use.
func (l *Ledger) NotifyRewards(ctx context.Context, s storage.Store, m *Market, ev *RewardsNotified) error {
	if l.duplicate(m, string(ev.Kind()), ev.EventMeta, ev.Tx.LogIndex) {
		return nil
	}
	idx := -1
	for i, t := range m.RewardTokens {
		if t == ev.Token.ID {
			idx = i
		}
	}
	if idx < 0 {
		if err := l.ensureToken(ctx, s, ev.Token); err != nil {
			return err
		}
		m.RewardTokens = append(m.RewardTokens, ev.Token.ID)
		idx = len(m.RewardTokens) - 1
	}
	rewards := m.RewardReserves()
	rewards[idx] = new(big.Int).Add(rewards[idx], ev.Amount)
	m.RewardTokenBalances = tokenBalances(m.RewardTokens, m.Address, rewards)
	return l.updateMarket(ctx, s, m, m.Reserves(), m.OutputTokenTotalSupply, ev.EventMeta, ev.Tx.LogIndex)
}

// ClaimReward pays a reward out to an account and logs it as a redemption of
// reward tokens with no share change.
func (l *Ledger) ClaimReward(ctx context.Context, s storage.Store, m *Market, ev *RewardClaimed) error {
	if l.duplicate(m, string(ev.Kind()), ev.EventMeta, ev.Tx.LogIndex) {
		return nil
	}
	idx := -1
	for i, t := range m.RewardTokens {
		if t == ev.Token {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("reward %s in %s: %w", AddressID(ev.Token), m.ID, ErrUnknownToken)
	}

	rewards := m.RewardReserves()
	rewards[idx] = new(big.Int).Sub(rewards[idx], ev.Amount)
	if rewards[idx].Sign() < 0 {
		return fmt.Errorf("reward %s in %s below zero: %w", AddressID(ev.Token), m.ID, ErrNegativeBalance)
	}
	m.RewardTokenBalances = tokenBalances(m.RewardTokens, m.Address, rewards)
	if err := l.updateMarket(ctx, s, m, m.Reserves(), m.OutputTokenTotalSupply, ev.EventMeta, ev.Tx.LogIndex); err != nil {
		return err
	}

	claimed := make([]*big.Int, len(m.RewardTokens))
	for i := range claimed {
		claimed[i] = new(big.Int)
	}
	claimed[idx].Set(ev.Amount)
	return l.applyPosition(ctx, s, m, action{
		meta:     ev.EventMeta,
		logIndex: ev.Tx.LogIndex,
		typ:      TransactionRedeem,
		account:  ev.Account,
		shares:   new(big.Int),
		amounts:  make([]*big.Int, len(m.InputTokens)),
		rewards:  claimed,
	})
}

// UpdatePool applies an administrative change to a stable pool's parameters.
// A market without pool parameters keeps deriving reserves without them.
func (l *Ledger) UpdatePool(ctx context.Context, s storage.Store, meta EventMeta, kind EventKind, update func(*stableswap.PoolState)) error {
	id := meta.MarketID()
	ps, found, err := storage.Load[stableswap.PoolState](ctx, s, storage.KindStablePool, id)
	if err != nil {
		return err
	}
	if !found {
		l.metrics.EventsSkipped.WithLabelValues(string(kind), "no_pool_state").Inc()
		l.log.Warn("pool parameter change for unknown stable pool",
			zap.String("market", id),
			zap.String("kind", string(kind)),
		)
		return nil
	}
	update(ps)
	if err := ps.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidEvent)
	}
	return storage.Save(ctx, s, storage.KindStablePool, id, ps)
}

// VerifyConservation checks that the account balances of a market sum to its
// supply minus the locked minimum.
func (l *Ledger) VerifyConservation(ctx context.Context, s storage.Store, id string) error {
	m, err := l.Market(ctx, s, id)
	if err != nil {
		return err
	}
	sum := new(big.Int)
	err = storage.Scan(ctx, s, storage.KindLiquidity, m.ID+"-", func(_ string, liq *AccountLiquidity) error {
		if liq.Market == m.ID {
			sum.Add(sum, amountOf(liq.Balance))
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.metrics.ConservationRuns.Inc()

	want := new(big.Int).Sub(m.OutputTokenTotalSupply, amountOf(m.LockedOutputTokenSupply))
	if sum.Cmp(want) != 0 {
		return fmt.Errorf("market %s: accounts hold %s, supply minus locked is %s: %w", m.ID, sum, want, ErrConservation)
	}
	return nil
}

// duplicate reports, and counts, an event already covered by the market checkpoint.
func (l *Ledger) duplicate(m *Market, kind string, meta EventMeta, logIndex uint64) bool {
	if !m.Duplicate(meta.Block.Number, logIndex) {
		return false
	}
	l.metrics.Duplicates.WithLabelValues(kind).Inc()
	l.log.Warn("duplicate event skipped",
		zap.String("market", m.ID),
		zap.String("kind", kind),
		zap.Uint64("block", meta.Block.Number),
		zap.Uint64("logIndex", logIndex),
		zap.Uint64("checkpointBlock", m.Checkpoint.Block),
		zap.Uint64("checkpointLogIndex", m.Checkpoint.LogIndex),
	)
	return true
}

// updateMarket replaces reserves and supply, advances the checkpoint and
// writes a snapshot.
func (l *Ledger) updateMarket(ctx context.Context, s storage.Store, m *Market, reserves []*big.Int, supply *big.Int, meta EventMeta, logIndex uint64) error {
	if len(reserves) != len(m.InputTokens) {
		return fmt.Errorf("market %s: %d reserves for %d tokens: %w", m.ID, len(reserves), len(m.InputTokens), ErrInvalidEvent)
	}
	for i, r := range reserves {
		if amountOf(r).Sign() < 0 {
			return fmt.Errorf("market %s reserve %d is %s: %w", m.ID, i, r, ErrNegativeBalance)
		}
	}
	if supply.Sign() < 0 {
		return fmt.Errorf("market %s supply is %s: %w", m.ID, supply, ErrNegativeBalance)
	}

	m.InputTokenBalances = tokenBalances(m.InputTokens, m.Address, reserves)
	m.OutputTokenTotalSupply = new(big.Int).Set(supply)
	next := Checkpoint{Block: meta.Block.Number, LogIndex: logIndex}
	if !m.Applied || !m.Checkpoint.Covers(next.Block, next.LogIndex) {
		m.Checkpoint = next
	}
	m.Applied = true
	m.UpdatedBlock = meta.Block.Number
	m.UpdatedTimestamp = meta.Block.Timestamp

	if err := storage.Save(ctx, s, storage.KindMarket, m.ID, m); err != nil {
		return err
	}
	snap := &MarketSnapshot{
		ID:                     SnapshotID(m.ID, meta.Tx.Hash, logIndex),
		Market:                 m.ID,
		InputTokenBalances:     m.InputTokenBalances,
		OutputTokenTotalSupply: m.OutputTokenTotalSupply,
		TxHash:                 meta.Tx.Hash,
		LogIndex:               logIndex,
		BlockNumber:            meta.Block.Number,
		Timestamp:              meta.Block.Timestamp,
	}
	return storage.Save(ctx, s, storage.KindMarketSnapshot, snap.ID, snap)
}

// applyPosition changes an account's share balance, recomputes its
// proportional claims from the updated market and appends a record.
// The null address holds no position.
func (l *Ledger) applyPosition(ctx context.Context, s storage.Store, m *Market, a action) error {
	if a.account == (common.Address{}) {
		return nil
	}
	if err := l.ensureAccount(ctx, s, a.account); err != nil {
		return err
	}

	id := LiquidityID(m.ID, a.account)
	liq, found, err := storage.Load[AccountLiquidity](ctx, s, storage.KindLiquidity, id)
	if err != nil {
		return err
	}
	if !found {
		liq = &AccountLiquidity{ID: id, Market: m.ID, Account: a.account, Balance: new(big.Int)}
	}
	balance := new(big.Int).Set(amountOf(liq.Balance))
	if a.typ == TransactionInvest {
		balance.Add(balance, amountOf(a.shares))
	} else {
		balance.Sub(balance, amountOf(a.shares))
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s in %s holds %s, redeeming %s: %w",
			AddressID(a.account), m.ID, amountOf(liq.Balance), amountOf(a.shares), ErrNegativeBalance)
	}
	liq.Balance = balance
	if err := storage.Save(ctx, s, storage.KindLiquidity, id, liq); err != nil {
		return err
	}

	inputs := tokenBalances(m.InputTokens, a.account, AllocateAll(balance, m.OutputTokenTotalSupply, m.Reserves()))
	rewards := tokenBalances(m.RewardTokens, a.account, AllocateAll(balance, m.OutputTokenTotalSupply, m.RewardReserves()))

	pos, found, err := storage.Load[Position](ctx, s, storage.KindPosition, id)
	if err != nil {
		return err
	}
	if !found {
		pos = &Position{ID: id, Market: m.ID, Account: a.account}
	}
	pos.OutputTokenBalance = new(big.Int).Set(balance)
	pos.InputTokenBalances = inputs
	pos.RewardTokenBalances = rewards
	pos.Closed = balance.Sign() == 0
	pos.TransactionCount++
	pos.BlockNumber = a.meta.Block.Number
	pos.Timestamp = a.meta.Block.Timestamp
	if err := storage.Save(ctx, s, storage.KindPosition, id, pos); err != nil {
		return err
	}

	rec := &TransactionRecord{
		ID:                  TransactionID(a.meta.Tx.Hash, a.logIndex, a.account),
		Type:                a.typ,
		Market:              m.ID,
		Account:             a.account,
		Counterparty:        a.counterparty,
		OutputTokenAmount:   new(big.Int).Set(amountOf(a.shares)),
		InputTokenAmounts:   tokenBalances(m.InputTokens, a.account, a.amounts),
		OutputTokenBalance:  new(big.Int).Set(balance),
		InputTokenBalances:  inputs,
		RewardTokenBalances: rewards,
		TxHash:              a.meta.Tx.Hash,
		LogIndex:            a.logIndex,
		BlockNumber:         a.meta.Block.Number,
		Timestamp:           a.meta.Block.Timestamp,
	}
	if a.rewards != nil {
		rec.RewardTokenAmounts = tokenBalances(m.RewardTokens, a.account, a.rewards)
	}
	if err := storage.Save(ctx, s, storage.KindTransaction, rec.ID, rec); err != nil {
		return err
	}
	l.metrics.RecordsWritten.WithLabelValues(string(a.typ)).Inc()
	l.log.Debug("position updated",
		zap.String("position", id),
		zap.String("type", string(a.typ)),
		zap.Stringer("balance", balance),
	)
	return nil
}

func (l *Ledger) ensureAccount(ctx context.Context, s storage.Store, addr common.Address) error {
	if addr == (common.Address{}) {
		return nil
	}
	id := AddressID(addr)
	exists, err := storage.Exists(ctx, s, storage.KindAccount, id)
	if err != nil || exists {
		return err
	}
	return storage.Save(ctx, s, storage.KindAccount, id, &Account{ID: addr})
}

func (l *Ledger) ensureToken(ctx context.Context, s storage.Store, t Token) error {
	id := AddressID(t.ID)
	exists, err := storage.Exists(ctx, s, storage.KindToken, id)
	if err != nil || exists {
		return err
	}
	return storage.Save(ctx, s, storage.KindToken, id, &t)
}
