// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luxfi/positions/defi/stableswap"
	"github.com/luxfi/positions/storage"
)

var (
	poolAddr = addr(0x100)
	tokA     = addr(0xa)
	tokB     = addr(0xb)
	tokC     = addr(0xc)
	alice    = addr(0x1a)
	bob      = addr(0x1b)
	carol    = addr(0x1c)
	feeTo    = addr(0xfee)
	null     = common.Address{}
	tx1      = hash(1)
	tx2      = hash(2)
	tx3      = hash(3)
)

// readerFunc adapts a function to PoolReader.
type readerFunc func(ctx context.Context, market common.Address, block uint64) ([]*big.Int, error)

func (fn readerFunc) Reserves(ctx context.Context, market common.Address, block uint64) ([]*big.Int, error) {
	return fn(ctx, market, block)
}

// mint returns the transfer and pool facets of a generic mint in one tx.
func mint(block uint64, tx common.Hash, to common.Address, shares int64, amounts ...int64) []Event {
	return []Event{
		&ShareTransfer{EventMeta: evmeta(poolAddr, block, tx, 1), From: null, To: to, Value: big.NewInt(shares)},
		&LiquidityAdded{EventMeta: evmeta(poolAddr, block, tx, 2), PoolAmounts: PoolAmounts{Account: to, Amounts: ints(amounts...)}},
	}
}

var _ = Describe("Position ledger", func() {
	var f *fixture

	Context("Generic mint", func() {
		BeforeEach(func() {
			f = newFixture()
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
		})

		It("applies the mint once both facets arrive", func() {
			evs := mint(1, tx1, alice, 1000, 100, 200)
			f.handle(evs[0])
			Expect(f.market(poolAddr).OutputTokenTotalSupply.String()).To(Equal("0"))
			Expect(f.count(storage.KindPending)).To(Equal(1))

			f.handle(evs[1])
			m := f.market(poolAddr)
			Expect(strs(m.Reserves())).To(Equal([]string{"100", "200"}))
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("1000"))
			Expect(m.Checkpoint).To(Equal(Checkpoint{Block: 1, LogIndex: 2}))
			Expect(f.balance(poolAddr, alice)).To(Equal("1000"))
			Expect(f.count(storage.KindPending)).To(BeZero())

			rec := f.record(tx1, 2, alice)
			Expect(rec.Type).To(Equal(TransactionInvest))
			Expect(rec.OutputTokenAmount.String()).To(Equal("1000"))
			Expect(balancesOf(rec.InputTokenAmounts)).To(Equal([]string{"100", "200"}))
			Expect(balancesOf(rec.InputTokenBalances)).To(Equal([]string{"100", "200"}))
			Expect(f.count(storage.KindTransaction)).To(Equal(1))

			ok, err := storage.Exists(f.ctx, f.store, storage.KindAccount, AddressID(alice))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("skips zero-value events", func() {
			f.handle(&ShareTransfer{EventMeta: evmeta(poolAddr, 1, tx1, 1), From: null, To: alice, Value: new(big.Int)})
			Expect(f.count(storage.KindTransaction)).To(BeZero())
			Expect(f.count(storage.KindPending)).To(BeZero())
			Expect(testutil.ToFloat64(f.metrics.EventsSkipped.WithLabelValues("ShareTransfer", "zero_value"))).To(Equal(1.0))
		})

		It("reorders amounts given in event token order", func() {
			f.handle(
				&ShareTransfer{EventMeta: evmeta(poolAddr, 1, tx1, 1), From: null, To: alice, Value: big.NewInt(10)},
				&LiquidityAdded{EventMeta: evmeta(poolAddr, 1, tx1, 2), PoolAmounts: PoolAmounts{
					Account: alice,
					Tokens:  []common.Address{tokB, tokA},
					Amounts: ints(200, 100),
				}},
			)
			Expect(strs(f.market(poolAddr).Reserves())).To(Equal([]string{"100", "200"}))
		})

		It("rejects amounts of a token outside the market", func() {
			f.handle(&ShareTransfer{EventMeta: evmeta(poolAddr, 1, tx1, 1), From: null, To: alice, Value: big.NewInt(10)})
			err := f.x.Handle(f.ctx, &LiquidityAdded{EventMeta: evmeta(poolAddr, 1, tx1, 2), PoolAmounts: PoolAmounts{
				Account: alice,
				Tokens:  []common.Address{tokC, tokA},
				Amounts: ints(1, 1),
			}})
			Expect(err).To(MatchError(ErrUnknownToken))
			Expect(f.market(poolAddr).OutputTokenTotalSupply.String()).To(Equal("0"))
		})
	})

	Context("Share transfers", func() {
		BeforeEach(func() {
			f = newFixture()
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
		})

		It("moves shares and proportional reserves between accounts", func() {
			f.handle(mint(1, tx1, alice, 100, 500, 500)...)
			f.handle(&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: alice, To: bob, Value: big.NewInt(40)})

			Expect(f.balance(poolAddr, alice)).To(Equal("60"))
			Expect(f.balance(poolAddr, bob)).To(Equal("40"))
			Expect(f.market(poolAddr).OutputTokenTotalSupply.String()).To(Equal("100"))

			out := f.record(tx2, 0, alice)
			in := f.record(tx2, 0, bob)
			Expect(out.Type).To(Equal(TransactionRedeem))
			Expect(in.Type).To(Equal(TransactionInvest))
			Expect(*out.Counterparty).To(Equal(bob))
			Expect(*in.Counterparty).To(Equal(alice))
			Expect(balancesOf(out.InputTokenAmounts)).To(Equal([]string{"200", "200"}))
			Expect(balancesOf(in.InputTokenAmounts)).To(Equal([]string{"200", "200"}))

			Expect(balancesOf(f.position(poolAddr, alice).InputTokenBalances)).To(Equal([]string{"300", "300"}))
			Expect(balancesOf(f.position(poolAddr, bob).InputTokenBalances)).To(Equal([]string{"200", "200"}))
		})

		It("floors proportional amounts", func() {
			f.handle(mint(1, tx1, alice, 100, 500, 333)...)
			f.handle(&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: alice, To: bob, Value: big.NewInt(40)})

			Expect(balancesOf(f.record(tx2, 0, bob).InputTokenAmounts)).To(Equal([]string{"200", "133"}))
			Expect(balancesOf(f.position(poolAddr, alice).InputTokenBalances)).To(Equal([]string{"300", "199"}))
			Expect(balancesOf(f.position(poolAddr, bob).InputTokenBalances)).To(Equal([]string{"200", "133"}))
		})

		It("closes a position that sends everything", func() {
			f.handle(mint(1, tx1, alice, 100, 500, 500)...)
			f.handle(&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: alice, To: bob, Value: big.NewInt(100)})

			pos := f.position(poolAddr, alice)
			Expect(pos.Closed).To(BeTrue())
			Expect(pos.TransactionCount).To(Equal(uint64(2)))
			Expect(balancesOf(pos.InputTokenBalances)).To(Equal([]string{"0", "0"}))
		})

		It("skips a transfer to self", func() {
			f.handle(mint(1, tx1, alice, 100, 500, 500)...)
			f.handle(&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: alice, To: alice, Value: big.NewInt(10)})
			Expect(f.count(storage.KindTransaction)).To(Equal(1))
			Expect(testutil.ToFloat64(f.metrics.EventsSkipped.WithLabelValues("ShareTransfer", "self_transfer"))).To(Equal(1.0))
		})

		It("rejects a transfer that overdraws the sender and writes nothing", func() {
			f.handle(mint(1, tx1, alice, 100, 500, 500)...)
			err := f.x.Handle(f.ctx, &ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: bob, To: carol, Value: big.NewInt(10)})
			Expect(err).To(MatchError(ErrNegativeBalance))

			Expect(f.market(poolAddr).Checkpoint).To(Equal(Checkpoint{Block: 1, LogIndex: 2}))
			Expect(f.balance(poolAddr, carol)).To(Equal("none"))
			Expect(f.count(storage.KindTransaction)).To(Equal(1))
			Expect(testutil.ToFloat64(f.metrics.HandleErrors.WithLabelValues("ShareTransfer"))).To(Equal(1.0))
		})
	})

	Context("Uniswap V2", func() {
		BeforeEach(func() {
			f = newFixture(WithConservationCheck(true))
			f.create(poolAddr, ProtocolUniswapV2, tokA, tokB)

			f.handle(
				&ShareTransfer{EventMeta: evmeta(poolAddr, 1, tx1, 0), From: null, To: null, Value: big.NewInt(1000)},
				&ShareTransfer{EventMeta: evmeta(poolAddr, 1, tx1, 1), From: null, To: alice, Value: big.NewInt(9000)},
				&ReservesSynced{EventMeta: evmeta(poolAddr, 1, tx1, 2), Reserves: ints(10000, 10000)},
				&LiquidityAdded{EventMeta: evmeta(poolAddr, 1, tx1, 3), PoolAmounts: PoolAmounts{Account: alice, Amounts: ints(10000, 10000)}},
			)
		})

		It("locks the minimum liquidity outside any position", func() {
			m := f.market(poolAddr)
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("10000"))
			Expect(m.LockedOutputTokenSupply.String()).To(Equal("1000"))
			Expect(strs(m.Reserves())).To(Equal([]string{"10000", "10000"}))
			Expect(f.balance(poolAddr, alice)).To(Equal("9000"))
			Expect(f.balance(poolAddr, null)).To(Equal("none"))
			Expect(testutil.ToFloat64(f.metrics.SupplyMismatches.WithLabelValues("minimum_liquidity"))).To(BeZero())
			Expect(f.x.Ledger().VerifyConservation(f.ctx, f.store, AddressID(poolAddr))).To(Succeed())
		})

		It("settles a protocol fee mint ahead of a burn", func() {
			f.handle(
				&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: alice, To: poolAddr, Value: big.NewInt(500)},
				&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 1), From: null, To: feeTo, Value: big.NewInt(10)},
				&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 2), From: poolAddr, To: null, Value: big.NewInt(500)},
				&ReservesSynced{EventMeta: evmeta(poolAddr, 2, tx2, 3), Reserves: ints(9501, 9501)},
				&LiquidityRemoved{EventMeta: evmeta(poolAddr, 2, tx2, 4), PoolAmounts: PoolAmounts{Account: alice, Amounts: ints(499, 499)}},
			)

			m := f.market(poolAddr)
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("9510"))
			Expect(strs(m.Reserves())).To(Equal([]string{"9501", "9501"}))
			Expect(f.balance(poolAddr, alice)).To(Equal("8500"))
			Expect(f.balance(poolAddr, feeTo)).To(Equal("10"))
			Expect(f.balance(poolAddr, poolAddr)).To(Equal("0"))

			fee := f.record(tx2, 1, feeTo)
			Expect(fee.Type).To(Equal(TransactionInvest))
			Expect(fee.OutputTokenAmount.String()).To(Equal("10"))
			Expect(balancesOf(fee.InputTokenAmounts)).To(Equal([]string{"0", "0"}))
			Expect(f.record(tx2, 4, poolAddr).Type).To(Equal(TransactionRedeem))

			orphans, err := f.x.Flush(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orphans).To(BeEmpty())
		})

		It("takes swap reserves from the preceding sync", func() {
			records := f.count(storage.KindTransaction)
			f.handle(
				&ReservesSynced{EventMeta: evmeta(poolAddr, 3, tx3, 0), Reserves: ints(11000, 9100)},
				&Swapped{EventMeta: evmeta(poolAddr, 3, tx3, 1), Trader: bob, AmountsIn: ints(1000, 0), AmountsOut: ints(0, 900)},
			)

			m := f.market(poolAddr)
			Expect(strs(m.Reserves())).To(Equal([]string{"11000", "9100"}))
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("10000"))
			Expect(m.Checkpoint).To(Equal(Checkpoint{Block: 3, LogIndex: 1}))
			Expect(f.count(storage.KindTransaction)).To(Equal(records))

			ok, err := storage.Exists(f.ctx, f.store, storage.KindAccount, AddressID(bob))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})

	Context("Replay", func() {
		BeforeEach(func() {
			f = newFixture()
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
		})

		It("applies a replayed transaction once", func() {
			evs := mint(1, tx1, alice, 1000, 100, 200)
			f.handle(evs...)
			f.handle(evs...)

			m := f.market(poolAddr)
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("1000"))
			Expect(strs(m.Reserves())).To(Equal([]string{"100", "200"}))
			Expect(f.balance(poolAddr, alice)).To(Equal("1000"))
			Expect(f.count(storage.KindTransaction)).To(Equal(1))
			Expect(f.count(storage.KindPending)).To(BeZero())
			Expect(testutil.ToFloat64(f.metrics.Duplicates.WithLabelValues("mint"))).To(Equal(1.0))
		})

		It("reports a replayed facet without its partner as orphaned", func() {
			evs := mint(1, tx1, alice, 1000, 100, 200)
			f.handle(evs...)
			f.handle(evs[0])

			orphans, err := f.x.Flush(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(orphans).To(HaveLen(1))
			Expect(orphans[0].Kind).To(Equal(AggregateMint))
			Expect(orphans[0].Missing()).To(Equal(FacetPool))
			Expect(testutil.ToFloat64(f.metrics.OrphanedAggregates)).To(Equal(1.0))
		})

		It("reports orphans when the transaction changes", func() {
			f.handle(mint(1, tx1, alice, 1000, 100, 200)[0])
			f.handle(&ReservesSynced{EventMeta: evmeta(poolAddr, 2, tx2, 0), Reserves: ints(0, 0)})
			Expect(testutil.ToFloat64(f.metrics.OrphanedAggregates)).To(Equal(1.0))
		})
	})

	Context("Unknown markets", func() {
		It("fails without writing anything", func() {
			f = newFixture()
			err := f.x.Handle(f.ctx, &ShareTransfer{EventMeta: evmeta(addr(0x999), 1, tx1, 0), From: null, To: alice, Value: big.NewInt(1)})
			Expect(err).To(MatchError(ErrMarketNotFound))
			Expect(f.count(storage.KindPending)).To(BeZero())
			Expect(f.count(storage.KindAccount)).To(BeZero())
		})
	})

	Context("Curve stable pool", func() {
		var params *stableswap.PoolState

		BeforeEach(func() {
			f = newFixture()
			params = &stableswap.PoolState{
				CoinCount:            2,
				PrecisionMultipliers: ints(1, 1),
				InitialA:             big.NewInt(100),
				FutureA:              big.NewInt(100),
				Fee:                  big.NewInt(4_000_000),
				AdminFee:             big.NewInt(5_000_000_000),
			}
			f.handle(&MarketCreated{
				EventMeta:   evmeta(poolAddr, 0, common.Hash{}, 0),
				Protocol:    ProtocolCurve,
				InputTokens: []Token{{ID: tokA, Decimals: 18}, {ID: tokB, Decimals: 18}},
				Stable:      params,
			})
			f.handle(
				&ShareTransfer{EventMeta: evmeta(poolAddr, 1, tx1, 1), From: null, To: alice, Value: e18(2000)},
				&LiquidityAdded{EventMeta: evmeta(poolAddr, 1, tx1, 2), PoolAmounts: PoolAmounts{
					Account: alice,
					Amounts: []*big.Int{e18(1000), e18(1000)},
				}},
			)
		})

		It("derives balances after a deposit", func() {
			Expect(strs(f.market(poolAddr).Reserves())).To(Equal(strs([]*big.Int{e18(1000), e18(1000)})))
		})

		It("keeps the admin share of a one-coin withdrawal out of the pool", func() {
			ps := *params
			ps.Balances = []*big.Int{e18(1000), e18(1000)}
			dy, fee, ok := ps.CalcWithdrawOneCoin(e18(10), e18(2000), 0, 2000)
			Expect(ok).To(BeTrue())

			one := tokA
			f.handle(
				&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 0), From: alice, To: null, Value: e18(10)},
				&LiquidityRemoved{
					EventMeta:   evmeta(poolAddr, 2, tx2, 1),
					PoolAmounts: PoolAmounts{Account: alice, Amounts: []*big.Int{dy, new(big.Int)}},
					OneCoin:     &one,
				},
			)

			want0 := new(big.Int).Sub(e18(1000), dy)
			want0.Sub(want0, ps.AdminPortion(fee))
			m := f.market(poolAddr)
			Expect(strs(m.Reserves())).To(Equal(strs([]*big.Int{want0, e18(1000)})))
			Expect(m.OutputTokenTotalSupply.String()).To(Equal(e18(1990).String()))
			Expect(f.balance(poolAddr, alice)).To(Equal(e18(1990).String()))
		})

		It("derives balances after an exchange", func() {
			// 1000/1000 pool, A=100: the pool pays out dy and sends its admin
			// fee, 612531825252281, out of coin 1.
			dx, _ := new(big.Int).SetString("3062752000039815776", 10)
			dy, _ := new(big.Int).SetString("3061434062610905436", 10)

			f.handle(&Swapped{
				EventMeta:  evmeta(poolAddr, 2, tx2, 0),
				Trader:     bob,
				AmountsIn:  []*big.Int{dx, new(big.Int)},
				AmountsOut: []*big.Int{new(big.Int), dy},
			})

			Expect(strs(f.market(poolAddr).Reserves())).To(Equal([]string{
				"1003062752000039815776",
				"996937953405563842283",
			}))
			Expect(testutil.ToFloat64(f.metrics.SolverNonConvergence.WithLabelValues("get_dy"))).To(BeZero())
		})

		It("follows amplification ramps", func() {
			f.handle(&RampA{EventMeta: evmeta(poolAddr, 2, tx2, 0), OldA: big.NewInt(100), NewA: big.NewInt(200), InitialTime: 10, FutureTime: 20})

			ps, found, err := storage.Load[stableswap.PoolState](f.ctx, f.store, storage.KindStablePool, AddressID(poolAddr))
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(ps.FutureA.String()).To(Equal("200"))
			Expect(ps.A(15).String()).To(Equal("150"))

			f.handle(&FeeChanged{EventMeta: evmeta(poolAddr, 2, tx2, 1), Fee: big.NewInt(1_000_000), AdminFee: big.NewInt(0)})
			ps, _, err = storage.Load[stableswap.PoolState](f.ctx, f.store, storage.KindStablePool, AddressID(poolAddr))
			Expect(err).NotTo(HaveOccurred())
			Expect(ps.Fee.String()).To(Equal("1000000"))
		})

		It("keeps the last iterate when the solver cannot converge", func() {
			lopsided := addr(0x300)
			f.handle(
				&MarketCreated{
					EventMeta:   evmeta(lopsided, 0, common.Hash{}, 0),
					Protocol:    ProtocolCurve,
					InputTokens: []Token{{ID: tokA, Decimals: 18}, {ID: tokB, Decimals: 18}},
					Stable:      params,
				},
				&ShareTransfer{EventMeta: evmeta(lopsided, 1, tx1, 3), From: null, To: alice, Value: e18(1000)},
				&LiquidityAdded{EventMeta: evmeta(lopsided, 1, tx1, 4), PoolAmounts: PoolAmounts{
					Account: alice,
					Amounts: []*big.Int{e18(1000), new(big.Int)},
				}},
			)

			one := tokA
			f.handle(
				&ShareTransfer{EventMeta: evmeta(lopsided, 2, tx2, 0), From: alice, To: null, Value: e18(10)},
				&LiquidityRemoved{
					EventMeta:   evmeta(lopsided, 2, tx2, 1),
					PoolAmounts: PoolAmounts{Account: alice, Amounts: []*big.Int{e18(5), new(big.Int)}},
					OneCoin:     &one,
				},
			)

			m := f.market(lopsided)
			Expect(strs(m.Reserves())).To(Equal(strs([]*big.Int{e18(995), new(big.Int)})))
			Expect(m.OutputTokenTotalSupply.String()).To(Equal(e18(990).String()))
			Expect(testutil.ToFloat64(f.metrics.SolverNonConvergence.WithLabelValues("withdraw_one_coin"))).To(Equal(1.0))
			Expect(f.count(storage.KindPending)).To(BeZero())
		})

		It("ignores parameter changes for pools without parameters", func() {
			other := addr(0x200)
			f.create(other, ProtocolGeneric, tokA, tokB)
			f.handle(&StopRampA{EventMeta: evmeta(other, 2, tx2, 0), A: big.NewInt(100), Time: 5})
			Expect(testutil.ToFloat64(f.metrics.EventsSkipped.WithLabelValues("StopRampA", "no_pool_state"))).To(Equal(1.0))
		})
	})

	Context("External reserve reads", func() {
		It("uses the pool's reported reserves", func() {
			var blocks []uint64
			f = newFixture(WithPoolReader(readerFunc(func(_ context.Context, market common.Address, block uint64) ([]*big.Int, error) {
				Expect(market).To(Equal(poolAddr))
				blocks = append(blocks, block)
				return ints(700, 800), nil
			})))
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
			f.handle(mint(3, tx1, alice, 1000, 100, 200)...)

			Expect(strs(f.market(poolAddr).Reserves())).To(Equal([]string{"700", "800"}))
			Expect(blocks).To(Equal([]uint64{3}))
			Expect(testutil.ToFloat64(f.metrics.ReadFallbacks.WithLabelValues("reserves"))).To(BeZero())
		})

		It("falls back to previous reserves and the moved amounts when a read reverts", func() {
			f = newFixture(WithPoolReader(readerFunc(func(context.Context, common.Address, uint64) ([]*big.Int, error) {
				return nil, errors.New("execution reverted")
			})))
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
			f.handle(mint(1, tx1, alice, 1000, 100, 200)...)

			Expect(strs(f.market(poolAddr).Reserves())).To(Equal([]string{"100", "200"}))
			Expect(testutil.ToFloat64(f.metrics.ReadFallbacks.WithLabelValues("reserves"))).To(Equal(1.0))

			f.handle(
				&ShareTransfer{EventMeta: evmeta(poolAddr, 2, tx2, 1), From: alice, To: null, Value: big.NewInt(100)},
				&LiquidityRemoved{EventMeta: evmeta(poolAddr, 2, tx2, 2), PoolAmounts: PoolAmounts{Account: alice, Amounts: ints(10, 20)}},
			)
			m := f.market(poolAddr)
			Expect(strs(m.Reserves())).To(Equal([]string{"90", "180"}))
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("900"))
			Expect(testutil.ToFloat64(f.metrics.ReadFallbacks.WithLabelValues("reserves"))).To(Equal(2.0))
		})

		It("falls back when the read returns the wrong number of reserves", func() {
			f = newFixture(WithPoolReader(readerFunc(func(context.Context, common.Address, uint64) ([]*big.Int, error) {
				return ints(1), nil
			})))
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
			f.handle(mint(1, tx1, alice, 1000, 100, 200)...)

			Expect(strs(f.market(poolAddr).Reserves())).To(Equal([]string{"100", "200"}))
			Expect(testutil.ToFloat64(f.metrics.ReadFallbacks.WithLabelValues("reserves"))).To(Equal(1.0))
		})
	})

	Context("Rewards", func() {
		reward := addr(0xeee)

		BeforeEach(func() {
			f = newFixture()
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
			f.handle(mint(1, tx1, alice, 1000, 100, 200)...)
			f.handle(&RewardsNotified{EventMeta: evmeta(poolAddr, 2, tx2, 0), Token: Token{ID: reward, Decimals: 18, Symbol: "RWD"}, Amount: big.NewInt(1000)})
		})

		It("registers and funds a reward token", func() {
			m := f.market(poolAddr)
			Expect(m.RewardTokens).To(Equal([]common.Address{reward}))
			Expect(strs(m.RewardReserves())).To(Equal([]string{"1000"}))

			tok, found, err := storage.Load[Token](f.ctx, f.store, storage.KindToken, AddressID(reward))
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(tok.Symbol).To(Equal("RWD"))
		})

		It("pays out claims without moving shares", func() {
			f.handle(&RewardClaimed{EventMeta: evmeta(poolAddr, 2, tx2, 1), Account: alice, Token: reward, Amount: big.NewInt(300)})

			Expect(strs(f.market(poolAddr).RewardReserves())).To(Equal([]string{"700"}))
			Expect(f.balance(poolAddr, alice)).To(Equal("1000"))

			rec := f.record(tx2, 1, alice)
			Expect(rec.Type).To(Equal(TransactionRedeem))
			Expect(rec.OutputTokenAmount.String()).To(Equal("0"))
			Expect(balancesOf(rec.RewardTokenAmounts)).To(Equal([]string{"300"}))
			Expect(balancesOf(f.position(poolAddr, alice).RewardTokenBalances)).To(Equal([]string{"700"}))
		})

		It("rejects claims of unknown reward tokens", func() {
			err := f.x.Handle(f.ctx, &RewardClaimed{EventMeta: evmeta(poolAddr, 2, tx2, 1), Account: alice, Token: tokC, Amount: big.NewInt(1)})
			Expect(err).To(MatchError(ErrUnknownToken))
		})
	})

	Context("Vaults", func() {
		vault := addr(0x300)

		It("applies deposits and withdrawals in one event each", func() {
			f = newFixture()
			f.create(vault, ProtocolGeneric, tokA)
			f.handle(
				&Deposited{EventMeta: evmeta(vault, 1, tx1, 0), Account: alice, Amounts: ints(100), Shares: big.NewInt(100)},
				&Withdrawn{EventMeta: evmeta(vault, 2, tx2, 0), Account: alice, Amounts: ints(40), Shares: big.NewInt(40)},
			)

			m := f.market(vault)
			Expect(strs(m.Reserves())).To(Equal([]string{"60"}))
			Expect(m.OutputTokenTotalSupply.String()).To(Equal("60"))
			Expect(f.balance(vault, alice)).To(Equal("60"))
			Expect(balancesOf(f.position(vault, alice).InputTokenBalances)).To(Equal([]string{"60"}))
			Expect(f.record(tx2, 0, alice).Type).To(Equal(TransactionRedeem))
		})
	})

	Context("Conservation check", func() {
		It("rejects an event that leaves accounts and supply apart", func() {
			f = newFixture(WithConservationCheck(true))
			f.create(poolAddr, ProtocolGeneric, tokA, tokB)
			f.handle(mint(1, tx1, alice, 1000, 100, 200)...)
			Expect(testutil.ToFloat64(f.metrics.ConservationRuns)).To(BeNumerically(">", 0))

			id := LiquidityID(AddressID(poolAddr), bob)
			Expect(storage.Save(f.ctx, f.store, storage.KindLiquidity, id, &AccountLiquidity{
				ID:      id,
				Market:  AddressID(poolAddr),
				Account: bob,
				Balance: big.NewInt(5),
			})).To(Succeed())

			err := f.x.Handle(f.ctx, &ReservesSynced{EventMeta: evmeta(poolAddr, 2, tx2, 0), Reserves: ints(1, 1)})
			Expect(err).To(MatchError(ErrConservation))
			Expect(strs(f.market(poolAddr).Reserves())).To(Equal([]string{"100", "200"}))
		})
	})

	Context("Static pools", func() {
		It("seeds each registered pool once", func() {
			reg, err := NewRegistry([]StaticPool{
				{Address: addr(0x400), Protocol: ProtocolUniswapV2, InputTokens: []Token{{ID: tokA}, {ID: tokB}}},
				{Address: addr(0x401), Protocol: ProtocolMooniswap, InputTokens: []Token{{ID: tokA}, {ID: tokC}}},
			})
			Expect(err).NotTo(HaveOccurred())

			f = newFixture(WithRegistry(reg))
			Expect(f.x.Seed(f.ctx)).To(Succeed())
			Expect(f.x.Seed(f.ctx)).To(Succeed())

			Expect(f.count(storage.KindMarket)).To(Equal(2))
			Expect(f.count(storage.KindToken)).To(Equal(3))
			Expect(f.market(addr(0x401)).Protocol).To(Equal(ProtocolMooniswap))
			Expect(testutil.ToFloat64(f.metrics.EventsSkipped.WithLabelValues("MarketCreated", "market_exists"))).To(Equal(2.0))
		})
	})
})
