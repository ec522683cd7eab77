// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package stableswap

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// Precision is the fixed-point unit of rates.
	Precision = big.NewInt(1_000_000_000_000_000_000)
	// FeeDenominator is the fixed-point unit of Fee and AdminFee.
	FeeDenominator = big.NewInt(10_000_000_000)
)

// PoolState holds the constants and administrable parameters of one pool.
// Balances are not persisted; callers fill them from the market's reserves.
type PoolState struct {
	ID                   string     `json:"id"`
	CoinCount            int        `json:"coinCount"`
	PrecisionMultipliers []*big.Int `json:"precisionMultipliers"`
	Rates                []*big.Int `json:"rates,omitempty"`
	InitialA             *big.Int   `json:"initialA"`
	FutureA              *big.Int   `json:"futureA"`
	InitialATime         uint64     `json:"initialATime"`
	FutureATime          uint64     `json:"futureATime"`
	Fee                  *big.Int   `json:"fee"`
	AdminFee             *big.Int   `json:"adminFee"`
	Balances             []*big.Int `json:"-"`
}

// Validate checks that the state is usable by the solvers.
func (p *PoolState) Validate() error {
	if p.CoinCount < 2 {
		return fmt.Errorf("pool %s: need at least 2 coins, got %d", p.ID, p.CoinCount)
	}
	if len(p.PrecisionMultipliers) != p.CoinCount {
		return fmt.Errorf("pool %s: %d precision multipliers for %d coins", p.ID, len(p.PrecisionMultipliers), p.CoinCount)
	}
	if len(p.Rates) != 0 && len(p.Rates) != p.CoinCount {
		return fmt.Errorf("pool %s: %d rates for %d coins", p.ID, len(p.Rates), p.CoinCount)
	}
	if p.InitialA == nil || p.FutureA == nil || p.InitialA.Sign() <= 0 || p.FutureA.Sign() <= 0 {
		return errors.New("pool " + p.ID + ": amplification must be positive")
	}
	return nil
}

// A returns the amplification coefficient at timestamp now.
func (p *PoolState) A(now uint64) *big.Int {
	return GetA(p.InitialA, p.FutureA, p.InitialATime, p.FutureATime, now)
}

// Ramp starts a linear ramp from oldA at start to newA at end.
func (p *PoolState) Ramp(oldA, newA *big.Int, start, end uint64) {
	p.InitialA = new(big.Int).Set(oldA)
	p.FutureA = new(big.Int).Set(newA)
	p.InitialATime = start
	p.FutureATime = end
}

// StopRamp freezes the coefficient at a from timestamp t.
func (p *PoolState) StopRamp(a *big.Int, t uint64) {
	p.InitialA = new(big.Int).Set(a)
	p.FutureA = new(big.Int).Set(a)
	p.InitialATime = t
	p.FutureATime = t
}

// SetFees replaces the swap and admin fees.
func (p *PoolState) SetFees(fee, adminFee *big.Int) {
	p.Fee = new(big.Int).Set(fee)
	p.AdminFee = new(big.Int).Set(adminFee)
}

// AdminPortion returns the share of fee the pool sends to the admin; it leaves
// the pool balances.
func (p *PoolState) AdminPortion(fee *big.Int) *big.Int {
	if fee == nil || p.AdminFee == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(fee, p.AdminFee)
	return out.Quo(out, FeeDenominator)
}

func (p *PoolState) rate(i int) *big.Int {
	if len(p.Rates) > i && p.Rates[i] != nil {
		return p.Rates[i]
	}
	return new(big.Int).Mul(p.PrecisionMultipliers[i], Precision)
}

// XP returns the rate-scaled balances.
func (p *PoolState) XP() []*big.Int {
	xp := make([]*big.Int, p.CoinCount)
	for i := range xp {
		bal := new(big.Int)
		if i < len(p.Balances) && p.Balances[i] != nil {
			bal.Set(p.Balances[i])
		}
		xp[i] = bal.Mul(bal, p.rate(i)).Quo(bal, Precision)
	}
	return xp
}

// unscale converts a scaled amount of coin i back to token units.
func (p *PoolState) unscale(v *big.Int, i int) *big.Int {
	out := new(big.Int).Mul(v, Precision)
	return out.Quo(out, p.rate(i))
}

func (p *PoolState) fee() *big.Int {
	if p.Fee == nil {
		return new(big.Int)
	}
	return p.Fee
}

// Exchange mirrors the pool's exchange of dx of coin i for coin j. The fee is
// charged on the scaled output before it is converted back to coin j, so dy,
// fee and admin match the amounts the pool moves. admin is the part of fee
// that leaves the pool on top of dy.
func (p *PoolState) Exchange(i, j int, dx *big.Int, now uint64) (dy, fee, admin *big.Int, converged bool) {
	if i == j || i < 0 || j < 0 || i >= p.CoinCount || j >= p.CoinCount {
		return new(big.Int), new(big.Int), new(big.Int), false
	}
	xp := p.XP()
	x := new(big.Int).Mul(dx, p.rate(i))
	x.Quo(x, Precision).Add(x, xp[i])

	y, ok := GetY(p.A(now), i, j, x, xp)
	gross := new(big.Int).Sub(xp[j], y)
	gross.Sub(gross, one)
	if gross.Sign() < 0 {
		return new(big.Int), new(big.Int), new(big.Int), false
	}

	scaledFee := new(big.Int).Mul(gross, p.fee())
	scaledFee.Quo(scaledFee, FeeDenominator)
	scaledAdmin := p.AdminPortion(scaledFee)

	dy = p.unscale(gross.Sub(gross, scaledFee), j)
	return dy, p.unscale(scaledFee, j), p.unscale(scaledAdmin, j), ok
}

// GetDy returns the amount of coin j received for dx of coin i, net of the swap
// fee, and the fee itself in coin j units.
func (p *PoolState) GetDy(i, j int, dx *big.Int, now uint64) (dy, fee *big.Int, converged bool) {
	dy, fee, _, converged = p.Exchange(i, j, dx, now)
	return dy, fee, converged
}

// CalcWithdrawOneCoin returns the amount of coin i paid out for burning
// tokenAmount of totalSupply shares, and the imbalance fee retained by the pool.
func (p *PoolState) CalcWithdrawOneCoin(tokenAmount, totalSupply *big.Int, i int, now uint64) (dy, fee *big.Int, converged bool) {
	if i < 0 || i >= p.CoinCount || isZero(totalSupply) {
		return new(big.Int), new(big.Int), false
	}
	amp := p.A(now)
	n := big.NewInt(int64(p.CoinCount))

	// Imbalance fee: fee * n / (4 * (n - 1)).
	baseFee := new(big.Int).Mul(p.fee(), n)
	baseFee.Quo(baseFee, new(big.Int).Mul(big.NewInt(4), new(big.Int).Sub(n, one)))

	xp := p.XP()
	d0, okD := GetD(xp, amp)
	if d0.Sign() == 0 {
		return new(big.Int), new(big.Int), false
	}
	d1 := new(big.Int).Mul(tokenAmount, d0)
	d1.Quo(d1, totalSupply)
	d1.Sub(d0, d1)

	newY, okY := GetYD(amp, i, xp, d1)
	dy0 := new(big.Int).Sub(xp[i], newY)
	if dy0.Sign() < 0 {
		dy0.SetInt64(0)
	}
	dy0 = p.unscale(dy0, i)

	reduced := make([]*big.Int, len(xp))
	for j, x := range xp {
		ideal := new(big.Int).Mul(x, d1)
		ideal.Quo(ideal, d0)

		expected := new(big.Int)
		if j == i {
			expected.Sub(ideal, newY)
		} else {
			expected.Sub(x, ideal)
		}
		cut := expected.Mul(expected, baseFee)
		cut.Quo(cut, FeeDenominator)
		reduced[j] = new(big.Int).Sub(x, cut)
	}

	y, okR := GetYD(amp, i, reduced, d1)
	dy = new(big.Int).Sub(reduced[i], y)
	dy.Sub(dy, one)
	if dy.Sign() < 0 {
		dy.SetInt64(0)
	}
	dy = p.unscale(dy, i)

	fee = new(big.Int).Sub(dy0, dy)
	if fee.Sign() < 0 {
		fee.SetInt64(0)
	}
	return dy, fee, okD && okY && okR
}
