// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package stableswap solves the StableSwap invariant with the same integer
// Newton iterations as the on-chain pools, so derived balances and fees match
// chain state exactly. Balances passed to the solvers are already scaled by rate
// and precision ("xp"); nothing here assumes 18-decimal tokens.
//
// Solvers never fail. If an iteration does not converge within MaxIterations the
// last iterate is returned together with converged=false.
package stableswap

import "math/big"

// MaxIterations caps every Newton loop.
const MaxIterations = 256

var (
	zero = big.NewInt(0)
	one  = big.NewInt(1)
	two  = big.NewInt(2)
)

// GetA interpolates the amplification coefficient of a ramp from
// (initialA, initialTime) to (futureA, futureTime). Outside the window it clamps
// to the nearest end.
func GetA(initialA, futureA *big.Int, initialTime, futureTime, now uint64) *big.Int {
	if now >= futureTime {
		return new(big.Int).Set(futureA)
	}
	if now <= initialTime {
		return new(big.Int).Set(initialA)
	}

	elapsed := new(big.Int).SetUint64(now - initialTime)
	window := new(big.Int).SetUint64(futureTime - initialTime)

	if futureA.Cmp(initialA) > 0 {
		step := new(big.Int).Sub(futureA, initialA)
		step.Mul(step, elapsed).Quo(step, window)
		return step.Add(initialA, step)
	}
	step := new(big.Int).Sub(initialA, futureA)
	step.Mul(step, elapsed).Quo(step, window)
	return step.Sub(initialA, step)
}

// GetD solves the invariant D for scaled balances xp and amplification amp:
//
//	D' = (Ann*S + D_P*n) * D / ((Ann-1)*D + (n+1)*D_P),  D_P = D^(n+1) / (n^n * prod(xp))
//
// A pool holding a zero balance has no defined invariant; GetD returns 0, false.
func GetD(xp []*big.Int, amp *big.Int) (*big.Int, bool) {
	n := big.NewInt(int64(len(xp)))
	s := new(big.Int)
	for _, x := range xp {
		s.Add(s, x)
	}
	if s.Sign() == 0 {
		return new(big.Int), true
	}
	for _, x := range xp {
		if x.Sign() <= 0 {
			return new(big.Int), false
		}
	}

	ann := new(big.Int).Mul(amp, n)
	annMinusOne := new(big.Int).Sub(ann, one)
	nPlusOne := new(big.Int).Add(n, one)

	d := new(big.Int).Set(s)
	prev := new(big.Int)
	dp := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	tmp := new(big.Int)

	for i := 0; i < MaxIterations; i++ {
		dp.Set(d)
		for _, x := range xp {
			tmp.Mul(x, n)
			dp.Mul(dp, d).Quo(dp, tmp)
		}
		prev.Set(d)

		num.Mul(ann, s)
		num.Add(num, tmp.Mul(dp, n))
		num.Mul(num, d)

		den.Mul(annMinusOne, d)
		den.Add(den, tmp.Mul(nPlusOne, dp))
		if den.Sign() <= 0 {
			return d, false
		}
		d.Quo(num, den)

		if within(d, prev) {
			return d, true
		}
	}
	return d, false
}

// GetYD solves for the balance of coin i that keeps the invariant at d, holding
// every other scaled balance in xp fixed.
func GetYD(amp *big.Int, i int, xp []*big.Int, d *big.Int) (*big.Int, bool) {
	if i < 0 || i >= len(xp) {
		return new(big.Int), false
	}
	return solveY(amp, i, -1, nil, xp, d)
}

// GetY solves for the balance of coin j after coin i's scaled balance becomes x,
// at the invariant of the current balances xp.
func GetY(amp *big.Int, i, j int, x *big.Int, xp []*big.Int) (*big.Int, bool) {
	if i == j || i < 0 || j < 0 || i >= len(xp) || j >= len(xp) {
		return new(big.Int), false
	}
	d, okD := GetD(xp, amp)
	y, okY := solveY(amp, j, i, x, xp, d)
	return y, okD && okY
}

// solveY runs the shared y iteration for unknown coin `unknown`. When replaced
// is a valid index its balance is taken as x instead of xp[replaced].
func solveY(amp *big.Int, unknown, replaced int, x *big.Int, xp []*big.Int, d *big.Int) (*big.Int, bool) {
	n := big.NewInt(int64(len(xp)))
	ann := new(big.Int).Mul(amp, n)
	if ann.Sign() <= 0 {
		return new(big.Int), false
	}

	c := new(big.Int).Set(d)
	sum := new(big.Int)
	tmp := new(big.Int)
	for k := range xp {
		if k == unknown {
			continue
		}
		v := xp[k]
		if k == replaced {
			v = x
		}
		if v.Sign() <= 0 {
			return new(big.Int), false
		}
		sum.Add(sum, v)
		c.Mul(c, d).Quo(c, tmp.Mul(v, n))
	}
	c.Mul(c, d).Quo(c, tmp.Mul(ann, n))
	b := new(big.Int).Quo(d, ann)
	b.Add(b, sum)

	y := new(big.Int).Set(d)
	prev := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	for k := 0; k < MaxIterations; k++ {
		prev.Set(y)

		num.Mul(y, y)
		num.Add(num, c)
		den.Mul(two, y)
		den.Add(den, b)
		den.Sub(den, d)
		if den.Sign() <= 0 {
			return y, false
		}
		y.Quo(num, den)

		if within(y, prev) {
			return y, true
		}
	}
	return y, false
}

// within reports |a-b| <= 1, checked from whichever side a approaches.
func within(a, b *big.Int) bool {
	diff := new(big.Int)
	if a.Cmp(b) > 0 {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	return diff.Cmp(one) <= 0
}

func isZero(v *big.Int) bool {
	return v == nil || v.Cmp(zero) == 0
}
