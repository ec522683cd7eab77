// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import "math/big"

// Allocate returns accountShare * reserve / totalShare with floored integer
// division, matching on-chain arithmetic. The boolean is false when totalShare
// is zero; the amount is then zero and the caller picks its own policy.
func Allocate(accountShare, totalShare, reserve *big.Int) (*big.Int, bool) {
	if totalShare == nil || totalShare.Sign() == 0 {
		return new(big.Int), false
	}
	out := new(big.Int).Mul(amountOf(accountShare), amountOf(reserve))
	// Operands are non-negative, so Quo truncation is a floor.
	return out.Quo(out, totalShare), true
}

// AllocateAll applies Allocate to every reserve. A zero-supply market yields zeros.
func AllocateAll(accountShare, totalShare *big.Int, reserves []*big.Int) []*big.Int {
	out := make([]*big.Int, len(reserves))
	for i, reserve := range reserves {
		out[i], _ = Allocate(accountShare, totalShare, reserve)
	}
	return out
}
