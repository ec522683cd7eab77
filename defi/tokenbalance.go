// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const tokenBalanceSep = "|"

// TokenBalance is an amount of one token attributed to one owner.
// Values are immutable: Add returns a new balance.
type TokenBalance struct {
	Token  common.Address
	Owner  common.Address
	Amount *big.Int
}

// NewTokenBalance copies amount; a nil amount means zero.
func NewTokenBalance(token, owner common.Address, amount *big.Int) TokenBalance {
	return TokenBalance{Token: token, Owner: owner, Amount: cloneInt(amount)}
}

// Add sums b into a. When the tokens differ a is returned unchanged; callers
// filter by token before adding.
func (a TokenBalance) Add(b TokenBalance) TokenBalance {
	if a.Token != b.Token {
		return a
	}
	return TokenBalance{
		Token:  a.Token,
		Owner:  a.Owner,
		Amount: new(big.Int).Add(amountOf(a.Amount), amountOf(b.Amount)),
	}
}

// Equal compares by value; a nil amount equals zero.
func (a TokenBalance) Equal(b TokenBalance) bool {
	return a.Token == b.Token && a.Owner == b.Owner && amountOf(a.Amount).Cmp(amountOf(b.Amount)) == 0
}

// String returns the canonical "token|owner|amount" encoding.
func (a TokenBalance) String() string {
	return AddressID(a.Token) + tokenBalanceSep + AddressID(a.Owner) + tokenBalanceSep + amountOf(a.Amount).String()
}

// ParseTokenBalance is the inverse of TokenBalance.String.
func ParseTokenBalance(s string) (TokenBalance, error) {
	parts := strings.Split(s, tokenBalanceSep)
	if len(parts) != 3 {
		return TokenBalance{}, fmt.Errorf("token balance %q: want 3 fields, got %d", s, len(parts))
	}
	if !common.IsHexAddress(parts[0]) {
		return TokenBalance{}, fmt.Errorf("token balance %q: bad token address", s)
	}
	if !common.IsHexAddress(parts[1]) {
		return TokenBalance{}, fmt.Errorf("token balance %q: bad owner address", s)
	}
	amount, ok := new(big.Int).SetString(parts[2], 10)
	if !ok || amount.Sign() < 0 {
		return TokenBalance{}, fmt.Errorf("token balance %q: bad amount", s)
	}
	return TokenBalance{
		Token:  common.HexToAddress(parts[0]),
		Owner:  common.HexToAddress(parts[1]),
		Amount: amount,
	}, nil
}

func (a TokenBalance) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *TokenBalance) UnmarshalText(text []byte) error {
	parsed, err := ParseTokenBalance(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// balanceAmounts extracts the amounts of balances, in order.
func balanceAmounts(balances []TokenBalance) []*big.Int {
	out := make([]*big.Int, len(balances))
	for i, b := range balances {
		out[i] = amountOf(b.Amount)
	}
	return out
}

// tokenBalances zips tokens and amounts for one owner.
func tokenBalances(tokens []common.Address, owner common.Address, amounts []*big.Int) []TokenBalance {
	out := make([]TokenBalance, len(tokens))
	for i, token := range tokens {
		var amount *big.Int
		if i < len(amounts) {
			amount = amounts[i]
		}
		out[i] = NewTokenBalance(token, owner, amount)
	}
	return out
}

func amountOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
