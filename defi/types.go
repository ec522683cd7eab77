// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package defi indexes liquidity pool events into a protocol-agnostic position model.
// A Market is any pool, vault or staking contract; an account's claim on it is
// tracked as AccountLiquidity (raw share balance) and a derived Position.
//
// Events that belong to one logical action (an LP token Transfer plus the pool's own
// Mint, Burn or PoolBalanceChanged event) are staged by the Reconciler and committed
// to the Ledger once every required facet has arrived.
package defi

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token is created lazily on first reference and never changes.
type Token struct {
	ID       common.Address `json:"id"`
	Decimals uint8          `json:"decimals"`
	Symbol   string         `json:"symbol,omitempty"`
}

// Account is created on first reference by any event.
type Account struct {
	ID common.Address `json:"id"`
}

// Checkpoint is the (block, logIndex) of the last event applied to a market.
type Checkpoint struct {
	Block    uint64 `json:"block"`
	LogIndex uint64 `json:"logIndex"`
}

// Covers reports whether an event at (block, logIndex) was already applied.
func (c Checkpoint) Covers(block, logIndex uint64) bool {
	if block != c.Block {
		return block < c.Block
	}
	return logIndex <= c.LogIndex
}

// Market represents one pool, vault or staking contract.
// InputTokenBalances is order-correlated with InputTokens.
type Market struct {
	ID                     string           `json:"id"`
	Address                common.Address   `json:"address"`
	Protocol               ProtocolType     `json:"protocol"`
	InputTokens            []common.Address `json:"inputTokens"`
	OutputToken            *common.Address  `json:"outputToken,omitempty"`
	RewardTokens           []common.Address `json:"rewardTokens,omitempty"`
	InputTokenBalances     []TokenBalance   `json:"inputTokenBalances"`
	RewardTokenBalances    []TokenBalance   `json:"rewardTokenBalances,omitempty"`
	OutputTokenTotalSupply *big.Int         `json:"outputTokenTotalSupply"`
	// LockedOutputTokenSupply is minted to the null address on pool
	// initialization. It counts towards the total supply but no account owns it.
	LockedOutputTokenSupply *big.Int   `json:"lockedOutputTokenSupply"`
	Checkpoint              Checkpoint `json:"checkpoint"`
	Applied                 bool       `json:"applied"`
	CreatedBlock            uint64     `json:"createdBlock"`
	CreatedTimestamp        uint64     `json:"createdTimestamp"`
	UpdatedBlock            uint64     `json:"updatedBlock"`
	UpdatedTimestamp        uint64     `json:"updatedTimestamp"`
}

// TokenIndex returns the position of token in InputTokens.
func (m *Market) TokenIndex(token common.Address) (int, bool) {
	for i, t := range m.InputTokens {
		if t == token {
			return i, true
		}
	}
	return -1, false
}

// Reserves returns the input token balances as plain amounts.
func (m *Market) Reserves() []*big.Int {
	return balanceAmounts(m.InputTokenBalances)
}

// RewardReserves returns the reward token balances, zero-padded to RewardTokens.
func (m *Market) RewardReserves() []*big.Int {
	out := balanceAmounts(m.RewardTokenBalances)
	for len(out) < len(m.RewardTokens) {
		out = append(out, new(big.Int))
	}
	return out
}

// Duplicate reports whether an event at (block, logIndex) was already applied.
func (m *Market) Duplicate(block, logIndex uint64) bool {
	return m.Applied && m.Checkpoint.Covers(block, logIndex)
}

// AccountLiquidity is an account's raw share balance in one market.
// Rows are never deleted; zero balances persist for history.
type AccountLiquidity struct {
	ID      string         `json:"id"`
	Market  string         `json:"market"`
	Account common.Address `json:"account"`
	Balance *big.Int       `json:"balance"`
}

// Position is the account's derived claim on a market after its last action.
type Position struct {
	ID                  string         `json:"id"`
	Market              string         `json:"market"`
	Account             common.Address `json:"account"`
	OutputTokenBalance  *big.Int       `json:"outputTokenBalance"`
	InputTokenBalances  []TokenBalance `json:"inputTokenBalances"`
	RewardTokenBalances []TokenBalance `json:"rewardTokenBalances,omitempty"`
	Closed              bool           `json:"closed"`
	TransactionCount    uint64         `json:"transactionCount"`
	BlockNumber         uint64         `json:"blockNumber"`
	Timestamp           uint64         `json:"timestamp"`
}

// TransactionType classifies a TransactionRecord
type TransactionType string

const (
	TransactionInvest TransactionType = "INVEST"
	TransactionRedeem TransactionType = "REDEEM"
)

// TransactionRecord is an append-only log entry of one account action.
// A share transfer yields two records, each naming the other side as Counterparty.
type TransactionRecord struct {
	ID                  string          `json:"id"`
	Type                TransactionType `json:"type"`
	Market              string          `json:"market"`
	Account             common.Address  `json:"account"`
	Counterparty        *common.Address `json:"counterparty,omitempty"`
	OutputTokenAmount   *big.Int        `json:"outputTokenAmount"`
	InputTokenAmounts   []TokenBalance  `json:"inputTokenAmounts"`
	RewardTokenAmounts  []TokenBalance  `json:"rewardTokenAmounts,omitempty"`
	OutputTokenBalance  *big.Int        `json:"outputTokenBalance"`
	InputTokenBalances  []TokenBalance  `json:"inputTokenBalances"`
	RewardTokenBalances []TokenBalance  `json:"rewardTokenBalances,omitempty"`
	TxHash              common.Hash     `json:"txHash"`
	LogIndex            uint64          `json:"logIndex"`
	BlockNumber         uint64          `json:"blockNumber"`
	Timestamp           uint64          `json:"timestamp"`
}

// MarketSnapshot captures market state after each update.
type MarketSnapshot struct {
	ID                     string         `json:"id"`
	Market                 string         `json:"market"`
	InputTokenBalances     []TokenBalance `json:"inputTokenBalances"`
	OutputTokenTotalSupply *big.Int       `json:"outputTokenTotalSupply"`
	TxHash                 common.Hash    `json:"txHash"`
	LogIndex               uint64         `json:"logIndex"`
	BlockNumber            uint64         `json:"blockNumber"`
	Timestamp              uint64         `json:"timestamp"`
}

// AddressID is the canonical lowercase hex id of an address.
func AddressID(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// HashID is the canonical lowercase hex id of a hash.
func HashID(h common.Hash) string {
	return strings.ToLower(h.Hex())
}

// LiquidityID is "<marketId>-<account>", shared by AccountLiquidity and Position.
func LiquidityID(market string, account common.Address) string {
	return market + "-" + AddressID(account)
}

// TransactionID is "<txHash>-<logIndex>-<account>".
func TransactionID(tx common.Hash, logIndex uint64, account common.Address) string {
	return HashID(tx) + "-" + strconv.FormatUint(logIndex, 10) + "-" + AddressID(account)
}

// SnapshotID is "<marketId>-<txHash>-<logIndex>".
func SnapshotID(market string, tx common.Hash, logIndex uint64) string {
	return market + "-" + HashID(tx) + "-" + strconv.FormatUint(logIndex, 10)
}
