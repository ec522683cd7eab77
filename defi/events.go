// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/luxfi/positions/defi/stableswap"
)

// Block is the block context of an event.
type Block struct {
	Number    uint64 `json:"number"`
	Timestamp uint64 `json:"timestamp"`
}

// Tx is the transaction context of an event.
type Tx struct {
	Hash                common.Hash    `json:"hash"`
	Index               uint64         `json:"index"`
	LogIndex            uint64         `json:"logIndex"`
	TransactionLogIndex uint64         `json:"transactionLogIndex"`
	From                common.Address `json:"from"`
}

// EventMeta is carried by every decoded event. Market is the market the event
// belongs to as resolved by the ingestion layer; for a share token living in its
// own contract this is the pool, not the token.
type EventMeta struct {
	Market common.Address `json:"market"`
	Block  Block          `json:"block"`
	Tx     Tx             `json:"tx"`
}

// Meta returns the event context.
func (m EventMeta) Meta() EventMeta { return m }

// MarketID returns the id of the market the event belongs to.
func (m EventMeta) MarketID() string { return AddressID(m.Market) }

// EventKind names a decoded event variant.
type EventKind string

const (
	KindMarketCreated    EventKind = "MarketCreated"
	KindShareTransfer    EventKind = "ShareTransfer"
	KindLiquidityAdded   EventKind = "LiquidityAdded"
	KindLiquidityRemoved EventKind = "LiquidityRemoved"
	KindReservesSynced   EventKind = "ReservesSynced"
	KindSwapped          EventKind = "Swapped"
	KindDeposited        EventKind = "Deposited"
	KindWithdrawn        EventKind = "Withdrawn"
	KindRewardsNotified  EventKind = "RewardsNotified"
	KindRewardClaimed    EventKind = "RewardClaimed"
	KindRampA            EventKind = "RampA"
	KindStopRampA        EventKind = "StopRampA"
	KindFeeChanged       EventKind = "FeeChanged"
)

// Event is one decoded chain event. The concrete types below are the only
// implementations; Indexer.Handle switches on them.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
}

// MarketCreated registers a pool with already-resolved token metadata.
type MarketCreated struct {
	EventMeta
	Protocol     ProtocolType          `json:"protocol"`
	InputTokens  []Token               `json:"inputTokens"`
	OutputToken  *Token                `json:"outputToken,omitempty"`
	RewardTokens []Token               `json:"rewardTokens,omitempty"`
	Stable       *stableswap.PoolState `json:"stable,omitempty"`
}

// ShareTransfer is an ERC-20 Transfer of the market's share token.
type ShareTransfer struct {
	EventMeta
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
}

// PoolAmounts is the common body of the pool's own liquidity events.
// Tokens, when set, gives the token of each amount in event order; otherwise
// amounts follow the market's InputTokens.
type PoolAmounts struct {
	Account  common.Address   `json:"account"`
	Tokens   []common.Address `json:"tokens,omitempty"`
	Amounts  []*big.Int       `json:"amounts"`
	Fees     []*big.Int       `json:"fees,omitempty"`
	Reserves []*big.Int       `json:"reserves,omitempty"`
	// Shares and TotalSupply are observed values, cross-checked only.
	Shares      *big.Int `json:"shares,omitempty"`
	TotalSupply *big.Int `json:"totalSupply,omitempty"`
}

// LiquidityAdded is the pool facet of a mint (Mint, AddLiquidity, a positive
// PoolBalanceChanged).
type LiquidityAdded struct {
	EventMeta
	PoolAmounts
}

// LiquidityRemoved is the pool facet of a burn. OneCoin names the token of a
// single-coin withdrawal; Imbalanced marks a withdrawal that paid imbalance fees.
type LiquidityRemoved struct {
	EventMeta
	PoolAmounts
	OneCoin    *common.Address `json:"oneCoin,omitempty"`
	Imbalanced bool            `json:"imbalanced,omitempty"`
}

// ReservesSynced reports the pool's full reserves (Uniswap V2 Sync).
type ReservesSynced struct {
	EventMeta
	Tokens   []common.Address `json:"tokens,omitempty"`
	Reserves []*big.Int       `json:"reserves"`
}

// Swapped is the pool facet of a swap. AmountsIn and AmountsOut are per token.
type Swapped struct {
	EventMeta
	Trader     common.Address   `json:"trader"`
	Tokens     []common.Address `json:"tokens,omitempty"`
	AmountsIn  []*big.Int       `json:"amountsIn"`
	AmountsOut []*big.Int       `json:"amountsOut"`
	Reserves   []*big.Int       `json:"reserves,omitempty"`
}

// Deposited is a single-event vault or staking deposit.
type Deposited struct {
	EventMeta
	Account common.Address `json:"account"`
	Amounts []*big.Int     `json:"amounts"`
	Shares  *big.Int       `json:"shares"`
}

// Withdrawn is a single-event vault or staking withdrawal.
type Withdrawn struct {
	EventMeta
	Account common.Address `json:"account"`
	Amounts []*big.Int     `json:"amounts"`
	Shares  *big.Int       `json:"shares"`
}

// RewardsNotified funds a reward token of the market.
type RewardsNotified struct {
	EventMeta
	Token  Token    `json:"token"`
	Amount *big.Int `json:"amount"`
}

// RewardClaimed pays a reward token out to an account.
type RewardClaimed struct {
	EventMeta
	Account common.Address `json:"account"`
	Token   common.Address `json:"token"`
	Amount  *big.Int       `json:"amount"`
}

// RampA starts a linear amplification ramp on a stable pool.
type RampA struct {
	EventMeta
	OldA        *big.Int `json:"oldA"`
	NewA        *big.Int `json:"newA"`
	InitialTime uint64   `json:"initialTime"`
	FutureTime  uint64   `json:"futureTime"`
}

// StopRampA freezes the amplification of a stable pool.
type StopRampA struct {
	EventMeta
	A    *big.Int `json:"a"`
	Time uint64   `json:"time"`
}

// FeeChanged replaces the fees of a stable pool.
type FeeChanged struct {
	EventMeta
	Fee      *big.Int `json:"fee"`
	AdminFee *big.Int `json:"adminFee"`
}

func (*MarketCreated) Kind() EventKind    { return KindMarketCreated }
func (*ShareTransfer) Kind() EventKind    { return KindShareTransfer }
func (*LiquidityAdded) Kind() EventKind   { return KindLiquidityAdded }
func (*LiquidityRemoved) Kind() EventKind { return KindLiquidityRemoved }
func (*ReservesSynced) Kind() EventKind   { return KindReservesSynced }
func (*Swapped) Kind() EventKind          { return KindSwapped }
func (*Deposited) Kind() EventKind        { return KindDeposited }
func (*Withdrawn) Kind() EventKind        { return KindWithdrawn }
func (*RewardsNotified) Kind() EventKind  { return KindRewardsNotified }
func (*RewardClaimed) Kind() EventKind    { return KindRewardClaimed }
func (*RampA) Kind() EventKind            { return KindRampA }
func (*StopRampA) Kind() EventKind        { return KindStopRampA }
func (*FeeChanged) Kind() EventKind       { return KindFeeChanged }

// NewEvent returns an empty event of kind, ready to be decoded into.
func NewEvent(kind EventKind) (Event, bool) {
	switch kind {
	case KindMarketCreated:
		return &MarketCreated{}, true
	case KindShareTransfer:
		return &ShareTransfer{}, true
	case KindLiquidityAdded:
		return &LiquidityAdded{}, true
	case KindLiquidityRemoved:
		return &LiquidityRemoved{}, true
	case KindReservesSynced:
		return &ReservesSynced{}, true
	case KindSwapped:
		return &Swapped{}, true
	case KindDeposited:
		return &Deposited{}, true
	case KindWithdrawn:
		return &Withdrawn{}, true
	case KindRewardsNotified:
		return &RewardsNotified{}, true
	case KindRewardClaimed:
		return &RewardClaimed{}, true
	case KindRampA:
		return &RampA{}, true
	case KindStopRampA:
		return &StopRampA{}, true
	case KindFeeChanged:
		return &FeeChanged{}, true
	}
	return nil, false
}

// EventSignature returns the keccak256 topic of a Solidity event signature.
func EventSignature(signature string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return common.BytesToHash(h.Sum(nil))
}

// Event signatures with an unambiguous decoded kind. Balancer's
// PoolBalanceChanged is signed and so carries its kind explicitly.
var eventSignatures = map[string]EventKind{
	"PairCreated(address,address,address,uint256)":          KindMarketCreated,
	"Transfer(address,address,uint256)":                     KindShareTransfer,
	"Sync(uint112,uint112)":                                 KindReservesSynced,
	"Mint(address,uint256,uint256)":                         KindLiquidityAdded,
	"Burn(address,uint256,uint256,address)":                 KindLiquidityRemoved,
	"Swap(address,uint256,uint256,uint256,uint256,address)": KindSwapped,

	"Deposited(address,address,uint256,uint256,uint256)": KindLiquidityAdded,
	"Withdrawn(address,address,uint256,uint256,uint256)": KindLiquidityRemoved,

	"AddLiquidity(address,uint256[2],uint256[2],uint256,uint256)":             KindLiquidityAdded,
	"AddLiquidity(address,uint256[3],uint256[3],uint256,uint256)":             KindLiquidityAdded,
	"RemoveLiquidity(address,uint256[2],uint256[2],uint256)":                  KindLiquidityRemoved,
	"RemoveLiquidity(address,uint256[3],uint256[3],uint256)":                  KindLiquidityRemoved,
	"RemoveLiquidityOne(address,uint256,uint256)":                             KindLiquidityRemoved,
	"RemoveLiquidityImbalance(address,uint256[2],uint256[2],uint256,uint256)": KindLiquidityRemoved,
	"RemoveLiquidityImbalance(address,uint256[3],uint256[3],uint256,uint256)": KindLiquidityRemoved,
	"TokenExchange(address,int128,uint256,int128,uint256)":                    KindSwapped,

	"Staked(address,uint256)":     KindDeposited,
	"Withdrawn(address,uint256)":  KindWithdrawn,
	"RewardAdded(uint256)":        KindRewardsNotified,
	"RewardPaid(address,uint256)": KindRewardClaimed,

	"RampA(uint256,uint256,uint256,uint256)": KindRampA,
	"StopRampA(uint256,uint256)":             KindStopRampA,
	"NewFee(uint256,uint256)":                KindFeeChanged,
}

var topicKinds = func() map[common.Hash]EventKind {
	out := make(map[common.Hash]EventKind, len(eventSignatures))
	for sig, kind := range eventSignatures {
		out[EventSignature(sig)] = kind
	}
	return out
}()

// KindOfTopic resolves a topic0 to the decoded kind it maps to.
func KindOfTopic(topic common.Hash) (EventKind, bool) {
	kind, ok := topicKinds[topic]
	return kind, ok
}

// ParseEventKind accepts a kind name or a 0x-prefixed topic0.
func ParseEventKind(s string) (EventKind, bool) {
	if strings.HasPrefix(s, "0x") && len(s) == 66 {
		return KindOfTopic(common.HexToHash(s))
	}
	if _, ok := NewEvent(EventKind(s)); ok {
		return EventKind(s), true
	}
	return "", false
}
