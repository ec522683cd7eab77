// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferFacet is the share token side of a mint or burn.
type TransferFacet struct {
	Account  common.Address `json:"account"`
	Shares   *big.Int       `json:"shares"`
	LogIndex uint64         `json:"logIndex"`
}

// SyncFacet carries the reserves reported after the action.
type SyncFacet struct {
	Reserves []*big.Int `json:"reserves"`
	LogIndex uint64     `json:"logIndex"`
}

// PoolFacet is the pool's own view of the action. Amounts are in the market's
// canonical token order by the time they are staged.
type PoolFacet struct {
	Account     common.Address `json:"account"`
	Amounts     []*big.Int     `json:"amounts"`
	AmountsOut  []*big.Int     `json:"amountsOut,omitempty"`
	Fees        []*big.Int     `json:"fees,omitempty"`
	Reserves    []*big.Int     `json:"reserves,omitempty"`
	Shares      *big.Int       `json:"shares,omitempty"`
	TotalSupply *big.Int       `json:"totalSupply,omitempty"`
	OneCoin     int            `json:"oneCoin"`
	Imbalanced  bool           `json:"imbalanced,omitempty"`
	LogIndex    uint64         `json:"logIndex"`
}

// PendingAggregate is an incomplete mint, burn or swap. It lives only while
// the transaction that opened it is being processed.
type PendingAggregate struct {
	ID        string         `json:"id"`
	Kind      AggregateKind  `json:"kind"`
	Market    string         `json:"market"`
	TxHash    common.Hash    `json:"txHash"`
	Block     uint64         `json:"block"`
	Timestamp uint64         `json:"timestamp"`
	Required  FacetSet       `json:"required"`
	Applied   FacetSet       `json:"applied"`
	Transfer  *TransferFacet `json:"transfer,omitempty"`
	Sync      *SyncFacet     `json:"sync,omitempty"`
	Pool      *PoolFacet     `json:"pool,omitempty"`
}

// AggregateID is "<txHash>-<marketId>-<kind>".
func AggregateID(tx common.Hash, market string, kind AggregateKind) string {
	return HashID(tx) + "-" + market + "-" + string(kind)
}

// Missing returns the required facets that have not arrived.
func (p *PendingAggregate) Missing() FacetSet {
	return p.Required &^ p.Applied
}

// Needs reports whether facet is required and still missing.
func (p *PendingAggregate) Needs(facet FacetSet) bool {
	return p.Missing().Has(facet)
}

func (p *PendingAggregate) attach(facet FacetSet, apply func(*PendingAggregate)) error {
	if p.Applied&facet != 0 {
		return fmt.Errorf("%s %s facet of %s: %w", p.Kind, facet, p.ID, ErrFacetConflict)
	}
	apply(p)
	p.Applied |= facet
	return nil
}

// complete promotes p once every required facet has arrived.
func (p *PendingAggregate) complete() (*CompleteAggregate, bool) {
	if p.Missing() != 0 {
		return nil, false
	}
	c := &CompleteAggregate{p: *p}
	for _, li := range []uint64{p.transferLog(), p.syncLog(), p.poolLog()} {
		if li > c.logIndex {
			c.logIndex = li
		}
	}
	return c, true
}

func (p *PendingAggregate) transferLog() uint64 {
	if p.Transfer == nil {
		return 0
	}
	return p.Transfer.LogIndex
}

func (p *PendingAggregate) syncLog() uint64 {
	if p.Sync == nil {
		return 0
	}
	return p.Sync.LogIndex
}

func (p *PendingAggregate) poolLog() uint64 {
	if p.Pool == nil {
		return 0
	}
	return p.Pool.LogIndex
}

// CompleteAggregate is a pending aggregate whose required facets have all
// arrived. Only the Reconciler creates one, so holding one proves completeness.
type CompleteAggregate struct {
	p        PendingAggregate
	logIndex uint64
}

func (c *CompleteAggregate) ID() string               { return c.p.ID }
func (c *CompleteAggregate) Kind() AggregateKind      { return c.p.Kind }
func (c *CompleteAggregate) Market() string           { return c.p.Market }
func (c *CompleteAggregate) TxHash() common.Hash      { return c.p.TxHash }
func (c *CompleteAggregate) Block() uint64            { return c.p.Block }
func (c *CompleteAggregate) Timestamp() uint64        { return c.p.Timestamp }
func (c *CompleteAggregate) Transfer() *TransferFacet { return c.p.Transfer }
func (c *CompleteAggregate) Sync() *SyncFacet         { return c.p.Sync }
func (c *CompleteAggregate) Pool() *PoolFacet         { return c.p.Pool }

// LogIndex is the highest log index among the facets; the commit is ordered there.
func (c *CompleteAggregate) LogIndex() uint64 { return c.logIndex }

// Account returns the acting account: the share holder for mints and burns,
// the trader for swaps.
func (c *CompleteAggregate) Account() common.Address {
	if c.p.Transfer != nil {
		return c.p.Transfer.Account
	}
	if c.p.Pool != nil {
		return c.p.Pool.Account
	}
	return common.Address{}
}

// Shares returns the share amount minted or burned, zero for swaps.
func (c *CompleteAggregate) Shares() *big.Int {
	if c.p.Transfer != nil {
		return amountOf(c.p.Transfer.Shares)
	}
	if c.p.Pool != nil && c.p.Pool.Shares != nil {
		return c.p.Pool.Shares
	}
	return new(big.Int)
}
