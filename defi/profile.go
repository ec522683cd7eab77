// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package defi

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/positions/defi/stableswap"
)

// ProtocolType identifies how a market's events fit together.
type ProtocolType string

const (
	ProtocolGeneric    ProtocolType = "generic"
	ProtocolUniswapV2  ProtocolType = "uniswap_v2"
	ProtocolMooniswap  ProtocolType = "mooniswap"
	ProtocolBalancerV2 ProtocolType = "balancer_v2"
	ProtocolCurve      ProtocolType = "curve"
)

// ParseProtocol parses a protocol name; the empty string is generic.
func ParseProtocol(s string) (ProtocolType, error) {
	p := ProtocolType(strings.ToLower(s))
	if p == "" {
		return ProtocolGeneric, nil
	}
	if _, ok := profiles[p]; !ok {
		return "", fmt.Errorf("unknown protocol: %s", s)
	}
	return p, nil
}

// FacetSet is a bitmask of the facets of one logical action.
type FacetSet uint8

const (
	// FacetTransfer is the share token mint or burn Transfer.
	FacetTransfer FacetSet = 1 << iota
	// FacetSync carries post-action reserves (Uniswap V2 Sync).
	FacetSync
	// FacetPool is the pool's own Mint, Burn, Swap or balance-changed event.
	FacetPool
)

// Has reports whether every facet of o is in f.
func (f FacetSet) Has(o FacetSet) bool {
	return f&o == o
}

func (f FacetSet) String() string {
	var names []string
	if f.Has(FacetTransfer) {
		names = append(names, "transfer")
	}
	if f.Has(FacetSync) {
		names = append(names, "sync")
	}
	if f.Has(FacetPool) {
		names = append(names, "pool")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "+")
}

// AggregateKind is the logical action a pending aggregate assembles.
type AggregateKind string

const (
	AggregateMint AggregateKind = "mint"
	AggregateBurn AggregateKind = "burn"
	AggregateSwap AggregateKind = "swap"
)

// Profile fixes the reconciliation rules of one protocol.
type Profile struct {
	Protocol   ProtocolType
	MintFacets FacetSet
	BurnFacets FacetSet
	SwapFacets FacetSet
	// MinimumLiquidity is the share amount locked to the null address on the
	// first mint. Zero when the protocol locks nothing.
	MinimumLiquidity int64
	// SyncedReserves markets always carry current reserves from ReservesSynced.
	SyncedReserves bool
	// Stable markets derive reserves with the StableSwap solver.
	Stable bool
}

// Required returns the facets an aggregate of kind must collect.
func (p Profile) Required(kind AggregateKind) FacetSet {
	switch kind {
	case AggregateMint:
		return p.MintFacets
	case AggregateBurn:
		return p.BurnFacets
	case AggregateSwap:
		return p.SwapFacets
	}
	return 0
}

// Minimum returns MinimumLiquidity as a big integer.
func (p Profile) Minimum() *big.Int {
	return big.NewInt(p.MinimumLiquidity)
}

var profiles = map[ProtocolType]Profile{
	ProtocolGeneric: {
		Protocol:   ProtocolGeneric,
		MintFacets: FacetTransfer | FacetPool,
		BurnFacets: FacetTransfer | FacetPool,
		SwapFacets: FacetPool,
	},
	ProtocolUniswapV2: {
		Protocol:         ProtocolUniswapV2,
		MintFacets:       FacetTransfer | FacetSync | FacetPool,
		BurnFacets:       FacetTransfer | FacetSync | FacetPool,
		SwapFacets:       FacetPool,
		MinimumLiquidity: 1000,
		SyncedReserves:   true,
	},
	ProtocolMooniswap: {
		Protocol:         ProtocolMooniswap,
		MintFacets:       FacetTransfer | FacetPool,
		BurnFacets:       FacetTransfer | FacetPool,
		SwapFacets:       FacetPool,
		MinimumLiquidity: 1000,
	},
	ProtocolBalancerV2: {
		Protocol:         ProtocolBalancerV2,
		MintFacets:       FacetTransfer | FacetPool,
		BurnFacets:       FacetTransfer | FacetPool,
		SwapFacets:       FacetPool,
		MinimumLiquidity: 1_000_000,
	},
	ProtocolCurve: {
		Protocol:   ProtocolCurve,
		MintFacets: FacetTransfer | FacetPool,
		BurnFacets: FacetTransfer | FacetPool,
		SwapFacets: FacetPool,
		Stable:     true,
	},
}

// ProfileOf returns the profile of p; unknown protocols get the generic rules.
func ProfileOf(p ProtocolType) Profile {
	if prof, ok := profiles[p]; ok {
		return prof
	}
	return profiles[ProtocolGeneric]
}

// StaticPool is a pool known before indexing starts.
type StaticPool struct {
	Address      common.Address
	Protocol     ProtocolType
	InputTokens  []Token
	OutputToken  *Token
	RewardTokens []Token
	Stable       *stableswap.PoolState
}

// Registry is the immutable table of static pools, built once at start.
type Registry struct {
	pools map[common.Address]StaticPool
	order []common.Address
}

// NewRegistry validates pools and indexes them by address.
func NewRegistry(pools []StaticPool) (*Registry, error) {
	r := &Registry{pools: make(map[common.Address]StaticPool, len(pools))}
	for _, p := range pools {
		if _, dup := r.pools[p.Address]; dup {
			return nil, fmt.Errorf("pool %s: %w", AddressID(p.Address), ErrMarketExists)
		}
		if len(p.InputTokens) == 0 {
			return nil, fmt.Errorf("pool %s: no input tokens: %w", AddressID(p.Address), ErrInvalidEvent)
		}
		if p.Stable != nil {
			if err := p.Stable.Validate(); err != nil {
				return nil, err
			}
			if p.Stable.CoinCount != len(p.InputTokens) {
				return nil, fmt.Errorf("pool %s: %d coins for %d input tokens", AddressID(p.Address), p.Stable.CoinCount, len(p.InputTokens))
			}
		}
		r.pools[p.Address] = p
		r.order = append(r.order, p.Address)
	}
	sort.Slice(r.order, func(i, j int) bool {
		return AddressID(r.order[i]) < AddressID(r.order[j])
	})
	return r, nil
}

// Pool looks up a static pool by address.
func (r *Registry) Pool(addr common.Address) (StaticPool, bool) {
	if r == nil {
		return StaticPool{}, false
	}
	p, ok := r.pools[addr]
	return p, ok
}

// Pools returns the static pools ordered by address.
func (r *Registry) Pools() []StaticPool {
	if r == nil {
		return nil
	}
	out := make([]StaticPool, len(r.order))
	for i, addr := range r.order {
		out[i] = r.pools[addr]
	}
	return out
}

// Len returns the number of static pools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}
