// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package onchain reads pool reserves from an EVM node.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/positions/defi"
	"github.com/luxfi/positions/logging"
)

const erc20ABI = `[{"type":"function","name":"balanceOf","stateMutability":"view",
	"inputs":[{"name":"owner","type":"address"}],
	"outputs":[{"name":"","type":"uint256"}]}]`

const pairABI = `[{"type":"function","name":"getReserves","stateMutability":"view",
	"inputs":[],
	"outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}]}]`

const stableABI = `[{"type":"function","name":"balances","stateMutability":"view",
	"inputs":[{"name":"i","type":"uint256"}],
	"outputs":[{"name":"","type":"uint256"}]}]`

// Reader implements defi.PoolReader for the static pools of a registry.
// Uniswap V2 pairs are read with getReserves, StableSwap pools with
// balances(i) and everything else with the ERC-20 balance of each input token
// held by the pool.
type Reader struct {
	caller   ethereum.ContractCaller
	registry *defi.Registry
	log      *zap.Logger

	erc20  abi.ABI
	pair   abi.ABI
	stable abi.ABI
}

var _ defi.PoolReader = (*Reader)(nil)

// NewReader creates a reader. caller is typically an *ethclient.Client.
func NewReader(caller ethereum.ContractCaller, registry *defi.Registry, log *zap.Logger) (*Reader, error) {
	r := &Reader{caller: caller, registry: registry, log: logging.OrNop(log).Named("onchain")}
	for _, def := range []struct {
		dst *abi.ABI
		src string
	}{
		{&r.erc20, erc20ABI},
		{&r.pair, pairABI},
		{&r.stable, stableABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(def.src))
		if err != nil {
			return nil, fmt.Errorf("parse abi: %w", err)
		}
		*def.dst = parsed
	}
	return r, nil
}

// Reserves returns the pool's balances at block in InputTokens order.
func (r *Reader) Reserves(ctx context.Context, market common.Address, block uint64) ([]*big.Int, error) {
	pool, ok := r.registry.Pool(market)
	if !ok {
		return nil, fmt.Errorf("no static pool %s", defi.AddressID(market))
	}
	at := new(big.Int).SetUint64(block)

	switch {
	case pool.Protocol == defi.ProtocolUniswapV2:
		out, err := r.call(ctx, r.pair, market, "getReserves", at)
		if err != nil {
			return nil, err
		}
		return []*big.Int{out[0].(*big.Int), out[1].(*big.Int)}, nil

	case defi.ProfileOf(pool.Protocol).Stable:
		reserves := make([]*big.Int, len(pool.InputTokens))
		for i := range reserves {
			out, err := r.call(ctx, r.stable, market, "balances", at, big.NewInt(int64(i)))
			if err != nil {
				return nil, err
			}
			reserves[i] = out[0].(*big.Int)
		}
		return reserves, nil
	}

	reserves := make([]*big.Int, len(pool.InputTokens))
	for i, token := range pool.InputTokens {
		out, err := r.call(ctx, r.erc20, token.ID, "balanceOf", at, market)
		if err != nil {
			return nil, err
		}
		reserves[i] = out[0].(*big.Int)
	}
	return reserves, nil
}

func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s at %s: %w", method, defi.AddressID(to), block, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s from %s: %w", method, defi.AddressID(to), err)
	}
	r.log.Debug("pool read", zap.String("method", method), zap.Stringer("to", to), zap.Stringer("block", block))
	return out, nil
}
