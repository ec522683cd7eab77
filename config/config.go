// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package config loads the positions.yaml configuration.
package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/positions/defi"
	"github.com/luxfi/positions/defi/stableswap"
	"github.com/luxfi/positions/storage"
)

// Config is the full positions configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Monitor MonitorConfig `yaml:"monitor"`
	RPC     RPCConfig     `yaml:"rpc"`
	Pools   []PoolConfig  `yaml:"pools,omitempty"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// StorageConfig selects the entity store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
	URL     string `yaml:"url,omitempty"`
}

// HTTPConfig is the metrics and status listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// RPCConfig points at an EVM node used to read reserves of static pools that
// report none. An empty URL disables chain reads.
type RPCConfig struct {
	URL string `yaml:"url,omitempty"`
}

// MonitorConfig tunes the consistency checks.
type MonitorConfig struct {
	MaxPendingAgeBlocks uint64 `yaml:"max_pending_age_blocks"`
	VerifyConservation  bool   `yaml:"verify_conservation"`
}

// TokenConfig is token metadata resolved ahead of time.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
	Symbol   string `yaml:"symbol,omitempty"`
}

// StableConfig holds StableSwap parameters. Integers are decimal strings
// since they routinely exceed 64 bits.
type StableConfig struct {
	A                    string   `yaml:"a"`
	Fee                  string   `yaml:"fee"`
	AdminFee             string   `yaml:"admin_fee"`
	PrecisionMultipliers []string `yaml:"precision_multipliers"`
	Rates                []string `yaml:"rates,omitempty"`
}

// PoolConfig is one static pool.
type PoolConfig struct {
	Address  string        `yaml:"address"`
	Protocol string        `yaml:"protocol"`
	Tokens   []TokenConfig `yaml:"tokens"`
	Output   *TokenConfig  `yaml:"output,omitempty"`
	Rewards  []TokenConfig `yaml:"rewards,omitempty"`
	Stable   *StableConfig `yaml:"stable,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Encoding: "json"},
		Storage: StorageConfig{Backend: string(storage.BackendMemory)},
		HTTP:    HTTPConfig{Addr: ":9090"},
		Monitor: MonitorConfig{MaxPendingAgeBlocks: 64},
	}
}

// Load reads a YAML file, expanding environment variables first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend settings and every pool entry.
func (c *Config) Validate() error {
	backend, err := storage.ParseBackend(c.Storage.Backend)
	if err != nil {
		return err
	}
	switch backend {
	case storage.BackendBadger, storage.BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage backend %s needs a path", backend)
		}
	case storage.BackendPostgres:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage backend %s needs a url", backend)
		}
	}
	_, err = c.Registry()
	return err
}

// Registry converts the pool entries into a defi.Registry.
func (c *Config) Registry() (*defi.Registry, error) {
	pools := make([]defi.StaticPool, 0, len(c.Pools))
	for i, pc := range c.Pools {
		p, err := pc.staticPool()
		if err != nil {
			return nil, fmt.Errorf("pools[%d]: %w", i, err)
		}
		pools = append(pools, p)
	}
	return defi.NewRegistry(pools)
}

func (pc PoolConfig) staticPool() (defi.StaticPool, error) {
	addr, err := parseAddress(pc.Address)
	if err != nil {
		return defi.StaticPool{}, err
	}
	protocol, err := defi.ParseProtocol(pc.Protocol)
	if err != nil {
		return defi.StaticPool{}, err
	}
	p := defi.StaticPool{Address: addr, Protocol: protocol}

	if p.InputTokens, err = parseTokens(pc.Tokens); err != nil {
		return defi.StaticPool{}, err
	}
	if p.RewardTokens, err = parseTokens(pc.Rewards); err != nil {
		return defi.StaticPool{}, err
	}
	if pc.Output != nil {
		out, err := pc.Output.token()
		if err != nil {
			return defi.StaticPool{}, err
		}
		p.OutputToken = &out
	}
	if pc.Stable != nil {
		if p.Stable, err = pc.Stable.poolState(len(pc.Tokens)); err != nil {
			return defi.StaticPool{}, fmt.Errorf("pool %s: %w", pc.Address, err)
		}
	}
	return p, nil
}

func (tc TokenConfig) token() (defi.Token, error) {
	addr, err := parseAddress(tc.Address)
	if err != nil {
		return defi.Token{}, err
	}
	return defi.Token{ID: addr, Decimals: tc.Decimals, Symbol: tc.Symbol}, nil
}

func parseTokens(tcs []TokenConfig) ([]defi.Token, error) {
	out := make([]defi.Token, 0, len(tcs))
	for _, tc := range tcs {
		t, err := tc.token()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (sc StableConfig) poolState(coins int) (*stableswap.PoolState, error) {
	a, err := parseInt("a", sc.A)
	if err != nil {
		return nil, err
	}
	ps := &stableswap.PoolState{
		CoinCount: coins,
		InitialA:  a,
		FutureA:   new(big.Int).Set(a),
		Fee:       new(big.Int),
		AdminFee:  new(big.Int),
	}
	if sc.Fee != "" {
		if ps.Fee, err = parseInt("fee", sc.Fee); err != nil {
			return nil, err
		}
	}
	if sc.AdminFee != "" {
		if ps.AdminFee, err = parseInt("admin_fee", sc.AdminFee); err != nil {
			return nil, err
		}
	}
	if ps.PrecisionMultipliers, err = parseInts("precision_multipliers", sc.PrecisionMultipliers); err != nil {
		return nil, err
	}
	if len(ps.PrecisionMultipliers) == 0 {
		for range coins {
			ps.PrecisionMultipliers = append(ps.PrecisionMultipliers, big.NewInt(1))
		}
	}
	if ps.Rates, err = parseInts("rates", sc.Rates); err != nil {
		return nil, err
	}
	return ps, ps.Validate()
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseInt(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid integer %q", field, s)
	}
	return v, nil
}

func parseInts(field string, ss []string) ([]*big.Int, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]*big.Int, len(ss))
	for i, s := range ss {
		v, err := parseInt(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
