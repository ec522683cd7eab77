// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/positions/defi"
)

const sample = `
log:
  level: debug
  encoding: console
storage:
  backend: sqlite
  path: ${POSITIONS_TEST_DIR}/positions.db
monitor:
  max_pending_age_blocks: 10
  verify_conservation: true
rpc:
  url: http://127.0.0.1:9650/ext/bc/C/rpc
pools:
  - address: "0x0000000000000000000000000000000000000100"
    protocol: uniswap_v2
    tokens:
      - {address: "0x000000000000000000000000000000000000000a", decimals: 18, symbol: WLUX}
      - {address: "0x000000000000000000000000000000000000000b", decimals: 6, symbol: USDC}
  - address: "0x0000000000000000000000000000000000000200"
    protocol: curve
    tokens:
      - {address: "0x000000000000000000000000000000000000000b", decimals: 6}
      - {address: "0x000000000000000000000000000000000000000c", decimals: 18}
    output: {address: "0x0000000000000000000000000000000000000201", decimals: 18}
    stable:
      a: "200"
      fee: "4000000"
      admin_fee: "5000000000"
      precision_multipliers: ["1000000000000", "1"]
`

func TestParse(t *testing.T) {
	t.Setenv("POSITIONS_TEST_DIR", "/var/lib/positions")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/positions/positions.db", cfg.Storage.Path)
	assert.Equal(t, ":9090", cfg.HTTP.Addr, "unset sections keep defaults")
	assert.Equal(t, uint64(10), cfg.Monitor.MaxPendingAgeBlocks)
	assert.True(t, cfg.Monitor.VerifyConservation)
	assert.Equal(t, "http://127.0.0.1:9650/ext/bc/C/rpc", cfg.RPC.URL)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	v2, ok := reg.Pool(common.HexToAddress("0x0100"))
	require.True(t, ok)
	assert.Equal(t, defi.ProtocolUniswapV2, v2.Protocol)
	assert.Equal(t, uint8(6), v2.InputTokens[1].Decimals)
	assert.Nil(t, v2.Stable)

	curve, ok := reg.Pool(common.HexToAddress("0x0200"))
	require.True(t, ok)
	require.NotNil(t, curve.Stable)
	assert.Equal(t, 2, curve.Stable.CoinCount)
	assert.Equal(t, "200", curve.Stable.A(0).String())
	assert.Equal(t, "1000000000000", curve.Stable.PrecisionMultipliers[0].String())
	require.NotNil(t, curve.OutputToken)
	assert.Equal(t, common.HexToAddress("0x0201"), curve.OutputToken.ID)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Empty(t, cfg.RPC.URL)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	assert.Zero(t, reg.Len())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: 127.0.0.1:8181\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8181", cfg.HTTP.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"UnknownBackend", "storage: {backend: mongo}"},
		{"BadgerWithoutPath", "storage: {backend: badger}"},
		{"PostgresWithoutURL", "storage: {backend: postgres}"},
		{"BadAddress", "pools: [{address: nope, tokens: [{address: \"0x000000000000000000000000000000000000000a\"}]}]"},
		{"UnknownProtocol", "pools: [{address: \"0x0000000000000000000000000000000000000100\", protocol: sushi, tokens: [{address: \"0x000000000000000000000000000000000000000a\"}]}]"},
		{"NoTokens", "pools: [{address: \"0x0000000000000000000000000000000000000100\"}]"},
		{"BadAmplification", "pools: [{address: \"0x0000000000000000000000000000000000000100\", protocol: curve, tokens: [{address: \"0x000000000000000000000000000000000000000a\"}, {address: \"0x000000000000000000000000000000000000000b\"}], stable: {a: \"x\"}}]"},
		{"Malformed", "log: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
