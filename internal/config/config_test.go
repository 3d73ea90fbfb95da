package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
networks:
  - chainID: 1
    name: "Ethereum"
    endpoint: "http://localhost:8545"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 365, cfg.Engine.HoldingPeriodDays)
	assert.Equal(t, []string{"dexscreener", "coingecko", "onchain"}, cfg.PriceResolver.ProviderOrder)
	assert.Equal(t, 30, cfg.PriceResolver.MaxTokensPerBatchRequest)
	assert.Equal(t, "https://api.dexscreener.com", cfg.DEXScreener.BaseURL)
	assert.Equal(t, "https://api.coingecko.com/api/v3", cfg.CoinGecko.BaseURL)
	assert.Equal(t, int64(15000), cfg.Networks[0].RPCTimeoutMs)
}

func TestLoadConfigHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
engine:
  holdingPeriodDays: 180
priceResolver:
  providerOrder: ["coingecko"]
networks:
  - chainID: 56
    name: "BSC"
    endpoint: "http://localhost:8546"
    rewardContracts:
      - "0xCCCCccccCCCCccccCCCCccccCCCCccccCCCCcccc"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 180, cfg.Engine.HoldingPeriodDays)
	assert.Equal(t, []string{"coingecko"}, cfg.PriceResolver.ProviderOrder)
	require.Len(t, cfg.Networks, 1)
	assert.Len(t, cfg.Networks[0].RewardContracts, 1)
}

func TestLoadConfigRejectsNetworkWithoutEndpoint(t *testing.T) {
	path := writeConfig(t, `
networks:
  - chainID: 1
    name: "Ethereum"
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNetworkByChainID(t *testing.T) {
	cfg := &Config{Networks: []NetworkNode{{ChainID: 1, Name: "Ethereum"}}}

	net, ok := cfg.NetworkByChainID(1)
	require.True(t, ok)
	assert.Equal(t, "Ethereum", net.Name)

	_, ok = cfg.NetworkByChainID(137)
	assert.False(t, ok)
}
