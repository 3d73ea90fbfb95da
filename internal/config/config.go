package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the overall configuration for the tax reporter.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Networks      []NetworkNode       `yaml:"networks"`
	Engine        EngineConfig        `yaml:"engine"`
	PriceResolver PriceResolverConfig `yaml:"priceResolver"`
	DEXScreener   DEXScreenerConfig   `yaml:"dexScreener"`
	CoinGecko     CoinGeckoConfig     `yaml:"coinGecko"`
	OnchainPrice  OnchainPriceConfig  `yaml:"onchainPrice"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port         string `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`
	WriteTimeout int    `yaml:"writeTimeout"`
	IdleTimeout  int    `yaml:"idleTimeout"`
}

// NetworkNode holds the configuration for one tracked blockchain network.
type NetworkNode struct {
	ChainID             int64    `yaml:"chainID"`
	Name                string   `yaml:"name"`
	Endpoint            string   `yaml:"endpoint"`
	FallbackEndpoints   []string `yaml:"fallbackEndpoints"`
	RPCTimeoutMs        int64    `yaml:"rpcTimeoutMs"`
	DEXScreenerID       string   `yaml:"dexScreenerChainID"`
	CoinGeckoPlatformID string   `yaml:"coinGeckoPlatformID"`
	// WrappedNativeAddress prices the chain's native currency through its
	// wrapped ERC-20 form (WETH, WBNB, ...).
	WrappedNativeAddress string `yaml:"wrappedNativeAddress"`
	// UniswapV2Factory and StableToken back the on-chain pool-derived
	// price provider of last resort.
	UniswapV2Factory    string `yaml:"uniswapV2Factory"`
	StableTokenAddress  string `yaml:"stableTokenAddress"`
	StableTokenDecimals uint8  `yaml:"stableTokenDecimals"`
	// RewardContracts is the allow-list of staking/reward contracts whose
	// inbound transfers classify as recurring income.
	RewardContracts []string `yaml:"rewardContracts"`
}

// EngineConfig holds classification engine knobs.
type EngineConfig struct {
	// HoldingPeriodDays is the private-sale exemption threshold; a
	// disposal strictly later than this many days is tax-free.
	HoldingPeriodDays         int `yaml:"holdingPeriodDays"`
	MaxConcurrentChainFetches int `yaml:"maxConcurrentChainFetches"`
	// RPCCallTimeoutMs bounds each batched RPC call made while scanning
	// transfer history.
	RPCCallTimeoutMs int64 `yaml:"rpcCallTimeoutMs"`
}

// PriceResolverConfig configures the multi-provider price resolver.
type PriceResolverConfig struct {
	// ProviderOrder is the fixed fallback priority list. Known values:
	// "dexscreener", "coingecko", "onchain".
	ProviderOrder            []string `yaml:"providerOrder"`
	ProviderTimeoutMs        int64    `yaml:"providerTimeoutMs"`
	MaxTokensPerBatchRequest int      `yaml:"maxTokensPerBatchRequest"`
	MaxConcurrentBatches     int      `yaml:"maxConcurrentBatches"`
	CacheTTLMinutes          int      `yaml:"cacheTTLMinutes"`
}

// DEXScreenerConfig holds the configuration for the DEX Screener client.
type DEXScreenerConfig struct {
	BaseURL              string `yaml:"baseURL"`
	RequestTimeoutMillis int64  `yaml:"requestTimeoutMillis"`
	RateLimitPerSecond   int    `yaml:"rateLimitPerSecond"`
	RateLimitBurst       int    `yaml:"rateLimitBurst"`
}

// CoinGeckoConfig holds the configuration for the CoinGecko client.
type CoinGeckoConfig struct {
	BaseURL              string `yaml:"baseURL"`
	ApiKey               string `yaml:"apiKey"`
	RequestTimeoutMillis int64  `yaml:"requestTimeoutMillis"`
	RateLimitPerSecond   int    `yaml:"rateLimitPerSecond"`
	RateLimitBurst       int    `yaml:"rateLimitBurst"`
}

// OnchainPriceConfig holds the configuration for the pool-derived price
// provider.
type OnchainPriceConfig struct {
	Enabled      bool  `yaml:"enabled"`
	RPCTimeoutMs int64 `yaml:"rpcTimeoutMs"`
}

// LoggingConfig holds the configuration for logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
	File  string `yaml:"file"`
}

// LoadConfig loads configuration from a YAML file and applies defaults for
// unset knobs.
func LoadConfig(path string) (*Config, error) {
	logrus.Infof("Loading configuration from path: %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data from %s: %w", path, err)
	}

	applyDefaults(&cfg)

	for _, network := range cfg.Networks {
		if network.Endpoint == "" {
			return nil, fmt.Errorf("network %q (chainID %d) has no RPC endpoint configured", network.Name, network.ChainID)
		}
		if network.DEXScreenerID == "" {
			logrus.Warnf("Network %q (chainID %d) is missing dexScreenerChainID; DEX Screener pricing for this chain will be skipped.", network.Name, network.ChainID)
		}
		if network.CoinGeckoPlatformID == "" {
			logrus.Warnf("Network %q (chainID %d) is missing coinGeckoPlatformID; CoinGecko fallback for this chain will be skipped.", network.Name, network.ChainID)
		}
	}

	logrus.Info("Configuration loaded successfully.")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Engine.HoldingPeriodDays == 0 {
		cfg.Engine.HoldingPeriodDays = 365
		logrus.Infof("engine.holdingPeriodDays not set, defaulting to %d", cfg.Engine.HoldingPeriodDays)
	}
	if cfg.Engine.MaxConcurrentChainFetches == 0 {
		cfg.Engine.MaxConcurrentChainFetches = 4
	}
	if cfg.Engine.RPCCallTimeoutMs == 0 {
		cfg.Engine.RPCCallTimeoutMs = 20000
	}

	if len(cfg.PriceResolver.ProviderOrder) == 0 {
		cfg.PriceResolver.ProviderOrder = []string{"dexscreener", "coingecko", "onchain"}
		logrus.Infof("priceResolver.providerOrder not set, defaulting to %s", strings.Join(cfg.PriceResolver.ProviderOrder, " -> "))
	}
	if cfg.PriceResolver.ProviderTimeoutMs == 0 {
		cfg.PriceResolver.ProviderTimeoutMs = 10000
	}
	if cfg.PriceResolver.MaxTokensPerBatchRequest == 0 {
		cfg.PriceResolver.MaxTokensPerBatchRequest = 30 // DEX Screener limit
		logrus.Infof("priceResolver.maxTokensPerBatchRequest not set, defaulting to %d", cfg.PriceResolver.MaxTokensPerBatchRequest)
	}
	if cfg.PriceResolver.MaxConcurrentBatches == 0 {
		cfg.PriceResolver.MaxConcurrentBatches = 5
	}
	if cfg.PriceResolver.CacheTTLMinutes == 0 {
		cfg.PriceResolver.CacheTTLMinutes = 60
	}

	if cfg.DEXScreener.BaseURL == "" {
		cfg.DEXScreener.BaseURL = "https://api.dexscreener.com"
		logrus.Infof("dexScreener.baseURL not set, defaulting to %s", cfg.DEXScreener.BaseURL)
	}
	if cfg.DEXScreener.RequestTimeoutMillis == 0 {
		cfg.DEXScreener.RequestTimeoutMillis = 10000
	}
	if cfg.DEXScreener.RateLimitPerSecond == 0 {
		cfg.DEXScreener.RateLimitPerSecond = 5
	}
	if cfg.DEXScreener.RateLimitBurst == 0 {
		cfg.DEXScreener.RateLimitBurst = 10
	}

	if cfg.CoinGecko.BaseURL == "" {
		cfg.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
		logrus.Infof("coinGecko.baseURL not set, defaulting to %s", cfg.CoinGecko.BaseURL)
	}
	if cfg.CoinGecko.RequestTimeoutMillis == 0 {
		cfg.CoinGecko.RequestTimeoutMillis = 10000
	}
	if cfg.CoinGecko.RateLimitPerSecond == 0 {
		cfg.CoinGecko.RateLimitPerSecond = 2
	}
	if cfg.CoinGecko.RateLimitBurst == 0 {
		cfg.CoinGecko.RateLimitBurst = 4
	}

	if cfg.OnchainPrice.RPCTimeoutMs == 0 {
		cfg.OnchainPrice.RPCTimeoutMs = 15000
	}

	for i := range cfg.Networks {
		if cfg.Networks[i].RPCTimeoutMs == 0 {
			cfg.Networks[i].RPCTimeoutMs = 15000
		}
	}
}

// NetworkByChainID returns the network node configured for the given chain.
func (c *Config) NetworkByChainID(chainID int64) (NetworkNode, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return NetworkNode{}, false
}
