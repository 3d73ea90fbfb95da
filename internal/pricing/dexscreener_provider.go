package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"
	"tax_reporter/internal/pkg/utils"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	stablecoinUSDCSymbol = "USDC"
	stablecoinUSDTSymbol = "USDT"
	stablecoinDAISymbol  = "DAI"
)

var stablecoinSymbols = map[string]struct{}{
	stablecoinUSDCSymbol: {},
	stablecoinUSDTSymbol: {},
	stablecoinDAISymbol:  {},
}

// DexScreenerProvider is the primary price feed. DEX Screener serves spot
// prices only, so the provider answers requests for the current day bucket
// and leaves older timestamps pending for the historical fallbacks.
type DexScreenerProvider struct {
	client   *fasthttp.Client
	baseURL  string
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	networks map[int64]config.NetworkNode
	now      func() time.Time
}

// NewDexScreenerProvider creates the provider from config.
func NewDexScreenerProvider(cfg config.DEXScreenerConfig, networks []config.NetworkNode, logger *zap.Logger) *DexScreenerProvider {
	ncMap := make(map[int64]config.NetworkNode, len(networks))
	for _, n := range networks {
		ncMap[n.ChainID] = n
	}
	return &DexScreenerProvider{
		client:   &fasthttp.Client{},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		timeout:  time.Duration(cfg.RequestTimeoutMillis) * time.Millisecond,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		logger:   logger.Named("DexScreenerProvider"),
		networks: ncMap,
		now:      time.Now,
	}
}

// Name implements port.PriceProvider.
func (p *DexScreenerProvider) Name() string { return "dexscreener" }

// Confidence implements port.PriceProvider.
func (p *DexScreenerProvider) Confidence() entity.Confidence { return entity.ConfidenceLive }

// Quote implements port.PriceProvider. Tokens it cannot serve (historical
// buckets, unmapped chains) are omitted from the result, not errors.
func (p *DexScreenerProvider) Quote(ctx context.Context, chainID int64, requests []entity.PriceRequest) (map[string]entity.PriceQuote, error) {
	netCfg, ok := p.networks[chainID]
	if !ok || netCfg.DEXScreenerID == "" {
		p.logger.Debug("No DEX Screener chain mapping, skipping", zap.Int64("chainID", chainID))
		return map[string]entity.PriceQuote{}, nil
	}

	today := entity.PriceBucket(p.now())
	addressToReqs := make(map[string][]entity.PriceRequest)
	var addresses []string
	for _, req := range requests {
		if !entity.PriceBucket(req.Timestamp).Equal(today) {
			continue // spot feed cannot answer historical buckets
		}
		addr := queryAddress(req.TokenID, netCfg)
		if addr == "" {
			continue
		}
		if _, seen := addressToReqs[addr]; !seen {
			addresses = append(addresses, addr)
		}
		addressToReqs[addr] = append(addressToReqs[addr], req)
	}
	if len(addresses) == 0 {
		return map[string]entity.PriceQuote{}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	pairs, err := p.fetchPairs(ctx, netCfg.DEXScreenerID, addresses)
	if err != nil {
		return nil, err
	}

	pairsByBaseToken := make(map[string][]entity.PairData)
	for _, pair := range pairs {
		base := utils.NormalizeAddress(pair.BaseToken.Address)
		pairsByBaseToken[base] = append(pairsByBaseToken[base], pair)
	}

	quotes := make(map[string]entity.PriceQuote)
	for addr, reqs := range addressToReqs {
		related, found := pairsByBaseToken[addr]
		if !found || len(related) == 0 {
			p.logger.Debug("No pairs returned for token", zap.String("tokenAddress", addr))
			continue
		}
		priceStr := p.selectBestPriceFromPairs(related, addr)
		if priceStr == "" {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			p.logger.Warn("Failed to parse price string",
				zap.String("priceStr", priceStr),
				zap.String("tokenAddress", addr),
				zap.Error(err))
			continue
		}
		for _, req := range reqs {
			quotes[entity.PriceKey(req.TokenID, req.Timestamp)] = entity.PriceQuote{
				TokenID:        req.TokenID,
				Timestamp:      entity.PriceBucket(req.Timestamp),
				USDPerUnit:     price,
				SourceProvider: p.Name(),
				Confidence:     p.Confidence(),
			}
		}
	}
	return quotes, nil
}

func (p *DexScreenerProvider) fetchPairs(ctx context.Context, dexChainID string, addresses []string) ([]entity.PairData, error) {
	requestURL := fmt.Sprintf("%s/tokens/v1/%s/%s", p.baseURL, dexChainID, strings.Join(addresses, ","))
	p.logger.Debug("Requesting token pairs from DEX Screener", zap.String("url", requestURL))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(requestURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetContentType("application/json")

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if deadline, ok := ctx.Deadline(); ok {
		if err := p.client.DoDeadline(req, resp, deadline); err != nil {
			return nil, fmt.Errorf("%w: request to %s: %v", entity.ErrProviderUnavailable, requestURL, err)
		}
	} else {
		if err := p.client.DoTimeout(req, resp, p.timeout); err != nil {
			return nil, fmt.Errorf("%w: request to %s: %v", entity.ErrProviderUnavailable, requestURL, err)
		}
	}

	rawBody := resp.Body()
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: DEX Screener returned status %d: %s", entity.ErrProviderUnavailable, resp.StatusCode(), string(rawBody))
	}

	// The endpoint answers either a wrapped object or a bare array.
	var wrapper entity.DEXTokenPairs
	if err := json.Unmarshal(rawBody, &wrapper); err == nil && wrapper.Pairs != nil {
		return wrapper.Pairs, nil
	}
	var directPairs []entity.PairData
	if err := json.Unmarshal(rawBody, &directPairs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DEX Screener response from %s: %w", requestURL, err)
	}
	return directPairs, nil
}

// selectBestPriceFromPairs selects the best PriceUsd for the base token.
// Priority: pairs quoted in stablecoins with the highest liquidity, then
// the highest-liquidity pair overall.
func (p *DexScreenerProvider) selectBestPriceFromPairs(pairs []entity.PairData, baseTokenAddress string) string {
	var bestOverall *entity.PairData
	var bestStablecoin *entity.PairData

	for i := range pairs {
		pair := &pairs[i]
		if !strings.EqualFold(pair.BaseToken.Address, baseTokenAddress) {
			continue
		}
		if pair.PriceUsd == "" || pair.PriceUsd == "0" {
			continue
		}

		_, isStablecoin := stablecoinSymbols[strings.ToUpper(pair.QuoteToken.Symbol)]
		if isStablecoin && moreLiquid(pair, bestStablecoin) {
			bestStablecoin = pair
		}
		if moreLiquid(pair, bestOverall) {
			bestOverall = pair
		}
	}

	if bestStablecoin != nil {
		return bestStablecoin.PriceUsd
	}
	if bestOverall != nil {
		return bestOverall.PriceUsd
	}
	p.logger.Debug("No suitable price found from pairs",
		zap.String("baseTokenAddress", baseTokenAddress),
		zap.Int("evaluatedPairCount", len(pairs)))
	return ""
}

func moreLiquid(candidate, current *entity.PairData) bool {
	if current == nil {
		return true
	}
	if candidate.Liquidity == nil {
		return false
	}
	if current.Liquidity == nil {
		return true
	}
	return candidate.Liquidity.Usd > current.Liquidity.Usd
}

// queryAddress maps a token id to the contract address a market-data API
// expects; the native currency is priced through its wrapped form.
func queryAddress(tokenID string, netCfg config.NetworkNode) string {
	addr := entity.TokenAddressOf(tokenID)
	if addr == entity.NativeTokenAddress {
		return utils.NormalizeAddress(netCfg.WrappedNativeAddress)
	}
	return utils.NormalizeAddress(addr)
}
