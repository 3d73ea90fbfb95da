package pricing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CoinGeckoProvider is the secondary market-data aggregator, used for
// historical buckets the spot feed cannot serve. CoinGecko has no
// multi-token historical endpoint, so one batched Quote call loops over
// the tokens internally; per-token failures are skipped, not propagated.
type CoinGeckoProvider struct {
	client   *fasthttp.Client
	baseURL  string
	apiKey   string
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	networks map[int64]config.NetworkNode
}

// NewCoinGeckoProvider creates the provider from config.
func NewCoinGeckoProvider(cfg config.CoinGeckoConfig, networks []config.NetworkNode, logger *zap.Logger) *CoinGeckoProvider {
	ncMap := make(map[int64]config.NetworkNode, len(networks))
	for _, n := range networks {
		ncMap[n.ChainID] = n
	}
	return &CoinGeckoProvider{
		client:   &fasthttp.Client{},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.ApiKey,
		timeout:  time.Duration(cfg.RequestTimeoutMillis) * time.Millisecond,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		logger:   logger.Named("CoinGeckoProvider"),
		networks: ncMap,
	}
}

// Name implements port.PriceProvider.
func (p *CoinGeckoProvider) Name() string { return "coingecko" }

// Confidence implements port.PriceProvider.
func (p *CoinGeckoProvider) Confidence() entity.Confidence { return entity.ConfidenceLive }

// Quote implements port.PriceProvider.
func (p *CoinGeckoProvider) Quote(ctx context.Context, chainID int64, requests []entity.PriceRequest) (map[string]entity.PriceQuote, error) {
	netCfg, ok := p.networks[chainID]
	if !ok || netCfg.CoinGeckoPlatformID == "" {
		p.logger.Debug("No CoinGecko platform mapping, skipping", zap.Int64("chainID", chainID))
		return map[string]entity.PriceQuote{}, nil
	}

	quotes := make(map[string]entity.PriceQuote)
	unreachable := 0
	for _, req := range requests {
		if ctx.Err() != nil {
			break
		}
		addr := queryAddress(req.TokenID, netCfg)
		if addr == "" {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}

		quote, err := p.fetchHistoricalPrice(ctx, netCfg.CoinGeckoPlatformID, addr, req)
		if err != nil {
			unreachable++
			p.logger.Debug("CoinGecko lookup failed for token",
				zap.String("tokenId", req.TokenID),
				zap.Error(err))
			continue
		}
		if quote != nil {
			quotes[entity.PriceKey(req.TokenID, req.Timestamp)] = *quote
		}
	}

	// Only a fully failed batch counts as provider unavailability.
	if unreachable > 0 && unreachable == len(requests) {
		return nil, fmt.Errorf("%w: coingecko failed all %d lookups", entity.ErrProviderUnavailable, unreachable)
	}
	return quotes, nil
}

func (p *CoinGeckoProvider) fetchHistoricalPrice(ctx context.Context, platformID, address string, request entity.PriceRequest) (*entity.PriceQuote, error) {
	bucket := entity.PriceBucket(request.Timestamp)
	// Widen the window by a day on each side so sparse market data still
	// yields a nearest-point match.
	from := bucket.Add(-24 * time.Hour).Unix()
	to := bucket.Add(48 * time.Hour).Unix()

	requestURL := fmt.Sprintf("%s/coins/%s/contract/%s/market_chart/range?vs_currency=usd&from=%d&to=%d",
		p.baseURL, platformID, address, from, to)

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(requestURL)
	req.Header.SetMethod(fasthttp.MethodGet)
	if p.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", p.apiKey)
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if deadline, ok := ctx.Deadline(); ok {
		if err := p.client.DoDeadline(req, resp, deadline); err != nil {
			return nil, fmt.Errorf("request to %s: %w", requestURL, err)
		}
	} else {
		if err := p.client.DoTimeout(req, resp, p.timeout); err != nil {
			return nil, fmt.Errorf("request to %s: %w", requestURL, err)
		}
	}

	if resp.StatusCode() == fasthttp.StatusNotFound {
		return nil, nil // unknown contract, not a provider failure
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, coinGeckoStatusError(resp.StatusCode(), resp.Body())
	}

	var history entity.CoinGeckoHistoryResponse
	if err := json.Unmarshal(resp.Body(), &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coingecko response: %w", err)
	}
	if len(history.Prices) == 0 {
		return nil, nil
	}

	price, inBucket := nearestPricePoint(history.Prices, bucket)
	if math.IsNaN(price) || price <= 0 {
		return nil, nil
	}

	confidence := entity.ConfidenceLive
	if !inBucket {
		confidence = entity.ConfidenceInterpolated
	}
	return &entity.PriceQuote{
		TokenID:        request.TokenID,
		Timestamp:      bucket,
		USDPerUnit:     decimal.NewFromFloat(price),
		SourceProvider: p.Name(),
		Confidence:     confidence,
	}, nil
}

// nearestPricePoint picks the price point closest to the requested day
// bucket. The boolean reports whether the point falls inside the bucket
// itself (live) rather than a neighboring day (interpolated).
func nearestPricePoint(points [][]float64, bucket time.Time) (float64, bool) {
	target := bucket.Add(12 * time.Hour).UnixMilli() // middle of the day
	bucketStart := bucket.UnixMilli()
	bucketEnd := bucket.Add(24 * time.Hour).UnixMilli()

	bestPrice := 0.0
	bestDist := int64(math.MaxInt64)
	inBucket := false
	for _, point := range points {
		if len(point) < 2 {
			continue
		}
		ts := int64(point[0])
		dist := ts - target
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			bestPrice = point[1]
			inBucket = ts >= bucketStart && ts < bucketEnd
		}
	}
	return bestPrice, inBucket
}

// coinGeckoStatusError prefers the structured message CoinGecko attaches
// to rate limits and bad keys, falling back to the raw response body.
func coinGeckoStatusError(status int, body []byte) error {
	var apiErr entity.CoinGeckoErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Status.ErrorMessage != "" {
		return fmt.Errorf("coingecko returned status %d: %s", status, apiErr.Status.ErrorMessage)
	}
	return fmt.Errorf("coingecko returned status %d: %s", status, body)
}
