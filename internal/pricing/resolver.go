package pricing

import (
	"context"
	"sort"
	"sync"
	"time"

	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"
	"tax_reporter/internal/pkg/metrics"
	"tax_reporter/internal/port"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resolver resolves historical USD quotes through a fixed priority list of
// providers. Each provider is tried only for tokens every prior provider
// failed to price; failures are isolated per token, never per batch.
//
// A Resolver instance is scoped to one report run: its cache and failover
// counters are private state, never shared across requests.
type Resolver struct {
	providers     []port.PriceProvider
	quoteCache    *cache.Cache
	logger        *zap.Logger
	timeout       time.Duration
	maxBatch      int
	maxConcurrent int

	mu          sync.Mutex
	failovers   int
	sourcesUsed map[string]struct{}
}

// NewResolver creates a request-scoped resolver over the given providers,
// tried in slice order.
func NewResolver(providers []port.PriceProvider, cfg config.PriceResolverConfig, logger *zap.Logger) *Resolver {
	ttl := time.Duration(cfg.CacheTTLMinutes) * time.Minute
	return &Resolver{
		providers:     providers,
		quoteCache:    cache.New(ttl, 2*ttl),
		logger:        logger.Named("PriceResolver"),
		timeout:       time.Duration(cfg.ProviderTimeoutMs) * time.Millisecond,
		maxBatch:      cfg.MaxTokensPerBatchRequest,
		maxConcurrent: cfg.MaxConcurrentBatches,
		sourcesUsed:   make(map[string]struct{}),
	}
}

// Resolve prices every request, deduplicated by (token, day bucket). Pairs
// no provider could price come back with confidence "missing"; Resolve
// itself never fails.
func (r *Resolver) Resolve(ctx context.Context, requests []entity.PriceRequest) map[string]entity.PriceQuote {
	resolved := make(map[string]entity.PriceQuote, len(requests))
	pending := make(map[string]entity.PriceRequest)

	for _, req := range requests {
		key := entity.PriceKey(req.TokenID, req.Timestamp)
		if _, have := resolved[key]; have {
			continue
		}
		if _, queued := pending[key]; queued {
			continue
		}
		if cached, hit := r.quoteCache.Get(key); hit {
			if quote, ok := cached.(entity.PriceQuote); ok {
				metrics.PriceCacheHits.Inc()
				resolved[key] = quote
				continue
			}
		}
		metrics.PriceCacheMisses.Inc()
		pending[key] = entity.PriceRequest{TokenID: req.TokenID, Timestamp: entity.PriceBucket(req.Timestamp)}
	}

	for idx, provider := range r.providers {
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if idx > 0 {
			// Every request still pending here fell through from a
			// higher-priority provider.
			r.mu.Lock()
			r.failovers += len(pending)
			r.mu.Unlock()
			metrics.PriceProviderFailovers.WithLabelValues(provider.Name()).Add(float64(len(pending)))
		}

		quotes := r.queryProvider(ctx, provider, pending)
		for key, quote := range quotes {
			resolved[key] = quote
			r.quoteCache.Set(key, quote, cache.DefaultExpiration)
			delete(pending, key)
		}
	}

	// Exhausted provider list: whatever is left has no price anywhere.
	for key, req := range pending {
		quote := entity.PriceQuote{
			TokenID:    req.TokenID,
			Timestamp:  req.Timestamp,
			Confidence: entity.ConfidenceMissing,
		}
		resolved[key] = quote
		r.quoteCache.Set(key, quote, cache.DefaultExpiration)
	}
	return resolved
}

// RetryMissing gives requests that previously resolved to a missing quote
// one more pass through the provider chain. Cached misses for the given
// keys are evicted first so the providers are actually asked again; keys
// that already carry a price keep serving from cache.
func (r *Resolver) RetryMissing(ctx context.Context, requests []entity.PriceRequest) map[string]entity.PriceQuote {
	for _, req := range requests {
		key := entity.PriceKey(req.TokenID, req.Timestamp)
		if cached, hit := r.quoteCache.Get(key); hit {
			if quote, ok := cached.(entity.PriceQuote); ok && quote.Missing() {
				r.quoteCache.Delete(key)
			}
		}
	}
	return r.Resolve(ctx, requests)
}

// queryProvider fans requests out to one provider, batched per chain. One
// batch's timeout or error never cancels sibling batches.
func (r *Resolver) queryProvider(ctx context.Context, provider port.PriceProvider, pending map[string]entity.PriceRequest) map[string]entity.PriceQuote {
	byChain := make(map[int64][]entity.PriceRequest)
	for _, req := range pending {
		chainID, ok := entity.ChainOfToken(req.TokenID)
		if !ok {
			r.logger.Warn("Skipping price request with malformed token id", zap.String("tokenId", req.TokenID))
			continue
		}
		byChain[chainID] = append(byChain[chainID], req)
	}

	results := make(map[string]entity.PriceQuote)
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.maxConcurrent)

	for chainID, chainReqs := range byChain {
		for _, batch := range batchRequests(chainReqs, r.maxBatch) {
			cid, reqs := chainID, batch
			eg.Go(func() error {
				batchCtx, cancel := context.WithTimeout(egCtx, r.timeout)
				defer cancel()

				quotes, err := provider.Quote(batchCtx, cid, reqs)
				if err != nil {
					metrics.PriceProviderRequests.WithLabelValues(provider.Name(), "error").Inc()
					r.logger.Warn("Price provider batch failed",
						zap.String("provider", provider.Name()),
						zap.Int64("chainID", cid),
						zap.Int("batchSize", len(reqs)),
						zap.Error(err))
					// Handled: the tokens stay pending for the next provider.
					return nil
				}
				metrics.PriceProviderRequests.WithLabelValues(provider.Name(), "ok").Inc()

				mu.Lock()
				for key, quote := range quotes {
					results[key] = quote
				}
				mu.Unlock()
				return nil
			})
		}
	}
	_ = eg.Wait()

	if len(results) > 0 {
		r.mu.Lock()
		r.sourcesUsed[provider.Name()] = struct{}{}
		r.mu.Unlock()
	}
	return results
}

// FailoverCount reports how many token requests fell through to a
// lower-priority provider during this resolver's lifetime.
func (r *Resolver) FailoverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failovers
}

// SourcesUsed lists the providers that contributed at least one quote,
// sorted for deterministic report metadata.
func (r *Resolver) SourcesUsed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sources := make([]string, 0, len(r.sourcesUsed))
	for name := range r.sourcesUsed {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	return sources
}

func batchRequests(reqs []entity.PriceRequest, batchSize int) [][]entity.PriceRequest {
	if batchSize <= 0 {
		batchSize = len(reqs)
	}
	var batches [][]entity.PriceRequest
	for i := 0; i < len(reqs); i += batchSize {
		end := i + batchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		batches = append(batches, reqs[i:end])
	}
	return batches
}
