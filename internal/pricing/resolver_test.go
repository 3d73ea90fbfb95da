package pricing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tax_reporter/internal/config"
	"tax_reporter/internal/entity"
	"tax_reporter/internal/port"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProvider serves a fixed set of token ids and records how many batched
// calls it received.
type fakeProvider struct {
	name  string
	known map[string]string // tokenID -> USD price
	err   error

	mu    sync.Mutex
	calls int
	seen  [][]entity.PriceRequest
}

func (f *fakeProvider) Name() string                  { return f.name }
func (f *fakeProvider) Confidence() entity.Confidence { return entity.ConfidenceLive }

func (f *fakeProvider) Quote(_ context.Context, _ int64, requests []entity.PriceRequest) (map[string]entity.PriceQuote, error) {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, requests)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	quotes := make(map[string]entity.PriceQuote)
	for _, req := range requests {
		usd, ok := f.known[req.TokenID]
		if !ok {
			continue
		}
		quotes[entity.PriceKey(req.TokenID, req.Timestamp)] = entity.PriceQuote{
			TokenID:        req.TokenID,
			Timestamp:      entity.PriceBucket(req.Timestamp),
			USDPerUnit:     decimal.RequireFromString(usd),
			SourceProvider: f.name,
			Confidence:     entity.ConfidenceLive,
		}
	}
	return quotes, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testResolverConfig() config.PriceResolverConfig {
	return config.PriceResolverConfig{
		ProviderTimeoutMs:        1000,
		MaxTokensPerBatchRequest: 30,
		MaxConcurrentBatches:     2,
		CacheTTLMinutes:          10,
	}
}

var testDay = time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)

func req(tokenID string) entity.PriceRequest {
	return entity.PriceRequest{TokenID: tokenID, Timestamp: testDay}
}

func testTokenAddr(i int) string {
	return fmt.Sprintf("0x%040x", i+1)
}

func TestResolvePrefersFirstProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", known: map[string]string{"1:0xaaa": "2"}}
	secondary := &fakeProvider{name: "secondary", known: map[string]string{"1:0xaaa": "99"}}
	r := NewResolver([]port.PriceProvider{primary, secondary}, testResolverConfig(), zap.NewNop())

	quotes := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa")})
	key := entity.PriceKey("1:0xaaa", testDay)

	require.Contains(t, quotes, key)
	assert.Equal(t, "primary", quotes[key].SourceProvider)
	assert.Equal(t, "2", quotes[key].USDPerUnit.String())
	assert.Equal(t, 0, secondary.callCount())
	assert.Equal(t, 0, r.FailoverCount())
	assert.Equal(t, []string{"primary"}, r.SourcesUsed())
}

func TestResolveFallsThroughPerToken(t *testing.T) {
	primary := &fakeProvider{name: "primary", known: map[string]string{"1:0xaaa": "2"}}
	secondary := &fakeProvider{name: "secondary", known: map[string]string{"1:0xbbb": "5"}}
	r := NewResolver([]port.PriceProvider{primary, secondary}, testResolverConfig(), zap.NewNop())

	quotes := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa"), req("1:0xbbb")})

	assert.Equal(t, "primary", quotes[entity.PriceKey("1:0xaaa", testDay)].SourceProvider)
	assert.Equal(t, "secondary", quotes[entity.PriceKey("1:0xbbb", testDay)].SourceProvider)
	assert.Equal(t, 1, r.FailoverCount())
	assert.Equal(t, []string{"primary", "secondary"}, r.SourcesUsed())
}

func TestResolveProviderErrorDoesNotPoisonBatch(t *testing.T) {
	broken := &fakeProvider{name: "broken", err: entity.ErrProviderUnavailable}
	backup := &fakeProvider{name: "backup", known: map[string]string{"1:0xaaa": "3", "1:0xbbb": "4"}}
	r := NewResolver([]port.PriceProvider{broken, backup}, testResolverConfig(), zap.NewNop())

	quotes := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa"), req("1:0xbbb")})

	assert.Equal(t, "backup", quotes[entity.PriceKey("1:0xaaa", testDay)].SourceProvider)
	assert.Equal(t, "backup", quotes[entity.PriceKey("1:0xbbb", testDay)].SourceProvider)
	assert.Equal(t, 2, r.FailoverCount())
	assert.Equal(t, []string{"backup"}, r.SourcesUsed())
}

func TestResolveUnpricedTokenGetsMissingQuote(t *testing.T) {
	empty := &fakeProvider{name: "empty"}
	r := NewResolver([]port.PriceProvider{empty}, testResolverConfig(), zap.NewNop())

	quotes := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xdead")})
	key := entity.PriceKey("1:0xdead", testDay)

	require.Contains(t, quotes, key)
	assert.True(t, quotes[key].Missing())
	assert.Empty(t, r.SourcesUsed())
}

func TestResolveDeduplicatesByDayBucket(t *testing.T) {
	primary := &fakeProvider{name: "primary", known: map[string]string{"1:0xaaa": "2"}}
	r := NewResolver([]port.PriceProvider{primary}, testResolverConfig(), zap.NewNop())

	// Three timestamps within the same UTC day collapse into one request.
	quotes := r.Resolve(context.Background(), []entity.PriceRequest{
		{TokenID: "1:0xaaa", Timestamp: testDay},
		{TokenID: "1:0xaaa", Timestamp: testDay.Add(3 * time.Hour)},
		{TokenID: "1:0xaaa", Timestamp: testDay.Add(-5 * time.Hour)},
	})

	assert.Len(t, quotes, 1)
	assert.Equal(t, 1, primary.callCount())
}

func TestResolveServesRepeatLookupsFromCache(t *testing.T) {
	primary := &fakeProvider{name: "primary", known: map[string]string{"1:0xaaa": "2"}}
	r := NewResolver([]port.PriceProvider{primary}, testResolverConfig(), zap.NewNop())

	first := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa")})
	second := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa")})

	assert.Equal(t, first, second)
	assert.Equal(t, 1, primary.callCount())
}

func TestRetryMissingAsksProvidersAgain(t *testing.T) {
	primary := &fakeProvider{name: "primary", known: map[string]string{"1:0xaaa": "3"}, err: fmt.Errorf("rpc down")}
	r := NewResolver([]port.PriceProvider{primary}, testResolverConfig(), zap.NewNop())

	key := entity.PriceKey("1:0xaaa", testDay)
	first := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa")})
	require.True(t, first[key].Missing())

	primary.err = nil
	retried := r.RetryMissing(context.Background(), []entity.PriceRequest{req("1:0xaaa")})

	require.False(t, retried[key].Missing())
	assert.Equal(t, "3", retried[key].USDPerUnit.String())
	assert.Equal(t, 2, primary.callCount())
}

func TestRetryMissingKeepsResolvedQuotesCached(t *testing.T) {
	primary := &fakeProvider{name: "primary", known: map[string]string{"1:0xaaa": "2"}}
	r := NewResolver([]port.PriceProvider{primary}, testResolverConfig(), zap.NewNop())

	first := r.Resolve(context.Background(), []entity.PriceRequest{req("1:0xaaa")})
	retried := r.RetryMissing(context.Background(), []entity.PriceRequest{req("1:0xaaa")})

	assert.Equal(t, first, retried)
	assert.Equal(t, 1, primary.callCount())
}

func TestResolveBatchesLargeRequestSets(t *testing.T) {
	known := make(map[string]string)
	var requests []entity.PriceRequest
	for i := 0; i < 65; i++ {
		tokenID := entity.TokenID(1, testTokenAddr(i))
		known[tokenID] = "1"
		requests = append(requests, req(tokenID))
	}
	primary := &fakeProvider{name: "primary", known: known}

	cfg := testResolverConfig()
	cfg.MaxTokensPerBatchRequest = 30
	r := NewResolver([]port.PriceProvider{primary}, cfg, zap.NewNop())

	quotes := r.Resolve(context.Background(), requests)
	assert.Len(t, quotes, 65)
	// 65 tokens at 30 per batch means 3 provider calls.
	assert.Equal(t, 3, primary.callCount())
}
