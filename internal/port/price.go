package port

import (
	"context"

	"tax_reporter/internal/entity"
)

// PriceProvider resolves historical USD quotes for a batch of tokens on one
// chain. Implementations declare a name (used in report metadata and
// metrics) and a confidence tier for the quotes they produce.
//
// Failures are per-token: a provider returns quotes for the tokens it could
// price and simply omits the rest. A returned error marks the whole batch
// as failed for this provider (unreachable endpoint, rate limit) and
// triggers fallback to the next provider in priority order.
type PriceProvider interface {
	Name() string
	Confidence() entity.Confidence
	// Quote prices the given requests, which all belong to chainID. The
	// result is keyed by entity.PriceKey.
	Quote(ctx context.Context, chainID int64, requests []entity.PriceRequest) (map[string]entity.PriceQuote, error)
}

// PriceResolver is the engine-facing contract: resolve every request to a
// quote, falling back across providers; unresolvable pairs yield quotes
// with confidence "missing" rather than errors.
type PriceResolver interface {
	Resolve(ctx context.Context, requests []entity.PriceRequest) map[string]entity.PriceQuote
	// FailoverCount reports how often a token had to fall through to a
	// lower-priority provider during this resolver's lifetime.
	FailoverCount() int
	// SourcesUsed lists provider names that contributed at least one quote.
	SourcesUsed() []string
}
