package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Confidence is the reliability tier of a price quote.
type Confidence string

const (
	ConfidenceLive         Confidence = "live"
	ConfidenceInterpolated Confidence = "interpolated"
	ConfidenceMissing      Confidence = "missing"
)

// PriceRequest asks for the USD value of one token at one timestamp.
type PriceRequest struct {
	TokenID   string
	Timestamp time.Time
}

// PriceQuote is the resolved USD valuation for a (token, timestamp) pair.
// Quotes are transient and cacheable by (TokenID, day bucket).
type PriceQuote struct {
	TokenID        string
	Timestamp      time.Time
	USDPerUnit     decimal.Decimal
	SourceProvider string
	Confidence     Confidence
}

// Missing reports whether no provider could price the pair.
func (q PriceQuote) Missing() bool {
	return q.Confidence == ConfidenceMissing || q.Confidence == ""
}

// PriceBucket rounds a timestamp down to its UTC day. All price caching and
// request deduplication keys on this bucket.
func PriceBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(24 * time.Hour)
}

// PriceKey is the cache/dedup key for a request: "tokenID@YYYY-MM-DD".
func PriceKey(tokenID string, ts time.Time) string {
	return fmt.Sprintf("%s@%s", tokenID, PriceBucket(ts).Format("2006-01-02"))
}
