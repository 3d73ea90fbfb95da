package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReportBuildDuration tracks end-to-end report generation time.
	ReportBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tax_report_build_duration_seconds",
		Help:    "Time to build one tax report, from transfer fetch to assembly.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// PriceProviderRequests counts batched provider calls by provider and
	// outcome ("ok" / "error").
	PriceProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "price_provider_requests_total",
		Help: "Batched price provider requests.",
	}, []string{"provider", "outcome"})

	// PriceProviderFailovers counts tokens that fell through to a
	// lower-priority provider.
	PriceProviderFailovers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "price_provider_failovers_total",
		Help: "Per-token fallbacks to the next provider in priority order.",
	}, []string{"provider"})

	// PriceCacheHits and PriceCacheMisses track the request-scoped quote cache.
	PriceCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "price_cache_hits_total",
		Help: "Price quote cache hits.",
	})
	PriceCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "price_cache_misses_total",
		Help: "Price quote cache misses.",
	})

	// UnclassifiableEvents counts events that ended up unclassifiable, by reason.
	UnclassifiableEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tax_unclassifiable_events_total",
		Help: "Events the classifier could not assign a numeric category.",
	}, []string{"reason"})
)

// MustRegisterMetrics registers all engine metrics with the default
// registry. Call once from main.
func MustRegisterMetrics() {
	prometheus.MustRegister(
		ReportBuildDuration,
		PriceProviderRequests,
		PriceProviderFailovers,
		PriceCacheHits,
		PriceCacheMisses,
		UnclassifiableEvents,
	)
}
