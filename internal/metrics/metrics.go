// Package metrics provides Prometheus metrics for the adapter core: cache
// traffic, data-provider calls, background execution, and rate limiting.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedmux"

// DurationBuckets defines histogram buckets (in seconds) for DP call and
// background-execute durations.
var DurationBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180,
}

var (
	// RequestsTotal counts inbound adapter requests by endpoint, transport,
	// and resulting status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total inbound adapter requests",
		},
		[]string{"endpoint", "transport", "status_code"},
	)

	// CacheHits counts request-path cache hits.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Request-path cache hits",
		},
		[]string{"endpoint", "transport"},
	)

	// CacheMisses counts request-path cache misses.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Request-path cache misses",
		},
		[]string{"endpoint", "transport"},
	)

	// CacheSetStaleness observes the age of the value being replaced when a
	// cache key is overwritten, in milliseconds.
	CacheSetStaleness = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_last_set_unix_ms",
			Help:      "Unix ms of the most recent cache write per scope",
		},
		[]string{"endpoint", "transport"},
	)

	// ProviderRequests counts outbound DP HTTP calls by provider status.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Outbound data provider requests",
		},
		[]string{"status_code"},
	)

	// ProviderRequestDuration tracks outbound DP call latency.
	ProviderRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Outbound data provider request duration",
			Buckets:   DurationBuckets,
		},
	)

	// CoalescedRequests counts requester calls that attached to an in-flight
	// call instead of issuing a new one.
	CoalescedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requester_coalesced_total",
			Help:      "Requester calls served by an in-flight duplicate",
		},
	)

	// RateLimitQueueDepth tracks waiting requester entries per endpoint.
	RateLimitQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_depth",
			Help:      "Requests queued behind the rate limiter",
		},
		[]string{"endpoint"},
	)

	// QueueOverflows counts dropped queue entries.
	QueueOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_queue_overflows_total",
			Help:      "Rate limiter queue overflow drops",
		},
		[]string{"endpoint"},
	)

	// BackgroundExecuteDuration tracks each background-execute invocation.
	BackgroundExecuteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_execute_duration_seconds",
			Help:      "Background execute duration per transport",
			Buckets:   DurationBuckets,
		},
		[]string{"endpoint", "transport"},
	)

	// BackgroundExecuteErrors counts swallowed background-execute failures.
	BackgroundExecuteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_execute_errors_total",
			Help:      "Background execute errors (logged and swallowed)",
		},
		[]string{"endpoint", "transport"},
	)

	// WSConnections counts WebSocket connection attempts by outcome.
	WSConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "WebSocket connection attempts",
		},
		[]string{"endpoint", "outcome"},
	)

	// WSMessages counts received WebSocket messages.
	WSMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages received",
		},
		[]string{"endpoint"},
	)
)

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the standalone metrics server. It blocks until the server
// stops, so callers run it on its own goroutine.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return server.ListenAndServe()
}
