// Package metrics centralizes the Prometheus collectors shared by the pool,
// rate limiter, and cache, grounded on solana-exporter's RpcCallCounter
// (a CounterVec registered once at package init and incremented per call).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RPCCallsTotal counts every RPC call attempt, labeled by method and the
// endpoint URL it was sent to.
var RPCCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solgateway_rpc_calls_total",
		Help: "Total number of upstream JSON-RPC calls made, labeled by method and endpoint.",
	},
	[]string{"method", "endpoint"},
)

// RPCCallDuration observes per-call latency, labeled by method.
var RPCCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "solgateway_rpc_call_duration_seconds",
		Help:    "Latency of upstream JSON-RPC calls, labeled by method.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method"},
)

// EndpointHealthy is 1 when an endpoint's consecutive failures are below the
// pool's limit, 0 otherwise; rate-limit cooldown is not reflected here.
var EndpointHealthy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "solgateway_endpoint_healthy",
		Help: "1 if the endpoint's consecutive failures are below the pool's limit, else 0.",
	},
	[]string{"endpoint", "filtered"},
)

// EndpointCurrentRate reports the rate limiter's current admitted rate per
// endpoint.
var EndpointCurrentRate = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "solgateway_endpoint_current_rate",
		Help: "Current adaptive rate limit (requests/second) per endpoint.",
	},
	[]string{"endpoint"},
)

// CacheHits counts response cache lookups, labeled by outcome (hit/miss).
var CacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solgateway_cache_lookups_total",
		Help: "Total response cache lookups, labeled by outcome.",
	},
	[]string{"outcome"},
)

// MintsExtractedTotal counts mints the scan pipeline has emitted, labeled by
// category (new, pump).
var MintsExtractedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solgateway_mints_extracted_total",
		Help: "Total mint addresses extracted by the block-scan pipeline, labeled by category.",
	},
	[]string{"category"},
)

func init() {
	prometheus.MustRegister(
		RPCCallsTotal,
		RPCCallDuration,
		EndpointHealthy,
		EndpointCurrentRate,
		CacheHits,
		MintsExtractedTotal,
	)
}
