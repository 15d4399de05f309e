// Package monitoring holds the router's Prometheus collectors (A3):
// tier attempt counts, cache hit ratio inputs, request latency, and
// active session gauges. Grounded on
// wisbric-nightowl/internal/telemetry/metrics.go's package-level
// collector-plus-registration-list shape.
package monitoring

import "github.com/prometheus/client_golang/prometheus"

var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rigrun",
		Name:      "requests_total",
		Help:      "Total number of chat completion requests served, by tier.",
	},
	[]string{"tier"},
)

var BlockedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rigrun",
		Name:      "blocked_total",
		Help:      "Total number of requests refused by routing policy, by tier.",
	},
	[]string{"tier"},
)

var RequestDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "rigrun",
		Name:      "request_duration_seconds",
		Help:      "End-to-end /v1/chat/completions request latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
)

var ActiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "rigrun",
		Name:      "active_sessions",
		Help:      "Current number of active sessions tracked by the session manager.",
	},
)

var CacheHitRatio = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "rigrun",
		Name:      "cache_hit_ratio",
		Help:      "Response cache hit ratio over the cache's lifetime.",
	},
)

// All returns every rigrun collector, for registration with a
// prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		BlockedTotal,
		RequestDuration,
		ActiveSessions,
		CacheHitRatio,
	}
}
