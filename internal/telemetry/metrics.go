// Package telemetry provides observability primitives for the Conduit gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamFirstToken *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	CacheOps           *prometheus.CounterVec
	RateLimitRejects   *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	DeploymentHealthy  *prometheus.GaugeVec
	SessionsActive     prometheus.Gauge
	SessionAudioBytes  *prometheus.CounterVec
	UsageQueueLength   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "conduit",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "conduit",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamFirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "conduit",
			Name:                            "upstream_first_token_seconds",
			Help:                            "Time from request start to first streamed chunk.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by kind.",
		}, []string{"provider", "kind"}),

		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "cache_ops_total",
			Help:      "Cache lookups by region and outcome.",
		}, []string{"region", "outcome"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "fallbacks_total",
			Help:      "Total requests served by a fallback deployment.",
		}, []string{"model"}),

		DeploymentHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "deployment_healthy",
			Help:      "Deployment health flag (1 healthy, 0 unhealthy).",
		}, []string{"deployment"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "realtime_sessions_active",
			Help:      "Number of open realtime sessions.",
		}),

		SessionAudioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conduit",
			Name:      "realtime_audio_bytes_total",
			Help:      "Total realtime audio bytes relayed.",
		}, []string{"provider", "direction"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conduit",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamFirstToken,
		m.UpstreamErrors,
		m.CacheOps,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.FallbacksTotal,
		m.DeploymentHealthy,
		m.SessionsActive,
		m.SessionAudioBytes,
		m.UsageQueueLength,
	)

	return m
}
