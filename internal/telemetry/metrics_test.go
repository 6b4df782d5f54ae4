package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.UpstreamDuration == nil {
		t.Error("UpstreamDuration is nil")
	}
	if m.UpstreamFirstToken == nil {
		t.Error("UpstreamFirstToken is nil")
	}
	if m.UpstreamErrors == nil {
		t.Error("UpstreamErrors is nil")
	}
	if m.CacheOps == nil {
		t.Error("CacheOps is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
	if m.TokensProcessed == nil {
		t.Error("TokensProcessed is nil")
	}
	if m.FallbacksTotal == nil {
		t.Error("FallbacksTotal is nil")
	}
	if m.DeploymentHealthy == nil {
		t.Error("DeploymentHealthy is nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive is nil")
	}
	if m.SessionAudioBytes == nil {
		t.Error("SessionAudioBytes is nil")
	}
	if m.UsageQueueLength == nil {
		t.Error("UsageQueueLength is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.CacheOps.WithLabelValues("virtual_keys", "hit").Inc()
	m.CacheOps.WithLabelValues("virtual_keys", "miss").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.UpstreamErrors.WithLabelValues("groq", "rate_limited").Inc()
	m.UpstreamFirstToken.WithLabelValues("openai", "gpt-4o").Observe(0.4)
	m.FallbacksTotal.WithLabelValues("gpt-4o").Inc()
	m.DeploymentHealthy.WithLabelValues("openai-east").Set(1)
	m.SessionsActive.Inc()
	m.SessionAudioBytes.WithLabelValues("ultravox", "in").Add(2048)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"conduit_requests_total",
		"conduit_cache_ops_total",
		"conduit_active_requests",
		"conduit_request_duration_seconds",
		"conduit_upstream_errors_total",
		"conduit_upstream_first_token_seconds",
		"conduit_fallbacks_total",
		"conduit_deployment_healthy",
		"conduit_realtime_sessions_active",
		"conduit_realtime_audio_bytes_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
