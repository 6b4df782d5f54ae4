// Package server implements the HTTP transport for the gateway: the
// OpenAI-compatible client surface, realtime websocket upgrades, and the
// system endpoints. Handlers stay thin; routing, failover, and usage
// accounting live in the Dispatcher.
package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cache"
	"github.com/knnlabs/conduit/internal/ratelimit"
	"github.com/knnlabs/conduit/internal/storage"
	"github.com/knnlabs/conduit/internal/telemetry"
)

// ReadyChecker reports whether the gateway can serve traffic.
type ReadyChecker func(ctx context.Context) error

const (
	defaultMaxBody          = 32 << 20
	defaultHandshakeTimeout = 10 * time.Second
)

// Deps carries everything the HTTP layer needs. Optional fields tolerate
// nil so tests wire only what they exercise.
type Deps struct {
	Auth       conduit.Authenticator
	Dispatch   *Dispatcher
	Store      storage.CatalogStore
	Collector  *cache.Collector      // nil = empty cache stats
	Alerts     *cache.AlertEvaluator // nil = stats report without alerts
	Metrics    *telemetry.Metrics    // nil = no instrumentation
	Gatherer   prometheus.Gatherer   // nil = no /metrics route
	Tracer     trace.Tracer          // nil = no spans
	ReadyCheck ReadyChecker          // nil = always ready

	// Limits is the per-key rate limiter registry. nil builds a private
	// one; sharing lets the owner evict stale limiters.
	Limits *ratelimit.Registry

	MaxBodyBytes int64 // 0 = 32 MiB
	Realtime     RealtimeOptions
}

type server struct {
	deps       Deps
	maxBody    int64
	limits     *ratelimit.Registry
	upgrader   websocket.Upgrader
	rtSessions atomic.Int64
}

// New builds the routed handler.
func New(deps Deps) http.Handler {
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	handshake := deps.Realtime.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	limits := deps.Limits
	if limits == nil {
		limits = ratelimit.NewRegistry()
	}
	s := &server{
		deps:    deps,
		maxBody: maxBody,
		limits:  limits,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshake,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Virtual keys authenticate every request; browser-origin
			// checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(chimiddleware.RealIP)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(s.tracing)
	}
	r.Use(s.logging)

	// System endpoints, no auth.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Client surface, virtual-key auth.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Post("/v1/images/generations", s.handleImageGeneration)
		r.Post("/v1/audio/speech", s.handleSpeech)
		r.Post("/v1/audio/transcriptions", s.handleTranscription)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1/realtime", s.handleRealtime)
		r.Get("/v1/ops/cache/stats", s.handleCacheStats)
	})

	return r
}

// checkModelAccess enforces the key's model allowlist. Denials render as
// invalid-model so callers cannot probe which aliases exist.
func (s *server) checkModelAccess(r *http.Request, model string) error {
	if key := conduit.KeyFromContext(r.Context()); key != nil && !key.AllowsModel(model) {
		return conduit.Errorf(conduit.KindInvalidModel, "model %q is not available for this key", model)
	}
	return nil
}
