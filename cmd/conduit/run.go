package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/auth"
	"github.com/knnlabs/conduit/internal/cache"
	"github.com/knnlabs/conduit/internal/config"
	"github.com/knnlabs/conduit/internal/factory"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/ratelimit"
	"github.com/knnlabs/conduit/internal/retry"
	"github.com/knnlabs/conduit/internal/router"
	"github.com/knnlabs/conduit/internal/server"
	"github.com/knnlabs/conduit/internal/storage"
	"github.com/knnlabs/conduit/internal/storage/sqlite"
	"github.com/knnlabs/conduit/internal/telemetry"
	"github.com/knnlabs/conduit/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)

	slog.Info("starting conduit", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Log seeded virtual keys (names only, never log key material).
	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("virtual key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, conduit.VirtualKeyPrefix)
		slog.Info("virtual key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Prometheus metrics.
	var (
		metrics  *telemetry.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		gatherer = promRegistry
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("conduit/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	collector := cache.NewCollector(metrics)

	// Shared DNS cache for all upstream HTTP clients.
	dnsResolver := &dnscache.Resolver{}

	// Client factory: resolves provider + credential from the catalog and
	// builds adapters over one pooled transport.
	clients, err := factory.New(store, collector, metrics, slog.Default(), factory.Options{
		Client: provider.Options{
			Transport: provider.NewTransport(dnsResolver, true),
			Retry:     retry.Policy{MaxAttempts: cfg.Limits.ProviderRetries, Jitter: true},
			Timeout:   cfg.Limits.RequestTimeout,
		},
		ResolveTTL: cfg.Cache.CredentialTTL,
		CacheSize:  cfg.Cache.MaxSize,
	})
	if err != nil {
		return err
	}
	// Catalog edits drop the affected provider's cached client and credentials.
	store.OnCatalogChange(clients.InvalidateProvider)

	// Router: deployments and fallback chains were just seeded; read them
	// back so storage stays the single source of truth for routing.
	routerCfg, err := loadRouterConfig(ctx, cfg, store)
	if err != nil {
		return err
	}
	rt := router.New(routerCfg, metrics, slog.Default())
	slog.Info("router configured",
		"deployments", len(routerCfg.Deployments),
		"strategy", routerCfg.DefaultStrategy,
		"fallbacks_enabled", routerCfg.FallbacksEnabled,
	)

	keyAuth, err := auth.New(store, collector, auth.Options{
		TTL:       cfg.Cache.VirtualKeyTTL,
		CacheSize: cfg.Cache.MaxSize,
	})
	if err != nil {
		return err
	}

	// Usage recorder (async batch flush to DB).
	usage := worker.NewUsageRecorder(store, metrics)

	dispatcher, err := server.NewDispatcher(clients, rt, store, collector, slog.Default(), server.DispatcherOptions{
		Usage:     usage,
		Metrics:   metrics,
		TariffTTL: cfg.Cache.TariffTTL,
		CacheSize: cfg.Cache.MaxSize,
	})
	if err != nil {
		return err
	}

	// Per-key rate limiters live here so the eviction loop can reach them.
	keyLimits := ratelimit.NewRegistry()

	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	handler := server.New(server.Deps{
		Auth:         keyAuth,
		Dispatch:     dispatcher,
		Store:        store,
		Collector:    collector,
		Alerts:       cache.NewAlertEvaluator(cache.DefaultThresholds(), 0),
		Metrics:      metrics,
		Gatherer:     gatherer,
		Tracer:       tracer,
		ReadyCheck:   store.Ping,
		Limits:       keyLimits,
		MaxBodyBytes: cfg.Limits.MaxBodyBytes,
		Realtime: server.RealtimeOptions{
			MaxSessions:      cfg.Realtime.MaxSessions,
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
			MaxDuration:      cfg.Realtime.MaxDuration,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	runner := worker.NewRunner(
		usage,
		worker.NewHealthProber(store, clients, rt),
		worker.NewStatsRollup(store),
	)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic DNS refresh for the shared resolver.
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				cutoff := time.Now().Add(-1 * time.Hour)
				if n := keyLimits.EvictStale(cutoff) + rt.EvictStaleLimiters(cutoff); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("conduit ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	case err := <-workerDone:
		// The runner only returns before cancellation when a worker failed.
		workerCancel()
		return fmt.Errorf("worker group exited: %w", err)
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish recording).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and wait for the usage drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	// Shutdown tracing exporter.
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("conduit stopped")
	return nil
}

// setupLogging installs the process-wide logger: JSON by default, text when
// configured, at the configured level.
func setupLogging(cfg config.LoggingConfig) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadRouterConfig reads deployments and fallback chains from storage and
// merges the file's routing policy on top.
func loadRouterConfig(ctx context.Context, cfg *config.Config, store storage.Store) (conduit.RouterConfig, error) {
	deployments, err := store.ListDeployments(ctx)
	if err != nil {
		return conduit.RouterConfig{}, fmt.Errorf("list deployments: %w", err)
	}
	fallbacks, err := store.ListFallbacks(ctx)
	if err != nil {
		return conduit.RouterConfig{}, fmt.Errorf("list fallbacks: %w", err)
	}
	out := conduit.RouterConfig{
		Deployments:      make([]conduit.Deployment, 0, len(deployments)),
		DefaultStrategy:  cfg.Router.DefaultStrategy,
		Fallbacks:        fallbacks,
		FallbacksEnabled: cfg.Router.FallbacksEnabled,
		MaxRetries:       cfg.Router.MaxRetries,
		RetryBaseDelay:   cfg.Router.RetryBaseDelay,
		RetryMaxDelay:    cfg.Router.RetryMaxDelay,
	}
	for _, d := range deployments {
		out.Deployments = append(out.Deployments, *d)
	}
	return out, nil
}
