// Package router picks a deployment for each request and drives retry and
// fallback. Selection composes three gates (capability, health, capacity)
// with a pluggable strategy; failures walk the remaining candidates and then
// the per-model fallback chain.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/circuitbreaker"
	"github.com/knnlabs/conduit/internal/ratelimit"
	"github.com/knnlabs/conduit/internal/retry"
	"github.com/knnlabs/conduit/internal/telemetry"
)

// Request describes what the dispatcher needs routed.
type Request struct {
	// Model is the client-facing alias.
	Model string
	// Embeddings restricts candidates to deployments that serve embeddings.
	Embeddings bool
	// EstimatedTokens is consumed against the deployment's TPM budget at
	// admission. The dispatcher reconciles with AdjustTokens once actual
	// usage is known.
	EstimatedTokens int64
}

// Result reports which deployment served the request.
type Result struct {
	Deployment conduit.Deployment
	// Fallback is true when the serving model came from the fallback chain
	// rather than the requested alias.
	Fallback bool
	// Attempts counts deployments invoked, including the winner.
	Attempts int
}

// Router owns deployment selection state: per-deployment statistics,
// circuit breakers, and capacity buckets survive config reloads.
type Router struct {
	mu          sync.RWMutex
	byModel     map[string][]conduit.Deployment
	byID        map[string]conduit.Deployment
	fallbacks   map[string][]string
	defaultStrt string
	fallbacksOn bool
	policy      retry.Policy

	strategies *strategyRegistry
	stats      *statsTable
	breakers   *circuitbreaker.Registry
	limits     *ratelimit.Registry
	metrics    *telemetry.Metrics
	log        *slog.Logger
}

// New builds a Router from static configuration. metrics may be nil.
func New(cfg conduit.RouterConfig, metrics *telemetry.Metrics, log *slog.Logger) *Router {
	r := &Router{
		strategies: newStrategyRegistry(),
		stats:      newStatsTable(),
		breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		limits:     ratelimit.NewRegistry(),
		metrics:    metrics,
		log:        log,
	}
	r.Reload(cfg)
	return r
}

// Reload swaps the deployment set and fallback chains. Runtime statistics,
// breakers, and capacity buckets are keyed by deployment id and carry over.
func (r *Router) Reload(cfg conduit.RouterConfig) {
	byModel := make(map[string][]conduit.Deployment)
	byID := make(map[string]conduit.Deployment, len(cfg.Deployments))
	for _, d := range cfg.Deployments {
		byModel[d.ModelName] = append(byModel[d.ModelName], d)
		byID[d.ID] = d
	}
	fallbacks := make(map[string][]string, len(cfg.Fallbacks))
	for model, alts := range cfg.Fallbacks {
		fallbacks[model] = append([]string(nil), alts...)
	}

	policy := retry.Policy{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.RetryBaseDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}

	r.mu.Lock()
	r.byModel = byModel
	r.byID = byID
	r.fallbacks = fallbacks
	r.defaultStrt = cfg.DefaultStrategy
	r.fallbacksOn = cfg.FallbacksEnabled
	r.policy = policy
	r.mu.Unlock()
}

// HasDeployments reports whether any deployment serves the model.
func (r *Router) HasDeployments(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byModel[model]) > 0
}

// KnownModel reports whether the router can serve the alias at all, through
// its own deployments or a fallback chain. A retired alias kept only as a
// fallback source is still known.
func (r *Router) KnownModel(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byModel[model]) > 0 {
		return true
	}
	return r.fallbacksOn && len(r.fallbacks[model]) > 0
}

// Execute routes req through filter, strategy, retry, and fallback. fn is
// invoked once per admitted deployment with the router's per-candidate retry
// policy applied around it.
func (r *Router) Execute(ctx context.Context, req Request, fn func(ctx context.Context, d conduit.Deployment) error) (*Result, error) {
	res := &Result{}

	err := r.tryModel(ctx, req.Model, req, res, fn)
	if err == nil {
		return res, nil
	}
	// A non-retryable error from an actual invocation is a caller fault and
	// will fail identically on every alternate. Zero attempts means the model
	// had no usable deployment, which is exactly what fallbacks are for.
	if !r.fallbacksEnabled() || (res.Attempts > 0 && !conduit.IsRetryable(err)) {
		return nil, err
	}

	for _, alt := range r.fallbackChain(req.Model) {
		before := res.Attempts
		altErr := r.tryModel(ctx, alt, req, res, fn)
		if altErr == nil {
			res.Fallback = true
			if r.metrics != nil {
				r.metrics.FallbacksTotal.WithLabelValues(req.Model).Inc()
			}
			r.logInfo(ctx, "fallback served request",
				slog.String("model", req.Model),
				slog.String("alternate", alt),
				slog.String("deployment", res.Deployment.ID))
			return res, nil
		}
		err = altErr
		if res.Attempts > before && !conduit.IsRetryable(altErr) {
			break
		}
	}
	return nil, err
}

// tryModel walks the model's filtered candidates in strategy order. On
// success it fills res and returns nil.
func (r *Router) tryModel(ctx context.Context, model string, req Request, res *Result, fn func(ctx context.Context, d conduit.Deployment) error) error {
	cands := r.candidates(model, req)
	if len(cands) == 0 {
		if req.Embeddings && r.HasDeployments(model) {
			return conduit.Errorf(conduit.KindUnsupported, "model %q does not serve embeddings", model)
		}
		return conduit.Errorf(conduit.KindConfiguration, "no deployment available for model %q", model)
	}
	strategy := r.strategyFor(r.defaultStrategy())
	policy := r.retryPolicy()

	var lastErr error
	for len(cands) > 0 {
		idx := strategy.Select(cands)
		d := cands[idx].Deployment
		cands = append(cands[:idx], cands[idx+1:]...)

		breaker := r.breakers.GetOrCreate(d.ID)
		if !breaker.Allow() {
			r.setHealthGauge(d.ID, false)
			continue
		}
		if !r.admit(d, req.EstimatedTokens) {
			continue
		}

		start := time.Now()
		var err error
		if policy.MaxAttempts > 0 {
			err = retry.Do(ctx, policy, func(ctx context.Context) error {
				return fn(ctx, d)
			})
		} else {
			// MaxRetries 0 means one attempt per candidate.
			err = fn(ctx, d)
		}
		res.Attempts++

		if err == nil {
			breaker.RecordSuccess()
			r.setHealthGauge(d.ID, true)
			r.stats.get(d.ID).recordSuccess(float64(time.Since(start).Milliseconds()), time.Now())
			res.Deployment = d
			return nil
		}

		breaker.RecordError(circuitbreaker.ClassifyError(err))
		r.setHealthGauge(d.ID, breaker.State() != circuitbreaker.StateOpen)
		lastErr = err

		r.logWarn(ctx, "deployment attempt failed",
			slog.String("model", model),
			slog.String("deployment", d.ID),
			slog.String("provider", d.ProviderName),
			slog.String("kind", conduit.KindOf(err).String()),
			slog.String("error", err.Error()))

		// A caller fault will fail identically everywhere.
		if !conduit.IsRetryable(err) {
			return err
		}
	}

	if lastErr == nil {
		return conduit.Errorf(conduit.KindRateLimited, "all deployments for model %q are saturated or unhealthy", model)
	}
	return lastErr
}

// candidates filters the model's deployments on capability and the enabled
// flag, then snapshots statistics for the strategy. Breaker and capacity
// gates run later, at admission, because both consume state.
func (r *Router) candidates(model string, req Request) []Candidate {
	r.mu.RLock()
	deployments := r.byModel[model]
	r.mu.RUnlock()

	cands := make([]Candidate, 0, len(deployments))
	for _, d := range deployments {
		if !d.Enabled {
			continue
		}
		if req.Embeddings && !d.SupportsEmbeddings {
			continue
		}
		usage, avg, last := r.stats.get(d.ID).snapshot()
		cands = append(cands, Candidate{Deployment: d, UsageCount: usage, AvgLatencyMS: avg, LastUsed: last})
	}
	return cands
}

// admit consumes RPM and TPM budget for one attempt.
func (r *Router) admit(d conduit.Deployment, estTokens int64) bool {
	if d.RPMLimit <= 0 && d.TPMLimit <= 0 {
		return true
	}
	limiter := r.limits.GetOrCreate(d.ID, ratelimit.Limits{RPM: int64(d.RPMLimit), TPM: int64(d.TPMLimit)})

	if rpm := limiter.AllowRPM(); !rpm.Allowed {
		r.countRateLimit()
		return false
	}
	if estTokens > 0 {
		if tpm := limiter.ConsumeTPM(estTokens); !tpm.Allowed {
			r.countRateLimit()
			return false
		}
	}
	return true
}

// EvictStaleLimiters drops capacity buckets idle since before cutoff.
// Returns the number evicted.
func (r *Router) EvictStaleLimiters(cutoff time.Time) int {
	return r.limits.EvictStale(cutoff)
}

// AdjustTokens reconciles the deployment's TPM budget once actual token
// usage is known. delta is estimated minus actual; positive refunds.
func (r *Router) AdjustTokens(deploymentID string, delta int64) {
	r.mu.RLock()
	d, ok := r.byID[deploymentID]
	r.mu.RUnlock()
	if !ok || (d.RPMLimit <= 0 && d.TPMLimit <= 0) {
		return
	}
	r.limits.GetOrCreate(deploymentID, ratelimit.Limits{RPM: int64(d.RPMLimit), TPM: int64(d.TPMLimit)}).AdjustTPM(delta)
}

// RecordProbe feeds an out-of-band health check result into the deployment's
// breaker, so probe failures shed traffic the same way request failures do.
func (r *Router) RecordProbe(deploymentID string, err error) {
	breaker := r.breakers.GetOrCreate(deploymentID)
	if err == nil {
		breaker.RecordSuccess()
	} else {
		breaker.RecordError(circuitbreaker.ClassifyError(err))
	}
	r.setHealthGauge(deploymentID, breaker.State() != circuitbreaker.StateOpen)
}

// DeploymentsForProvider lists configured deployments naming the provider.
func (r *Router) DeploymentsForProvider(providerName string) []conduit.Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []conduit.Deployment
	for _, d := range r.byID {
		if d.ProviderName == providerName {
			out = append(out, d)
		}
	}
	return out
}

func (r *Router) healthy(deploymentID string) bool {
	b := r.breakers.Get(deploymentID)
	if b == nil {
		return true
	}
	return b.State() != circuitbreaker.StateOpen
}

func (r *Router) strategyFor(name string) Strategy { return r.strategies.get(name) }

func (r *Router) defaultStrategy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultStrt
}

func (r *Router) fallbacksEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbacksOn
}

func (r *Router) fallbackChain(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbacks[model]
}

func (r *Router) retryPolicy() retry.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

func (r *Router) setHealthGauge(deploymentID string, healthy bool) {
	if r.metrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.metrics.DeploymentHealthy.WithLabelValues(deploymentID).Set(v)
}

func (r *Router) countRateLimit() {
	if r.metrics != nil {
		r.metrics.RateLimitRejects.WithLabelValues("deployment").Inc()
	}
}

func (r *Router) logWarn(ctx context.Context, msg string, attrs ...slog.Attr) {
	if r.log != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, msg, attrs...)
	}
}

func (r *Router) logInfo(ctx context.Context, msg string, attrs ...slog.Attr) {
	if r.log != nil {
		r.log.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
	}
}
