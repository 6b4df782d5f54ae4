package worker

import (
	"context"
	"log/slog"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

const (
	probeInterval = time.Minute
	probeTimeout  = 15 * time.Second
)

// ProviderLister exposes the catalog slice the prober reads.
type ProviderLister interface {
	ListProviders(ctx context.Context) ([]*conduit.Provider, error)
}

// ClientSource builds an adapter for one provider, for out-of-band checks.
type ClientSource interface {
	GetClientByProviderID(ctx context.Context, providerID string) (conduit.Client, error)
}

// ProbeSink receives probe outcomes keyed by deployment. The router
// implements it, feeding probe results into the same breakers the request
// path sheds on.
type ProbeSink interface {
	DeploymentsForProvider(providerName string) []conduit.Deployment
	RecordProbe(deploymentID string, err error)
}

// HealthProber periodically verifies each enabled provider's credential with
// a minimal round trip and reports the outcome for every deployment routed
// at that provider. A provider that stops answering opens its deployments'
// breakers before the next real request pays for the discovery.
type HealthProber struct {
	store    ProviderLister
	clients  ClientSource
	sink     ProbeSink
	interval time.Duration
	timeout  time.Duration
}

// NewHealthProber creates a HealthProber.
func NewHealthProber(store ProviderLister, clients ClientSource, sink ProbeSink) *HealthProber {
	return &HealthProber{
		store:    store,
		clients:  clients,
		sink:     sink,
		interval: probeInterval,
		timeout:  probeTimeout,
	}
}

// Name returns the worker identifier.
func (w *HealthProber) Name() string { return "health_prober" }

// Run performs an initial probe, then probes periodically until ctx is
// cancelled.
func (w *HealthProber) Run(ctx context.Context) error {
	w.probeAll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.probeAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *HealthProber) probeAll(ctx context.Context) {
	providers, err := w.store.ListProviders(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "health probe: list providers failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		// Providers nothing routes at get no round trip.
		deployments := w.sink.DeploymentsForProvider(p.Name)
		if len(deployments) == 0 {
			continue
		}

		result := w.probe(ctx, p)
		for _, d := range deployments {
			w.sink.RecordProbe(d.ID, result)
		}
		if result != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "health probe failed",
				slog.String("provider", p.Name),
				slog.String("kind", conduit.KindOf(result).String()),
				slog.String("error", result.Error()),
			)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// probe runs one bounded credential verification against the provider.
func (w *HealthProber) probe(ctx context.Context, p *conduit.Provider) error {
	client, err := w.clients.GetClientByProviderID(ctx, p.ID)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	check, err := client.VerifyAuthentication(pctx)
	if err != nil {
		return err
	}
	if !check.OK {
		return conduit.Errorf(conduit.KindAuthentication, "credential rejected: %s", check.Details)
	}
	return nil
}
