// Package factory builds provider clients from catalog records. Adapters
// are cheap to construct per request; what is worth caching is the resolved
// (provider, credential) pair and, for GCP-backed providers, the OAuth
// transport whose token source amortizes token fetches across requests.
package factory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cache"
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/provider/anthropic"
	"github.com/knnlabs/conduit/internal/provider/bedrock"
	"github.com/knnlabs/conduit/internal/provider/cohere"
	"github.com/knnlabs/conduit/internal/provider/compat"
	"github.com/knnlabs/conduit/internal/provider/elevenlabs"
	"github.com/knnlabs/conduit/internal/provider/gemini"
	"github.com/knnlabs/conduit/internal/provider/googlecloud"
	"github.com/knnlabs/conduit/internal/provider/minimax"
	"github.com/knnlabs/conduit/internal/provider/openai"
	"github.com/knnlabs/conduit/internal/provider/replicate"
	"github.com/knnlabs/conduit/internal/provider/ultravox"
	"github.com/knnlabs/conduit/internal/storage"
	"github.com/knnlabs/conduit/internal/telemetry"
)

const (
	// TestModelID is the placeholder model used on clients built solely
	// for credential verification.
	TestModelID = "test-model"

	defaultResolveTTL = 2 * time.Minute
	defaultCacheSize  = 4096
)

// Options configures a Factory.
type Options struct {
	// Client carries the shared transport, retry policy, and per-request
	// timeout applied to every adapter.
	Client provider.Options
	// ResolveTTL bounds how long a resolved (provider, credential) pair is
	// reused before storage is consulted again. 0 means 2 minutes.
	ResolveTTL time.Duration
	// CacheSize caps each factory cache region. 0 means 4096 entries.
	CacheSize int
}

// resolved is one cached (provider, credential) pair. transport is non-nil
// only for GCP-backed providers.
type resolved struct {
	provider  conduit.Provider
	cred      conduit.KeyCredential
	transport http.RoundTripper
}

// Resolution is everything the dispatcher needs for one model alias.
type Resolution struct {
	Client   conduit.Client
	Mapping  conduit.ModelMapping
	Provider conduit.Provider
}

// Factory resolves model aliases to ready provider clients.
type Factory struct {
	store   storage.CatalogStore
	metrics *telemetry.Metrics
	log     *slog.Logger
	opts    Options

	creds    *cache.Region[resolved]             // keyed by provider id
	mappings *cache.Region[conduit.ModelMapping] // keyed by alias
}

// New builds a Factory. collector may be nil to run without cache
// statistics; metrics may be nil to skip the adapter decorator.
func New(store storage.CatalogStore, collector *cache.Collector, metrics *telemetry.Metrics, log *slog.Logger, opts Options) (*Factory, error) {
	if opts.ResolveTTL <= 0 {
		opts.ResolveTTL = defaultResolveTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	creds, err := cache.NewRegion[resolved](collector, conduit.RegionCredentials, opts.CacheSize, opts.ResolveTTL, nil)
	if err != nil {
		return nil, err
	}
	mappings, err := cache.NewRegion[conduit.ModelMapping](collector, conduit.RegionMappings, opts.CacheSize, opts.ResolveTTL, nil)
	if err != nil {
		return nil, err
	}
	return &Factory{
		store:    store,
		metrics:  metrics,
		log:      log,
		opts:     opts,
		creds:    creds,
		mappings: mappings,
	}, nil
}

// Resolve walks alias → mapping → provider → credential and returns the
// constructed client together with the records that produced it.
func (f *Factory) Resolve(ctx context.Context, alias string) (*Resolution, error) {
	mapping, err := f.mapping(ctx, alias)
	if err != nil {
		return nil, err
	}
	res, err := f.resolveProvider(ctx, mapping.ProviderID)
	if err != nil {
		return nil, err
	}
	client, err := f.build(res)
	if err != nil {
		return nil, err
	}
	return &Resolution{Client: client, Mapping: mapping, Provider: res.provider}, nil
}

// GetClient returns a ready client for a model alias.
func (f *Factory) GetClient(ctx context.Context, alias string) (conduit.Client, error) {
	res, err := f.Resolve(ctx, alias)
	if err != nil {
		return nil, err
	}
	return res.Client, nil
}

// GetClientByProviderID returns a client for one provider regardless of
// model, for operations like model listing and health checks.
func (f *Factory) GetClientByProviderID(ctx context.Context, providerID string) (conduit.Client, error) {
	res, err := f.resolveProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return f.build(res)
}

// GetClientByProviderType returns a client for the first enabled provider of
// the given type.
func (f *Factory) GetClientByProviderType(ctx context.Context, t conduit.ProviderType) (conduit.Client, error) {
	providers, err := f.store.ListProvidersByType(ctx, t)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "list providers")
	}
	for _, p := range providers {
		if p.Enabled {
			return f.GetClientByProviderID(ctx, p.ID)
		}
	}
	return nil, conduit.Errorf(conduit.KindConfiguration, "no enabled provider of type %q", t)
}

// CreateTestClient builds an undecorated client for a specific credential,
// bypassing the catalog and caches. Callers use it with TestModelID to
// verify credentials before they are saved.
func (f *Factory) CreateTestClient(ctx context.Context, p *conduit.Provider, cred *conduit.KeyCredential) (conduit.Client, error) {
	res := resolved{provider: *p, cred: *cred}
	if needsGCPToken(p.Type) {
		transport, err := f.gcpTransport(ctx, cred)
		if err != nil {
			return nil, err
		}
		res.transport = transport
	}
	return f.construct(res)
}

// InvalidateProvider drops cached state for one provider. Mapping rows name
// providers by id only at the storage layer, so the alias cache is cleared
// wholesale.
func (f *Factory) InvalidateProvider(providerID string) {
	f.creds.Delete(providerID)
	f.mappings.Purge()
	if f.log != nil {
		f.log.Debug("factory cache invalidated", "provider_id", providerID)
	}
}

func (f *Factory) mapping(ctx context.Context, alias string) (conduit.ModelMapping, error) {
	if m, ok := f.mappings.Get(alias); ok {
		return m, nil
	}
	m, err := f.store.GetMappingByAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, conduit.ErrNotFound) {
			// The alias is the model from the caller's view; an unknown one
			// is their fault, not a catalog integrity problem.
			return conduit.ModelMapping{}, conduit.Errorf(conduit.KindInvalidModel, "model %q does not exist", alias)
		}
		return conduit.ModelMapping{}, conduit.WrapError(conduit.KindConfiguration, err, "load mapping")
	}
	if !m.Enabled {
		return conduit.ModelMapping{}, conduit.Errorf(conduit.KindInvalidModel, "model %q is disabled", alias)
	}
	f.mappings.Set(alias, *m)
	return *m, nil
}

func (f *Factory) resolveProvider(ctx context.Context, providerID string) (resolved, error) {
	if res, ok := f.creds.Get(providerID); ok {
		return res, nil
	}

	p, err := f.store.GetProvider(ctx, providerID)
	if err != nil {
		if errors.Is(err, conduit.ErrNotFound) {
			return resolved{}, conduit.Errorf(conduit.KindConfiguration, "provider %q not found", providerID)
		}
		return resolved{}, conduit.WrapError(conduit.KindConfiguration, err, "load provider")
	}
	if !p.Enabled {
		return resolved{}, conduit.Errorf(conduit.KindConfiguration, "provider %q is disabled", p.Name)
	}

	creds, err := f.store.ListCredentials(ctx, providerID)
	if err != nil {
		return resolved{}, conduit.WrapError(conduit.KindConfiguration, err, "load credentials")
	}
	cred := conduit.ResolveCredential(creds)
	if cred == nil {
		return resolved{}, conduit.Errorf(conduit.KindConfiguration, "no enabled credential for provider %q", p.Name)
	}

	res := resolved{provider: *p, cred: *cred}
	if needsGCPToken(p.Type) {
		transport, err := f.gcpTransport(ctx, cred)
		if err != nil {
			return resolved{}, err
		}
		res.transport = transport
	}
	f.creds.Set(providerID, res)
	return res, nil
}

// build constructs the adapter for a resolved pair and applies the metrics
// decorator.
func (f *Factory) build(res resolved) (conduit.Client, error) {
	client, err := f.construct(res)
	if err != nil {
		return nil, err
	}
	return provider.WithMetrics(client, f.metrics), nil
}

// construct is the exhaustive switch over provider types.
func (f *Factory) construct(res resolved) (conduit.Client, error) {
	p, cred := res.provider, res.cred
	opts := f.opts.Client
	if res.transport != nil {
		opts.Transport = res.transport
	}

	switch p.Type {
	case conduit.ProviderOpenAI:
		return openai.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderAzureOpenAI:
		if p.BaseURL == "" {
			return nil, conduit.Errorf(conduit.KindConfiguration, "provider %q: azure requires a resource endpoint", p.Name)
		}
		return openai.NewAzure(p.BaseURL, cred.APIVersion, cred.APIKey, opts), nil
	case conduit.ProviderAnthropic:
		return anthropic.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderMistral, conduit.ProviderGroq, conduit.ProviderFireworks,
		conduit.ProviderDeepInfra, conduit.ProviderSambaNova, conduit.ProviderCerebras,
		conduit.ProviderOpenRouter, conduit.ProviderOllama, conduit.ProviderHuggingFace,
		conduit.ProviderOpenAICompatible:
		return compat.New(p.Type, p.BaseURL, cred.APIKey, opts)
	case conduit.ProviderCohere:
		return cohere.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderGemini:
		return gemini.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderVertexAI:
		if cred.Account == "" || cred.Region == "" {
			return nil, conduit.Errorf(conduit.KindConfiguration, "provider %q: vertex requires project and location", p.Name)
		}
		return gemini.NewVertex(p.BaseURL, cred.Account, cred.Region, opts), nil
	case conduit.ProviderBedrock:
		if cred.Region == "" {
			return nil, conduit.Errorf(conduit.KindConfiguration, "provider %q: bedrock requires a region", p.Name)
		}
		return bedrock.New(p.BaseURL, cred.Region, cred.APIKey, cred.SecretKey, opts), nil
	case conduit.ProviderSageMaker:
		if cred.Region == "" {
			return nil, conduit.Errorf(conduit.KindConfiguration, "provider %q: sagemaker requires a region", p.Name)
		}
		return bedrock.NewSageMaker(p.BaseURL, cred.Region, cred.APIKey, cred.SecretKey, opts), nil
	case conduit.ProviderReplicate:
		return replicate.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderMiniMax:
		return minimax.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderUltravox:
		return ultravox.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderElevenLabs:
		return elevenlabs.New(p.BaseURL, cred.APIKey, opts), nil
	case conduit.ProviderGoogleCloud:
		return googlecloud.New(p.BaseURL, opts), nil
	}
	return nil, conduit.Errorf(conduit.KindConfiguration, "unknown provider type %q", p.Type)
}

// needsGCPToken reports whether the provider type authenticates with an
// OAuth token rather than a key header.
func needsGCPToken(t conduit.ProviderType) bool {
	return t == conduit.ProviderVertexAI || t == conduit.ProviderGoogleCloud
}

// gcpTransport builds an OAuth transport from the credential's
// service-account JSON. An empty key falls back to application default
// credentials.
func (f *Factory) gcpTransport(ctx context.Context, cred *conduit.KeyCredential) (http.RoundTripper, error) {
	transport, err := cloudauth.NewGCPTokenTransport(ctx, f.opts.Client.Transport, []byte(cred.APIKey))
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "build gcp token source")
	}
	return transport, nil
}
