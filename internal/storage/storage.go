// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	conduit "github.com/knnlabs/conduit/internal"
)

// CatalogStore persists the provider catalog: providers, their credentials,
// model mappings, tariffs, and the display hierarchy. Lookups that match
// nothing return conduit.ErrNotFound.
type CatalogStore interface {
	CreateProvider(ctx context.Context, p *conduit.Provider) error
	GetProvider(ctx context.Context, id string) (*conduit.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*conduit.Provider, error)
	ListProviders(ctx context.Context) ([]*conduit.Provider, error)
	ListProvidersByType(ctx context.Context, t conduit.ProviderType) ([]*conduit.Provider, error)
	UpdateProvider(ctx context.Context, p *conduit.Provider) error
	DeleteProvider(ctx context.Context, id string) error

	CreateCredential(ctx context.Context, c *conduit.KeyCredential) error
	ListCredentials(ctx context.Context, providerID string) ([]conduit.KeyCredential, error)
	UpdateCredential(ctx context.Context, c *conduit.KeyCredential) error
	DeleteCredential(ctx context.Context, id string) error

	CreateMapping(ctx context.Context, m *conduit.ModelMapping) error
	GetMappingByAlias(ctx context.Context, alias string) (*conduit.ModelMapping, error)
	ListMappings(ctx context.Context) ([]*conduit.ModelMapping, error)
	UpdateMapping(ctx context.Context, m *conduit.ModelMapping) error
	DeleteMapping(ctx context.Context, id string) error

	UpsertModelCost(ctx context.Context, c *conduit.ModelCost) error
	GetModelCost(ctx context.Context, modelID string) (*conduit.ModelCost, error)
	ListModelCosts(ctx context.Context) ([]*conduit.ModelCost, error)

	UpsertAuthor(ctx context.Context, a *conduit.ModelAuthor) error
	UpsertSeries(ctx context.Context, s *conduit.ModelSeries) error
	UpsertModel(ctx context.Context, m *conduit.Model) error
	ListCatalogModels(ctx context.Context) ([]*conduit.Model, error)
}

// VirtualKeyStore persists inbound gateway keys.
type VirtualKeyStore interface {
	CreateVirtualKey(ctx context.Context, k *conduit.VirtualKey) error
	GetVirtualKeyByHash(ctx context.Context, hash string) (*conduit.VirtualKey, error)
	ListVirtualKeys(ctx context.Context) ([]*conduit.VirtualKey, error)
	UpdateVirtualKey(ctx context.Context, k *conduit.VirtualKey) error
	DeleteVirtualKey(ctx context.Context, id string) error
	TouchVirtualKeyUsed(ctx context.Context, id string) error
}

// DeploymentStore persists router deployments and per-model fallback chains.
type DeploymentStore interface {
	UpsertDeployment(ctx context.Context, d *conduit.Deployment) error
	ListDeployments(ctx context.Context) ([]*conduit.Deployment, error)
	ListDeploymentsByModel(ctx context.Context, model string) ([]*conduit.Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error

	ReplaceFallbacks(ctx context.Context, model string, alternates []string) error
	ListFallbacks(ctx context.Context) (map[string][]string, error)
}

// UsageStore persists usage records and their hourly aggregates.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []conduit.UsageRecord) error
	QueryUsage(ctx context.Context, filter conduit.UsageFilter) ([]conduit.UsageRecord, error)
	UpsertRollups(ctx context.Context, rollups []conduit.UsageRollup) error
	SummarizeUsage(ctx context.Context, filter conduit.UsageFilter) (*conduit.UsageSummary, error)
}

// Store combines all storage interfaces.
type Store interface {
	CatalogStore
	VirtualKeyStore
	DeploymentStore
	UsageStore

	// OnCatalogChange registers fn to run after a provider, credential, or
	// mapping mutation commits, with the affected provider id. Consumers
	// use it to drop cached clients and credentials.
	OnCatalogChange(fn func(providerID string))

	Close() error
}
