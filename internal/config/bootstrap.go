package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/storage"
)

// Bootstrap seeds the catalog from the config file. Catalog records
// (providers, credentials, mappings, tariffs, keys) are created only when
// absent, keyed by their natural identity, so runtime edits survive
// restarts. Routing deployments and fallback chains are replaced: the file
// stays authoritative for capacity.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	providerIDs, err := seedProviders(ctx, cfg, store)
	if err != nil {
		return err
	}
	if err := seedMappings(ctx, cfg, store, providerIDs); err != nil {
		return err
	}
	if err := seedTariffs(ctx, cfg, store); err != nil {
		return err
	}
	if err := seedRouting(ctx, cfg, store); err != nil {
		return err
	}
	return seedKeys(ctx, cfg, store)
}

// seedProviders creates missing providers and credentials, returning the
// id of every provider named in the config.
func seedProviders(ctx context.Context, cfg *Config, store storage.Store) (map[string]string, error) {
	ids := make(map[string]string, len(cfg.Providers))
	for _, entry := range cfg.Providers {
		typ, err := conduit.ParseProviderType(entry.ResolvedType())
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", entry.Name, err)
		}

		p, _ := store.GetProviderByName(ctx, entry.Name)
		if p == nil {
			p = &conduit.Provider{
				ID:      uuid.Must(uuid.NewV7()).String(),
				Name:    entry.Name,
				Type:    typ,
				BaseURL: entry.BaseURL,
				Enabled: entry.IsEnabled(),
			}
			if err := store.CreateProvider(ctx, p); err != nil {
				return nil, fmt.Errorf("seed provider %q: %w", entry.Name, err)
			}
			slog.Info("bootstrapped provider", "name", entry.Name, "type", typ)
		}
		ids[entry.Name] = p.ID

		if err := seedCredentials(ctx, store, p.ID, entry); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// seedCredentials adds the entry's credentials that are not yet stored.
// An existing credential with the same key material counts as present.
func seedCredentials(ctx context.Context, store storage.Store, providerID string, entry ProviderEntry) error {
	wanted := entry.ResolvedCredentials()
	if len(wanted) == 0 {
		return nil
	}
	existing, err := store.ListCredentials(ctx, providerID)
	if err != nil {
		return fmt.Errorf("list credentials for %q: %w", entry.Name, err)
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.APIKey] = true
	}

	for _, c := range wanted {
		if c.APIKey != "" && seen[c.APIKey] {
			continue
		}
		cred := &conduit.KeyCredential{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ProviderID: providerID,
			APIKey:     c.APIKey,
			SecretKey:  c.SecretKey,
			APIVersion: c.APIVersion,
			Region:     c.Region,
			Account:    c.Account,
			Primary:    c.Primary,
			Enabled:    c.IsEnabled(),
		}
		if err := store.CreateCredential(ctx, cred); err != nil {
			return fmt.Errorf("seed credential for %q: %w", entry.Name, err)
		}
		slog.Info("bootstrapped credential", "provider", entry.Name, "primary", c.Primary)
	}
	return nil
}

func seedMappings(ctx context.Context, cfg *Config, store storage.Store, providerIDs map[string]string) error {
	for _, entry := range cfg.Mappings {
		pid, ok := providerIDs[entry.Provider]
		if !ok {
			// The mapping may target a provider created outside the file.
			p, _ := store.GetProviderByName(ctx, entry.Provider)
			if p == nil {
				return fmt.Errorf("mapping %q: unknown provider %q", entry.Alias, entry.Provider)
			}
			pid = p.ID
		}

		existing, _ := store.GetMappingByAlias(ctx, entry.Alias)
		if existing != nil {
			continue
		}
		m := &conduit.ModelMapping{
			ID:              uuid.Must(uuid.NewV7()).String(),
			Alias:           entry.Alias,
			ProviderID:      pid,
			ProviderModelID: entry.ProviderModelID,
			Enabled:         entry.IsEnabled(),
		}
		if err := store.CreateMapping(ctx, m); err != nil {
			return fmt.Errorf("seed mapping %q: %w", entry.Alias, err)
		}
		slog.Info("bootstrapped mapping", "alias", entry.Alias, "provider", entry.Provider)
	}
	return nil
}

func seedTariffs(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, entry := range cfg.Tariffs {
		existing, _ := store.GetModelCost(ctx, entry.Model)
		if existing != nil {
			continue
		}
		c, err := tariffCost(entry)
		if err != nil {
			return err
		}
		if err := store.UpsertModelCost(ctx, c); err != nil {
			return fmt.Errorf("seed tariff %q: %w", entry.Model, err)
		}
		slog.Info("bootstrapped tariff", "model", entry.Model)
	}
	return nil
}

// tariffCost converts a config tariff into a catalog cost record.
func tariffCost(entry TariffEntry) (*conduit.ModelCost, error) {
	c := &conduit.ModelCost{
		ID:                    uuid.Must(uuid.NewV7()).String(),
		ModelID:               entry.Model,
		DefaultInferenceSteps: entry.DefaultInferenceSteps,
	}
	for _, r := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"input_per_million", entry.InputPerMillion, &c.InputPerMillion},
		{"output_per_million", entry.OutputPerMillion, &c.OutputPerMillion},
		{"cached_input_per_million", entry.CachedInputPerMillion, &c.CachedInputPerMillion},
		{"cached_input_write_per_million", entry.CachedInputWritePerMillion, &c.CachedInputWritePerMillion},
		{"embedding_per_million", entry.EmbeddingPerMillion, &c.EmbeddingPerMillion},
		{"image_per_image", entry.ImagePerImage, &c.ImagePerImage},
		{"video_per_second", entry.VideoPerSecond, &c.VideoPerSecond},
		{"cost_per_search_unit", entry.CostPerSearchUnit, &c.CostPerSearchUnit},
		{"cost_per_inference_step", entry.CostPerInferenceStep, &c.CostPerInferenceStep},
	} {
		if r.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(r.raw)
		if err != nil {
			return nil, fmt.Errorf("tariff %q: %s: %w", entry.Model, r.name, err)
		}
		*r.dst = d
	}

	var err error
	if c.ImageQualityMultipliers, err = parseRateMap(entry.ImageQualityMultipliers); err != nil {
		return nil, fmt.Errorf("tariff %q: image_quality_multipliers: %w", entry.Model, err)
	}
	if c.ImageResolutionMultipliers, err = parseRateMap(entry.ImageResolutionMultipliers); err != nil {
		return nil, fmt.Errorf("tariff %q: image_resolution_multipliers: %w", entry.Model, err)
	}
	return c, nil
}

func parseRateMap(raw map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

// parseRate converts a decimal string, treating "" as zero.
func parseRate(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func seedRouting(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, entry := range cfg.Router.Deployments {
		id := entry.DeploymentID()
		input, err := parseRate(entry.InputCostPer1K)
		if err != nil {
			return fmt.Errorf("deployment %q: input_cost_per_1k: %w", id, err)
		}
		output, err := parseRate(entry.OutputCostPer1K)
		if err != nil {
			return fmt.Errorf("deployment %q: output_cost_per_1k: %w", id, err)
		}
		d := &conduit.Deployment{
			ID:                 id,
			ModelName:          entry.Model,
			ProviderName:       entry.Provider,
			Weight:             entry.Weight,
			RPMLimit:           entry.RPMLimit,
			TPMLimit:           entry.TPMLimit,
			InputCostPer1K:     input,
			OutputCostPer1K:    output,
			Priority:           entry.Priority,
			Enabled:            entry.IsEnabled(),
			SupportsEmbeddings: entry.SupportsEmbeddings,
		}
		if err := store.UpsertDeployment(ctx, d); err != nil {
			return fmt.Errorf("seed deployment %q: %w", id, err)
		}
	}
	if len(cfg.Router.Deployments) > 0 {
		slog.Info("bootstrapped deployments", "count", len(cfg.Router.Deployments))
	}

	for model, alternates := range cfg.Router.Fallbacks {
		if err := store.ReplaceFallbacks(ctx, model, alternates); err != nil {
			return fmt.Errorf("seed fallbacks for %q: %w", model, err)
		}
	}
	return nil
}

func seedKeys(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, entry := range cfg.Keys {
		if entry.Key == "" {
			continue
		}
		hash := conduit.HashKey(entry.Key)

		existing, _ := store.GetVirtualKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}

		prefix := entry.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		rpm := entry.RPMLimit
		if rpm == 0 {
			rpm = cfg.Limits.DefaultKeyRPM
		}

		k := &conduit.VirtualKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			KeyHash:       hash,
			KeyPrefix:     prefix,
			Name:          entry.Name,
			AllowedModels: entry.AllowedModels,
			RPMLimit:      rpm,
			Enabled:       entry.IsEnabled(),
		}
		if err := store.CreateVirtualKey(ctx, k); err != nil {
			return fmt.Errorf("seed key %q: %w", entry.Name, err)
		}
		slog.Info("bootstrapped virtual key", "name", entry.Name, "prefix", prefix)
	}
	return nil
}

// GenerateKey creates a random virtual key and returns the plaintext.
// The caller is responsible for hashing and storing it.
func GenerateKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return conduit.VirtualKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
