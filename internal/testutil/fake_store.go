package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu          sync.RWMutex
	providers   map[string]*conduit.Provider
	credentials map[string][]conduit.KeyCredential // keyed by provider id
	mappings    map[string]*conduit.ModelMapping   // keyed by alias
	costs       map[string]*conduit.ModelCost      // keyed by model id
	authors     map[string]*conduit.ModelAuthor
	series      map[string]*conduit.ModelSeries
	models      map[string]*conduit.Model
	keys        map[string]*conduit.VirtualKey // keyed by hash
	deployments map[string]*conduit.Deployment
	fallbacks   map[string][]string
	usage       []conduit.UsageRecord
	rollups     []conduit.UsageRollup
	listeners   []func(providerID string)

	// Err, when non-nil, is returned by every method. Use it to exercise
	// storage failure paths.
	Err error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		providers:   make(map[string]*conduit.Provider),
		credentials: make(map[string][]conduit.KeyCredential),
		mappings:    make(map[string]*conduit.ModelMapping),
		costs:       make(map[string]*conduit.ModelCost),
		authors:     make(map[string]*conduit.ModelAuthor),
		series:      make(map[string]*conduit.ModelSeries),
		models:      make(map[string]*conduit.Model),
		keys:        make(map[string]*conduit.VirtualKey),
		deployments: make(map[string]*conduit.Deployment),
		fallbacks:   make(map[string][]string),
	}
}

// Seed inserts records without notifying catalog listeners.
func (s *FakeStore) Seed(providers []*conduit.Provider, creds []conduit.KeyCredential, mappings []*conduit.ModelMapping) *FakeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range providers {
		cp := *p
		s.providers[p.ID] = &cp
	}
	for _, c := range creds {
		s.credentials[c.ProviderID] = append(s.credentials[c.ProviderID], c)
	}
	for _, m := range mappings {
		cm := *m
		s.mappings[m.Alias] = &cm
	}
	return s
}

func (s *FakeStore) notify(providerID string) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(providerID)
	}
}

// --- CatalogStore: providers ---

func (s *FakeStore) CreateProvider(_ context.Context, p *conduit.Provider) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cp := *p
	s.providers[p.ID] = &cp
	s.mu.Unlock()
	s.notify(p.ID)
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*conduit.Provider, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) GetProviderByName(_ context.Context, name string) (*conduit.Provider, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, conduit.ErrNotFound
}

func (s *FakeStore) ListProviders(context.Context) ([]*conduit.Provider, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FakeStore) ListProvidersByType(_ context.Context, t conduit.ProviderType) ([]*conduit.Provider, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conduit.Provider
	for _, p := range s.providers {
		if p.Type == t {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *conduit.Provider) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	if _, ok := s.providers[p.ID]; !ok {
		s.mu.Unlock()
		return conduit.ErrNotFound
	}
	cp := *p
	s.providers[p.ID] = &cp
	s.mu.Unlock()
	s.notify(p.ID)
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	delete(s.providers, id)
	delete(s.credentials, id)
	s.mu.Unlock()
	s.notify(id)
	return nil
}

// --- CatalogStore: credentials ---

func (s *FakeStore) CreateCredential(_ context.Context, c *conduit.KeyCredential) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.credentials[c.ProviderID] = append(s.credentials[c.ProviderID], *c)
	s.mu.Unlock()
	s.notify(c.ProviderID)
	return nil
}

func (s *FakeStore) ListCredentials(_ context.Context, providerID string) ([]conduit.KeyCredential, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]conduit.KeyCredential(nil), s.credentials[providerID]...), nil
}

func (s *FakeStore) UpdateCredential(_ context.Context, c *conduit.KeyCredential) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	creds := s.credentials[c.ProviderID]
	for i := range creds {
		if creds[i].ID == c.ID {
			creds[i] = *c
			break
		}
	}
	s.mu.Unlock()
	s.notify(c.ProviderID)
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	var providerID string
	for pid, creds := range s.credentials {
		for i := range creds {
			if creds[i].ID == id {
				s.credentials[pid] = append(creds[:i], creds[i+1:]...)
				providerID = pid
				break
			}
		}
	}
	s.mu.Unlock()
	if providerID != "" {
		s.notify(providerID)
	}
	return nil
}

// --- CatalogStore: mappings ---

func (s *FakeStore) CreateMapping(_ context.Context, m *conduit.ModelMapping) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cm := *m
	s.mappings[m.Alias] = &cm
	s.mu.Unlock()
	s.notify(m.ProviderID)
	return nil
}

func (s *FakeStore) GetMappingByAlias(_ context.Context, alias string) (*conduit.ModelMapping, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[alias]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cm := *m
	return &cm, nil
}

func (s *FakeStore) ListMappings(context.Context) ([]*conduit.ModelMapping, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.ModelMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		cm := *m
		out = append(out, &cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (s *FakeStore) UpdateMapping(_ context.Context, m *conduit.ModelMapping) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	for alias, old := range s.mappings {
		if old.ID == m.ID {
			delete(s.mappings, alias)
			break
		}
	}
	cm := *m
	s.mappings[m.Alias] = &cm
	s.mu.Unlock()
	s.notify(m.ProviderID)
	return nil
}

func (s *FakeStore) DeleteMapping(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	var providerID string
	for alias, m := range s.mappings {
		if m.ID == id {
			providerID = m.ProviderID
			delete(s.mappings, alias)
			break
		}
	}
	s.mu.Unlock()
	if providerID != "" {
		s.notify(providerID)
	}
	return nil
}

// --- CatalogStore: tariffs and model hierarchy ---

func (s *FakeStore) UpsertModelCost(_ context.Context, c *conduit.ModelCost) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cc := *c
	s.costs[c.ModelID] = &cc
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetModelCost(_ context.Context, modelID string) (*conduit.ModelCost, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.costs[modelID]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *FakeStore) ListModelCosts(context.Context) ([]*conduit.ModelCost, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.ModelCost, 0, len(s.costs))
	for _, c := range s.costs {
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *FakeStore) UpsertAuthor(_ context.Context, a *conduit.ModelAuthor) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	ca := *a
	s.authors[a.ID] = &ca
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) UpsertSeries(_ context.Context, sr *conduit.ModelSeries) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cs := *sr
	s.series[sr.ID] = &cs
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) UpsertModel(_ context.Context, m *conduit.Model) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cm := *m
	s.models[m.ID] = &cm
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListCatalogModels(context.Context) ([]*conduit.Model, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.Model, 0, len(s.models))
	for _, m := range s.models {
		cm := *m
		out = append(out, &cm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- VirtualKeyStore ---

func (s *FakeStore) CreateVirtualKey(_ context.Context, k *conduit.VirtualKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	ck := *k
	s.keys[k.KeyHash] = &ck
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetVirtualKeyByHash(_ context.Context, hash string) (*conduit.VirtualKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[hash]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	ck := *k
	return &ck, nil
}

func (s *FakeStore) ListVirtualKeys(context.Context) ([]*conduit.VirtualKey, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.VirtualKey, 0, len(s.keys))
	for _, k := range s.keys {
		ck := *k
		out = append(out, &ck)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FakeStore) UpdateVirtualKey(_ context.Context, k *conduit.VirtualKey) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, old := range s.keys {
		if old.ID == k.ID {
			delete(s.keys, hash)
			break
		}
	}
	ck := *k
	s.keys[k.KeyHash] = &ck
	return nil
}

func (s *FakeStore) DeleteVirtualKey(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, k := range s.keys {
		if k.ID == id {
			delete(s.keys, hash)
			break
		}
	}
	return nil
}

func (s *FakeStore) TouchVirtualKeyUsed(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			now := time.Now()
			k.LastUsedAt = &now
			break
		}
	}
	return nil
}

// --- DeploymentStore ---

func (s *FakeStore) UpsertDeployment(_ context.Context, d *conduit.Deployment) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	cd := *d
	s.deployments[d.ID] = &cd
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListDeployments(context.Context) ([]*conduit.Deployment, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		cd := *d
		out = append(out, &cd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) ListDeploymentsByModel(_ context.Context, model string) ([]*conduit.Deployment, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conduit.Deployment
	for _, d := range s.deployments {
		if d.ModelName == model {
			cd := *d
			out = append(out, &cd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FakeStore) DeleteDeployment(_ context.Context, id string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	delete(s.deployments, id)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ReplaceFallbacks(_ context.Context, model string, alternates []string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	if len(alternates) == 0 {
		delete(s.fallbacks, model)
	} else {
		s.fallbacks[model] = append([]string(nil), alternates...)
	}
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListFallbacks(context.Context) (map[string][]string, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.fallbacks))
	for model, alts := range s.fallbacks {
		out[model] = append([]string(nil), alts...)
	}
	return out, nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []conduit.UsageRecord) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.usage = append(s.usage, records...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) QueryUsage(_ context.Context, filter conduit.UsageFilter) ([]conduit.UsageRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []conduit.UsageRecord
	for _, r := range s.usage {
		if !matchUsage(r, filter) {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *FakeStore) UpsertRollups(_ context.Context, rollups []conduit.UsageRollup) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	s.rollups = append(s.rollups, rollups...)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) SummarizeUsage(_ context.Context, filter conduit.UsageFilter) (*conduit.UsageSummary, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum conduit.UsageSummary
	for _, r := range s.usage {
		if !matchUsage(r, filter) {
			continue
		}
		sum.Requests++
		if r.ErrorKind != "" {
			sum.Errors++
		}
		sum.PromptTokens += int64(r.PromptTokens)
		sum.CompletionTokens += int64(r.CompletionTokens)
		sum.TotalTokens += int64(r.TotalTokens)
		sum.CostUSD = sum.CostUSD.Add(r.CostUSD)
	}
	return &sum, nil
}

func matchUsage(r conduit.UsageRecord, f conduit.UsageFilter) bool {
	if f.VirtualKeyID != "" && r.VirtualKeyID != f.VirtualKeyID {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// UsageRecords returns a copy of everything inserted so far.
func (s *FakeStore) UsageRecords() []conduit.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]conduit.UsageRecord(nil), s.usage...)
}

// Rollups returns a copy of every rollup upserted so far.
func (s *FakeStore) Rollups() []conduit.UsageRollup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]conduit.UsageRollup(nil), s.rollups...)
}

// --- Store ---

func (s *FakeStore) OnCatalogChange(fn func(providerID string)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *FakeStore) Close() error { return nil }
