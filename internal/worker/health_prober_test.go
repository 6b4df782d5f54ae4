package worker

import (
	"context"
	"sync"
	"testing"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/testutil"
)

type fakeProviderLister struct {
	providers []*conduit.Provider
}

func (f *fakeProviderLister) ListProviders(context.Context) ([]*conduit.Provider, error) {
	return f.providers, nil
}

type fakeClientSource struct {
	clients map[string]conduit.Client // keyed by provider id
	errs    map[string]error
}

func (f *fakeClientSource) GetClientByProviderID(_ context.Context, id string) (conduit.Client, error) {
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return f.clients[id], nil
}

type fakeProbeSink struct {
	mu          sync.Mutex
	deployments map[string][]conduit.Deployment // keyed by provider name
	probes      map[string][]error              // keyed by deployment id
}

func (f *fakeProbeSink) DeploymentsForProvider(name string) []conduit.Deployment {
	return f.deployments[name]
}

func (f *fakeProbeSink) RecordProbe(deploymentID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probes == nil {
		f.probes = make(map[string][]error)
	}
	f.probes[deploymentID] = append(f.probes[deploymentID], err)
}

func (f *fakeProbeSink) probed(deploymentID string) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes[deploymentID]
}

func TestHealthProber_RecordsSuccess(t *testing.T) {
	t.Parallel()
	store := &fakeProviderLister{providers: []*conduit.Provider{
		{ID: "p1", Name: "openai", Enabled: true},
	}}
	clients := &fakeClientSource{clients: map[string]conduit.Client{
		"p1": &testutil.FakeClient{ProviderName: "openai"},
	}}
	sink := &fakeProbeSink{deployments: map[string][]conduit.Deployment{
		"openai": {{ID: "d1", ProviderName: "openai"}, {ID: "d2", ProviderName: "openai"}},
	}}

	w := NewHealthProber(store, clients, sink)
	w.probeAll(context.Background())

	for _, id := range []string{"d1", "d2"} {
		probes := sink.probed(id)
		if len(probes) != 1 {
			t.Fatalf("deployment %s: %d probes, want 1", id, len(probes))
		}
		if probes[0] != nil {
			t.Errorf("deployment %s: probe error %v, want nil", id, probes[0])
		}
	}
}

func TestHealthProber_RecordsFailure(t *testing.T) {
	t.Parallel()
	store := &fakeProviderLister{providers: []*conduit.Provider{
		{ID: "p1", Name: "anthropic", Enabled: true},
	}}
	clients := &fakeClientSource{clients: map[string]conduit.Client{
		"p1": &testutil.FakeClient{
			ProviderName: "anthropic",
			VerifyFn: func(context.Context) (*conduit.AuthCheck, error) {
				return nil, conduit.Errorf(conduit.KindCommunication, "connection refused")
			},
		},
	}}
	sink := &fakeProbeSink{deployments: map[string][]conduit.Deployment{
		"anthropic": {{ID: "d1", ProviderName: "anthropic"}},
	}}

	w := NewHealthProber(store, clients, sink)
	w.probeAll(context.Background())

	probes := sink.probed("d1")
	if len(probes) != 1 {
		t.Fatalf("%d probes, want 1", len(probes))
	}
	if conduit.KindOf(probes[0]) != conduit.KindCommunication {
		t.Errorf("probe kind = %v, want communication", conduit.KindOf(probes[0]))
	}
}

func TestHealthProber_RejectedCredentialIsAuthError(t *testing.T) {
	t.Parallel()
	store := &fakeProviderLister{providers: []*conduit.Provider{
		{ID: "p1", Name: "groq", Enabled: true},
	}}
	clients := &fakeClientSource{clients: map[string]conduit.Client{
		"p1": &testutil.FakeClient{
			ProviderName: "groq",
			VerifyFn: func(context.Context) (*conduit.AuthCheck, error) {
				return &conduit.AuthCheck{OK: false, Details: "invalid api key"}, nil
			},
		},
	}}
	sink := &fakeProbeSink{deployments: map[string][]conduit.Deployment{
		"groq": {{ID: "d1", ProviderName: "groq"}},
	}}

	w := NewHealthProber(store, clients, sink)
	w.probeAll(context.Background())

	probes := sink.probed("d1")
	if len(probes) != 1 {
		t.Fatalf("%d probes, want 1", len(probes))
	}
	if conduit.KindOf(probes[0]) != conduit.KindAuthentication {
		t.Errorf("probe kind = %v, want authentication", conduit.KindOf(probes[0]))
	}
}

func TestHealthProber_SkipsDisabledAndUnrouted(t *testing.T) {
	t.Parallel()
	store := &fakeProviderLister{providers: []*conduit.Provider{
		{ID: "p1", Name: "disabled", Enabled: false},
		{ID: "p2", Name: "unrouted", Enabled: true},
	}}
	var built int
	clients := &fakeClientSource{clients: map[string]conduit.Client{}}
	clientsWrapped := clientSourceFunc(func(ctx context.Context, id string) (conduit.Client, error) {
		built++
		return clients.GetClientByProviderID(ctx, id)
	})
	sink := &fakeProbeSink{deployments: map[string][]conduit.Deployment{
		"disabled": {{ID: "d1"}},
		// "unrouted" has no deployments.
	}}

	w := NewHealthProber(store, clientsWrapped, sink)
	w.probeAll(context.Background())

	if built != 0 {
		t.Errorf("built %d clients, want 0 (disabled and unrouted providers skip the round trip)", built)
	}
	if probes := sink.probed("d1"); len(probes) != 0 {
		t.Errorf("disabled provider was probed %d times", len(probes))
	}
}

type clientSourceFunc func(ctx context.Context, id string) (conduit.Client, error)

func (f clientSourceFunc) GetClientByProviderID(ctx context.Context, id string) (conduit.Client, error) {
	return f(ctx, id)
}

func TestHealthProber_RunCancelledContext(t *testing.T) {
	t.Parallel()
	store := &fakeProviderLister{}
	clients := &fakeClientSource{}
	sink := &fakeProbeSink{}

	w := NewHealthProber(store, clients, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Errorf("Run should return nil on cancelled context, got %v", err)
	}
}
