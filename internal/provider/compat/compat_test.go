package compat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

var testOpts = provider.Options{
	Retry: retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
}

func TestFleetDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		providerType conduit.ProviderType
		wantName     string
	}{
		{conduit.ProviderGroq, "groq"},
		{conduit.ProviderMistral, "mistral"},
		{conduit.ProviderFireworks, "fireworks"},
		{conduit.ProviderDeepInfra, "deepinfra"},
		{conduit.ProviderSambaNova, "sambanova"},
		{conduit.ProviderCerebras, "cerebras"},
		{conduit.ProviderOpenRouter, "openrouter"},
		{conduit.ProviderOllama, "ollama"},
		{conduit.ProviderHuggingFace, "huggingface"},
	}
	for _, tt := range tests {
		client, err := New(tt.providerType, "", "key", testOpts)
		if err != nil {
			t.Fatalf("New(%s): %v", tt.providerType, err)
		}
		if got := client.Name(); got != tt.wantName {
			t.Errorf("Name() = %q, want %q", got, tt.wantName)
		}
	}
}

func TestNewUnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(conduit.ProviderAnthropic, "", "key", testOpts)
	if err == nil {
		t.Fatal("expected error for a non-fleet type")
	}
	if kind := conduit.KindOf(err); kind != conduit.KindConfiguration {
		t.Errorf("kind = %v, want KindConfiguration", kind)
	}
}

func TestGenericRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(conduit.ProviderOpenAICompatible, "", "key", testOpts)
	if err == nil {
		t.Fatal("expected error without a base URL")
	}

	client, err := New(conduit.ProviderOpenAICompatible, "http://localhost:8080", "key", testOpts)
	if err != nil {
		t.Fatalf("New with base URL: %v", err)
	}
	if client.Name() != "openai-compatible" {
		t.Errorf("Name() = %q", client.Name())
	}
}

func TestTypes(t *testing.T) {
	t.Parallel()

	ts := Types()
	if len(ts) != 10 {
		t.Errorf("Types() has %d entries, want 10", len(ts))
	}
	for _, typ := range ts {
		if _, err := New(typ, "http://localhost:9", "k", testOpts); err != nil {
			t.Errorf("New(%s): %v", typ, err)
		}
	}
}

func TestGroqUnsupportedModalities(t *testing.T) {
	t.Parallel()

	client, err := New(conduit.ProviderGroq, "", "key", testOpts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.CreateEmbedding(context.Background(), &conduit.EmbeddingRequest{Model: "m"}); conduit.KindOf(err) != conduit.KindUnsupported {
		t.Errorf("CreateEmbedding kind = %v, want KindUnsupported", conduit.KindOf(err))
	}
	if _, err := client.CreateImage(context.Background(), &conduit.ImageRequest{Model: "m", Prompt: "p"}); conduit.KindOf(err) != conduit.KindUnsupported {
		t.Errorf("CreateImage kind = %v, want KindUnsupported", conduit.KindOf(err))
	}
}

func TestOpenRouterAttributionHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("HTTP-Referer") == "" || r.Header.Get("X-Title") == "" {
			t.Error("missing attribution headers")
		}
		fmt.Fprint(w, `{"id":"1","model":"meta-llama/llama-3-70b","choices":[]}`)
	}))
	defer srv.Close()

	client, err := New(conduit.ProviderOpenRouter, srv.URL, "key", testOpts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "meta-llama/llama-3-70b",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
}

func TestGroqErrorPhrase(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"organization_restricted: contact support"}}`)
	}))
	defer srv.Close()

	client, err := New(conduit.ProviderGroq, srv.URL, "key", testOpts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "llama-3.1-8b-instant",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if kind := conduit.KindOf(err); kind != conduit.KindAuthentication {
		t.Errorf("kind = %v, want KindAuthentication", kind)
	}
}

func TestOllamaListModels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest","size":123},{"name":"qwen2.5-coder:7b","size":456}]}`)
	}))
	defer srv.Close()

	client, err := New(conduit.ProviderOllama, srv.URL+"/v1", "", testOpts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3.2:latest" {
		t.Errorf("models = %v", models)
	}
}

func TestOllamaVerifyAuthentication(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	client, err := New(conduit.ProviderOllama, srv.URL+"/v1", "", testOpts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	check, err := client.VerifyAuthentication(context.Background())
	if err != nil {
		t.Fatalf("VerifyAuthentication: %v", err)
	}
	if !check.OK {
		t.Errorf("OK = false, details %q", check.Details)
	}
}

func TestOllamaChatPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("keyless ollama sent Authorization %q", got)
		}
		fmt.Fprint(w, `{"id":"1","model":"llama3.2","choices":[]}`)
	}))
	defer srv.Close()

	client, err := New(conduit.ProviderOllama, srv.URL+"/v1", "", testOpts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.CreateChatCompletion(context.Background(), &conduit.ChatRequest{
		Model:    "llama3.2",
		Messages: []conduit.Message{{Role: "user", Content: conduit.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion: %v", err)
	}
}
