// Package compat builds clients for providers that speak the plain OpenAI
// dialect, differing only in base URL, auth scheme, supported modalities,
// and error wording. Each entry in the fleet table configures the shared
// openaicompat core; Ollama additionally overrides model listing with its
// native tags endpoint.
package compat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/provider/openaicompat"
)

// fleet is the defaults table for OpenAI-compatible providers. BaseURL is
// the public endpoint; a provider record with its own base URL overrides it.
var fleet = map[conduit.ProviderType]openaicompat.Config{
	conduit.ProviderGroq: {
		ProviderName: "groq",
		BaseURL:      "https://api.groq.com/openai/v1",
		NoEmbeddings: true,
		NoImages:     true,
		ErrorPhrases: []provider.PhraseRule{
			{Substring: "organization_restricted", Kind: conduit.KindAuthentication},
			{Substring: "model_terms_required", Kind: conduit.KindInvalidModel},
		},
	},
	conduit.ProviderMistral: {
		ProviderName: "mistral",
		BaseURL:      "https://api.mistral.ai/v1",
		NoImages:     true,
		ErrorPhrases: []provider.PhraseRule{
			{Substring: "capacity exceeded", Kind: conduit.KindRateLimited},
		},
	},
	conduit.ProviderFireworks: {
		ProviderName: "fireworks",
		BaseURL:      "https://api.fireworks.ai/inference/v1",
		NoImages:     true,
		ErrorPhrases: []provider.PhraseRule{
			{Substring: "not deployed", Kind: conduit.KindInvalidModel},
		},
	},
	conduit.ProviderDeepInfra: {
		ProviderName: "deepinfra",
		BaseURL:      "https://api.deepinfra.com/v1/openai",
		NoImages:     true,
	},
	conduit.ProviderSambaNova: {
		ProviderName: "sambanova",
		BaseURL:      "https://api.sambanova.ai/v1",
		NoImages:     true,
	},
	conduit.ProviderCerebras: {
		ProviderName: "cerebras",
		BaseURL:      "https://api.cerebras.ai/v1",
		NoEmbeddings: true,
		NoImages:     true,
	},
	conduit.ProviderOpenRouter: {
		ProviderName: "openrouter",
		BaseURL:      "https://openrouter.ai/api/v1",
		NoEmbeddings: true,
		NoImages:     true,
		// Attribution headers; OpenRouter uses them for app rankings.
		ExtraHeaders: map[string]string{
			"HTTP-Referer": "https://github.com/knnlabs/conduit",
			"X-Title":      "Conduit",
		},
		ErrorPhrases: []provider.PhraseRule{
			{Substring: "insufficient credits", Kind: conduit.KindAuthentication},
			{Substring: "no endpoints found", Kind: conduit.KindInvalidModel},
		},
	},
	conduit.ProviderOllama: {
		ProviderName: "ollama",
		BaseURL:      "http://localhost:11434",
		EnsureV1:     true,
		NoImages:     true,
	},
	conduit.ProviderHuggingFace: {
		ProviderName: "huggingface",
		BaseURL:      "https://router.huggingface.co/v1",
		NoEmbeddings: true,
		NoImages:     true,
		ErrorPhrases: []provider.PhraseRule{
			{Substring: "is currently loading", Kind: conduit.KindRateLimited},
		},
	},
	conduit.ProviderOpenAICompatible: {
		ProviderName: "openai-compatible",
		// No public default; the provider record must supply a base URL.
		EnsureV1: true,
	},
}

// New builds a client for one of the fleet providers. baseURL overrides the
// table default when non-empty; the generic openai-compatible type requires
// it.
func New(t conduit.ProviderType, baseURL, apiKey string, opts provider.Options) (conduit.Client, error) {
	cfg, ok := fleet[t]
	if !ok {
		return nil, conduit.Errorf(conduit.KindConfiguration, "compat: provider type %q has no defaults", t)
	}
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if cfg.BaseURL == "" {
		return nil, conduit.Errorf(conduit.KindConfiguration, "compat: provider type %q requires a base URL", t)
	}

	core := openaicompat.New(cfg, apiKey, opts)
	if t == conduit.ProviderOllama {
		return &ollamaClient{Client: core, root: strings.TrimSuffix(core.Config().BaseURL, "/v1")}, nil
	}
	return core, nil
}

// Types lists the provider types this package serves.
func Types() []conduit.ProviderType {
	ts := make([]conduit.ProviderType, 0, len(fleet))
	for _, t := range conduit.ProviderTypes {
		if _, ok := fleet[t]; ok {
			ts = append(ts, t)
		}
	}
	return ts
}

// ollamaClient overrides model listing with the native tags endpoint, which
// reports every pulled model; Ollama's /v1/models mirrors it but omits
// models mid-pull.
type ollamaClient struct {
	*openaicompat.Client
	root string
}

func (c *ollamaClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.root+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}

	resp, err := c.HTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError("ollama", "", resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}

	var ids []string
	gjson.ParseBytes(body).Get("models").ForEach(func(_, model gjson.Result) bool {
		ids = append(ids, model.Get("name").String())
		return true
	})
	return ids, nil
}

// VerifyAuthentication probes the tags endpoint; local instances have no
// credential to check, so reachability is the signal.
func (c *ollamaClient) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	start := time.Now()
	_, err := c.ListModels(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &conduit.AuthCheck{LatencyMS: latency, Details: err.Error()}, nil
	}
	return &conduit.AuthCheck{OK: true, LatencyMS: latency}, nil
}
