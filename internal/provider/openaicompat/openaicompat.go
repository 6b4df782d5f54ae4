// Package openaicompat implements the shared core for providers that speak
// the OpenAI chat dialect. Concrete adapters supply a Config; the core owns
// endpoint construction, auth, retries, timeouts, SSE streaming, and error
// classification. Provider-specific behavior is expressed through Config
// fields and hooks rather than wrapper types.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/provider/sseutil"
	"github.com/knnlabs/conduit/internal/retry"
	"github.com/knnlabs/conduit/internal/urlutil"
)

// Config describes one OpenAI-compatible upstream. Zero values take the
// OpenAI defaults, so the minimal config is ProviderName + BaseURL + key.
type Config struct {
	ProviderName string
	BaseURL      string

	// AuthHeader/AuthPrefix select the credential scheme. Defaults:
	// "Authorization" with "Bearer ". An empty prefix on a custom header
	// sends the bare key (Azure's api-key).
	AuthHeader string
	AuthPrefix string

	// APIVersion, when set, is appended as an api-version query parameter
	// to every endpoint (Azure).
	APIVersion string

	ChatPath       string // default "chat/completions"
	EmbeddingsPath string // default "embeddings"
	ImagesPath     string // default "images/generations"
	ModelsPath     string // default "models"

	// EnsureV1 appends /v1 to BaseURL when the path lacks it. Used for
	// user-supplied base URLs of generic OpenAI-compatible servers.
	EnsureV1 bool

	// DisableModels marks upstreams without GET /models; ListModels then
	// returns ModelAllowlist and VerifyAuthentication probes reachability.
	DisableModels bool
	// NoEmbeddings / NoImages short-circuit modalities the upstream lacks
	// instead of surfacing its 404.
	NoEmbeddings bool
	NoImages     bool

	// ModelAllowlist is returned by ListModels when the endpoint is absent
	// upstream (DisableModels, or a 404/405 from a server that dropped it).
	ModelAllowlist []string

	// ErrorPhrases refine generic 4xx classification with provider-specific
	// wording; they run before the shared phrase table.
	ErrorPhrases []provider.PhraseRule

	// ExtraHeaders are set on every outbound request (OpenRouter attribution
	// headers, HuggingFace wait flags).
	ExtraHeaders map[string]string

	// MutateChat, when set, adjusts a copy of the chat request before
	// serialization (o-series token param renaming).
	MutateChat func(*conduit.ChatRequest)

	// Endpoint overrides URL construction entirely (Azure deployment paths).
	// baseURL is the normalized base, path the operation path, model the
	// request's model id.
	Endpoint func(baseURL, path, model string) string
}

// Client is the OpenAI-dialect adapter core. It implements conduit.Client.
type Client struct {
	cfg     Config
	http    *http.Client
	policy  retry.Policy
	timeout time.Duration
}

var _ conduit.Client = (*Client)(nil)

// New builds a Client for cfg authenticated with apiKey.
func New(cfg Config, apiKey string, opts provider.Options) *Client {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.AuthHeader == "Authorization" && cfg.AuthPrefix == "" {
		cfg.AuthPrefix = "Bearer "
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "chat/completions"
	}
	if cfg.EmbeddingsPath == "" {
		cfg.EmbeddingsPath = "embeddings"
	}
	if cfg.ImagesPath == "" {
		cfg.ImagesPath = "images/generations"
	}
	if cfg.ModelsPath == "" {
		cfg.ModelsPath = "models"
	}
	if cfg.EnsureV1 {
		cfg.BaseURL = urlutil.EnsureSegment(cfg.BaseURL, "v1")
	}

	auth := &cloudauth.APIKeyTransport{
		Key:        apiKey,
		HeaderName: cfg.AuthHeader,
		Prefix:     cfg.AuthPrefix,
		Base:       opts.Transport,
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: auth},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return c.cfg.ProviderName }

// Config returns the normalized configuration. Wrapping adapters use it to
// reach the resolved base URL.
func (c *Client) Config() Config { return c.cfg }

// HTTPClient exposes the authenticated HTTP client for adapters that add
// endpoints beyond the shared surface.
func (c *Client) HTTPClient() *http.Client { return c.http }

// URL builds the endpoint for path the same way the shared operations do,
// honoring the per-provider Endpoint override and api-version query.
func (c *Client) URL(path, model string) string { return c.url(path, model) }

// WithTimeout applies the per-request deadline to ctx. Adapters use it for
// the endpoints they add.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// url builds the endpoint for path, honoring the per-provider override and
// the api-version query.
func (c *Client) url(path, model string) string {
	if c.cfg.Endpoint != nil {
		return c.cfg.Endpoint(c.cfg.BaseURL, path, model)
	}
	u := urlutil.Combine(c.cfg.BaseURL, path)
	if c.cfg.APIVersion != "" {
		u = urlutil.AppendQueryString(u, "api-version", c.cfg.APIVersion)
	}
	return u
}

// CreateChatCompletion sends a non-streaming chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	outReq := *req
	outReq.Stream = false
	outReq.StreamOptions = nil
	if c.cfg.MutateChat != nil {
		c.cfg.MutateChat(&outReq)
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.ProviderName, err)
	}

	var out conduit.ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url(c.cfg.ChatPath, req.Model), req.Model, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamChatCompletion opens a streaming chat completion. The connection
// phase is retried on retryable failures; once the stream is established the
// raw SSE payloads are forwarded as-is. The channel is closed after the
// [DONE] sentinel or an error chunk.
func (c *Client) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &conduit.StreamOptions{IncludeUsage: true}
	}
	if c.cfg.MutateChat != nil {
		c.cfg.MutateChat(&outReq)
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.ProviderName, err)
	}
	endpoint := c.url(c.cfg.ChatPath, req.Model)

	var resp *http.Response
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", c.cfg.ProviderName, err)
		}
		c.setHeaders(httpReq)

		r, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s: do request: %w", c.cfg.ProviderName, err)
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			return provider.ParseAPIError(c.cfg.ProviderName, req.Model, r, c.cfg.ErrorPhrases...)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan conduit.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, c.cfg.ProviderName, resp, ch)
	return ch, nil
}

// CreateEmbedding generates embeddings for input text.
func (c *Client) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	if c.cfg.NoEmbeddings {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support embeddings", c.cfg.ProviderName)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.ProviderName, err)
	}

	var out conduit.EmbeddingResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url(c.cfg.EmbeddingsPath, req.Model), req.Model, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateImage generates images from a prompt.
func (c *Client) CreateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	if c.cfg.NoImages {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support image generation", c.cfg.ProviderName)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.cfg.ProviderName, err)
	}

	var out conduit.ImageResponse
	if err := c.doJSON(ctx, http.MethodPost, c.url(c.cfg.ImagesPath, req.Model), req.Model, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// listModelsResponse is the envelope returned by GET /models.
type listModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the model IDs the upstream offers, falling back to the
// configured allowlist when the endpoint is absent.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.cfg.DisableModels {
		return append([]string(nil), c.cfg.ModelAllowlist...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out listModelsResponse
	err := c.doJSON(ctx, http.MethodGet, c.url(c.cfg.ModelsPath, ""), "", nil, &out)
	if err != nil {
		if e, ok := conduit.AsError(err); ok && len(c.cfg.ModelAllowlist) > 0 &&
			(e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusMethodNotAllowed) {
			return append([]string(nil), c.cfg.ModelAllowlist...), nil
		}
		return nil, err
	}

	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

// VerifyAuthentication checks the configured credential with a minimal round
// trip: GET /models, or a HEAD reachability probe when the upstream has no
// models endpoint.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	method, target := http.MethodGet, c.url(c.cfg.ModelsPath, "")
	if c.cfg.DisableModels {
		method, target = http.MethodHead, c.cfg.BaseURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.cfg.ProviderName, err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, fmt.Errorf("%s: verify authentication: %w", c.cfg.ProviderName, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	check := &conduit.AuthCheck{LatencyMS: latency}
	switch {
	case c.cfg.DisableModels:
		// Any response means the deployment URL is reachable.
		check.OK = true
		check.Details = "reachable"
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		check.OK = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		check.Details = "authentication failed"
	default:
		check.Details = fmt.Sprintf("unexpected response: %d", resp.StatusCode)
	}
	return check, nil
}

// doJSON runs one JSON request with retry, decoding a 200 into out.
func (c *Client) doJSON(ctx context.Context, method, url, model string, payload []byte, out any) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return fmt.Errorf("%s: create request: %w", c.cfg.ProviderName, err)
		}
		c.setHeaders(httpReq)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%s: do request: %w", c.cfg.ProviderName, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(c.cfg.ProviderName, model, resp, c.cfg.ErrorPhrases...)
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, c.cfg.ProviderName+": decode response")
		}
		return nil
	})
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.ExtraHeaders {
		r.Header.Set(k, v)
	}
}
