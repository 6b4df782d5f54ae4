package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	providerName   = "anthropic"
)

// errorPhrases refine generic 4xx classification for Anthropic's wording.
var errorPhrases = []provider.PhraseRule{
	{Substring: "credit balance", Kind: conduit.KindAuthentication},
	{Substring: "prompt is too long", Kind: conduit.KindContextLength},
}

var _ conduit.Client = (*Client)(nil)

// Client is the conduit.Client adapter for direct Anthropic API access.
// Claude on Bedrock goes through the bedrock adapter instead.
type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	timeout time.Duration
}

// New builds a Client. An empty baseURL selects the public endpoint.
func New(baseURL, apiKey string, opts provider.Options) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	auth := &cloudauth.APIKeyTransport{
		Key:        apiKey,
		HeaderName: "x-api-key",
		Base:       opts.Transport,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: auth},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// CreateChatCompletion translates the request to the messages format, posts
// it, and translates the response back to the OpenAI shape.
func (c *Client) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	aReq, err := TranslateRequest(req)
	if err != nil {
		return nil, err
	}
	aReq.Stream = false

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "anthropic: marshal request")
	}

	var raw []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "anthropic: create request")
		}
		c.setHeaders(httpReq)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "anthropic: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, req.Model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "anthropic: read response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return TranslateResponse(raw)
}

// StreamChatCompletion opens a messages stream and relays it as OpenAI-format
// chunks. Retries cover connecting only; an established stream is never
// replayed.
func (c *Client) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	aReq, err := TranslateRequest(req)
	if err != nil {
		return nil, err
	}
	aReq.Stream = true

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "anthropic: marshal request")
	}

	var resp *http.Response
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "anthropic: create request")
		}
		c.setHeaders(httpReq)

		r, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "anthropic: send request")
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			return provider.ParseAPIError(providerName, req.Model, r, errorPhrases...)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan conduit.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch)
	return ch, nil
}

// CreateEmbedding is unsupported; Anthropic has no embeddings endpoint.
func (c *Client) CreateEmbedding(_ context.Context, _ *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "anthropic: embeddings not supported")
}

// CreateImage is unsupported.
func (c *Client) CreateImage(_ context.Context, _ *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "anthropic: image generation not supported")
}

// ListModels queries GET /models and returns the model IDs.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "anthropic: create request")
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "anthropic: list models")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, "", resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "anthropic: read response")
	}

	var models []string
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			models = append(models, id)
		}
		return true
	})
	return models, nil
}

// VerifyAuthentication round-trips the models endpoint with the configured
// key.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "anthropic: create request")
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "anthropic: verify credentials")
	}
	defer resp.Body.Close()

	check := &conduit.AuthCheck{LatencyMS: time.Since(start).Milliseconds()}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		check.OK = true
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		check.Details = "authentication failed"
	default:
		check.Details = fmt.Sprintf("unexpected response: %d", resp.StatusCode)
	}
	return check, nil
}

// setHeaders applies the version header; auth rides the transport chain.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("anthropic-version", Version)
}
