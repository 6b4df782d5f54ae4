package cohere

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
	defaultBaseURL = "https://api.cohere.com"
	providerName   = "cohere"
)

// errorPhrases refine generic 4xx classification for Cohere's wording.
// Trial keys report exhausted monthly quotas as plain 400s.
var errorPhrases = []provider.PhraseRule{
	{Substring: "usage limit", Kind: conduit.KindRateLimited},
}

var (
	_ conduit.Client       = (*Client)(nil)
	_ conduit.RerankClient = (*Client)(nil)
)

// Client is the conduit.Client adapter for the Cohere v2 API. Chat,
// embeddings, and rerank live under /v2; model listing is still /v1.
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
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: cloudauth.BearerTransport(apiKey, opts.Transport)},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// CreateChatCompletion posts a v2 chat request and translates the response
// back to the OpenAI shape.
func (c *Client) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: marshal request")
	}

	raw, err := c.post(ctx, c.baseURL+"/v2/chat", req.Model, body)
	if err != nil {
		return nil, err
	}
	return translateResponse(raw, req.Model)
}

// StreamChatCompletion opens a v2 chat stream and relays it as OpenAI-format
// chunks. Retries cover connecting only; an established stream is never
// replayed.
func (c *Client) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	cReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	cReq.Stream = true
	body, err := json.Marshal(cReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: marshal request")
	}

	var resp *http.Response
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/chat", bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "cohere: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "cohere: send request")
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
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}

// CreateEmbedding posts a v2 embed request. Embeddings come back keyed by
// type; float is requested explicitly.
func (c *Client) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	texts, err := req.InputTexts()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"model":           req.Model,
		"texts":           texts,
		"input_type":      "search_document",
		"embedding_types": []string{"float"},
	})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: marshal request")
	}

	raw, err := c.post(ctx, c.baseURL+"/v2/embed", req.Model, body)
	if err != nil {
		return nil, err
	}

	rows := gjson.GetBytes(raw, "embeddings.float")
	if !rows.Exists() {
		rows = gjson.GetBytes(raw, "embeddings")
	}
	type embeddingDatum struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	var data []embeddingDatum
	rows.ForEach(func(_, row gjson.Result) bool {
		data = append(data, embeddingDatum{Object: "embedding", Index: len(data), Embedding: json.RawMessage(row.Raw)})
		return true
	})
	if len(data) == 0 {
		return nil, conduit.Errorf(conduit.KindProviderInternal, "cohere: response carried no embeddings")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: encode embeddings")
	}

	var usage *conduit.Usage
	if n := int(gjson.GetBytes(raw, "meta.billed_units.input_tokens").Int()); n > 0 {
		usage = &conduit.Usage{PromptTokens: n, TotalTokens: n}
	}
	return &conduit.EmbeddingResponse{
		Object: "list",
		Data:   encoded,
		Model:  req.Model,
		Usage:  usage,
	}, nil
}

// CreateImage is unsupported.
func (c *Client) CreateImage(_ context.Context, _ *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "cohere: image generation not supported")
}

// Rerank scores documents against a query via /v2/rerank.
func (c *Client) Rerank(ctx context.Context, req *conduit.RerankRequest) (*conduit.RerankResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{
		"model":     req.Model,
		"query":     req.Query,
		"documents": req.Documents,
	}
	if req.TopN > 0 {
		payload["top_n"] = req.TopN
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: marshal request")
	}

	raw, err := c.post(ctx, c.baseURL+"/v2/rerank", req.Model, body)
	if err != nil {
		return nil, err
	}

	var results []conduit.RerankResult
	gjson.GetBytes(raw, "results").ForEach(func(_, r gjson.Result) bool {
		results = append(results, conduit.RerankResult{
			Index:          int(r.Get("index").Int()),
			RelevanceScore: r.Get("relevance_score").Float(),
		})
		return true
	})
	return &conduit.RerankResponse{Results: results}, nil
}

// ListModels queries GET /v1/models and returns the model names.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: create request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "cohere: list models")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, "", resp, errorPhrases...)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "cohere: read response")
	}

	var models []string
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		if name := m.Get("name").String(); name != "" {
			models = append(models, name)
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "cohere: create request")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "cohere: verify credentials")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

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

// post sends one JSON body under the retry policy and returns the response
// body.
func (c *Client) post(ctx context.Context, url, model string, body []byte) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "cohere: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "cohere: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "cohere: read response")
		}
		return nil
	})
	return raw, err
}
