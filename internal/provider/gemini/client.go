package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// errorPhrases refine generic 4xx classification for Google's wording. The
// Generative Language API reports bad keys as 400 INVALID_ARGUMENT, not 401.
var errorPhrases = []provider.PhraseRule{
	{Substring: "api key not valid", Kind: conduit.KindAuthentication},
	{Substring: "user location is not supported", Kind: conduit.KindUnsupported},
	{Substring: "exceeds the maximum number of tokens", Kind: conduit.KindContextLength},
}

var _ conduit.Client = (*Client)(nil)

// Client is the conduit.Client adapter for Gemini models, reachable through
// the Generative Language API or through Vertex AI publisher hosting.
type Client struct {
	baseURL  string
	project  string
	location string
	vertex   bool
	http     *http.Client
	policy   retry.Policy
	timeout  time.Duration
}

// New builds a Client for the Generative Language API. An empty baseURL
// selects the public endpoint.
func New(baseURL, apiKey string, opts provider.Options) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	auth := &cloudauth.APIKeyTransport{
		Key:        apiKey,
		HeaderName: "x-goog-api-key",
		Base:       opts.Transport,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: auth},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// NewVertex builds a Client for Vertex AI publisher-model hosting. The
// provided transport must already carry OAuth, normally a
// cloudauth.GCPTokenTransport built by the factory. An empty baseURL selects
// the regional endpoint.
func NewVertex(baseURL, project, location string, opts provider.Options) *Client {
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		project:  project,
		location: location,
		vertex:   true,
		http:     &http.Client{Transport: opts.Transport},
		policy:   opts.Retry,
		timeout:  provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// modelURL builds the verb URL for a model under the active hosting mode.
func (c *Client) modelURL(model, verb string) string {
	if c.vertex {
		return fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:%s",
			c.baseURL, c.project, c.location, model, verb)
	}
	return fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, verb)
}

// listURL is the model listing endpoint for the active hosting mode.
func (c *Client) listURL() string {
	if c.vertex {
		return c.baseURL + "/publishers/google/models"
	}
	return c.baseURL + "/models"
}

// CreateChatCompletion posts a generateContent request and translates the
// candidates back to the OpenAI shape.
func (c *Client) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	gReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: marshal request")
	}

	raw, err := c.post(ctx, c.modelURL(req.Model, "generateContent"), req.Model, body)
	if err != nil {
		return nil, err
	}
	return translateResponse(raw, req.Model)
}

// StreamChatCompletion opens a streamGenerateContent SSE stream and relays it
// as OpenAI-format chunks. Retries cover connecting only; an established
// stream is never replayed.
func (c *Client) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	gReq, err := translateRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: marshal request")
	}

	u := c.modelURL(req.Model, "streamGenerateContent?alt=sse")
	var resp *http.Response
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "gemini: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		r, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "gemini: send request")
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

// CreateEmbedding produces embeddings. The Generative Language API serves
// embedContent and batchEmbedContents; Vertex hosting serves predict with
// the instances shape.
func (c *Client) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	texts, err := req.InputTexts()
	if err != nil {
		return nil, err
	}
	if c.vertex {
		return c.vertexEmbedding(ctx, req, texts)
	}
	if len(texts) == 1 {
		return c.embedSingle(ctx, req, texts[0])
	}
	return c.embedBatch(ctx, req, texts)
}

type embedRequest struct {
	Model   string  `json:"model"`
	Content content `json:"content"`
}

type embeddingDatum struct {
	Object    string          `json:"object"`
	Index     int             `json:"index"`
	Embedding json.RawMessage `json:"embedding"`
}

func (c *Client) embedSingle(ctx context.Context, req *conduit.EmbeddingRequest, text string) (*conduit.EmbeddingResponse, error) {
	body, err := json.Marshal(embedRequest{
		Model:   "models/" + req.Model,
		Content: content{Parts: []part{{Text: text}}},
	})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: marshal request")
	}

	raw, err := c.post(ctx, c.modelURL(req.Model, "embedContent"), req.Model, body)
	if err != nil {
		return nil, err
	}
	values := gjson.GetBytes(raw, "embedding.values")
	if !values.Exists() {
		return nil, conduit.Errorf(conduit.KindProviderInternal, "gemini: response carried no embedding")
	}
	return embeddingResponse(req.Model, []json.RawMessage{json.RawMessage(values.Raw)}, nil)
}

func (c *Client) embedBatch(ctx context.Context, req *conduit.EmbeddingRequest, texts []string) (*conduit.EmbeddingResponse, error) {
	reqs := make([]embedRequest, len(texts))
	for i, t := range texts {
		reqs[i] = embedRequest{
			Model:   "models/" + req.Model,
			Content: content{Parts: []part{{Text: t}}},
		}
	}
	body, err := json.Marshal(map[string]any{"requests": reqs})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: marshal request")
	}

	raw, err := c.post(ctx, c.modelURL(req.Model, "batchEmbedContents"), req.Model, body)
	if err != nil {
		return nil, err
	}
	var values []json.RawMessage
	gjson.GetBytes(raw, "embeddings").ForEach(func(_, e gjson.Result) bool {
		values = append(values, json.RawMessage(e.Get("values").Raw))
		return true
	})
	if len(values) == 0 {
		return nil, conduit.Errorf(conduit.KindProviderInternal, "gemini: response carried no embeddings")
	}
	return embeddingResponse(req.Model, values, nil)
}

// vertexEmbedding calls predict with the Vertex instances shape. Token
// counts come back per instance under embeddings.statistics.
func (c *Client) vertexEmbedding(ctx context.Context, req *conduit.EmbeddingRequest, texts []string) (*conduit.EmbeddingResponse, error) {
	instances := make([]map[string]any, len(texts))
	for i, t := range texts {
		instances[i] = map[string]any{"content": t}
	}
	body, err := json.Marshal(map[string]any{"instances": instances})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: marshal request")
	}

	raw, err := c.post(ctx, c.modelURL(req.Model, "predict"), req.Model, body)
	if err != nil {
		return nil, err
	}
	var values []json.RawMessage
	var tokens int
	gjson.GetBytes(raw, "predictions").ForEach(func(_, p gjson.Result) bool {
		emb := p.Get("embeddings")
		values = append(values, json.RawMessage(emb.Get("values").Raw))
		tokens += int(emb.Get("statistics.token_count").Int())
		return true
	})
	if len(values) == 0 {
		return nil, conduit.Errorf(conduit.KindProviderInternal, "gemini: response carried no predictions")
	}

	var usage *conduit.Usage
	if tokens > 0 {
		usage = &conduit.Usage{PromptTokens: tokens, TotalTokens: tokens}
	}
	return embeddingResponse(req.Model, values, usage)
}

func embeddingResponse(model string, values []json.RawMessage, usage *conduit.Usage) (*conduit.EmbeddingResponse, error) {
	data := make([]embeddingDatum, len(values))
	for i, v := range values {
		data[i] = embeddingDatum{Object: "embedding", Index: i, Embedding: v}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: encode embeddings")
	}
	return &conduit.EmbeddingResponse{
		Object: "list",
		Data:   raw,
		Model:  model,
		Usage:  usage,
	}, nil
}

// CreateImage is unsupported; Imagen is a separate API surface.
func (c *Client) CreateImage(_ context.Context, _ *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "gemini: image generation not supported")
}

// ListModels returns the model IDs visible under the active hosting mode.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL(), nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: create request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "gemini: list models")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, "", resp, errorPhrases...)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "gemini: read response")
	}

	var ids []string
	if c.vertex {
		gjson.GetBytes(body, "publisherModels").ForEach(func(_, m gjson.Result) bool {
			name := strings.TrimPrefix(m.Get("name").String(), "publishers/google/models/")
			if name != "" {
				ids = append(ids, name)
			}
			return true
		})
		return ids, nil
	}
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		if after, ok := strings.CutPrefix(name, "models/"); ok {
			name = after
		}
		if name != "" {
			ids = append(ids, name)
		}
		return true
	})
	return ids, nil
}

// VerifyAuthentication round-trips the model listing endpoint with the
// configured credentials.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listURL(), nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "gemini: create request")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "gemini: verify credentials")
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
			return conduit.WrapError(conduit.KindConfiguration, err, "gemini: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "gemini: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "gemini: read response")
		}
		return nil
	})
	return raw, err
}

func newResponseID() string { return "gemini-" + uuid.NewString() }
