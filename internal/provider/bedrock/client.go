// Package bedrock implements the conduit.Client adapter for Amazon Bedrock,
// plus a slim SageMaker runtime variant. Requests are SigV4-signed REST
// against the invoke endpoints; the request body format is dispatched on the
// model's vendor prefix, and streaming responses arrive as Amazon
// eventstream frames wrapping each family's native chunk JSON.
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

const providerName = "bedrock"

var errorPhrases = []provider.PhraseRule{
	{Substring: "model identifier is invalid", Kind: conduit.KindInvalidModel},
	{Substring: "use on-demand throughput", Kind: conduit.KindInvalidModel},
	{Substring: "input is too long", Kind: conduit.KindContextLength},
}

var _ conduit.Client = (*Client)(nil)

// Client talks to the Bedrock runtime and control planes in one region.
type Client struct {
	runtimeURL string
	controlURL string
	region     string
	http       *http.Client
	policy     retry.Policy
	timeout    time.Duration
}

// New builds a Client for region using static AWS credentials. A non-empty
// baseURL overrides both the runtime and control-plane endpoints (tests,
// VPC endpoints).
func New(baseURL, region, accessKeyID, secretAccessKey string, opts provider.Options) *Client {
	runtime := fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	control := fmt.Sprintf("https://bedrock.%s.amazonaws.com", region)
	if baseURL != "" {
		runtime = strings.TrimRight(baseURL, "/")
		control = runtime
	}
	signer := cloudauth.NewSigV4Transport(opts.Transport,
		cloudauth.StaticCredentials(accessKeyID, secretAccessKey, ""), region, "bedrock")
	return &Client{
		runtimeURL: runtime,
		controlURL: control,
		region:     region,
		http:       &http.Client{Transport: signer},
		policy:     opts.Retry,
		timeout:    provider.ClampTimeout(opts.Timeout),
	}
}

func (c *Client) Name() string { return providerName }

func (c *Client) invokeURL(model string, stream bool) string {
	op := "invoke"
	if stream {
		op = "invoke-with-response-stream"
	}
	return fmt.Sprintf("%s/model/%s/%s", c.runtimeURL, url.PathEscape(model), op)
}

// --- Chat ---

// CreateChatCompletion invokes the model with its family's body format and
// normalizes the response to the OpenAI shape.
func (c *Client) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fam := familyOf(req.Model)
	payload, err := fam.build(req)
	if err != nil {
		return nil, err
	}
	raw, err := c.invoke(ctx, req.Model, payload)
	if err != nil {
		return nil, err
	}
	return fam.parse(req.Model, raw)
}

// StreamChatCompletion opens an invoke-with-response-stream call. Retries
// cover connecting only; an established stream is never replayed.
func (c *Client) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	fam := familyOf(req.Model)
	payload, err := fam.build(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "bedrock: marshal request")
	}

	var resp *http.Response
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL(req.Model, true), bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "bedrock: build request")
		}
		setHeaders(httpReq)
		r, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "bedrock: send request")
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
	go readInvokeStream(ctx, resp.Body, fam.stream(req.Model), ch)
	return ch, nil
}

// --- Embeddings ---

type embeddingDatum struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// CreateEmbedding supports Titan and Cohere embedding models. Titan takes
// one input per invoke, Cohere embeds the batch in a single call.
func (c *Client) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	texts, err := req.InputTexts()
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "bedrock: embedding input")
	}

	var data []embeddingDatum
	usage := &conduit.Usage{}
	switch {
	case strings.Contains(req.Model, "titan-embed"):
		for i, text := range texts {
			body := map[string]any{"inputText": text}
			if req.Dimensions > 0 {
				body["dimensions"] = req.Dimensions
			}
			raw, err := c.invoke(ctx, req.Model, body)
			if err != nil {
				return nil, err
			}
			r := gjson.ParseBytes(raw)
			usage.PromptTokens += int(r.Get("inputTextTokenCount").Int())
			data = append(data, embeddingDatum{
				Object:    "embedding",
				Index:     i,
				Embedding: decodeVector(r.Get("embedding")),
			})
		}
	case strings.Contains(req.Model, "cohere.embed"):
		raw, err := c.invoke(ctx, req.Model, map[string]any{
			"texts":      texts,
			"input_type": "search_document",
		})
		if err != nil {
			return nil, err
		}
		gjson.GetBytes(raw, "embeddings").ForEach(func(_, vec gjson.Result) bool {
			data = append(data, embeddingDatum{
				Object:    "embedding",
				Index:     len(data),
				Embedding: decodeVector(vec),
			})
			return true
		})
	default:
		return nil, conduit.Errorf(conduit.KindUnsupported, "bedrock: %s is not an embedding model", req.Model)
	}

	usage.TotalTokens = usage.PromptTokens
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindProviderInternal, err, "bedrock: encode embeddings")
	}
	return &conduit.EmbeddingResponse{
		Object: "list",
		Data:   encoded,
		Model:  req.Model,
		Usage:  usage,
	}, nil
}

func decodeVector(arr gjson.Result) []float64 {
	var vec []float64
	arr.ForEach(func(_, v gjson.Result) bool {
		vec = append(vec, v.Float())
		return true
	})
	return vec
}

// CreateImage is not routed through Bedrock.
func (c *Client) CreateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.Errorf(conduit.KindUnsupported, "bedrock: image generation not supported")
}

// --- Catalog ---

// ListModels queries the control plane for the region's foundation models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.controlGET(ctx, "/foundation-models")
	if err != nil {
		return nil, err
	}
	var models []string
	gjson.GetBytes(raw, "modelSummaries").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("modelId").String(); id != "" {
			models = append(models, id)
		}
		return true
	})
	return models, nil
}

// VerifyAuthentication exercises the signed control-plane listing. SigV4
// failures surface as 403s there without spending model tokens.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.controlURL+"/foundation-models", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "bedrock: build request")
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "bedrock: send request")
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

// --- Transport ---

// invoke POSTs one body to the model's invoke endpoint and returns the raw
// response.
func (c *Client) invoke(ctx context.Context, model string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "bedrock: marshal request")
	}
	var raw []byte
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invokeURL(model, false), bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "bedrock: build request")
		}
		setHeaders(httpReq)
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "bedrock: send request")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "bedrock: read response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) controlGET(ctx context.Context, path string) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.controlURL+path, nil)
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "bedrock: build request")
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "bedrock: send request")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, "", resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "bedrock: read response")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// setHeaders sets the invoke content headers; SigV4 rides the transport
// chain.
func setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
}
