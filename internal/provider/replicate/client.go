package replicate

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
	defaultBaseURL = "https://api.replicate.com"
	providerName   = "replicate"

	defaultPollInitial = 500 * time.Millisecond
	defaultPollMax     = 5 * time.Second
)

// errorPhrases refine generic 4xx classification. Replicate reports an
// exhausted balance as 402, which the router should treat like a quota so it
// can fall back to another provider.
var errorPhrases = []provider.PhraseRule{
	{Substring: "insufficient credit", Kind: conduit.KindRateLimited},
}

var _ conduit.Client = (*Client)(nil)

// Client is the conduit.Client adapter for Replicate. Chat and image
// generation both run through the predictions lifecycle: create, then poll
// with backoff until a terminal status.
type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	timeout time.Duration

	pollInitial time.Duration
	pollMax     time.Duration
}

// New builds a Client. An empty baseURL selects the public endpoint.
func New(baseURL, apiKey string, opts provider.Options) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Transport: cloudauth.BearerTransport(apiKey, opts.Transport)},
		policy:      opts.Retry,
		timeout:     provider.ClampTimeout(opts.Timeout),
		pollInitial: defaultPollInitial,
		pollMax:     defaultPollMax,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// createPrediction posts a prediction. Version-qualified models
// ("owner/name:version") go through the generic predictions endpoint; bare
// names use the model-scoped one.
func (c *Client) createPrediction(ctx context.Context, model string, input map[string]any, stream bool) ([]byte, error) {
	payload := map[string]any{"input": input}
	if stream {
		payload["stream"] = true
	}
	url := c.baseURL + "/v1/models/" + model + "/predictions"
	if _, version, ok := strings.Cut(model, ":"); ok {
		payload["version"] = version
		url = c.baseURL + "/v1/predictions"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "replicate: marshal request")
	}
	return c.post(ctx, url, model, body)
}

// waitForPrediction polls a created prediction until it reaches a terminal
// status. The poll interval doubles per round up to the cap; the deadline on
// ctx bounds the whole wait.
func (c *Client) waitForPrediction(ctx context.Context, created []byte, model string) ([]byte, error) {
	raw := created
	delay := c.pollInitial
	for {
		pred := gjson.ParseBytes(raw)
		if state, err := conduit.ParseTaskState(pred.Get("status").String()); err == nil && state.Terminal() {
			return raw, nil
		}

		select {
		case <-ctx.Done():
			return nil, conduit.WrapError(conduit.KindOf(ctx.Err()), ctx.Err(), "replicate: prediction wait")
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.pollMax {
			delay = c.pollMax
		}

		pollURL := pred.Get("urls.get").String()
		if pollURL == "" {
			pollURL = c.baseURL + "/v1/predictions/" + pred.Get("id").String()
		}
		next, err := c.get(ctx, pollURL, model)
		if err != nil {
			// A deadline can expire mid-poll; report that as the wait
			// running out, not as a transport failure.
			if ctx.Err() != nil {
				return nil, conduit.WrapError(conduit.KindOf(ctx.Err()), ctx.Err(), "replicate: prediction wait")
			}
			return nil, err
		}
		raw = next
	}
}

// CreateChatCompletion runs a language model prediction to completion and
// translates the joined output to the OpenAI shape.
func (c *Client) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	input, err := chatInput(req)
	if err != nil {
		return nil, err
	}
	created, err := c.createPrediction(ctx, req.Model, input, false)
	if err != nil {
		return nil, err
	}
	final, err := c.waitForPrediction(ctx, created, req.Model)
	if err != nil {
		return nil, err
	}
	return translateChatPrediction(final, req.Model)
}

// StreamChatCompletion creates a prediction with streaming requested and
// relays its SSE stream URL as OpenAI-format chunks. Retries cover creating
// the prediction and connecting; an established stream is never replayed.
func (c *Client) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	input, err := chatInput(req)
	if err != nil {
		return nil, err
	}
	created, err := c.createPrediction(ctx, req.Model, input, true)
	if err != nil {
		return nil, err
	}
	pred := gjson.ParseBytes(created)
	streamURL := pred.Get("urls.stream").String()
	if streamURL == "" {
		return nil, conduit.Errorf(conduit.KindUnsupported, "replicate: model %q does not expose a stream URL", req.Model)
	}

	var resp *http.Response
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "replicate: create request")
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-store")

		r, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "replicate: open stream")
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

	id := pred.Get("id").String()
	if id == "" {
		id = newResponseID()
	}
	ch := make(chan conduit.StreamChunk, 8)
	go c.readStream(ctx, resp.Body, ch, req.Model, id, pred.Get("urls.get").String())
	return ch, nil
}

// CreateEmbedding is unsupported; no stable embedding surface exists across
// Replicate models.
func (c *Client) CreateEmbedding(_ context.Context, _ *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "replicate: embeddings not supported")
}

// CreateImage runs an image model prediction to completion and returns the
// output URLs.
func (c *Client) CreateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	created, err := c.createPrediction(ctx, req.Model, imageInput(req), false)
	if err != nil {
		return nil, err
	}
	final, err := c.waitForPrediction(ctx, created, req.Model)
	if err != nil {
		return nil, err
	}
	return translateImagePrediction(final)
}

// ListModels returns the first page of visible models as owner/name slugs.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.get(ctx, c.baseURL+"/v1/models", "")
	if err != nil {
		return nil, err
	}
	var ids []string
	gjson.GetBytes(raw, "results").ForEach(func(_, m gjson.Result) bool {
		owner, name := m.Get("owner").String(), m.Get("name").String()
		if owner != "" && name != "" {
			ids = append(ids, owner+"/"+name)
		}
		return true
	})
	return ids, nil
}

// VerifyAuthentication round-trips the account endpoint with the configured
// token.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/account", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "replicate: create request")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "replicate: verify credentials")
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
// body. Any 2xx is a success; prediction creation answers 201.
func (c *Client) post(ctx context.Context, url, model string, body []byte) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "replicate: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "replicate: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "replicate: read response")
		}
		return nil
	})
	return raw, err
}

// get fetches one URL under the retry policy and returns the response body.
func (c *Client) get(ctx context.Context, url, model string) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "replicate: create request")
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "replicate: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "replicate: read response")
		}
		return nil
	})
	return raw, err
}

func newResponseID() string { return "replicate-" + uuid.NewString() }
