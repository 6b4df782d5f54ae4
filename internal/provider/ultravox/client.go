// Package ultravox adapts the Ultravox voice-agent API. Ultravox is a
// real-time provider: a session is provisioned over REST and then joined
// over a WebSocket that carries caller audio as binary frames. The text
// completion surfaces are not available.
package ultravox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cloudauth"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/realtime"
	"github.com/knnlabs/conduit/internal/retry"
)

const (
	defaultBaseURL = "https://api.ultravox.ai"
	providerName   = "ultravox"
)

// errorPhrases refine generic 4xx classification. Hitting the account's
// concurrent-call ceiling answers 429-like text under a 402/403 status.
var errorPhrases = []provider.PhraseRule{
	{Substring: "concurrent call limit", Kind: conduit.KindRateLimited},
}

var (
	_ conduit.Client         = (*Client)(nil)
	_ conduit.RealtimeClient = (*Client)(nil)
)

// Client is the conduit.Client adapter for Ultravox.
type Client struct {
	baseURL string
	apiKey  string
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
		apiKey:  apiKey,
		http: &http.Client{Transport: &cloudauth.APIKeyTransport{
			Key:        apiKey,
			HeaderName: "X-API-Key",
			Base:       opts.Transport,
		}},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// CreateChatCompletion is unsupported; Ultravox exposes no text surface.
func (c *Client) CreateChatCompletion(_ context.Context, _ *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "ultravox: chat completions not supported, use a real-time session")
}

// StreamChatCompletion is unsupported; Ultravox exposes no text surface.
func (c *Client) StreamChatCompletion(_ context.Context, _ *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "ultravox: chat completions not supported, use a real-time session")
}

// CreateEmbedding is unsupported.
func (c *Client) CreateEmbedding(_ context.Context, _ *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "ultravox: embeddings not supported")
}

// CreateImage is unsupported.
func (c *Client) CreateImage(_ context.Context, _ *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "ultravox: image generation not supported")
}

// ListModels returns the first page of callable agent models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.get(ctx, c.baseURL+"/api/models", "")
	if err != nil {
		return nil, err
	}
	var ids []string
	gjson.GetBytes(raw, "results").ForEach(func(_, m gjson.Result) bool {
		if name := m.Get("name").String(); name != "" {
			ids = append(ids, name)
		}
		return true
	})
	return ids, nil
}

// VerifyAuthentication round-trips the account endpoint with the configured
// key.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/accounts/me", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "ultravox: create request")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "ultravox: verify credentials")
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

// RealtimeCapabilities describes the Ultravox call stack.
func (c *Client) RealtimeCapabilities() conduit.RealtimeCapabilities {
	return conduit.RealtimeCapabilities{
		InputFormats:      []string{"pcm16_8000", "pcm16_16000", "g711_ulaw", "g711_alaw"},
		OutputFormats:     []string{"pcm16_16000", "g711_ulaw"},
		MaxSessionSeconds: 86400,
		VADMinSilenceMS:   20,
		VADMaxSilenceMS:   200,
		FunctionCalling:   true,
	}
}

// OpenRealtimeSession provisions a call over REST and joins its WebSocket.
// Session parameters are fixed at creation; the socket itself needs no
// configuration preamble.
func (c *Client) OpenRealtimeSession(ctx context.Context, cfg conduit.RealtimeSessionConfig) (conduit.RealtimeSession, error) {
	caps := c.RealtimeCapabilities()
	if cfg.InputFormat != "" && !caps.SupportsInput(cfg.InputFormat) {
		return nil, conduit.Errorf(conduit.KindUnsupported, "ultravox: input format %q not supported", cfg.InputFormat)
	}
	if cfg.OutputFormat != "" && !caps.SupportsOutput(cfg.OutputFormat) {
		return nil, conduit.Errorf(conduit.KindUnsupported, "ultravox: output format %q not supported", cfg.OutputFormat)
	}

	joinURL, err := c.createCall(ctx, cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-API-Key", c.apiKey)
	return realtime.Open(ctx, realtime.DialConfig{
		URL:        joinURL,
		Header:     header,
		Provider:   providerName,
		Translator: &translator{},
		Config:     cfg,
	})
}

// createCall provisions one call and returns its WebSocket join URL.
func (c *Client) createCall(ctx context.Context, cfg conduit.RealtimeSessionConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := map[string]any{
		"medium": map[string]any{
			"serverWebSocket": map[string]any{
				"inputSampleRate":  sampleRate(cfg.InputFormat, 16000),
				"outputSampleRate": sampleRate(cfg.OutputFormat, 16000),
			},
		},
	}
	if cfg.Model != "" {
		payload["model"] = cfg.Model
	}
	if cfg.SystemPrompt != "" {
		payload["systemPrompt"] = cfg.SystemPrompt
	}
	if cfg.Voice != "" {
		payload["voice"] = cfg.Voice
	}
	if cfg.Language != "" {
		payload["languageHint"] = cfg.Language
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", conduit.WrapError(conduit.KindConfiguration, err, "ultravox: marshal request")
	}
	raw, err := c.post(ctx, c.baseURL+"/api/calls", cfg.Model, body)
	if err != nil {
		return "", err
	}

	joinURL := gjson.GetBytes(raw, "joinUrl").String()
	if joinURL == "" {
		return "", conduit.NewError(conduit.KindProviderInternal, "ultravox: call response missing joinUrl")
	}
	return joinURL, nil
}

// post sends one JSON body under the retry policy and returns the response
// body. Call creation answers 201.
func (c *Client) post(ctx context.Context, url, model string, body []byte) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "ultravox: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "ultravox: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "ultravox: read response")
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
			return conduit.WrapError(conduit.KindConfiguration, err, "ultravox: create request")
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "ultravox: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, model, resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "ultravox: read response")
		}
		return nil
	})
	return raw, err
}

// sampleRate extracts the trailing rate from format names like
// "pcm16_16000". G.711 variants are fixed at 8 kHz.
func sampleRate(format string, fallback int) int {
	if strings.HasPrefix(format, "g711_") {
		return 8000
	}
	if _, rate, ok := strings.Cut(format, "_"); ok {
		if n, err := strconv.Atoi(rate); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
