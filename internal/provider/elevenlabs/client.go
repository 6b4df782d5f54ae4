// Package elevenlabs adapts the ElevenLabs audio API: text-to-speech over
// REST and conversational agents over WebSocket. The text completion
// surfaces are not available.
package elevenlabs

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
	"github.com/knnlabs/conduit/internal/realtime"
	"github.com/knnlabs/conduit/internal/retry"
	"github.com/knnlabs/conduit/internal/urlutil"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	providerName   = "elevenlabs"

	// defaultVoiceID is the stock "Rachel" voice, used when a speech
	// request names no voice.
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

// errorPhrases refine generic 4xx classification. ElevenLabs reports
// failures as {"detail":{"status":...}} with stable status slugs.
var errorPhrases = []provider.PhraseRule{
	{Substring: "voice_not_found", Kind: conduit.KindInvalidModel},
	{Substring: "quota_exceeded", Kind: conduit.KindRateLimited},
	{Substring: "max_character_limit_exceeded", Kind: conduit.KindContextLength},
}

// outputFormats maps the OpenAI response-format enum onto ElevenLabs
// output_format values. Formats with no ElevenLabs equivalent are rejected.
var outputFormats = map[string]string{
	"":     "",
	"mp3":  "mp3_44100_128",
	"opus": "opus_48000_64",
	"pcm":  "pcm_24000",
}

var (
	_ conduit.Client         = (*Client)(nil)
	_ conduit.SpeechClient   = (*Client)(nil)
	_ conduit.RealtimeClient = (*Client)(nil)
)

// Client is the conduit.Client adapter for ElevenLabs.
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
			HeaderName: "xi-api-key",
			Base:       opts.Transport,
		}},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// CreateChatCompletion is unsupported; ElevenLabs exposes no text surface.
func (c *Client) CreateChatCompletion(_ context.Context, _ *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "elevenlabs: chat completions not supported")
}

// StreamChatCompletion is unsupported; ElevenLabs exposes no text surface.
func (c *Client) StreamChatCompletion(_ context.Context, _ *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "elevenlabs: chat completions not supported")
}

// CreateEmbedding is unsupported.
func (c *Client) CreateEmbedding(_ context.Context, _ *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "elevenlabs: embeddings not supported")
}

// CreateImage is unsupported.
func (c *Client) CreateImage(_ context.Context, _ *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "elevenlabs: image generation not supported")
}

// CreateSpeech synthesizes audio via POST /v1/text-to-speech/{voice_id}.
// The request's voice selects the ElevenLabs voice; the model field picks
// the synthesis model (eleven_multilingual_v2 and friends).
func (c *Client) CreateSpeech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	format, ok := outputFormats[req.ResponseFormat]
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "elevenlabs: response format %q not supported", req.ResponseFormat)
	}

	payload := map[string]any{"text": req.Input}
	if req.Model != "" {
		payload["model_id"] = req.Model
	}
	if req.Language != "" {
		payload["language_code"] = req.Language
	}
	if req.Speed != nil {
		payload["voice_settings"] = map[string]any{"speed": *req.Speed}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "elevenlabs: marshal request")
	}

	voice := req.Voice
	if voice == "" {
		voice = defaultVoiceID
	}
	url := c.baseURL + "/v1/text-to-speech/" + voice
	if format != "" {
		url = urlutil.AppendQueryString(url, "output_format", format)
	}

	var audio []byte
	var contentType string
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "elevenlabs: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "elevenlabs: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return provider.ParseAPIError(providerName, req.Model, resp, errorPhrases...)
		}
		audio, err = io.ReadAll(resp.Body)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "elevenlabs: read audio")
		}
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &conduit.SpeechResponse{Audio: audio, ContentType: contentType}, nil
}

// ListModels returns the synthesis model identifiers.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.get(ctx, c.baseURL+"/v1/models")
	if err != nil {
		return nil, err
	}
	var ids []string
	gjson.ParseBytes(raw).ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("model_id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

// VerifyAuthentication round-trips the voices endpoint with the configured
// key.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "elevenlabs: create request")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "elevenlabs: verify credentials")
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

// RealtimeCapabilities describes the conversational-agent stack.
func (c *Client) RealtimeCapabilities() conduit.RealtimeCapabilities {
	return conduit.RealtimeCapabilities{
		InputFormats:      []string{"pcm16_16000", "pcm16_24000", "pcm16_48000"},
		OutputFormats:     []string{"pcm16_24000", "pcm16_48000"},
		MaxSessionSeconds: 3600,
		VADMinSilenceMS:   50,
		VADMaxSilenceMS:   500,
		FunctionCalling:   false,
	}
}

// OpenRealtimeSession joins a conversational agent. The session model names
// the agent; voice, language and prompt ride along as conversation
// overrides in the configuration frame.
func (c *Client) OpenRealtimeSession(ctx context.Context, cfg conduit.RealtimeSessionConfig) (conduit.RealtimeSession, error) {
	if cfg.Model == "" {
		return nil, conduit.NewError(conduit.KindInvalidModel, "elevenlabs: agent id required")
	}
	caps := c.RealtimeCapabilities()
	if cfg.InputFormat != "" && !caps.SupportsInput(cfg.InputFormat) {
		return nil, conduit.Errorf(conduit.KindUnsupported, "elevenlabs: input format %q not supported", cfg.InputFormat)
	}
	if cfg.OutputFormat != "" && !caps.SupportsOutput(cfg.OutputFormat) {
		return nil, conduit.Errorf(conduit.KindUnsupported, "elevenlabs: output format %q not supported", cfg.OutputFormat)
	}

	url := urlutil.AppendQueryString(urlutil.Combine(c.baseURL, "/v1/convai/conversation"), "agent_id", cfg.Model)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	return realtime.Open(ctx, realtime.DialConfig{
		URL:        url,
		Header:     header,
		Provider:   providerName,
		Translator: &translator{},
		Config:     cfg,
	})
}

// get fetches one URL under the retry policy and returns the response body.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "elevenlabs: create request")
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "elevenlabs: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, "", resp, errorPhrases...)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "elevenlabs: read response")
		}
		return nil
	})
	return raw, err
}
