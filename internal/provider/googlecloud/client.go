// Package googlecloud adapts the Google Cloud Text-to-Speech and
// Speech-to-Text APIs. It is an audio-only provider; the text completion
// surfaces are not available.
package googlecloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/retry"
)

const (
	defaultTTSBaseURL = "https://texttospeech.googleapis.com"
	defaultSTTBaseURL = "https://speech.googleapis.com"
	providerName      = "googlecloud"

	defaultLanguage = "en-US"
)

// audioEncodings maps the OpenAI response-format enum onto Cloud TTS
// encodings with their response content types.
var audioEncodings = map[string]struct {
	encoding    string
	contentType string
}{
	"":     {"MP3", "audio/mpeg"},
	"mp3":  {"MP3", "audio/mpeg"},
	"opus": {"OGG_OPUS", "audio/ogg"},
	"wav":  {"LINEAR16", "audio/wav"},
	"pcm":  {"LINEAR16", "audio/wav"},
}

var (
	_ conduit.Client              = (*Client)(nil)
	_ conduit.SpeechClient        = (*Client)(nil)
	_ conduit.TranscriptionClient = (*Client)(nil)
)

// Client is the conduit.Client adapter for Google Cloud speech services.
// Synthesis and recognition live on different hosts; a configured endpoint
// override applies to both, which test servers rely on.
type Client struct {
	ttsBase string
	sttBase string
	http    *http.Client
	policy  retry.Policy
	timeout time.Duration
}

// New builds a Client. The provided transport must already carry OAuth,
// normally a cloudauth.GCPTokenTransport built by the factory. An empty
// baseURL selects the public endpoints.
func New(baseURL string, opts provider.Options) *Client {
	ttsBase, sttBase := defaultTTSBaseURL, defaultSTTBaseURL
	if baseURL != "" {
		base := strings.TrimRight(baseURL, "/")
		ttsBase, sttBase = base, base
	}
	return &Client{
		ttsBase: ttsBase,
		sttBase: sttBase,
		http:    &http.Client{Transport: opts.Transport},
		policy:  opts.Retry,
		timeout: provider.ClampTimeout(opts.Timeout),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// CreateChatCompletion is unsupported; this adapter covers speech only.
func (c *Client) CreateChatCompletion(_ context.Context, _ *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "googlecloud: chat completions not supported")
}

// StreamChatCompletion is unsupported; this adapter covers speech only.
func (c *Client) StreamChatCompletion(_ context.Context, _ *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "googlecloud: chat completions not supported")
}

// CreateEmbedding is unsupported.
func (c *Client) CreateEmbedding(_ context.Context, _ *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "googlecloud: embeddings not supported")
}

// CreateImage is unsupported.
func (c *Client) CreateImage(_ context.Context, _ *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	return nil, conduit.NewError(conduit.KindUnsupported, "googlecloud: image generation not supported")
}

// CreateSpeech synthesizes audio via POST /v1/text:synthesize. The voice
// field names a Cloud TTS voice such as "en-US-Neural2-A"; the language is
// derived from the voice name when not given explicitly.
func (c *Client) CreateSpeech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	enc, ok := audioEncodings[req.ResponseFormat]
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "googlecloud: response format %q not supported", req.ResponseFormat)
	}

	voice := req.Voice
	if voice == "" {
		voice = req.Model
	}
	language := req.Language
	if language == "" {
		language = languageFromVoice(voice)
	}

	audioConfig := map[string]any{"audioEncoding": enc.encoding}
	if req.Speed != nil {
		audioConfig["speakingRate"] = *req.Speed
	}
	voiceSel := map[string]any{"languageCode": language}
	if voice != "" {
		voiceSel["name"] = voice
	}
	body, err := json.Marshal(map[string]any{
		"input":       map[string]any{"text": req.Input},
		"voice":       voiceSel,
		"audioConfig": audioConfig,
	})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "googlecloud: marshal request")
	}

	raw, err := c.post(ctx, c.ttsBase+"/v1/text:synthesize", req.Model, body)
	if err != nil {
		return nil, err
	}
	audio, err := base64.StdEncoding.DecodeString(gjson.GetBytes(raw, "audioContent").String())
	if err != nil {
		return nil, conduit.WrapError(conduit.KindProviderInternal, err, "googlecloud: decode audio")
	}
	return &conduit.SpeechResponse{Audio: audio, ContentType: enc.contentType}, nil
}

// CreateTranscription recognizes speech via POST /v1/speech:recognize. The
// model field selects a recognition model such as "latest_long".
func (c *Client) CreateTranscription(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	language := req.Language
	if language == "" {
		language = defaultLanguage
	}
	config := map[string]any{"languageCode": language}
	if req.Model != "" {
		config["model"] = req.Model
	}
	if enc := encodingFromFilename(req.Filename); enc != "" {
		config["encoding"] = enc
	}
	body, err := json.Marshal(map[string]any{
		"config": config,
		"audio":  map[string]any{"content": base64.StdEncoding.EncodeToString(req.Audio)},
	})
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "googlecloud: marshal request")
	}

	raw, err := c.post(ctx, c.sttBase+"/v1/speech:recognize", req.Model, body)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	gjson.GetBytes(raw, "results").ForEach(func(_, res gjson.Result) bool {
		text.WriteString(res.Get("alternatives.0.transcript").String())
		return true
	})
	out := &conduit.TranscriptionResponse{
		Text:     strings.TrimSpace(text.String()),
		Language: language,
	}
	if billed := gjson.GetBytes(raw, "totalBilledTime").String(); billed != "" {
		if d, err := time.ParseDuration(billed); err == nil {
			out.Duration = d.Seconds()
		}
	}
	return out, nil
}

// ListModels returns the available synthesis voice names.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.get(ctx, c.ttsBase+"/v1/voices")
	if err != nil {
		return nil, err
	}
	var ids []string
	gjson.GetBytes(raw, "voices").ForEach(func(_, v gjson.Result) bool {
		if name := v.Get("name").String(); name != "" {
			ids = append(ids, name)
		}
		return true
	})
	return ids, nil
}

// VerifyAuthentication round-trips the voices endpoint with the configured
// credentials.
func (c *Client) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ttsBase+"/v1/voices", nil)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindConfiguration, err, "googlecloud: create request")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, "googlecloud: verify credentials")
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
			return conduit.WrapError(conduit.KindConfiguration, err, "googlecloud: create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "googlecloud: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, model, resp)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "googlecloud: read response")
		}
		return nil
	})
	return raw, err
}

// get fetches one URL under the retry policy and returns the response body.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var raw []byte
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return conduit.WrapError(conduit.KindConfiguration, err, "googlecloud: create request")
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "googlecloud: send request")
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return provider.ParseAPIError(providerName, "", resp)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return conduit.WrapError(conduit.KindCommunication, err, "googlecloud: read response")
		}
		return nil
	})
	return raw, err
}

// languageFromVoice derives a BCP-47 code from voice names like
// "en-US-Neural2-A".
func languageFromVoice(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) >= 2 && len(parts[0]) == 2 {
		return parts[0] + "-" + parts[1]
	}
	return defaultLanguage
}

// encodingFromFilename picks an explicit recognition encoding for container
// formats the service cannot infer. WAV and FLAC carry their own headers
// and are left for the server to detect.
func encodingFromFilename(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp3":
		return "MP3"
	case ".ogg", ".opus":
		return "OGG_OPUS"
	}
	return ""
}
