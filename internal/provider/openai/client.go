// Package openai implements the conduit.Client adapter for the OpenAI API,
// for both direct access and Azure OpenAI deployments. Chat, embeddings,
// images, and model listing come from the shared OpenAI-dialect core; this
// package adds speech synthesis and transcription.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/provider"
	"github.com/knnlabs/conduit/internal/provider/openaicompat"
	"github.com/knnlabs/conduit/internal/urlutil"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	providerName      = "openai"
	azureProviderName = "azure"

	// defaultAPIVersion is the Azure api-version used when the credential
	// does not pin one.
	defaultAPIVersion = "2024-06-01"

	speechPath        = "audio/speech"
	transcriptionPath = "audio/transcriptions"
)

var (
	_ conduit.Client              = (*Client)(nil)
	_ conduit.SpeechClient        = (*Client)(nil)
	_ conduit.TranscriptionClient = (*Client)(nil)
)

// Client is the OpenAI provider adapter.
type Client struct {
	*openaicompat.Client
}

// New creates a Client for direct OpenAI access. If baseURL is empty, it
// defaults to "https://api.openai.com/v1".
func New(baseURL, apiKey string, opts provider.Options) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	core := openaicompat.New(openaicompat.Config{
		ProviderName: providerName,
		BaseURL:      baseURL,
		MutateChat:   renameTokenLimit,
	}, apiKey, opts)
	return &Client{Client: core}
}

// NewAzure creates a Client for an Azure OpenAI resource. endpoint is the
// resource URL (https://{name}.openai.azure.com); the request model selects
// the deployment. An empty apiVersion uses the package default.
//
// Azure scopes every operation under /openai/deployments/{deployment} with a
// mandatory api-version query, authenticates with a bare api-key header, and
// has no GET /models at the deployment scope.
func NewAzure(endpoint, apiVersion, apiKey string, opts provider.Options) *Client {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	core := openaicompat.New(openaicompat.Config{
		ProviderName:  azureProviderName,
		BaseURL:       strings.TrimRight(endpoint, "/"),
		AuthHeader:    "api-key",
		DisableModels: true,
		MutateChat:    renameTokenLimit,
		Endpoint: func(baseURL, path, model string) string {
			u := baseURL + "/openai/deployments/" + model + "/" + path
			return urlutil.AppendQueryString(u, "api-version", apiVersion)
		},
	}, apiKey, opts)
	return &Client{Client: core}
}

// renameTokenLimit moves max_tokens to max_completion_tokens for reasoning
// models, which reject the legacy field.
func renameTokenLimit(req *conduit.ChatRequest) {
	if !isReasoningModel(req.Model) {
		return
	}
	if req.MaxTokens != nil && req.MaxCompletionTokens == nil {
		req.MaxCompletionTokens = req.MaxTokens
		req.MaxTokens = nil
	}
}

func isReasoningModel(model string) bool {
	for _, family := range []string{"o1", "o3", "o4"} {
		if model == family || strings.HasPrefix(model, family+"-") {
			return true
		}
	}
	return false
}

// CreateSpeech synthesizes audio via POST /audio/speech. The response body is
// the raw audio; the API reports no token usage for speech.
func (c *Client) CreateSpeech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	outReq := *req
	if outReq.Voice == "" {
		// The API rejects requests without a voice.
		outReq.Voice = "alloy"
	}
	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(speechPath, req.Model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.Name(), req.Model, resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, c.Name()+": read audio")
	}
	return &conduit.SpeechResponse{
		Audio:       audio,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// CreateTranscription transcribes audio via POST /audio/transcriptions
// (multipart form).
func (c *Client) CreateTranscription(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "audio.mp3"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
	}
	if err := mw.WriteField("model", req.Model); err != nil {
		return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
		}
	}
	if req.Prompt != "" {
		if err := mw.WriteField("prompt", req.Prompt); err != nil {
			return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
		}
	}
	if req.ResponseFormat != "" {
		if err := mw.WriteField("response_format", req.ResponseFormat); err != nil {
			return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
		}
	}
	if req.Temperature != nil {
		if err := mw.WriteField("temperature", strconv.FormatFloat(*req.Temperature, 'f', -1, 64)); err != nil {
			return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%s: build form: %w", c.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(transcriptionPath, req.Model), &buf)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.Name(), err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.Name(), req.Model, resp)
	}

	// response_format=text returns the transcript as plain text.
	if req.ResponseFormat == "text" {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, conduit.WrapError(conduit.KindCommunication, err, c.Name()+": read transcript")
		}
		return &conduit.TranscriptionResponse{Text: strings.TrimSpace(string(b))}, nil
	}

	var out conduit.TranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, conduit.WrapError(conduit.KindCommunication, err, c.Name()+": decode response")
	}
	return &out, nil
}
