package conduit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Neutral wire model. Inbound requests arrive in the OpenAI dialect and are
// carried through the gateway in these shapes; adapters translate to and from
// provider wire formats.

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	N                   int             `json:"n,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *StreamOptions  `json:"stream_options,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	Seed                *int            `json:"seed,omitempty"`
	User                string          `json:"user,omitempty"`
	Tools               json.RawMessage `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat      json.RawMessage `json:"response_format,omitempty"`
}

// EffectiveMaxTokens returns max_completion_tokens if set, else max_tokens,
// else 0.
func (r *ChatRequest) EffectiveMaxTokens() int {
	if r.MaxCompletionTokens != nil {
		return *r.MaxCompletionTokens
	}
	if r.MaxTokens != nil {
		return *r.MaxTokens
	}
	return 0
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message. Content accepts either a plain string
// or an ordered list of typed parts on the wire.
type Message struct {
	Role       string          `json:"role"`
	Content    MessageContent  `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MessageContent is an ordered list of content parts. A bare JSON string
// parses to a single text part; a single text part marshals back to a bare
// string.
type MessageContent []ContentPart

// ContentPart is one element of a structured message content list.
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// ImageRef references an image by URL; inline images use a data: URI.
type ImageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// InlineData decodes a data: URI image reference into its media type and
// raw bytes. ok is false when the reference is a plain URL.
func (r *ImageRef) InlineData() (mediaType string, data []byte, ok bool) {
	rest, found := strings.CutPrefix(r.URL, "data:")
	if !found {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", nil, false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return mediaType, raw, true
}

// Text returns a MessageContent holding a single text part.
func Text(s string) MessageContent {
	return MessageContent{{Type: "text", Text: s}}
}

// IsTextOnly reports whether every part is a text part.
func (c MessageContent) IsTextOnly() bool {
	for _, p := range c {
		if p.Type != "text" {
			return false
		}
	}
	return true
}

// JoinText concatenates the text of all text parts in order.
func (c MessageContent) JoinText() string {
	var b strings.Builder
	for _, p := range c {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// UnmarshalJSON accepts a bare string, null, or a list of parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	*c = parts
	return nil
}

// MarshalJSON emits a bare string for a single text part, a part list
// otherwise.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c) == 1 && c[0].Type == "text" {
		return json.Marshal(c[0].Text)
	}
	return json.Marshal([]ContentPart(c))
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	TotalTokens      int                `json:"total_tokens"`
	PromptDetails    *PromptTokenDetail `json:"prompt_tokens_details,omitempty"`
}

// PromptTokenDetail breaks prompt tokens down by prompt-cache participation.
// CachedTokens were read from the provider's prompt cache; CacheWriteTokens
// were written to it. Both are subsets of PromptTokens.
type PromptTokenDetail struct {
	CachedTokens     int `json:"cached_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded as-is when possible
	Usage *Usage // non-nil on the final chunk when the provider reported usage
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
	User           string          `json:"user,omitempty"`
}

// InputTexts normalizes the embedding input to a list of strings.
func (r *EmbeddingRequest) InputTexts() ([]string, error) {
	if len(r.Input) == 0 {
		return nil, nil
	}
	if r.Input[0] == '"' {
		var s string
		if err := json.Unmarshal(r.Input, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(r.Input, &list); err != nil {
		return nil, fmt.Errorf("embedding input: %w", err)
	}
	return list, nil
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// ImageRequest represents an OpenAI-compatible image generation request.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"` // "url" | "b64_json"
	InferenceSteps int    `json:"inference_steps,omitempty"` // step-priced diffusion models
	User           string `json:"user,omitempty"`
}

// ImageResponse represents an OpenAI-compatible image generation response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Usage   *Usage      `json:"usage,omitempty"`
}

// ImageData is one generated image, by URL or inline base64.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// SpeechRequest represents a text-to-speech request.
type SpeechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format,omitempty"` // "mp3" | "wav" | "pcm" | ...
	Speed          *float64 `json:"speed,omitempty"`
	Language       string   `json:"language,omitempty"`
}

// SpeechResponse carries synthesized audio.
type SpeechResponse struct {
	Audio       []byte
	ContentType string
	Usage       *Usage
}

// TranscriptionRequest represents a speech-to-text request.
type TranscriptionRequest struct {
	Model          string
	Audio          []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string // "json" | "text" | "verbose_json"
	Temperature    *float64
}

// TranscriptionResponse represents a speech-to-text response.
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds
	Usage    *Usage  `json:"usage,omitempty"`
}

// RerankRequest scores documents against a query.
type RerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// RerankResult is one scored document.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankResponse represents a rerank response.
type RerankResponse struct {
	Results []RerankResult `json:"results"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// VideoRequest represents a video generation request.
type VideoRequest struct {
	Model           string  `json:"model"`
	Prompt          string  `json:"prompt"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Resolution      string  `json:"resolution,omitempty"` // e.g. "720p", "1080p"
}

// VideoResponse represents a completed video generation.
type VideoResponse struct {
	TaskID          string    `json:"task_id"`
	State           TaskState `json:"state"`
	URL             string    `json:"url,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Resolution      string    `json:"resolution,omitempty"`
}

// ModelInfo is one entry of the OpenAI /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the OpenAI /v1/models response envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}
