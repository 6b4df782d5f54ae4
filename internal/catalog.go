package conduit

import (
	"encoding/json"
	"fmt"
	"time"
)

// --- Provider catalog ---

// ProviderType discriminates the adapter used for a provider. The set is
// closed; the factory switches over it exhaustively.
type ProviderType string

const (
	ProviderOpenAI           ProviderType = "openai"
	ProviderAzureOpenAI      ProviderType = "azure-openai"
	ProviderAnthropic        ProviderType = "anthropic"
	ProviderMistral          ProviderType = "mistral"
	ProviderGroq             ProviderType = "groq"
	ProviderCohere           ProviderType = "cohere"
	ProviderGemini           ProviderType = "gemini"
	ProviderVertexAI         ProviderType = "vertexai"
	ProviderOllama           ProviderType = "ollama"
	ProviderBedrock          ProviderType = "bedrock"
	ProviderHuggingFace      ProviderType = "huggingface"
	ProviderReplicate        ProviderType = "replicate"
	ProviderFireworks        ProviderType = "fireworks"
	ProviderSageMaker        ProviderType = "sagemaker"
	ProviderOpenRouter       ProviderType = "openrouter"
	ProviderOpenAICompatible ProviderType = "openai-compatible"
	ProviderMiniMax          ProviderType = "minimax"
	ProviderUltravox         ProviderType = "ultravox"
	ProviderElevenLabs       ProviderType = "elevenlabs"
	ProviderGoogleCloud      ProviderType = "googlecloud"
	ProviderCerebras         ProviderType = "cerebras"
	ProviderDeepInfra        ProviderType = "deepinfra"
	ProviderSambaNova        ProviderType = "sambanova"
)

// ProviderTypes lists every known provider type, in factory switch order.
var ProviderTypes = []ProviderType{
	ProviderOpenAI, ProviderAzureOpenAI, ProviderAnthropic, ProviderMistral,
	ProviderGroq, ProviderCohere, ProviderGemini, ProviderVertexAI,
	ProviderOllama, ProviderBedrock, ProviderHuggingFace, ProviderReplicate,
	ProviderFireworks, ProviderSageMaker, ProviderOpenRouter,
	ProviderOpenAICompatible, ProviderMiniMax, ProviderUltravox,
	ProviderElevenLabs, ProviderGoogleCloud, ProviderCerebras,
	ProviderDeepInfra, ProviderSambaNova,
}

// providerTypeAliases maps accepted spellings to canonical types.
var providerTypeAliases = map[string]ProviderType{
	"azure":            ProviderAzureOpenAI,
	"azureopenai":      ProviderAzureOpenAI,
	"vertex":           ProviderVertexAI,
	"vertex-ai":        ProviderVertexAI,
	"openaicompatible": ProviderOpenAICompatible,
	"generic":          ProviderOpenAICompatible,
	"google-cloud":     ProviderGoogleCloud,
	"11labs":           ProviderElevenLabs,
}

// ParseProviderType resolves a provider type string, accepting a few
// alternate spellings.
func ParseProviderType(s string) (ProviderType, error) {
	t := ProviderType(s)
	if t.Valid() {
		return t, nil
	}
	if t, ok := providerTypeAliases[s]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown provider type %q", s)
}

// Valid reports whether t is one of the known provider types.
func (t ProviderType) Valid() bool {
	for _, known := range ProviderTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t ProviderType) String() string { return string(t) }

// Provider is a configured upstream LLM provider.
type Provider struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Type      ProviderType `json:"type"`
	BaseURL   string       `json:"base_url,omitempty"` // empty = adapter default
	Enabled   bool         `json:"enabled"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// KeyCredential is one credential belonging to a provider. At most one
// credential per provider is primary; the resolver picks the primary enabled
// credential, else the first enabled one.
type KeyCredential struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	APIKey     string    `json:"-"` // secret, never serialized
	SecretKey  string    `json:"-"` // AWS secret access key; empty elsewhere
	APIVersion string    `json:"api_version,omitempty"`
	Region     string    `json:"region,omitempty"`  // AWS region / GCP location
	Account    string    `json:"account,omitempty"` // GCP project / Azure resource
	Primary    bool      `json:"primary"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ResolveCredential picks the credential the factory should use: the primary
// enabled one, else the first enabled one. Returns nil when none qualifies.
func ResolveCredential(creds []KeyCredential) *KeyCredential {
	var fallback *KeyCredential
	for i := range creds {
		c := &creds[i]
		if !c.Enabled {
			continue
		}
		if c.Primary {
			return c
		}
		if fallback == nil {
			fallback = c
		}
	}
	return fallback
}

// ModelMapping routes a client-facing model alias to a provider's model.
type ModelMapping struct {
	ID              string    `json:"id"`
	Alias           string    `json:"alias"` // unique
	ProviderID      string    `json:"provider_id"`
	ProviderModelID string    `json:"provider_model_id"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// --- Model hierarchy ---

// ModelAuthor is the top level of the display hierarchy (e.g. "OpenAI").
type ModelAuthor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	WebsiteURL  string `json:"website_url,omitempty"`
}

// ModelSeries groups related models that share a tokenizer and UI defaults
// (e.g. the GPT family).
type ModelSeries struct {
	ID            string          `json:"id"`
	AuthorID      string          `json:"author_id"`
	Name          string          `json:"name"`
	TokenizerType string          `json:"tokenizer_type,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"` // UI parameter defaults
}

// Model is one concrete model within a series.
type Model struct {
	ID           string       `json:"id"`
	SeriesID     string       `json:"series_id"`
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	Active       bool         `json:"active"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities describes what a model can do.
type Capabilities struct {
	Chat            bool `json:"chat"`
	Vision          bool `json:"vision"`
	Transcription   bool `json:"transcription"`
	TTS             bool `json:"tts"`
	RealtimeAudio   bool `json:"realtime_audio"`
	FunctionCalling bool `json:"function_calling"`
	Embeddings      bool `json:"embeddings"`
	ImageGeneration bool `json:"image_generation"`
	VideoGeneration bool `json:"video_generation"`

	TokenizerType   string   `json:"tokenizer_type,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	SupportedVoices []string `json:"supported_voices,omitempty"`
	Languages       []string `json:"languages,omitempty"`
	AudioFormats    []string `json:"audio_formats,omitempty"`
}
