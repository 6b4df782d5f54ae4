// Package conduit defines domain types and interfaces for the Conduit LLM
// gateway. This package has no project imports -- it is the dependency root.
package conduit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Adapter interface ---

// Client is the interface every provider adapter implements. Adapters are
// cheap to construct and are created per request (or per session); a single
// instance serves one non-streaming call at a time but may carry any number
// of concurrent streaming calls, each owning its own chunk channel.
type Client interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
	// CreateChatCompletion sends a non-streaming chat completion request.
	CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// StreamChatCompletion sends a streaming chat completion request.
	// The returned channel is finite and closed after the last chunk.
	StreamChatCompletion(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// CreateEmbedding generates embeddings for input text.
	CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// CreateImage generates images from a prompt.
	CreateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
	// ListModels returns the model IDs the provider offers. Providers
	// without a listing endpoint return a static allowlist.
	ListModels(ctx context.Context) ([]string, error)
	// VerifyAuthentication checks the configured credential against the
	// provider with a minimal round trip.
	VerifyAuthentication(ctx context.Context) (*AuthCheck, error)
}

// AuthCheck is the outcome of a credential verification round trip.
type AuthCheck struct {
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Details   string `json:"details,omitempty"`
}

// Optional adapter capabilities, discovered via type assertion.

// SpeechClient synthesizes audio from text.
type SpeechClient interface {
	CreateSpeech(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error)
}

// TranscriptionClient transcribes audio to text.
type TranscriptionClient interface {
	CreateTranscription(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)
}

// RerankClient scores documents against a query.
type RerankClient interface {
	Rerank(ctx context.Context, req *RerankRequest) (*RerankResponse, error)
}

// VideoClient generates video from a prompt. Implementations poll the
// provider's task API until the generation reaches a terminal state.
type VideoClient interface {
	CreateVideo(ctx context.Context, req *VideoRequest) (*VideoResponse, error)
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the authenticate middleware via mutation of
// the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *VirtualKey
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the authenticated virtual key from context.
func KeyFromContext(ctx context.Context) *VirtualKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the virtual key in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithKey(ctx context.Context, k *VirtualKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Virtual keys ---

// VirtualKeyPrefix is the prefix for all Conduit virtual keys.
const VirtualKeyPrefix = "condt_"

// VirtualKey is a gateway-minted client credential. The raw secret is never
// stored; only its hash.
type VirtualKey struct {
	ID            string     `json:"id"`
	KeyHash       string     `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix     string     `json:"key_prefix"` // first 8 chars for display
	Name          string     `json:"name"`
	AllowedModels []string   `json:"allowed_models,omitempty"` // nil = all models
	RPMLimit      int        `json:"rpm_limit,omitempty"`      // 0 = unlimited
	Enabled       bool       `json:"enabled"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AllowsModel reports whether the key may call the given model alias.
func (k *VirtualKey) AllowsModel(alias string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == alias {
			return true
		}
	}
	return false
}

// HashKey returns the hex-encoded SHA-256 hash of a raw virtual key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Authenticator validates request credentials and returns the virtual key.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*VirtualKey, error)
}
