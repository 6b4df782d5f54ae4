// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	conduit "github.com/knnlabs/conduit/internal"
)

// FakeClient is a configurable conduit.Client for testing. Optional
// capability methods return KindUnsupported unless their Fn is set, which
// matches how decorated adapters behave.
type FakeClient struct {
	ProviderName string

	ChatFn       func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error)
	EmbedFn      func(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error)
	ImageFn      func(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
	VerifyFn     func(ctx context.Context) (*conduit.AuthCheck, error)
	SpeechFn     func(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error)
	TranscribeFn func(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error)
	RerankFn     func(ctx context.Context, req *conduit.RerankRequest) (*conduit.RerankResponse, error)
	VideoFn      func(ctx context.Context, req *conduit.VideoRequest) (*conduit.VideoResponse, error)
	RealtimeFn   func(ctx context.Context, cfg conduit.RealtimeSessionConfig) (conduit.RealtimeSession, error)
	Capabilities conduit.RealtimeCapabilities
}

var (
	_ conduit.Client              = (*FakeClient)(nil)
	_ conduit.SpeechClient        = (*FakeClient)(nil)
	_ conduit.TranscriptionClient = (*FakeClient)(nil)
	_ conduit.RerankClient        = (*FakeClient)(nil)
	_ conduit.VideoClient         = (*FakeClient)(nil)
	_ conduit.RealtimeClient      = (*FakeClient)(nil)
)

// Name returns the configured provider name, defaulting to "fake".
func (f *FakeClient) Name() string {
	if f.ProviderName != "" {
		return f.ProviderName
	}
	return "fake"
}

// CreateChatCompletion delegates to ChatFn or returns a canned response.
func (f *FakeClient) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &conduit.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []conduit.Choice{{
			Message:      conduit.Message{Role: "assistant", Content: conduit.Text("hello")},
			FinishReason: "stop",
		}},
		Usage: &conduit.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

// StreamChatCompletion delegates to StreamFn or streams a canned response.
func (f *FakeClient) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return FakeStreamChan(conduit.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"hello"}}]}`)}), nil
}

// CreateEmbedding delegates to EmbedFn or returns a canned response.
func (f *FakeClient) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, req)
	}
	return &conduit.EmbeddingResponse{
		Object: "list",
		Data:   []byte(`[{"object":"embedding","index":0,"embedding":[0.1,0.2]}]`),
		Model:  req.Model,
		Usage:  &conduit.Usage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

// CreateImage delegates to ImageFn or returns KindUnsupported.
func (f *FakeClient) CreateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	if f.ImageFn != nil {
		return f.ImageFn(ctx, req)
	}
	return nil, f.unsupported("image generation")
}

// ListModels delegates to ModelsFn or returns a static list.
func (f *FakeClient) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn != nil {
		return f.ModelsFn(ctx)
	}
	return []string{"fake-model"}, nil
}

// VerifyAuthentication delegates to VerifyFn or reports success.
func (f *FakeClient) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	if f.VerifyFn != nil {
		return f.VerifyFn(ctx)
	}
	return &conduit.AuthCheck{OK: true, LatencyMS: 1}, nil
}

// CreateSpeech delegates to SpeechFn or returns KindUnsupported.
func (f *FakeClient) CreateSpeech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	if f.SpeechFn != nil {
		return f.SpeechFn(ctx, req)
	}
	return nil, f.unsupported("speech synthesis")
}

// CreateTranscription delegates to TranscribeFn or returns KindUnsupported.
func (f *FakeClient) CreateTranscription(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	if f.TranscribeFn != nil {
		return f.TranscribeFn(ctx, req)
	}
	return nil, f.unsupported("transcription")
}

// Rerank delegates to RerankFn or returns KindUnsupported.
func (f *FakeClient) Rerank(ctx context.Context, req *conduit.RerankRequest) (*conduit.RerankResponse, error) {
	if f.RerankFn != nil {
		return f.RerankFn(ctx, req)
	}
	return nil, f.unsupported("rerank")
}

// CreateVideo delegates to VideoFn or returns KindUnsupported.
func (f *FakeClient) CreateVideo(ctx context.Context, req *conduit.VideoRequest) (*conduit.VideoResponse, error) {
	if f.VideoFn != nil {
		return f.VideoFn(ctx, req)
	}
	return nil, f.unsupported("video generation")
}

// OpenRealtimeSession delegates to RealtimeFn or returns KindUnsupported.
func (f *FakeClient) OpenRealtimeSession(ctx context.Context, cfg conduit.RealtimeSessionConfig) (conduit.RealtimeSession, error) {
	if f.RealtimeFn != nil {
		return f.RealtimeFn(ctx, cfg)
	}
	return nil, f.unsupported("real-time sessions")
}

// RealtimeCapabilities returns the configured capabilities.
func (f *FakeClient) RealtimeCapabilities() conduit.RealtimeCapabilities {
	return f.Capabilities
}

func (f *FakeClient) unsupported(what string) error {
	return conduit.Errorf(conduit.KindUnsupported, "%s does not support %s", f.Name(), what)
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel carrying usage. The channel is closed after all chunks
// are sent.
func FakeStreamChan(chunks ...conduit.StreamChunk) <-chan conduit.StreamChunk {
	ch := make(chan conduit.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- conduit.StreamChunk{Done: true, Usage: &conduit.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
	close(ch)
	return ch
}
