package provider

import (
	"context"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/telemetry"
)

// WithMetrics wraps c so every upstream call records duration, first-chunk
// latency, token throughput, and error kinds. A nil Metrics returns c
// unwrapped.
func WithMetrics(c conduit.Client, m *telemetry.Metrics) conduit.Client {
	if m == nil {
		return c
	}
	return &metricsClient{inner: c, metrics: m}
}

// metricsClient decorates a conduit.Client. It also forwards the optional
// capability interfaces, returning KindUnsupported when the wrapped adapter
// lacks one, so callers see the same error they would synthesize themselves.
type metricsClient struct {
	inner   conduit.Client
	metrics *telemetry.Metrics
}

func (m *metricsClient) Name() string { return m.inner.Name() }

func (m *metricsClient) CreateChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	start := time.Now()
	resp, err := m.inner.CreateChatCompletion(ctx, req)
	m.observe(req.Model, start, err)
	if err == nil && resp != nil {
		m.tokens(req.Model, resp.Usage)
	}
	return resp, err
}

func (m *metricsClient) StreamChatCompletion(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	start := time.Now()
	ch, err := m.inner.StreamChatCompletion(ctx, req)
	if err != nil {
		m.observe(req.Model, start, err)
		return nil, err
	}

	out := make(chan conduit.StreamChunk)
	go func() {
		defer close(out)
		first := true
		var final error
		for chunk := range ch {
			if first {
				first = false
				m.metrics.UpstreamFirstToken.WithLabelValues(m.inner.Name(), req.Model).
					Observe(time.Since(start).Seconds())
			}
			if chunk.Err != nil {
				final = chunk.Err
			}
			if chunk.Usage != nil {
				m.tokens(req.Model, chunk.Usage)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				m.observe(req.Model, start, ctx.Err())
				return
			}
		}
		m.observe(req.Model, start, final)
	}()
	return out, nil
}

func (m *metricsClient) CreateEmbedding(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	start := time.Now()
	resp, err := m.inner.CreateEmbedding(ctx, req)
	m.observe(req.Model, start, err)
	if err == nil && resp != nil {
		m.tokens(req.Model, resp.Usage)
	}
	return resp, err
}

func (m *metricsClient) CreateImage(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	start := time.Now()
	resp, err := m.inner.CreateImage(ctx, req)
	m.observe(req.Model, start, err)
	return resp, err
}

func (m *metricsClient) ListModels(ctx context.Context) ([]string, error) {
	start := time.Now()
	models, err := m.inner.ListModels(ctx)
	m.observe("-", start, err)
	return models, err
}

func (m *metricsClient) VerifyAuthentication(ctx context.Context) (*conduit.AuthCheck, error) {
	start := time.Now()
	check, err := m.inner.VerifyAuthentication(ctx)
	m.observe("-", start, err)
	return check, err
}

// --- Optional capabilities ---

func (m *metricsClient) CreateSpeech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	sc, ok := m.inner.(conduit.SpeechClient)
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support speech synthesis", m.inner.Name())
	}
	start := time.Now()
	resp, err := sc.CreateSpeech(ctx, req)
	m.observe(req.Model, start, err)
	return resp, err
}

func (m *metricsClient) CreateTranscription(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	tc, ok := m.inner.(conduit.TranscriptionClient)
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support transcription", m.inner.Name())
	}
	start := time.Now()
	resp, err := tc.CreateTranscription(ctx, req)
	m.observe(req.Model, start, err)
	return resp, err
}

func (m *metricsClient) Rerank(ctx context.Context, req *conduit.RerankRequest) (*conduit.RerankResponse, error) {
	rc, ok := m.inner.(conduit.RerankClient)
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support rerank", m.inner.Name())
	}
	start := time.Now()
	resp, err := rc.Rerank(ctx, req)
	m.observe(req.Model, start, err)
	return resp, err
}

func (m *metricsClient) OpenRealtimeSession(ctx context.Context, cfg conduit.RealtimeSessionConfig) (conduit.RealtimeSession, error) {
	rc, ok := m.inner.(conduit.RealtimeClient)
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support real-time sessions", m.inner.Name())
	}
	start := time.Now()
	sess, err := rc.OpenRealtimeSession(ctx, cfg)
	m.observe(cfg.Model, start, err)
	return sess, err
}

func (m *metricsClient) RealtimeCapabilities() conduit.RealtimeCapabilities {
	if rc, ok := m.inner.(conduit.RealtimeClient); ok {
		return rc.RealtimeCapabilities()
	}
	return conduit.RealtimeCapabilities{}
}

func (m *metricsClient) CreateVideo(ctx context.Context, req *conduit.VideoRequest) (*conduit.VideoResponse, error) {
	vc, ok := m.inner.(conduit.VideoClient)
	if !ok {
		return nil, conduit.Errorf(conduit.KindUnsupported, "%s does not support video generation", m.inner.Name())
	}
	start := time.Now()
	resp, err := vc.CreateVideo(ctx, req)
	m.observe(req.Model, start, err)
	return resp, err
}

func (m *metricsClient) observe(model string, start time.Time, err error) {
	name := m.inner.Name()
	m.metrics.UpstreamDuration.WithLabelValues(name, model).Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.UpstreamErrors.WithLabelValues(name, conduit.KindOf(err).String()).Inc()
	}
}

func (m *metricsClient) tokens(model string, u *conduit.Usage) {
	if u == nil {
		return
	}
	m.metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(u.PromptTokens))
	m.metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(u.CompletionTokens))
}
