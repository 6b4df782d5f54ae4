package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	conduit "github.com/knnlabs/conduit/internal"
	"github.com/knnlabs/conduit/internal/cache"
	"github.com/knnlabs/conduit/internal/factory"
	"github.com/knnlabs/conduit/internal/pricing"
	"github.com/knnlabs/conduit/internal/router"
	"github.com/knnlabs/conduit/internal/storage"
	"github.com/knnlabs/conduit/internal/telemetry"
	"github.com/knnlabs/conduit/internal/tokencount"
)

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(conduit.UsageRecord)
}

const (
	defaultTariffTTL  = 5 * time.Minute
	defaultTariffSize = 2048

	// streamBuffer smooths bursts between the upstream reader and the SSE
	// writer without letting a slow client hold provider memory.
	streamBuffer = 8
)

// DispatcherOptions carries the dispatcher's optional collaborators and
// tariff cache tuning. Zero values disable usage recording and metrics and
// fall back to the default cache sizing.
type DispatcherOptions struct {
	Usage     UsageRecorder
	Metrics   *telemetry.Metrics
	TariffTTL time.Duration
	CacheSize int
}

// Dispatcher turns one decoded API request into a routed provider call and
// settles the accounting afterwards: token reconciliation against the
// deployment's budget, cost from the served alias's tariff, and one usage
// record per request, success or failure.
type Dispatcher struct {
	factory *factory.Factory
	router  *router.Router
	store   storage.CatalogStore
	tariffs *cache.Region[conduit.ModelCost]
	counter *tokencount.Counter
	usage   UsageRecorder
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// NewDispatcher builds a Dispatcher. collector may be nil to run the tariff
// cache without statistics.
func NewDispatcher(f *factory.Factory, rt *router.Router, store storage.CatalogStore, collector *cache.Collector, log *slog.Logger, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.TariffTTL <= 0 {
		opts.TariffTTL = defaultTariffTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultTariffSize
	}
	if log == nil {
		log = slog.Default()
	}
	tariffs, err := cache.NewRegion[conduit.ModelCost](collector, conduit.RegionTariffs, opts.CacheSize, opts.TariffTTL, nil)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		factory: f,
		router:  rt,
		store:   store,
		tariffs: tariffs,
		counter: tokencount.NewCounter(),
		usage:   opts.Usage,
		metrics: opts.Metrics,
		log:     log,
	}, nil
}

// Chat serves a non-streaming chat completion through the router.
func (d *Dispatcher) Chat(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	estimated := int64(d.counter.EstimateRequest(req.Model, req.Messages))
	start := time.Now()
	if err := d.checkAlias(ctx, "chat", req.Model, start); err != nil {
		return nil, err
	}

	var (
		resp *conduit.ChatResponse
		rsl  *factory.Resolution
	)
	res, err := d.router.Execute(ctx, router.Request{Model: req.Model, EstimatedTokens: estimated},
		func(ctx context.Context, dep conduit.Deployment) error {
			var aErr error
			rsl, aErr = d.factory.Resolve(ctx, dep.ModelName)
			if aErr != nil {
				return aErr
			}
			creq := *req
			creq.Model = rsl.Mapping.ProviderModelID
			resp, aErr = rsl.Client.CreateChatCompletion(ctx, &creq)
			if aErr != nil {
				d.observeUpstreamError(rsl.Provider.Name, aErr)
			}
			return aErr
		})
	if err != nil {
		d.recordFailure(ctx, "chat", req.Model, "", start, err)
		return nil, err
	}

	// Billing falls back to estimation when the provider omits usage; the
	// client response is never backfilled with estimates.
	u := resp.Usage
	if u == nil {
		u = d.estimateChatUsage(req, resp)
	}
	d.router.AdjustTokens(res.Deployment.ID, int64(u.TotalTokens)-estimated)

	d.record(ctx, conduit.UsageRecord{
		Model:            res.Deployment.ModelName,
		Provider:         rsl.Provider.Name,
		ProviderModelID:  rsl.Mapping.ProviderModelID,
		Operation:        "chat",
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		LatencyMS:        time.Since(start).Milliseconds(),
		StatusCode:       http.StatusOK,
	}, pricing.ModalityChat, pricing.FromWireUsage(u))
	return resp, nil
}

// ChatStream opens a streaming chat completion. Failover happens only while
// opening the stream; once the first byte is committed the stream belongs to
// the winning deployment. The returned channel is closed after the last
// chunk, and accounting settles when the upstream ends.
func (d *Dispatcher) ChatStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	estimated := int64(d.counter.EstimateRequest(req.Model, req.Messages))
	start := time.Now()
	if err := d.checkAlias(ctx, "chat_stream", req.Model, start); err != nil {
		return nil, err
	}

	var (
		upstream <-chan conduit.StreamChunk
		rsl      *factory.Resolution
	)
	res, err := d.router.Execute(ctx, router.Request{Model: req.Model, EstimatedTokens: estimated},
		func(ctx context.Context, dep conduit.Deployment) error {
			var aErr error
			rsl, aErr = d.factory.Resolve(ctx, dep.ModelName)
			if aErr != nil {
				return aErr
			}
			creq := *req
			creq.Model = rsl.Mapping.ProviderModelID
			upstream, aErr = rsl.Client.StreamChatCompletion(ctx, &creq)
			if aErr != nil {
				d.observeUpstreamError(rsl.Provider.Name, aErr)
			}
			return aErr
		})
	if err != nil {
		d.recordFailure(ctx, "chat_stream", req.Model, "", start, err)
		return nil, err
	}

	out := make(chan conduit.StreamChunk, streamBuffer)
	go d.relayStream(ctx, out, upstream, streamSettle{
		deployment: res.Deployment,
		provider:   rsl.Provider.Name,
		modelID:    rsl.Mapping.ProviderModelID,
		estimated:  estimated,
		start:      start,
	})
	return out, nil
}

type streamSettle struct {
	deployment conduit.Deployment
	provider   string
	modelID    string
	estimated  int64
	start      time.Time
}

// relayStream forwards upstream chunks to out, accumulating usage for
// billing. It always drains the upstream and settles accounting, even when
// the caller walks away mid-stream.
func (d *Dispatcher) relayStream(ctx context.Context, out chan<- conduit.StreamChunk, upstream <-chan conduit.StreamChunk, st streamSettle) {
	defer close(out)

	var (
		usage     *conduit.Usage
		textChars int
		firstSeen bool
		streamErr error
	)
	track := func(chunk conduit.StreamChunk) {
		if !firstSeen {
			firstSeen = true
			if d.metrics != nil {
				d.metrics.UpstreamFirstToken.WithLabelValues(st.provider, st.deployment.ModelName).
					Observe(time.Since(st.start).Seconds())
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
			d.observeUpstreamError(st.provider, chunk.Err)
		}
		if usage == nil && len(chunk.Data) > 0 {
			// Delta text length feeds the estimation fallback for providers
			// that never report usage.
			textChars += len(gjson.GetBytes(chunk.Data, "choices.0.delta.content").Str)
		}
	}

forward:
	for chunk := range upstream {
		track(chunk)
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Caller gone. The adapter shares ctx and will close shortly;
			// keep draining so the usage tail is not lost.
			for c := range upstream {
				track(c)
			}
			break forward
		}
	}

	u := usage
	if u == nil {
		prompt := int(st.estimated)
		completion := (textChars + 3) / 4
		u = &conduit.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	}
	d.router.AdjustTokens(st.deployment.ID, int64(u.TotalTokens)-st.estimated)

	rec := conduit.UsageRecord{
		Model:            st.deployment.ModelName,
		Provider:         st.provider,
		ProviderModelID:  st.modelID,
		Operation:        "chat_stream",
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		LatencyMS:        time.Since(st.start).Milliseconds(),
		StatusCode:       http.StatusOK,
	}
	if streamErr != nil {
		// The 200 is already committed; keep the upstream kind for analysis.
		rec.ErrorKind = conduit.KindOf(streamErr).String()
	}
	d.record(ctx, rec, pricing.ModalityChat, pricing.FromWireUsage(u))
}

// Embeddings serves an embedding request through the router, restricted to
// deployments that declare embedding support.
func (d *Dispatcher) Embeddings(ctx context.Context, req *conduit.EmbeddingRequest) (*conduit.EmbeddingResponse, error) {
	estimated := d.estimateEmbedding(req)
	start := time.Now()
	if err := d.checkAlias(ctx, "embedding", req.Model, start); err != nil {
		return nil, err
	}

	var (
		resp *conduit.EmbeddingResponse
		rsl  *factory.Resolution
	)
	res, err := d.router.Execute(ctx, router.Request{Model: req.Model, Embeddings: true, EstimatedTokens: estimated},
		func(ctx context.Context, dep conduit.Deployment) error {
			var aErr error
			rsl, aErr = d.factory.Resolve(ctx, dep.ModelName)
			if aErr != nil {
				return aErr
			}
			creq := *req
			creq.Model = rsl.Mapping.ProviderModelID
			resp, aErr = rsl.Client.CreateEmbedding(ctx, &creq)
			if aErr != nil {
				d.observeUpstreamError(rsl.Provider.Name, aErr)
			}
			return aErr
		})
	if err != nil {
		d.recordFailure(ctx, "embedding", req.Model, "", start, err)
		return nil, err
	}

	u := resp.Usage
	if u == nil {
		u = &conduit.Usage{PromptTokens: int(estimated), TotalTokens: int(estimated)}
	}
	d.router.AdjustTokens(res.Deployment.ID, int64(u.TotalTokens)-estimated)

	d.record(ctx, conduit.UsageRecord{
		Model:           res.Deployment.ModelName,
		Provider:        rsl.Provider.Name,
		ProviderModelID: rsl.Mapping.ProviderModelID,
		Operation:       "embedding",
		PromptTokens:    u.PromptTokens,
		TotalTokens:     u.TotalTokens,
		LatencyMS:       time.Since(start).Milliseconds(),
		StatusCode:      http.StatusOK,
	}, pricing.ModalityEmbedding, pricing.FromWireUsage(u))
	return resp, nil
}

// Image serves an image generation request. Image aliases resolve directly
// through the catalog; there are no capacity deployments to arbitrate.
func (d *Dispatcher) Image(ctx context.Context, req *conduit.ImageRequest) (*conduit.ImageResponse, error) {
	start := time.Now()
	rsl, err := d.factory.Resolve(ctx, req.Model)
	if err != nil {
		d.recordFailure(ctx, "image", req.Model, "", start, err)
		return nil, err
	}

	creq := *req
	creq.Model = rsl.Mapping.ProviderModelID
	resp, err := rsl.Client.CreateImage(ctx, &creq)
	if err != nil {
		d.observeUpstreamError(rsl.Provider.Name, err)
		d.recordFailure(ctx, "image", req.Model, rsl.Provider.Name, start, err)
		return nil, err
	}

	images := len(resp.Data)
	if images == 0 {
		images = max(req.N, 1)
	}
	rec := conduit.UsageRecord{
		Model:           req.Model,
		Provider:        rsl.Provider.Name,
		ProviderModelID: rsl.Mapping.ProviderModelID,
		Operation:       "image",
		Images:          images,
		LatencyMS:       time.Since(start).Milliseconds(),
		StatusCode:      http.StatusOK,
	}
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.TotalTokens = resp.Usage.TotalTokens
	}
	d.record(ctx, rec, pricing.ModalityImage, pricing.Usage{
		Images:          images,
		ImageQuality:    req.Quality,
		ImageResolution: req.Size,
		InferenceSteps:  req.InferenceSteps,
	})
	return resp, nil
}

// Speech serves a text-to-speech request for providers that support it.
func (d *Dispatcher) Speech(ctx context.Context, req *conduit.SpeechRequest) (*conduit.SpeechResponse, error) {
	start := time.Now()
	rsl, err := d.factory.Resolve(ctx, req.Model)
	if err != nil {
		d.recordFailure(ctx, "speech", req.Model, "", start, err)
		return nil, err
	}
	sc, ok := rsl.Client.(conduit.SpeechClient)
	if !ok {
		err = conduit.Errorf(conduit.KindUnsupported, "%s does not support speech synthesis", rsl.Provider.Name)
		d.recordFailure(ctx, "speech", req.Model, rsl.Provider.Name, start, err)
		return nil, err
	}

	creq := *req
	creq.Model = rsl.Mapping.ProviderModelID
	resp, err := sc.CreateSpeech(ctx, &creq)
	if err != nil {
		d.observeUpstreamError(rsl.Provider.Name, err)
		d.recordFailure(ctx, "speech", req.Model, rsl.Provider.Name, start, err)
		return nil, err
	}

	rec := conduit.UsageRecord{
		Model:           req.Model,
		Provider:        rsl.Provider.Name,
		ProviderModelID: rsl.Mapping.ProviderModelID,
		Operation:       "speech",
		AudioBytes:      int64(len(resp.Audio)),
		LatencyMS:       time.Since(start).Milliseconds(),
		StatusCode:      http.StatusOK,
	}
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.TotalTokens = resp.Usage.TotalTokens
	}
	d.record(ctx, rec, pricing.ModalityChat, pricing.FromWireUsage(resp.Usage))
	return resp, nil
}

// Transcription serves a speech-to-text request for providers that support it.
func (d *Dispatcher) Transcription(ctx context.Context, req *conduit.TranscriptionRequest) (*conduit.TranscriptionResponse, error) {
	start := time.Now()
	rsl, err := d.factory.Resolve(ctx, req.Model)
	if err != nil {
		d.recordFailure(ctx, "transcription", req.Model, "", start, err)
		return nil, err
	}
	tc, ok := rsl.Client.(conduit.TranscriptionClient)
	if !ok {
		err = conduit.Errorf(conduit.KindUnsupported, "%s does not support audio transcription", rsl.Provider.Name)
		d.recordFailure(ctx, "transcription", req.Model, rsl.Provider.Name, start, err)
		return nil, err
	}

	creq := *req
	creq.Model = rsl.Mapping.ProviderModelID
	resp, err := tc.CreateTranscription(ctx, &creq)
	if err != nil {
		d.observeUpstreamError(rsl.Provider.Name, err)
		d.recordFailure(ctx, "transcription", req.Model, rsl.Provider.Name, start, err)
		return nil, err
	}

	rec := conduit.UsageRecord{
		Model:           req.Model,
		Provider:        rsl.Provider.Name,
		ProviderModelID: rsl.Mapping.ProviderModelID,
		Operation:       "transcription",
		AudioBytes:      int64(len(req.Audio)),
		LatencyMS:       time.Since(start).Milliseconds(),
		StatusCode:      http.StatusOK,
	}
	if resp.Usage != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
	}
	d.record(ctx, rec, pricing.ModalityChat, pricing.FromWireUsage(resp.Usage))
	return resp, nil
}

// OpenRealtime resolves the alias to a realtime-capable provider and opens a
// session. It returns the provider name for metrics labelling.
func (d *Dispatcher) OpenRealtime(ctx context.Context, cfg conduit.RealtimeSessionConfig) (conduit.RealtimeSession, string, error) {
	rsl, err := d.factory.Resolve(ctx, cfg.Model)
	if err != nil {
		return nil, "", err
	}
	rc, ok := rsl.Client.(conduit.RealtimeClient)
	if !ok {
		return nil, "", conduit.Errorf(conduit.KindUnsupported, "%s does not support real-time sessions", rsl.Provider.Name)
	}

	caps := rc.RealtimeCapabilities()
	if cfg.InputFormat != "" && !caps.SupportsInput(cfg.InputFormat) {
		return nil, "", conduit.Errorf(conduit.KindUnsupported, "input format %q not supported by %s", cfg.InputFormat, rsl.Provider.Name)
	}
	if cfg.OutputFormat != "" && !caps.SupportsOutput(cfg.OutputFormat) {
		return nil, "", conduit.Errorf(conduit.KindUnsupported, "output format %q not supported by %s", cfg.OutputFormat, rsl.Provider.Name)
	}

	cfg.Model = rsl.Mapping.ProviderModelID
	sess, err := rc.OpenRealtimeSession(ctx, cfg)
	if err != nil {
		d.observeUpstreamError(rsl.Provider.Name, err)
		return nil, "", err
	}
	return sess, rsl.Provider.Name, nil
}

// SettleRealtime records a finished realtime session. The session layer has
// already accumulated the estimated cost, so no tariff lookup happens here.
func (d *Dispatcher) SettleRealtime(ctx context.Context, alias, provider string, u conduit.SessionUsage, start time.Time, cause error) {
	rec := conduit.UsageRecord{
		Model:       alias,
		Provider:    provider,
		Operation:   "realtime",
		TotalTokens: u.Tokens,
		AudioBytes:  u.AudioBytesIn + u.AudioBytesOut,
		CostUSD:     u.EstimatedCost,
		LatencyMS:   time.Since(start).Milliseconds(),
		StatusCode:  http.StatusOK,
	}
	if cause != nil {
		rec.ErrorKind = conduit.KindOf(cause).String()
	}
	d.record(ctx, rec, pricing.ModalityChat, pricing.Usage{})
}

// estimateChatUsage reconstructs usage from text lengths when the provider
// response carries none.
func (d *Dispatcher) estimateChatUsage(req *conduit.ChatRequest, resp *conduit.ChatResponse) *conduit.Usage {
	prompt := d.counter.EstimateRequest(req.Model, req.Messages)
	completion := 0
	for i := range resp.Choices {
		completion += d.counter.CountText(req.Model, resp.Choices[i].Message.Content.JoinText())
	}
	return &conduit.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (d *Dispatcher) estimateEmbedding(req *conduit.EmbeddingRequest) int64 {
	var total int
	texts, _ := req.InputTexts()
	for _, text := range texts {
		total += d.counter.CountText(req.Model, text)
	}
	return int64(total)
}

// record finalizes and enqueues one usage record. Records priced by the
// session layer arrive with CostUSD already set; everything else is priced
// from the served alias's tariff. The context is detached first so a client
// disconnect cannot starve the tariff load.
func (d *Dispatcher) record(ctx context.Context, rec conduit.UsageRecord, m pricing.Modality, pu pricing.Usage) {
	ctx = context.WithoutCancel(ctx)
	rec.RequestID = conduit.RequestIDFromContext(ctx)
	if key := conduit.KeyFromContext(ctx); key != nil {
		rec.VirtualKeyID = key.ID
	}
	if rec.CostUSD.IsZero() && rec.ErrorKind == "" {
		rec.CostUSD = d.cost(ctx, rec.Model, m, pu)
	}
	rec.CreatedAt = time.Now()

	if d.metrics != nil {
		if rec.PromptTokens > 0 {
			d.metrics.TokensProcessed.WithLabelValues(rec.Model, "prompt").Add(float64(rec.PromptTokens))
		}
		if rec.CompletionTokens > 0 {
			d.metrics.TokensProcessed.WithLabelValues(rec.Model, "completion").Add(float64(rec.CompletionTokens))
		}
		if rec.Provider != "" {
			d.metrics.UpstreamDuration.WithLabelValues(rec.Provider, rec.Model).
				Observe(float64(rec.LatencyMS) / 1000)
		}
	}
	if d.usage != nil {
		d.usage.Record(rec)
	}
}

// checkAlias rejects aliases the router cannot serve at all before routing
// starts. An alias outside the configured set is the caller's typo, not an
// outage, so it must not read as a gateway fault.
func (d *Dispatcher) checkAlias(ctx context.Context, op, alias string, start time.Time) error {
	if d.router.KnownModel(alias) {
		return nil
	}
	err := conduit.Errorf(conduit.KindInvalidModel, "model %q does not exist", alias)
	d.recordFailure(ctx, op, alias, "", start, err)
	return err
}

// recordFailure writes a zero-cost usage record for a failed request so
// error rates show up in usage summaries alongside spend.
func (d *Dispatcher) recordFailure(ctx context.Context, op, alias, provider string, start time.Time, err error) {
	kind := conduit.KindOf(err)
	d.record(ctx, conduit.UsageRecord{
		Model:      alias,
		Provider:   provider,
		Operation:  op,
		LatencyMS:  time.Since(start).Milliseconds(),
		StatusCode: kind.HTTPStatus(),
		ErrorKind:  kind.String(),
	}, pricing.ModalityChat, pricing.Usage{})
}

// cost resolves the served alias's tariff through the cache and prices the
// request. Unpriced models cost zero rather than failing the request.
func (d *Dispatcher) cost(ctx context.Context, alias string, m pricing.Modality, pu pricing.Usage) decimal.Decimal {
	c, ok := d.tariffs.Get(alias)
	if !ok {
		mc, err := d.store.GetModelCost(ctx, alias)
		if err != nil {
			if !errors.Is(err, conduit.ErrNotFound) {
				d.log.Warn("tariff load failed", "model", alias, "error", err)
			}
			return decimal.Zero
		}
		c = *mc
		d.tariffs.Set(alias, c)
	}
	amount, err := pricing.Cost(&c, m, pu)
	if err != nil {
		if !errors.Is(err, pricing.ErrPricingUnavailable) {
			d.log.Warn("pricing failed", "model", alias, "modality", m.String(), "error", err)
		}
		return decimal.Zero
	}
	return amount
}

func (d *Dispatcher) observeUpstreamError(provider string, err error) {
	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(provider, conduit.KindOf(err).String()).Inc()
	}
}
