package conduit

import (
	"time"

	"github.com/shopspring/decimal"
)

// ModelCost is the tariff record for one model. All monetary amounts are USD
// as exact decimals; binary floating point never touches the pricing path.
// Zero-valued rates mean "not priced for that modality".
type ModelCost struct {
	ID        string `json:"id"`
	ModelID   string `json:"model_id"` // mapping alias the tariff applies to
	CreatedAt time.Time
	UpdatedAt time.Time

	// Token rates, per million tokens.
	InputPerMillion            decimal.Decimal `json:"input_per_million"`
	OutputPerMillion           decimal.Decimal `json:"output_per_million"`
	CachedInputPerMillion      decimal.Decimal `json:"cached_input_per_million"`
	CachedInputWritePerMillion decimal.Decimal `json:"cached_input_write_per_million"`
	EmbeddingPerMillion        decimal.Decimal `json:"embedding_per_million"`

	// Image rates.
	ImagePerImage              decimal.Decimal            `json:"image_per_image"`
	ImageQualityMultipliers    map[string]decimal.Decimal `json:"image_quality_multipliers,omitempty"`
	ImageResolutionMultipliers map[string]decimal.Decimal `json:"image_resolution_multipliers,omitempty"`

	// Video rates.
	VideoPerSecond             decimal.Decimal            `json:"video_per_second"`
	VideoResolutionMultipliers map[string]decimal.Decimal `json:"video_resolution_multipliers,omitempty"`
	// VideoFlatRates, when present, replaces per-second video pricing with a
	// flat price per (resolution, duration) pair.
	VideoFlatRates []VideoFlatRate `json:"video_flat_rates,omitempty"`

	// Rerank rate: one search unit covers one query plus up to 100 documents,
	// priced per 1000 units.
	CostPerSearchUnit decimal.Decimal `json:"cost_per_search_unit"`

	// Step pricing for diffusion models.
	CostPerInferenceStep  decimal.Decimal `json:"cost_per_inference_step"`
	DefaultInferenceSteps int             `json:"default_inference_steps,omitempty"`

	// Batch discount.
	SupportsBatch             bool            `json:"supports_batch_processing"`
	BatchProcessingMultiplier decimal.Decimal `json:"batch_processing_multiplier"`

	// ContextTiers, when present, replaces the flat token rates with
	// context-length-dependent rates.
	ContextTiers []ContextTier `json:"context_tiers,omitempty"`
}

// VideoFlatRate is a flat price for one (resolution, duration) combination.
type VideoFlatRate struct {
	Resolution      string          `json:"resolution"`
	DurationSeconds int             `json:"duration_seconds"`
	Price           decimal.Decimal `json:"price"`
}

// ContextTier prices tokens for requests whose total token count does not
// exceed MaxContext. A nil MaxContext means unbounded (the last tier).
type ContextTier struct {
	MaxContext       *int            `json:"max_context"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// --- Usage records ---

// UsageRecord is one completed request's usage and cost, written
// asynchronously by the usage recorder.
type UsageRecord struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	VirtualKeyID     string          `json:"virtual_key_id,omitempty"`
	Model            string          `json:"model"` // client-facing alias
	Provider         string          `json:"provider"`
	ProviderModelID  string          `json:"provider_model_id,omitempty"`
	Operation        string          `json:"operation"` // chat | chat_stream | embedding | image | speech | transcription | rerank | video | realtime
	PromptTokens     int             `json:"prompt_tokens"`
	CachedTokens     int             `json:"cached_tokens,omitempty"`
	CacheWriteTokens int             `json:"cache_write_tokens,omitempty"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	Images           int             `json:"images,omitempty"`
	AudioBytes       int64           `json:"audio_bytes,omitempty"`
	VideoSeconds     float64         `json:"video_seconds,omitempty"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	LatencyMS        int64           `json:"latency_ms"`
	StatusCode       int             `json:"status_code"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// UsageFilter narrows usage queries. Zero-valued fields match everything;
// Limit of 0 means the store's default page size.
type UsageFilter struct {
	VirtualKeyID string
	Model        string
	Provider     string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// UsageRollup is an hourly aggregate of usage records, keyed by
// (virtual key, model, provider, bucket).
type UsageRollup struct {
	ID               string          `json:"id"`
	VirtualKeyID     string          `json:"virtual_key_id,omitempty"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	Period           string          `json:"period"` // "hourly"
	Bucket           time.Time       `json:"bucket"`
	RequestCount     int64           `json:"request_count"`
	ErrorCount       int64           `json:"error_count"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
}

// UsageSummary is an aggregate view over a usage query.
type UsageSummary struct {
	Requests         int64           `json:"requests"`
	Errors           int64           `json:"errors"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
}
