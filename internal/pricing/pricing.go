// Package pricing converts usage counters into monetary cost using a model's
// tariff record. All arithmetic is exact decimal; binary floating point never
// carries a monetary amount.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/conduit/internal"
)

// ErrPricingUnavailable means the tariff record lacks the rate needed for
// the request's modality. Callers must surface this rather than billing zero.
var ErrPricingUnavailable = errors.New("pricing unavailable")

// Modality selects the pricing branch.
type Modality int

const (
	ModalityChat Modality = iota
	ModalityEmbedding
	ModalityImage
	ModalityVideo
	ModalityRerank
)

func (m Modality) String() string {
	switch m {
	case ModalityChat:
		return "chat"
	case ModalityEmbedding:
		return "embedding"
	case ModalityImage:
		return "image"
	case ModalityVideo:
		return "video"
	case ModalityRerank:
		return "rerank"
	default:
		return "unknown"
	}
}

// Usage is one request's billable consumption. Cached token counts are
// subsets of PromptTokens: cached-read + cache-write + fresh = prompt.
type Usage struct {
	PromptTokens      int
	CachedReadTokens  int
	CachedWriteTokens int
	CompletionTokens  int
	EmbeddingTokens   int

	Images          int
	ImageQuality    string
	ImageResolution string
	InferenceSteps  int

	VideoSeconds    float64
	VideoResolution string

	SearchDocuments int // documents in a rerank query

	Batch bool
}

// FromWireUsage maps the OpenAI-dialect usage block onto pricing usage.
func FromWireUsage(u *conduit.Usage) Usage {
	if u == nil {
		return Usage{}
	}
	pu := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		EmbeddingTokens:  u.PromptTokens,
	}
	if u.PromptDetails != nil {
		pu.CachedReadTokens = u.PromptDetails.CachedTokens
		pu.CachedWriteTokens = u.PromptDetails.CacheWriteTokens
	}
	return pu
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the total USD cost of one request.
//
// Multipliers compose multiplicatively in the order resolution, quality,
// batch. Cached-read and cache-write tokens bill at their dedicated rates
// when the tariff carries them, else at the standard input rate.
func Cost(c *conduit.ModelCost, m Modality, u Usage) (decimal.Decimal, error) {
	if c == nil {
		return decimal.Zero, fmt.Errorf("%w: no tariff record", ErrPricingUnavailable)
	}
	switch m {
	case ModalityChat:
		return chatCost(c, u)
	case ModalityEmbedding:
		return embeddingCost(c, u)
	case ModalityImage:
		return imageCost(c, u)
	case ModalityVideo:
		return videoCost(c, u)
	case ModalityRerank:
		return rerankCost(c, u)
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown modality %d", ErrPricingUnavailable, m)
	}
}

func chatCost(c *conduit.ModelCost, u Usage) (decimal.Decimal, error) {
	inRate, outRate := c.InputPerMillion, c.OutputPerMillion

	if len(c.ContextTiers) > 0 {
		total := u.PromptTokens + u.CompletionTokens
		tier, ok := findTier(c.ContextTiers, total)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: model %s has no tier covering %d tokens", ErrPricingUnavailable, c.ModelID, total)
		}
		inRate, outRate = tier.InputPerMillion, tier.OutputPerMillion
	} else if inRate.IsZero() && outRate.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: model %s has no token rates", ErrPricingUnavailable, c.ModelID)
	}

	cachedRead := u.CachedReadTokens
	cachedWrite := u.CachedWriteTokens
	fresh := u.PromptTokens - cachedRead - cachedWrite
	if fresh < 0 {
		fresh = 0
	}

	readRate := c.CachedInputPerMillion
	if readRate.IsZero() {
		readRate = inRate
	}
	writeRate := c.CachedInputWritePerMillion
	if writeRate.IsZero() {
		writeRate = inRate
	}

	total := tokenCost(fresh, inRate).
		Add(tokenCost(cachedRead, readRate)).
		Add(tokenCost(cachedWrite, writeRate)).
		Add(tokenCost(u.CompletionTokens, outRate))

	return applyBatch(c, u, total), nil
}

func embeddingCost(c *conduit.ModelCost, u Usage) (decimal.Decimal, error) {
	if c.EmbeddingPerMillion.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: model %s has no embedding rate", ErrPricingUnavailable, c.ModelID)
	}
	return applyBatch(c, u, tokenCost(u.EmbeddingTokens, c.EmbeddingPerMillion)), nil
}

func imageCost(c *conduit.ModelCost, u Usage) (decimal.Decimal, error) {
	var perImage decimal.Decimal
	switch {
	case c.CostPerInferenceStep.Sign() > 0:
		steps := u.InferenceSteps
		if steps <= 0 {
			steps = c.DefaultInferenceSteps
		}
		if steps <= 0 {
			return decimal.Zero, fmt.Errorf("%w: model %s is step-priced but has no step count", ErrPricingUnavailable, c.ModelID)
		}
		perImage = c.CostPerInferenceStep.Mul(decimal.NewFromInt(int64(steps)))
	case c.ImagePerImage.Sign() > 0:
		perImage = c.ImagePerImage
	default:
		return decimal.Zero, fmt.Errorf("%w: model %s has no image rate", ErrPricingUnavailable, c.ModelID)
	}

	perImage = perImage.
		Mul(multiplier(c.ImageResolutionMultipliers, u.ImageResolution)).
		Mul(multiplier(c.ImageQualityMultipliers, u.ImageQuality))

	n := u.Images
	if n < 0 {
		n = 0
	}
	total := perImage.Mul(decimal.NewFromInt(int64(n)))
	return applyBatch(c, u, total), nil
}

func videoCost(c *conduit.ModelCost, u Usage) (decimal.Decimal, error) {
	if len(c.VideoFlatRates) > 0 {
		secs := int(u.VideoSeconds)
		for _, r := range c.VideoFlatRates {
			if r.Resolution == u.VideoResolution && r.DurationSeconds == secs {
				return applyBatch(c, u, r.Price), nil
			}
		}
		return decimal.Zero, fmt.Errorf("%w: model %s has no flat rate for %s/%ds", ErrPricingUnavailable, c.ModelID, u.VideoResolution, secs)
	}
	if c.VideoPerSecond.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: model %s has no video rate", ErrPricingUnavailable, c.ModelID)
	}
	total := c.VideoPerSecond.
		Mul(decimal.NewFromFloat(u.VideoSeconds)).
		Mul(multiplier(c.VideoResolutionMultipliers, u.VideoResolution))
	return applyBatch(c, u, total), nil
}

// rerankCost bills search units: one unit covers one query plus up to 100
// documents, priced per 1000 units.
func rerankCost(c *conduit.ModelCost, u Usage) (decimal.Decimal, error) {
	if c.CostPerSearchUnit.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: model %s has no search unit rate", ErrPricingUnavailable, c.ModelID)
	}
	units := (u.SearchDocuments + 99) / 100
	total := c.CostPerSearchUnit.
		Mul(decimal.NewFromInt(int64(units))).
		Div(decimal.NewFromInt(1000))
	return applyBatch(c, u, total), nil
}

func tokenCost(tokens int, ratePerMillion decimal.Decimal) decimal.Decimal {
	if tokens <= 0 {
		return decimal.Zero
	}
	return ratePerMillion.Mul(decimal.NewFromInt(int64(tokens))).Div(million)
}

// findTier returns the first tier whose MaxContext covers total. A nil
// MaxContext is unbounded.
func findTier(tiers []conduit.ContextTier, total int) (conduit.ContextTier, bool) {
	for _, t := range tiers {
		if t.MaxContext == nil || *t.MaxContext >= total {
			return t, true
		}
	}
	return conduit.ContextTier{}, false
}

func multiplier(table map[string]decimal.Decimal, key string) decimal.Decimal {
	if key == "" || table == nil {
		return decimal.NewFromInt(1)
	}
	if m, ok := table[key]; ok && m.Sign() > 0 {
		return m
	}
	return decimal.NewFromInt(1)
}

func applyBatch(c *conduit.ModelCost, u Usage, total decimal.Decimal) decimal.Decimal {
	if u.Batch && c.SupportsBatch && c.BatchProcessingMultiplier.Sign() > 0 {
		return total.Mul(c.BatchProcessingMultiplier)
	}
	return total
}
