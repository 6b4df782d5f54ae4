package sqlite

import (
	"context"
	"database/sql"

	conduit "github.com/knnlabs/conduit/internal"
)

const costCols = `id, model_id,
	input_per_million, output_per_million, cached_input_per_million,
	cached_input_write_per_million, embedding_per_million,
	image_per_image, image_quality_multipliers, image_resolution_multipliers,
	video_per_second, video_resolution_multipliers, video_flat_rates,
	cost_per_search_unit, cost_per_inference_step, default_inference_steps,
	supports_batch, batch_multiplier, context_tiers,
	created_at, updated_at`

// UpsertModelCost inserts or replaces the tariff for a model alias. Decimal
// rates round-trip through their string form; nested rate structures are
// stored as JSON.
func (s *Store) UpsertModelCost(ctx context.Context, c *conduit.ModelCost) error {
	stampNew(&c.CreatedAt, &c.UpdatedAt)

	imgQuality, err := marshalJSON(c.ImageQualityMultipliers)
	if err != nil {
		return err
	}
	imgResolution, err := marshalJSON(c.ImageResolutionMultipliers)
	if err != nil {
		return err
	}
	videoResolution, err := marshalJSON(c.VideoResolutionMultipliers)
	if err != nil {
		return err
	}
	videoFlat, err := marshalJSON(c.VideoFlatRates)
	if err != nil {
		return err
	}
	tiers, err := marshalJSON(c.ContextTiers)
	if err != nil {
		return err
	}

	_, err = s.write.ExecContext(ctx,
		`INSERT INTO model_costs (`+costCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
		 input_per_million=excluded.input_per_million,
		 output_per_million=excluded.output_per_million,
		 cached_input_per_million=excluded.cached_input_per_million,
		 cached_input_write_per_million=excluded.cached_input_write_per_million,
		 embedding_per_million=excluded.embedding_per_million,
		 image_per_image=excluded.image_per_image,
		 image_quality_multipliers=excluded.image_quality_multipliers,
		 image_resolution_multipliers=excluded.image_resolution_multipliers,
		 video_per_second=excluded.video_per_second,
		 video_resolution_multipliers=excluded.video_resolution_multipliers,
		 video_flat_rates=excluded.video_flat_rates,
		 cost_per_search_unit=excluded.cost_per_search_unit,
		 cost_per_inference_step=excluded.cost_per_inference_step,
		 default_inference_steps=excluded.default_inference_steps,
		 supports_batch=excluded.supports_batch,
		 batch_multiplier=excluded.batch_multiplier,
		 context_tiers=excluded.context_tiers,
		 updated_at=excluded.updated_at`,
		c.ID, c.ModelID,
		c.InputPerMillion, c.OutputPerMillion, c.CachedInputPerMillion,
		c.CachedInputWritePerMillion, c.EmbeddingPerMillion,
		c.ImagePerImage, imgQuality, imgResolution,
		c.VideoPerSecond, videoResolution, videoFlat,
		c.CostPerSearchUnit, c.CostPerInferenceStep, c.DefaultInferenceSteps,
		boolToInt(c.SupportsBatch), c.BatchProcessingMultiplier, tiers,
		timeStr(c.CreatedAt), timeStr(c.UpdatedAt),
	)
	return err
}

// GetModelCost retrieves the tariff for a model alias.
func (s *Store) GetModelCost(ctx context.Context, modelID string) (*conduit.ModelCost, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+costCols+` FROM model_costs WHERE model_id=?`, modelID,
	)
	return scanModelCost(row)
}

// ListModelCosts returns all tariffs ordered by model alias.
func (s *Store) ListModelCosts(ctx context.Context) ([]*conduit.ModelCost, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+costCols+` FROM model_costs ORDER BY model_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var costs []*conduit.ModelCost
	for rows.Next() {
		c, err := scanModelCost(rows)
		if err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

func scanModelCost(s scanner) (*conduit.ModelCost, error) {
	var c conduit.ModelCost
	var imgQuality, imgResolution, videoResolution, videoFlat, tiers sql.NullString
	var supportsBatch int
	var createdAt, updatedAt string

	err := s.Scan(
		&c.ID, &c.ModelID,
		&c.InputPerMillion, &c.OutputPerMillion, &c.CachedInputPerMillion,
		&c.CachedInputWritePerMillion, &c.EmbeddingPerMillion,
		&c.ImagePerImage, &imgQuality, &imgResolution,
		&c.VideoPerSecond, &videoResolution, &videoFlat,
		&c.CostPerSearchUnit, &c.CostPerInferenceStep, &c.DefaultInferenceSteps,
		&supportsBatch, &c.BatchProcessingMultiplier, &tiers,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.SupportsBatch = supportsBatch != 0
	c.CreatedAt = parseTimeStr(createdAt)
	c.UpdatedAt = parseTimeStr(updatedAt)
	if err := unmarshalJSON(imgQuality, &c.ImageQualityMultipliers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(imgResolution, &c.ImageResolutionMultipliers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(videoResolution, &c.VideoResolutionMultipliers); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(videoFlat, &c.VideoFlatRates); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tiers, &c.ContextTiers); err != nil {
		return nil, err
	}
	return &c, nil
}
