package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	conduit "github.com/knnlabs/conduit/internal"
)

const (
	rollupInterval = 5 * time.Minute
	rollupWindow   = 2 * time.Hour
	rollupMaxRows  = 10_000
)

// RollupStore is the persistence interface consumed by StatsRollup.
type RollupStore interface {
	QueryUsage(ctx context.Context, filter conduit.UsageFilter) ([]conduit.UsageRecord, error)
	UpsertRollups(ctx context.Context, rollups []conduit.UsageRollup) error
}

// StatsRollup periodically aggregates raw usage records into hourly rollups
// keyed by (virtual key, model, provider, bucket). Each pass recomputes whole
// buckets, so re-running over the same window is idempotent.
type StatsRollup struct {
	store    RollupStore
	interval time.Duration
}

// NewStatsRollup creates a rollup worker backed by store.
func NewStatsRollup(store RollupStore) *StatsRollup {
	return &StatsRollup{store: store, interval: rollupInterval}
}

// Name returns the worker identifier.
func (w *StatsRollup) Name() string { return "stats_rollup" }

// Run aggregates usage into hourly rollups on a periodic schedule.
func (w *StatsRollup) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

func (w *StatsRollup) rollup(ctx context.Context) {
	// Recompute the last two full hours so late-arriving records still land
	// in their bucket on a later pass.
	now := time.Now().UTC()
	since := now.Add(-rollupWindow).Truncate(time.Hour)
	until := now.Truncate(time.Hour)

	records, err := w.store.QueryUsage(ctx, conduit.UsageFilter{
		Since: since,
		Until: until,
		Limit: rollupMaxRows,
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(records) == 0 {
		return
	}

	type key struct {
		KeyID    string
		Model    string
		Provider string
		Bucket   time.Time
	}
	agg := make(map[key]*conduit.UsageRollup)
	for _, r := range records {
		bucket := r.CreatedAt.UTC().Truncate(time.Hour)
		k := key{KeyID: r.VirtualKeyID, Model: r.Model, Provider: r.Provider, Bucket: bucket}
		ru, ok := agg[k]
		if !ok {
			ru = &conduit.UsageRollup{
				ID:           uuid.Must(uuid.NewV7()).String(),
				VirtualKeyID: r.VirtualKeyID,
				Model:        r.Model,
				Provider:     r.Provider,
				Period:       "hourly",
				Bucket:       bucket,
			}
			agg[k] = ru
		}
		ru.RequestCount++
		if r.ErrorKind != "" {
			ru.ErrorCount++
		}
		ru.PromptTokens += int64(r.PromptTokens)
		ru.CompletionTokens += int64(r.CompletionTokens)
		ru.TotalTokens += int64(r.TotalTokens)
		ru.CostUSD = ru.CostUSD.Add(r.CostUSD)
	}

	rollups := make([]conduit.UsageRollup, 0, len(agg))
	for _, r := range agg {
		rollups = append(rollups, *r)
	}

	if err := w.store.UpsertRollups(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup upsert failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("usage rollup completed", "rollups", len(rollups), "records", len(records))
}
