package sqlite

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/conduit/internal"
)

const usageCols = `id, request_id, virtual_key_id, model, provider, provider_model_id, operation,
	prompt_tokens, cached_tokens, cache_write_tokens, completion_tokens, total_tokens,
	images, audio_bytes, video_seconds, cost_usd, latency_ms, status_code, error_kind, created_at`

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []conduit.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.VirtualKeyID, r.Model, r.Provider, r.ProviderModelID, r.Operation,
			r.PromptTokens, r.CachedTokens, r.CacheWriteTokens, r.CompletionTokens, r.TotalTokens,
			r.Images, r.AudioBytes, r.VideoSeconds, r.CostUSD,
			r.LatencyMS, r.StatusCode, r.ErrorKind, timeStr(r.CreatedAt),
		)
	}

	query := `INSERT INTO usage_records (` + usageCols + `) VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f conduit.UsageFilter) ([]conduit.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT ` + usageCols + ` FROM usage_records` + where +
		` ORDER BY created_at DESC, id DESC LIMIT ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conduit.UsageRecord
	for rows.Next() {
		var r conduit.UsageRecord
		var createdAt string
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.VirtualKeyID, &r.Model, &r.Provider, &r.ProviderModelID, &r.Operation,
			&r.PromptTokens, &r.CachedTokens, &r.CacheWriteTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.Images, &r.AudioBytes, &r.VideoSeconds, &r.CostUSD,
			&r.LatencyMS, &r.StatusCode, &r.ErrorKind, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.CreatedAt = parseTimeStr(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeUsage aggregates records matching the filter. Token counts sum in
// SQL; cost sums in Go because the TEXT column would pass through float if
// summed by SQLite.
func (s *Store) SummarizeUsage(ctx context.Context, f conduit.UsageFilter) (*conduit.UsageSummary, error) {
	where, args := usageWhere(f)

	var sum conduit.UsageSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(prompt_tokens), 0),
		        COALESCE(SUM(completion_tokens), 0),
		        COALESCE(SUM(total_tokens), 0)
		 FROM usage_records`+where, args...,
	).Scan(&sum.Requests, &sum.Errors, &sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens)
	if err != nil {
		return nil, err
	}

	rows, err := s.read.QueryContext(ctx, `SELECT cost_usd FROM usage_records`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c decimal.Decimal
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		sum.CostUSD = sum.CostUSD.Add(c)
	}
	return &sum, rows.Err()
}

func usageWhere(f conduit.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.VirtualKeyID != "" {
		clauses = append(clauses, "virtual_key_id = ?")
		args = append(args, f.VirtualKeyID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model = ?")
		args = append(args, f.Model)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider = ?")
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, timeStr(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, timeStr(f.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UpsertRollups writes hourly aggregates in a single transaction. The rollup
// job recomputes whole buckets, so conflicting rows are replaced rather than
// accumulated.
func (s *Store) UpsertRollups(ctx context.Context, rollups []conduit.UsageRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO usage_rollups (id, virtual_key_id, model, provider, period, bucket,
		 request_count, error_count, prompt_tokens, completion_tokens, total_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(virtual_key_id, model, provider, period, bucket) DO UPDATE SET
		 request_count = excluded.request_count,
		 error_count = excluded.error_count,
		 prompt_tokens = excluded.prompt_tokens,
		 completion_tokens = excluded.completion_tokens,
		 total_tokens = excluded.total_tokens,
		 cost_usd = excluded.cost_usd`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rollups {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.VirtualKeyID, r.Model, r.Provider, r.Period, timeStr(r.Bucket),
			r.RequestCount, r.ErrorCount, r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
