package sqlite

import (
	"context"

	conduit "github.com/knnlabs/conduit/internal"
)

const deploymentCols = `id, model_name, provider_name, weight, rpm_limit, tpm_limit,
	input_cost_per_1k, output_cost_per_1k, priority, enabled, supports_embeddings`

// UpsertDeployment inserts or replaces a router deployment by id.
func (s *Store) UpsertDeployment(ctx context.Context, d *conduit.Deployment) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO deployments (`+deploymentCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 model_name=excluded.model_name, provider_name=excluded.provider_name,
		 weight=excluded.weight, rpm_limit=excluded.rpm_limit, tpm_limit=excluded.tpm_limit,
		 input_cost_per_1k=excluded.input_cost_per_1k,
		 output_cost_per_1k=excluded.output_cost_per_1k,
		 priority=excluded.priority, enabled=excluded.enabled,
		 supports_embeddings=excluded.supports_embeddings`,
		d.ID, d.ModelName, d.ProviderName, d.Weight, d.RPMLimit, d.TPMLimit,
		d.InputCostPer1K, d.OutputCostPer1K, d.Priority,
		boolToInt(d.Enabled), boolToInt(d.SupportsEmbeddings),
	)
	return err
}

// ListDeployments returns all deployments ordered by id.
func (s *Store) ListDeployments(ctx context.Context) ([]*conduit.Deployment, error) {
	return s.listDeployments(ctx, `SELECT `+deploymentCols+` FROM deployments ORDER BY id`)
}

// ListDeploymentsByModel returns the deployments serving one model alias.
func (s *Store) ListDeploymentsByModel(ctx context.Context, model string) ([]*conduit.Deployment, error) {
	return s.listDeployments(ctx,
		`SELECT `+deploymentCols+` FROM deployments WHERE model_name=? ORDER BY id`, model)
}

func (s *Store) listDeployments(ctx context.Context, query string, args ...any) ([]*conduit.Deployment, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []*conduit.Deployment
	for rows.Next() {
		var d conduit.Deployment
		var enabled, embeddings int
		err := rows.Scan(
			&d.ID, &d.ModelName, &d.ProviderName, &d.Weight, &d.RPMLimit, &d.TPMLimit,
			&d.InputCostPer1K, &d.OutputCostPer1K, &d.Priority, &enabled, &embeddings,
		)
		if err != nil {
			return nil, err
		}
		d.Enabled = enabled != 0
		d.SupportsEmbeddings = embeddings != 0
		deployments = append(deployments, &d)
	}
	return deployments, rows.Err()
}

// DeleteDeployment removes a deployment.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM deployments WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "deployment")
}

// ReplaceFallbacks atomically replaces a model's fallback chain. An empty
// alternates list clears the chain.
func (s *Store) ReplaceFallbacks(ctx context.Context, model string, alternates []string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_fallbacks WHERE model=?`, model); err != nil {
		return err
	}
	for i, alt := range alternates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_fallbacks (model, position, alternate) VALUES (?, ?, ?)`,
			model, i, alt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListFallbacks returns every fallback chain, alternates in chain order.
func (s *Store) ListFallbacks(ctx context.Context) (map[string][]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, alternate FROM model_fallbacks ORDER BY model, position`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var model, alternate string
		if err := rows.Scan(&model, &alternate); err != nil {
			return nil, err
		}
		out[model] = append(out[model], alternate)
	}
	return out, rows.Err()
}
