package sqlite

import (
	"context"

	conduit "github.com/knnlabs/conduit/internal"
)

const mappingCols = `id, alias, provider_id, provider_model_id, enabled, created_at, updated_at`

// CreateMapping inserts a model mapping. The alias is unique.
func (s *Store) CreateMapping(ctx context.Context, m *conduit.ModelMapping) error {
	stampNew(&m.CreatedAt, &m.UpdatedAt)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_mappings (`+mappingCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Alias, m.ProviderID, m.ProviderModelID, boolToInt(m.Enabled),
		timeStr(m.CreatedAt), timeStr(m.UpdatedAt),
	)
	if err != nil {
		return err
	}
	s.notifyCatalog(m.ProviderID)
	return nil
}

// GetMappingByAlias retrieves the mapping for a client-facing model alias.
func (s *Store) GetMappingByAlias(ctx context.Context, alias string) (*conduit.ModelMapping, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+mappingCols+` FROM model_mappings WHERE alias=?`, alias,
	)
	return scanMapping(row)
}

// ListMappings returns all mappings ordered by alias.
func (s *Store) ListMappings(ctx context.Context) ([]*conduit.ModelMapping, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+mappingCols+` FROM model_mappings ORDER BY alias`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*conduit.ModelMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// UpdateMapping updates a mapping, including alias renames.
func (s *Store) UpdateMapping(ctx context.Context, m *conduit.ModelMapping) error {
	m.UpdatedAt = nowUTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE model_mappings SET alias=?, provider_id=?, provider_model_id=?,
		 enabled=?, updated_at=? WHERE id=?`,
		m.Alias, m.ProviderID, m.ProviderModelID, boolToInt(m.Enabled),
		timeStr(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "mapping"); err != nil {
		return err
	}
	s.notifyCatalog(m.ProviderID)
	return nil
}

// DeleteMapping removes a mapping.
func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	var providerID string
	err := s.read.QueryRowContext(ctx,
		`SELECT provider_id FROM model_mappings WHERE id=?`, id,
	).Scan(&providerID)
	if err != nil {
		return notFoundErr(err)
	}

	result, err := s.write.ExecContext(ctx, `DELETE FROM model_mappings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "mapping"); err != nil {
		return err
	}
	s.notifyCatalog(providerID)
	return nil
}

func scanMapping(s scanner) (*conduit.ModelMapping, error) {
	var m conduit.ModelMapping
	var enabled int
	var createdAt, updatedAt string

	err := s.Scan(&m.ID, &m.Alias, &m.ProviderID, &m.ProviderModelID, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	m.Enabled = enabled != 0
	m.CreatedAt = parseTimeStr(createdAt)
	m.UpdatedAt = parseTimeStr(updatedAt)
	return &m, nil
}
