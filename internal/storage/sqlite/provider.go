package sqlite

import (
	"context"

	conduit "github.com/knnlabs/conduit/internal"
)

const providerCols = `id, name, type, base_url, enabled, created_at, updated_at`

// CreateProvider inserts a provider record.
func (s *Store) CreateProvider(ctx context.Context, p *conduit.Provider) error {
	stampNew(&p.CreatedAt, &p.UpdatedAt)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (`+providerCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Type), p.BaseURL, boolToInt(p.Enabled),
		timeStr(p.CreatedAt), timeStr(p.UpdatedAt),
	)
	if err != nil {
		return err
	}
	s.notifyCatalog(p.ID)
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*conduit.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id=?`, id,
	)
	return scanProvider(row)
}

// GetProviderByName retrieves a provider by its unique name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*conduit.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE name=?`, name,
	)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]*conduit.Provider, error) {
	return s.listProviders(ctx, `SELECT `+providerCols+` FROM providers ORDER BY name`)
}

// ListProvidersByType returns providers of one adapter type, ordered by name.
func (s *Store) ListProvidersByType(ctx context.Context, t conduit.ProviderType) ([]*conduit.Provider, error) {
	return s.listProviders(ctx,
		`SELECT `+providerCols+` FROM providers WHERE type=? ORDER BY name`, string(t))
}

func (s *Store) listProviders(ctx context.Context, query string, args ...any) ([]*conduit.Provider, error) {
	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*conduit.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider updates a provider record.
func (s *Store) UpdateProvider(ctx context.Context, p *conduit.Provider) error {
	p.UpdatedAt = nowUTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name=?, type=?, base_url=?, enabled=?, updated_at=? WHERE id=?`,
		p.Name, string(p.Type), p.BaseURL, boolToInt(p.Enabled), timeStr(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "provider"); err != nil {
		return err
	}
	s.notifyCatalog(p.ID)
	return nil
}

// DeleteProvider removes a provider; credentials and mappings cascade.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "provider"); err != nil {
		return err
	}
	s.notifyCatalog(id)
	return nil
}

func scanProvider(s scanner) (*conduit.Provider, error) {
	var p conduit.Provider
	var typ string
	var enabled int
	var createdAt, updatedAt string

	err := s.Scan(&p.ID, &p.Name, &typ, &p.BaseURL, &enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	p.Type = conduit.ProviderType(typ)
	p.Enabled = enabled != 0
	p.CreatedAt = parseTimeStr(createdAt)
	p.UpdatedAt = parseTimeStr(updatedAt)
	return &p, nil
}
