package sqlite

import (
	"context"

	conduit "github.com/knnlabs/conduit/internal"
)

const credentialCols = `id, provider_id, api_key, secret_key, api_version, region, account, is_primary, enabled, created_at, updated_at`

// CreateCredential inserts a credential. The partial unique index on
// (provider_id) WHERE is_primary rejects a second primary credential.
func (s *Store) CreateCredential(ctx context.Context, c *conduit.KeyCredential) error {
	stampNew(&c.CreatedAt, &c.UpdatedAt)
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_credentials (`+credentialCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProviderID, c.APIKey, c.SecretKey, c.APIVersion, c.Region, c.Account,
		boolToInt(c.Primary), boolToInt(c.Enabled),
		timeStr(c.CreatedAt), timeStr(c.UpdatedAt),
	)
	if err != nil {
		return err
	}
	s.notifyCatalog(c.ProviderID)
	return nil
}

// ListCredentials returns a provider's credentials in creation order, which
// is the order the credential resolver walks.
func (s *Store) ListCredentials(ctx context.Context, providerID string) ([]conduit.KeyCredential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+credentialCols+` FROM provider_credentials
		 WHERE provider_id=? ORDER BY created_at, id`, providerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []conduit.KeyCredential
	for rows.Next() {
		var c conduit.KeyCredential
		var primary, enabled int
		var createdAt, updatedAt string
		err := rows.Scan(
			&c.ID, &c.ProviderID, &c.APIKey, &c.SecretKey, &c.APIVersion, &c.Region, &c.Account,
			&primary, &enabled, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, err
		}
		c.Primary = primary != 0
		c.Enabled = enabled != 0
		c.CreatedAt = parseTimeStr(createdAt)
		c.UpdatedAt = parseTimeStr(updatedAt)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpdateCredential updates a credential's secret material and flags. A
// credential never moves between providers.
func (s *Store) UpdateCredential(ctx context.Context, c *conduit.KeyCredential) error {
	c.UpdatedAt = nowUTC()
	result, err := s.write.ExecContext(ctx,
		`UPDATE provider_credentials SET api_key=?, secret_key=?, api_version=?, region=?,
		 account=?, is_primary=?, enabled=?, updated_at=? WHERE id=?`,
		c.APIKey, c.SecretKey, c.APIVersion, c.Region, c.Account,
		boolToInt(c.Primary), boolToInt(c.Enabled), timeStr(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "credential"); err != nil {
		return err
	}
	s.notifyCatalog(c.ProviderID)
	return nil
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	// The provider id is needed for the change notification after the row
	// is gone.
	var providerID string
	err := s.read.QueryRowContext(ctx,
		`SELECT provider_id FROM provider_credentials WHERE id=?`, id,
	).Scan(&providerID)
	if err != nil {
		return notFoundErr(err)
	}

	result, err := s.write.ExecContext(ctx, `DELETE FROM provider_credentials WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "credential"); err != nil {
		return err
	}
	s.notifyCatalog(providerID)
	return nil
}
