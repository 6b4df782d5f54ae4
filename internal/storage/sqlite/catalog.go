package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	conduit "github.com/knnlabs/conduit/internal"
)

// UpsertAuthor inserts or updates a display-hierarchy author by id.
func (s *Store) UpsertAuthor(ctx context.Context, a *conduit.ModelAuthor) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_authors (id, name, description, website_url)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name, description=excluded.description, website_url=excluded.website_url`,
		a.ID, a.Name, a.Description, a.WebsiteURL,
	)
	return err
}

// UpsertSeries inserts or updates a model series by id.
func (s *Store) UpsertSeries(ctx context.Context, sr *conduit.ModelSeries) error {
	params, err := marshalJSON(sr.Parameters)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO model_series (id, author_id, name, tokenizer_type, parameters)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 author_id=excluded.author_id, name=excluded.name,
		 tokenizer_type=excluded.tokenizer_type, parameters=excluded.parameters`,
		sr.ID, sr.AuthorID, sr.Name, sr.TokenizerType, params,
	)
	return err
}

// UpsertModel inserts or updates a catalog model by id.
func (s *Store) UpsertModel(ctx context.Context, m *conduit.Model) error {
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO models (id, series_id, name, version, active, capabilities)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 series_id=excluded.series_id, name=excluded.name, version=excluded.version,
		 active=excluded.active, capabilities=excluded.capabilities`,
		m.ID, m.SeriesID, m.Name, m.Version, boolToInt(m.Active), string(caps),
	)
	return err
}

// ListCatalogModels returns all catalog models ordered by name.
func (s *Store) ListCatalogModels(ctx context.Context) ([]*conduit.Model, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, series_id, name, version, active, capabilities FROM models ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*conduit.Model
	for rows.Next() {
		var m conduit.Model
		var active int
		var caps sql.NullString
		if err := rows.Scan(&m.ID, &m.SeriesID, &m.Name, &m.Version, &active, &caps); err != nil {
			return nil, err
		}
		m.Active = active != 0
		if err := unmarshalJSON(caps, &m.Capabilities); err != nil {
			return nil, err
		}
		models = append(models, &m)
	}
	return models, rows.Err()
}
