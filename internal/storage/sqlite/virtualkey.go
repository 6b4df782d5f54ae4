package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	conduit "github.com/knnlabs/conduit/internal"
)

const virtualKeyCols = `id, key_hash, key_prefix, name, allowed_models, rpm_limit, enabled, expires_at, last_used_at, created_at`

// CreateVirtualKey inserts a new virtual key.
func (s *Store) CreateVirtualKey(ctx context.Context, k *conduit.VirtualKey) error {
	models, err := marshalJSON(k.AllowedModels)
	if err != nil {
		return err
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = nowUTC()
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO virtual_keys (`+virtualKeyCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.KeyHash, k.KeyPrefix, k.Name, models, k.RPMLimit, boolToInt(k.Enabled),
		timeToStr(k.ExpiresAt), timeToStr(k.LastUsedAt), timeStr(k.CreatedAt),
	)
	return err
}

// GetVirtualKeyByHash retrieves a virtual key by its SHA-256 hash.
func (s *Store) GetVirtualKeyByHash(ctx context.Context, hash string) (*conduit.VirtualKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+virtualKeyCols+` FROM virtual_keys WHERE key_hash=?`, hash,
	)
	return scanVirtualKey(row)
}

// ListVirtualKeys returns all virtual keys ordered by name.
func (s *Store) ListVirtualKeys(ctx context.Context) ([]*conduit.VirtualKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+virtualKeyCols+` FROM virtual_keys ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*conduit.VirtualKey
	for rows.Next() {
		k, err := scanVirtualKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateVirtualKey updates a key's mutable fields. The hash, prefix, and
// creation time are immutable; rotation is delete plus create.
func (s *Store) UpdateVirtualKey(ctx context.Context, k *conduit.VirtualKey) error {
	models, err := marshalJSON(k.AllowedModels)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE virtual_keys SET name=?, allowed_models=?, rpm_limit=?, enabled=?, expires_at=?
		 WHERE id=?`,
		k.Name, models, k.RPMLimit, boolToInt(k.Enabled), timeToStr(k.ExpiresAt), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "virtual key")
}

// DeleteVirtualKey removes a virtual key.
func (s *Store) DeleteVirtualKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM virtual_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "virtual key")
}

// TouchVirtualKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchVirtualKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE virtual_keys SET last_used_at=? WHERE id=?`,
		timeStr(nowUTC()), id,
	)
	return err
}

func scanVirtualKey(s scanner) (*conduit.VirtualKey, error) {
	var k conduit.VirtualKey
	var modelsJSON sql.NullString
	var enabled int
	var expiresAt, lastUsedAt sql.NullString
	var createdAt string

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &modelsJSON, &k.RPMLimit, &enabled,
		&expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Enabled = enabled != 0
	if err := unmarshalJSON(modelsJSON, &k.AllowedModels); err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	k.CreatedAt = parseTimeStr(createdAt)
	return &k, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to conduit.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return conduit.ErrNotFound
	}
	return err
}

// helpers

// marshalJSON stores v as JSON text. Nil values and empty slices or maps
// store NULL so absent collections round-trip as nil.
func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		if rv.IsNil() || rv.Len() == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(ns sql.NullString, dst any) error {
	if !ns.Valid {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// stampNew initializes bookkeeping times on insert. A caller-provided
// creation time is preserved.
func stampNew(created, updated *time.Time) {
	now := nowUTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func timeStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTimeStr(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, conduit.ErrNotFound)
	}
	return nil
}
