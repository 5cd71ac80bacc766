package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/qcrbox/qcrbox/internal/model"
)

// RegisterApplication inserts spec keyed by slug and version. A second
// registration of the same key returns the stored record untouched.
func (db *DB) RegisterApplication(ctx context.Context, spec *model.ApplicationSpec) (ApplicationRecord, bool, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return ApplicationRecord{}, false, fmt.Errorf("storage: encode application %s: %w", spec.Key(), err)
	}

	var rec ApplicationRecord
	err = db.pool.QueryRow(ctx,
		`INSERT INTO applications (slug, version, name, description, url, email, doi, gui_url, spec, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (slug, version) DO NOTHING
		 RETURNING id, created_at`,
		spec.Slug, spec.Version, spec.Name, spec.Description, spec.URL, spec.Email, spec.DOI, spec.GUIURL,
		raw, time.Now().UTC(),
	).Scan(&rec.ID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := db.GetApplication(ctx, spec.Slug, spec.Version)
		return existing, false, err
	}
	if err != nil {
		return ApplicationRecord{}, false, fmt.Errorf("storage: register application %s: %w", spec.Key(), err)
	}
	rec.Spec = spec
	return rec, true, nil
}

// GetApplication returns the application registered under slug and version.
func (db *DB) GetApplication(ctx context.Context, slug, version string) (ApplicationRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, spec, created_at FROM applications WHERE slug = $1 AND version = $2`,
		slug, version,
	)
	rec, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApplicationRecord{}, fmt.Errorf("%w: application %s.%s", ErrNotFound, slug, version)
	}
	if err != nil {
		return ApplicationRecord{}, fmt.Errorf("storage: get application %s.%s: %w", slug, version, err)
	}
	return rec, nil
}

// ListApplications returns every application ordered by slug and version.
func (db *DB) ListApplications(ctx context.Context) ([]ApplicationRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, spec, created_at FROM applications ORDER BY slug, version`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list applications: %w", err)
	}
	defer rows.Close()

	var out []ApplicationRecord
	for rows.Next() {
		rec, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan application: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanApplication(row pgx.Row) (ApplicationRecord, error) {
	var (
		rec ApplicationRecord
		raw []byte
	)
	if err := row.Scan(&rec.ID, &raw, &rec.CreatedAt); err != nil {
		return ApplicationRecord{}, err
	}
	spec, err := DecodeApplication(raw)
	if err != nil {
		return ApplicationRecord{}, err
	}
	rec.Spec = spec
	return rec, nil
}

// DecodeApplication parses a stored application spec.
func DecodeApplication(raw []byte) (*model.ApplicationSpec, error) {
	var spec model.ApplicationSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("storage: decode application spec: %w", err)
	}
	return &spec, nil
}
