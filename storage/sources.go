package storage

import (
	"context"
	"fmt"
	"time"

	"crypto-news-analyzer/model"
)

// ListSources returns all registered sources ordered by name.
func (db *DB) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := db.query(ctx, `SELECT name, type, url, enabled FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		var s model.Source
		var typ string
		if err := rows.Scan(&s.Name, &typ, &s.URL, &s.Enabled); err != nil {
			return nil, err
		}
		s.Type = model.SourceType(typ)
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// CountSources returns the number of registered sources.
func (db *DB) CountSources(ctx context.Context) (int, error) {
	var n int
	if err := db.queryRow(ctx, `SELECT COUNT(*) FROM sources`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sources: %w", err)
	}
	return n, nil
}

// AddSource registers a source. It returns ErrDuplicate if the name is taken.
func (db *DB) AddSource(ctx context.Context, src model.Source) error {
	res, err := db.exec(ctx, `
	INSERT INTO sources (name, type, url, enabled, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING
	`, src.Name, string(src.Type), src.URL, src.Enabled, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// RemoveSource deletes a source by name. Stored articles are kept.
func (db *DB) RemoveSource(ctx context.Context, name string) error {
	res, err := db.exec(ctx, `DELETE FROM sources WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSourceEnabled toggles whether a source is fetched.
func (db *DB) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := db.exec(ctx, `UPDATE sources SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
