package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/herbly/menupipe/internal/lookup"
)

// BrandsByKey resolves vendor brand keys to brand rows in one query.
// Unmatched keys are simply absent from the result.
func (s *Store) BrandsByKey(ctx context.Context, keys []string) (map[string]lookup.Brand, error) {
	out := make(map[string]lookup.Brand, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, key, name FROM brands WHERE key IN ("+placeholders(len(keys))+")",
		toArgs(keys)...)
	if err != nil {
		return nil, fmt.Errorf("brands by key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			key, name string
		)
		if err := rows.Scan(&id, &key, &name); err != nil {
			return nil, fmt.Errorf("brands by key: %w", err)
		}
		out[key] = lookup.Brand{ID: id, Name: name}
	}
	return out, rows.Err()
}

// StrainsByName resolves strain names to row IDs in one query.
func (s *Store) StrainsByName(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name FROM strains WHERE name IN ("+placeholders(len(names))+")",
		toArgs(names)...)
	if err != nil {
		return nil, fmt.Errorf("strains by name: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("strains by name: %w", err)
		}
		out[name] = id
	}
	return out, rows.Err()
}

// TagsByName resolves tag names to tag rows in one query.
func (s *Store) TagsByName(ctx context.Context, names []string) (map[string]lookup.Tag, error) {
	out := make(map[string]lookup.Tag, len(names))
	if len(names) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name FROM tags WHERE name IN ("+placeholders(len(names))+")",
		toArgs(names)...)
	if err != nil {
		return nil, fmt.Errorf("tags by name: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("tags by name: %w", err)
		}
		out[name] = lookup.Tag{ID: id, Name: name}
	}
	return out, rows.Err()
}

// SeedReference inserts reference rows, used by tests and fixtures.
// Existing rows are left untouched.
func (s *Store) SeedReference(ctx context.Context, brands map[string]string, strains, tags []string) error {
	for key, name := range brands {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO brands (key, name) VALUES (?, ?)", key, name); err != nil {
			return fmt.Errorf("seed brand %s: %w", key, err)
		}
	}
	for _, name := range strains {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO strains (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("seed strain %s: %w", name, err)
		}
	}
	for _, name := range tags {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO tags (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("seed tag %s: %w", name, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	s := strings.Repeat("?,", n)
	return s[:len(s)-1]
}

func toArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
