// Package lookup provides the batch-scoped read-only reference cache.
//
// The preloader is the only component allowed to issue reference queries.
// Rules resolve brands, strains, and tags exclusively through the frozen
// maps built here before the first item is processed.
package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// Brand is a resolved brand reference.
type Brand struct {
	ID   int64
	Name string
}

// Tag is a resolved tag reference.
type Tag struct {
	ID   int64
	Name string
}

// Backend is the reference query port, implemented by the catalog store.
// Each method is a single bulk query; the preloader never issues per-item
// lookups.
type Backend interface {
	BrandsByKey(ctx context.Context, keys []string) (map[string]Brand, error)
	StrainsByName(ctx context.Context, names []string) (map[string]int64, error)
	TagsByName(ctx context.Context, names []string) (map[string]Tag, error)
}

// Maps is the frozen per-batch reference cache.
// Populated entirely at batch start; never mutated thereafter.
type Maps struct {
	brands  map[string]Brand
	strains map[string]int64
	tags    map[string]Tag
}

// Preload collects the distinct reference keys over all raw payloads and
// issues one bulk query per reference kind. Any backend error is
// batch-fatal: a partial preload would undermine determinism.
//
// Reference keys are read from the payload fields brand_id, strain_name
// and tag_names, falling back to the vendor short forms brand, strain and
// tags used by raw crawler payloads.
func Preload(ctx context.Context, backend Backend, payloads []map[string]any) (*Maps, error) {
	brandKeys := collect(payloads, "brand_id", "brand")
	strainNames := collect(payloads, "strain_name", "strain")
	tagNames := collectLists(payloads, "tag_names", "tags")

	brands, err := backend.BrandsByKey(ctx, brandKeys)
	if err != nil {
		return nil, fmt.Errorf("preload brands: %w", err)
	}
	strains, err := backend.StrainsByName(ctx, strainNames)
	if err != nil {
		return nil, fmt.Errorf("preload strains: %w", err)
	}
	tags, err := backend.TagsByName(ctx, tagNames)
	if err != nil {
		return nil, fmt.Errorf("preload tags: %w", err)
	}

	slog.Debug("lookups preloaded",
		"brand_keys", len(brandKeys),
		"brands_resolved", len(brands),
		"strain_names", len(strainNames),
		"strains_resolved", len(strains),
		"tag_names", len(tagNames),
		"tags_resolved", len(tags),
	)

	return &Maps{brands: brands, strains: strains, tags: tags}, nil
}

// Restore rebuilds maps from recorded slices (replay path).
func Restore(brands map[string]Brand, strains map[string]int64, tags map[string]Tag) *Maps {
	m := &Maps{
		brands:  make(map[string]Brand, len(brands)),
		strains: make(map[string]int64, len(strains)),
		tags:    make(map[string]Tag, len(tags)),
	}
	for k, v := range brands {
		m.brands[k] = v
	}
	for k, v := range strains {
		m.strains[k] = v
	}
	for k, v := range tags {
		m.tags[k] = v
	}
	return m
}

// Brand resolves a brand reference key. ok is false for unresolved keys.
func (m *Maps) Brand(key string) (Brand, bool) {
	b, ok := m.brands[key]
	return b, ok
}

// Strain resolves a strain name to its ID.
func (m *Maps) Strain(name string) (int64, bool) {
	id, ok := m.strains[name]
	return id, ok
}

// Tag resolves a tag name.
func (m *Maps) Tag(name string) (Tag, bool) {
	t, ok := m.tags[name]
	return t, ok
}

// Slice returns the subset of the maps consulted for the given keys, for
// capture into a replay pack. Unresolved keys are absent from the result,
// which is exactly what replay needs to reproduce the miss.
func (m *Maps) Slice(brandKeys, strainNames, tagNames []string) (map[string]Brand, map[string]int64, map[string]Tag) {
	brands := make(map[string]Brand)
	for _, k := range brandKeys {
		if b, ok := m.brands[k]; ok {
			brands[k] = b
		}
	}
	strains := make(map[string]int64)
	for _, n := range strainNames {
		if id, ok := m.strains[n]; ok {
			strains[n] = id
		}
	}
	tags := make(map[string]Tag)
	for _, n := range tagNames {
		if t, ok := m.tags[n]; ok {
			tags[n] = t
		}
	}
	return brands, strains, tags
}

// collect gathers unique non-blank string values for a payload field,
// preserving first-seen order for deterministic query shapes.
func collect(payloads []map[string]any, key, fallback string) []string {
	var out []string
	for _, p := range payloads {
		v, ok := p[key].(string)
		if !ok || v == "" {
			v, ok = p[fallback].(string)
		}
		if ok && v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// collectLists gathers unique non-blank strings flattened from list fields.
func collectLists(payloads []map[string]any, key, fallback string) []string {
	var out []string
	add := func(v any) {
		s, ok := v.(string)
		if ok && s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	for _, p := range payloads {
		field, ok := p[key]
		if !ok {
			field = p[fallback]
		}
		switch list := field.(type) {
		case []string:
			for _, v := range list {
				add(v)
			}
		case []any:
			for _, v := range list {
				add(v)
			}
		}
	}
	return out
}
