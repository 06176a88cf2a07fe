package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/rule"
)

// columnFor maps canonical patch keys onto menu_items columns. Patches
// arriving from rule evaluation only ever carry canonical field names;
// anything else is a programming error surfaced as a failed write.
var columnFor = map[string]string{
	menu.FieldName:       "name",
	menu.FieldBrandID:    "brand_id",
	menu.FieldStrainID:   "strain_id",
	menu.FieldTagIDs:     "tag_ids",
	menu.FieldPriceCents: "price_cents",
	menu.FieldStatus:     "status",
}

// Insert creates a new menu item row. The (source_id, external_id) pair
// is unique; a duplicate insert fails rather than upserting, because the
// classifier already decided this item does not exist.
func (s *Store) Insert(ctx context.Context, it *menu.Item) error {
	tagJSON, err := encodeTagIDs(it.TagIDs)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", it.SourceID, it.ExternalID, err)
	}
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO menu_items
			(source_id, external_id, name, brand_id, strain_id, tag_ids,
			 price_cents, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.SourceID, it.ExternalID, it.Name, it.BrandID, it.StrainID,
		tagJSON, it.PriceCents, it.Status, now, now)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", it.SourceID, it.ExternalID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		it.ID = id
	}
	return nil
}

// Update writes the changed columns and bumps updated_at. This is the
// hook-visible write path.
func (s *Store) Update(ctx context.Context, id int64, changes rule.Patch) error {
	return s.update(ctx, id, changes, true)
}

// SilentUpdate writes only the named columns, leaving updated_at
// untouched. Chosen when every changed key is a silent attribute.
func (s *Store) SilentUpdate(ctx context.Context, id int64, changes rule.Patch) error {
	return s.update(ctx, id, changes, false)
}

func (s *Store) update(ctx context.Context, id int64, changes rule.Patch, touch bool) error {
	if len(changes) == 0 {
		return nil
	}

	sets := make([]string, 0, len(changes)+1)
	args := make([]any, 0, len(changes)+2)
	for _, key := range sortedPatchKeys(changes) {
		col, ok := columnFor[key]
		if !ok {
			return fmt.Errorf("update item %d: unknown field %q", id, key)
		}
		val := changes[key]
		if key == menu.FieldTagIDs {
			encoded, err := encodeTagIDs(val)
			if err != nil {
				return fmt.Errorf("update item %d: %w", id, err)
			}
			val = encoded
		}
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if touch {
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC().Unix())
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE menu_items SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update item %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update item %d: no such row", id)
	}
	return nil
}

// SoftDelete tombstones a row: status becomes destroyed, deleted_at and
// delete_reason are set, and the row stays in place.
func (s *Store) SoftDelete(ctx context.Context, id int64, reason string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE menu_items
		SET status = 'destroyed', deleted_at = ?, delete_reason = ?, updated_at = ?
		WHERE id = ?
	`, now.UTC().Unix(), reason, now.UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("soft delete item %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("soft delete item %d: no such row", id)
	}
	return nil
}

// FindByExternalIDs fetches existing records for a source in one bulk
// query, keyed by external ID. Tombstoned rows are included so the
// classifier can see prior destroys.
func (s *Store) FindByExternalIDs(ctx context.Context, sourceID string, externalIDs []string) (map[string]*menu.Item, error) {
	out := make(map[string]*menu.Item, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(externalIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, sourceID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, external_id, name, brand_id, strain_id,
		       tag_ids, price_cents, status, deleted_at, delete_reason
		FROM menu_items
		WHERE source_id = ? AND external_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("find by external ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("find by external ids: %w", err)
		}
		out[it.ExternalID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find by external ids: %w", err)
	}
	return out, nil
}

func scanItem(rows *sql.Rows) (*menu.Item, error) {
	var (
		it        menu.Item
		tagJSON   string
		deletedAt sql.NullInt64
	)
	if err := rows.Scan(&it.ID, &it.SourceID, &it.ExternalID, &it.Name,
		&it.BrandID, &it.StrainID, &tagJSON, &it.PriceCents, &it.Status,
		&deletedAt, &it.DeleteReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagJSON), &it.TagIDs); err != nil {
		return nil, fmt.Errorf("item %d: decode tag_ids: %w", it.ID, err)
	}
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0).UTC()
		it.DeletedAt = &t
	}
	return &it, nil
}

// encodeTagIDs serializes a tag ID list for the tag_ids column. Patches
// carry []int64 from the tag rule; nil encodes as the empty list.
func encodeTagIDs(v any) (string, error) {
	switch ids := v.(type) {
	case nil:
		return "[]", nil
	case []int64:
		b, err := json.Marshal(ids)
		if err != nil {
			return "", fmt.Errorf("encode tag_ids: %w", err)
		}
		return string(b), nil
	case []any:
		out := make([]int64, 0, len(ids))
		for _, e := range ids {
			switch n := e.(type) {
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			case float64:
				out = append(out, int64(n))
			default:
				return "", fmt.Errorf("encode tag_ids: unsupported element %T", e)
			}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("encode tag_ids: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("encode tag_ids: unsupported type %T", v)
	}
}

func sortedPatchKeys(p rule.Patch) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
