// Package menu defines the canonical menu-item record and the semantic
// diff used for update changesets.
package menu

import (
	"slices"
	"time"
)

// Canonical field names. These are the only keys a mapped payload or a
// rule patch may carry; the canonical contract enforces the shapes.
const (
	FieldExternalID   = "external_id"
	FieldName         = "name"
	FieldBrandID      = "brand_id"
	FieldStrainID     = "strain_id"
	FieldTagIDs       = "tag_ids"
	FieldPriceCents   = "price_cents"
	FieldStatus       = "status"
	FieldDeleteReason = "delete_reason"
)

// SilentAttributes lists fields whose updates bypass model-level hooks.
// When every key of an update's change set falls in this list, persistence
// takes the silent column path.
var SilentAttributes = []string{FieldPriceCents}

// Item is the canonical catalog record.
type Item struct {
	ID           int64
	SourceID     string
	ExternalID   string
	Name         string
	BrandID      *int64
	StrainID     *int64
	TagIDs       []int64
	PriceCents   *int64
	Status       string
	DeletedAt    *time.Time
	DeleteReason string
}

// Field returns the value of a canonical field by name, or nil when the
// field is unset. Used by the semantic diff.
func (m *Item) Field(key string) any {
	switch key {
	case FieldExternalID:
		return m.ExternalID
	case FieldName:
		return m.Name
	case FieldBrandID:
		return derefInt(m.BrandID)
	case FieldStrainID:
		return derefInt(m.StrainID)
	case FieldTagIDs:
		return m.TagIDs
	case FieldPriceCents:
		return derefInt(m.PriceCents)
	case FieldStatus:
		return m.Status
	default:
		return nil
	}
}

func derefInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// AllSilent reports whether every key lies in the silent attribute set.
// An empty key list is not silent - it is a noop, handled upstream.
func AllSilent(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if !slices.Contains(SilentAttributes, k) {
			return false
		}
	}
	return true
}

// Diff computes the semantic changed-key set between an existing record
// and a mapped payload. Only keys present in the mapped payload are
// considered; a key counts as changed when its value differs from the
// record's current value under semantic equality (nil and an empty slice
// are equal for optional arrays, integer widths are ignored).
//
// The result is sorted for deterministic downstream iteration.
func Diff(existing *Item, mapped map[string]any) []string {
	var changed []string
	for key, val := range mapped {
		if !Equal(existing.Field(key), val) {
			changed = append(changed, key)
		}
	}
	slices.Sort(changed)
	return changed
}

// Equal implements the semantic equality used by Diff.
func Equal(a, b any) bool {
	// nil vs empty slice is equal for optional arrays
	if isEmptyList(a) && isEmptyList(b) {
		return true
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int, int64:
		an, _ := asInt64(a)
		bn, ok := asInt64(b)
		return ok && an == bn
	case []int64:
		return equalInt64Lists(av, b)
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	case []any:
		if bn, ok := b.([]int64); ok {
			return equalInt64Lists(bn, av)
		}
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func isEmptyList(v any) bool {
	switch lv := v.(type) {
	case nil:
		return true
	case []int64:
		return len(lv) == 0
	case []string:
		return len(lv) == 0
	case []any:
		return len(lv) == 0
	default:
		return false
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func equalInt64Lists(a []int64, b any) bool {
	switch bv := b.(type) {
	case []int64:
		return slices.Equal(a, bv)
	case []any:
		if len(a) != len(bv) {
			return false
		}
		for i := range a {
			n, ok := asInt64(bv[i])
			if !ok || n != a[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
