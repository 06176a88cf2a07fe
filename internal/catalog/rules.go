// Package catalog defines the canonical transform rules and the built-in
// rule registry.
//
// Create rules build aggressively: every resolvable field is written.
// Update rules are conservative: each gates on the changed-key set, and an
// unresolved foreign reference drops the write rather than nulling the
// field.
package catalog

import (
	"fmt"

	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/rule"
)

// FlagDefaultActive gates the create-time status default.
const FlagDefaultActive = "menu_sync.default_active"

// Mode selects the create or update variant of a rule.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
)

func modeFromParams(params rule.Params) (Mode, error) {
	m, _ := params["mode"].(string)
	switch Mode(m) {
	case ModeCreate, ModeUpdate:
		return Mode(m), nil
	default:
		return "", fmt.Errorf("params.mode must be %q or %q, got %q", ModeCreate, ModeUpdate, m)
	}
}

// gate implements the conservative update guard: create rules apply
// whenever the source field is present, update rules additionally require
// the field to be in the change set.
func gate(ctx *rule.EvalContext, mode Mode, sourceKey string) bool {
	if mode == ModeUpdate && !ctx.Changed(sourceKey) {
		return false
	}
	return true
}

// NameRule carries the mapped name into the canonical patch.
type NameRule struct {
	mode     Mode
	priority int
}

// NewNameRule builds a NameRule from document params.
func NewNameRule(params rule.Params, priority int) (rule.Rule, error) {
	mode, err := modeFromParams(params)
	if err != nil {
		return nil, err
	}
	return &NameRule{mode: mode, priority: priority}, nil
}

func (r *NameRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "name_rule",
		Priority: r.priority,
		Reads:    []string{menu.FieldName},
		Writes:   []string{menu.FieldName},
	}
}

func (r *NameRule) Applies(ctx *rule.EvalContext) bool {
	return ctx.String(menu.FieldName) != "" && gate(ctx, r.mode, menu.FieldName)
}

func (r *NameRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	return rule.Patch{menu.FieldName: ctx.String(menu.FieldName)}, nil
}

// BrandNameRule resolves the mapped brand name against the preloaded
// brand map. The brand is the one required reference: an unresolved brand
// on create fails the item, while an unresolved brand on update drops the
// write so the existing brand_id is never nulled by a miss.
type BrandNameRule struct {
	mode     Mode
	priority int
}

// NewBrandNameRule builds a BrandNameRule from document params.
func NewBrandNameRule(params rule.Params, priority int) (rule.Rule, error) {
	mode, err := modeFromParams(params)
	if err != nil {
		return nil, err
	}
	return &BrandNameRule{mode: mode, priority: priority}, nil
}

func (r *BrandNameRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "brand_name_rule",
		Priority: r.priority,
		Reads:    []string{"brand_name"},
		Writes:   []string{menu.FieldBrandID},
	}
}

func (r *BrandNameRule) Applies(ctx *rule.EvalContext) bool {
	return ctx.String("brand_name") != "" && gate(ctx, r.mode, "brand_name")
}

func (r *BrandNameRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	name := ctx.String("brand_name")
	brand, ok := ctx.Lookups.Brand(name)
	if !ok {
		if r.mode == ModeCreate {
			return nil, &rule.ReferentialMiss{Field: menu.FieldBrandID, Key: name}
		}
		return rule.Patch{}, nil
	}
	return rule.Patch{menu.FieldBrandID: brand.ID}, nil
}

// StrainNameRule resolves the mapped strain name to its ID.
type StrainNameRule struct {
	mode     Mode
	priority int
}

// NewStrainNameRule builds a StrainNameRule from document params.
func NewStrainNameRule(params rule.Params, priority int) (rule.Rule, error) {
	mode, err := modeFromParams(params)
	if err != nil {
		return nil, err
	}
	return &StrainNameRule{mode: mode, priority: priority}, nil
}

func (r *StrainNameRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "strain_name_rule",
		Priority: r.priority,
		Reads:    []string{"strain_name"},
		Writes:   []string{menu.FieldStrainID},
	}
}

func (r *StrainNameRule) Applies(ctx *rule.EvalContext) bool {
	return ctx.String("strain_name") != "" && gate(ctx, r.mode, "strain_name")
}

func (r *StrainNameRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	id, ok := ctx.Lookups.Strain(ctx.String("strain_name"))
	if !ok {
		return rule.Patch{}, nil
	}
	return rule.Patch{menu.FieldStrainID: id}, nil
}

// TagNamesRule resolves mapped tag names to IDs. Unresolved names are
// dropped from the list; an entirely unresolved list drops the write.
type TagNamesRule struct {
	mode     Mode
	priority int
}

// NewTagNamesRule builds a TagNamesRule from document params.
func NewTagNamesRule(params rule.Params, priority int) (rule.Rule, error) {
	mode, err := modeFromParams(params)
	if err != nil {
		return nil, err
	}
	return &TagNamesRule{mode: mode, priority: priority}, nil
}

func (r *TagNamesRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "tag_names_rule",
		Priority: r.priority,
		Reads:    []string{"tag_names"},
		Writes:   []string{menu.FieldTagIDs},
	}
}

func (r *TagNamesRule) Applies(ctx *rule.EvalContext) bool {
	return len(ctx.Strings("tag_names")) > 0 && gate(ctx, r.mode, "tag_names")
}

func (r *TagNamesRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	var ids []int64
	for _, name := range ctx.Strings("tag_names") {
		if tag, ok := ctx.Lookups.Tag(name); ok {
			ids = append(ids, tag.ID)
		}
	}
	if len(ids) == 0 {
		return rule.Patch{}, nil
	}
	return rule.Patch{menu.FieldTagIDs: ids}, nil
}

// PriceRule carries the mapped price into the canonical patch.
type PriceRule struct {
	mode     Mode
	priority int
}

// NewPriceRule builds a PriceRule from document params.
func NewPriceRule(params rule.Params, priority int) (rule.Rule, error) {
	mode, err := modeFromParams(params)
	if err != nil {
		return nil, err
	}
	return &PriceRule{mode: mode, priority: priority}, nil
}

func (r *PriceRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "price_rule",
		Priority: r.priority,
		Reads:    []string{menu.FieldPriceCents},
		Writes:   []string{menu.FieldPriceCents},
	}
}

func (r *PriceRule) Applies(ctx *rule.EvalContext) bool {
	_, ok := ctx.Int(menu.FieldPriceCents)
	return ok && gate(ctx, r.mode, menu.FieldPriceCents)
}

func (r *PriceRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	n, _ := ctx.Int(menu.FieldPriceCents)
	return rule.Patch{menu.FieldPriceCents: n}, nil
}

// StatusRule carries the mapped status through on updates; on creates it
// also defaults a missing status, with the default controlled by the
// menu_sync.default_active flag.
type StatusRule struct {
	mode     Mode
	priority int
}

// NewStatusRule builds a StatusRule from document params.
func NewStatusRule(params rule.Params, priority int) (rule.Rule, error) {
	mode, err := modeFromParams(params)
	if err != nil {
		return nil, err
	}
	return &StatusRule{mode: mode, priority: priority}, nil
}

func (r *StatusRule) Meta() rule.Meta {
	meta := rule.Meta{
		Name:     "status_rule",
		Priority: r.priority,
		Reads:    []string{menu.FieldStatus},
		Writes:   []string{menu.FieldStatus},
	}
	if r.mode == ModeCreate {
		meta.Flags = []string{FlagDefaultActive}
	}
	return meta
}

func (r *StatusRule) Applies(ctx *rule.EvalContext) bool {
	if r.mode == ModeCreate {
		return true
	}
	return ctx.String(menu.FieldStatus) != "" && ctx.Changed(menu.FieldStatus)
}

func (r *StatusRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	if s := ctx.String(menu.FieldStatus); s != "" {
		return rule.Patch{menu.FieldStatus: s}, nil
	}
	if r.mode == ModeUpdate {
		return rule.Patch{}, nil
	}
	if ctx.FlagEnabled(FlagDefaultActive) {
		return rule.Patch{menu.FieldStatus: "active"}, nil
	}
	return rule.Patch{menu.FieldStatus: "inactive"}, nil
}
