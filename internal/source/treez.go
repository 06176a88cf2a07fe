package source

import (
	"fmt"
	"strings"

	"github.com/herbly/menupipe/internal/contract"
	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/ruleset"
)

// TreezTransformerVersion identifies the Treez external transformer.
const TreezTransformerVersion = "treez-2025.07"

// destroy tombstone contract: identity only.
const rawTreezDestroySchema = `
{
	external_id: string & !=""
	deleted_at:  string & !=""
	...
}
`

// Treez builds the Treez POS source bundle.
// The transformer normalizes vendor field names, coerces types, and
// classifies the action; classification rules carry explicit ordering so
// the shared "action" write key compiles under error_on_conflict.
func Treez() (*Source, error) {
	rules := []rule.Rule{
		&copyFieldRule{name: "external_id_rule", from: "external_id", to: "external_id", priority: 10},
		&copyFieldRule{name: "name_rule", from: "name", to: "name", priority: 10},
		&copyFieldRule{name: "brand_rule", from: "brand", to: "brand_name", priority: 20},
		&copyFieldRule{name: "strain_rule", from: "strain", to: "strain_name", priority: 20},
		&tagListRule{},
		&priceCoerceRule{},
		&statusCopyRule{},
		&createActionRule{},
		&updateActionRule{},
		&destroyActionRule{},
	}

	transformer, err := ruleset.Compile(rules, TreezTransformerVersion)
	if err != nil {
		return nil, fmt.Errorf("compile treez transformer: %w", err)
	}

	return &Source{
		ID:          "treez",
		Raw:         contract.RawTreez(),
		RawDestroy:  contract.MustNew("raw_treez_destroy", rawTreezDestroySchema),
		Transformer: transformer,
		DestroyPointer: func(payload map[string]any) bool {
			v, ok := payload["deleted_at"].(string)
			return ok && v != ""
		},
	}, nil
}

// copyFieldRule maps one vendor field to a canonical mapped-payload key,
// trimming whitespace and skipping blanks. Skipped on tombstones.
type copyFieldRule struct {
	name     string
	from, to string
	priority int
}

func (r *copyFieldRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     r.name,
		Priority: r.priority,
		Reads:    []string{r.from},
		Writes:   []string{r.to},
	}
}

func (r *copyFieldRule) Applies(ctx *rule.EvalContext) bool {
	return !ctx.DestroyRequested && strings.TrimSpace(ctx.String(r.from)) != ""
}

func (r *copyFieldRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	return rule.Patch{r.to: strings.TrimSpace(ctx.String(r.from))}, nil
}

// tagListRule flattens the vendor tag list to trimmed, deduplicated names.
type tagListRule struct{}

func (r *tagListRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "tags_rule",
		Priority: 20,
		Reads:    []string{"tags"},
		Writes:   []string{"tag_names"},
	}
}

func (r *tagListRule) Applies(ctx *rule.EvalContext) bool {
	return !ctx.DestroyRequested && len(ctx.Strings("tags")) > 0
}

func (r *tagListRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	var names []string
	for _, t := range ctx.Strings("tags") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		seen := false
		for _, n := range names {
			if n == t {
				seen = true
				break
			}
		}
		if !seen {
			names = append(names, t)
		}
	}
	if len(names) == 0 {
		return rule.Patch{}, nil
	}
	return rule.Patch{"tag_names": names}, nil
}

// priceCoerceRule carries price_cents through as int64.
type priceCoerceRule struct{}

func (r *priceCoerceRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "price_rule",
		Priority: 20,
		Reads:    []string{"price_cents"},
		Writes:   []string{"price_cents"},
	}
}

func (r *priceCoerceRule) Applies(ctx *rule.EvalContext) bool {
	if ctx.DestroyRequested {
		return false
	}
	_, ok := ctx.Int("price_cents")
	return ok
}

func (r *priceCoerceRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	n, _ := ctx.Int("price_cents")
	return rule.Patch{"price_cents": n}, nil
}

// statusCopyRule carries a valid vendor status through unchanged.
type statusCopyRule struct{}

func (r *statusCopyRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "status_rule",
		Priority: 20,
		Reads:    []string{"status"},
		Writes:   []string{"status"},
	}
}

func (r *statusCopyRule) Applies(ctx *rule.EvalContext) bool {
	s := ctx.String("status")
	return !ctx.DestroyRequested && (s == "active" || s == "inactive")
}

func (r *statusCopyRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	return rule.Patch{"status": ctx.String("status")}, nil
}

// ActionKey is the reserved mapped-payload key carrying the classified
// action. The processor strips it before changeset computation.
const ActionKey = "action"

// createActionRule classifies new records without a tombstone.
type createActionRule struct{}

func (r *createActionRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "create_action_rule",
		Priority: 90,
		Writes:   []string{ActionKey},
	}
}

func (r *createActionRule) Applies(ctx *rule.EvalContext) bool {
	return ctx.MenuItem == nil && !ctx.DestroyRequested
}

func (r *createActionRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	return rule.Patch{ActionKey: "create"}, nil
}

// updateActionRule classifies existing records without a tombstone.
type updateActionRule struct{}

func (r *updateActionRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "update_action_rule",
		Priority: 91,
		Writes:   []string{ActionKey},
		After:    []string{"create_action_rule"},
	}
}

func (r *updateActionRule) Applies(ctx *rule.EvalContext) bool {
	return ctx.MenuItem != nil && !ctx.DestroyRequested
}

func (r *updateActionRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	return rule.Patch{ActionKey: "update"}, nil
}

// destroyActionRule classifies existing records with a tombstone.
// A tombstone for a record that never existed classifies nothing; the
// processor rejects the item as unclassifiable.
type destroyActionRule struct{}

func (r *destroyActionRule) Meta() rule.Meta {
	return rule.Meta{
		Name:     "destroy_action_rule",
		Priority: 92,
		Writes:   []string{ActionKey},
		After:    []string{"update_action_rule"},
	}
}

func (r *destroyActionRule) Applies(ctx *rule.EvalContext) bool {
	return ctx.MenuItem != nil && ctx.DestroyRequested
}

func (r *destroyActionRule) Apply(ctx *rule.EvalContext) (rule.Patch, error) {
	return rule.Patch{ActionKey: "destroy"}, nil
}
