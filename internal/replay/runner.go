package replay

import (
	"fmt"
	"slices"
	"time"

	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/lookup"
	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/ruleset"
	"github.com/herbly/menupipe/internal/source"
)

// Step is one rule re-execution during replay.
type Step struct {
	Name string `json:"name"`
	// Stage is "transform" for external transformer rules and
	// "canonical" for the action ruleset.
	Stage   string         `json:"stage"`
	Applied bool           `json:"applied"`
	Patch   rule.Patch     `json:"patch,omitempty"`
	// Conflicts lists declared writes already present in the stage's
	// accumulated changes at the time the rule fired.
	Conflicts  []string       `json:"conflicts,omitempty"`
	StateAfter map[string]any `json:"state_after"`
}

// Result is the outcome of re-executing a pack.
type Result struct {
	Steps []Step `json:"steps"`
	// Fired is the reproduced fired-rule sequence.
	Fired []string `json:"fired"`
	// Changes is the reproduced canonical patch.
	Changes rule.Patch `json:"changes"`
}

// Runner re-executes the recorded rules_order of a pack using recorded
// values in place of any live service call: the flag snapshot and lookup
// slices come from the pack, never from a backend.
type Runner struct {
	Source    *source.Source
	CreateSet *ruleset.RuleSet
	UpdateSet *ruleset.RuleSet
}

// Run replays a pack rule by rule.
func (r *Runner) Run(pack *Pack) (*Result, error) {
	snapshot, err := flags.Restore(pack.FlagsSnapshot)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", pack.IngestID, err)
	}
	if v := snapshot.Version(); v != pack.FlagsVersion {
		return nil, fmt.Errorf("replay %s: flags_version mismatch: recorded %s, recomputed %s",
			pack.IngestID, pack.FlagsVersion, v)
	}

	lookups := restoreLookups(pack.ResolverSnapshot)

	// Items rejected by raw validation never reached rule evaluation.
	if slices.Contains(pack.FiredRules, "raw_validation") {
		return &Result{Fired: append([]string(nil), pack.FiredRules...), Changes: rule.Patch{}}, nil
	}

	action := r.inferAction(pack)
	_, unclassifiable := pack.Violations["action"]
	var existing *menu.Item
	if action != item.ActionCreate && !unclassifiable {
		// Unclassifiable items had no existing record at live time; a
		// fabricated one would let the action rules fire on replay.
		existing = &menu.Item{ExternalID: pack.ExternalID, SourceID: pack.SourceID}
	}

	base := rule.EvalContext{
		MenuItem:         existing,
		DestroyRequested: r.Source.DestroyPointer(pack.RawPayloadNormalized),
		Now:              time.Unix(pack.ProducedAt, 0).UTC(),
		Flags:            snapshot,
		Lookups:          lookups,
	}

	result := &Result{Changes: rule.Patch{}}

	// The recorded order is the transformer's compiled order followed by
	// the canonical set's. Rule names repeat across the two stages, so
	// the split is positional, not by name.
	transformLen := len(r.Source.Transformer.RulesOrder())
	if len(pack.RulesOrder) < transformLen {
		return nil, fmt.Errorf("replay %s: rules_order has %d entries, transformer compiles %d",
			pack.IngestID, len(pack.RulesOrder), transformLen)
	}

	// Phase 1: external transformer over the raw payload.
	transformChanges := rule.Patch{}
	tctx := base
	tctx.Payload = pack.RawPayloadNormalized
	tctx.ChangedKeys = menu.NewChangeSet()
	for _, ordered := range pack.RulesOrder[:transformLen] {
		rl, ok := r.Source.Transformer.Rule(ordered.Name)
		if !ok {
			return nil, fmt.Errorf("replay %s: recorded rule %q not in transformer", pack.IngestID, ordered.Name)
		}
		step, err := executeStep(rl, &tctx, transformChanges, "transform")
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", pack.IngestID, err)
		}
		result.Steps = append(result.Steps, step)
		if step.Applied {
			result.Fired = append(result.Fired, ordered.Name)
		}
	}

	// Unclassifiable items stop before the canonical phase.
	if unclassifiable {
		return result, nil
	}
	if action == item.ActionDestroy {
		return result, nil
	}

	set := r.CreateSet
	if action == item.ActionUpdate {
		set = r.UpdateSet
	}

	// Phase 2: canonical ruleset over the mapped payload with the
	// recorded changed keys.
	cctx := base
	cctx.Payload = pack.MappedPayload
	cctx.ChangedKeys = restoreChangedKeys(pack.ChangedKeys)
	for _, ordered := range pack.RulesOrder[transformLen:] {
		rl, ok := set.Rule(ordered.Name)
		if !ok {
			return nil, fmt.Errorf("replay %s: recorded rule %q not in %s ruleset", pack.IngestID, ordered.Name, action)
		}
		step, err := executeStep(rl, &cctx, result.Changes, "canonical")
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", pack.IngestID, err)
		}
		result.Steps = append(result.Steps, step)
		if step.Applied {
			result.Fired = append(result.Fired, ordered.Name)
		}
	}

	return result, nil
}

// Verify replays the pack and compares the reproduced fired sequence and
// canonical changes against the recorded ones.
func (r *Runner) Verify(pack *Pack) (*Result, error) {
	result, err := r.Run(pack)
	if err != nil {
		return nil, err
	}

	recorded := append([]string(nil), pack.FiredRules...)
	if !slices.Equal(result.Fired, recorded) {
		return result, fmt.Errorf("replay %s: fired_rules diverged: recorded %v, replayed %v",
			pack.IngestID, recorded, result.Fired)
	}

	if len(result.Changes) != len(pack.Changes) {
		return result, fmt.Errorf("replay %s: changes diverged: recorded %d keys, replayed %d",
			pack.IngestID, len(pack.Changes), len(result.Changes))
	}
	for k, recordedVal := range pack.Changes {
		if !menu.Equal(normalizeJSON(recordedVal), normalizeJSON(result.Changes[k])) {
			return result, fmt.Errorf("replay %s: changes[%s] diverged: recorded %v, replayed %v",
				pack.IngestID, k, recordedVal, result.Changes[k])
		}
	}

	return result, nil
}

// executeStep evaluates one rule against the phase context, mutating the
// phase's accumulated changes and the context's changed keys exactly as
// live evaluation does.
func executeStep(rl rule.Rule, ectx *rule.EvalContext, changes rule.Patch, stage string) (Step, error) {
	meta := rl.Meta()
	step := Step{Name: meta.Name, Stage: stage}

	if !rl.Applies(ectx) {
		step.StateAfter = snapshotChanges(changes)
		return step, nil
	}

	patch, err := rl.Apply(ectx)
	if err != nil {
		return step, &ruleset.RuleFailure{Rule: meta.Name, Err: err}
	}

	for _, w := range meta.Writes {
		if _, exists := changes[w]; exists {
			step.Conflicts = append(step.Conflicts, w)
		}
	}

	for k, v := range patch {
		changes[k] = v
	}
	ectx.ChangedKeys = ectx.ChangedKeys.Union(meta.Writes...)

	step.Applied = true
	step.Patch = patch
	step.StateAfter = snapshotChanges(changes)
	return step, nil
}

func (r *Runner) inferAction(pack *Pack) item.Action {
	switch {
	case len(pack.ChangedKeys) == 1 && pack.ChangedKeys[0] == "all":
		return item.ActionCreate
	case pack.Status == string(item.StatusDestroyed):
		return item.ActionDestroy
	case r.Source.DestroyPointer(pack.RawPayloadNormalized):
		return item.ActionDestroy
	default:
		return item.ActionUpdate
	}
}

func restoreLookups(snap ResolverSnapshot) *lookup.Maps {
	brands := make(map[string]lookup.Brand, len(snap.Brands))
	for k, id := range snap.Brands {
		brands[k] = lookup.Brand{ID: id, Name: k}
	}
	tags := make(map[string]lookup.Tag, len(snap.Tags))
	for k, id := range snap.Tags {
		tags[k] = lookup.Tag{ID: id, Name: k}
	}
	return lookup.Restore(brands, snap.Strains, tags)
}

func restoreChangedKeys(keys []string) menu.ChangeSet {
	if len(keys) == 1 && keys[0] == "all" {
		return menu.AllChanged()
	}
	return menu.NewChangeSet(keys...)
}

func snapshotChanges(changes rule.Patch) map[string]any {
	out := make(map[string]any, len(changes))
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// normalizeJSON maps decoded JSON numbers back onto the int64 domain so
// recorded and replayed values compare semantically.
func normalizeJSON(v any) any {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeJSON(e)
		}
		return out
	default:
		return v
	}
}
