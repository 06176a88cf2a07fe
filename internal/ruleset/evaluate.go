package ruleset

import (
	"sort"

	"github.com/herbly/menupipe/internal/rule"
)

// Evaluate runs the compiled order against a frozen evaluation context.
//
// For each rule in order: skip when Applies is false; otherwise Apply,
// enforce the write policy, merge the patch, append to fired, and extend
// the running changed-key set with the rule's declared writes so later
// rules observe it. The input context is never mutated - each iteration
// evaluates against a value copy carrying the updated change set.
//
// Given equal (ctx, RuleSet), Evaluate returns identical (changes, fired)
// including element order.
func (s *RuleSet) Evaluate(ectx *rule.EvalContext) (rule.Patch, []string, error) {
	changes := make(rule.Patch)
	var fired []string

	running := *ectx

	for _, name := range s.order {
		r := s.byName[name]

		if !r.Applies(&running) {
			continue
		}

		patch, err := r.Apply(&running)
		if err != nil {
			return nil, nil, &RuleFailure{Rule: name, Err: err}
		}

		meta := r.Meta()
		if err := checkPatchSubset(name, patch, meta.Writes); err != nil {
			return nil, nil, err
		}

		if s.policy == ErrorOnConflict {
			if overlap := overlapKeys(meta.Writes, changes); len(overlap) > 0 {
				return nil, nil, &ConflictError{Rule: name, Keys: overlap}
			}
		}

		merge(changes, patch, s.policy)
		fired = append(fired, name)
		running.ChangedKeys = running.ChangedKeys.Union(meta.Writes...)
	}

	return changes, fired, nil
}

// checkPatchSubset enforces keys(patch) ⊆ meta.writes.
func checkPatchSubset(name string, patch rule.Patch, writes []string) error {
	for k := range patch {
		found := false
		for _, w := range writes {
			if w == k {
				found = true
				break
			}
		}
		if !found {
			return &RuleFailure{
				Rule: name,
				Err:  &undeclaredWriteError{key: k},
			}
		}
	}
	return nil
}

type undeclaredWriteError struct{ key string }

func (e *undeclaredWriteError) Error() string {
	return "patch key " + e.key + " not declared in writes"
}

// merge applies the policy. last_wins: patch overrides. first_wins:
// existing overrides. error_on_conflict merges like last_wins - the
// conflict was already rejected before reaching here.
func merge(changes, patch rule.Patch, policy MergePolicy) {
	switch policy {
	case FirstWins:
		for k, v := range patch {
			if _, exists := changes[k]; !exists {
				changes[k] = v
			}
		}
	default:
		for k, v := range patch {
			changes[k] = v
		}
	}
}

// overlapKeys returns declared writes already present in changes, sorted.
func overlapKeys(writes []string, changes rule.Patch) []string {
	var out []string
	for _, w := range writes {
		if _, exists := changes[w]; exists {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}
