// Package rule defines the declarative rule contract.
//
// A rule is pure: Applies and Apply depend only on the evaluation context,
// perform no I/O, and read no clock. Everything a rule may consult is
// frozen into EvalContext before the batch starts.
package rule

import (
	"fmt"
	"time"

	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/lookup"
	"github.com/herbly/menupipe/internal/menu"
)

// Meta is the declarative descriptor of a rule.
//
// Writes is authoritative: the evaluator rejects any patch key outside it.
// Before/After express explicit ordering; Reads feeds optional data-flow
// edge synthesis at compile time. Flags lists the feature flags the rule
// depends on - each must appear in the batch manifest.
type Meta struct {
	Name     string
	Priority int
	Reads    []string
	Writes   []string
	Before   []string
	After    []string
	Flags    []string
}

// Patch is the mapping a rule emits. Keys must be a subset of Meta.Writes;
// an empty patch is legal and signals "no change".
type Patch map[string]any

// ReferentialMiss reports a required foreign reference that could not be
// resolved against the batch lookups. Optional references drop the write
// instead; only required ones raise this.
type ReferentialMiss struct {
	Field string
	Key   string
}

func (e *ReferentialMiss) Error() string {
	return fmt.Sprintf("%s: no record for %q", e.Field, e.Key)
}

// Rule couples metadata with the pure applies/apply pair.
//
// Apply returning an error is fatal for the item: the processor records it
// under violations and terminates. Rules must not swallow their own
// failures.
type Rule interface {
	Meta() Meta
	Applies(ctx *EvalContext) bool
	Apply(ctx *EvalContext) (Patch, error)
}

// EvalContext carries everything a rule may observe. All fields are frozen
// for the lifetime of the evaluation; rules never mutate it.
type EvalContext struct {
	// Payload is the normalized raw payload under evaluation.
	Payload map[string]any
	// MenuItem is the existing record, nil for creates.
	MenuItem *menu.Item
	// ChangedKeys is the semantic diff against the existing record
	// (the "all" sentinel for creates, empty for destroys).
	ChangedKeys menu.ChangeSet
	// DestroyRequested is the source's destroy pointer, resolved once
	// per item before rule evaluation.
	DestroyRequested bool
	// Now is the batch wall-clock, sampled once at batch start.
	Now time.Time
	// Flags is the frozen flag snapshot.
	Flags *flags.Snapshot
	// Lookups is the frozen reference cache.
	Lookups *lookup.Maps
}

// FlagEnabled returns the frozen value of a manifest flag.
// Panics for unlisted flags; ruleset compilation guarantees declared
// flags are in the manifest, so a panic here means an undeclared access.
func (c *EvalContext) FlagEnabled(name string) bool {
	return c.Flags.Enabled(name)
}

// Changed reports whether any of the given keys is in the change set.
// Update rules gate on this so untouched fields never re-fire writes.
func (c *EvalContext) Changed(keys ...string) bool {
	for _, k := range keys {
		if c.ChangedKeys.Has(k) {
			return true
		}
	}
	return false
}

// String returns the payload field as a string, "" when absent or not a
// string. Blank and absent are deliberately indistinguishable: vendor
// feeds use both to mean "no value".
func (c *EvalContext) String(key string) string {
	s, _ := c.Payload[key].(string)
	return s
}

// Strings returns the payload field as a string list.
func (c *EvalContext) Strings(key string) []string {
	switch v := c.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Int returns the payload field as an int64 with an ok flag.
func (c *EvalContext) Int(key string) (int64, bool) {
	switch v := c.Payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		// JSON-decoded payloads carry numbers as float64; only whole
		// values coerce.
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	default:
		return 0, false
	}
}
