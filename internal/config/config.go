// Package config loads ruleset configuration documents.
//
// A document names a ruleset version and lists rule entries by class.
// The loader resolves classes through a rule registry, applies ordering
// overrides, and hands the instantiated rules to the compiler. Loading
// never executes a rule.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/ruleset"
)

// Overrides adjusts a rule's declared ordering edges from configuration
// without touching the rule implementation.
type Overrides struct {
	Before []string `yaml:"before"`
	After  []string `yaml:"after"`
}

// RuleEntry is one rule in a ruleset document.
type RuleEntry struct {
	Class     string      `yaml:"class"`
	Enabled   *bool       `yaml:"enabled"`
	Priority  int         `yaml:"priority"`
	Params    rule.Params `yaml:"params"`
	Overrides *Overrides  `yaml:"overrides"`
}

// enabled defaults to true when omitted.
func (e *RuleEntry) enabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Document is a parsed ruleset configuration.
type Document struct {
	Version string      `yaml:"version"`
	Ruleset string      `yaml:"ruleset"`
	Rules   []RuleEntry `yaml:"rules"`
}

// Parse decodes a YAML ruleset document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ruleset document: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("parse ruleset document: version is required")
	}
	if doc.Ruleset == "" {
		return nil, fmt.Errorf("parse ruleset document: ruleset name is required")
	}
	return &doc, nil
}

// Load reads and decodes a YAML ruleset document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load ruleset document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return doc, nil
}

// Build instantiates the document's enabled rules against the registry
// and compiles them. Unknown class names fail; disabled entries are
// skipped before instantiation.
func (d *Document) Build(registry *rule.Registry, opts ...ruleset.Option) (*ruleset.RuleSet, error) {
	rules := make([]rule.Rule, 0, len(d.Rules))
	for i, entry := range d.Rules {
		if entry.Class == "" {
			return nil, fmt.Errorf("ruleset %s: rule %d: class is required", d.Ruleset, i)
		}
		if !entry.enabled() {
			continue
		}
		rl, err := registry.New(entry.Class, entry.Params, entry.Priority)
		if err != nil {
			return nil, fmt.Errorf("ruleset %s: %w", d.Ruleset, err)
		}
		if entry.Overrides != nil {
			rl = &overriddenRule{Rule: rl, overrides: *entry.Overrides}
		}
		rules = append(rules, rl)
	}

	set, err := ruleset.Compile(rules, d.Version, opts...)
	if err != nil {
		return nil, fmt.Errorf("ruleset %s: %w", d.Ruleset, err)
	}
	return set, nil
}

// overriddenRule wraps a rule with additional ordering edges from the
// document. The wrapped behavior is untouched.
type overriddenRule struct {
	rule.Rule
	overrides Overrides
}

func (r *overriddenRule) Meta() rule.Meta {
	meta := r.Rule.Meta()
	meta.Before = mergeEdges(meta.Before, r.overrides.Before)
	meta.After = mergeEdges(meta.After, r.overrides.After)
	return meta
}

func mergeEdges(declared, extra []string) []string {
	if len(extra) == 0 {
		return declared
	}
	out := make([]string, 0, len(declared)+len(extra))
	out = append(out, declared...)
	for _, e := range extra {
		if !contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
