// Package ruleset compiles declarative rules into a frozen, topologically
// ordered execution plan and evaluates it deterministically.
package ruleset

import (
	"fmt"
	"slices"
	"sort"

	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/rule"
)

// MergePolicy controls how overlapping patches combine during evaluation.
type MergePolicy string

const (
	// LastWins merges patches with later rules overriding earlier ones.
	LastWins MergePolicy = "last_wins"
	// FirstWins keeps the first written value for a key.
	FirstWins MergePolicy = "first_wins"
	// ErrorOnConflict fails compilation for unordered shared writes and
	// fails evaluation if a fired rule's writes overlap accumulated keys.
	ErrorOnConflict MergePolicy = "error_on_conflict"
)

// OrderedRule is one entry of the compiled execution order, as captured
// into replay packs.
type OrderedRule struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// RuleSet is the compiled, frozen bundle. The order never changes after
// compilation; given equal inputs, Evaluate returns identical output
// including element order.
type RuleSet struct {
	order   []string
	byName  map[string]rule.Rule
	edges   edgeGraph
	policy  MergePolicy
	version string
}

type compileConfig struct {
	policy        MergePolicy
	dataFlowEdges bool
	manifest      flags.Manifest
}

// Option configures compilation.
type Option func(*compileConfig)

// WithPolicy sets the merge policy (default ErrorOnConflict).
func WithPolicy(p MergePolicy) Option {
	return func(c *compileConfig) { c.policy = p }
}

// WithDataFlowEdges synthesizes a->b edges whenever a.writes intersects
// b.reads. Enabling this relaxes conflict detection to last-writer-wins
// for shared writes, since the data-flow edges impose an order.
func WithDataFlowEdges() Option {
	return func(c *compileConfig) {
		c.dataFlowEdges = true
		c.policy = LastWins
	}
}

// WithFlagManifest declares the permitted flag names. Rules depending on
// a flag outside the manifest fail compilation.
func WithFlagManifest(m flags.Manifest) Option {
	return func(c *compileConfig) { c.manifest = m }
}

// Compile validates rules and produces the frozen execution plan.
//
// The algorithm, in order: name/reference validation, flag manifest
// check, edge construction (explicit before/after plus optional data-flow
// synthesis), write-conflict detection under error_on_conflict, Tarjan
// cycle check, and Kahn ordering with a (priority, name) tie-breaker.
//
// All failures return a *CompileError; a pipeline must refuse work on any
// compile failure.
func Compile(rules []rule.Rule, version string, opts ...Option) (*RuleSet, error) {
	cfg := compileConfig{policy: ErrorOnConflict}
	for _, opt := range opts {
		opt(&cfg)
	}

	byName := make(map[string]rule.Rule, len(rules))
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		meta := r.Meta()
		if meta.Name == "" {
			return nil, &CompileError{Code: ErrCodeDuplicateRule, Message: "rule with empty name"}
		}
		if _, dup := byName[meta.Name]; dup {
			return nil, &CompileError{
				Code:    ErrCodeDuplicateRule,
				Message: fmt.Sprintf("duplicate rule name %q", meta.Name),
			}
		}
		byName[meta.Name] = r
		names = append(names, meta.Name)
	}

	if err := checkReferences(byName); err != nil {
		return nil, err
	}
	if cfg.manifest != nil {
		if err := checkFlags(byName, cfg.manifest); err != nil {
			return nil, err
		}
	}

	edges := buildEdges(byName, names, cfg.dataFlowEdges)

	if cfg.policy == ErrorOnConflict {
		if pairs := findWriteConflicts(byName, names, edges); len(pairs) > 0 {
			return nil, &CompileError{
				Code:    ErrCodeWriteConflict,
				Message: "unordered rules share write keys",
				Pairs:   pairs,
			}
		}
	}

	if cycles := findCycles(edges); len(cycles) > 0 {
		return nil, &CompileError{
			Code:    ErrCodeCycle,
			Message: "rule ordering graph contains a cycle",
			Cycle:   cycles[0],
		}
	}

	order, err := computeOrder(byName, names, edges)
	if err != nil {
		return nil, err
	}

	return &RuleSet{
		order:   order,
		byName:  byName,
		edges:   edges,
		policy:  cfg.policy,
		version: version,
	}, nil
}

// checkReferences verifies before/after targets exist.
func checkReferences(byName map[string]rule.Rule) error {
	for name, r := range byName {
		meta := r.Meta()
		for _, t := range meta.Before {
			if _, ok := byName[t]; !ok {
				return &CompileError{
					Code:    ErrCodePhantomTarget,
					Message: fmt.Sprintf("rule %q: before target %q does not exist", name, t),
				}
			}
		}
		for _, d := range meta.After {
			if _, ok := byName[d]; !ok {
				return &CompileError{
					Code:    ErrCodePhantomTarget,
					Message: fmt.Sprintf("rule %q: after target %q does not exist", name, d),
				}
			}
		}
	}
	return nil
}

// checkFlags rejects rules depending on flags outside the manifest.
func checkFlags(byName map[string]rule.Rule, manifest flags.Manifest) error {
	for name, r := range byName {
		for _, f := range r.Meta().Flags {
			if !manifest.Contains(f) {
				return &CompileError{
					Code:    ErrCodeUnknownFlag,
					Message: fmt.Sprintf("rule %q depends on flag %q not in manifest", name, f),
				}
			}
		}
	}
	return nil
}

// buildEdges constructs the ordering graph.
// For each rule r: r -> t for every t in r.before, d -> r for every d in
// r.after. With data-flow synthesis, a -> b for a.writes ∩ b.reads ≠ ∅.
func buildEdges(byName map[string]rule.Rule, names []string, dataFlow bool) edgeGraph {
	edges := make(edgeGraph, len(names))
	for _, n := range names {
		edges[n] = nil
	}

	addEdge := func(from, to string) {
		if from == to {
			// self data-flow (a rule reading its own writes) is not an
			// ordering constraint
			return
		}
		if !slices.Contains(edges[from], to) {
			edges[from] = append(edges[from], to)
		}
	}

	for _, n := range names {
		meta := byName[n].Meta()
		for _, t := range meta.Before {
			addEdge(n, t)
		}
		for _, d := range meta.After {
			addEdge(d, n)
		}
	}

	if dataFlow {
		for _, a := range names {
			aw := byName[a].Meta().Writes
			for _, b := range names {
				if a == b {
					continue
				}
				if intersects(aw, byName[b].Meta().Reads) {
					addEdge(a, b)
				}
			}
		}
	}

	// Stable successor order for deterministic traversal
	for n := range edges {
		sort.Strings(edges[n])
	}
	return edges
}

// findWriteConflicts returns every unordered pair sharing write keys.
// A pair is ordered when the graph has a path between its members in
// either direction.
func findWriteConflicts(byName map[string]rule.Rule, names []string, edges edgeGraph) []ConflictPair {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var pairs []ConflictPair
	for i, a := range sorted {
		for _, b := range sorted[i+1:] {
			shared := intersection(byName[a].Meta().Writes, byName[b].Meta().Writes)
			if len(shared) == 0 {
				continue
			}
			if reachable(edges, a, b) || reachable(edges, b, a) {
				continue
			}
			sort.Strings(shared)
			pairs = append(pairs, ConflictPair{A: a, B: b, Keys: shared})
		}
	}
	return pairs
}

// reachable reports whether to is reachable from from via graph edges.
func reachable(edges edgeGraph, from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// computeOrder produces the single stable topological ordering using
// Kahn's algorithm. Among ready nodes, the one minimizing the
// lexicographic pair (priority, name) is extracted next.
func computeOrder(byName map[string]rule.Rule, names []string, edges edgeGraph) ([]string, error) {
	inDegree := make(map[string]int, len(names))
	for _, n := range names {
		inDegree[n] = 0
	}
	for _, succs := range edges {
		for _, s := range succs {
			inDegree[s]++
		}
	}

	var ready []string
	for _, n := range names {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	less := func(a, b string) bool {
		pa, pb := byName[a].Meta().Priority, byName[b].Meta().Priority
		if pa != pb {
			return pa < pb
		}
		return a < b
	}

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		// Re-sort the ready set after each extraction so priority ties
		// break identically regardless of insertion order.
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, s := range edges[next] {
			inDegree[s]--
			if inDegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}

	if len(order) != len(names) {
		return nil, &CompileError{
			Code:    ErrCodeCycle,
			Message: "cycle during compute_order",
		}
	}
	return order, nil
}

// Order returns the compiled rule names in execution order.
func (s *RuleSet) Order() []string {
	return append([]string(nil), s.order...)
}

// RulesOrder returns the (name, priority) pairs for replay capture.
func (s *RuleSet) RulesOrder() []OrderedRule {
	out := make([]OrderedRule, len(s.order))
	for i, n := range s.order {
		out[i] = OrderedRule{Name: n, Priority: s.byName[n].Meta().Priority}
	}
	return out
}

// Rule returns a compiled rule by name.
func (s *RuleSet) Rule(name string) (rule.Rule, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Version returns the ruleset version string.
func (s *RuleSet) Version() string { return s.version }

// Policy returns the merge policy.
func (s *RuleSet) Policy() MergePolicy { return s.policy }

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func intersection(a, b []string) []string {
	var out []string
	for _, x := range a {
		if slices.Contains(b, x) && !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}
