package menu

import "slices"

// ChangeSet tracks which canonical fields differ from the existing record.
// Creates use the "all" sentinel: every key reads as changed.
type ChangeSet struct {
	all  bool
	keys map[string]struct{}
}

// NewChangeSet builds a change set over an explicit key list.
func NewChangeSet(keys ...string) ChangeSet {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return ChangeSet{keys: set}
}

// AllChanged returns the sentinel change set used for creates.
func AllChanged() ChangeSet {
	return ChangeSet{all: true}
}

// Has reports whether the key counts as changed.
func (c ChangeSet) Has(key string) bool {
	if c.all {
		return true
	}
	_, ok := c.keys[key]
	return ok
}

// IsAll reports whether this is the create sentinel.
func (c ChangeSet) IsAll() bool { return c.all }

// Len returns the number of explicit keys (0 for the sentinel).
func (c ChangeSet) Len() int { return len(c.keys) }

// Union returns a new change set with the given keys added.
// The receiver is not mutated; the sentinel absorbs everything.
func (c ChangeSet) Union(keys ...string) ChangeSet {
	if c.all {
		return c
	}
	merged := make(map[string]struct{}, len(c.keys)+len(keys))
	for k := range c.keys {
		merged[k] = struct{}{}
	}
	for _, k := range keys {
		merged[k] = struct{}{}
	}
	return ChangeSet{keys: merged}
}

// List returns the explicit keys sorted, or ["all"] for the sentinel.
func (c ChangeSet) List() []string {
	if c.all {
		return []string{"all"}
	}
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
