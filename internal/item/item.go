// Package item defines the per-item processing context and its terminal
// states.
//
// A Context is a frozen value: each processor stage returns a successor
// carrying the new fields and never mutates its input. The original is
// discarded after outcome emission.
package item

import (
	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/rule"
)

// Action classifies what the pipeline should do to a record.
type Action string

const (
	ActionUnset   Action = ""
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
)

// Status is the item state machine position.
// queued -> processing -> {rejected | noop | created | updated | destroyed}.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRejected   Status = "rejected"
	// StatusDuplicate marks a later occurrence of an external ID already
	// admitted in the batch. Duplicates are never processed and get no
	// artifact.
	StatusDuplicate Status = "duplicate"
	StatusNoop       Status = "noop"
	StatusCreated    Status = "created"
	StatusUpdated    Status = "updated"
	StatusDestroyed  Status = "destroyed"
)

// Terminal reports whether the status emits an outcome and a replay pack.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusNoop, StatusCreated, StatusUpdated, StatusDestroyed:
		return true
	default:
		return false
	}
}

// Context carries one item through the processor stages.
type Context struct {
	// Index is the stable position in the batch input, preserved in
	// outcome ordering.
	Index int

	SourceID   string
	ExternalID string
	IngestID   string

	// Payload is the normalized raw payload as received.
	Payload map[string]any
	// Mapped is the canonical-field projection produced by the external
	// transformer.
	Mapped map[string]any
	// MenuItem is the existing record, nil for creates.
	MenuItem *menu.Item

	ChangedKeys menu.ChangeSet
	Action      Action
	Status      Status

	// Fired is the ordered list of rule names that applied.
	Fired []string
	// Violations maps field -> messages; non-empty means invalid.
	Violations map[string][]string
	// Changes is the accumulated canonical patch.
	Changes rule.Patch
}

// New creates the initial queued context for one filtered input item.
func New(index int, sourceID, externalID, ingestID string, payload map[string]any, existing *menu.Item) *Context {
	return &Context{
		Index:      index,
		SourceID:   sourceID,
		ExternalID: externalID,
		IngestID:   ingestID,
		Payload:    payload,
		MenuItem:   existing,
		Status:     StatusQueued,
	}
}

// Valid reports whether no violations have been recorded.
func (c *Context) Valid() bool { return len(c.Violations) == 0 }

// Invalid is the negation of Valid.
func (c *Context) Invalid() bool { return !c.Valid() }

// clone returns a shallow successor. Stage code treats carried maps and
// slices as frozen, so sharing them is safe.
func (c *Context) clone() *Context {
	next := *c
	return &next
}

// WithStatus returns a successor in the given state.
func (c *Context) WithStatus(s Status) *Context {
	next := c.clone()
	next.Status = s
	return next
}

// WithAction returns a successor carrying the classified action.
func (c *Context) WithAction(a Action) *Context {
	next := c.clone()
	next.Action = a
	return next
}

// WithMapped returns a successor carrying the transformer projection and
// the rules it fired.
func (c *Context) WithMapped(mapped map[string]any, fired []string) *Context {
	next := c.clone()
	next.Mapped = mapped
	next.Fired = appendFired(c.Fired, fired...)
	return next
}

// WithChangedKeys returns a successor carrying the computed change set.
func (c *Context) WithChangedKeys(keys menu.ChangeSet) *Context {
	next := c.clone()
	next.ChangedKeys = keys
	return next
}

// WithChanges returns a successor carrying the canonical patch and the
// canonical rules fired.
func (c *Context) WithChanges(changes rule.Patch, fired []string) *Context {
	next := c.clone()
	next.Changes = changes
	next.Fired = appendFired(c.Fired, fired...)
	return next
}

// Reject returns a terminal rejected successor with violations merged in.
// firedAs optionally names the stage in the fired list (raw validation
// records itself as "raw_validation").
func (c *Context) Reject(violations map[string][]string, firedAs ...string) *Context {
	next := c.clone()
	next.Status = StatusRejected
	merged := make(map[string][]string, len(c.Violations)+len(violations))
	for k, v := range c.Violations {
		merged[k] = v
	}
	for k, v := range violations {
		merged[k] = append(merged[k], v...)
	}
	next.Violations = merged
	next.Fired = appendFired(c.Fired, firedAs...)
	return next
}

// RejectField is the single-field convenience form of Reject.
func (c *Context) RejectField(field, message string, firedAs ...string) *Context {
	return c.Reject(map[string][]string{field: {message}}, firedAs...)
}

func appendFired(fired []string, names ...string) []string {
	if len(names) == 0 {
		return fired
	}
	out := make([]string, 0, len(fired)+len(names))
	out = append(out, fired...)
	out = append(out, names...)
	return out
}
