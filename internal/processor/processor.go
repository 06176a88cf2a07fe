// Package processor runs one item through the ingestion state machine:
// raw validate -> external transform and action classification ->
// changeset -> canonical transform -> canonical validate -> persist.
//
// Stages before persistence are pure functions of (payload, batch
// context); re-running them with identical inputs produces bit-identical
// changes, fired rules, and terminal status.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/herbly/menupipe/internal/batch"
	"github.com/herbly/menupipe/internal/contract"
	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/ruleset"
	"github.com/herbly/menupipe/internal/source"
)

// DefaultDestroyReason is recorded on soft-deleted records when the
// source tombstones an item.
const DefaultDestroyReason = "source_tombstone"

// Catalog is the transactional persistence port. Each call holds exactly
// one per-item transaction scope; there are no cross-item transactions
// and no retries at this layer.
type Catalog interface {
	Insert(ctx context.Context, it *menu.Item) error
	Update(ctx context.Context, id int64, changes rule.Patch) error
	// SilentUpdate writes only the named columns, bypassing model-level
	// hooks. Chosen when every changed key is a silent attribute.
	SilentUpdate(ctx context.Context, id int64, changes rule.Patch) error
	SoftDelete(ctx context.Context, id int64, reason string, now time.Time) error
}

// Processor executes the per-item stages for one source.
type Processor struct {
	Source        *source.Source
	Canonical     *contract.Contract
	CreateSet     *ruleset.RuleSet
	UpdateSet     *ruleset.RuleSet
	Catalog       Catalog
	DestroyReason string
}

// Process advances an item to a terminal state. The input context is
// never mutated; every stage returns a successor.
func (p *Processor) Process(ctx context.Context, bctx *batch.Context, itc *item.Context) *item.Context {
	itc = itc.WithStatus(item.StatusProcessing)

	destroyRequested := p.Source.DestroyPointer(itc.Payload)

	// Raw validation
	if ok, violations := p.Source.RawContract(itc.Payload).Validate(itc.Payload); !ok {
		slog.Warn("raw validation failed",
			"source_id", itc.SourceID,
			"external_id", itc.ExternalID,
			"fields", len(violations),
		)
		return itc.Reject(violations, "raw_validation")
	}

	// External transform and action classification
	ectx := p.evalContext(bctx, itc, destroyRequested, menu.NewChangeSet())
	transformed, fired, err := p.Source.Transformer.Evaluate(ectx)
	if err != nil {
		return rejectEvalError(itc, err)
	}

	action, mapped := splitAction(transformed)
	itc = itc.WithMapped(mapped, fired)
	if action == item.ActionUnset {
		return itc.RejectField("action", "unclassifiable")
	}
	itc = itc.WithAction(action)

	// Changeset computation
	switch action {
	case item.ActionCreate:
		itc = itc.WithChangedKeys(menu.AllChanged())
	case item.ActionUpdate:
		itc = itc.WithChangedKeys(menu.NewChangeSet(menu.Diff(itc.MenuItem, mapped)...))
	case item.ActionDestroy:
		itc = itc.WithChangedKeys(menu.NewChangeSet())
	}

	// Canonical transform
	if action == item.ActionDestroy {
		// no canonical rules for destroys; persistence records the tombstone
		itc = itc.WithChanges(rule.Patch{}, nil)
		return p.persist(ctx, bctx, itc)
	}

	set := p.CreateSet
	if action == item.ActionUpdate {
		set = p.UpdateSet
	}
	cectx := p.evalContext(bctx, itc, destroyRequested, itc.ChangedKeys)
	cectx.Payload = itc.Mapped
	changes, canonFired, err := set.Evaluate(cectx)
	if err != nil {
		return rejectEvalError(itc, err)
	}
	itc = itc.WithChanges(changes, canonFired)

	// Canonical validation over changes merged onto the prior projection
	if ok, violations := p.Canonical.Validate(p.projection(itc)); !ok {
		return itc.Reject(violations)
	}

	return p.persist(ctx, bctx, itc)
}

// evalContext assembles the frozen rule evaluation context.
func (p *Processor) evalContext(bctx *batch.Context, itc *item.Context, destroy bool, keys menu.ChangeSet) *rule.EvalContext {
	return &rule.EvalContext{
		Payload:          itc.Payload,
		MenuItem:         itc.MenuItem,
		ChangedKeys:      keys,
		DestroyRequested: destroy,
		Now:              bctx.Now,
		Flags:            bctx.Flags,
		Lookups:          bctx.Lookups,
	}
}

// projection builds the canonical-validation input: for updates, the
// existing record's canonical fields, overlaid by the mapped payload,
// overlaid by the accumulated changes. Creates start from the mapped
// payload alone.
func (p *Processor) projection(itc *item.Context) map[string]any {
	out := make(map[string]any)
	if itc.Action == item.ActionUpdate && itc.MenuItem != nil {
		for _, key := range []string{
			menu.FieldExternalID, menu.FieldName, menu.FieldBrandID,
			menu.FieldStrainID, menu.FieldTagIDs, menu.FieldPriceCents,
			menu.FieldStatus,
		} {
			if v := itc.MenuItem.Field(key); v != nil {
				out[key] = v
			}
		}
	}
	for k, v := range itc.Mapped {
		out[k] = v
	}
	for k, v := range itc.Changes {
		out[k] = v
	}
	if _, ok := out[menu.FieldExternalID]; !ok {
		out[menu.FieldExternalID] = itc.ExternalID
	}
	return out
}

// persist performs the single transactional catalog call for the item.
// Failures reject the item with a persistence violation; no retry here.
func (p *Processor) persist(ctx context.Context, bctx *batch.Context, itc *item.Context) *item.Context {
	var err error
	var terminal item.Status

	switch itc.Action {
	case item.ActionCreate:
		err = p.Catalog.Insert(ctx, p.buildRecord(itc))
		terminal = item.StatusCreated

	case item.ActionUpdate:
		if len(itc.Changes) == 0 {
			return itc.WithStatus(item.StatusNoop)
		}
		if menu.AllSilent(changeKeys(itc.Changes)) {
			err = p.Catalog.SilentUpdate(ctx, itc.MenuItem.ID, itc.Changes)
		} else {
			err = p.Catalog.Update(ctx, itc.MenuItem.ID, itc.Changes)
		}
		terminal = item.StatusUpdated

	case item.ActionDestroy:
		reason := p.DestroyReason
		if reason == "" {
			reason = DefaultDestroyReason
		}
		err = p.Catalog.SoftDelete(ctx, itc.MenuItem.ID, reason, bctx.Now)
		terminal = item.StatusDestroyed
	}

	if err != nil {
		slog.Warn("persistence failed",
			"source_id", itc.SourceID,
			"external_id", itc.ExternalID,
			"action", string(itc.Action),
			"error", err,
		)
		return itc.RejectField("persistence", err.Error())
	}

	slog.Debug("item persisted",
		"source_id", itc.SourceID,
		"external_id", itc.ExternalID,
		"status", string(terminal),
	)
	return itc.WithStatus(terminal)
}

// buildRecord assembles the insert record from identity and changes.
func (p *Processor) buildRecord(itc *item.Context) *menu.Item {
	rec := &menu.Item{
		SourceID:   itc.SourceID,
		ExternalID: itc.ExternalID,
	}
	for k, v := range itc.Changes {
		switch k {
		case menu.FieldName:
			rec.Name, _ = v.(string)
		case menu.FieldBrandID:
			if n, ok := asInt64(v); ok {
				rec.BrandID = &n
			}
		case menu.FieldStrainID:
			if n, ok := asInt64(v); ok {
				rec.StrainID = &n
			}
		case menu.FieldTagIDs:
			rec.TagIDs, _ = v.([]int64)
		case menu.FieldPriceCents:
			if n, ok := asInt64(v); ok {
				rec.PriceCents = &n
			}
		case menu.FieldStatus:
			rec.Status, _ = v.(string)
		}
	}
	return rec
}

// rejectEvalError maps evaluator failures onto item violations.
func rejectEvalError(itc *item.Context, err error) *item.Context {
	var miss *rule.ReferentialMiss
	if errors.As(err, &miss) {
		return itc.RejectField("referential_miss", miss.Error())
	}
	var failure *ruleset.RuleFailure
	if errors.As(err, &failure) {
		return itc.RejectField("rule_error."+failure.Rule, failure.Err.Error())
	}
	var conflict *ruleset.ConflictError
	if errors.As(err, &conflict) {
		return itc.RejectField("rule_conflict", conflict.Error())
	}
	return itc.RejectField("rule_error", err.Error())
}

// splitAction strips the reserved action key from the transformer output.
func splitAction(transformed rule.Patch) (item.Action, map[string]any) {
	mapped := make(map[string]any, len(transformed))
	var action item.Action
	for k, v := range transformed {
		if k == source.ActionKey {
			switch v {
			case "create":
				action = item.ActionCreate
			case "update":
				action = item.ActionUpdate
			case "destroy":
				action = item.ActionDestroy
			}
			continue
		}
		mapped[k] = v
	}
	return action, mapped
}

func changeKeys(p rule.Patch) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
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
