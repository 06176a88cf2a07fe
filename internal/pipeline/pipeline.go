// Package pipeline orchestrates one batch invocation: freeze the batch
// context, fan items out to a bounded worker pool, persist terminal
// results, and emit one replay pack per processed item.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herbly/menupipe/internal/batch"
	"github.com/herbly/menupipe/internal/canonical"
	"github.com/herbly/menupipe/internal/catalog"
	"github.com/herbly/menupipe/internal/contract"
	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/lookup"
	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/processor"
	"github.com/herbly/menupipe/internal/replay"
	"github.com/herbly/menupipe/internal/ruleset"
	"github.com/herbly/menupipe/internal/source"
)

// Catalog is the persistence surface the pipeline needs: the per-item
// write port plus the bulk existence query issued at batch start.
type Catalog interface {
	processor.Catalog
	FindByExternalIDs(ctx context.Context, sourceID string, externalIDs []string) (map[string]*menu.Item, error)
}

// Config assembles a pipeline. Zero-value optional fields get defaults
// in New.
type Config struct {
	Sources  source.Registry
	Catalog  Catalog
	Lookups  lookup.Backend
	Flags    flags.Backend
	Manifest flags.Manifest
	// Artifacts receives one replay pack per processed item. Nil
	// disables artifact emission.
	Artifacts replay.Store

	Env  string
	Info replay.BuildInfo

	// Concurrency bounds the worker pool. Defaults to GOMAXPROCS.
	Concurrency int
	// Now supplies the batch clock, sampled exactly once per Call.
	Now func() time.Time
	// NewIngestID mints per-item ingest IDs. Defaults to UUIDv7, which
	// sorts by mint order.
	NewIngestID func() string

	DestroyReason string
}

// Pipeline is an immutable, batch-callable ingestion engine. Rulesets
// are compiled once at construction; a compile failure refuses the whole
// pipeline rather than surfacing per batch.
type Pipeline struct {
	cfg       Config
	canonical *contract.Contract
	createSet *ruleset.RuleSet
	updateSet *ruleset.RuleSet
}

// New compiles the canonical rulesets and validates the configuration.
func New(cfg Config) (*Pipeline, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("pipeline: no sources configured")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("pipeline: catalog is required")
	}
	if cfg.Lookups == nil {
		return nil, fmt.Errorf("pipeline: lookup backend is required")
	}
	if cfg.Flags == nil {
		cfg.Flags = flags.StaticBackend{}
	}
	if !cfg.Manifest.Contains(catalog.FlagDefaultActive) {
		cfg.Manifest = append(flags.Manifest{catalog.FlagDefaultActive}, cfg.Manifest...)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewIngestID == nil {
		cfg.NewIngestID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if cfg.DestroyReason == "" {
		cfg.DestroyReason = processor.DefaultDestroyReason
	}

	createSet, err := catalog.CreateRuleSet(ruleset.WithFlagManifest(cfg.Manifest))
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile create ruleset: %w", err)
	}
	updateSet, err := catalog.UpdateRuleSet(ruleset.WithFlagManifest(cfg.Manifest))
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile update ruleset: %w", err)
	}

	return &Pipeline{
		cfg:       cfg,
		canonical: contract.CanonicalMenuItem(),
		createSet: createSet,
		updateSet: updateSet,
	}, nil
}

// CreateSet exposes the compiled create ruleset for replay tooling.
func (p *Pipeline) CreateSet() *ruleset.RuleSet { return p.createSet }

// UpdateSet exposes the compiled update ruleset for replay tooling.
func (p *Pipeline) UpdateSet() *ruleset.RuleSet { return p.updateSet }

// Outcome is the per-item result, ordered by input position.
type Outcome struct {
	ExternalID string              `json:"external_id"`
	IngestID   string              `json:"ingest_id"`
	Status     string              `json:"status"`
	FiredRules []string            `json:"fired_rules"`
	Violations map[string][]string `json:"violations,omitempty"`
	// ArtifactKey is the replay pack location, empty when the item was
	// filtered before processing or emission is disabled.
	ArtifactKey string `json:"artifact_key,omitempty"`
}

// Counters aggregates terminal statuses over one batch.
type Counters struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Destroyed int `json:"destroyed"`
	Noop      int `json:"noop"`
	Rejected  int `json:"rejected"`
	Duplicate int `json:"duplicate"`
}

// Result is the batch outcome.
type Result struct {
	SourceID       string    `json:"source_id"`
	RulesetVersion string    `json:"ruleset_version"`
	FlagsVersion   string    `json:"flags_version"`
	Outcomes       []Outcome `json:"outcomes"`
	Counters       Counters  `json:"counters"`
}

// Call processes one batch of raw payloads for a source.
//
// The batch context is frozen before the first item: one clock sample,
// one flag snapshot, one bulk existence query, one reference preload.
// Worker count bounds concurrency; outcome order matches input order
// regardless of completion order. Cancelling ctx stops dispatching new
// items; items already dispatched run to their terminal state.
func (p *Pipeline) Call(ctx context.Context, sourceID string, payloads []map[string]any) (*Result, error) {
	src, err := p.cfg.Sources.Resolve(sourceID)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	if len(payloads) == 0 {
		return &Result{SourceID: sourceID, Outcomes: []Outcome{}}, nil
	}

	snapshot, err := flags.TakeSnapshot(ctx, p.cfg.Flags, p.cfg.Manifest, sourceID)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	lookups, err := lookup.Preload(ctx, p.cfg.Lookups, payloads)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	version, err := p.rulesetVersion(src)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	bctx := &batch.Context{
		Now:            p.cfg.Now().UTC(),
		Env:            p.cfg.Env,
		SourceID:       sourceID,
		RulesetVersion: version,
		Flags:          snapshot,
		Lookups:        lookups,
	}

	items, dupes, err := p.admit(ctx, bctx, src, payloads)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	proc := &processor.Processor{
		Source:        src,
		Canonical:     p.canonical,
		CreateSet:     p.createSet,
		UpdateSet:     p.updateSet,
		Catalog:       p.cfg.Catalog,
		DestroyReason: p.cfg.DestroyReason,
	}

	outcomes := make([]Outcome, len(payloads))
	for _, d := range dupes {
		outcomes[d.Index] = Outcome{
			ExternalID: d.ExternalID,
			IngestID:   d.IngestID,
			Status:     string(d.Status),
			Violations: d.Violations,
		}
	}

	if err := p.runWorkers(ctx, bctx, proc, src, items, outcomes); err != nil {
		return nil, err
	}

	result := &Result{
		SourceID:       sourceID,
		RulesetVersion: version,
		FlagsVersion:   snapshot.Version(),
		Outcomes:       outcomes,
	}
	for _, o := range outcomes {
		switch item.Status(o.Status) {
		case item.StatusCreated:
			result.Counters.Created++
		case item.StatusUpdated:
			result.Counters.Updated++
		case item.StatusDestroyed:
			result.Counters.Destroyed++
		case item.StatusNoop:
			result.Counters.Noop++
		case item.StatusRejected:
			result.Counters.Rejected++
		case item.StatusDuplicate:
			result.Counters.Duplicate++
		}
	}

	slog.Info("batch complete",
		"source_id", sourceID,
		"items", len(payloads),
		"created", result.Counters.Created,
		"updated", result.Counters.Updated,
		"destroyed", result.Counters.Destroyed,
		"noop", result.Counters.Noop,
		"rejected", result.Counters.Rejected,
		"duplicate", result.Counters.Duplicate,
	)

	return result, nil
}

// admit builds queued item contexts. Duplicate external IDs keep the
// first occurrence; later occurrences are rejected without processing.
// Ingest IDs are minted here, in input order, before any worker runs.
func (p *Pipeline) admit(ctx context.Context, bctx *batch.Context, src *source.Source, payloads []map[string]any) ([]*item.Context, []*item.Context, error) {
	externalIDs := make([]string, 0, len(payloads))
	seen := make(map[string]bool, len(payloads))
	for _, payload := range payloads {
		id, _ := payload["external_id"].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			externalIDs = append(externalIDs, id)
		}
	}

	// The existence query is a classification input like the preloader;
	// a failure here would misclassify every known item as a create.
	existing, err := p.cfg.Catalog.FindByExternalIDs(ctx, bctx.SourceID, externalIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("existence query: %w", err)
	}

	var (
		items []*item.Context
		dupes []*item.Context
	)
	admitted := make(map[string]bool, len(payloads))
	for i, payload := range payloads {
		id, _ := payload["external_id"].(string)
		itc := item.New(i, bctx.SourceID, id, p.cfg.NewIngestID(), payload, existing[id])
		if id != "" && admitted[id] {
			dupe := itc.RejectField("external_id", "duplicate in batch").
				WithStatus(item.StatusDuplicate)
			dupes = append(dupes, dupe)
			continue
		}
		admitted[id] = true
		items = append(items, itc)
	}
	return items, dupes, nil
}

// runWorkers drains the admitted items through a bounded pool, writing
// each outcome at its input index.
func (p *Pipeline) runWorkers(ctx context.Context, bctx *batch.Context, proc *processor.Processor, src *source.Source, items []*item.Context, outcomes []Outcome) error {
	jobs := make(chan *item.Context)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	workers := min(p.cfg.Concurrency, len(items))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for itc := range jobs {
				done := proc.Process(ctx, bctx, itc)
				key, err := p.emitArtifact(ctx, bctx, src, done)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				outcomes[done.Index] = Outcome{
					ExternalID:  done.ExternalID,
					IngestID:    done.IngestID,
					Status:      string(done.Status),
					FiredRules:  done.Fired,
					Violations:  done.Violations,
					ArtifactKey: key,
				}
			}
		}()
	}

dispatch:
	for _, itc := range items {
		select {
		case jobs <- itc:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return fmt.Errorf("batch: %w", firstErr)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	return nil
}

// emitArtifact builds, serializes, and stores the replay pack for one
// terminal item.
func (p *Pipeline) emitArtifact(ctx context.Context, bctx *batch.Context, src *source.Source, itc *item.Context) (string, error) {
	if p.cfg.Artifacts == nil {
		return "", nil
	}

	pack, err := replay.Build(bctx, itc, p.rulesOrder(src, itc.Action), p.cfg.Info)
	if err != nil {
		return "", fmt.Errorf("replay pack %s: %w", itc.IngestID, err)
	}
	data, err := pack.Marshal()
	if err != nil {
		return "", fmt.Errorf("replay pack %s: %w", itc.IngestID, err)
	}
	key := pack.Key()
	if err := p.cfg.Artifacts.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("replay pack %s: %w", itc.IngestID, err)
	}
	return key, nil
}

// rulesOrder is the full compiled order governing an item: the external
// transformer followed by the canonical ruleset for its action. Items
// that never reached classification carry only the transformer order.
func (p *Pipeline) rulesOrder(src *source.Source, action item.Action) []ruleset.OrderedRule {
	order := src.Transformer.RulesOrder()
	switch action {
	case item.ActionCreate:
		return append(order, p.createSet.RulesOrder()...)
	case item.ActionUpdate:
		return append(order, p.updateSet.RulesOrder()...)
	default:
		return order
	}
}

// rulesetVersion fingerprints the compiled rule surface for the batch:
// the source transformer plus both canonical sets. Any rule, edge, or
// priority change produces a new version.
func (p *Pipeline) rulesetVersion(src *source.Source) (string, error) {
	return canonical.Fingerprint(canonical.DomainRuleSet, map[string]any{
		"transformer": src.Transformer.Version(),
		"create":      p.createSet.Version(),
		"update":      p.updateSet.Version(),
	})
}
