package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbly/menupipe/internal/catalog"
	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/lookup"
	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/replay"
	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/source"
	"github.com/herbly/menupipe/internal/testutil"
)

// memCatalog is a concurrency-safe in-memory Catalog for batch tests.
type memCatalog struct {
	mu          sync.Mutex
	existing    map[string]*menu.Item
	inserted    map[string]*menu.Item
	updated     map[int64]rule.Patch
	silent      map[int64]rule.Patch
	softDeleted map[int64]string
	findErr     error
}

func newMemCatalog(existing map[string]*menu.Item) *memCatalog {
	if existing == nil {
		existing = map[string]*menu.Item{}
	}
	return &memCatalog{
		existing:    existing,
		inserted:    make(map[string]*menu.Item),
		updated:     make(map[int64]rule.Patch),
		silent:      make(map[int64]rule.Patch),
		softDeleted: make(map[int64]string),
	}
}

func (c *memCatalog) Insert(_ context.Context, it *menu.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inserted[it.ExternalID] = it
	return nil
}

func (c *memCatalog) Update(_ context.Context, id int64, changes rule.Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated[id] = changes
	return nil
}

func (c *memCatalog) SilentUpdate(_ context.Context, id int64, changes rule.Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.silent[id] = changes
	return nil
}

func (c *memCatalog) SoftDelete(_ context.Context, id int64, reason string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.softDeleted[id] = reason
	return nil
}

func (c *memCatalog) FindByExternalIDs(_ context.Context, _ string, externalIDs []string) (map[string]*menu.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findErr != nil {
		return nil, c.findErr
	}
	out := make(map[string]*menu.Item, len(externalIDs))
	for _, id := range externalIDs {
		if it, ok := c.existing[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

// staticLookups serves fixed reference maps as a lookup backend.
type staticLookups struct {
	brands  map[string]lookup.Brand
	strains map[string]int64
	tags    map[string]lookup.Tag
	err     error
}

func (l staticLookups) BrandsByKey(context.Context, []string) (map[string]lookup.Brand, error) {
	return l.brands, l.err
}

func (l staticLookups) StrainsByName(context.Context, []string) (map[string]int64, error) {
	return l.strains, l.err
}

func (l staticLookups) TagsByName(context.Context, []string) (map[string]lookup.Tag, error) {
	return l.tags, l.err
}

type failingFlags struct{}

func (failingFlags) Enabled(context.Context, string, string) (bool, error) {
	return false, fmt.Errorf("flag service down")
}

func testSources(t *testing.T) source.Registry {
	t.Helper()
	src, err := source.Treez()
	require.NoError(t, err)
	return source.Registry{src.ID: src}
}

func testConfig(t *testing.T, cat Catalog) Config {
	t.Helper()
	return Config{
		Sources: testSources(t),
		Catalog: cat,
		Lookups: staticLookups{
			brands:  map[string]lookup.Brand{"kiva": {ID: 7, Name: "Kiva"}},
			strains: map[string]int64{"OG Kush": 3},
			tags:    map[string]lookup.Tag{"indica": {ID: 11, Name: "indica"}},
		},
		Flags:    flags.StaticBackend{catalog.FlagDefaultActive: true},
		Manifest: flags.Manifest{catalog.FlagDefaultActive},
		Env:      "test",
		Info: replay.BuildInfo{
			AppVersion:           "1.0.0",
			GitSHA:               "abc1234",
			PayloadSchemaVersion: source.TreezTransformerVersion,
		},
		Now:         testutil.FrozenClock(time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)),
		NewIngestID: testutil.NewIngestIDs("ing").Next,
		Concurrency: 4,
	}
}

func existingItem(id int64, externalID, name string) *menu.Item {
	return &menu.Item{
		ID: id, SourceID: "treez", ExternalID: externalID,
		Name: name, Status: "active",
	}
}

func mixedPayloads() []map[string]any {
	return []map[string]any{
		{
			"external_id": "sku-1",
			"name":        "OG Kush",
			"brand":       "kiva",
			"strain":      "OG Kush",
			"tags":        []any{"indica"},
			"price_cents": 4500,
		},
		{"external_id": "sku-2", "name": "New Name", "status": "active"},
		{"external_id": "sku-3", "name": "Same Name", "status": "active"},
		{"external_id": "sku-4", "deleted_at": "2025-07-14T00:00:00Z"},
		{"external_id": "sku-5"},
		{"external_id": "sku-1", "name": "OG Kush Again"},
	}
}

func mixedExisting() map[string]*menu.Item {
	return map[string]*menu.Item{
		"sku-2": existingItem(2, "sku-2", "Old Name"),
		"sku-3": existingItem(3, "sku-3", "Same Name"),
		"sku-4": existingItem(4, "sku-4", "Doomed Item"),
	}
}

func TestNew_Validation(t *testing.T) {
	cat := newMemCatalog(nil)

	_, err := New(Config{Catalog: cat, Lookups: staticLookups{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")

	_, err = New(Config{Sources: testSources(t), Lookups: staticLookups{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")

	_, err = New(Config{Sources: testSources(t), Catalog: cat})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup")
}

func TestCall_EmptyBatch(t *testing.T) {
	store := replay.NewMemStore()
	cfg := testConfig(t, newMemCatalog(nil))
	cfg.Artifacts = store
	p, err := New(cfg)
	require.NoError(t, err)

	result, err := p.Call(context.Background(), "treez", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, Counters{}, result.Counters)
	assert.Zero(t, store.Len())
}

func TestCall_UnknownSource(t *testing.T) {
	p, err := New(testConfig(t, newMemCatalog(nil)))
	require.NoError(t, err)

	_, err = p.Call(context.Background(), "weedmaps", mixedPayloads())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestCall_MixedBatch(t *testing.T) {
	cat := newMemCatalog(mixedExisting())
	store := replay.NewMemStore()
	cfg := testConfig(t, cat)
	cfg.Artifacts = store
	p, err := New(cfg)
	require.NoError(t, err)

	result, err := p.Call(context.Background(), "treez", mixedPayloads())
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 6)
	statuses := make([]string, len(result.Outcomes))
	for i, o := range result.Outcomes {
		statuses[i] = o.Status
	}
	assert.Equal(t, []string{
		string(item.StatusCreated),
		string(item.StatusUpdated),
		string(item.StatusNoop),
		string(item.StatusDestroyed),
		string(item.StatusRejected),
		string(item.StatusDuplicate),
	}, statuses)

	assert.Equal(t, Counters{Created: 1, Updated: 1, Destroyed: 1, Noop: 1, Rejected: 1, Duplicate: 1}, result.Counters)

	// ingest IDs are minted in input order, before dispatch
	for i, o := range result.Outcomes {
		assert.Equal(t, fmt.Sprintf("ing-%04d", i+1), o.IngestID)
	}

	// duplicate keeps the first occurrence; the later one is marked
	// without processing and counted separately from rejections
	dup := result.Outcomes[5]
	assert.Equal(t, "sku-1", dup.ExternalID)
	assert.Equal(t, []string{"duplicate in batch"}, dup.Violations["external_id"])
	assert.Empty(t, dup.ArtifactKey)
	assert.Contains(t, cat.inserted, "sku-1")
	assert.Equal(t, "OG Kush", cat.inserted["sku-1"].Name)

	assert.Contains(t, cat.updated, int64(2))
	assert.Equal(t, "source_tombstone", cat.softDeleted[4])

	// one replay pack per processed terminal item; the filtered duplicate
	// gets none
	assert.Equal(t, 5, store.Len())
	assert.Equal(t,
		fmt.Sprintf("env=test/date=2025-07-15/status=created/ruleset=%s/treez/sku-1/ing-0001.json.gz",
			result.RulesetVersion),
		result.Outcomes[0].ArtifactKey)

	assert.Len(t, result.RulesetVersion, 12)
	assert.Len(t, result.FlagsVersion, 12)
}

func TestCall_OutcomeOrderUnderConcurrency(t *testing.T) {
	var payloads []map[string]any
	for i := 0; i < 40; i++ {
		payloads = append(payloads, map[string]any{
			"external_id": fmt.Sprintf("sku-%03d", i),
			"name":        fmt.Sprintf("Item %03d", i),
		})
	}

	cfg := testConfig(t, newMemCatalog(nil))
	cfg.Concurrency = 8
	p, err := New(cfg)
	require.NoError(t, err)

	result, err := p.Call(context.Background(), "treez", payloads)
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 40)
	for i, o := range result.Outcomes {
		assert.Equal(t, fmt.Sprintf("sku-%03d", i), o.ExternalID)
		assert.Equal(t, string(item.StatusCreated), o.Status)
	}
	assert.Equal(t, 40, result.Counters.Created)
}

func TestCall_DeterministicAcrossRuns(t *testing.T) {
	run := func() (*Result, *replay.MemStore) {
		store := replay.NewMemStore()
		cfg := testConfig(t, newMemCatalog(mixedExisting()))
		cfg.Artifacts = store
		cfg.NewIngestID = testutil.NewIngestIDs("ing").Next
		p, err := New(cfg)
		require.NoError(t, err)
		result, err := p.Call(context.Background(), "treez", mixedPayloads())
		require.NoError(t, err)
		return result, store
	}

	first, firstStore := run()
	second, secondStore := run()

	assert.Equal(t, first, second)
	require.ElementsMatch(t, firstStore.Keys(), secondStore.Keys())
	for _, key := range firstStore.Keys() {
		a, _ := firstStore.Get(key)
		b, _ := secondStore.Get(key)
		assert.Equal(t, a, b, "artifact %s differs between runs", key)
	}
}

func TestCall_FlagBackendFailureIsBatchFatal(t *testing.T) {
	cfg := testConfig(t, newMemCatalog(nil))
	cfg.Flags = failingFlags{}
	p, err := New(cfg)
	require.NoError(t, err)

	_, err = p.Call(context.Background(), "treez", mixedPayloads())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flag snapshot")
}

func TestCall_LookupFailureIsBatchFatal(t *testing.T) {
	cfg := testConfig(t, newMemCatalog(nil))
	cfg.Lookups = staticLookups{err: fmt.Errorf("database gone")}
	p, err := New(cfg)
	require.NoError(t, err)

	_, err = p.Call(context.Background(), "treez", mixedPayloads())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preload")
}

func TestCall_ExistenceQueryFailureIsBatchFatal(t *testing.T) {
	cat := newMemCatalog(mixedExisting())
	cat.findErr = fmt.Errorf("query timeout")
	cfg := testConfig(t, cat)
	p, err := New(cfg)
	require.NoError(t, err)

	// a missing existence answer would misclassify known items as
	// creates, so the batch must not start
	_, err = p.Call(context.Background(), "treez", []map[string]any{
		{"external_id": "sku-2", "name": "New Name", "status": "active"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "existence query")
}

func TestCall_OrderPermutationInvariant(t *testing.T) {
	run := func(payloads []map[string]any) (map[string]Outcome, map[string]*replay.Pack) {
		store := replay.NewMemStore()
		cfg := testConfig(t, newMemCatalog(mixedExisting()))
		cfg.Artifacts = store
		cfg.NewIngestID = testutil.NewIngestIDs("ing").Next
		p, err := New(cfg)
		require.NoError(t, err)
		result, err := p.Call(context.Background(), "treez", payloads)
		require.NoError(t, err)

		outcomes := make(map[string]Outcome, len(result.Outcomes))
		for _, o := range result.Outcomes {
			outcomes[o.ExternalID] = o
		}
		packs := make(map[string]*replay.Pack, store.Len())
		for _, key := range store.Keys() {
			data, ok := store.Get(key)
			require.True(t, ok)
			pack, err := replay.Unmarshal(data)
			require.NoError(t, err)
			packs[pack.ExternalID] = pack
		}
		return outcomes, packs
	}

	forward := []map[string]any{
		{"external_id": "sku-1", "name": "OG Kush", "brand": "kiva", "price_cents": 4500},
		{"external_id": "sku-2", "name": "New Name", "status": "active"},
		{"external_id": "sku-3", "name": "Steady", "status": "active"},
	}
	reversed := []map[string]any{forward[2], forward[1], forward[0]}

	fwdOut, fwdPacks := run(forward)
	revOut, revPacks := run(reversed)

	require.Len(t, revOut, len(fwdOut))
	for id, fwd := range fwdOut {
		rev, ok := revOut[id]
		require.True(t, ok, "missing outcome for %s in reversed run", id)
		assert.Equal(t, fwd.Status, rev.Status, id)
		assert.Equal(t, fwd.FiredRules, rev.FiredRules, id)
		assert.Equal(t, fwd.Violations, rev.Violations, id)
	}
	require.Len(t, revPacks, len(fwdPacks))
	for id, fwd := range fwdPacks {
		rev, ok := revPacks[id]
		require.True(t, ok, "missing pack for %s in reversed run", id)
		assert.Equal(t, fwd.Changes, rev.Changes, id)
		assert.Equal(t, fwd.ChangedKeys, rev.ChangedKeys, id)
		assert.Equal(t, fwd.Status, rev.Status, id)
	}
}

func TestCall_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := New(testConfig(t, newMemCatalog(nil)))
	require.NoError(t, err)

	_, err = p.Call(ctx, "treez", mixedPayloads())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_DefaultsApplied(t *testing.T) {
	cfg := testConfig(t, newMemCatalog(nil))
	cfg.Concurrency = 0
	cfg.Now = nil
	cfg.NewIngestID = nil
	cfg.Flags = nil

	p, err := New(cfg)
	require.NoError(t, err)

	result, err := p.Call(context.Background(), "treez", []map[string]any{
		{"external_id": "sku-1", "name": "OG Kush", "status": "active"},
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.NotEmpty(t, result.Outcomes[0].IngestID)
	assert.Equal(t, string(item.StatusCreated), result.Outcomes[0].Status)
}
