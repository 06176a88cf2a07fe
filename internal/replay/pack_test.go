package replay

import (
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbly/menupipe/internal/batch"
	"github.com/herbly/menupipe/internal/catalog"
	"github.com/herbly/menupipe/internal/contract"
	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/lookup"
	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/processor"
	"github.com/herbly/menupipe/internal/rule"
	"github.com/herbly/menupipe/internal/ruleset"
	"github.com/herbly/menupipe/internal/source"
)

// nullCatalog satisfies the persistence port without recording anything;
// replay tests only care about the terminal item context.
type nullCatalog struct{}

func (nullCatalog) Insert(context.Context, *menu.Item) error              { return nil }
func (nullCatalog) Update(context.Context, int64, rule.Patch) error       { return nil }
func (nullCatalog) SilentUpdate(context.Context, int64, rule.Patch) error { return nil }

func (nullCatalog) SoftDelete(context.Context, int64, string, time.Time) error { return nil }

// fixture bundles everything a pack round-trip needs: the frozen batch
// context, the source, and the compiled canonical sets.
type fixture struct {
	bctx      *batch.Context
	src       *source.Source
	createSet *ruleset.RuleSet
	updateSet *ruleset.RuleSet
	proc      *processor.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	snap, err := flags.TakeSnapshot(context.Background(),
		flags.StaticBackend{catalog.FlagDefaultActive: true},
		flags.Manifest{catalog.FlagDefaultActive}, "treez")
	require.NoError(t, err)

	src, err := source.Treez()
	require.NoError(t, err)

	manifest := flags.Manifest{catalog.FlagDefaultActive}
	createSet, err := catalog.CreateRuleSet(ruleset.WithFlagManifest(manifest))
	require.NoError(t, err)
	updateSet, err := catalog.UpdateRuleSet(ruleset.WithFlagManifest(manifest))
	require.NoError(t, err)

	return &fixture{
		bctx: &batch.Context{
			Now:            time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC),
			Env:            "test",
			SourceID:       "treez",
			RulesetVersion: "abc123def456",
			Flags:          snap,
			Lookups: lookup.Restore(
				map[string]lookup.Brand{"kiva": {ID: 7, Name: "Kiva"}},
				map[string]int64{"OG Kush": 3},
				map[string]lookup.Tag{"indica": {ID: 11, Name: "indica"}},
			),
		},
		src:       src,
		createSet: createSet,
		updateSet: updateSet,
		proc: &processor.Processor{
			Source:    src,
			Canonical: contract.CanonicalMenuItem(),
			CreateSet: createSet,
			UpdateSet: updateSet,
			Catalog:   nullCatalog{},
		},
	}
}

func (f *fixture) process(payload map[string]any, existing *menu.Item) *item.Context {
	externalID, _ := payload["external_id"].(string)
	itc := item.New(0, "treez", externalID, "ing-0001", payload, existing)
	return f.proc.Process(context.Background(), f.bctx, itc)
}

// rulesOrderFor mirrors the order the pipeline stamps into packs.
func (f *fixture) rulesOrderFor(action item.Action) []ruleset.OrderedRule {
	order := f.src.Transformer.RulesOrder()
	switch action {
	case item.ActionCreate:
		return append(order, f.createSet.RulesOrder()...)
	case item.ActionUpdate:
		return append(order, f.updateSet.RulesOrder()...)
	default:
		return order
	}
}

func (f *fixture) info() BuildInfo {
	return BuildInfo{
		AppVersion:           "1.0.0",
		GitSHA:               "abc1234",
		PayloadSchemaVersion: source.TreezTransformerVersion,
	}
}

func (f *fixture) buildPack(t *testing.T, itc *item.Context) *Pack {
	t.Helper()
	pack, err := Build(f.bctx, itc, f.rulesOrderFor(itc.Action), f.info())
	require.NoError(t, err)
	return pack
}

func createPayload() map[string]any {
	return map[string]any{
		"brand":       "kiva",
		"external_id": "sku-1",
		"name":        "OG Kush",
		"price_cents": 4500,
		"strain":      "OG Kush",
		"tags":        []any{"indica"},
	}
}

func TestBuild_CreatePackGolden(t *testing.T) {
	f := newFixture(t)
	done := f.process(createPayload(), nil)
	require.Equal(t, item.StatusCreated, done.Status)

	pack := f.buildPack(t, done)
	data, err := pack.Marshal()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "create_pack", data)
}

func TestBuild_NonTerminalItemFails(t *testing.T) {
	f := newFixture(t)
	queued := item.New(0, "treez", "sku-1", "ing-0001", createPayload(), nil)

	_, err := Build(f.bctx, queued, f.rulesOrderFor(item.ActionUnset), f.info())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestBuild_NormalizesEmptyCollections(t *testing.T) {
	f := newFixture(t)

	// missing name fails raw validation before any mapping happens
	done := f.process(map[string]any{"external_id": "sku-1"}, nil)
	require.Equal(t, item.StatusRejected, done.Status)
	require.Equal(t, []string{"raw_validation"}, done.Fired)

	pack := f.buildPack(t, done)
	assert.NotNil(t, pack.MappedPayload)
	assert.Empty(t, pack.MappedPayload)
	assert.NotNil(t, pack.Changes)
	assert.Empty(t, pack.Changes)
	assert.NotNil(t, pack.ChangedKeys)
	assert.Empty(t, pack.ChangedKeys)
	assert.Equal(t, []string{"raw_validation"}, pack.FiredRules)
	assert.NotEmpty(t, pack.Violations["name"])
}

func TestBuild_ResolverSnapshotOnlyConsultedKeys(t *testing.T) {
	f := newFixture(t)

	// no brand or tags in the payload: those maps stay empty even though
	// the batch lookups carry entries
	done := f.process(map[string]any{
		"external_id": "sku-2",
		"name":        "Loose Flower",
		"strain":      "OG Kush",
	}, nil)
	require.Equal(t, item.StatusCreated, done.Status)

	pack := f.buildPack(t, done)
	assert.Empty(t, pack.ResolverSnapshot.Brands)
	assert.Empty(t, pack.ResolverSnapshot.Tags)
	assert.Equal(t, map[string]int64{"OG Kush": 3}, pack.ResolverSnapshot.Strains)
}

func TestPack_Key(t *testing.T) {
	f := newFixture(t)
	done := f.process(createPayload(), nil)
	pack := f.buildPack(t, done)

	assert.Equal(t,
		"env=test/date=2025-07-15/status=created/ruleset=abc123def456/treez/sku-1/ing-0001.json.gz",
		pack.Key())
}

func TestMarshal_Deterministic(t *testing.T) {
	f := newFixture(t)

	first, err := f.buildPack(t, f.process(createPayload(), nil)).Marshal()
	require.NoError(t, err)
	second, err := f.buildPack(t, f.process(createPayload(), nil)).Marshal()
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUnmarshal_RoundTrip(t *testing.T) {
	f := newFixture(t)
	pack := f.buildPack(t, f.process(createPayload(), nil))
	data, err := pack.Marshal()
	require.NoError(t, err)

	loaded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, pack.IngestID, loaded.IngestID)
	assert.Equal(t, pack.FiredRules, loaded.FiredRules)
	assert.Equal(t, pack.FlagsVersion, loaded.FlagsVersion)
	assert.Equal(t, pack.Key(), loaded.Key())
}

func TestUnmarshal_RejectsUnknownVersion(t *testing.T) {
	f := newFixture(t)
	pack := f.buildPack(t, f.process(createPayload(), nil))
	pack.PackVersion = 2
	data, err := pack.Marshal()
	require.NoError(t, err)

	_, err = Unmarshal(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pack_version 2")
}
