package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbly/menupipe/internal/item"
	"github.com/herbly/menupipe/internal/menu"
)

func newRunner(f *fixture) *Runner {
	return &Runner{Source: f.src, CreateSet: f.createSet, UpdateSet: f.updateSet}
}

// reload pushes a pack through its wire encoding so replay sees exactly
// what a loaded artifact would carry, JSON number types included.
func reload(t *testing.T, pack *Pack) *Pack {
	t.Helper()
	data, err := pack.Marshal()
	require.NoError(t, err)
	loaded, err := Unmarshal(data)
	require.NoError(t, err)
	return loaded
}

func TestVerify_CreateRoundTrip(t *testing.T) {
	f := newFixture(t)
	done := f.process(createPayload(), nil)
	require.Equal(t, item.StatusCreated, done.Status)
	pack := reload(t, f.buildPack(t, done))

	result, err := newRunner(f).Verify(pack)
	require.NoError(t, err)
	assert.Equal(t, pack.FiredRules, result.Fired)
	assert.True(t, menu.Equal(int64(7), result.Changes["brand_id"]))
	assert.True(t, menu.Equal(int64(4500), result.Changes["price_cents"]))
	assert.Equal(t, "active", result.Changes["status"])
}

func TestVerify_UpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	existing := &menu.Item{
		ID: 42, SourceID: "treez", ExternalID: "sku-1",
		Name: "Old Name", Status: "active",
	}
	done := f.process(map[string]any{
		"external_id": "sku-1",
		"name":        "New Name",
		"status":      "active",
	}, existing)
	require.Equal(t, item.StatusUpdated, done.Status)
	pack := reload(t, f.buildPack(t, done))
	require.Equal(t, []string{"name"}, pack.ChangedKeys)

	result, err := newRunner(f).Verify(pack)
	require.NoError(t, err)
	assert.Equal(t, "New Name", result.Changes["name"])
}

func TestVerify_NoopUpdate(t *testing.T) {
	f := newFixture(t)
	existing := &menu.Item{
		ID: 42, SourceID: "treez", ExternalID: "sku-1",
		Name: "OG Kush", Status: "active",
	}
	done := f.process(map[string]any{
		"external_id": "sku-1",
		"name":        "OG Kush",
		"status":      "active",
	}, existing)
	require.Equal(t, item.StatusNoop, done.Status)
	pack := reload(t, f.buildPack(t, done))

	result, err := newRunner(f).Verify(pack)
	require.NoError(t, err)
	assert.Empty(t, result.Changes)
}

func TestVerify_DestroyPack(t *testing.T) {
	f := newFixture(t)
	existing := &menu.Item{ID: 42, SourceID: "treez", ExternalID: "sku-1", Name: "OG Kush"}
	done := f.process(map[string]any{
		"external_id": "sku-1",
		"deleted_at":  "2025-07-14T00:00:00Z",
	}, existing)
	require.Equal(t, item.StatusDestroyed, done.Status)
	pack := reload(t, f.buildPack(t, done))
	require.Equal(t, []string{"destroy_action_rule"}, pack.FiredRules)

	result, err := newRunner(f).Verify(pack)
	require.NoError(t, err)
	assert.Equal(t, []string{"destroy_action_rule"}, result.Fired)
	assert.Empty(t, result.Changes)
}

func TestVerify_RawValidationReject(t *testing.T) {
	f := newFixture(t)
	done := f.process(map[string]any{"external_id": "sku-1"}, nil)
	require.Equal(t, item.StatusRejected, done.Status)
	pack := reload(t, f.buildPack(t, done))

	result, err := newRunner(f).Verify(pack)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw_validation"}, result.Fired)
	assert.Empty(t, result.Steps)
}

func TestVerify_UnclassifiableTombstone(t *testing.T) {
	f := newFixture(t)

	// tombstone for a record that never existed: nothing classifies
	done := f.process(map[string]any{
		"external_id": "sku-9",
		"deleted_at":  "2025-07-14T00:00:00Z",
	}, nil)
	require.Equal(t, item.StatusRejected, done.Status)
	pack := reload(t, f.buildPack(t, done))
	require.Contains(t, pack.Violations, "action")

	result, err := newRunner(f).Verify(pack)
	require.NoError(t, err)
	assert.Empty(t, result.Fired)
	assert.Empty(t, result.Changes)
}

func TestVerify_FiredDivergence(t *testing.T) {
	f := newFixture(t)
	pack := reload(t, f.buildPack(t, f.process(createPayload(), nil)))
	pack.FiredRules = append(pack.FiredRules, "phantom_rule")

	_, err := newRunner(f).Verify(pack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fired_rules diverged")
}

func TestVerify_ChangesDivergence(t *testing.T) {
	f := newFixture(t)
	pack := reload(t, f.buildPack(t, f.process(createPayload(), nil)))
	pack.Changes["name"] = "Tampered"

	_, err := newRunner(f).Verify(pack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
}

func TestRun_FlagsVersionMismatch(t *testing.T) {
	f := newFixture(t)
	pack := reload(t, f.buildPack(t, f.process(createPayload(), nil)))
	pack.FlagsVersion = "000000000000"

	_, err := newRunner(f).Run(pack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flags_version mismatch")
}

func TestRun_RecordedLookupsAuthoritative(t *testing.T) {
	f := newFixture(t)
	pack := reload(t, f.buildPack(t, f.process(createPayload(), nil)))

	// replay reads the recorded snapshot, never the live backend
	pack.ResolverSnapshot.Brands["kiva"] = 99

	result, err := newRunner(f).Run(pack)
	require.NoError(t, err)
	assert.True(t, menu.Equal(int64(99), result.Changes["brand_id"]))
}

func TestRun_TruncatedRulesOrder(t *testing.T) {
	f := newFixture(t)
	pack := reload(t, f.buildPack(t, f.process(createPayload(), nil)))
	pack.RulesOrder = pack.RulesOrder[:3]

	_, err := newRunner(f).Run(pack)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules_order")
}

func TestRun_StepStates(t *testing.T) {
	f := newFixture(t)
	pack := reload(t, f.buildPack(t, f.process(createPayload(), nil)))

	result, err := newRunner(f).Run(pack)
	require.NoError(t, err)
	require.Len(t, result.Steps, len(pack.RulesOrder))

	var applied int
	for _, step := range result.Steps {
		if step.Applied {
			applied++
		}
		assert.NotNil(t, step.StateAfter)
	}
	assert.Equal(t, len(pack.FiredRules), applied)
}
