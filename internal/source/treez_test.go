package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbly/menupipe/internal/menu"
	"github.com/herbly/menupipe/internal/rule"
)

func mustTreez(t *testing.T) *Source {
	t.Helper()
	src, err := Treez()
	require.NoError(t, err)
	return src
}

func TestTreez_TransformLivePayload(t *testing.T) {
	src := mustTreez(t)

	ectx := &rule.EvalContext{
		Payload: map[string]any{
			"external_id": "sku-1",
			"name":        "  OG Kush  ",
			"brand":       "kiva",
			"strain":      "OG Kush",
			"tags":        []any{"indica", " indica ", "premium"},
			"price_cents": 4500,
			"status":      "active",
		},
		ChangedKeys: menu.NewChangeSet(),
	}

	mapped, fired, err := src.Transformer.Evaluate(ectx)
	require.NoError(t, err)

	assert.Equal(t, "sku-1", mapped["external_id"])
	assert.Equal(t, "OG Kush", mapped["name"])
	assert.Equal(t, "kiva", mapped["brand_name"])
	assert.Equal(t, "OG Kush", mapped["strain_name"])
	assert.Equal(t, []string{"indica", "premium"}, mapped["tag_names"])
	assert.Equal(t, int64(4500), mapped["price_cents"])
	assert.Equal(t, "active", mapped["status"])
	assert.Equal(t, "create", mapped[ActionKey])

	assert.Contains(t, fired, "create_action_rule")
	assert.NotContains(t, fired, "update_action_rule")
	assert.NotContains(t, fired, "destroy_action_rule")
}

func TestTreez_BlankFieldsDropped(t *testing.T) {
	src := mustTreez(t)

	ectx := &rule.EvalContext{
		Payload: map[string]any{
			"external_id": "sku-1",
			"name":        "OG Kush",
			"brand":       "   ",
		},
		ChangedKeys: menu.NewChangeSet(),
	}

	mapped, fired, err := src.Transformer.Evaluate(ectx)
	require.NoError(t, err)

	assert.NotContains(t, mapped, "brand_name")
	assert.NotContains(t, fired, "brand_rule")
}

func TestTreez_ClassifyUpdate(t *testing.T) {
	src := mustTreez(t)

	ectx := &rule.EvalContext{
		Payload:     map[string]any{"external_id": "sku-1", "name": "OG Kush"},
		MenuItem:    &menu.Item{ID: 1, ExternalID: "sku-1"},
		ChangedKeys: menu.NewChangeSet(),
	}

	mapped, _, err := src.Transformer.Evaluate(ectx)
	require.NoError(t, err)
	assert.Equal(t, "update", mapped[ActionKey])
}

func TestTreez_ClassifyDestroy(t *testing.T) {
	src := mustTreez(t)

	payload := map[string]any{"external_id": "sku-1", "deleted_at": "2025-07-01T00:00:00Z"}
	require.True(t, src.DestroyPointer(payload))

	ectx := &rule.EvalContext{
		Payload:          payload,
		MenuItem:         &menu.Item{ID: 1, ExternalID: "sku-1"},
		DestroyRequested: true,
		ChangedKeys:      menu.NewChangeSet(),
	}

	mapped, fired, err := src.Transformer.Evaluate(ectx)
	require.NoError(t, err)

	assert.Equal(t, "destroy", mapped[ActionKey])
	// tombstones skip every mapping rule
	assert.Equal(t, []string{"destroy_action_rule"}, fired)
}

func TestTreez_TombstoneForUnknownRecordClassifiesNothing(t *testing.T) {
	src := mustTreez(t)

	ectx := &rule.EvalContext{
		Payload:          map[string]any{"external_id": "sku-1", "deleted_at": "2025-07-01T00:00:00Z"},
		DestroyRequested: true,
		ChangedKeys:      menu.NewChangeSet(),
	}

	mapped, fired, err := src.Transformer.Evaluate(ectx)
	require.NoError(t, err)

	assert.NotContains(t, mapped, ActionKey)
	assert.Empty(t, fired)
}

func TestTreez_DestroyPointer(t *testing.T) {
	src := mustTreez(t)

	assert.False(t, src.DestroyPointer(map[string]any{"external_id": "sku-1"}))
	assert.False(t, src.DestroyPointer(map[string]any{"deleted_at": ""}))
	assert.False(t, src.DestroyPointer(map[string]any{"deleted_at": 12345}))
	assert.True(t, src.DestroyPointer(map[string]any{"deleted_at": "2025-07-01"}))
}

func TestTreez_RawContractSelection(t *testing.T) {
	src := mustTreez(t)

	live := src.RawContract(map[string]any{"external_id": "sku-1", "name": "x"})
	assert.Equal(t, src.Raw, live)

	tombstone := src.RawContract(map[string]any{"external_id": "sku-1", "deleted_at": "2025-07-01"})
	assert.Equal(t, src.RawDestroy, tombstone)
}

func TestTreez_TombstoneValidatesWithoutName(t *testing.T) {
	src := mustTreez(t)

	payload := map[string]any{"external_id": "sku-1", "deleted_at": "2025-07-01"}
	ok, violations := src.RawContract(payload).Validate(payload)
	assert.True(t, ok)
	assert.Nil(t, violations)
}

func TestRegistry_Resolve(t *testing.T) {
	src := mustTreez(t)
	reg := Registry{src.ID: src}

	resolved, err := reg.Resolve("treez")
	require.NoError(t, err)
	assert.Equal(t, src, resolved)

	_, err = reg.Resolve("weedmaps")
	assert.ErrorContains(t, err, "unknown source")
}
