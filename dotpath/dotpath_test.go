package dotpath_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/dotpath"
)

func TestGetSet(t *testing.T) {
	root := map[string]any{}
	require.NoError(t, dotpath.Set(root, "order.customer.email", "a@b.com"))
	v, ok := dotpath.Get(root, "order.customer.email")
	require.True(t, ok)
	assert.Equal(t, "a@b.com", v)
}

func TestSetListIndex(t *testing.T) {
	root := map[string]any{
		"items": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
	}
	require.NoError(t, dotpath.Set(root, "items.0.id", "changed"))
	v, ok := dotpath.Get(root, "items.0.id")
	require.True(t, ok)
	assert.Equal(t, "changed", v)
}

func TestSetListOutOfRangeFails(t *testing.T) {
	root := map[string]any{"items": []any{}}
	err := dotpath.Set(root, "items.5.id", "x")
	assert.Error(t, err)
}

func TestHasTreatsZeroValuesAsEmpty(t *testing.T) {
	root := map[string]any{"x": 0, "y": "", "z": "set"}
	assert.False(t, dotpath.Has(root, "x"))
	assert.False(t, dotpath.Has(root, "y"))
	assert.True(t, dotpath.Has(root, "z"))
	assert.False(t, dotpath.Has(root, "missing"))
}

func TestRenderMissingFirstSegmentIsFatal(t *testing.T) {
	_, err := dotpath.Render("hello {nope.field}", map[string]any{"present": 1})
	assert.Error(t, err)
}

func TestRenderMissingDeepSegmentSubstitutesEmpty(t *testing.T) {
	out, err := dotpath.Render("id={order.id}", map[string]any{"order": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, "id=", out)
}

// TestKeysRoundTrip is a property test: any non-empty string value written
// at a generated identifier key is always reported afterwards by Keys().
func TestKeysRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("set-then-keys contains the written path", prop.ForAll(
		func(key, value string) bool {
			if key == "" || value == "" {
				return true
			}
			root := map[string]any{}
			if err := dotpath.Set(root, key, value); err != nil {
				return true
			}
			_, present := dotpath.Keys(root)[key]
			return present
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
