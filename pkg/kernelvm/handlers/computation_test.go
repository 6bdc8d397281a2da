package handlers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

func TestCollectionSum(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:collection_sum", Config: map[string]any{
		"source": map[string]any{"field": "bom"},
		"field":  "mass",
	}}
	entity := map[string]any{"bom": []any{
		map[string]any{"mass": 1.5, "kind": "metal"},
		map[string]any{"mass": "2.5", "kind": "plastic"},
		map[string]any{"mass": 4, "kind": "metal"},
	}}

	res := run(t, ast, entity, nil)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"sum": 8.0, "items_counted": 3}, res.Value)

	ast.Config["filter"] = map[string]any{"field": "kind", "equals": "metal"}
	filtered := run(t, ast, entity, nil)
	require.True(t, filtered.Success)
	assert.Equal(t, 5.5, value(t, filtered)["sum"])
	assert.Equal(t, 2, value(t, filtered)["items_counted"])
}

func TestCollectionSum_NonNumericItems(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:collection_sum", Config: map[string]any{
		"source": map[string]any{"field": "bom"},
		"field":  "mass",
	}}
	entity := map[string]any{"bom": []any{
		map[string]any{"mass": 1.0},
		map[string]any{"mass": "heavy"},
		map[string]any{},
	}}

	res := run(t, ast, entity, nil)

	assert.False(t, res.Success)
	assert.Equal(t, []int{1, 2}, value(t, res)["nan_indices"])
	assert.Equal(t, 1.0, value(t, res)["sum"])
}

func TestCollectionSum_SourceNotArray(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:collection_sum", Config: map[string]any{
		"source": map[string]any{"field": "bom"}, "field": "mass",
	}}
	res := run(t, ast, map[string]any{"bom": 3.0}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, "source is not an array", res.Explanation.Summary)
}

func TestUnitConvert(t *testing.T) {
	tests := []struct {
		from, to string
		in, want float64
	}{
		{"ppm", "percent", 1000, 0.1},
		{"percent", "ppm", 0.1, 1000},
		{"mg/kg", "ppm", 12, 12},
		{"kg", "g", 1.5, 1500},
		{"mg", "g", 250, 0.25},
		{"l", "ml", 2, 2000},
		{"ppb", "ppm", 500, 0.5},
	}
	for _, tt := range tests {
		ast := contracts.ASTNode{Handler: "core:unit_convert", Config: map[string]any{
			"source_value": tt.in, "source_unit": tt.from, "target_unit": tt.to,
		}}
		res := run(t, ast, nil, nil)
		require.True(t, res.Success, "%s -> %s", tt.from, tt.to)
		assert.InDelta(t, tt.want, value(t, res)["converted"], 1e-9, "%s -> %s", tt.from, tt.to)
	}
}

func TestUnitConvert_IdentityAndUnknown(t *testing.T) {
	same := run(t, contracts.ASTNode{Handler: "core:unit_convert", Config: map[string]any{
		"source_value": 3.0, "source_unit": "furlong", "target_unit": "furlong",
	}}, nil, nil)
	require.True(t, same.Success)
	assert.Equal(t, 3.0, value(t, same)["converted"])

	unknown := run(t, contracts.ASTNode{Handler: "core:unit_convert", Config: map[string]any{
		"source_value": 3.0, "source_unit": "kg", "target_unit": "ml",
	}}, nil, nil)
	assert.False(t, unknown.Success)
	assert.Contains(t, unknown.Explanation.Summary, "Cannot convert")
}

func TestRatio(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:ratio", Config: map[string]any{
		"numerator":   map[string]any{"field": "recycled"},
		"denominator": map[string]any{"field": "total"},
		"multiply_by": 100.0,
	}}

	res := run(t, ast, map[string]any{"recycled": 30.0, "total": 120.0}, nil)
	require.True(t, res.Success)
	assert.Equal(t, 25.0, value(t, res)["ratio"])

	zero := run(t, ast, map[string]any{"recycled": 30.0, "total": 0.0}, nil)
	assert.False(t, zero.Success)
	assert.Equal(t, "Division by zero", zero.Explanation.Summary)
	assert.Equal(t, contracts.TraceFailed, zero.Trace.Status)
}
