package kernelvm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

func TestLookup_NestedPathWithIndex(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": []any{9.0, 10.0}}}

	assert.Equal(t, 9.0, Lookup(obj, "a.b.0"))
	assert.Equal(t, 10.0, Lookup(obj, "a.b.1"))
	assert.Nil(t, Lookup(obj, "a.b.2"))
	assert.Nil(t, Lookup(obj, "a.x.y"))
	assert.Nil(t, Lookup(obj, "a.b.-1"))
	assert.Nil(t, Lookup(nil, "a"))
	assert.Equal(t, obj, Lookup(obj, ""))
}

func TestLookup_TypedContainers(t *testing.T) {
	obj := map[string]any{
		"names": []string{"lead", "cadmium"},
		"limits": map[string]float64{
			"lead": 0.1,
		},
	}
	assert.Equal(t, "cadmium", Lookup(obj, "names.1"))
	assert.Equal(t, 0.1, Lookup(obj, "limits.lead"))
	assert.Nil(t, Lookup(obj, "limits.mercury"))
	assert.Nil(t, Lookup("scalar", "x"))
}

func TestResolve(t *testing.T) {
	ectx := &contracts.EvaluationContext{
		EntityData: map[string]any{"product": map[string]any{"weight": 12.5}},
		Data:       map[string]any{"limits": map[string]any{"lead": 0.1}},
	}
	input := map[string]any{"sum": 3.0}

	tests := []struct {
		name string
		ref  any
		want any
	}{
		{"field reference", map[string]any{"field": "product.weight"}, 12.5},
		{"data reference", map[string]any{"data_key": "limits.lead"}, 0.1},
		{"input reference", map[string]any{"input_field": "sum"}, 3.0},
		{"missing field", map[string]any{"field": "product.colour"}, nil},
		{"literal number", 42.0, 42.0},
		{"literal string", "lead", "lead"},
		{"non-string tag is literal", map[string]any{"field": 3.0}, map[string]any{"field": 3.0}},
		{"two tags is literal", map[string]any{"field": "a", "data_key": "b"}, map[string]any{"field": "a", "data_key": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.ref, ectx, input))
		})
	}
}

func TestResolve_NilContext(t *testing.T) {
	assert.Nil(t, Resolve(map[string]any{"field": "a"}, nil, nil))
	assert.Nil(t, Resolve(map[string]any{"data_key": "a"}, nil, nil))
}

func TestReferencePredicates(t *testing.T) {
	assert.True(t, IsFieldReference(map[string]any{"field": "x"}))
	assert.False(t, IsFieldReference(map[string]any{"data_key": "x"}))
	assert.True(t, IsDataReference(map[string]any{"data_key": "x"}))
	assert.True(t, IsInputReference(map[string]any{"input_field": ""}))
	assert.False(t, IsInputReference("input_field"))
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{1.5, 1.5, true},
		{int64(7), 7, true},
		{uint8(3), 3, true},
		{json.Number("2.25"), 2.25, true},
		{" 12 ", 12, true},
		{"", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := ToFloat(tt.in)
		require.Equal(t, tt.ok, ok, "input %#v", tt.in)
		assert.Equal(t, tt.want, got, "input %#v", tt.in)
	}
}

func TestToSlice(t *testing.T) {
	items, ok := ToSlice([]string{"a", "b"})
	assert.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, items)

	items, ok = ToSlice("a")
	assert.False(t, ok)
	assert.Equal(t, []any{"a"}, items)

	items, ok = ToSlice(nil)
	assert.False(t, ok)
	assert.Empty(t, items)
}
