package handlers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

func threshold(value any, op string, t any, tol float64) contracts.ASTNode {
	return contracts.ASTNode{Handler: "core:threshold_check", Config: map[string]any{
		"value": value, "operator": op, "threshold": t, "tolerance": tol,
	}}
}

func TestThresholdCheck_Operators(t *testing.T) {
	tests := []struct {
		v, t, tol float64
		op        string
		want      bool
	}{
		{5, 4, 0, "gt", true},
		{4, 4, 0, "gt", false},
		{4, 4, 0, "gte", true},
		{3, 4, 0, "lt", true},
		{4, 4, 0, "lt", false},
		{4, 4, 0, "lte", true},
		{4.05, 4, 0.1, "eq", true},
		{4.2, 4, 0.1, "eq", false},
		{4.2, 4, 0.1, "ne", true},
		{4.05, 4, 0.1, "ne", false},
		{3.95, 4, 0.1, "gt", true},
		{4.05, 4, 0.1, "lt", true},
	}
	for _, tt := range tests {
		res := run(t, threshold(tt.v, tt.op, tt.t, tt.tol), nil, nil)
		assert.Equal(t, tt.want, res.Success, "%g %s %g (tol %g)", tt.v, tt.op, tt.t, tt.tol)
	}
}

func TestThresholdCheck_ToleranceBoundary(t *testing.T) {
	res := run(t, threshold(0.001, "lt", 0.001, 0.0001), nil, nil)
	assert.True(t, res.Success)
}

func TestThresholdCheck_ToleranceWarning(t *testing.T) {
	loose := run(t, threshold(3.95, "gt", 4, 0.1), nil, nil)
	require.True(t, loose.Success)
	require.Len(t, loose.Warnings, 1)
	assert.Equal(t, "within_tolerance", loose.Warnings[0].Code)
	assert.Equal(t, "value", loose.Warnings[0].Path)

	strict := run(t, threshold(5, "gt", 4, 0.1), nil, nil)
	require.True(t, strict.Success)
	assert.Empty(t, strict.Warnings)
}

func TestChecks_CarryReference(t *testing.T) {
	ref := map[string]any{"type": "regulation", "id": "EU 1223/2009", "title": "Annex II"}
	want := []contracts.Reference{{Type: "regulation", ID: "EU 1223/2009", Title: "Annex II"}}

	tests := map[string]contracts.ASTNode{
		"threshold pass": {Handler: "core:threshold_check", Config: map[string]any{
			"value": 1.0, "operator": "lt", "threshold": 2.0, "reference": ref,
		}},
		"threshold non-numeric": {Handler: "core:threshold_check", Config: map[string]any{
			"value": map[string]any{"field": "missing"}, "operator": "lt", "threshold": 2.0, "reference": ref,
		}},
		"absence": {Handler: "core:absence_check", Config: map[string]any{
			"source": []any{"lead"}, "prohibited": []any{"lead"}, "reference": ref,
		}},
		"list": {Handler: "core:list_check", Config: map[string]any{
			"value": "x", "list_source": []any{"x"}, "list_type": "allowlist", "reference": ref,
		}},
		"completeness": {Handler: "core:completeness_check", Config: map[string]any{
			"entity": map[string]any{"field": ""}, "required_fields": []any{"name"}, "reference": ref,
		}},
	}
	for name, ast := range tests {
		t.Run(name, func(t *testing.T) {
			res := run(t, ast, map[string]any{"name": "Lipstick"}, nil)
			assert.Equal(t, want, res.Explanation.References)
		})
	}

	plain := run(t, threshold(1.0, "lt", 2.0, 0), nil, nil)
	assert.Empty(t, plain.Explanation.References)
}

func TestThresholdCheck_References(t *testing.T) {
	ast := threshold(map[string]any{"field": "substances.lead"}, "lte", map[string]any{"data_key": "limits.lead"}, 0)

	res := run(t, ast,
		map[string]any{"substances": map[string]any{"lead": "0.05"}},
		map[string]any{"limits": map[string]any{"lead": 0.1}})

	require.True(t, res.Success)
	assert.Equal(t, 0.05, value(t, res)["value"])
	assert.Equal(t, 0.1, value(t, res)["threshold"])
}

func TestThresholdCheck_NonNumericValueFails(t *testing.T) {
	res := run(t, threshold(map[string]any{"field": "missing"}, "gt", 1.0, 0), map[string]any{}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, contracts.TraceFailed, res.Trace.Status)
}

func TestThresholdCheck_UnknownOperatorIsFault(t *testing.T) {
	res := run(t, threshold(1.0, "approx", 1.0, 0), nil, nil)
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
}

func TestAbsenceCheck(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:absence_check", Config: map[string]any{
		"source":     map[string]any{"field": "substances"},
		"prohibited": map[string]any{"data_key": "svhc"},
	}}
	data := map[string]any{"svhc": []any{"lead", "cadmium"}}

	clean := run(t, ast, map[string]any{"substances": []any{"water", "zinc"}}, data)
	assert.True(t, clean.Success)
	assert.Equal(t, 2, value(t, clean)["checked"])

	dirty := run(t, ast, map[string]any{"substances": []any{"zinc", "cadmium"}}, data)
	assert.False(t, dirty.Success)
	assert.Equal(t, []any{"cadmium"}, value(t, dirty)["found"])
}

func TestAbsenceCheck_ScalarAndNormalization(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:absence_check", Config: map[string]any{
		"source":     map[string]any{"field": "substance"},
		"prohibited": []any{"Nickel(II) sulfate", "caf\u00e9ine"},
	}}

	res := run(t, ast, map[string]any{"substance": "cafe\u0301ine"}, nil)
	assert.False(t, res.Success)
}

func TestListCheck(t *testing.T) {
	allow := contracts.ASTNode{Handler: "core:list_check", Config: map[string]any{
		"value":       map[string]any{"field": "markets"},
		"list_source": []any{"DE", "FR", "NL"},
		"list_type":   "allowlist",
	}}

	ok := run(t, allow, map[string]any{"markets": []any{"DE", "FR"}}, nil)
	assert.True(t, ok.Success)

	bad := run(t, allow, map[string]any{"markets": []any{"DE", "US"}}, nil)
	assert.False(t, bad.Success)
	assert.Equal(t, []any{"US"}, value(t, bad)["not_in_list"])
	assert.Equal(t, []any{"DE"}, value(t, bad)["in_list"])

	block := contracts.ASTNode{Handler: "core:list_check", Config: map[string]any{
		"value":       map[string]any{"field": "code"},
		"list_source": []any{1, 2, 3},
		"list_type":   "blocklist",
	}}
	assert.False(t, run(t, block, map[string]any{"code": 2.0}, nil).Success, "numbers compare by value")
	assert.True(t, run(t, block, map[string]any{"code": 7}, nil).Success)
}

func TestListCheck_InvalidListType(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:list_check", Config: map[string]any{
		"value": "x", "list_source": []any{"x"}, "list_type": "greylist",
	}}
	assert.Equal(t, contracts.TraceError, run(t, ast, nil, nil).Trace.Status)
}

func TestCompletenessCheck(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:completeness_check", Config: map[string]any{
		"entity":          map[string]any{"field": ""},
		"required_fields": []any{"name", "supplier.country", "materials", "notes"},
	}}
	entity := map[string]any{
		"name":      "Widget",
		"supplier":  map[string]any{"country": "DE"},
		"materials": []any{},
		"notes":     "",
	}

	res := run(t, ast, entity, nil)

	assert.False(t, res.Success)
	v := value(t, res)
	assert.Equal(t, []string{"name", "supplier.country"}, v["present"])
	assert.Equal(t, []string{"materials", "notes"}, v["missing"])
	assert.Equal(t, 0.5, v["completion"])

	assert.Empty(t, res.Warnings)

	ast.Config["minimum_completion"] = 0.5
	partial := run(t, ast, entity, nil)
	assert.True(t, partial.Success)
	require.Len(t, partial.Warnings, 2)
	assert.Equal(t, "missing_field", partial.Warnings[0].Code)
	assert.Equal(t, "materials", partial.Warnings[0].Path)
	assert.Equal(t, "notes", partial.Warnings[1].Path)
}

func TestCompletenessCheck_NoRequiredFields(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:completeness_check", Config: map[string]any{
		"entity": map[string]any{"field": "supplier"}, "required_fields": []any{},
	}}
	res := run(t, ast, map[string]any{}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, 1.0, value(t, res)["completion"])
}
