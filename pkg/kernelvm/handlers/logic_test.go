package handlers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
)

func gt(field string, threshold float64) map[string]any {
	return node("core:threshold_check", map[string]any{
		"value": map[string]any{"field": field}, "operator": "gt", "threshold": threshold,
	})
}

func TestAnd(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:and", Config: map[string]any{
		"conditions": []any{gt("a", 1), gt("b", 1)},
	}}

	pass := run(t, ast, map[string]any{"a": 2.0, "b": 3.0}, nil)
	assert.True(t, pass.Success)
	assert.Equal(t, map[string]any{"pass": true, "passed": 2, "total": 2}, pass.Value)
	assert.Equal(t, "root > core:threshold_check", pass.Trace.ChildTraces[0].ExecutionPath)

	fail := run(t, ast, map[string]any{"a": 2.0, "b": 0.0}, nil)
	assert.False(t, fail.Success)
	assert.Equal(t, contracts.TraceFailed, fail.Trace.Status)
	assert.Equal(t, 1, value(t, fail)["passed"])
}

func TestAnd_ShortCircuit(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:and", Config: map[string]any{
		"conditions":    []any{gt("a", 1), gt("b", 1), gt("c", 1)},
		"short_circuit": true,
	}}

	res := run(t, ast, map[string]any{"a": 0.0, "b": 5.0, "c": 5.0}, nil)

	assert.False(t, res.Success)
	assert.Len(t, res.Trace.ChildTraces, 1)
	assert.Equal(t, 3, value(t, res)["total"])
}

func TestOr(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:or", Config: map[string]any{
		"conditions":    []any{gt("a", 1), gt("b", 1)},
		"short_circuit": true,
	}}

	res := run(t, ast, map[string]any{"a": 5.0, "b": 0.0}, nil)
	assert.True(t, res.Success)
	assert.Len(t, res.Trace.ChildTraces, 1)

	none := run(t, ast, map[string]any{"a": 0.0, "b": 0.0}, nil)
	assert.False(t, none.Success)

	empty := run(t, contracts.ASTNode{Handler: "core:or", Config: map[string]any{"conditions": []any{}}}, nil, nil)
	assert.False(t, empty.Success)
}

func TestNot(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:not", Config: map[string]any{"condition": gt("a", 1)}}

	res := run(t, ast, map[string]any{"a": 0.0}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"pass": true, "negated": true}, res.Value)

	res = run(t, ast, map[string]any{"a": 5.0}, nil)
	assert.False(t, res.Success)
}

func TestNot_FaultIsNotInverted(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:not", Config: map[string]any{
		"condition": node("core:unknown", map[string]any{}),
	}}

	res := run(t, ast, nil, nil)

	assert.False(t, res.Success)
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
	assert.Contains(t, res.Trace.Error.Message, "Unknown handler: core:unknown")
}

func TestComposites_PropagateChildFault(t *testing.T) {
	unknown := node("core:nope", map[string]any{})
	badOperator := node("core:threshold_check", map[string]any{
		"value": map[string]any{"field": "a"}, "operator": "~~", "threshold": 1,
	})

	tests := map[string]struct {
		ast     contracts.ASTNode
		message string
	}{
		"and over unknown handler": {
			ast:     contracts.ASTNode{Handler: "core:and", Config: map[string]any{"conditions": []any{unknown}}},
			message: "Unknown handler: core:nope",
		},
		"and over invalid operator": {
			ast:     contracts.ASTNode{Handler: "core:and", Config: map[string]any{"conditions": []any{gt("a", 0), badOperator}}},
			message: "~~",
		},
		"or with a passing sibling": {
			ast:     contracts.ASTNode{Handler: "core:or", Config: map[string]any{"conditions": []any{unknown, gt("a", 0)}}},
			message: "Unknown handler: core:nope",
		},
		"if_then faulting condition": {
			ast:     contracts.ASTNode{Handler: "core:if_then", Config: map[string]any{"if": unknown, "then": gt("a", 0)}},
			message: "IF condition",
		},
		"if_then faulting then branch": {
			ast:     contracts.ASTNode{Handler: "core:if_then", Config: map[string]any{"if": gt("a", 0), "then": unknown}},
			message: "THEN branch",
		},
		"if_then faulting else branch": {
			ast:     contracts.ASTNode{Handler: "core:if_then", Config: map[string]any{"if": gt("a", 10), "then": gt("a", 0), "else": badOperator}},
			message: "ELSE branch",
		},
		"pipe": {
			ast:     contracts.ASTNode{Handler: "core:pipe", Config: map[string]any{"steps": []any{unknown}}},
			message: "step 1",
		},
		"for_each": {
			ast: contracts.ASTNode{Handler: "core:for_each", Config: map[string]any{
				"source": []any{1}, "validation": unknown,
			}},
			message: "item 0",
		},
		"nested under not": {
			ast: contracts.ASTNode{Handler: "core:not", Config: map[string]any{
				"condition": node("core:and", map[string]any{"conditions": []any{unknown}}),
			}},
			message: "Unknown handler: core:nope",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			res := run(t, tc.ast, map[string]any{"a": 2.0}, nil)

			assert.False(t, res.Success)
			assert.Equal(t, contracts.TraceError, res.Trace.Status)
			require.NotNil(t, res.Trace.Error)
			assert.Contains(t, res.Trace.Error.Message, tc.message)
		})
	}
}

func TestIfThen(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:if_then", Config: map[string]any{
		"if":   gt("weight", 10),
		"then": gt("labels", 0),
		"else": gt("weight", 0),
	}}

	then := run(t, ast, map[string]any{"weight": 20.0, "labels": 1.0}, nil)
	assert.True(t, then.Success)
	assert.Equal(t, "then", value(t, then)["branch"])

	els := run(t, ast, map[string]any{"weight": 5.0}, nil)
	assert.True(t, els.Success)
	assert.Equal(t, "else", value(t, els)["branch"])
}

func TestIfThen_Skipped(t *testing.T) {
	config := map[string]any{"if": gt("weight", 10), "then": gt("labels", 0)}

	res := run(t, contracts.ASTNode{Handler: "core:if_then", Config: config}, map[string]any{"weight": 1.0}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, map[string]any{"pass": false, "branch": "skipped"}, res.Value)

	config["default_when_skipped"] = true
	res = run(t, contracts.ASTNode{Handler: "core:if_then", Config: config}, map[string]any{"weight": 1.0}, nil)
	assert.True(t, res.Success)
}

func TestIfThen_MissingBranchIsFault(t *testing.T) {
	res := run(t, contracts.ASTNode{Handler: "core:if_then", Config: map[string]any{"if": gt("a", 1)}}, nil, nil)
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
}

func TestPipe(t *testing.T) {
	ast := parseRule(t, `{
		"handler": "core:pipe",
		"config": {"steps": [
			{"handler": "core:collection_sum", "config": {"source": {"field": "materials"}, "field": "mass"}},
			{"handler": "core:threshold_check", "config": {"value": {"input_field": "sum"}, "operator": "lte", "threshold": 100}}
		]}
	}`)
	entity := map[string]any{"materials": []any{
		map[string]any{"mass": 40.0},
		map[string]any{"mass": 30.0},
	}}

	res := run(t, ast, entity, nil)

	require.True(t, res.Success, res.Explanation.Summary)
	assert.Equal(t, 70.0, value(t, res)["value"])
	assert.Equal(t, "root > core:collection_sum", res.Trace.ChildTraces[0].ExecutionPath)
}

func TestPipe_StopsAtFirstFailure(t *testing.T) {
	ast := parseRule(t, `{
		"handler": "core:pipe",
		"config": {"steps": [
			{"handler": "core:collection_sum", "config": {"source": {"field": "missing"}, "field": "mass"}},
			{"handler": "core:threshold_check", "config": {"value": {"input_field": "sum"}, "operator": "lte", "threshold": 100}}
		]}
	}`)

	res := run(t, ast, map[string]any{}, nil)

	assert.False(t, res.Success)
	assert.Len(t, res.Trace.ChildTraces, 1)
	assert.Equal(t, map[string]any{"sum": 0.0}, res.Value)
	assert.Equal(t, "Pipe failed at step 1/2", res.Explanation.Summary)
}

func TestForEach(t *testing.T) {
	entity := map[string]any{"parts": []any{
		map[string]any{"lead": 10.0},
		map[string]any{"lead": 200.0},
		map[string]any{"lead": 50.0},
	}}
	build := func(mode string) contracts.ASTNode {
		return contracts.ASTNode{Handler: "core:for_each", Config: map[string]any{
			"source": map[string]any{"field": "parts"},
			"validation": node("core:threshold_check", map[string]any{
				"value": map[string]any{"input_field": "lead"}, "operator": "lt", "threshold": 100.0,
			}),
			"require": mode,
		}}
	}

	all := run(t, build("all"), entity, nil)
	assert.False(t, all.Success)
	v := value(t, all)
	assert.Equal(t, 2, v["passed"])
	assert.Equal(t, 3, v["total"])
	assert.Equal(t, []any{map[string]any{"index": 1, "item": map[string]any{"lead": 200.0}}}, v["failures"])

	assert.True(t, run(t, build("any"), entity, nil).Success)
	assert.False(t, run(t, build("none"), entity, nil).Success)
	assert.False(t, run(t, build(""), entity, nil).Success, "require defaults to all")
}

func TestForEach_NonArraySource(t *testing.T) {
	ast := contracts.ASTNode{Handler: "core:for_each", Config: map[string]any{
		"source":     map[string]any{"field": "parts"},
		"validation": gt("x", 0),
	}}

	res := run(t, ast, map[string]any{"parts": "nope"}, nil)

	assert.False(t, res.Success)
	assert.Equal(t, contracts.TraceFailed, res.Trace.Status)
	require.NotNil(t, res.Trace.Error)
	assert.Equal(t, "source is not an array", res.Trace.Error.Message)
}

func TestCoreCatalog(t *testing.T) {
	r := handlers.NewDefaultRegistry()
	ids := r.IDs()
	for _, id := range []string{
		"core:and", "core:or", "core:not", "core:if_then", "core:pipe", "core:for_each",
		"core:threshold_check", "core:absence_check", "core:list_check", "core:completeness_check",
		"core:collection_sum", "core:unit_convert", "core:ratio", "core:deadline", "core:cel_check",
	} {
		assert.Contains(t, ids, id)
	}
	assert.Error(t, handlers.RegisterCore(r), "registering the catalog twice must fail")
}
