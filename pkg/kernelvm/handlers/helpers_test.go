package handlers_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func node(handler string, config map[string]any) map[string]any {
	return map[string]any{"handler": handler, "config": config}
}

// parseRule decodes a rule the way packs ship it: as JSON.
func parseRule(t *testing.T, src string) contracts.ASTNode {
	t.Helper()
	var n contracts.ASTNode
	require.NoError(t, json.Unmarshal([]byte(src), &n))
	return n
}

func run(t *testing.T, ast contracts.ASTNode, entity map[string]any, data map[string]any) contracts.HandlerResult {
	t.Helper()
	ectx := &contracts.EvaluationContext{
		EntityType: "product",
		EntityID:   "p-1",
		EntityData: entity,
		Data:       data,
		VerticalID: "toys",
		Market:     "EU",
		Timestamp:  testTime,
	}
	return kernelvm.Evaluate(ast, ectx, newRegistry())
}

func newRegistry() *kernelvm.Registry {
	return handlers.NewDefaultRegistry()
}

func value(t *testing.T, res contracts.HandlerResult) map[string]any {
	t.Helper()
	v, ok := res.Value.(map[string]any)
	require.True(t, ok, "value is %T", res.Value)
	return v
}
