package kernelvm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
)

func leadLimitRule() contracts.ASTNode {
	return contracts.ASTNode{Handler: "core:threshold_check", Config: map[string]any{
		"value":     map[string]any{"field": "lead_ppm"},
		"operator":  "lte",
		"threshold": map[string]any{"data_key": "limits.lead"},
	}}
}

func TestSimulator_RunsSuite(t *testing.T) {
	sim := kernelvm.NewSimulator(handlers.NewDefaultRegistry())
	suite := contracts.ValidationSuite{
		VerticalID: "toys",
		TestCases: []contracts.TestCase{
			{ID: "ok", EntityData: map[string]any{"lead_ppm": 50.0}, ContextData: map[string]any{"limits": map[string]any{"lead": 90.0}}, ExpectedStatus: "compliant"},
			{ID: "over", EntityData: map[string]any{"lead_ppm": 120.0}, ContextData: map[string]any{"limits": map[string]any{"lead": 90.0}}, ExpectedStatus: "non_compliant"},
			{ID: "mislabelled", EntityData: map[string]any{"lead_ppm": 10.0}, ContextData: map[string]any{"limits": map[string]any{"lead": 90.0}}, ExpectedStatus: "non_compliant"},
		},
	}

	report := sim.Run(leadLimitRule(), suite)

	require.True(t, report.ASTValid)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.AllPassed())
	assert.Equal(t, "compliant", report.Results[2].ActualStatus)
	assert.False(t, report.Results[2].Match)
	assert.Equal(t, "root", report.Results[0].Trace.ExecutionPath)
}

func TestSimulator_InvalidASTFailsFast(t *testing.T) {
	sim := kernelvm.NewSimulator(handlers.NewDefaultRegistry())
	suite := contracts.ValidationSuite{TestCases: []contracts.TestCase{{ID: "a", ExpectedStatus: "compliant"}}}

	report := sim.Run(contracts.ASTNode{Handler: "core:missing"}, suite)

	assert.False(t, report.ASTValid)
	assert.Equal(t, 0, report.Total)
	assert.Empty(t, report.Results)
	require.Len(t, report.ASTErrors, 1)
}

func TestSimulator_SyntheticContext(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	sim := kernelvm.NewSimulator(handlers.NewDefaultRegistry(), kernelvm.WithSimulationClock(func() time.Time { return fixed }))
	rule := contracts.ASTNode{Handler: "core:cel_check", Config: map[string]any{
		"expression": `input.tag == "x"`,
	}}
	suite := contracts.ValidationSuite{
		VerticalID: "toys",
		TestCases: []contracts.TestCase{
			{ID: "case-1", EntityData: map[string]any{"tag": "x"}, ExpectedStatus: "compliant"},
		},
	}

	report := sim.Run(rule, suite)
	require.Equal(t, 1, report.Passed, "%+v", report.Results)
}

func TestSimulator_DeadlineUsesCaseTimestamp(t *testing.T) {
	sim := kernelvm.NewSimulator(handlers.NewDefaultRegistry())
	rule := contracts.ASTNode{Handler: "core:deadline", Config: map[string]any{
		"window":     map[string]any{"duration": map[string]any{"value": 30.0, "unit": "days"}, "started_at": map[string]any{"field": "notified_at"}},
		"on_expired": "fail",
	}}
	early := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	late := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	entity := map[string]any{"notified_at": "2025-01-01T00:00:00Z"}
	suite := contracts.ValidationSuite{TestCases: []contracts.TestCase{
		{ID: "within", EntityData: entity, Timestamp: &early, ExpectedStatus: "compliant"},
		{ID: "expired", EntityData: entity, Timestamp: &late, ExpectedStatus: "non_compliant"},
	}}

	report := sim.Run(rule, suite)
	assert.True(t, report.AllPassed(), "%+v", report.Results)
}

func TestSimulator_FaultReported(t *testing.T) {
	sim := kernelvm.NewSimulator(handlers.NewDefaultRegistry())
	rule := contracts.ASTNode{Handler: "core:threshold_check", Config: map[string]any{
		"value": 1.0, "operator": "between", "threshold": 2.0,
	}}
	suite := contracts.ValidationSuite{TestCases: []contracts.TestCase{{ID: "a", ExpectedStatus: "non_compliant"}}}

	report := sim.Run(rule, suite)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "non_compliant", report.Results[0].ActualStatus)
	assert.Contains(t, report.Results[0].Error, "unknown operator")
}
