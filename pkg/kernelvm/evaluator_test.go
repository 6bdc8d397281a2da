package kernelvm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func define(id string, fn ExecuteFunc) HandlerDefinition {
	return HandlerDefinition{
		HandlerMetadata: contracts.HandlerMetadata{ID: id, Version: "1.0.0", Category: contracts.CategoryLogic},
		Execute:         fn,
	}
}

// seq evaluates every child in order and passes when all pass.
func seqHandler() HandlerDefinition {
	meta := contracts.HandlerMetadata{ID: "test:seq", Version: "1.0.0"}
	return define(meta.ID, func(config map[string]any, input any, ectx *contracts.EvaluationContext, eval EvaluateFunc) (contracts.HandlerResult, error) {
		b := NewResult(meta, input)
		pass := true
		children, _ := config["children"].([]contracts.ASTNode)
		for _, c := range children {
			r := eval(c, ectx, nil)
			b.Child(r)
			pass = pass && r.Success
		}
		return b.Outcome(pass, map[string]any{"pass": pass}, "seq"), nil
	})
}

func echoHandler() HandlerDefinition {
	meta := contracts.HandlerMetadata{ID: "test:echo", Version: "1.0.0"}
	return define(meta.ID, func(_ map[string]any, input any, _ *contracts.EvaluationContext, _ EvaluateFunc) (contracts.HandlerResult, error) {
		return NewResult(meta, input).Pass(input, "echo"), nil
	})
}

func newTestRegistry(t *testing.T, defs ...HandlerDefinition) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, d := range defs {
		require.NoError(t, r.Register(d))
	}
	return r
}

func TestEvaluate_UnknownHandlerIsFault(t *testing.T) {
	r := NewRegistry()

	res := Evaluate(contracts.ASTNode{Handler: "core:nope"}, &contracts.EvaluationContext{}, r)

	assert.False(t, res.Success)
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
	require.NotNil(t, res.Trace.Error)
	assert.Equal(t, "Unknown handler: core:nope", res.Trace.Error.Message)
	assert.Equal(t, RootPath, res.Trace.ExecutionPath)
}

func TestEvaluate_NestedUnknownHandlerIsFault(t *testing.T) {
	r := newTestRegistry(t, seqHandler(), echoHandler())
	ast := contracts.ASTNode{Handler: "test:seq", Config: map[string]any{
		"children": []contracts.ASTNode{{Handler: "test:echo"}, {Handler: "core:nope"}},
	}}

	res := Evaluate(ast, &contracts.EvaluationContext{}, r)

	assert.False(t, res.Success)
	require.Len(t, res.Trace.ChildTraces, 2)
	nested := res.Trace.ChildTraces[1]
	assert.Equal(t, contracts.TraceError, nested.Status)
	assert.Equal(t, "root > core:nope", nested.ExecutionPath)
	require.NotNil(t, nested.Error)
	assert.Equal(t, "Unknown handler: core:nope", nested.Error.Message)
}

func TestEvaluate_RootReceivesEntityData(t *testing.T) {
	r := newTestRegistry(t, echoHandler())
	ectx := &contracts.EvaluationContext{EntityData: map[string]any{"name": "widget"}}

	res := Evaluate(contracts.ASTNode{Handler: "test:echo"}, ectx, r)

	require.True(t, res.Success)
	assert.Equal(t, ectx.EntityData, res.Value)
}

func TestEvaluate_ExecutionPathAndInheritedInput(t *testing.T) {
	r := newTestRegistry(t, seqHandler(), echoHandler())
	ast := contracts.ASTNode{Handler: "test:seq", Config: map[string]any{
		"children": []contracts.ASTNode{
			{Handler: "test:echo"},
			{Handler: "test:seq", Config: map[string]any{"children": []contracts.ASTNode{{Handler: "test:echo"}}}},
		},
	}}
	ectx := &contracts.EvaluationContext{EntityData: map[string]any{"k": "v"}}

	res := Evaluate(ast, ectx, r)

	require.True(t, res.Success)
	assert.Equal(t, "root", res.Trace.ExecutionPath)
	require.Len(t, res.Trace.ChildTraces, 2)
	assert.Equal(t, "root > test:echo", res.Trace.ChildTraces[0].ExecutionPath)
	assert.Equal(t, ectx.EntityData, res.Trace.ChildTraces[0].Output)
	nested := res.Trace.ChildTraces[1]
	assert.Equal(t, "root > test:seq", nested.ExecutionPath)
	assert.Equal(t, "root > test:seq > test:echo", nested.ChildTraces[0].ExecutionPath)
}

func TestEvaluate_HandlerErrorIsFault(t *testing.T) {
	r := newTestRegistry(t, define("test:broken", func(map[string]any, any, *contracts.EvaluationContext, EvaluateFunc) (contracts.HandlerResult, error) {
		return contracts.HandlerResult{}, errors.New("bad config")
	}))

	res := Evaluate(contracts.ASTNode{Handler: "test:broken"}, nil, r)

	assert.False(t, res.Success)
	assert.True(t, res.IsFault())
	assert.Equal(t, "bad config", res.Trace.Error.Message)
	assert.Equal(t, "test:broken", res.Trace.HandlerID)
	assert.Equal(t, "1.0.0", res.Trace.HandlerVersion)
}

func TestEvaluate_PanicIsRecovered(t *testing.T) {
	r := newTestRegistry(t, define("test:panics", func(map[string]any, any, *contracts.EvaluationContext, EvaluateFunc) (contracts.HandlerResult, error) {
		var m map[string]int
		m["boom"] = 1
		return contracts.HandlerResult{}, nil
	}))

	var res contracts.HandlerResult
	require.NotPanics(t, func() {
		res = Evaluate(contracts.ASTNode{Handler: "test:panics"}, nil, r)
	})
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
	assert.Contains(t, res.Trace.Error.Message, "panicked")
	assert.NotEmpty(t, res.Trace.Error.Stack)
}

func TestEvaluate_TimeoutAfterHandler(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(t, define("test:slow", func(map[string]any, any, *contracts.EvaluationContext, EvaluateFunc) (contracts.HandlerResult, error) {
		clock.Advance(20 * time.Millisecond)
		return NewResult(contracts.HandlerMetadata{ID: "test:slow"}, nil).Pass(true, "done"), nil
	}))

	res := Evaluate(contracts.ASTNode{Handler: "test:slow"}, nil, r,
		WithTimeout(10*time.Millisecond), WithClock(clock.Now))

	assert.False(t, res.Success)
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
	assert.Contains(t, res.Trace.Error.Message, "timeout after test:slow")
}

func TestEvaluate_TimeoutAtNodeEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	calls := 0
	slow := define("test:slow", func(map[string]any, any, *contracts.EvaluationContext, EvaluateFunc) (contracts.HandlerResult, error) {
		calls++
		clock.Advance(20 * time.Millisecond)
		return NewResult(contracts.HandlerMetadata{ID: "test:slow"}, nil).Pass(true, "done"), nil
	})
	r := newTestRegistry(t, seqHandler(), slow)
	ast := contracts.ASTNode{Handler: "test:seq", Config: map[string]any{
		"children": []contracts.ASTNode{{Handler: "test:slow"}, {Handler: "test:slow"}},
	}}

	res := Evaluate(ast, nil, r, WithTimeout(10*time.Millisecond), WithClock(clock.Now))

	assert.Equal(t, 1, calls, "second child must not run once the deadline passed")
	assert.Equal(t, contracts.TraceError, res.Trace.Status)
	assert.Contains(t, res.Trace.Error.Message, "timeout")
}

func TestEvaluate_ChildTimeoutRecordedAtEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var childResults []contracts.HandlerResult
	meta := contracts.HandlerMetadata{ID: "test:collect", Version: "1.0.0"}
	collect := define(meta.ID, func(config map[string]any, input any, ectx *contracts.EvaluationContext, eval EvaluateFunc) (contracts.HandlerResult, error) {
		clock.Advance(20 * time.Millisecond)
		childResults = append(childResults, eval(contracts.ASTNode{Handler: "test:echo"}, ectx, nil))
		return NewResult(meta, input).Pass(nil, "collected"), nil
	})
	r := newTestRegistry(t, collect, echoHandler())

	Evaluate(contracts.ASTNode{Handler: "test:collect"}, nil, r, WithTimeout(10*time.Millisecond), WithClock(clock.Now))

	require.Len(t, childResults, 1)
	assert.Contains(t, childResults[0].Trace.Error.Message, "timeout at test:echo")
}

func TestEvaluate_CancelledContext(t *testing.T) {
	r := newTestRegistry(t, echoHandler())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Evaluate(contracts.ASTNode{Handler: "test:echo"}, nil, r, WithContext(ctx))

	assert.Equal(t, contracts.TraceError, res.Trace.Status)
	assert.Contains(t, res.Trace.Error.Message, "timeout at test:echo")
}

func TestEvaluate_NoTimeoutByDefault(t *testing.T) {
	r := newTestRegistry(t, echoHandler())
	res := Evaluate(contracts.ASTNode{Handler: "test:echo"}, &contracts.EvaluationContext{}, r)
	assert.True(t, res.Success)
	assert.Equal(t, contracts.TraceSuccess, res.Trace.Status)
}
