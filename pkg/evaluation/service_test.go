package evaluation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/store"
)

var evalTime = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func leadRule() contracts.ASTNode {
	return contracts.ASTNode{
		Handler: "core:threshold_check",
		Config: map[string]any{
			"value":     map[string]any{"field": "lead_ppm"},
			"operator":  "lt",
			"threshold": 10.0,
		},
	}
}

func bannedRule() contracts.ASTNode {
	return contracts.ASTNode{
		Handler: "core:absence_check",
		Config: map[string]any{
			"source":     map[string]any{"field": "substances"},
			"prohibited": map[string]any{"data_key": "banned_substances"},
		},
	}
}

func product(id string, data map[string]any) contracts.EvaluationContext {
	return contracts.EvaluationContext{
		EntityType: "product",
		EntityID:   id,
		EntityData: data,
		VerticalID: "cosmetics",
		Market:     "EU",
	}
}

func newService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return evalTime }
	}
	s, err := NewService(opts)
	require.NoError(t, err)
	return s
}

func TestEvaluate_Statuses(t *testing.T) {
	s := newService(t, Options{})
	ctx := context.Background()

	out, err := s.Evaluate(ctx, Request{Rule: leadRule(), Context: product("p1", map[string]any{"lead_ppm": 3.0})})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompliant, out.Status)
	assert.Equal(t, "p1", out.EntityID)
	assert.Empty(t, out.Error)

	out, err = s.Evaluate(ctx, Request{Rule: leadRule(), Context: product("p2", map[string]any{"lead_ppm": 42.0})})
	require.NoError(t, err, "a finding is a successful evaluation")
	assert.Equal(t, contracts.StatusNonCompliant, out.Status)
	assert.Equal(t, contracts.TraceFailed, out.Result.Trace.Status)

	out, err = s.Evaluate(ctx, Request{
		Rule:    contracts.ASTNode{Handler: "core:missing", Config: map[string]any{}},
		Context: product("p3", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusError, out.Status)
	assert.Equal(t, "Unknown handler: core:missing", out.Error)
}

func TestEvaluate_NestedFaultIsError(t *testing.T) {
	s := newService(t, Options{})
	rule := contracts.ASTNode{Handler: "core:and", Config: map[string]any{
		"conditions": []any{
			leadRule(),
			map[string]any{"handler": "core:missing", "config": map[string]any{}},
		},
	}}

	out, err := s.Evaluate(context.Background(), Request{Rule: rule, Context: product("p1", map[string]any{"lead_ppm": 3.0})})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusError, out.Status, "a nested fault must not read as non-compliant")
	assert.Contains(t, out.Error, "Unknown handler: core:missing")
}

func TestEvaluate_StampsMissingTimestamp(t *testing.T) {
	var seen time.Time
	reg := kernelvm.NewRegistry()
	reg.MustRegister(kernelvm.HandlerDefinition{
		HandlerMetadata: contracts.HandlerMetadata{ID: "test:clock", Version: "1.0.0", Category: contracts.CategoryTemporal},
		Execute: func(_ map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
			seen = ectx.Timestamp
			return kernelvm.NewResult(contracts.HandlerMetadata{ID: "test:clock", Version: "1.0.0"}, input).Pass(true, "ok"), nil
		},
	})
	s := newService(t, Options{Registry: reg})
	rule := contracts.ASTNode{Handler: "test:clock"}

	_, err := s.Evaluate(context.Background(), Request{Rule: rule, Context: product("p", nil)})
	require.NoError(t, err)
	assert.Equal(t, evalTime, seen)

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ectx := product("p", nil)
	ectx.Timestamp = fixed
	_, err = s.Evaluate(context.Background(), Request{Rule: rule, Context: ectx})
	require.NoError(t, err)
	assert.Equal(t, fixed, seen, "caller timestamp wins")
}

func TestEvaluate_LockVerification(t *testing.T) {
	ctx := context.Background()
	locks := store.NewMemoryStore()
	active := &contracts.ComplianceLock{LockID: "lock_active", TenantID: "acme", Timestamp: evalTime, Status: contracts.LockActive}
	old := &contracts.ComplianceLock{LockID: "lock_old", TenantID: "acme", Timestamp: evalTime.Add(-time.Hour), Status: contracts.LockActive}
	require.NoError(t, locks.SaveLock(ctx, active))
	require.NoError(t, locks.SaveLock(ctx, old))
	require.NoError(t, locks.Supersede(ctx, "acme", "lock_old"))

	s := newService(t, Options{Locks: locks})
	req := func(lockID string) Request {
		ectx := product("p", map[string]any{"lead_ppm": 1.0})
		ectx.ComplianceLockID = lockID
		return Request{TenantID: "acme", Rule: leadRule(), Context: ectx}
	}

	out, err := s.Evaluate(ctx, req("lock_active"))
	require.NoError(t, err)
	assert.Equal(t, "lock_active", out.ComplianceLockID)

	_, err = s.Evaluate(ctx, req("lock_old"))
	assert.ErrorIs(t, err, ErrLockInactive)

	_, err = s.Evaluate(ctx, req("lock_unknown"))
	assert.ErrorIs(t, err, store.ErrLockNotFound)

	_, err = s.Evaluate(ctx, req(""))
	assert.NoError(t, err, "requests without a lock id skip verification")
}

func TestEvaluate_PrefetchesMissingDataKeys(t *testing.T) {
	var asked [][]string
	src := DataSourceFunc(func(_ context.Context, ectx *contracts.EvaluationContext, keys []string) (map[string]any, error) {
		asked = append(asked, keys)
		return map[string]any{"banned_substances": []any{"lead", "mercury"}}, nil
	})
	s := newService(t, Options{Data: src})
	ctx := context.Background()

	out, err := s.Evaluate(ctx, Request{Rule: bannedRule(), Context: product("p", map[string]any{"substances": []any{"water", "mercury"}})})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusNonCompliant, out.Status)
	assert.Equal(t, [][]string{{"banned_substances"}}, asked)

	ectx := product("p", map[string]any{"substances": []any{"water", "mercury"}})
	ectx.Data = map[string]any{"banned_substances": []any{"arsenic"}}
	out, err = s.Evaluate(ctx, Request{Rule: bannedRule(), Context: ectx})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompliant, out.Status, "preloaded data is not replaced")
	assert.Len(t, asked, 1, "nothing missing, nothing fetched")
}

func TestEvaluate_DataSourceError(t *testing.T) {
	boom := errors.New("graph unavailable")
	s := newService(t, Options{Data: DataSourceFunc(func(context.Context, *contracts.EvaluationContext, []string) (map[string]any, error) {
		return nil, boom
	})})
	_, err := s.Evaluate(context.Background(), Request{Rule: bannedRule(), Context: product("p", nil)})
	assert.ErrorIs(t, err, boom)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	s := newService(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Evaluate(ctx, Request{Rule: leadRule(), Context: product("p", nil)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateBatch_PreservesOrder(t *testing.T) {
	s := newService(t, Options{Concurrency: 3, RatePerSecond: 1000, Burst: 10})
	var reqs []Request
	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		lead := float64(i)
		reqs = append(reqs, Request{Rule: leadRule(), Context: product(string(rune('a'+i)), map[string]any{"lead_ppm": lead})})
		if lead < 10 {
			want = append(want, contracts.StatusCompliant)
		} else {
			want = append(want, contracts.StatusNonCompliant)
		}
	}

	outs, err := s.EvaluateBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, outs, len(reqs))
	for i, o := range outs {
		assert.Equal(t, reqs[i].Context.EntityID, o.EntityID)
		assert.Equal(t, want[i], o.Status, "request %d", i)
	}
}

func TestEvaluateBatch_StopsOnInfrastructureError(t *testing.T) {
	var calls atomic.Int32
	s := newService(t, Options{
		Concurrency: 1,
		Data: DataSourceFunc(func(context.Context, *contracts.EvaluationContext, []string) (map[string]any, error) {
			calls.Add(1)
			return nil, errors.New("down")
		}),
	})
	reqs := []Request{
		{Rule: bannedRule(), Context: product("first", nil)},
		{Rule: bannedRule(), Context: product("second", nil)},
		{Rule: bannedRule(), Context: product("third", nil)},
	}
	outs, err := s.EvaluateBatch(context.Background(), reqs)
	require.Error(t, err)
	assert.Nil(t, outs)
	assert.Contains(t, err.Error(), "request 0 (first)")
	assert.Equal(t, int32(1), calls.Load(), "cancelled requests do not reach the data source")
}

func TestStatusOf(t *testing.T) {
	reg := handlers.NewDefaultRegistry()
	pass := kernelvm.Evaluate(leadRule(), &contracts.EvaluationContext{EntityData: map[string]any{"lead_ppm": 1.0}}, reg)
	fail := kernelvm.Evaluate(leadRule(), &contracts.EvaluationContext{EntityData: map[string]any{"lead_ppm": 11.0}}, reg)
	fault := kernelvm.FaultResult("core:x", "1.0.0", kernelvm.RootPath, nil, "boom", "")
	assert.Equal(t, contracts.StatusCompliant, StatusOf(pass))
	assert.Equal(t, contracts.StatusNonCompliant, StatusOf(fail))
	assert.Equal(t, contracts.StatusError, StatusOf(fault))
}
