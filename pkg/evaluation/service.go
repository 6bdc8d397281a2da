// Package evaluation is the caller layer around the kernel: it assembles
// the evaluation context, checks the compliance lock, runs the rule and
// turns the kernel result into a compliant, non_compliant or error outcome.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/observability"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/store"
)

// ErrLockInactive is returned when a request names a lock that has been
// superseded or rolled back.
var ErrLockInactive = errors.New("compliance lock is not active")

// Request is one rule evaluation. TenantID scopes the lock lookup.
type Request struct {
	TenantID string                      `json:"tenant_id,omitempty"`
	Rule     contracts.ASTNode           `json:"rule"`
	Context  contracts.EvaluationContext `json:"context"`
}

// Outcome is the caller-facing verdict. A non-compliance finding is a
// successful evaluation; Status is "error" only for runtime faults.
type Outcome struct {
	Status           string                  `json:"status"`
	EntityType       string                  `json:"entity_type"`
	EntityID         string                  `json:"entity_id"`
	ComplianceLockID string                  `json:"compliance_lock_id"`
	Error            string                  `json:"error,omitempty"`
	DurationMs       float64                 `json:"duration_ms"`
	Result           contracts.HandlerResult `json:"result"`
}

// StatusOf classifies a kernel result by its trace status.
func StatusOf(res contracts.HandlerResult) string {
	switch {
	case res.IsFault():
		return contracts.StatusError
	case res.Success:
		return contracts.StatusCompliant
	default:
		return contracts.StatusNonCompliant
	}
}

type Options struct {
	// Registry defaults to the built-in handler catalog.
	Registry *kernelvm.Registry
	// Locks, when set, verifies the request's lock id names an active lock.
	Locks store.LockStore
	// Data fills in data_key references the caller did not preload.
	Data      DataSource
	Telemetry *observability.Provider
	Logger    *zap.Logger
	// Timeout bounds each evaluation cooperatively; zero means none.
	Timeout time.Duration
	// Clock stamps contexts that carry no timestamp.
	Clock func() time.Time
	// Concurrency bounds EvaluateBatch; defaults to 4.
	Concurrency int
	// RatePerSecond throttles EvaluateBatch when positive.
	RatePerSecond float64
	Burst         int
}

type Service struct {
	registry    *kernelvm.Registry
	locks       store.LockStore
	data        DataSource
	telemetry   *observability.Provider
	log         *zap.Logger
	timeout     time.Duration
	clock       func() time.Time
	concurrency int
	limiter     *rate.Limiter
}

func NewService(opts Options) (*Service, error) {
	s := &Service{
		registry:    opts.Registry,
		locks:       opts.Locks,
		data:        opts.Data,
		telemetry:   opts.Telemetry,
		log:         opts.Logger,
		timeout:     opts.Timeout,
		clock:       opts.Clock,
		concurrency: opts.Concurrency,
	}
	if s.registry == nil {
		s.registry = handlers.NewDefaultRegistry()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.concurrency <= 0 {
		s.concurrency = 4
	}
	if s.telemetry == nil {
		p, err := observability.New(context.Background(), nil, s.log)
		if err != nil {
			return nil, err
		}
		s.telemetry = p
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return s, nil
}

// Evaluate runs one request. Kernel faults come back as an Outcome with
// status error; the returned error is reserved for lock lookup and data
// fetch failures, and cancellation before the rule starts.
func (s *Service) Evaluate(ctx context.Context, req Request) (out *Outcome, err error) {
	ectx := req.Context
	ctx, finish := s.telemetry.TrackOperation(ctx, "rulekernel.evaluate",
		observability.EvaluationAttrs(ectx.ComplianceLockID, ectx.EntityType, ectx.VerticalID, req.Rule.Handler)...)
	defer func() { finish(err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.verifyLock(ctx, req.TenantID, ectx.ComplianceLockID); err != nil {
		return nil, err
	}
	if ectx.Timestamp.IsZero() {
		ectx.Timestamp = s.clock().UTC()
	}
	if err := s.prefetch(ctx, &req.Rule, &ectx); err != nil {
		return nil, err
	}

	start := time.Now()
	res := kernelvm.Evaluate(req.Rule, &ectx, s.registry,
		kernelvm.WithTimeout(s.timeout),
		kernelvm.WithContext(ctx))
	elapsed := time.Since(start)

	out = &Outcome{
		Status:           StatusOf(res),
		EntityType:       ectx.EntityType,
		EntityID:         ectx.EntityID,
		ComplianceLockID: ectx.ComplianceLockID,
		DurationMs:       float64(elapsed) / float64(time.Millisecond),
		Result:           res,
	}
	if res.Trace.Error != nil {
		out.Error = res.Trace.Error.Message
	}
	s.telemetry.RecordEvaluation(ctx, out.Status, elapsed,
		observability.AttrVerticalID.String(ectx.VerticalID))

	fields := []zap.Field{
		zap.String("entity_id", ectx.EntityID),
		zap.String("lock_id", ectx.ComplianceLockID),
		zap.String("status", out.Status),
		zap.Float64("duration_ms", out.DurationMs),
	}
	if out.Status == contracts.StatusError {
		s.log.Warn("evaluation fault", append(fields,
			zap.String("path", res.Trace.ExecutionPath), zap.String("error", out.Error))...)
	} else {
		s.log.Debug("evaluated", fields...)
	}
	return out, nil
}

func (s *Service) verifyLock(ctx context.Context, tenantID, lockID string) error {
	if s.locks == nil || lockID == "" {
		return nil
	}
	lock, err := s.locks.GetLock(ctx, tenantID, lockID)
	if err != nil {
		return fmt.Errorf("verify lock %s: %w", lockID, err)
	}
	if lock.Status != contracts.LockActive {
		return fmt.Errorf("%w: %s is %s", ErrLockInactive, lockID, lock.Status)
	}
	return nil
}

// prefetch fills ectx.Data with the data keys the rule reads that the
// caller left out. Caller-supplied values are never overwritten.
func (s *Service) prefetch(ctx context.Context, rule *contracts.ASTNode, ectx *contracts.EvaluationContext) error {
	if s.data == nil {
		return nil
	}
	var missing []string
	for _, k := range RequiredDataKeys(*rule) {
		if _, ok := ectx.Data[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	fetched, err := s.data.FetchData(ctx, ectx, missing)
	if err != nil {
		return fmt.Errorf("fetch data %v: %w", missing, err)
	}
	merged := make(map[string]any, len(ectx.Data)+len(fetched))
	maps.Copy(merged, fetched)
	maps.Copy(merged, ectx.Data)
	ectx.Data = merged
	return nil
}

// EvaluateBatch evaluates reqs with bounded parallelism, returning
// outcomes in request order. The first infrastructure error cancels the
// remaining requests.
func (s *Service) EvaluateBatch(ctx context.Context, reqs []Request) ([]*Outcome, error) {
	out := make([]*Outcome, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range reqs {
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			o, err := s.Evaluate(gctx, reqs[i])
			if err != nil {
				return fmt.Errorf("request %d (%s): %w", i, reqs[i].Context.EntityID, err)
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
