package kernelvm

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// RootPath is the execution path of the root node.
const RootPath = "root"

type evalOptions struct {
	timeout time.Duration
	ctx     context.Context
	now     func() time.Time
}

// Option configures a single evaluation.
type Option func(*evalOptions)

// WithTimeout bounds the evaluation. The deadline is cooperative: it is
// checked when a node is entered and again when its handler returns. A
// handler that never returns is not interrupted.
func WithTimeout(d time.Duration) Option {
	return func(o *evalOptions) { o.timeout = d }
}

// WithContext makes cancellation of ctx observable at the same node
// boundaries as the timeout.
func WithContext(ctx context.Context) Option {
	return func(o *evalOptions) { o.ctx = ctx }
}

// WithClock replaces the clock used for deadlines and trace durations.
// Rule semantics never depend on it; temporal handlers use the context
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *evalOptions) {
		if now != nil {
			o.now = now
		}
	}
}

type evaluator struct {
	registry *Registry
	opts     evalOptions
	deadline time.Time
}

// Evaluate runs ast against ectx. It never panics: unknown handlers,
// handler errors, panics and timeouts all come back as results with
// trace status "error". The root node receives ectx.EntityData as input.
func Evaluate(ast contracts.ASTNode, ectx *contracts.EvaluationContext, registry *Registry, opts ...Option) contracts.HandlerResult {
	o := evalOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ectx == nil {
		ectx = &contracts.EvaluationContext{}
	}
	if registry == nil {
		registry = NewRegistry()
	}

	e := &evaluator{registry: registry, opts: o}
	if o.timeout > 0 {
		e.deadline = o.now().Add(o.timeout)
	}
	return e.node(ast, ectx, ectx.EntityData, RootPath)
}

func (e *evaluator) node(node contracts.ASTNode, ectx *contracts.EvaluationContext, input any, path string) contracts.HandlerResult {
	if reason, done := e.expired(); done {
		return FaultResult(node.Handler, "", path, node.Config,
			fmt.Sprintf("Evaluation timeout at %s: %s", node.Handler, reason), "")
	}

	def, ok := e.registry.Get(node.Handler)
	if !ok {
		return FaultResult(node.Handler, "", path, node.Config, "Unknown handler: "+node.Handler, "")
	}

	evalChild := func(child contracts.ASTNode, cctx *contracts.EvaluationContext, childInput any) contracts.HandlerResult {
		if cctx == nil {
			cctx = ectx
		}
		if childInput == nil {
			childInput = input
		}
		return e.node(child, cctx, childInput, path+" > "+child.Handler)
	}

	start := e.opts.now()
	res, fault := e.invoke(def, node.Config, input, ectx, evalChild)
	elapsed := e.opts.now().Sub(start)

	if fault != nil {
		res = FaultResult(def.ID, def.Version, path, node.Config, fault.Message, fault.Stack)
		res.Trace.DurationMs = millis(elapsed)
		return res
	}

	if reason, done := e.expired(); done {
		res = FaultResult(def.ID, def.Version, path, node.Config,
			fmt.Sprintf("Evaluation timeout after %s: %s", def.ID, reason), "")
		res.Trace.DurationMs = millis(elapsed)
		return res
	}

	if res.Trace.HandlerID == "" {
		res.Trace.HandlerID = def.ID
	}
	if res.Trace.HandlerVersion == "" {
		res.Trace.HandlerVersion = def.Version
	}
	res.Trace.ExecutionPath = path
	res.Trace.DurationMs = millis(elapsed)
	return res
}

func (e *evaluator) invoke(def HandlerDefinition, config map[string]any, input any, ectx *contracts.EvaluationContext, eval EvaluateFunc) (res contracts.HandlerResult, fault *contracts.TraceErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			fault = &contracts.TraceErrorInfo{
				Message: fmt.Sprintf("handler %s panicked: %v", def.ID, r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	res, err := def.Execute(config, input, ectx, eval)
	if err != nil {
		return res, &contracts.TraceErrorInfo{Message: err.Error()}
	}
	return res, nil
}

func (e *evaluator) expired() (string, bool) {
	if e.opts.ctx != nil {
		if err := e.opts.ctx.Err(); err != nil {
			return err.Error(), true
		}
	}
	if !e.deadline.IsZero() && !e.opts.now().Before(e.deadline) {
		return fmt.Sprintf("exceeded %dms limit", e.opts.timeout.Milliseconds()), true
	}
	return "", false
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
