package kernelvm

import (
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// ResultBuilder assembles a HandlerResult with a consistent trace and
// explanation shape. The evaluator fills in duration and execution path.
type ResultBuilder struct {
	meta     contracts.HandlerMetadata
	input    any
	steps    []contracts.ExplanationStep
	refs     []contracts.Reference
	warnings []contracts.Warning
	children []contracts.ExecutionTrace
	errMsg   string
}

// NewResult starts a result for the handler described by meta. input is
// recorded on the trace.
func NewResult(meta contracts.HandlerMetadata, input any) *ResultBuilder {
	return &ResultBuilder{meta: meta, input: input}
}

func (b *ResultBuilder) Step(action, result string, data any) *ResultBuilder {
	b.steps = append(b.steps, contracts.ExplanationStep{Action: action, Result: result, Data: data})
	return b
}

func (b *ResultBuilder) Reference(ref contracts.Reference) *ResultBuilder {
	b.refs = append(b.refs, ref)
	return b
}

func (b *ResultBuilder) Warn(code, message, path string) *ResultBuilder {
	b.warnings = append(b.warnings, contracts.Warning{Code: code, Message: message, Path: path})
	return b
}

// Child records the trace of a child evaluation.
func (b *ResultBuilder) Child(r contracts.HandlerResult) *ResultBuilder {
	b.children = append(b.children, r.Trace)
	return b
}

// Error attaches a diagnostic message to a failed result's trace.
func (b *ResultBuilder) Error(message string) *ResultBuilder {
	b.errMsg = message
	return b
}

// Pass returns a successful result.
func (b *ResultBuilder) Pass(value any, summary string) contracts.HandlerResult {
	return b.build(true, contracts.TraceSuccess, value, summary)
}

// Fail returns a compliance finding: success=false with a failed trace.
func (b *ResultBuilder) Fail(value any, summary string) contracts.HandlerResult {
	return b.build(false, contracts.TraceFailed, value, summary)
}

// Outcome returns Pass or Fail depending on ok.
func (b *ResultBuilder) Outcome(ok bool, value any, summary string) contracts.HandlerResult {
	if ok {
		return b.Pass(value, summary)
	}
	return b.Fail(value, summary)
}

func (b *ResultBuilder) build(success bool, status contracts.TraceStatus, value any, summary string) contracts.HandlerResult {
	steps := b.steps
	if steps == nil {
		steps = []contracts.ExplanationStep{}
	}
	trace := contracts.ExecutionTrace{
		HandlerID:      b.meta.ID,
		HandlerVersion: b.meta.Version,
		Input:          b.input,
		Output:         value,
		ExecutionPath:  b.meta.ID,
		Status:         status,
		ChildTraces:    b.children,
	}
	if b.errMsg != "" && !success {
		trace.Error = &contracts.TraceErrorInfo{Message: b.errMsg}
	}
	return contracts.HandlerResult{
		Success: success,
		Value:   value,
		Explanation: contracts.Explanation{
			Summary:    summary,
			Steps:      steps,
			References: b.refs,
		},
		Trace:    trace,
		Warnings: b.warnings,
	}
}

// FaultResult builds the synthetic status=error result used for unknown
// handlers, timeouts, handler errors and recovered panics.
func FaultResult(handlerID, version, path string, input any, message, stack string) contracts.HandlerResult {
	return contracts.HandlerResult{
		Success: false,
		Value:   nil,
		Explanation: contracts.Explanation{
			Summary: message,
			Steps:   []contracts.ExplanationStep{},
		},
		Trace: contracts.ExecutionTrace{
			HandlerID:      handlerID,
			HandlerVersion: version,
			Input:          input,
			ExecutionPath:  path,
			Status:         contracts.TraceError,
			Error:          &contracts.TraceErrorInfo{Message: message, Stack: stack},
		},
	}
}

// PassLabel renders a boolean the way explanation steps report it.
func PassLabel(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
