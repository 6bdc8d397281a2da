package contracts

// TraceStatus is the outcome recorded on an execution trace.
type TraceStatus string

const (
	TraceSuccess TraceStatus = "success"
	TraceFailed  TraceStatus = "failed"
	TraceError   TraceStatus = "error"
)

// HandlerResult is what every handler returns. Success=false with a failed
// trace is a compliance finding; with an error trace it is a fault.
type HandlerResult struct {
	Success     bool           `json:"success"`
	Value       any            `json:"value"`
	Explanation Explanation    `json:"explanation"`
	Trace       ExecutionTrace `json:"trace"`
	Warnings    []Warning      `json:"warnings,omitempty"`
}

// Explanation is the human-readable account of a result.
type Explanation struct {
	Summary    string            `json:"summary"`
	Steps      []ExplanationStep `json:"steps"`
	References []Reference       `json:"references,omitempty"`
}

type ExplanationStep struct {
	Action string `json:"action"`
	Result string `json:"result"`
	Data   any    `json:"data,omitempty"`
}

// Reference points at the regulation or document backing a result.
type Reference struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// ExecutionTrace records one node's execution. Child traces form a tree
// mirroring the evaluated part of the rule.
type ExecutionTrace struct {
	HandlerID      string           `json:"handler_id"`
	HandlerVersion string           `json:"handler_version"`
	DurationMs     float64          `json:"duration_ms"`
	Input          any              `json:"input"`
	Output         any              `json:"output"`
	ExecutionPath  string           `json:"execution_path"`
	Status         TraceStatus      `json:"status"`
	ChildTraces    []ExecutionTrace `json:"child_traces,omitempty"`
	Error          *TraceErrorInfo  `json:"error,omitempty"`
}

// TraceErrorInfo carries the message and optional stack of a fault.
type TraceErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// IsFault reports whether the result is a runtime fault rather than a
// business outcome.
func (r HandlerResult) IsFault() bool {
	return r.Trace.Status == TraceError
}
