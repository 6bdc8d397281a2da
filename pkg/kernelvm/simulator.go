package kernelvm

import (
	"time"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// Synthetic context values used for simulated evaluations.
const (
	SimulatorLockID     = "simulator"
	SimulatorEntityType = "test"
	SimulatorMarket     = "test"
)

// TestCaseResult is the outcome of one validation-suite case.
type TestCaseResult struct {
	TestCaseID     string                   `json:"test_case_id"`
	Description    string                   `json:"description"`
	ExpectedStatus string                   `json:"expected_status"`
	ActualStatus   string                   `json:"actual_status"`
	Match          bool                     `json:"match"`
	Value          any                      `json:"value,omitempty"`
	Trace          contracts.ExecutionTrace `json:"trace"`
	Explanation    contracts.Explanation    `json:"explanation"`
	Error          string                   `json:"error,omitempty"`
}

// SimulationReport summarises a suite run.
type SimulationReport struct {
	ASTValid  bool                           `json:"ast_valid"`
	ASTErrors []contracts.ASTValidationError `json:"ast_errors"`
	Total     int                            `json:"total"`
	Passed    int                            `json:"passed"`
	Failed    int                            `json:"failed"`
	Results   []TestCaseResult               `json:"results"`
}

// AllPassed reports whether the rule was valid and every case matched.
func (r SimulationReport) AllPassed() bool {
	return r.ASTValid && r.Failed == 0
}

// Simulator runs a rule against a validation suite.
type Simulator struct {
	registry     *Registry
	clock        func() time.Time
	evalOpts     []Option
	validateOpts []ValidateOption
}

type SimulatorOption func(*Simulator)

// WithSimulationClock supplies the timestamp for cases that carry none.
func WithSimulationClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithEvaluationOptions applies evaluator options to every case.
func WithEvaluationOptions(opts ...Option) SimulatorOption {
	return func(s *Simulator) { s.evalOpts = append(s.evalOpts, opts...) }
}

func WithValidationOptions(opts ...ValidateOption) SimulatorOption {
	return func(s *Simulator) { s.validateOpts = append(s.validateOpts, opts...) }
}

func NewSimulator(registry *Registry, opts ...SimulatorOption) *Simulator {
	s := &Simulator{registry: registry, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run validates ast and, only if it is structurally valid, evaluates every
// test case. An invalid rule yields ast_valid=false with no results.
func (s *Simulator) Run(ast contracts.ASTNode, suite contracts.ValidationSuite) SimulationReport {
	v := ValidateAST(ast, s.registry, s.validateOpts...)
	if !v.Valid {
		return SimulationReport{
			ASTValid:  false,
			ASTErrors: v.Errors,
			Results:   []TestCaseResult{},
		}
	}

	report := SimulationReport{
		ASTValid:  true,
		ASTErrors: []contracts.ASTValidationError{},
		Results:   make([]TestCaseResult, 0, len(suite.TestCases)),
	}
	for _, tc := range suite.TestCases {
		r := Evaluate(ast, s.contextFor(tc, suite), s.registry, s.evalOpts...)
		actual := StatusOf(r.Success)

		res := TestCaseResult{
			TestCaseID:     tc.ID,
			Description:    tc.Description,
			ExpectedStatus: tc.ExpectedStatus,
			ActualStatus:   actual,
			Match:          actual == tc.ExpectedStatus,
			Value:          r.Value,
			Trace:          r.Trace,
			Explanation:    r.Explanation,
		}
		if r.IsFault() && r.Trace.Error != nil {
			res.Error = r.Trace.Error.Message
		}
		report.Results = append(report.Results, res)
		if res.Match {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	report.Total = len(report.Results)
	return report
}

func (s *Simulator) contextFor(tc contracts.TestCase, suite contracts.ValidationSuite) *contracts.EvaluationContext {
	entityType := tc.EntityType
	if entityType == "" {
		entityType = SimulatorEntityType
	}
	market := tc.Market
	if market == "" {
		market = suite.Market
	}
	if market == "" {
		market = SimulatorMarket
	}
	var ts time.Time
	switch {
	case tc.Timestamp != nil:
		ts = *tc.Timestamp
	case suite.Timestamp != nil:
		ts = *suite.Timestamp
	default:
		ts = s.clock().UTC()
	}
	data := tc.ContextData
	if data == nil {
		data = map[string]any{}
	}
	return &contracts.EvaluationContext{
		EntityType:       entityType,
		EntityID:         tc.ID,
		EntityData:       tc.EntityData,
		Data:             data,
		ComplianceLockID: SimulatorLockID,
		VerticalID:       suite.VerticalID,
		Market:           market,
		Timestamp:        ts,
	}
}

// StatusOf maps a kernel success flag onto a compliance status.
func StatusOf(success bool) string {
	if success {
		return contracts.StatusCompliant
	}
	return contracts.StatusNonCompliant
}
