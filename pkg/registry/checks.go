package registry

import (
	"time"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/pack"
)

// LintResult is the structural check of a pack's rule.
type LintResult struct {
	Valid        bool                           `json:"valid"`
	PackName     string                         `json:"pack_name"`
	Errors       []contracts.ASTValidationError `json:"errors"`
	HandlersUsed []string                       `json:"handlers_used"`
	Complexity   int                            `json:"complexity"`
}

// TestResult is the outcome of running a pack's validation suite.
type TestResult struct {
	PackName  string                    `json:"pack_name"`
	Total     int                       `json:"total"`
	Passed    int                       `json:"passed"`
	Failed    int                       `json:"failed"`
	AllPassed bool                      `json:"all_passed"`
	ASTValid  bool                      `json:"ast_valid"`
	Results   []kernelvm.TestCaseResult `json:"results"`
}

// Lint validates the rule of p against registry. A pack without a rule
// has nothing to lint and is reported invalid.
func Lint(p *pack.LoadedPack, registry *kernelvm.Registry, opts ...kernelvm.ValidateOption) LintResult {
	res := LintResult{PackName: p.Manifest.Name, Errors: []contracts.ASTValidationError{}, HandlersUsed: []string{}}
	if p.Rule == nil {
		res.Errors = append(res.Errors, contracts.ASTValidationError{
			Path:  pack.ManifestFile,
			Error: "no logic_root specified, nothing to lint",
		})
		return res
	}
	v := kernelvm.ValidateAST(*p.Rule, registry, opts...)
	res.Valid = v.Valid
	res.Errors = append(res.Errors, v.Errors...)
	res.HandlersUsed = append(res.HandlersUsed, v.HandlersUsed...)
	res.Complexity = v.EstimatedComplexity
	return res
}

// Test runs the validation suite of p. Packs missing either a rule or a
// suite do not pass. opts bound the AST check that precedes the suite.
func Test(p *pack.LoadedPack, registry *kernelvm.Registry, now func() time.Time, opts ...kernelvm.ValidateOption) TestResult {
	res := TestResult{PackName: p.Manifest.Name, Results: []kernelvm.TestCaseResult{}}
	if p.Rule == nil {
		return res
	}
	if p.Suite == nil {
		res.ASTValid = true
		return res
	}
	sim := kernelvm.NewSimulator(registry,
		kernelvm.WithSimulationClock(now), kernelvm.WithValidationOptions(opts...))
	report := sim.Run(*p.Rule, *p.Suite)
	res.Total, res.Passed, res.Failed = report.Total, report.Passed, report.Failed
	res.ASTValid = report.ASTValid
	res.AllPassed = report.AllPassed()
	res.Results = append(res.Results, report.Results...)
	return res
}
