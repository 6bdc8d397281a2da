package pack

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm/handlers"
)

// InstallOptions configures CreateInstallPlan.
type InstallOptions struct {
	// AvailablePacks maps pack name to the pack that satisfies it.
	AvailablePacks map[string]*LoadedPack
	// Registry runs the validation suites. Defaults to the built-in catalog.
	Registry *kernelvm.Registry
	// HandlerVMVersion is pinned into the lock. Defaults to kernelvm.VMVersion.
	HandlerVMVersion string
	TenantID         string
	// ValidateOptions bound the AST check run before each suite.
	ValidateOptions []kernelvm.ValidateOption
	// Clock stamps the lock and suites that carry no timestamp.
	Clock  func() time.Time
	Logger *zap.Logger
}

// SimulationResult summarises the suite run of one resolved pack.
type SimulationResult struct {
	PackName    string                     `json:"pack_name"`
	PackVersion string                     `json:"pack_version"`
	Simulated   bool                       `json:"simulated"`
	Total       int                        `json:"total"`
	Passed      int                        `json:"passed"`
	Failed      int                        `json:"failed"`
	AllPassed   bool                       `json:"all_passed"`
	ASTValid    bool                       `json:"ast_valid"`
	Report      *kernelvm.SimulationReport `json:"report,omitempty"`
}

// InstallPlan is the outcome of resolving and simulating a pack closure.
// PacksToInstall is empty and Lock is nil unless Valid.
type InstallPlan struct {
	Valid             bool                      `json:"valid"`
	Errors            []string                  `json:"errors"`
	PacksToInstall    []*LoadedPack             `json:"packs_to_install"`
	ResolvedOrder     []string                  `json:"resolved_order"`
	SimulationResults []SimulationResult        `json:"simulation_results"`
	Lock              *contracts.ComplianceLock `json:"lock,omitempty"`
}

// CreateInstallPlan resolves the dependency closure of root, simulates every
// pack in it and, when everything passes, synthesises a ComplianceLock.
// A plan is all-or-nothing: any error leaves it invalid with nothing to
// install.
func CreateInstallPlan(root *LoadedPack, opts InstallOptions) *InstallPlan {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	vmVersion := opts.HandlerVMVersion
	if vmVersion == "" {
		vmVersion = kernelvm.VMVersion
	}
	registry := opts.Registry
	if registry == nil {
		registry = handlers.NewDefaultRegistry()
	}

	plan := &InstallPlan{
		Errors:            []string{},
		PacksToInstall:    []*LoadedPack{},
		ResolvedOrder:     []string{},
		SimulationResults: []SimulationResult{},
	}

	r := &resolver{available: opts.AvailablePacks, visited: make(map[string]bool)}
	r.visit(root)
	for _, p := range r.order {
		plan.ResolvedOrder = append(plan.ResolvedOrder, p.Key())
	}
	plan.Errors = append(plan.Errors, r.errors...)

	for _, p := range r.order {
		if err := CheckHandlerVM(p.Manifest, vmVersion); err != nil {
			plan.Errors = append(plan.Errors, err.Error())
		}
	}
	if len(plan.Errors) > 0 {
		log.Warn("install plan rejected during resolution",
			zap.String("root", root.Key()), zap.Strings("errors", plan.Errors))
		return plan
	}

	sim := kernelvm.NewSimulator(registry,
		kernelvm.WithSimulationClock(now), kernelvm.WithValidationOptions(opts.ValidateOptions...))
	for _, p := range r.order {
		res := simulate(sim, p)
		plan.SimulationResults = append(plan.SimulationResults, res)
		if !res.AllPassed {
			plan.Errors = append(plan.Errors,
				fmt.Sprintf("Simulation failed for %s: %d/%d tests failed", p.Manifest.Name, res.Failed, res.Total))
		}
		log.Debug("simulated pack",
			zap.String("pack", p.Key()), zap.Bool("simulated", res.Simulated),
			zap.Int("passed", res.Passed), zap.Int("total", res.Total))
	}
	if len(plan.Errors) > 0 {
		log.Warn("install plan rejected by simulation",
			zap.String("root", root.Key()), zap.Strings("errors", plan.Errors))
		return plan
	}

	lock, err := newLock(root, r.order, opts.TenantID, vmVersion, now())
	if err != nil {
		plan.Errors = append(plan.Errors, err.Error())
		return plan
	}

	plan.Valid = true
	plan.PacksToInstall = r.order
	plan.Lock = lock
	log.Info("install plan ready",
		zap.String("root", root.Key()), zap.String("lock_id", lock.LockID),
		zap.Int("packs", len(r.order)))
	return plan
}

// resolver walks dependencies depth first, appending each pack after its
// dependencies. Dependency names are visited in sorted order.
type resolver struct {
	available map[string]*LoadedPack
	visited   map[string]bool
	order     []*LoadedPack
	errors    []string
}

func (r *resolver) visit(p *LoadedPack) {
	key := p.Key()
	if r.visited[key] {
		return
	}
	r.visited[key] = true

	names := make([]string, 0, len(p.Manifest.Dependencies))
	for name := range p.Manifest.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dep, ok := r.available[name]
		if !ok || dep == nil {
			r.errors = append(r.errors, fmt.Sprintf("Missing dependency: %s required by %s", name, p.Manifest.Name))
			continue
		}
		r.visit(dep)
	}
	r.order = append(r.order, p)
}

func simulate(sim *kernelvm.Simulator, p *LoadedPack) SimulationResult {
	res := SimulationResult{PackName: p.Manifest.Name, PackVersion: p.Manifest.Version}
	if p.Rule == nil || p.Suite == nil {
		res.AllPassed, res.ASTValid = true, true
		return res
	}
	report := sim.Run(*p.Rule, *p.Suite)
	res.Simulated = true
	res.Total, res.Passed, res.Failed = report.Total, report.Passed, report.Failed
	res.ASTValid = report.ASTValid
	res.AllPassed = report.AllPassed()
	res.Report = &report
	return res
}
