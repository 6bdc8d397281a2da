package handlers

import (
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

var celCheckMeta = contracts.HandlerMetadata{
	ID: "core:cel_check", Version: coreVersion, Category: contracts.CategoryValidation,
	Description: "Evaluates a boolean CEL expression over entity, data and input",
}

// celCacheSize bounds the compiled programs kept in memory. Expressions are
// authored by pack maintainers, so the working set is usually small.
const celCacheSize = 512

// celPrograms caches compiled programs by expression source, evicting the
// least recently used. Compiled programs are safe for concurrent use; the
// lru.Cache is not, so every lookup takes the lock.
type celPrograms struct {
	once     sync.Once
	env      *cel.Env
	envErr   error
	mu       sync.Mutex
	programs *lru.Cache
}

func newCELPrograms(size int) *celPrograms {
	return &celPrograms{programs: lru.New(size)}
}

var celCache = newCELPrograms(celCacheSize)

func (c *celPrograms) program(expr string) (cel.Program, error) {
	c.once.Do(func() {
		c.env, c.envErr = cel.NewEnv(
			cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("input", cel.DynType),
		)
	})
	if c.envErr != nil {
		return nil, c.envErr
	}

	c.mu.Lock()
	cached, ok := c.programs.Get(expr)
	c.mu.Unlock()
	if ok {
		return cached.(cel.Program), nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs.Add(expr, prg)
	c.mu.Unlock()
	return prg, nil
}

func (c *celPrograms) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.programs.Len()
}

type celCheckConfig struct {
	Expression string `json:"expression"`
}

func CELCheck() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: celCheckMeta, Execute: execCELCheck}
}

func execCELCheck(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg celCheckConfig
	if err := decodeConfig(celCheckMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}
	if cfg.Expression == "" {
		return contracts.HandlerResult{}, fmt.Errorf("%s: expression is required", celCheckMeta.ID)
	}

	prg, err := celCache.program(cfg.Expression)
	if err != nil {
		return contracts.HandlerResult{}, fmt.Errorf("%s: compile %q: %w", celCheckMeta.ID, cfg.Expression, err)
	}

	out, _, err := prg.Eval(map[string]any{
		"entity": orEmpty(ectx.EntityData),
		"data":   orEmpty(ectx.Data),
		"input":  input,
	})
	if err != nil {
		return contracts.HandlerResult{}, fmt.Errorf("%s: evaluate %q: %w", celCheckMeta.ID, cfg.Expression, err)
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return contracts.HandlerResult{}, fmt.Errorf("%s: expression %q returned %T, want bool", celCheckMeta.ID, cfg.Expression, out.Value())
	}

	b := kernelvm.NewResult(celCheckMeta, config).
		Step("Evaluate expression", kernelvm.PassLabel(pass), nil)
	value := map[string]any{"pass": pass, "expression": cfg.Expression}
	return b.Outcome(pass, value, fmt.Sprintf("%s -> %s", cfg.Expression, kernelvm.PassLabel(pass))), nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
