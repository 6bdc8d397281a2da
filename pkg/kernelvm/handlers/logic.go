package handlers

import (
	"fmt"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

var (
	andMeta = contracts.HandlerMetadata{
		ID: "core:and", Version: coreVersion, Category: contracts.CategoryLogic,
		Description: "Logical AND: passes when every condition passes",
	}
	orMeta = contracts.HandlerMetadata{
		ID: "core:or", Version: coreVersion, Category: contracts.CategoryLogic,
		Description: "Logical OR: passes when any condition passes",
	}
	notMeta = contracts.HandlerMetadata{
		ID: "core:not", Version: coreVersion, Category: contracts.CategoryLogic,
		Description: "Logical NOT: inverts a condition",
	}
	ifThenMeta = contracts.HandlerMetadata{
		ID: "core:if_then", Version: coreVersion, Category: contracts.CategoryLogic,
		Description: "Conditional branching: evaluates then or else based on the if condition",
	}
	pipeMeta = contracts.HandlerMetadata{
		ID: "core:pipe", Version: coreVersion, Category: contracts.CategoryLogic,
		Description: "Sequential pipeline: the value of each step is the input of the next",
	}
	forEachMeta = contracts.HandlerMetadata{
		ID: "core:for_each", Version: coreVersion, Category: contracts.CategoryLogic,
		Description: "Applies a validation to every item of a collection",
	}
)

type conditionsConfig struct {
	Conditions   []contracts.ASTNode `json:"conditions"`
	ShortCircuit bool                `json:"short_circuit"`
}

func And() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: andMeta, Execute: combine(andMeta, true)}
}

func Or() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: orMeta, Execute: combine(orMeta, false)}
}

// combine implements and (requireAll) and or. With short_circuit set,
// evaluation stops at the first result that decides the outcome.
func combine(meta contracts.HandlerMetadata, requireAll bool) kernelvm.ExecuteFunc {
	return func(config map[string]any, input any, ectx *contracts.EvaluationContext, eval kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
		var cfg conditionsConfig
		if err := decodeConfig(meta.ID, config, &cfg); err != nil {
			return contracts.HandlerResult{}, err
		}

		b := kernelvm.NewResult(meta, input)
		passed := 0
		for i, cond := range cfg.Conditions {
			child := eval(cond, ectx, input)
			if child.IsFault() {
				return contracts.HandlerResult{}, childFault(meta.ID, fmt.Sprintf("condition %d", i), child)
			}
			b.Child(child)
			b.Step(fmt.Sprintf("Evaluate condition %d", i), kernelvm.PassLabel(child.Success), nil)
			if child.Success {
				passed++
			}
			if cfg.ShortCircuit && child.Success != requireAll {
				break
			}
		}

		total := len(cfg.Conditions)
		pass := passed > 0
		name := "OR"
		if requireAll {
			pass = passed == total
			name = "AND"
		}
		value := map[string]any{"pass": pass, "passed": passed, "total": total}
		return b.Outcome(pass, value, fmt.Sprintf("%s: %d/%d conditions passed", name, passed, total)), nil
	}
}

// childFault reports a faulted child as a fault of its parent. A composite
// never turns an error into a plain failure or a pass.
func childFault(handlerID, what string, child contracts.HandlerResult) error {
	msg := child.Explanation.Summary
	if child.Trace.Error != nil {
		msg = child.Trace.Error.Message
	}
	return fmt.Errorf("%s: %s did not evaluate: %s", handlerID, what, msg)
}

type notConfig struct {
	Condition *contracts.ASTNode `json:"condition"`
}

func Not() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: notMeta, Execute: execNot}
}

// execNot inverts a finding. A faulted condition stays a fault.
func execNot(config map[string]any, input any, ectx *contracts.EvaluationContext, eval kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg notConfig
	if err := decodeConfig(notMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}
	if cfg.Condition == nil {
		return contracts.HandlerResult{}, fmt.Errorf("%s: condition is required", notMeta.ID)
	}

	child := eval(*cfg.Condition, ectx, input)
	if child.IsFault() {
		return contracts.HandlerResult{}, childFault(notMeta.ID, "negated condition", child)
	}

	pass := !child.Success
	b := kernelvm.NewResult(notMeta, input).
		Child(child).
		Step("Negate condition", kernelvm.PassLabel(pass), nil)
	value := map[string]any{"pass": pass, "negated": true}
	return b.Outcome(pass, value, fmt.Sprintf("NOT(%s) -> %s", kernelvm.PassLabel(child.Success), kernelvm.PassLabel(pass))), nil
}

type ifThenConfig struct {
	If                 *contracts.ASTNode `json:"if"`
	Then               *contracts.ASTNode `json:"then"`
	Else               *contracts.ASTNode `json:"else"`
	DefaultWhenSkipped bool               `json:"default_when_skipped"`
}

func IfThen() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: ifThenMeta, Execute: execIfThen}
}

func execIfThen(config map[string]any, input any, ectx *contracts.EvaluationContext, eval kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg ifThenConfig
	if err := decodeConfig(ifThenMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}
	if cfg.If == nil || cfg.Then == nil {
		return contracts.HandlerResult{}, fmt.Errorf("%s: if and then are required", ifThenMeta.ID)
	}

	b := kernelvm.NewResult(ifThenMeta, input)
	cond := eval(*cfg.If, ectx, input)
	if cond.IsFault() {
		return contracts.HandlerResult{}, childFault(ifThenMeta.ID, "IF condition", cond)
	}
	b.Child(cond).Step("Evaluate IF condition", kernelvm.PassLabel(cond.Success), nil)

	if cond.Success {
		then := eval(*cfg.Then, ectx, input)
		if then.IsFault() {
			return contracts.HandlerResult{}, childFault(ifThenMeta.ID, "THEN branch", then)
		}
		b.Child(then).Step("Evaluate THEN branch", kernelvm.PassLabel(then.Success), nil)
		value := map[string]any{"pass": then.Success, "branch": "then"}
		return b.Outcome(then.Success, value, "IF passed -> THEN "+kernelvm.PassLabel(then.Success)), nil
	}

	if cfg.Else != nil {
		els := eval(*cfg.Else, ectx, input)
		if els.IsFault() {
			return contracts.HandlerResult{}, childFault(ifThenMeta.ID, "ELSE branch", els)
		}
		b.Child(els).Step("Evaluate ELSE branch", kernelvm.PassLabel(els.Success), nil)
		value := map[string]any{"pass": els.Success, "branch": "else"}
		return b.Outcome(els.Success, value, "IF failed -> ELSE "+kernelvm.PassLabel(els.Success)), nil
	}

	pass := cfg.DefaultWhenSkipped
	b.Step("No ELSE branch", "SKIPPED", nil)
	value := map[string]any{"pass": pass, "branch": "skipped"}
	return b.Outcome(pass, value, fmt.Sprintf("IF failed -> skipped (default: %t)", pass)), nil
}

type pipeConfig struct {
	Steps []contracts.ASTNode `json:"steps"`
}

func Pipe() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: pipeMeta, Execute: execPipe}
}

// execPipe threads each step's value into the next step. It stops at the
// first failing step and returns that step's value.
func execPipe(config map[string]any, input any, ectx *contracts.EvaluationContext, eval kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg pipeConfig
	if err := decodeConfig(pipeMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	b := kernelvm.NewResult(pipeMeta, input)
	current := input
	for i, step := range cfg.Steps {
		res := eval(step, ectx, current)
		if res.IsFault() {
			return contracts.HandlerResult{}, childFault(pipeMeta.ID, fmt.Sprintf("step %d", i+1), res)
		}
		b.Child(res)
		if !res.Success {
			b.Step(fmt.Sprintf("Step %d", i+1), "FAIL", map[string]any{"summary": res.Explanation.Summary})
			return b.Fail(res.Value, fmt.Sprintf("Pipe failed at step %d/%d", i+1, len(cfg.Steps))), nil
		}
		b.Step(fmt.Sprintf("Step %d", i+1), "PASS", nil)
		current = res.Value
	}
	return b.Pass(current, fmt.Sprintf("Pipe completed %d steps", len(cfg.Steps))), nil
}

type forEachConfig struct {
	Source     any                `json:"source"`
	Validation *contracts.ASTNode `json:"validation"`
	Require    string             `json:"require"`
}

func ForEach() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: forEachMeta, Execute: execForEach}
}

func execForEach(config map[string]any, input any, ectx *contracts.EvaluationContext, eval kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg forEachConfig
	if err := decodeConfig(forEachMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}
	if cfg.Validation == nil {
		return contracts.HandlerResult{}, fmt.Errorf("%s: validation is required", forEachMeta.ID)
	}
	require := cfg.Require
	if require != "any" && require != "none" {
		require = "all"
	}

	b := kernelvm.NewResult(forEachMeta, input)
	items, ok := kernelvm.ToSlice(kernelvm.Resolve(cfg.Source, ectx, input))
	if !ok {
		return b.Error("source is not an array").
			Fail(map[string]any{"pass": false, "error": "source is not an array"},
				"for_each: source did not resolve to an array"), nil
	}

	passed := 0
	failures := []any{}
	for i, item := range items {
		res := eval(*cfg.Validation, ectx, item)
		if res.IsFault() {
			return contracts.HandlerResult{}, childFault(forEachMeta.ID, fmt.Sprintf("item %d", i), res)
		}
		b.Child(res).Step(fmt.Sprintf("Item %d", i), kernelvm.PassLabel(res.Success), nil)
		if res.Success {
			passed++
			continue
		}
		failures = append(failures, map[string]any{"index": i, "item": item})
	}

	total := len(items)
	var pass bool
	switch require {
	case "any":
		pass = passed > 0
	case "none":
		pass = passed == 0
	default:
		pass = passed == total
	}
	value := map[string]any{"pass": pass, "passed": passed, "total": total, "failures": failures}
	return b.Outcome(pass, value, fmt.Sprintf("for_each (%s): %d/%d passed", require, passed, total)), nil
}
