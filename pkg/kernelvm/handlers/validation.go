package handlers

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

var (
	thresholdMeta = contracts.HandlerMetadata{
		ID: "core:threshold_check", Version: coreVersion, Category: contracts.CategoryValidation,
		Description: "Checks a numeric value against a threshold with optional tolerance",
	}
	absenceMeta = contracts.HandlerMetadata{
		ID: "core:absence_check", Version: coreVersion, Category: contracts.CategoryValidation,
		Description: "Checks that no prohibited item appears in the source",
	}
	listMeta = contracts.HandlerMetadata{
		ID: "core:list_check", Version: coreVersion, Category: contracts.CategoryValidation,
		Description: "Checks values against an allowlist or blocklist",
	}
	completenessMeta = contracts.HandlerMetadata{
		ID: "core:completeness_check", Version: coreVersion, Category: contracts.CategoryValidation,
		Description: "Checks that required fields are present and non-empty",
	}
)

type thresholdConfig struct {
	citation
	Value     any     `json:"value"`
	Operator  string  `json:"operator"`
	Threshold any     `json:"threshold"`
	Tolerance float64 `json:"tolerance"`
}

func ThresholdCheck() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: thresholdMeta, Execute: execThreshold}
}

// compareThreshold applies op with the tolerance widening the passing side.
func compareThreshold(v float64, op string, t, tol float64) (bool, error) {
	switch op {
	case "gt":
		return v > t-tol, nil
	case "gte":
		return v >= t-tol, nil
	case "lt":
		return v < t+tol, nil
	case "lte":
		return v <= t+tol, nil
	case "eq":
		return math.Abs(v-t) <= tol, nil
	case "ne":
		return math.Abs(v-t) > tol, nil
	default:
		return false, fmt.Errorf("%s: unknown operator %q", thresholdMeta.ID, op)
	}
}

func execThreshold(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg thresholdConfig
	if err := decodeConfig(thresholdMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	b := cfg.cite(kernelvm.NewResult(thresholdMeta, config))
	raw := kernelvm.Resolve(cfg.Value, ectx, input)
	v, ok := kernelvm.ToFloat(raw)
	if !ok {
		return b.Error("value is not numeric").
			Fail(map[string]any{"pass": false, "value": raw, "operator": cfg.Operator},
				fmt.Sprintf("Value %v is not numeric", raw)), nil
	}
	t, ok := kernelvm.ToFloat(kernelvm.Resolve(cfg.Threshold, ectx, input))
	if !ok {
		return contracts.HandlerResult{}, fmt.Errorf("%s: threshold is not numeric", thresholdMeta.ID)
	}

	pass, err := compareThreshold(v, cfg.Operator, t, cfg.Tolerance)
	if err != nil {
		return contracts.HandlerResult{}, err
	}

	b.Step("Compare value to threshold", fmt.Sprintf("%g %s %g", v, cfg.Operator, t), nil)
	if pass && cfg.Tolerance != 0 {
		if strict, _ := compareThreshold(v, cfg.Operator, t, 0); !strict {
			b.Warn("within_tolerance",
				fmt.Sprintf("%g passes %s %g only within tolerance %g", v, cfg.Operator, t, cfg.Tolerance), "value")
		}
	}
	value := map[string]any{
		"pass":      pass,
		"value":     v,
		"threshold": t,
		"operator":  cfg.Operator,
		"tolerance": cfg.Tolerance,
	}
	return b.Outcome(pass, value, fmt.Sprintf("%g %s %g -> %s", v, cfg.Operator, t, kernelvm.PassLabel(pass))), nil
}

type absenceConfig struct {
	citation
	Source     any `json:"source"`
	Prohibited any `json:"prohibited"`
}

func AbsenceCheck() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: absenceMeta, Execute: execAbsence}
}

func execAbsence(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg absenceConfig
	if err := decodeConfig(absenceMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	source := asList(kernelvm.Resolve(cfg.Source, ectx, input))
	prohibited := newValueSet(asList(kernelvm.Resolve(cfg.Prohibited, ectx, input)))

	found := []any{}
	for _, item := range source {
		if prohibited.has(item) {
			found = append(found, item)
		}
	}
	pass := len(found) == 0

	b := cfg.cite(kernelvm.NewResult(absenceMeta, config)).
		Step("Check against prohibited list", kernelvm.PassLabel(pass), map[string]any{"found": found})
	summary := "No prohibited items found"
	if !pass {
		summary = fmt.Sprintf("%d prohibited item(s): %v", len(found), found)
	}
	value := map[string]any{"pass": pass, "found": found, "checked": len(source)}
	return b.Outcome(pass, value, summary), nil
}

type listConfig struct {
	citation
	Value      any    `json:"value"`
	ListSource any    `json:"list_source"`
	ListType   string `json:"list_type"`
}

func ListCheck() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: listMeta, Execute: execList}
}

func execList(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg listConfig
	if err := decodeConfig(listMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}
	if cfg.ListType != "allowlist" && cfg.ListType != "blocklist" {
		return contracts.HandlerResult{}, fmt.Errorf("%s: list_type must be allowlist or blocklist, got %q", listMeta.ID, cfg.ListType)
	}

	values := asList(kernelvm.Resolve(cfg.Value, ectx, input))
	list := newValueSet(asList(kernelvm.Resolve(cfg.ListSource, ectx, input)))

	inList, notInList := []any{}, []any{}
	for _, v := range values {
		if list.has(v) {
			inList = append(inList, v)
		} else {
			notInList = append(notInList, v)
		}
	}
	pass := len(inList) == 0
	if cfg.ListType == "allowlist" {
		pass = len(notInList) == 0
	}

	b := cfg.cite(kernelvm.NewResult(listMeta, config)).
		Step("Check "+cfg.ListType, kernelvm.PassLabel(pass), map[string]any{"in_list": inList, "not_in_list": notInList})
	value := map[string]any{"pass": pass, "list_type": cfg.ListType, "in_list": inList, "not_in_list": notInList}
	return b.Outcome(pass, value,
		fmt.Sprintf("%s: %d/%d in list -> %s", cfg.ListType, len(inList), len(values), kernelvm.PassLabel(pass))), nil
}

type completenessConfig struct {
	citation
	Entity            any      `json:"entity"`
	RequiredFields    []string `json:"required_fields"`
	MinimumCompletion *float64 `json:"minimum_completion"`
}

func CompletenessCheck() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: completenessMeta, Execute: execCompleteness}
}

// present treats nil, "" and empty lists as missing.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	}
	if items, isList := kernelvm.ToSlice(v); isList {
		return len(items) > 0
	}
	return true
}

func execCompleteness(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg completenessConfig
	if err := decodeConfig(completenessMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	// {"field": ""} resolves to the whole entity through the empty path.
	entity := kernelvm.Resolve(cfg.Entity, ectx, input)

	presentFields, missing := []string{}, []string{}
	for _, f := range cfg.RequiredFields {
		if present(kernelvm.Lookup(entity, f)) {
			presentFields = append(presentFields, f)
		} else {
			missing = append(missing, f)
		}
	}

	completion := 1.0
	if len(cfg.RequiredFields) > 0 {
		completion = float64(len(presentFields)) / float64(len(cfg.RequiredFields))
	}
	minimum := 1.0
	if cfg.MinimumCompletion != nil {
		minimum = *cfg.MinimumCompletion
	}
	pass := completion >= minimum

	b := cfg.cite(kernelvm.NewResult(completenessMeta, config)).
		Step("Check required fields", kernelvm.PassLabel(pass), map[string]any{"present": presentFields, "missing": missing})
	if pass {
		for _, f := range missing {
			b.Warn("missing_field", fmt.Sprintf("%s is missing but completion %.0f%% meets the minimum", f, completion*100), f)
		}
	}
	value := map[string]any{"pass": pass, "present": presentFields, "missing": missing, "completion": completion}
	return b.Outcome(pass, value, fmt.Sprintf("Completeness: %d/%d (%.0f%%) -> %s",
		len(presentFields), len(cfg.RequiredFields), completion*100, kernelvm.PassLabel(pass))), nil
}
