package handlers

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

var (
	collectionSumMeta = contracts.HandlerMetadata{
		ID: "core:collection_sum", Version: coreVersion, Category: contracts.CategoryComputation,
		Description: "Sums a numeric field across the items of a collection",
	}
	unitConvertMeta = contracts.HandlerMetadata{
		ID: "core:unit_convert", Version: coreVersion, Category: contracts.CategoryComputation,
		Description: "Converts a value between units",
	}
	ratioMeta = contracts.HandlerMetadata{
		ID: "core:ratio", Version: coreVersion, Category: contracts.CategoryComputation,
		Description: "Computes the ratio between two values",
	}
)

// conversions[from][to] is the multiplication factor.
var conversions = map[string]map[string]float64{
	"ppm":     {"percent": 1e-4, "ppb": 1e3, "mg/kg": 1},
	"ppb":     {"ppm": 1e-3, "percent": 1e-7, "mg/kg": 1e-3},
	"percent": {"ppm": 1e4, "ppb": 1e7, "mg/kg": 1e4},
	"mg/kg":   {"ppm": 1, "ppb": 1e3, "percent": 1e-4},
	"kg":      {"g": 1e3, "mg": 1e6},
	"g":       {"kg": 1e-3, "mg": 1e3},
	"mg":      {"kg": 1e-6, "g": 1e-3},
	"l":       {"ml": 1e3},
	"ml":      {"l": 1e-3},
}

type sumFilter struct {
	Field  string `json:"field"`
	Equals any    `json:"equals"`
}

type collectionSumConfig struct {
	Source any        `json:"source"`
	Field  string     `json:"field"`
	Filter *sumFilter `json:"filter"`
}

func CollectionSum() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: collectionSumMeta, Execute: execCollectionSum}
}

func execCollectionSum(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg collectionSumConfig
	if err := decodeConfig(collectionSumMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	b := kernelvm.NewResult(collectionSumMeta, config)
	source, ok := kernelvm.ToSlice(kernelvm.Resolve(cfg.Source, ectx, input))
	if !ok {
		return b.Error("source is not an array").
			Fail(map[string]any{"sum": 0.0}, "source is not an array"), nil
	}

	items := source
	if cfg.Filter != nil {
		items = make([]any, 0, len(source))
		for _, it := range source {
			if sameValue(kernelvm.Lookup(it, cfg.Filter.Field), cfg.Filter.Equals) {
				items = append(items, it)
			}
		}
		b.Step("Filter items", fmt.Sprintf("%d/%d match %s", len(items), len(source), cfg.Filter.Field), nil)
	}

	sum := 0.0
	nanIndices := []int{}
	for i, it := range items {
		n, ok := kernelvm.ToFloat(kernelvm.Lookup(it, cfg.Field))
		if !ok {
			nanIndices = append(nanIndices, i)
			continue
		}
		sum += n
	}

	if len(nanIndices) > 0 {
		return b.Error(fmt.Sprintf("%d item(s) had non-numeric '%s' values", len(nanIndices), cfg.Field)).
			Fail(map[string]any{"sum": sum, "items_counted": len(items), "nan_indices": nanIndices},
				fmt.Sprintf("Non-numeric values at indices %v for field '%s'", nanIndices, cfg.Field)), nil
	}
	return b.Pass(map[string]any{"sum": sum, "items_counted": len(items)},
		fmt.Sprintf("Sum '%s': %g (%d items)", cfg.Field, sum, len(items))), nil
}

type unitConvertConfig struct {
	SourceValue any    `json:"source_value"`
	SourceUnit  string `json:"source_unit"`
	TargetUnit  string `json:"target_unit"`
}

func UnitConvert() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: unitConvertMeta, Execute: execUnitConvert}
}

func execUnitConvert(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg unitConvertConfig
	if err := decodeConfig(unitConvertMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	b := kernelvm.NewResult(unitConvertMeta, config)
	from := strings.ToLower(strings.TrimSpace(cfg.SourceUnit))
	to := strings.ToLower(strings.TrimSpace(cfg.TargetUnit))

	raw := kernelvm.Resolve(cfg.SourceValue, ectx, input)
	v, ok := kernelvm.ToFloat(raw)
	if !ok {
		return b.Error("source value is not numeric").
			Fail(map[string]any{"converted": nil, "source_unit": from, "target_unit": to},
				fmt.Sprintf("Source value %v is not numeric", raw)), nil
	}

	if from == to {
		return b.Pass(map[string]any{"converted": v, "source_unit": from, "target_unit": to},
			fmt.Sprintf("%g %s", v, from)), nil
	}

	factor, ok := conversions[from][to]
	if !ok {
		return b.Error("unsupported conversion").
			Fail(map[string]any{"converted": nil, "source_unit": from, "target_unit": to},
				fmt.Sprintf("Cannot convert %s -> %s", from, to)), nil
	}
	converted := v * factor
	b.Step("Apply conversion factor", fmt.Sprintf("x %g", factor), nil)
	return b.Pass(map[string]any{"converted": converted, "source_unit": from, "target_unit": to, "factor": factor},
		fmt.Sprintf("%g %s = %g %s", v, from, converted, to)), nil
}

type ratioConfig struct {
	Numerator   any      `json:"numerator"`
	Denominator any      `json:"denominator"`
	MultiplyBy  *float64 `json:"multiply_by"`
}

func Ratio() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: ratioMeta, Execute: execRatio}
}

func execRatio(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg ratioConfig
	if err := decodeConfig(ratioMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}

	b := kernelvm.NewResult(ratioMeta, config)
	num, numOK := kernelvm.ToFloat(kernelvm.Resolve(cfg.Numerator, ectx, input))
	den, denOK := kernelvm.ToFloat(kernelvm.Resolve(cfg.Denominator, ectx, input))
	if !numOK || !denOK {
		return b.Error("operand is not numeric").
			Fail(map[string]any{"ratio": nil}, "Ratio operands must be numeric"), nil
	}
	if den == 0 {
		return b.Error("zero denominator").
			Fail(map[string]any{"ratio": nil}, "Division by zero"), nil
	}

	multiplier := 1.0
	if cfg.MultiplyBy != nil {
		multiplier = *cfg.MultiplyBy
	}
	ratio := num / den * multiplier
	summary := fmt.Sprintf("%g/%g = %g", num, den, ratio)
	if multiplier != 1 {
		summary = fmt.Sprintf("%g/%g x %g = %g", num, den, multiplier, ratio)
	}
	return b.Pass(map[string]any{"ratio": ratio, "numerator": num, "denominator": den}, summary), nil
}
