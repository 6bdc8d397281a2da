// Package handlers is the built-in instruction set of the rule kernel:
// logical composition, validation checks, computations and deadlines.
package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

const coreVersion = "1.0.0"

// Core returns every built-in handler definition.
func Core() []kernelvm.HandlerDefinition {
	return []kernelvm.HandlerDefinition{
		And(), Or(), Not(), IfThen(), Pipe(), ForEach(),
		ThresholdCheck(), AbsenceCheck(), ListCheck(), CompletenessCheck(),
		CollectionSum(), UnitConvert(), Ratio(),
		Deadline(),
		CELCheck(),
	}
}

// RegisterCore registers the built-in catalog into r.
func RegisterCore(r *kernelvm.Registry) error {
	for _, def := range Core() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry holding the built-in catalog.
func NewDefaultRegistry() *kernelvm.Registry {
	r := kernelvm.NewRegistry()
	r.MustRegister(Core()...)
	return r
}

// citation is the optional legal source a check config may carry. It is
// surfaced on the explanation of every result the check produces.
type citation struct {
	Reference *contracts.Reference `json:"reference"`
}

func (c citation) cite(b *kernelvm.ResultBuilder) *kernelvm.ResultBuilder {
	if c.Reference != nil {
		b.Reference(*c.Reference)
	}
	return b
}

// decodeConfig maps an open config onto the handler's typed config shape.
func decodeConfig(id string, config map[string]any, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("%s: config is not serializable: %w", id, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: invalid config: %w", id, err)
	}
	return nil
}
