package pack

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

//go:embed schema/pack-manifest.schema.json
var manifestSchemaJSON []byte

const manifestSchemaURL = "https://rulekernel.schemas.local/pack-manifest.schema.json"

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, bytes.NewReader(manifestSchemaJSON)); err != nil {
			manifestSchemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile(manifestSchemaURL)
	})
	return manifestSchema, manifestSchemaErr
}

// ParseManifest decodes and validates a pack.json document. Unknown fields
// are ignored.
func ParseManifest(data []byte) (contracts.PackManifest, error) {
	var m contracts.PackManifest

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	schema, err := compiledManifestSchema()
	if err != nil {
		return m, err
	}
	if err := schema.Validate(doc); err != nil {
		return m, fmt.Errorf("%w: %s", ErrInvalidManifest, schemaErrors(err))
	}

	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return m, fmt.Errorf("%w: version %q: %v", ErrInvalidManifest, m.Version, err)
	}
	if m.HandlerVMVersion != "" {
		if _, err := vmConstraint(m.HandlerVMVersion); err != nil {
			return m, fmt.Errorf("%w: handler_vm_version %q: %v", ErrInvalidManifest, m.HandlerVMVersion, err)
		}
	}
	return m, nil
}

// schemaErrors flattens a validation error into its leaf causes.
func schemaErrors(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

// vmConstraint parses a handler_vm_version value. A bare version such as
// "1.0.0" means "compatible with", i.e. ^1.0.0.
func vmConstraint(s string) (*semver.Constraints, error) {
	if _, err := semver.StrictNewVersion(s); err == nil {
		s = "^" + s
	}
	return semver.NewConstraint(s)
}

// CheckHandlerVM reports whether a pack can run on the given handler VM.
// Packs without a handler_vm_version run anywhere.
func CheckHandlerVM(m contracts.PackManifest, vmVersion string) error {
	if m.HandlerVMVersion == "" {
		return nil
	}
	constraint, err := vmConstraint(m.HandlerVMVersion)
	if err != nil {
		return fmt.Errorf("invalid handler VM constraint in pack %s: %w", m.Key(), err)
	}
	v, err := semver.NewVersion(vmVersion)
	if err != nil {
		return fmt.Errorf("invalid handler VM version %s: %w", vmVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("pack %s requires handler VM %s, but running %s", m.Key(), m.HandlerVMVersion, vmVersion)
	}
	return nil
}
