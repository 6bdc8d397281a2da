// Package pack loads rule packs, resolves their dependency closure and
// turns a closure whose suites all pass into an install plan carrying a
// ComplianceLock.
package pack

import (
	"errors"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// ManifestFile is the manifest file name at the root of a pack directory.
const ManifestFile = "pack.json"

var (
	ErrInvalidManifest = errors.New("invalid pack manifest")
	ErrPathEscape      = errors.New("path escapes the pack directory")
	ErrSuiteHash       = errors.New("validation suite hash mismatch")
)

// LoadedPack is a pack read into memory. Rule and Suite are nil when the
// manifest does not name them.
type LoadedPack struct {
	Manifest contracts.PackManifest     `json:"manifest"`
	Rule     *contracts.ASTNode         `json:"rule,omitempty"`
	Suite    *contracts.ValidationSuite `json:"suite,omitempty"`
	Dir      string                     `json:"dir,omitempty"`
}

// Key returns the name@version identity of the pack.
func (p *LoadedPack) Key() string {
	return p.Manifest.Key()
}
