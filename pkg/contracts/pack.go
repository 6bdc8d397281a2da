package contracts

import "time"

// PackType is the category declared by a rule pack.
type PackType string

const (
	PackTypeLogic        PackType = "logic"
	PackTypeEnvironment  PackType = "environment"
	PackTypeDriver       PackType = "driver"
	PackTypeIntelligence PackType = "intelligence"
)

type TrustTier string

const (
	TrustCommunity TrustTier = "community"
	TrustVerified  TrustTier = "verified"
	TrustCertified TrustTier = "certified"
)

// PackManifest is the parsed pack.json of a rule pack.
type PackManifest struct {
	Name               string              `json:"name"`
	Version            string              `json:"version"`
	Type               PackType            `json:"type"`
	HandlerVMVersion   string              `json:"handler_vm_version,omitempty"`
	Scope              *PackScope          `json:"scope,omitempty"`
	RegulationRef      string              `json:"regulation_ref,omitempty"`
	LogicRoot          string              `json:"logic_root,omitempty"`
	ValidationSuite    string              `json:"validation_suite,omitempty"`
	ValidationHash     string              `json:"validation_hash,omitempty"`
	Author             *PackAuthor         `json:"author,omitempty"`
	TrustTier          TrustTier           `json:"trust_tier,omitempty"`
	Dependencies       map[string]string   `json:"dependencies,omitempty"`
	RequiredSchemas    []SchemaRef         `json:"required_schemas,omitempty"`
	DocumentationRoot  string              `json:"documentation_root,omitempty"`
	ConflictResolution *ConflictResolution `json:"conflict_resolution,omitempty"`
}

type PackScope struct {
	Verticals   []string `json:"verticals,omitempty"`
	Markets     []string `json:"markets,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

type PackAuthor struct {
	Name string `json:"name"`
	DID  string `json:"did,omitempty"`
}

type SchemaRef struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type ConflictResolution struct {
	Strategy    string `json:"strategy"`
	Overridable bool   `json:"overridable,omitempty"`
}

// Key returns the name@version identity of the pack.
func (m PackManifest) Key() string {
	return m.Name + "@" + m.Version
}

// ValidationSuite is the regression suite shipped with a pack.
type ValidationSuite struct {
	VerticalID string     `json:"vertical_id"`
	Market     string     `json:"market,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	TestCases  []TestCase `json:"test_cases"`
}

// TestCase is one labelled example in a validation suite. ExpectedStatus is
// either "compliant" or "non_compliant".
type TestCase struct {
	ID             string         `json:"id"`
	Description    string         `json:"description"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityData     map[string]any `json:"entity_data"`
	ContextData    map[string]any `json:"context_data,omitempty"`
	Market         string         `json:"market,omitempty"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
	ExpectedStatus string         `json:"expected_status"`
}

const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non_compliant"
	StatusError        = "error"
)

type LockStatus string

const (
	LockActive     LockStatus = "active"
	LockSuperseded LockStatus = "superseded"
	LockRolledBack LockStatus = "rolled_back"
)

// ComplianceLock pins the exact pack closure a tenant evaluates against.
type ComplianceLock struct {
	LockID         string                  `json:"lock_id"`
	TenantID       string                  `json:"tenant_id"`
	Timestamp      time.Time               `json:"timestamp"`
	HandlerVMExact string                  `json:"handler_vm_exact"`
	RootPack       LockedRoot              `json:"root_pack"`
	Packs          map[string]LockedPack   `json:"packs"`
	Schemas        map[string]LockedSchema `json:"schemas,omitempty"`
	Status         LockStatus              `json:"status"`
}

type LockedRoot struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	CID     string `json:"cid"`
}

type LockedSchema struct {
	Version string `json:"version"`
	CID     string `json:"cid"`
}

type LockedPack struct {
	Version       string    `json:"version"`
	CID           string    `json:"cid"`
	PublisherDID  string    `json:"publisher_did,omitempty"`
	TrustTier     TrustTier `json:"trust_tier,omitempty"`
	ContentDigest string    `json:"content_digest,omitempty"`
}
