// Package contracts defines the data shared between the rule kernel, its
// handler catalog, the pack installer and callers: rule trees, evaluation
// contexts, results, traces and compliance locks.
package contracts

import (
	"time"
)

// ASTNode is one instruction in a rule tree. Child nodes are carried inside
// Config under handler-specific keys.
type ASTNode struct {
	Handler string         `json:"handler"`
	Config  map[string]any `json:"config"`
	Label   string         `json:"label,omitempty"`
}

// EvaluationContext is the caller-supplied environment for one evaluation.
type EvaluationContext struct {
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	EntityData       map[string]any `json:"entity_data"`
	Data             map[string]any `json:"data"`
	ComplianceLockID string         `json:"compliance_lock_id"`
	VerticalID       string         `json:"vertical_id"`
	Market           string         `json:"market"`
	Timestamp        time.Time      `json:"timestamp"`
}

// HandlerCategory groups handlers in the catalog.
type HandlerCategory string

const (
	CategoryComputation HandlerCategory = "computation"
	CategoryValidation  HandlerCategory = "validation"
	CategoryLogic       HandlerCategory = "logic"
	CategoryGraph       HandlerCategory = "graph"
	CategoryResolution  HandlerCategory = "resolution"
	CategoryTemporal    HandlerCategory = "temporal"
	CategoryAI          HandlerCategory = "ai"
)

// HandlerMetadata describes a registered handler.
type HandlerMetadata struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Category    HandlerCategory `json:"category"`
	Description string          `json:"description"`
}

// ASTValidationError locates one structural problem in a rule tree.
type ASTValidationError struct {
	Path       string `json:"path"`
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ASTValidationResult is the outcome of static validation.
type ASTValidationResult struct {
	Valid               bool                 `json:"valid"`
	Errors              []ASTValidationError `json:"errors"`
	HandlersUsed        []string             `json:"handlers_used"`
	EstimatedComplexity int                  `json:"estimated_complexity"`
}
