package kernelvm

import (
	"time"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

const (
	PortfolioDiffLockID = "portfolio-diff"
	PortfolioDiffMarket = "diff"
)

// EntityRecord is one entity re-evaluated by PortfolioDiff.
type EntityRecord struct {
	EntityID   string         `json:"entity_id"`
	EntityType string         `json:"entity_type"`
	Data       map[string]any `json:"data"`
}

type PortfolioDiffInput struct {
	// OldRule is nil when the rule is new.
	OldRule    *contracts.ASTNode
	NewRule    contracts.ASTNode
	Entities   []EntityRecord
	Registry   *Registry
	VerticalID string
	// Data is shared reference data visible to both rules.
	Data map[string]any
	// Timestamp defaults to the current time when zero.
	Timestamp time.Time
	Options   []Option
}

type StatusChange struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
}

type PortfolioDiffResult struct {
	TotalEvaluated        int            `json:"total_evaluated"`
	StatusChanges         []StatusChange `json:"status_changes"`
	NewEvaluations        int            `json:"new_evaluations"`
	UnchangedCompliant    int            `json:"unchanged_compliant"`
	UnchangedNonCompliant int            `json:"unchanged_non_compliant"`
}

// PortfolioDiff evaluates the new rule (and the old one, if any) against
// every entity and reports which entities would change status.
func PortfolioDiff(in PortfolioDiffInput) PortfolioDiffResult {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}

	out := PortfolioDiffResult{
		TotalEvaluated: len(in.Entities),
		StatusChanges:  []StatusChange{},
	}
	for _, ent := range in.Entities {
		ectx := &contracts.EvaluationContext{
			EntityType:       ent.EntityType,
			EntityID:         ent.EntityID,
			EntityData:       ent.Data,
			Data:             data,
			ComplianceLockID: PortfolioDiffLockID,
			VerticalID:       in.VerticalID,
			Market:           PortfolioDiffMarket,
			Timestamp:        ts,
		}
		newStatus := StatusOf(Evaluate(in.NewRule, ectx, in.Registry, in.Options...).Success)

		if in.OldRule == nil {
			out.NewEvaluations++
			continue
		}
		oldStatus := StatusOf(Evaluate(*in.OldRule, ectx, in.Registry, in.Options...).Success)

		switch {
		case oldStatus != newStatus:
			out.StatusChanges = append(out.StatusChanges, StatusChange{
				EntityID:   ent.EntityID,
				EntityType: ent.EntityType,
				OldStatus:  oldStatus,
				NewStatus:  newStatus,
			})
		case newStatus == contracts.StatusCompliant:
			out.UnchangedCompliant++
		default:
			out.UnchangedNonCompliant++
		}
	}
	return out
}
