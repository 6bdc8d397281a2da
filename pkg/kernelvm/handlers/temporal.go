package handlers

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
)

var deadlineMeta = contracts.HandlerMetadata{
	ID: "core:deadline", Version: coreVersion, Category: contracts.CategoryTemporal,
	Description: "Checks whether a deadline window has expired",
}

const day = 24 * time.Hour

// Months and years are fixed-length: 30 and 365 days.
var durationUnits = map[string]time.Duration{
	"hours":  time.Hour,
	"days":   day,
	"weeks":  7 * day,
	"months": 30 * day,
	"years":  365 * day,
}

type deadlineConfig struct {
	citation
	Window struct {
		Duration struct {
			Value float64 `json:"value"`
			Unit  string  `json:"unit"`
		} `json:"duration"`
		StartedAt any `json:"started_at"`
	} `json:"window"`
	OnExpired string `json:"on_expired"`
}

func Deadline() kernelvm.HandlerDefinition {
	return kernelvm.HandlerDefinition{HandlerMetadata: deadlineMeta, Execute: execDeadline}
}

// execDeadline measures the window against the evaluation context
// timestamp, never the wall clock.
func execDeadline(config map[string]any, input any, ectx *contracts.EvaluationContext, _ kernelvm.EvaluateFunc) (contracts.HandlerResult, error) {
	var cfg deadlineConfig
	if err := decodeConfig(deadlineMeta.ID, config, &cfg); err != nil {
		return contracts.HandlerResult{}, err
	}
	if ectx.Timestamp.IsZero() {
		return contracts.HandlerResult{}, fmt.Errorf("%s: evaluation context has no timestamp", deadlineMeta.ID)
	}
	unit, ok := durationUnits[strings.ToLower(cfg.Window.Duration.Unit)]
	if !ok {
		return contracts.HandlerResult{}, fmt.Errorf("%s: unknown duration unit %q", deadlineMeta.ID, cfg.Window.Duration.Unit)
	}

	b := cfg.cite(kernelvm.NewResult(deadlineMeta, config))
	raw := kernelvm.Resolve(cfg.Window.StartedAt, ectx, input)
	startedAt, err := parseTimestamp(raw)
	if err != nil {
		return b.Error(err.Error()).
			Fail(map[string]any{"status": "unknown"}, fmt.Sprintf("Window start %v is not a timestamp", raw)), nil
	}

	deadline := startedAt.Add(time.Duration(cfg.Window.Duration.Value * float64(unit)))
	remaining := deadline.Sub(ectx.Timestamp)
	expired := remaining <= 0
	days := int(math.Ceil(math.Abs(float64(remaining)) / float64(day)))

	value := map[string]any{"deadline": deadline.UTC().Format(time.RFC3339)}
	span := map[string]any{"value": days, "unit": "days"}
	summary := fmt.Sprintf("%dd remaining", days)
	if expired {
		value["status"] = "expired"
		value["time_overdue"] = span
		summary = fmt.Sprintf("Expired %dd ago", days)
		if cfg.OnExpired == "escalate" {
			value["escalate"] = true
		}
	} else {
		value["status"] = "within_window"
		value["time_remaining"] = span
	}

	b.Step("Check deadline", value["status"].(string), nil)
	if expired && cfg.OnExpired != "fail" {
		b.Warn("deadline_expired", summary, "window")
	}
	return b.Outcome(!(expired && cfg.OnExpired == "fail"), value, summary), nil
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseTimestamp accepts time values, RFC 3339 or date strings, and epoch
// milliseconds.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t != nil {
			return *t, nil
		}
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("started_at %q is not a valid timestamp", t)
	}
	if ms, ok := kernelvm.ToFloat(v); ok {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	return time.Time{}, errors.New("started_at is missing or not a timestamp")
}
