package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrStatus      = attribute.Key("rulekernel.status")
	AttrPlanValid   = attribute.Key("rulekernel.install.valid")
	AttrPackName    = attribute.Key("rulekernel.pack.name")
	AttrPackVersion = attribute.Key("rulekernel.pack.version")
	AttrLockID      = attribute.Key("rulekernel.lock.id")
	AttrTenantID    = attribute.Key("rulekernel.tenant.id")
	AttrEntityType  = attribute.Key("rulekernel.entity.type")
	AttrVerticalID  = attribute.Key("rulekernel.vertical.id")
	AttrRootHandler = attribute.Key("rulekernel.handler.root")
)

// EvaluationAttrs labels an evaluation span.
func EvaluationAttrs(lockID, entityType, verticalID, rootHandler string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLockID.String(lockID),
		AttrEntityType.String(entityType),
		AttrVerticalID.String(verticalID),
		AttrRootHandler.String(rootHandler),
	}
}

func PackAttrs(name, version string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPackName.String(name),
		AttrPackVersion.String(version),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
