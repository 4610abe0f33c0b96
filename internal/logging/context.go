package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const investigationIDKey contextKey = "investigation_id"

// WithInvestigationID stores the investigation id in ctx so context-aware
// loggers tag every line with it.
func WithInvestigationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, investigationIDKey, id)
}

// InvestigationID returns the investigation id stored in ctx, if any.
func InvestigationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(investigationIDKey).(string)
	return id
}

// extractContextFields returns trace_id, span_id and investigation_id when present.
func extractContextFields(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}

	fields := make(map[string]interface{})
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	if id := InvestigationID(ctx); id != "" {
		fields["investigation_id"] = id
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}
