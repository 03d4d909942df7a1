package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "meterflow/pipeline"

// StartStage opens a span for one pipeline stage invocation.
func StartStage(ctx context.Context, stage, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("pipeline.stage", stage),
		attribute.String("pipeline.run_id", runID),
	)
	return otel.Tracer(tracerName).Start(ctx, "pipeline."+stage, trace.WithAttributes(attrs...))
}

// EndStage records the outcome on span and ends it.
func EndStage(span trace.Span, status, reason string, err error) {
	span.SetAttributes(attribute.String("pipeline.status", status))
	if reason != "" {
		span.SetAttributes(attribute.String("pipeline.reason", reason))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}
