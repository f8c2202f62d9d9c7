package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aegis"

// StartSpan starts a span on the global tracer provider. Without an SDK
// installed the provider is a no-op.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) with its kind and ends span.
func EndSpan(span trace.Span, err error, kind string) {
	if err != nil {
		span.SetAttributes(attribute.String("aegis.error_kind", kind))
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}
