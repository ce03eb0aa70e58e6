package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerInterface is the tracing surface services depend on.
type TracerInterface interface {
	StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	StartSpanWithAttributes(ctx context.Context, spanName string, attrs map[string]interface{}, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	GetSpan(ctx context.Context) trace.Span
	RecordError(span trace.Span, err error, description string)
	SetAttributes(span trace.Span, attrs map[string]interface{})
	GetTraceID(span trace.Span) string
}

// OpenTelemetryTracer implements TracerInterface on the global
// provider.
type OpenTelemetryTracer struct {
	tracer trace.Tracer
	name   string
}

// NewOpenTelemetryTracer creates a named tracer.
func NewOpenTelemetryTracer(name string) *OpenTelemetryTracer {
	return &OpenTelemetryTracer{
		tracer: otel.Tracer(name),
		name:   name,
	}
}

// StartSpan starts a new span.
func (t *OpenTelemetryTracer) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartSpanWithAttributes starts a new span carrying attrs.
func (t *OpenTelemetryTracer) StartSpanWithAttributes(ctx context.Context, spanName string, attrs map[string]interface{}, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	allOpts := append(opts, trace.WithAttributes(convertAttributes(attrs)...))
	return t.tracer.Start(ctx, spanName, allOpts...)
}

// GetSpan returns the span active in ctx.
func (t *OpenTelemetryTracer) GetSpan(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// RecordError records an error and marks the span failed.
func (t *OpenTelemetryTracer) RecordError(span trace.Span, err error, description string) {
	if err != nil {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.description", description),
		))
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetAttributes sets attributes on a span.
func (t *OpenTelemetryTracer) SetAttributes(span trace.Span, attrs map[string]interface{}) {
	span.SetAttributes(convertAttributes(attrs)...)
}

// GetTraceID returns the span's trace ID, or "".
func (t *OpenTelemetryTracer) GetTraceID(span trace.Span) string {
	if spanCtx := span.SpanContext(); spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

func convertAttributes(attrs map[string]interface{}) []attribute.KeyValue {
	var result []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			result = append(result, attribute.String(k, val))
		case int:
			result = append(result, attribute.Int(k, val))
		case int64:
			result = append(result, attribute.Int64(k, val))
		case float64:
			result = append(result, attribute.Float64(k, val))
		case bool:
			result = append(result, attribute.Bool(k, val))
		case []string:
			result = append(result, attribute.StringSlice(k, val))
		default:
			result = append(result, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return result
}

// StartDatabaseSpan starts a client span for a database operation.
func StartDatabaseSpan(ctx context.Context, tracer TracerInterface, operation, table string) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("db.%s %s", operation, table)
	return tracer.StartSpanWithAttributes(ctx, spanName, map[string]interface{}{
		"db.operation": operation,
		"db.table":     table,
		"db.system":    "postgresql",
		"span.kind":    "client",
	})
}

// StartStorageSpan starts a client span for a cold-storage operation.
func StartStorageSpan(ctx context.Context, tracer TracerInterface, operation, key string) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("storage.%s", operation)
	return tracer.StartSpanWithAttributes(ctx, spanName, map[string]interface{}{
		"storage.operation": operation,
		"storage.key":       key,
		"span.kind":         "client",
	})
}

// WithSpanError records err and sets failed status, for defer sites.
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
