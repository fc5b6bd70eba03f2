package trace

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTLPExporter ships finished traces to an OTLP collector. All methods are
// safe on a nil receiver, which means export is disabled.
type OTLPExporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewOTLPExporter creates an exporter when OTEL_EXPORTER_OTLP_ENDPOINT is
// set. An empty endpoint returns (nil, nil): tracing stays in-process.
func NewOTLPExporter(ctx context.Context) (*OTLPExporter, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // For local dev; make configurable
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "ralph"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &OTLPExporter{
		provider: provider,
		tracer:   provider.Tracer("ralph/loop"),
	}, nil
}

// ExportTrace replays a finished trace into the SDK. The SDK assigns its
// own span IDs; the trace ID, tree structure, timing, and attributes are
// preserved.
func (e *OTLPExporter) ExportTrace(ctx context.Context, t *Trace) error {
	if e == nil || t == nil || t.RootSpan == nil {
		return nil
	}

	traceID, err := hexToTraceID(t.ID)
	if err != nil {
		return fmt.Errorf("invalid trace ID %q: %w", t.ID, err)
	}

	traceCtx := oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: oteltrace.FlagsSampled,
	}))

	e.exportSpan(traceCtx, t.RootSpan)
	return nil
}

// exportSpan writes one span and recurses into its children, which pick up
// the freshly started span as their parent through the context.
func (e *OTLPExporter) exportSpan(ctx context.Context, span *Span) {
	spanCtx, otlpSpan := e.tracer.Start(ctx, span.Name, oteltrace.WithTimestamp(span.StartTime))

	attrs := make([]attribute.KeyValue, 0, len(span.Attributes))
	for k, v := range span.Attributes {
		attrs = append(attrs, attribute.String(attrKey(k), v))
	}
	otlpSpan.SetAttributes(attrs...)

	for _, child := range span.Children {
		e.exportSpan(spanCtx, child)
	}

	otlpSpan.End(oteltrace.WithTimestamp(span.StartTime.Add(span.Duration)))
}

// attrKey maps span attribute names into the ralph.* namespace.
func attrKey(k string) string {
	switch k {
	case "run_id":
		return "ralph.run.id"
	case "task":
		return "ralph.task"
	case "iteration":
		return "ralph.iteration.index"
	case "attempt":
		return "ralph.iteration.attempt"
	case "outcome":
		return "ralph.outcome"
	case "exit_code":
		return "ralph.exit.code"
	case "stop_reason":
		return "ralph.stop.reason"
	case "status":
		return "ralph.status"
	case "events":
		return "ralph.events.count"
	default:
		return "ralph." + k
	}
}

// hexToTraceID converts a 32-character hex string to an OTLP trace ID.
func hexToTraceID(hexStr string) (oteltrace.TraceID, error) {
	var traceID oteltrace.TraceID
	bytes, err := hex.DecodeString(hexStr)
	if err != nil {
		return traceID, err
	}
	if len(bytes) != len(traceID) {
		return traceID, fmt.Errorf("expected %d bytes, got %d", len(traceID), len(bytes))
	}
	copy(traceID[:], bytes)
	return traceID, nil
}

// Shutdown flushes batched spans and closes the exporter.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
