package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const otelSpanPrefix = "registry."

// OTelTracer adapts an OpenTelemetry tracer to the Tracer interface.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer wraps tracer. A nil tracer uses the global provider.
func NewOTelTracer(tracer trace.Tracer) *OTelTracer {
	if tracer == nil {
		tracer = otel.Tracer("identitycore/internal/core")
	}
	return &OTelTracer{tracer: tracer}
}

// Start implements Tracer.
func (t *OTelTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	ctx, span := t.tracer.Start(ctx, otelSpanPrefix+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("registry.operation", operation)),
	)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

// End marks failures as span errors. Rejections keep an Unset status and
// carry the reason as an attribute, since the registry behaved correctly.
func (s otelSpan) End(err error) {
	outcome := OutcomeOf(err)
	s.span.SetAttributes(attribute.String("registry.outcome", string(outcome)))
	switch outcome {
	case OutcomeCommitted:
		s.span.SetStatus(codes.Ok, "")
	case OutcomeRejected:
		s.span.SetAttributes(attribute.String("registry.rejection", err.Error()))
	default:
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
