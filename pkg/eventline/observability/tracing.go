package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
)

// tracer uses the global OTel tracer provider. Configure the provider
// before publishing if spans should be exported.
var tracer = otel.Tracer("eventline")

// StartPublishSpan starts a span covering one publish call, carrying
// the event's identity and correlation attributes.
func StartPublishSpan(ctx context.Context, env *event.Envelope) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventline.publish",
		trace.WithAttributes(
			attribute.String("event.id", env.ID()),
			attribute.String("event.name", env.Name()),
			attribute.String("event.source", env.Source()),
			attribute.String("event.correlation_id", env.CorrelationID()),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
