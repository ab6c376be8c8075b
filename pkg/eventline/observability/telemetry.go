// Package observability provides the telemetry sink, structured logging
// helpers, and tracing spans for the event bus.
//
// Telemetry is fire-and-forget: sinks never block and never fail the
// operation that emitted them. Metrics and tracing go through
// OpenTelemetry; logging goes through zerolog.
package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
)

// Telemetry event names. These are a stable contract for operators'
// dashboards and alerts.
const (
	EventAdmitted = "eventline.event.admitted"
	EventEnqueued = "eventline.event.enqueued"
	EventDropped  = "eventline.event.dropped"
	EventFallback = "eventline.event.fallback_broadcast"
)

// TelemetrySink receives lifecycle signals from the bus. Every signal
// carries at minimum the event name, pipeline, and priority.
// Implementations must never block and never return errors to callers.
type TelemetrySink interface {
	// Admitted fires when an event passes (or is waved through)
	// validation and enters the publish path.
	Admitted(ctx context.Context, env *event.Envelope, p pipeline.Pipeline)

	// Enqueued fires after a successful durable write, with the
	// transaction duration.
	Enqueued(ctx context.Context, env *event.Envelope, p pipeline.Pipeline, duration time.Duration)

	// Dropped fires when the drop validation mode discards an event.
	Dropped(ctx context.Context, env *event.Envelope, reason string)

	// FallbackBroadcast fires when the durable write failed and the
	// event went out over the best-effort broadcast path instead. The
	// distinct pipeline tag makes degraded operation visible.
	FallbackBroadcast(ctx context.Context, env *event.Envelope, p pipeline.Pipeline)
}

// otelTelemetry implements TelemetrySink using OpenTelemetry metrics.
type otelTelemetry struct {
	admitted  metric.Int64Counter
	enqueued  metric.Int64Counter
	enqueueMs metric.Float64Histogram
	dropped   metric.Int64Counter
	fallback  metric.Int64Counter
}

var (
	defaultTelemetry     *otelTelemetry
	defaultTelemetryOnce sync.Once
	defaultTelemetryErr  error
)

// NewTelemetry returns a TelemetrySink backed by the global OTel meter
// provider. If instrument creation fails, a no-op sink is returned so
// telemetry can never take the bus down.
func NewTelemetry() TelemetrySink {
	defaultTelemetryOnce.Do(func() {
		defaultTelemetry, defaultTelemetryErr = newOtelTelemetry()
	})
	if defaultTelemetryErr != nil {
		return NoopTelemetry{}
	}
	return defaultTelemetry
}

func newOtelTelemetry() (*otelTelemetry, error) {
	meter := otel.Meter("eventline")

	admitted, err := meter.Int64Counter(EventAdmitted,
		metric.WithDescription("Events admitted to the publish path"),
	)
	if err != nil {
		return nil, err
	}

	enqueued, err := meter.Int64Counter(EventEnqueued,
		metric.WithDescription("Events durably enqueued"),
	)
	if err != nil {
		return nil, err
	}

	enqueueMs, err := meter.Float64Histogram("eventline.enqueue.duration_ms",
		metric.WithDescription("Durable enqueue latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter(EventDropped,
		metric.WithDescription("Events discarded by the drop validation mode"),
	)
	if err != nil {
		return nil, err
	}

	fallback, err := meter.Int64Counter(EventFallback,
		metric.WithDescription("Events published via fallback broadcast"),
	)
	if err != nil {
		return nil, err
	}

	return &otelTelemetry{
		admitted:  admitted,
		enqueued:  enqueued,
		enqueueMs: enqueueMs,
		dropped:   dropped,
		fallback:  fallback,
	}, nil
}

func eventAttrs(env *event.Envelope, p pipeline.Pipeline) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("event.name", env.Name()),
		attribute.String("event.pipeline", string(p)),
		attribute.String("event.priority", string(env.Priority())),
	}
}

// Admitted implements TelemetrySink.
func (t *otelTelemetry) Admitted(ctx context.Context, env *event.Envelope, p pipeline.Pipeline) {
	t.admitted.Add(ctx, 1, metric.WithAttributes(eventAttrs(env, p)...))
}

// Enqueued implements TelemetrySink.
func (t *otelTelemetry) Enqueued(ctx context.Context, env *event.Envelope, p pipeline.Pipeline, duration time.Duration) {
	attrs := metric.WithAttributes(eventAttrs(env, p)...)
	t.enqueued.Add(ctx, 1, attrs)
	t.enqueueMs.Record(ctx, float64(duration.Microseconds())/1000.0, attrs)
}

// Dropped implements TelemetrySink.
func (t *otelTelemetry) Dropped(ctx context.Context, env *event.Envelope, reason string) {
	t.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.name", env.Name()),
		attribute.String("event.priority", string(env.Priority())),
		attribute.String("reason", reason),
	))
}

// FallbackBroadcast implements TelemetrySink.
func (t *otelTelemetry) FallbackBroadcast(ctx context.Context, env *event.Envelope, p pipeline.Pipeline) {
	t.fallback.Add(ctx, 1, metric.WithAttributes(eventAttrs(env, p)...))
}

// NoopTelemetry is a TelemetrySink that does nothing. Use when
// telemetry is disabled to avoid overhead.
type NoopTelemetry struct{}

// Compile-time interface check.
var _ TelemetrySink = NoopTelemetry{}

// Admitted does nothing.
func (NoopTelemetry) Admitted(_ context.Context, _ *event.Envelope, _ pipeline.Pipeline) {}

// Enqueued does nothing.
func (NoopTelemetry) Enqueued(_ context.Context, _ *event.Envelope, _ pipeline.Pipeline, _ time.Duration) {
}

// Dropped does nothing.
func (NoopTelemetry) Dropped(_ context.Context, _ *event.Envelope, _ string) {}

// FallbackBroadcast does nothing.
func (NoopTelemetry) FallbackBroadcast(_ context.Context, _ *event.Envelope, _ pipeline.Pipeline) {}
