package bus

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/metrics"
	"github.com/randalmurphal/eventline/pkg/eventline/observability"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
	"github.com/randalmurphal/eventline/pkg/eventline/queue"
)

// ErrBroadcasterClosed indicates a Broadcast after Close.
var ErrBroadcasterClosed = errors.New("broadcaster is closed")

// ValidationMode governs what happens to an event that fails taxonomy
// validation. The three-way policy exists because the taxonomy is being
// rolled out incrementally across producers; ModeRaise is the end
// state.
type ValidationMode string

const (
	// ModeRaise rejects invalid events with an error.
	ModeRaise ValidationMode = "raise"

	// ModeWarn logs the violations and publishes anyway.
	ModeWarn ValidationMode = "warn"

	// ModeDrop silently discards invalid events. The caller still gets
	// a success, and a dropped telemetry event fires.
	ModeDrop ValidationMode = "drop"
)

// BusConfig configures a Bus. Validation mode and taxonomy are
// injected here rather than read from ambient global state, so two
// buses in one process can run different policies.
type BusConfig struct {
	// Taxonomy validates envelopes built through Publish.
	// Default: event.DefaultTaxonomy.
	Taxonomy *event.Taxonomy

	// Selector picks the pipeline. Default: pipeline.DefaultSelector.
	Selector *pipeline.Selector

	// Mode is the validation policy. Default: ModeRaise.
	Mode ValidationMode

	// Telemetry receives lifecycle signals. Default: NoopTelemetry.
	Telemetry observability.TelemetrySink

	// Logger for publish activity. Default: disabled.
	Logger zerolog.Logger
}

// Bus is the public entry point: validate, select a pipeline, enqueue
// durably, and degrade to best-effort broadcast when the durable write
// fails.
type Bus struct {
	queue       queue.DurableQueue
	broadcaster Broadcaster
	taxonomy    *event.Taxonomy
	selector    *pipeline.Selector
	mode        ValidationMode
	telemetry   observability.TelemetrySink
	log         zerolog.Logger
}

// New creates a bus over a durable queue. broadcaster may be nil, in
// which case an enqueue failure loses the event (logged as such).
func New(q queue.DurableQueue, broadcaster Broadcaster, cfg BusConfig) *Bus {
	if cfg.Taxonomy == nil {
		cfg.Taxonomy = event.DefaultTaxonomy()
	}
	if cfg.Selector == nil {
		cfg.Selector = pipeline.DefaultSelector()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRaise
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = observability.NoopTelemetry{}
	}

	return &Bus{
		queue:       q,
		broadcaster: broadcaster,
		taxonomy:    cfg.Taxonomy,
		selector:    cfg.Selector,
		mode:        cfg.Mode,
		telemetry:   cfg.Telemetry,
		log:         cfg.Logger.With().Str("component", "event_bus").Logger(),
	}
}

// Publish constructs an envelope from attrs and publishes it. The
// returned envelope is the admitted event (carrying its generated ID
// and correlation ID) or, in drop mode, the discarded one.
func (b *Bus) Publish(ctx context.Context, attrs event.Attrs) (*event.Envelope, error) {
	return b.PublishEnvelope(ctx, event.Construct(attrs, b.taxonomy))
}

// MustPublish is the raising variant of Publish.
func (b *Bus) MustPublish(ctx context.Context, attrs event.Attrs) *event.Envelope {
	env, err := b.Publish(ctx, attrs)
	if err != nil {
		panic(err)
	}
	return env
}

// PublishEnvelope publishes a pre-constructed envelope.
//
// The publishing caller blocks only for the enqueue transaction (or the
// broadcast call on the degraded path), never on downstream consumers.
// When the durable write fails the call still succeeds: the event goes
// out over the fallback broadcast with a distinct telemetry tag so
// operators can see the system running degraded. A failure of the
// fallback itself is logged and swallowed - that is the single point
// where an event can be truly lost.
func (b *Bus) PublishEnvelope(ctx context.Context, env *event.Envelope) (_ *event.Envelope, retErr error) {
	ctx, span := observability.StartPublishSpan(ctx, env)
	defer func() { observability.EndSpanWithError(span, retErr) }()

	if vs := env.Violations(); len(vs) > 0 {
		switch b.mode {
		case ModeDrop:
			b.telemetry.Dropped(ctx, env, vs.Error())
			metrics.DroppedTotal.Inc()
			b.log.Debug().Str("event_name", env.Name()).Str("reason", vs.Error()).Msg("event dropped by validation policy")
			return env, nil
		case ModeWarn:
			b.log.Warn().Str("event_name", env.Name()).Str("violations", vs.Error()).Msg("publishing event despite validation failures")
		default:
			return nil, vs
		}
	}

	p := b.selector.Select(env)
	b.telemetry.Admitted(ctx, env, p)

	start := time.Now()
	if err := b.queue.Enqueue(ctx, env, p); err != nil {
		b.log.Error().Err(err).
			Str("event_id", env.ID()).
			Str("pipeline", string(p)).
			Msg("durable enqueue failed, degrading to broadcast")
		b.fallback(ctx, env)
		return env, nil
	}

	duration := time.Since(start)
	b.telemetry.Enqueued(ctx, env, p, duration)
	metrics.EnqueuedTotal.WithLabelValues(string(p)).Inc()
	metrics.EnqueueDuration.WithLabelValues(string(p)).Observe(duration.Seconds())

	b.log.Debug().
		Str("event_id", env.ID()).
		Str("event_name", env.Name()).
		Str("pipeline", string(p)).
		Dur("enqueue_duration", duration).
		Msg("event enqueued")

	return env, nil
}

// fallback broadcasts env best effort after a failed durable write.
func (b *Bus) fallback(ctx context.Context, env *event.Envelope) {
	if b.broadcaster == nil {
		b.log.Error().Str("event_id", env.ID()).Msg("no broadcaster configured, event lost")
		return
	}

	if err := b.broadcaster.Broadcast(ctx, env); err != nil {
		// No further fallback exists. This is the documented loss point.
		b.log.Error().Err(err).Str("event_id", env.ID()).Msg("fallback broadcast failed, event lost")
		return
	}

	b.telemetry.FallbackBroadcast(ctx, env, pipeline.Fallback)
	metrics.FallbackTotal.Inc()
}
