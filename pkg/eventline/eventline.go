package eventline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/randalmurphal/eventline/pkg/eventline/bus"
	"github.com/randalmurphal/eventline/pkg/eventline/config"
	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/observability"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
	"github.com/randalmurphal/eventline/pkg/eventline/queue"
)

// Settings is the fully-resolved configuration for one System.
type Settings struct {
	// DBPath is the SQLite database path, or ":memory:".
	DBPath string

	// Mode is the validation policy applied by the bus.
	Mode bus.ValidationMode

	// Taxonomy validates published events.
	Taxonomy *event.Taxonomy

	// Selector routes events to pipelines.
	Selector *pipeline.Selector

	// RetryCeiling and RetryBackoff tune the queue's retry machinery.
	RetryCeiling int
	RetryBackoff time.Duration

	// MaxBatch and PollInterval tune every pipeline's producer.
	MaxBatch     int
	PollInterval time.Duration

	// Telemetry enables the OpenTelemetry sink.
	Telemetry bool

	// Logger is the root logger for all components.
	Logger zerolog.Logger
}

// DefaultSettings returns production defaults for the given database
// path: raise mode, default taxonomy and selector, telemetry on,
// logging off.
func DefaultSettings(dbPath string) Settings {
	return Settings{
		DBPath:       dbPath,
		Mode:         bus.ModeRaise,
		Taxonomy:     event.DefaultTaxonomy(),
		Selector:     pipeline.DefaultSelector(),
		RetryCeiling: queue.DefaultRetryCeiling,
		RetryBackoff: queue.DefaultRetryBackoff,
		MaxBatch:     queue.DefaultProducerConfig.MaxBatch,
		PollInterval: queue.DefaultProducerConfig.PollInterval,
		Telemetry:    true,
		Logger:       zerolog.Nop(),
	}
}

// LoadSettings resolves Settings from a loaded config file. Missing
// keys keep the DefaultSettings values. Recognized layout:
//
//	db_path: ./events.db
//	validation_mode: warn
//	retry_ceiling: 3
//	retry_backoff: 5s
//	max_batch: 64
//	poll_interval: 1s
//	telemetry: true
//	log_level: info
//	taxonomy:
//	  allowed:
//	    link: [system]
//	  experimental:
//	    cerebros: ["cerebros.*"]
//	  persistent_prefixes: ["system.", "agent."]
//	pipelines:
//	  realtime_prefixes: ["cerebros.", "inference."]
func LoadSettings(cfg config.Config) Settings {
	s := DefaultSettings(cfg.String("db_path", ":memory:"))

	s.Mode = bus.ValidationMode(cfg.String("validation_mode", string(s.Mode)))
	s.RetryCeiling = cfg.Int("retry_ceiling", s.RetryCeiling)
	s.RetryBackoff = cfg.Duration("retry_backoff", s.RetryBackoff)
	s.MaxBatch = cfg.Int("max_batch", s.MaxBatch)
	s.PollInterval = cfg.Duration("poll_interval", s.PollInterval)
	s.Telemetry = cfg.Bool("telemetry", s.Telemetry)

	if cfg.Has("log_level") {
		s.Logger = observability.NewLogger(cfg.String("log_level", "info"), cfg.Bool("log_console", false))
	}

	tax := cfg.Section("taxonomy")
	s.Taxonomy.Allowed = tax.StringSliceMap("allowed", s.Taxonomy.Allowed)
	s.Taxonomy.Experimental = tax.StringSliceMap("experimental", s.Taxonomy.Experimental)
	s.Taxonomy.PersistentPrefixes = tax.StringSlice("persistent_prefixes", s.Taxonomy.PersistentPrefixes)

	s.Selector.RealtimePrefixes = cfg.Section("pipelines").
		StringSlice("realtime_prefixes", s.Selector.RealtimePrefixes)

	return s
}

// System wires the queue, one producer and acknowledger per pipeline,
// the fallback broadcaster, and the bus into a running whole.
type System struct {
	settings    Settings
	queue       *queue.SQLiteQueue
	broadcaster *bus.LocalBroadcaster
	bus         *bus.Bus
	producers   map[pipeline.Pipeline]*queue.Producer
	ackers      map[pipeline.Pipeline]*queue.Acknowledger
	log         zerolog.Logger
}

// Open builds a System from settings. Call Start to begin supplying
// deliveries and Shutdown for an orderly drain.
func Open(settings Settings) (*System, error) {
	if settings.Taxonomy == nil {
		settings.Taxonomy = event.DefaultTaxonomy()
	}
	if settings.Selector == nil {
		settings.Selector = pipeline.DefaultSelector()
	}

	q, err := queue.OpenSQLite(settings.DBPath, queue.QueueOptions{
		RetryCeiling: settings.RetryCeiling,
		RetryBackoff: settings.RetryBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("open durable queue: %w", err)
	}

	broadcaster := bus.NewLocalBroadcaster(bus.DefaultLocalBroadcasterConfig)

	var sink observability.TelemetrySink = observability.NoopTelemetry{}
	if settings.Telemetry {
		sink = observability.NewTelemetry()
	}

	sys := &System{
		settings:    settings,
		queue:       q,
		broadcaster: broadcaster,
		producers:   make(map[pipeline.Pipeline]*queue.Producer),
		ackers:      make(map[pipeline.Pipeline]*queue.Acknowledger),
		log:         settings.Logger,
	}

	sys.bus = bus.New(q, broadcaster, bus.BusConfig{
		Taxonomy:  settings.Taxonomy,
		Selector:  settings.Selector,
		Mode:      settings.Mode,
		Telemetry: sink,
		Logger:    settings.Logger,
	})

	for _, p := range []pipeline.Pipeline{pipeline.Realtime, pipeline.CrossDomain, pipeline.General} {
		prod := queue.NewProducer(q, queue.ProducerConfig{
			Pipeline:     p,
			MaxBatch:     settings.MaxBatch,
			PollInterval: settings.PollInterval,
			Logger:       settings.Logger,
		})
		sys.producers[p] = prod
		sys.ackers[p] = queue.NewAcknowledger(q, prod, settings.Logger)
	}

	return sys, nil
}

// Start launches the supply loop of every pipeline's producer.
func (s *System) Start(ctx context.Context) {
	for _, prod := range s.producers {
		prod.Start(ctx)
	}
}

// Bus returns the publish entry point.
func (s *System) Bus() *bus.Bus { return s.bus }

// Publish validates and publishes an event; see bus.Bus.Publish.
func (s *System) Publish(ctx context.Context, attrs event.Attrs) (*event.Envelope, error) {
	return s.bus.Publish(ctx, attrs)
}

// Broadcaster returns the fallback broadcaster, for subscribing to
// degraded-mode traffic.
func (s *System) Broadcaster() *bus.LocalBroadcaster { return s.broadcaster }

// Producer returns the delivery producer for a pipeline.
func (s *System) Producer(p pipeline.Pipeline) *queue.Producer { return s.producers[p] }

// Acknowledger returns the acknowledger for a pipeline.
func (s *System) Acknowledger(p pipeline.Pipeline) *queue.Acknowledger { return s.ackers[p] }

// Stats reports per-pipeline queue counts with in-flight deliveries
// included as processing.
func (s *System) Stats(ctx context.Context) (map[pipeline.Pipeline]queue.Stats, error) {
	out := make(map[pipeline.Pipeline]queue.Stats, len(s.producers))
	for p, prod := range s.producers {
		stats, err := prod.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[p] = stats
	}
	return out, nil
}

// Shutdown drains every producer (reverting in-flight deliveries so
// nothing is lost), then closes the producers, the broadcaster and the
// queue. Errors are collected, not short-circuited.
func (s *System) Shutdown(ctx context.Context) error {
	var errs []error

	for p, prod := range s.producers {
		if err := prod.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", p, err))
		}
		if err := prod.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer %s: %w", p, err))
		}
	}

	if err := s.broadcaster.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broadcaster: %w", err))
	}
	if err := s.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}

	return errors.Join(errs...)
}
