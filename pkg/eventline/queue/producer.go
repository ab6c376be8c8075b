package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/randalmurphal/eventline/pkg/eventline/metrics"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Pipeline is the lane this producer serves.
	Pipeline pipeline.Pipeline

	// MaxBatch caps rows pulled per cycle regardless of demand.
	// Default: 64
	MaxBatch int

	// PollInterval is how often the producer re-checks the store for
	// rows that arrived while demand was outstanding.
	// Default: 1s
	PollInterval time.Duration

	// Logger for producer activity. Default: disabled.
	Logger zerolog.Logger
}

// DefaultProducerConfig provides reasonable defaults.
var DefaultProducerConfig = ProducerConfig{
	MaxBatch:     64,
	PollInterval: time.Second,
	Logger:       zerolog.Nop(),
}

// Producer supplies deliveries under explicit consumer demand. It never
// pushes on its own schedule: consumers signal demand with Request, and
// the producer pulls from the store only up to the outstanding demand,
// capped at MaxBatch. Demand that cannot be met yet is held until the
// next poll tick discovers new rows.
//
// Delivered rows are tracked in an in-flight set until the acknowledger
// settles them; that set is the "processing" state and is what Drain
// reverts on shutdown.
type Producer struct {
	store DurableQueue
	cfg   ProducerConfig
	log   zerolog.Logger

	deliveries chan Delivery
	wake       chan struct{}
	done       chan struct{}
	closed     atomic.Bool

	mu       sync.Mutex
	demand   int
	inflight map[string]struct{}
}

// NewProducer creates a producer over store. Call Start to begin the
// supply loop.
func NewProducer(store DurableQueue, cfg ProducerConfig) *Producer {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultProducerConfig.MaxBatch
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultProducerConfig.PollInterval
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = pipeline.General
	}

	return &Producer{
		store:      store,
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "queue_producer").Str("pipeline", string(cfg.Pipeline)).Logger(),
		deliveries: make(chan Delivery, cfg.MaxBatch),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		inflight:   make(map[string]struct{}),
	}
}

// Deliveries returns the channel consumers receive from. The channel is
// closed when the producer is closed.
func (p *Producer) Deliveries() <-chan Delivery {
	return p.deliveries
}

// Request signals that the consumer is ready for n more deliveries.
// Demand accumulates; it is the sole backpressure mechanism.
func (p *Producer) Request(n int) {
	if n <= 0 || p.closed.Load() {
		return
	}

	p.mu.Lock()
	p.demand += n
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the supply loop until ctx is cancelled or Close is called.
// Call at most once. The deliveries channel is closed when the loop
// exits.
func (p *Producer) Start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Producer) run(ctx context.Context) {
	defer close(p.deliveries)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.wake:
			p.fill(ctx)
		case <-ticker.C:
			p.fill(ctx)
		}
	}
}

// fill pulls rows up to outstanding demand and delivers them.
func (p *Producer) fill(ctx context.Context) {
	p.mu.Lock()
	want := p.demand
	if want > p.cfg.MaxBatch {
		want = p.cfg.MaxBatch
	}
	inflightCount := len(p.inflight)
	p.mu.Unlock()

	if want == 0 {
		return
	}

	// Over-select by the in-flight count: SelectPending still sees rows
	// we have delivered but not yet settled, and those must be skipped.
	rows, err := p.store.SelectPending(ctx, p.cfg.Pipeline, want+inflightCount)
	if err != nil {
		p.log.Error().Err(err).Msg("select pending failed")
		return
	}

	delivered := 0
	for _, row := range rows {
		if delivered >= want {
			break
		}

		p.mu.Lock()
		_, busy := p.inflight[row.ID]
		p.mu.Unlock()
		if busy {
			continue
		}

		env, err := row.Envelope()
		if err != nil {
			// Undecodable rows can never be processed; burn an attempt
			// so they dead-letter instead of looping forever.
			p.log.Error().Err(err).Str("event_id", row.ID).Msg("row data undecodable")
			if _, err := p.store.MarkAttemptFailed(ctx, row.ID); err != nil {
				p.log.Error().Err(err).Str("event_id", row.ID).Msg("mark undecodable row failed")
			}
			continue
		}

		d := Delivery{
			Envelope: env,
			Pipeline: row.Pipeline,
			Attempt:  row.Attempts + 1,
			token:    row.ID,
		}

		select {
		case p.deliveries <- d:
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}

		p.mu.Lock()
		p.inflight[row.ID] = struct{}{}
		p.demand--
		p.mu.Unlock()

		metrics.DeliveredTotal.WithLabelValues(string(row.Pipeline)).Inc()
		delivered++
	}

	if delivered > 0 {
		p.log.Debug().Int("delivered", delivered).Msg("batch delivered")
	}
}

// Drain pessimistically reverts every in-flight delivery to the failed
// state in one transaction, so nothing is lost when consumers disappear
// mid-processing. Call during orderly shutdown, after consumers have
// stopped.
func (p *Producer) Drain(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	if err := p.store.RevertInFlight(ctx, ids); err != nil {
		return err
	}

	p.mu.Lock()
	for _, id := range ids {
		delete(p.inflight, id)
	}
	p.mu.Unlock()

	metrics.RevertedTotal.WithLabelValues(string(p.cfg.Pipeline)).Add(float64(len(ids)))
	p.log.Info().Int("reverted", len(ids)).Msg("drained in-flight deliveries")
	return nil
}

// InFlight returns the number of unacknowledged deliveries.
func (p *Producer) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Stats reports the store's counts with the producer's in-flight
// deliveries overlaid as the processing count.
func (p *Producer) Stats(ctx context.Context) (Stats, error) {
	stats, err := p.store.Stats(ctx, p.cfg.Pipeline)
	if err != nil {
		return Stats{}, err
	}
	stats.Processing = p.InFlight()
	return stats, nil
}

// Close stops the supply loop. Safe to call more than once.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.done)
	return nil
}

// settle removes a delivery from the in-flight set once the
// acknowledger has resolved it.
func (p *Producer) settle(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}
