package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
)

// KafkaBroadcasterConfig configures a KafkaBroadcaster.
type KafkaBroadcasterConfig struct {
	// Brokers lists the Kafka bootstrap addresses. Required.
	Brokers []string

	// Topic is the broadcast topic. Required.
	Topic string

	// BatchTimeout bounds how long the writer holds messages before
	// flushing. Default: 100ms, keeping the degraded path low latency.
	BatchTimeout time.Duration

	// Logger for broadcast failures. Default: disabled.
	Logger zerolog.Logger
}

// KafkaBroadcaster publishes fallback broadcasts to a Kafka topic so
// cross-process subscribers see degraded-mode traffic too. Messages are
// keyed by correlation ID to keep one trace on one partition. Delivery
// remains at most once from the bus's point of view: a failed write is
// reported but never retried.
type KafkaBroadcaster struct {
	writer *kafka.Writer
	log    zerolog.Logger
	closed atomic.Bool
}

// NewKafkaBroadcaster creates a Kafka-backed broadcaster.
func NewKafkaBroadcaster(cfg KafkaBroadcasterConfig) (*KafkaBroadcaster, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaBroadcaster{
		writer: writer,
		log:    cfg.Logger.With().Str("component", "kafka_broadcaster").Logger(),
	}, nil
}

// Broadcast implements Broadcaster.
func (k *KafkaBroadcaster) Broadcast(ctx context.Context, env *event.Envelope) error {
	if k.closed.Load() {
		return ErrBroadcasterClosed
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("serialize event %s: %w", env.ID(), err)
	}

	msg := kafka.Message{
		Key:   []byte(env.CorrelationID()),
		Value: value,
		Time:  env.CreatedAt(),
		Headers: []kafka.Header{
			{Key: "event_name", Value: []byte(env.Name())},
			{Key: "event_source", Value: []byte(env.Source())},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Error().Err(err).Str("event_id", env.ID()).Msg("kafka broadcast failed")
		return fmt.Errorf("broadcast event %s: %w", env.ID(), err)
	}
	return nil
}

// Close implements Broadcaster.
func (k *KafkaBroadcaster) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.writer.Close()
}
