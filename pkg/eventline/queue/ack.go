package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/randalmurphal/eventline/pkg/eventline/metrics"
)

// Acknowledger finalizes deliveries: successful rows are deleted,
// failed rows burn an attempt and either become retryable or
// dead-letter at the ceiling.
type Acknowledger struct {
	store    DurableQueue
	producer *Producer // settles in-flight tracking; may be nil
	log      zerolog.Logger
}

// NewAcknowledger creates an acknowledger over store. producer may be
// nil when deliveries are constructed outside a Producer (tests, manual
// redelivery tooling).
func NewAcknowledger(store DurableQueue, producer *Producer, logger zerolog.Logger) *Acknowledger {
	return &Acknowledger{
		store:    store,
		producer: producer,
		log:      logger.With().Str("component", "acknowledger").Logger(),
	}
}

// Ack resolves a batch of delivery outcomes. The two lists are
// processed independently and each row operation is its own
// transaction: one row's failure never blocks the rest, so the contract
// is at-least-once per row, not all-or-nothing per batch. All row
// errors are joined into the returned error.
func (a *Acknowledger) Ack(ctx context.Context, successful, failed []Delivery) error {
	var errs []error

	for _, d := range successful {
		if err := a.store.Delete(ctx, d.token); err != nil {
			a.log.Error().Err(err).Str("event_id", d.token).Msg("delete acknowledged row failed")
			errs = append(errs, fmt.Errorf("ack %s: %w", d.token, err))
			continue
		}
		a.settle(d.token)
		metrics.AckSuccessTotal.WithLabelValues(string(d.Pipeline)).Inc()
	}

	for _, d := range failed {
		status, err := a.store.MarkAttemptFailed(ctx, d.token)
		if err != nil {
			a.log.Error().Err(err).Str("event_id", d.token).Msg("mark attempt failed errored")
			errs = append(errs, fmt.Errorf("nack %s: %w", d.token, err))
			continue
		}
		a.settle(d.token)
		metrics.AckFailureTotal.WithLabelValues(string(d.Pipeline)).Inc()

		if status == StatusDeadLetter {
			metrics.DeadLetterTotal.WithLabelValues(string(d.Pipeline)).Inc()
			a.log.Warn().
				Str("event_id", d.token).
				Str("event_name", d.Envelope.Name()).
				Int("attempt", d.Attempt).
				Msg("event dead-lettered")
		}
	}

	return errors.Join(errs...)
}

func (a *Acknowledger) settle(id string) {
	if a.producer != nil {
		a.producer.settle(id)
	}
}
