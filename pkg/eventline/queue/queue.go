// Package queue implements the durable delivery pipeline: a
// transaction-backed table of admitted events, a demand-driven producer
// that feeds consumers, and the acknowledgment state machine that
// governs at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
)

// Status is the persisted lifecycle state of a queue row.
type Status string

const (
	// StatusPending rows are awaiting first delivery.
	StatusPending Status = "pending"

	// StatusFailed rows had a failed delivery and become selectable
	// again after the retry backoff window.
	StatusFailed Status = "failed"

	// StatusDeadLetter is terminal: the row exhausted its retry budget
	// and is retained for offline inspection only.
	StatusDeadLetter Status = "dead_letter"
)

// StatusProcessing is the virtual in-flight state. It is never written
// to the store: a row is "processing" while its ID sits in a producer's
// in-flight set, which keeps delivery a read-only operation and leaves
// unacknowledged rows retrievable after a drain.
const StatusProcessing Status = "processing"

// DefaultRetryCeiling is the attempt budget per row: one initial
// delivery plus two retries before dead-lettering.
const DefaultRetryCeiling = 3

// DefaultRetryBackoff is the grace window before a failed row becomes
// selectable again.
const DefaultRetryBackoff = 5 * time.Second

// Sentinel errors.
var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("queue row not found")

	// ErrQueueClosed indicates the store has been closed.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrProducerClosed indicates the producer has been closed.
	ErrProducerClosed = errors.New("producer is closed")
)

// Row is the persisted form of an admitted event.
type Row struct {
	ID            string
	Pipeline      pipeline.Pipeline
	Priority      event.Priority
	Status        Status
	Attempts      int
	Data          []byte
	CreatedAt     time.Time
	LastAttemptAt time.Time // zero until the first failed attempt
}

// Envelope decodes the row's serialized event.
func (r *Row) Envelope() (*event.Envelope, error) {
	var env event.Envelope
	if err := env.UnmarshalJSON(r.Data); err != nil {
		return nil, err
	}
	return &env, nil
}

// Stats is a point-in-time view of one pipeline's rows. Processing is
// filled in by the producer that tracks in-flight deliveries; the store
// alone always reports zero.
type Stats struct {
	Pending    int
	Processing int
	Failed     int
	DeadLetter int
	Total      int
}

// Delivery wraps one attempt to hand a row to a consumer. It carries the
// decoded envelope and an opaque acknowledgment token, and is discarded
// once the consumer resolves it through Acknowledger.Ack. Never
// persisted.
type Delivery struct {
	Envelope *event.Envelope
	Pipeline pipeline.Pipeline

	// Attempt is 1 for the first delivery of a row.
	Attempt int

	token string
}

// Token returns the opaque acknowledgment token for this delivery.
func (d Delivery) Token() string { return d.token }

// DurableQueue is the transactional table the delivery pipeline runs on.
// Every operation is atomic: a crash mid-operation never leaves a row
// half-written. Implementations must be safe for concurrent use.
type DurableQueue interface {
	// Enqueue inserts one row for env in a single transaction. On any
	// failure the row does not exist.
	Enqueue(ctx context.Context, env *event.Envelope, p pipeline.Pipeline) error

	// EnqueueMany inserts all envelopes in one transaction,
	// all-or-nothing.
	EnqueueMany(ctx context.Context, envs []*event.Envelope, p pipeline.Pipeline) error

	// SelectPending returns up to limit selectable rows for a pipeline,
	// oldest first. Pending rows are always selectable; failed rows only
	// after the retry backoff since their last attempt. Dead-lettered
	// rows are never returned.
	SelectPending(ctx context.Context, p pipeline.Pipeline, limit int) ([]Row, error)

	// MarkAttemptFailed increments the row's attempt counter and moves
	// it to StatusFailed, or StatusDeadLetter once the counter reaches
	// the retry ceiling. Returns the resulting status.
	MarkAttemptFailed(ctx context.Context, id string) (Status, error)

	// Delete removes a row permanently. Deleting a missing row is a
	// no-op, not an error.
	Delete(ctx context.Context, id string) error

	// RevertInFlight pessimistically fails every given row in one
	// transaction. Used on drain so in-flight work is not lost to
	// process death.
	RevertInFlight(ctx context.Context, ids []string) error

	// Stats reports point-in-time row counts for a pipeline.
	Stats(ctx context.Context, p pipeline.Pipeline) (Stats, error)
}
