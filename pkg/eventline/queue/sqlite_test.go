package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
	"github.com/randalmurphal/eventline/pkg/eventline/queue"
)

func newEnvelope(t *testing.T, name string) *event.Envelope {
	t.Helper()
	env, err := event.New(event.Attrs{
		Name:    name,
		Source:  "link",
		Payload: map[string]any{"n": name},
	}, nil)
	require.NoError(t, err)
	return env
}

func openQueue(t *testing.T, opts queue.QueueOptions) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.OpenSQLite(":memory:", opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSQLiteQueue_EnqueueAndSelect(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	ctx := context.Background()

	env := newEnvelope(t, "system.email.sent")
	require.NoError(t, q.Enqueue(ctx, env, pipeline.General))

	rows, err := q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, env.ID(), row.ID)
	assert.Equal(t, pipeline.General, row.Pipeline)
	assert.Equal(t, queue.StatusPending, row.Status)
	assert.Equal(t, 0, row.Attempts)

	decoded, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, env.Name(), decoded.Name())
	assert.Equal(t, env.CorrelationID(), decoded.CorrelationID())
}

func TestSQLiteQueue_FIFOWithinPipeline(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	ctx := context.Background()

	a := newEnvelope(t, "system.order.a")
	time.Sleep(2 * time.Millisecond)
	b := newEnvelope(t, "system.order.b")
	time.Sleep(2 * time.Millisecond)
	c := newEnvelope(t, "system.order.c")

	require.NoError(t, q.Enqueue(ctx, a, pipeline.General))
	require.NoError(t, q.Enqueue(ctx, b, pipeline.General))
	require.NoError(t, q.Enqueue(ctx, c, pipeline.General))

	rows, err := q.SelectPending(ctx, pipeline.General, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, a.ID(), rows[0].ID)
	assert.Equal(t, b.ID(), rows[1].ID)
	assert.Equal(t, c.ID(), rows[2].ID)
}

func TestSQLiteQueue_PipelinesAreIndependent(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newEnvelope(t, "system.a.b"), pipeline.General))
	require.NoError(t, q.Enqueue(ctx, newEnvelope(t, "system.c.d"), pipeline.Realtime))

	general, err := q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	realtime, err := q.SelectPending(ctx, pipeline.Realtime, 10)
	require.NoError(t, err)

	assert.Len(t, general, 1)
	assert.Len(t, realtime, 1)
}

func TestSQLiteQueue_EnqueueManyAtomic(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	ctx := context.Background()

	good := newEnvelope(t, "system.batch.one")
	err := q.EnqueueMany(ctx, []*event.Envelope{good, nil}, pipeline.General)
	require.Error(t, err)

	// The valid envelope must not have been written either.
	stats, err := q.Stats(ctx, pipeline.General)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	// A clean batch commits together.
	envs := []*event.Envelope{
		newEnvelope(t, "system.batch.two"),
		newEnvelope(t, "system.batch.three"),
	}
	require.NoError(t, q.EnqueueMany(ctx, envs, pipeline.General))

	stats, err = q.Stats(ctx, pipeline.General)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
}

func TestSQLiteQueue_DeleteIdempotent(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	ctx := context.Background()

	env := newEnvelope(t, "system.email.sent")
	require.NoError(t, q.Enqueue(ctx, env, pipeline.General))

	require.NoError(t, q.Delete(ctx, env.ID()))
	require.NoError(t, q.Delete(ctx, env.ID())) // second delete is a no-op

	stats, err := q.Stats(ctx, pipeline.General)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestSQLiteQueue_MarkAttemptFailed(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{RetryBackoff: time.Millisecond})
	ctx := context.Background()

	env := newEnvelope(t, "system.email.sent")
	require.NoError(t, q.Enqueue(ctx, env, pipeline.General))

	status, err := q.MarkAttemptFailed(ctx, env.ID())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)

	status, err = q.MarkAttemptFailed(ctx, env.ID())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, status)

	status, err = q.MarkAttemptFailed(ctx, env.ID())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDeadLetter, status)
}

func TestSQLiteQueue_MarkAttemptFailedMissingRow(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})

	_, err := q.MarkAttemptFailed(context.Background(), "no-such-row")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestSQLiteQueue_DeadLetterExcludedAndRetained(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{RetryBackoff: time.Millisecond})
	ctx := context.Background()

	env := newEnvelope(t, "system.email.sent")
	require.NoError(t, q.Enqueue(ctx, env, pipeline.General))

	for i := 0; i < queue.DefaultRetryCeiling; i++ {
		_, err := q.MarkAttemptFailed(ctx, env.ID())
		require.NoError(t, err)
	}

	time.Sleep(5 * time.Millisecond)
	rows, err := q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "dead-lettered rows must never be selected")

	// Retained for inspection, not deleted.
	stats, err := q.Stats(ctx, pipeline.General)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetter)
	assert.Equal(t, 1, stats.Total)
}

func TestSQLiteQueue_FailedRowsRequeueAfterBackoff(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{RetryBackoff: 50 * time.Millisecond})
	ctx := context.Background()

	env := newEnvelope(t, "system.email.sent")
	require.NoError(t, q.Enqueue(ctx, env, pipeline.General))

	_, err := q.MarkAttemptFailed(ctx, env.ID())
	require.NoError(t, err)

	// Inside the grace window the row is not selectable.
	rows, err := q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	time.Sleep(80 * time.Millisecond)

	rows, err = q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, queue.StatusFailed, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
}

func TestSQLiteQueue_RevertInFlight(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{RetryBackoff: time.Millisecond})
	ctx := context.Background()

	a := newEnvelope(t, "system.drain.a")
	b := newEnvelope(t, "system.drain.b")
	require.NoError(t, q.Enqueue(ctx, a, pipeline.General))
	require.NoError(t, q.Enqueue(ctx, b, pipeline.General))

	require.NoError(t, q.RevertInFlight(ctx, []string{a.ID(), b.ID()}))

	time.Sleep(5 * time.Millisecond)
	rows, err := q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, queue.StatusFailed, row.Status)
		assert.Equal(t, 1, row.Attempts)
	}
}

func TestSQLiteQueue_RevertInFlightAtomic(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{RetryBackoff: time.Millisecond})
	ctx := context.Background()

	a := newEnvelope(t, "system.drain.a")
	require.NoError(t, q.Enqueue(ctx, a, pipeline.General))

	// One missing id aborts the whole revert.
	err := q.RevertInFlight(ctx, []string{a.ID(), "no-such-row"})
	require.ErrorIs(t, err, queue.ErrNotFound)

	time.Sleep(5 * time.Millisecond)
	rows, err := q.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, queue.StatusPending, rows[0].Status)
	assert.Equal(t, 0, rows[0].Attempts)
}

func TestSQLiteQueue_Stats(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, newEnvelope(t, "system.stats.pending"), pipeline.General))
	}
	failed := newEnvelope(t, "system.stats.failed")
	require.NoError(t, q.Enqueue(ctx, failed, pipeline.General))
	_, err := q.MarkAttemptFailed(ctx, failed.ID())
	require.NoError(t, err)

	stats, err := q.Stats(ctx, pipeline.General)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 4, stats.Total)
}

func TestSQLiteQueue_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	q1, err := queue.OpenSQLite(dbPath, queue.QueueOptions{})
	require.NoError(t, err)

	env := newEnvelope(t, "system.email.sent")
	require.NoError(t, q1.Enqueue(ctx, env, pipeline.General))
	require.NoError(t, q1.Close())

	// Rows survive a reopen.
	q2, err := queue.OpenSQLite(dbPath, queue.QueueOptions{})
	require.NoError(t, err)
	defer q2.Close()

	rows, err := q2.SelectPending(ctx, pipeline.General, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, env.ID(), rows[0].ID)
}

func TestSQLiteQueue_ClosedOperationsFail(t *testing.T) {
	q := openQueue(t, queue.QueueOptions{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close()) // close is idempotent

	ctx := context.Background()
	assert.ErrorIs(t, q.Enqueue(ctx, newEnvelope(t, "system.a.b"), pipeline.General), queue.ErrQueueClosed)
	_, err := q.SelectPending(ctx, pipeline.General, 1)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	assert.ErrorIs(t, q.Delete(ctx, "x"), queue.ErrQueueClosed)
}
