package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventline/pkg/eventline/event"
	"github.com/randalmurphal/eventline/pkg/eventline/pipeline"
)

// timeLayout is a fixed-width RFC 3339 form. Unlike RFC3339Nano it
// never trims trailing zeros, so stored timestamps compare correctly
// as strings in ORDER BY and cutoff predicates.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteQueue is a DurableQueue backed by SQLite. All pipelines share
// one table with a pipeline discriminant column, so select and update
// logic is uniform. The handle is constructed once at startup and
// threaded through dependency injection; there is no global registry.
type SQLiteQueue struct {
	db           *sql.DB
	retryCeiling int
	retryBackoff time.Duration

	mu     sync.Mutex
	closed bool
}

// QueueOptions tune a SQLiteQueue. Zero values take the defaults.
type QueueOptions struct {
	// RetryCeiling is the attempt budget before dead-lettering.
	// Default: DefaultRetryCeiling.
	RetryCeiling int

	// RetryBackoff is the grace window before a failed row is
	// re-selectable. Default: DefaultRetryBackoff.
	RetryBackoff time.Duration
}

// OpenSQLite opens (or creates) a queue database. The path should be a
// file path (e.g. "./events.db") or ":memory:" for testing.
func OpenSQLite(path string, opts QueueOptions) (*SQLiteQueue, error) {
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = DefaultRetryCeiling
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_events (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL,
			created_at TEXT NOT NULL,
			last_attempt_at TEXT
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queue_events_select
		ON queue_events(status, pipeline, priority, created_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteQueue{
		db:           db,
		retryCeiling: opts.RetryCeiling,
		retryBackoff: opts.RetryBackoff,
	}, nil
}

// RetryCeiling returns the configured attempt budget.
func (q *SQLiteQueue) RetryCeiling() int { return q.retryCeiling }

// Enqueue implements DurableQueue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, env *event.Envelope, p pipeline.Pipeline) error {
	return q.EnqueueMany(ctx, []*event.Envelope{env}, p)
}

// EnqueueMany implements DurableQueue. All rows are written in a single
// transaction: on any failure none of them exist.
func (q *SQLiteQueue) EnqueueMany(ctx context.Context, envs []*event.Envelope, p pipeline.Pipeline) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(envs) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	for _, env := range envs {
		if env == nil {
			return fmt.Errorf("enqueue: nil envelope")
		}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("serialize event %s: %w", env.ID(), err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_events (id, pipeline, priority, status, attempts, data, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, env.ID(), string(p), string(env.Priority()), string(StatusPending),
			data, env.CreatedAt().UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("enqueue event %s: %w", env.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// SelectPending implements DurableQueue. A single statement reads a
// consistent snapshot, oldest rows first.
func (q *SQLiteQueue) SelectPending(ctx context.Context, p pipeline.Pipeline, limit int) ([]Row, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	cutoff := time.Now().UTC().Add(-q.retryBackoff).Format(timeLayout)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, pipeline, priority, status, attempts, data, created_at, last_attempt_at
		FROM queue_events
		WHERE pipeline = ?
		  AND (status = ? OR (status = ? AND last_attempt_at <= ?))
		ORDER BY created_at, id
		LIMIT ?
	`, string(p), string(StatusPending), string(StatusFailed), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	return out, nil
}

// MarkAttemptFailed implements DurableQueue. The read-modify-write runs
// in one transaction so concurrent failures never double-count.
func (q *SQLiteQueue) MarkAttemptFailed(ctx context.Context, id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin mark failed: %w", err)
	}
	defer tx.Rollback()

	status, err := markFailedTx(ctx, tx, id, q.retryCeiling)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit mark failed: %w", err)
	}
	return status, nil
}

// Delete implements DurableQueue. Deleting a missing row is a no-op.
func (q *SQLiteQueue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_events WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("delete queue row: %w", err)
	}
	return nil
}

// RevertInFlight implements DurableQueue. All reverts commit together.
func (q *SQLiteQueue) RevertInFlight(ctx context.Context, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revert: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := markFailedTx(ctx, tx, id, q.retryCeiling); err != nil {
			return fmt.Errorf("revert row %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revert: %w", err)
	}
	return nil
}

// Stats implements DurableQueue. Processing is always zero at the store
// level; the producer overlays its in-flight count.
func (q *SQLiteQueue) Stats(ctx context.Context, p pipeline.Pipeline) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Stats{}, ErrQueueClosed
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM queue_events
		WHERE pipeline = ?
		GROUP BY status
	`, string(p))
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusFailed:
			stats.Failed = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// Close releases the database handle. Safe to call more than once.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// markFailedTx performs the attempt-counter transition inside an open
// transaction.
func markFailedTx(ctx context.Context, tx *sql.Tx, id string, ceiling int) (Status, error) {
	var attempts int
	err := tx.QueryRowContext(ctx, `
		SELECT attempts FROM queue_events WHERE id = ?
	`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("row %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read attempts: %w", err)
	}

	attempts++
	status := StatusFailed
	if attempts >= ceiling {
		status = StatusDeadLetter
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_events
		SET attempts = ?, status = ?, last_attempt_at = ?
		WHERE id = ?
	`, attempts, string(status), time.Now().UTC().Format(timeLayout), id); err != nil {
		return "", fmt.Errorf("update attempts: %w", err)
	}
	return status, nil
}

// scanRow reads one queue row from a result set.
func scanRow(rows *sql.Rows) (Row, error) {
	var (
		row           Row
		pipe          string
		priority      string
		status        string
		createdAt     string
		lastAttemptAt sql.NullString
	)
	if err := rows.Scan(&row.ID, &pipe, &priority, &status, &row.Attempts,
		&row.Data, &createdAt, &lastAttemptAt); err != nil {
		return Row{}, err
	}

	row.Pipeline = pipeline.Pipeline(pipe)
	row.Priority = event.Priority(priority)
	row.Status = Status(status)
	row.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if lastAttemptAt.Valid {
		row.LastAttemptAt, _ = time.Parse(timeLayout, lastAttemptAt.String)
	}
	return row, nil
}
