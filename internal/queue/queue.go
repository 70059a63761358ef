// Package queue implements the durable work-item queue backing capture.
// Items live in a table inside the shared SQLite database so state
// transitions are transactional and survive process restarts.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/memory-pipeline/internal/model"
)

// ErrNotFound is returned when a work item does not exist.
var ErrNotFound = errors.New("work item not found")

// itemTimeLayout is RFC3339 with a fixed-width fraction. The time columns
// are TEXT and compared lexicographically in SQL, which RFC3339Nano breaks:
// it trims trailing zeros, and ".5Z" sorts after ".52Z".
const itemTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Options tunes retry behaviour.
type Options struct {
	// MaxAttempts is the ceiling before a released item turns terminal.
	MaxAttempts int
	// Backoff is the base delay; eligibility backs off exponentially per attempt.
	Backoff time.Duration
}

// DefaultOptions returns the standard retry policy.
func DefaultOptions() Options {
	return Options{MaxAttempts: 5, Backoff: 30 * time.Second}
}

// Queue is the durable work-item queue.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates the queue over a shared database handle and ensures its table
// exists.
func New(db *sql.DB, opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultOptions().Backoff
	}

	q := &Queue{db: db, opts: opts}
	if err := q.migrate(); err != nil {
		return nil, fmt.Errorf("queue migrate: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`
	CREATE TABLE IF NOT EXISTS work_items (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		record_id   TEXT NOT NULL,
		state       TEXT NOT NULL DEFAULT 'pending',
		attempts    INTEGER NOT NULL DEFAULT 0,
		not_before  TEXT,
		last_error  TEXT,
		enqueued_at TEXT NOT NULL,
		claimed_at  TEXT,
		done_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_state ON work_items(state, enqueued_at);
	`)
	return err
}

// Enqueue appends a work item. It only writes a single row, so capture
// latency is bounded regardless of downstream processing.
func (q *Queue) Enqueue(ctx context.Context, kind, payload, recordID string) (*model.WorkItem, error) {
	item := &model.WorkItem{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    payload,
		RecordID:   recordID,
		State:      model.ItemPending,
		EnqueuedAt: time.Now().UTC(),
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO work_items (id, kind, payload, record_id, state, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, item.Payload, item.RecordID, item.State,
		item.EnqueuedAt.Format(itemTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return item, nil
}

// ClaimPending atomically claims up to maxN eligible pending items in FIFO
// order, marking each processing with a compare-and-set on its state so no
// two concurrent workers claim the same item.
func (q *Queue) ClaimPending(ctx context.Context, maxN int) ([]model.WorkItem, error) {
	if maxN <= 0 {
		maxN = 10
	}
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items
		 WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
		 ORDER BY enqueued_at ASC LIMIT ?`,
		model.ItemPending, now.Format(itemTimeLayout), maxN)
	if err != nil {
		return nil, err
	}
	candidates, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	var claimed []model.WorkItem
	for _, item := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE work_items SET state = ?, claimed_at = ? WHERE id = ? AND state = ?`,
			model.ItemProcessing, now.Format(itemTimeLayout), item.ID, model.ItemPending)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			item.State = model.ItemProcessing
			t := now
			item.ClaimedAt = &t
			claimed = append(claimed, item)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted transitions items from processing to completed. Idempotent:
// already-completed ids are left untouched.
func (q *Queue) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(itemTimeLayout)
	for _, id := range ids {
		_, err := q.db.ExecContext(ctx,
			`UPDATE work_items SET state = ?, done_at = ? WHERE id = ? AND state = ?`,
			model.ItemCompleted, now, id, model.ItemProcessing)
		if err != nil {
			return fmt.Errorf("mark completed %s: %w", id, err)
		}
	}
	return nil
}

// MarkFailed transitions an item to the terminal failed state with a
// diagnostic. Idempotent; the item is retained for operator review.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC().Format(itemTimeLayout)
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET state = ?, last_error = ?, done_at = ?
		 WHERE id = ? AND state IN (?, ?)`,
		model.ItemFailed, reason, now, id, model.ItemProcessing, model.ItemPending)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Release returns a transiently-failed item to pending with an incremented
// attempt counter and an exponential not-before backoff. Once the attempt
// ceiling is reached the item turns terminally failed instead.
func (q *Queue) Release(ctx context.Context, id, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM work_items WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	now := time.Now().UTC()

	if attempts >= q.opts.MaxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET state = ?, attempts = ?, last_error = ?, done_at = ?
			 WHERE id = ? AND state = ?`,
			model.ItemFailed, attempts, reason, now.Format(itemTimeLayout),
			id, model.ItemProcessing)
	} else {
		notBefore := now.Add(q.opts.Backoff * (1 << (attempts - 1)))
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET state = ?, attempts = ?, last_error = ?, not_before = ?, claimed_at = NULL
			 WHERE id = ? AND state = ?`,
			model.ItemPending, attempts, reason, notBefore.Format(itemTimeLayout),
			id, model.ItemProcessing)
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	return tx.Commit()
}

// ReclaimStale returns items stuck in processing beyond the staleness
// threshold to pending. Crash recovery: a worker that died mid-batch leaves
// claims behind, and this sweep makes them eligible again exactly once.
func (q *Queue) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold).Format(itemTimeLayout)
	res, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET state = ?, claimed_at = NULL
		 WHERE state = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		model.ItemPending, model.ItemProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get returns a work item in any state.
func (q *Queue) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Failed returns terminally-failed items for manual review.
func (q *Queue) Failed(ctx context.Context) ([]model.WorkItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE state = ? ORDER BY enqueued_at ASC`,
		model.ItemFailed)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// Stats returns item counts per state.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM work_items GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats[state] = n
	}
	return stats, rows.Err()
}

// PurgeTerminal deletes completed and failed items older than the cutoff.
// Non-terminal items are never deleted.
func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(itemTimeLayout)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE state IN (?, ?) AND done_at IS NOT NULL AND done_at < ?`,
		model.ItemCompleted, model.ItemFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const itemColumns = `id, kind, payload, record_id, state, attempts, not_before, last_error,
	enqueued_at, claimed_at, done_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*model.WorkItem, error) {
	var item model.WorkItem
	var notBefore, lastError, claimedAt, doneAt sql.NullString
	var enqueuedAt string

	err := row.Scan(&item.ID, &item.Kind, &item.Payload, &item.RecordID, &item.State,
		&item.Attempts, &notBefore, &lastError, &enqueuedAt, &claimedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	item.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	if notBefore.Valid {
		t, _ := time.Parse(time.RFC3339Nano, notBefore.String)
		item.NotBefore = &t
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	if claimedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, claimedAt.String)
		item.ClaimedAt = &t
	}
	if doneAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, doneAt.String)
		item.DoneAt = &t
	}
	return &item, nil
}

func collectItems(rows *sql.Rows) ([]model.WorkItem, error) {
	defer rows.Close()
	var items []model.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
