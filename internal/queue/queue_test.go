package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memory-pipeline/internal/model"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "test.db")+"?_pragma=journal_mode(wal)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := New(db, opts)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return q
}

func TestEnqueueAndClaimFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	first, _ := q.Enqueue(ctx, model.KindText, "first note", "rec-1")
	q.Enqueue(ctx, model.KindText, "second note", "rec-2")

	claimed, err := q.ClaimPending(ctx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}
	if claimed[0].ID != first.ID {
		t.Errorf("expected FIFO order, got %s", claimed[0].ID)
	}
	if claimed[0].State != model.ItemProcessing {
		t.Errorf("expected processing, got %s", claimed[0].State)
	}

	// The claimed item must not be claimable again.
	again, _ := q.ClaimPending(ctx, 10)
	for _, item := range again {
		if item.ID == first.ID {
			t.Error("item claimed twice")
		}
	}
	if len(again) != 1 {
		t.Errorf("expected only the second item, got %d", len(again))
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	item, _ := q.Enqueue(ctx, model.KindText, "note", "rec-1")
	q.ClaimPending(ctx, 1)

	if err := q.MarkCompleted(ctx, []string{item.ID}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := q.MarkCompleted(ctx, []string{item.ID}); err != nil {
		t.Fatalf("second mark completed: %v", err)
	}

	got, _ := q.Get(ctx, item.ID)
	if got.State != model.ItemCompleted {
		t.Errorf("expected completed, got %s", got.State)
	}
	if got.DoneAt == nil {
		t.Error("expected done_at to be set")
	}
}

func TestReleaseBacksOffAndRetries(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxAttempts: 3, Backoff: 20 * time.Millisecond})

	item, _ := q.Enqueue(ctx, model.KindText, "note", "rec-1")
	q.ClaimPending(ctx, 1)

	if err := q.Release(ctx, item.ID, "extraction timeout"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, _ := q.Get(ctx, item.ID)
	if got.State != model.ItemPending {
		t.Fatalf("expected pending after release, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.LastError != "extraction timeout" {
		t.Errorf("expected error recorded, got %q", got.LastError)
	}

	// Not eligible until the backoff window passes.
	claimed, _ := q.ClaimPending(ctx, 10)
	if len(claimed) != 0 {
		t.Fatalf("expected backoff to gate eligibility, claimed %d", len(claimed))
	}

	time.Sleep(30 * time.Millisecond)
	claimed, _ = q.ClaimPending(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected item eligible after backoff, claimed %d", len(claimed))
	}
}

func TestReleaseAtCeilingTurnsFailed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{MaxAttempts: 2, Backoff: time.Millisecond})

	item, _ := q.Enqueue(ctx, model.KindText, "note", "rec-1")

	q.ClaimPending(ctx, 1)
	q.Release(ctx, item.ID, "timeout 1")

	time.Sleep(5 * time.Millisecond)
	q.ClaimPending(ctx, 1)
	if err := q.Release(ctx, item.ID, "timeout 2"); err != nil {
		t.Fatalf("release at ceiling: %v", err)
	}

	got, _ := q.Get(ctx, item.ID)
	if got.State != model.ItemFailed {
		t.Errorf("expected failed at attempt ceiling, got %s", got.State)
	}
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}
	if got.LastError != "timeout 2" {
		t.Errorf("expected last error preserved, got %q", got.LastError)
	}

	failed, _ := q.Failed(ctx)
	if len(failed) != 1 {
		t.Errorf("expected failed item surfaced for review, got %d", len(failed))
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	item, _ := q.Enqueue(ctx, model.KindVoice, "/tmp/a.wav", "rec-1")
	q.ClaimPending(ctx, 1)

	// A fresh claim is not stale.
	n, err := q.ReclaimStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 reclaimed with large threshold, got %d", n)
	}

	// With a zero threshold the claim is stale immediately.
	time.Sleep(2 * time.Millisecond)
	n, _ = q.ReclaimStale(ctx, 0)
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	got, _ := q.Get(ctx, item.ID)
	if got.State != model.ItemPending {
		t.Errorf("expected pending after reclaim, got %s", got.State)
	}

	// Reclaimed exactly once: a second sweep finds nothing.
	n, _ = q.ReclaimStale(ctx, 0)
	if n != 0 {
		t.Errorf("expected 0 on second sweep, got %d", n)
	}

	// And the item is claimable again for reprocessing.
	claimed, _ := q.ClaimPending(ctx, 1)
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Error("expected reclaimed item to be claimable")
	}
}

func TestStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	a, _ := q.Enqueue(ctx, model.KindText, "a", "rec-a")
	q.Enqueue(ctx, model.KindText, "b", "rec-b")

	q.ClaimPending(ctx, 1)
	q.MarkCompleted(ctx, []string{a.ID})

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[model.ItemCompleted] != 1 || stats[model.ItemPending] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}

	time.Sleep(2 * time.Millisecond)
	n, err := q.PurgeTerminal(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}

	// Pending items are never purged.
	stats, _ = q.Stats(ctx)
	if stats[model.ItemPending] != 1 {
		t.Errorf("pending item should survive purge: %v", stats)
	}
}

func TestItemTimeKeysSortChronologically(t *testing.T) {
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	// 500ms is a string prefix of 520ms once trailing zeros are trimmed,
	// which is exactly the case a variable-width fraction mis-sorts.
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(520 * time.Millisecond),
		base.Add(time.Second),
	}
	prev := ""
	for i, ts := range times {
		key := ts.Format(itemTimeLayout)
		if i > 0 && prev >= key {
			t.Errorf("key %q does not sort after %q", key, prev)
		}
		parsed, err := time.Parse(time.RFC3339Nano, key)
		if err != nil {
			t.Fatalf("parse %q: %v", key, err)
		}
		if !parsed.Equal(ts) {
			t.Errorf("round trip = %v, want %v", parsed, ts)
		}
		prev = key
	}
}

func TestClaimOrderStableAtSubsecondResolution(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	// Insert out of order with enqueue times whose fractions are string
	// prefixes of each other; FIFO must still follow chronology.
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	rows := []struct {
		id string
		at time.Time
	}{
		{"later", base.Add(520 * time.Millisecond)},
		{"earlier", base.Add(500 * time.Millisecond)},
	}
	for _, r := range rows {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO work_items (id, kind, payload, record_id, state, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.id, model.KindText, "note", "rec-"+r.id, model.ItemPending,
			r.at.Format(itemTimeLayout)); err != nil {
			t.Fatalf("insert %s: %v", r.id, err)
		}
	}

	claimed, err := q.ClaimPending(ctx, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "earlier" {
		t.Fatalf("claimed %+v, want the chronologically earlier item", claimed)
	}
}

func TestMarkFailedFromPending(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	item, _ := q.Enqueue(ctx, model.KindText, "malformed", "rec-1")
	if err := q.MarkFailed(ctx, item.ID, "malformed payload"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := q.Get(ctx, item.ID)
	if got.State != model.ItemFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	if got.LastError != "malformed payload" {
		t.Errorf("expected diagnostic preserved, got %q", got.LastError)
	}
}
