package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/memory-pipeline/internal/consolidate"
	"github.com/rcliao/memory-pipeline/internal/embedding"
	"github.com/rcliao/memory-pipeline/internal/extract"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/pipeline"
	"github.com/rcliao/memory-pipeline/internal/queue"
	"github.com/rcliao/memory-pipeline/internal/store"
)

func newScheduler(t *testing.T) (*Scheduler, *store.Store, *queue.Queue) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "memory.db"), time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q, err := queue.New(s.DB(), queue.DefaultOptions())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stage := pipeline.New(s, q, extract.StubTranscriber{}, extract.StubExtractor{},
		embedding.NewHashEmbedder(64), pipeline.DefaultOptions(), logger)
	engine := consolidate.New(s, nil, consolidate.DefaultPolicy(), logger)
	return New(s, stage, engine, 10*time.Millisecond, logger), s, q
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	sched, _, _ := newScheduler(t)

	// Replace the daily job with a controllable body: it blocks until
	// released and counts executions.
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	sched.jobs[JobDaily].fn = func(context.Context, time.Time) error {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return nil
	}

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- sched.Trigger(context.Background(), JobDaily, time.Time{})
	}()
	<-started

	// The second trigger arrives while the first holds the job.
	err := sched.Trigger(context.Background(), JobDaily, time.Time{})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second trigger error = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first trigger error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runs = %d, want exactly 1", runs)
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	sched, _, _ := newScheduler(t)
	err := sched.Trigger(context.Background(), "hourly", time.Time{})
	if !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("error = %v, want ErrUnknownJob", err)
	}
}

func TestStatusTracksOutcomes(t *testing.T) {
	sched, _, _ := newScheduler(t)
	ctx := context.Background()

	for _, st := range sched.Status() {
		if st.State != model.JobNotRun {
			t.Errorf("job %s initial state = %q, want not_run", st.Name, st.State)
		}
	}

	if err := sched.Trigger(ctx, JobProcess, time.Time{}); err != nil {
		t.Fatalf("trigger process: %v", err)
	}
	sched.jobs[JobWeekly].fn = func(context.Context, time.Time) error {
		return fmt.Errorf("window not ready")
	}
	if err := sched.Trigger(ctx, JobWeekly, time.Time{}); err == nil {
		t.Fatal("expected the failing job to report its error")
	}

	byName := map[string]JobStatus{}
	for _, st := range sched.Status() {
		byName[st.Name] = st
	}
	if got := byName[JobProcess]; got.State != model.JobSucceeded || got.Runs != 1 {
		t.Errorf("process status = %+v, want succeeded after 1 run", got)
	}
	if got := byName[JobWeekly]; got.State != model.JobFailed || got.LastError == "" {
		t.Errorf("weekly status = %+v, want failed with an error", got)
	}
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	sched, s, q := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	rec, err := s.CreatePlaceholder(ctx, "Need to water the plants today", "text", time.Now().UTC())
	if err != nil {
		t.Fatalf("create placeholder: %v", err)
	}
	if _, err := q.Enqueue(ctx, model.KindText, "Need to water the plants today", rec.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		got, err := s.GetRecord(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("get record: %v", err)
		}
		if got.Status == model.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("record never processed, status = %q", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestDueFiresOncePerWindow(t *testing.T) {
	sched, _, _ := newScheduler(t)

	if !sched.due(JobMonthly, "2024-01", nil) {
		t.Fatal("first check for a window should be due")
	}
	if sched.due(JobMonthly, "2024-01", nil) {
		t.Fatal("second check for the same window should not be due")
	}
	if !sched.due(JobMonthly, "2024-02", nil) {
		t.Fatal("a new window should be due again")
	}
}

func TestFailedCadenceWindowIsRetriedNextTick(t *testing.T) {
	sched, _, _ := newScheduler(t)
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	sched.jobs[JobDaily].fn = func(context.Context, time.Time) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return fmt.Errorf("store unavailable")
		}
		return nil
	}

	key := "2024-01-15"
	if !sched.due(JobDaily, key, nil) {
		t.Fatal("first check for the window should be due")
	}
	sched.spawnCadence(ctx, JobDaily, key, time.Time{})
	sched.wg.Wait()

	// The first run failed, so the same window must come due again.
	if !sched.due(JobDaily, key, nil) {
		t.Fatal("window with a failed run should stay due")
	}
	sched.spawnCadence(ctx, JobDaily, key, time.Time{})
	sched.wg.Wait()

	if sched.due(JobDaily, key, nil) {
		t.Fatal("window with a successful run should not be due again")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("runs = %d, want exactly 2", calls)
	}
}

func TestDueSkipsExistingArtifact(t *testing.T) {
	sched, _, _ := newScheduler(t)
	if sched.due(JobDaily, "2024-01-15", func() bool { return true }) {
		t.Fatal("an already-consolidated window should not be due")
	}
}
