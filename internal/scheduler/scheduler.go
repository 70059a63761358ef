// Package scheduler drives the background loop: it drains the queue on an
// interval and fires the consolidation cadences when their calendar windows
// close. Every job runs under a per-job guard so concurrent triggers, manual
// or scheduled, collapse into a single execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rcliao/memory-pipeline/internal/consolidate"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/pipeline"
	"github.com/rcliao/memory-pipeline/internal/store"
)

// ErrAlreadyRunning is returned when a job is triggered while an execution
// is still in flight.
var ErrAlreadyRunning = errors.New("job already running")

// ErrUnknownJob is returned for a trigger naming no registered job.
var ErrUnknownJob = errors.New("unknown job")

// Job names accepted by Trigger.
const (
	JobProcess   = "process"
	JobDaily     = "daily"
	JobWeekly    = "weekly"
	JobMonthly   = "monthly"
	JobQuarterly = "quarterly"
)

// jobFunc runs one execution for the window containing ref. A zero ref
// means "the most recently closed window".
type jobFunc func(ctx context.Context, ref time.Time) error

// job guards one execution at a time and tracks the outcome of the last.
type job struct {
	name string
	fn   jobFunc

	mu           sync.Mutex
	running      bool
	state        string
	runs         int
	lastStart    time.Time
	lastDuration time.Duration
	lastError    string
}

// run executes the job unless one is already in flight.
func (j *job) run(ctx context.Context, ref time.Time) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("%s: %w", j.name, ErrAlreadyRunning)
	}
	j.running = true
	j.state = model.JobRunning
	start := time.Now()
	j.lastStart = start
	j.mu.Unlock()

	err := j.fn(ctx, ref)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	j.runs++
	j.lastDuration = time.Since(start)
	if err != nil {
		j.state = model.JobFailed
		j.lastError = err.Error()
	} else {
		j.state = model.JobSucceeded
		j.lastError = ""
	}
	return err
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Runs         int           `json:"runs"`
	LastStart    time.Time     `json:"last_start,omitzero"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler owns the background loop and the job registry.
type Scheduler struct {
	store    *store.Store
	stage    *pipeline.Stage
	engine   *consolidate.Engine
	interval time.Duration
	logger   *slog.Logger

	jobs map[string]*job
	wg   sync.WaitGroup

	mu        sync.Mutex
	attempted map[string]string // cadence -> last window key tried
}

// New creates a Scheduler polling at the given interval.
func New(s *store.Store, stage *pipeline.Stage, engine *consolidate.Engine,
	interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		store:     s,
		stage:     stage,
		engine:    engine,
		interval:  interval,
		logger:    logger,
		attempted: map[string]string{},
	}
	sched.jobs = map[string]*job{
		JobProcess: {name: JobProcess, state: model.JobNotRun, fn: func(ctx context.Context, _ time.Time) error {
			_, err := stage.ProcessBatch(ctx)
			return err
		}},
		JobDaily: {name: JobDaily, state: model.JobNotRun, fn: func(ctx context.Context, ref time.Time) error {
			if ref.IsZero() {
				ref = time.Now().In(s.Location()).AddDate(0, 0, -1)
			}
			_, err := engine.RunDaily(ctx, ref)
			return err
		}},
		JobWeekly: {name: JobWeekly, state: model.JobNotRun, fn: func(ctx context.Context, ref time.Time) error {
			if ref.IsZero() {
				ref = time.Now().In(s.Location()).AddDate(0, 0, -7)
			}
			_, err := engine.RunWeekly(ctx, ref)
			return err
		}},
		JobMonthly: {name: JobMonthly, state: model.JobNotRun, fn: func(ctx context.Context, ref time.Time) error {
			if ref.IsZero() {
				ref = time.Now().In(s.Location()).AddDate(0, -1, 0)
			}
			_, err := engine.RunMonthly(ctx, ref)
			return err
		}},
		JobQuarterly: {name: JobQuarterly, state: model.JobNotRun, fn: func(ctx context.Context, ref time.Time) error {
			if ref.IsZero() {
				ref = time.Now().In(s.Location()).AddDate(0, -3, 0)
			}
			_, err := engine.RunQuarterly(ctx, ref)
			return err
		}},
	}
	return sched
}

// Trigger runs the named job for the window containing ref, synchronously.
// A zero ref targets the most recently closed window. Returns
// ErrAlreadyRunning when an execution is already in flight.
func (s *Scheduler) Trigger(ctx context.Context, name string, ref time.Time) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	return j.run(ctx, ref)
}

// Status reports all jobs, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:         j.name,
			State:        j.state,
			Runs:         j.runs,
			LastStart:    j.lastStart,
			LastDuration: j.lastDuration,
			LastError:    j.lastError,
		}
		if j.running {
			st.State = model.JobRunning
		}
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run blocks, polling the queue and firing due consolidations until ctx is
// cancelled, then drains in-flight jobs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, draining in-flight jobs")
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduling pass: always drain the queue, and fire each
// cadence whose previous window has closed and is not yet consolidated.
func (s *Scheduler) tick(ctx context.Context) {
	s.spawn(ctx, JobProcess, time.Time{})

	now := time.Now().In(s.store.Location())
	yesterday := now.AddDate(0, 0, -1)
	dayKey := yesterday.Format("2006-01-02")
	if s.due(JobDaily, dayKey, func() bool {
		d, err := s.store.GetDaily(ctx, dayKey)
		return err == nil && d != nil
	}) {
		s.spawnCadence(ctx, JobDaily, dayKey, yesterday)
	}

	lastWeek := now.AddDate(0, 0, -7)
	wy, ww := lastWeek.ISOWeek()
	weekKey := fmt.Sprintf("%d-W%02d", wy, ww)
	if s.due(JobWeekly, weekKey, func() bool {
		w, err := s.store.GetWeekly(ctx, ww, wy)
		return err == nil && w != nil
	}) {
		s.spawnCadence(ctx, JobWeekly, weekKey, lastWeek)
	}

	lastMonth := now.AddDate(0, -1, 0)
	monthKey := lastMonth.Format("2006-01")
	if s.due(JobMonthly, monthKey, nil) {
		s.spawnCadence(ctx, JobMonthly, monthKey, lastMonth)
	}

	lastQuarter := now.AddDate(0, -3, 0)
	quarterKey := fmt.Sprintf("%dQ%d", lastQuarter.Year(), (int(lastQuarter.Month())-1)/3+1)
	if s.due(JobQuarterly, quarterKey, nil) {
		s.spawnCadence(ctx, JobQuarterly, quarterKey, lastQuarter)
	}
}

// due reports whether a cadence should fire for a window key: at most one
// attempt per key per process, and never when the artifact already exists.
func (s *Scheduler) due(cadence, key string, exists func() bool) bool {
	s.mu.Lock()
	tried := s.attempted[cadence] == key
	s.mu.Unlock()
	if tried {
		return false
	}
	if exists != nil && exists() {
		s.mu.Lock()
		s.attempted[cadence] = key
		s.mu.Unlock()
		return false
	}
	s.mu.Lock()
	s.attempted[cadence] = key
	s.mu.Unlock()
	return true
}

// spawn runs a job asynchronously under the drain group. Overlap with an
// in-flight execution is expected and quietly skipped.
func (s *Scheduler) spawn(ctx context.Context, name string, ref time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Trigger(ctx, name, ref); err != nil {
			if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("job failed", "job", name, "error", err)
		}
	}()
}

// spawnCadence runs a cadence job for a window key. Any outcome other than
// success puts the key back so the next tick retries the window.
func (s *Scheduler) spawnCadence(ctx context.Context, name, key string, ref time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Trigger(ctx, name, ref); err != nil {
			s.clearAttempt(name, key)
			if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error("job failed", "job", name, "window", key, "error", err)
		}
	}()
}

// clearAttempt forgets an attempted window key unless a newer window has
// already replaced it.
func (s *Scheduler) clearAttempt(cadence, key string) {
	s.mu.Lock()
	if s.attempted[cadence] == key {
		delete(s.attempted, cadence)
	}
	s.mu.Unlock()
}
