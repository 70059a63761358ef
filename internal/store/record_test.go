package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcliao/memory-pipeline/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enrich(t *testing.T, s *Store, rec *model.MemoryRecord, mutate func(*model.MemoryRecord)) {
	t.Helper()
	rec.Status = model.StatusCompleted
	if rec.Summary == "" {
		rec.Summary = rec.RawText
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	if mutate != nil {
		mutate(rec)
	}
	if err := s.SaveEnriched(context.Background(), rec); err != nil {
		t.Fatalf("save enriched: %v", err)
	}
}

func TestPlaceholderRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	rec, err := s.CreatePlaceholder(ctx, "raw thought", "text", ts)
	if err != nil {
		t.Fatalf("create placeholder: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("placeholder must get an id")
	}

	got, err := s.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.RawText != "raw thought" || got.Source != "text" {
		t.Errorf("got %q/%q, want raw thought/text", got.RawText, got.Source)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.GetRecord(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveEnrichedPersistsExtraction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec, err := s.CreatePlaceholder(ctx, "need to fix the flaky test", "text", time.Now().UTC())
	if err != nil {
		t.Fatalf("create placeholder: %v", err)
	}
	enrich(t, s, rec, func(r *model.MemoryRecord) {
		r.ThoughtType = "action"
		r.Actionable = true
		r.Urgency = model.UrgencyMedium
		r.Extracted = &model.ExtractedData{
			Actions:  []model.Action{{Text: "fix the flaky test", Priority: "medium"}},
			Entities: &model.Entities{Topics: []string{"testing"}},
		}
	})

	got, err := s.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != model.StatusCompleted || !got.Actionable {
		t.Errorf("status/actionable = %q/%v, want completed/true", got.Status, got.Actionable)
	}
	if got.Extracted == nil || len(got.Extracted.Actions) != 1 {
		t.Fatalf("extracted = %+v, want one action", got.Extracted)
	}
	if got.Extracted.Actions[0].Text != "fix the flaky test" {
		t.Errorf("action = %q", got.Extracted.Actions[0].Text)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at should persist")
	}
}

func TestSaveEnrichedUnknownRecord(t *testing.T) {
	s := newStore(t)
	rec := &model.MemoryRecord{ID: "ghost", Status: model.StatusCompleted}
	if err := s.SaveEnriched(context.Background(), rec); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkTaskCompleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec, _ := s.CreatePlaceholder(ctx, "need to send the invoice", "text", time.Now().UTC())
	enrich(t, s, rec, func(r *model.MemoryRecord) { r.Actionable = true })

	if err := s.MarkTaskCompleted(ctx, rec.ID); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := s.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !got.Completed {
		t.Error("completed flag should be set")
	}

	open, err := s.ActionableOpen(ctx)
	if err != nil {
		t.Fatalf("actionable open: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open tasks = %d, want 0 after completion", len(open))
	}
}

func TestAddConnectionsMergesAndDedups(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec, _ := s.CreatePlaceholder(ctx, "hub thought", "text", time.Now().UTC())
	enrich(t, s, rec, nil)

	if err := s.AddConnections(ctx, rec.ID, []string{"a", "b"}); err != nil {
		t.Fatalf("add connections: %v", err)
	}
	// Duplicates and self-links are ignored.
	if err := s.AddConnections(ctx, rec.ID, []string{"b", rec.ID, "c"}); err != nil {
		t.Fatalf("add connections again: %v", err)
	}

	got, err := s.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got.Connections) != len(want) {
		t.Fatalf("connections = %v, want %v", got.Connections, want)
	}
	for i, id := range want {
		if got.Connections[i] != id {
			t.Errorf("connections[%d] = %q, want %q", i, got.Connections[i], id)
		}
	}
}

func TestRecordsForDayRespectsTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), loc)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	// 03:00 UTC on Jan 16 is still the evening of Jan 15 in New York.
	late := time.Date(2024, 1, 16, 3, 0, 0, 0, time.UTC)
	rec, _ := s.CreatePlaceholder(ctx, "late night thought", "text", late)
	enrich(t, s, rec, nil)

	day := time.Date(2024, 1, 15, 12, 0, 0, 0, loc)
	recs, err := s.RecordsForDay(ctx, day)
	if err != nil {
		t.Fatalf("records for day: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want the late-night capture counted on the 15th", len(recs))
	}

	next, err := s.RecordsForDay(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("records for next day: %v", err)
	}
	if len(next) != 0 {
		t.Errorf("records on the 16th = %d, want 0", len(next))
	}
}

func TestActionableOpenOrdersByUrgency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mk := func(text, urgency string) {
		rec, _ := s.CreatePlaceholder(ctx, text, "text", time.Now().UTC())
		enrich(t, s, rec, func(r *model.MemoryRecord) {
			r.Actionable = true
			r.Urgency = urgency
		})
	}
	mk("someday task", model.UrgencyNormal)
	mk("burning task", model.UrgencyHigh)
	mk("soon task", model.UrgencyMedium)

	open, err := s.ActionableOpen(ctx)
	if err != nil {
		t.Fatalf("actionable open: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open tasks = %d, want 3", len(open))
	}
	got := []string{open[0].Urgency, open[1].Urgency, open[2].Urgency}
	want := []string{model.UrgencyHigh, model.UrgencyMedium, model.UrgencyNormal}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCountsByStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, _ := s.CreatePlaceholder(ctx, "one", "text", time.Now().UTC())
	enrich(t, s, a, nil)
	s.CreatePlaceholder(ctx, "two", "text", time.Now().UTC())
	c, _ := s.CreatePlaceholder(ctx, "three", "voice", time.Now().UTC())
	if err := s.MarkRecordError(ctx, c.ID, "boom"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	counts, err := s.CountsByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[model.StatusCompleted] != 1 || counts[model.StatusPending] != 1 || counts[model.StatusError] != 1 {
		t.Errorf("counts = %v, want one of each", counts)
	}
}
