package consolidate

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcliao/memory-pipeline/internal/embedding"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/store"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "memory.db"), time.UTC)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, nil, DefaultPolicy(), logger), s
}

// seedRecord inserts a completed, enriched record at ts.
func seedRecord(t *testing.T, s *store.Store, ts time.Time, raw string, mutate func(*model.MemoryRecord)) *model.MemoryRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := s.CreatePlaceholder(ctx, raw, "text", ts)
	if err != nil {
		t.Fatalf("create placeholder: %v", err)
	}
	rec.Status = model.StatusCompleted
	rec.Summary = raw
	rec.Extracted = &model.ExtractedData{}
	now := ts.Add(time.Minute)
	rec.ProcessedAt = &now
	if mutate != nil {
		mutate(rec)
	}
	if err := s.SaveEnriched(ctx, rec); err != nil {
		t.Fatalf("save enriched: %v", err)
	}
	return rec
}

func TestRunDailyBuildsArtifact(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	// Morning burst of three, then two after a long gap: two threads.
	at := func(h, m int) time.Time {
		return time.Date(2024, 1, 15, h, m, 0, 0, time.UTC)
	}
	seedRecord(t, s, at(9, 0), "Sketching the deploy pipeline stages", nil)
	seedRecord(t, s, at(9, 10), "Deploy pipeline needs a canary step", nil)
	seedRecord(t, s, at(9, 20), "Decided to gate deploys on canary health", func(r *model.MemoryRecord) {
		r.Extracted.Decisions = []model.Decision{{Decision: "Gate deploys on canary health"}}
	})
	seedRecord(t, s, at(11, 0), "Need to write the canary alert runbook", func(r *model.MemoryRecord) {
		r.Actionable = true
	})
	seedRecord(t, s, at(11, 5), "Finished the rollback script", func(r *model.MemoryRecord) {
		r.Completed = true
	})

	daily, err := e.RunDaily(ctx, day)
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if daily == nil {
		t.Fatal("expected an artifact for a day with records")
	}
	if daily.Date != "2024-01-15" {
		t.Errorf("date = %q, want 2024-01-15", daily.Date)
	}
	if len(daily.SourceMemoryIDs) != 5 {
		t.Errorf("source ids = %d, want 5", len(daily.SourceMemoryIDs))
	}
	if len(daily.Threads) != 2 {
		t.Fatalf("threads = %d, want 2 (split at the long gap)", len(daily.Threads))
	}
	if daily.Threads[0].MemoryCount != 3 || daily.Threads[1].MemoryCount != 2 {
		t.Errorf("thread sizes = %d/%d, want 3/2",
			daily.Threads[0].MemoryCount, daily.Threads[1].MemoryCount)
	}
	if len(daily.KeyDecisions) != 1 {
		t.Errorf("key decisions = %d, want 1", len(daily.KeyDecisions))
	}
	if len(daily.CompletedActions) != 1 {
		t.Errorf("completed actions = %d, want 1", len(daily.CompletedActions))
	}
	if daily.ImportanceScore <= 0 || daily.ImportanceScore > 1 {
		t.Errorf("importance = %f, want in (0, 1]", daily.ImportanceScore)
	}
	if daily.Narrative == "" {
		t.Error("narrative should never be empty")
	}
}

func TestRunDailyIsIdempotent(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	seedRecord(t, s, day.Add(9*time.Hour), "One lonely thought about deploys", nil)

	if _, err := e.RunDaily(ctx, day); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := s.GetDaily(ctx, "2024-01-15")
	if err != nil || first == nil {
		t.Fatalf("get daily after first run: %v, %v", first, err)
	}

	if _, err := e.RunDaily(ctx, day); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := s.GetDaily(ctx, "2024-01-15")
	if err != nil || second == nil {
		t.Fatalf("get daily after second run: %v, %v", second, err)
	}
	if second.ID != first.ID {
		t.Errorf("re-run replaced the row id: %s != %s", second.ID, first.ID)
	}
	if len(second.SourceMemoryIDs) != len(first.SourceMemoryIDs) {
		t.Errorf("re-run changed sources: %d != %d",
			len(second.SourceMemoryIDs), len(first.SourceMemoryIDs))
	}
}

func TestRunDailyEmptyDayProducesNothing(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	daily, err := e.RunDaily(ctx, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("run daily: %v", err)
	}
	if daily != nil {
		t.Fatalf("artifact = %+v, want nil for an empty day", daily)
	}
	got, err := s.GetDaily(ctx, "2024-01-15")
	if err != nil {
		t.Fatalf("get daily: %v", err)
	}
	if got != nil {
		t.Error("no row should be written for an empty day")
	}
}

func TestImportanceScoreMonotonic(t *testing.T) {
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	mk := func(n, actionable int) []model.MemoryRecord {
		recs := make([]model.MemoryRecord, n)
		for i := range recs {
			recs[i] = model.MemoryRecord{Timestamp: base, Actionable: i < actionable}
		}
		return recs
	}

	if a, b := importanceScore(mk(2, 0)), importanceScore(mk(8, 0)); a > b {
		t.Errorf("more records lowered the score: %f > %f", a, b)
	}
	if a, b := importanceScore(mk(8, 0)), importanceScore(mk(8, 4)); a > b {
		t.Errorf("more actionable records lowered the score: %f > %f", a, b)
	}
}

func TestRunWeeklyFindsRecurringThemes(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	// Week 3 of 2024: Monday 2024-01-15 .. Sunday 2024-01-21.
	day := func(d, h int) time.Time {
		return time.Date(2024, 1, d, h, 0, 0, 0, time.UTC)
	}
	seedRecord(t, s, day(15, 9), "Canary rollout for the deploy pipeline", nil)
	seedRecord(t, s, day(16, 10), "Deploy pipeline flaked on the canary again", nil)
	seedRecord(t, s, day(17, 9), "Paired with Sarah on deploy pipeline alerts", func(r *model.MemoryRecord) {
		r.Extracted.Entities = &model.Entities{People: []string{"Sarah"}}
	})
	seedRecord(t, s, day(18, 14), "Decided to freeze releases on Fridays", func(r *model.MemoryRecord) {
		r.Extracted.Decisions = []model.Decision{{Decision: "Freeze releases on Fridays"}}
	})

	pattern, err := e.RunWeekly(ctx, day(17, 12))
	if err != nil {
		t.Fatalf("run weekly: %v", err)
	}
	if pattern == nil {
		t.Fatal("expected a pattern for a week with records")
	}
	if pattern.Week != 3 || pattern.Year != 2024 {
		t.Errorf("keyed %d/%d, want week 3 of 2024", pattern.Week, pattern.Year)
	}
	// "deploy" and "pipeline" appear in three notes each, above the
	// min-occurrence threshold of two.
	if _, ok := pattern.RecurringThemes["deploy"]; !ok {
		t.Errorf("recurring themes = %v, want deploy present", pattern.RecurringThemes)
	}
	if pattern.DecisionCount != 1 {
		t.Errorf("decision count = %d, want 1", pattern.DecisionCount)
	}
	if pattern.CollaborationCounts["sarah"] != 1 {
		t.Errorf("collaboration counts = %v, want sarah once", pattern.CollaborationCounts)
	}
	if len(pattern.Recommendations) == 0 {
		t.Error("recommendations should not be empty")
	}
	if pattern.Insights == "" {
		t.Error("insights should never be empty")
	}

	// Re-run replaces, not duplicates.
	if _, err := e.RunWeekly(ctx, day(17, 12)); err != nil {
		t.Fatalf("second run: %v", err)
	}
	again, err := s.GetWeekly(ctx, 3, 2024)
	if err != nil || again == nil {
		t.Fatalf("get weekly: %v, %v", again, err)
	}
	if again.ID != pattern.ID {
		t.Errorf("re-run replaced the row id: %s != %s", again.ID, pattern.ID)
	}
}

func TestRunMonthlyPromotesCoherentClusters(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	// Two tight clusters with hand-built vectors: identical within a
	// cluster, partially overlapping across clusters so an edge forms.
	vecA := embedding.Vector{1, 0, 0, 0}
	vecB := embedding.Vector{0.447, 0.894, 0, 0} // cos(A, B) ~ 0.447

	at := func(d int) time.Time {
		return time.Date(2024, 1, d, 10, 0, 0, 0, time.UTC)
	}
	for i, raw := range []string{
		"Redis cache eviction tuning notes",
		"Redis cache eviction tuning notes",
		"Redis cache eviction tuning notes",
	} {
		rec := seedRecord(t, s, at(2+i), raw, nil)
		if err := s.SaveVector(ctx, rec.ID, vecA); err != nil {
			t.Fatalf("save vector: %v", err)
		}
	}
	for i, raw := range []string{
		"Postgres index bloat investigation",
		"Postgres index bloat investigation",
		"Postgres index bloat investigation",
	} {
		rec := seedRecord(t, s, at(10+i), raw, nil)
		if err := s.SaveVector(ctx, rec.ID, vecB); err != nil {
			t.Fatalf("save vector: %v", err)
		}
	}

	nodes, err := e.RunMonthly(ctx, at(15))
	if err != nil {
		t.Fatalf("run monthly: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("promoted nodes = %d, want 2", len(nodes))
	}
	for _, n := range nodes {
		if n.Confidence < e.policy.ClusterCoherence {
			t.Errorf("node %q confidence %f below coherence gate", n.Topic, n.Confidence)
		}
		if len(n.SourceMemoryIDs) != 3 {
			t.Errorf("node %q sources = %d, want 3", n.Topic, len(n.SourceMemoryIDs))
		}
	}

	// The cross-cluster similarity clears the edge threshold but not the
	// strong-topic tier.
	edges, err := s.EdgesFrom(ctx, nodes[0].ID)
	if err != nil {
		t.Fatalf("edges from: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].Relationship != "weak" {
		t.Errorf("relationship = %q, want weak at strength ~0.45", edges[0].Relationship)
	}
	if edges[0].ToID != nodes[1].ID {
		t.Errorf("edge target = %s, want %s", edges[0].ToID, nodes[1].ID)
	}

	// Re-running keeps one node per topic.
	if _, err := e.RunMonthly(ctx, at(15)); err != nil {
		t.Fatalf("second run: %v", err)
	}
	all, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("nodes after re-run = %d, want still 2", len(all))
	}
}

func TestRunMonthlyTooFewVectorsIsANoop(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()
	rec := seedRecord(t, s, time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC), "A single stray thought", nil)
	if err := s.SaveVector(ctx, rec.ID, embedding.Vector{1, 0}); err != nil {
		t.Fatalf("save vector: %v", err)
	}

	nodes, err := e.RunMonthly(ctx, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("run monthly: %v", err)
	}
	if nodes != nil {
		t.Errorf("nodes = %v, want none below the cluster minimum", nodes)
	}
}

func TestRunQuarterlyExtractsWisdom(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	// Two weekly patterns in Q1 sharing a theme: consistency 1.0.
	for i, week := range []int{2, 3} {
		w := &model.WeeklyPattern{
			Week:            week,
			Year:            2024,
			RecurringThemes: map[string]int{"deploy": 3},
			SourceRecordIDs: []string{"r"},
			CreatedAt:       time.Date(2024, 1, 8+7*i, 0, 0, 0, 0, time.UTC),
		}
		if err := s.UpsertWeekly(ctx, w); err != nil {
			t.Fatalf("seed weekly: %v", err)
		}
	}

	// A decision-heavy node whose actionable sources all completed.
	taskDone := seedRecord(t, s, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		"Need to automate the deploy checklist", func(r *model.MemoryRecord) {
			r.Actionable = true
			r.Completed = true
		})
	node := &model.KnowledgeNode{
		Topic:           "deploy",
		Summary:         "Deploy practices",
		Decisions:       []string{"Gate on canary health.", "Freeze Friday releases."},
		SourceMemoryIDs: []string{taskDone.ID},
		Confidence:      0.9,
	}
	if err := s.UpsertNode(ctx, node); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	ref := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	appended, err := e.RunQuarterly(ctx, ref)
	if err != nil {
		t.Fatalf("run quarterly: %v", err)
	}

	kinds := map[string]int{}
	for _, w := range appended {
		kinds[w.Kind]++
	}
	if kinds[model.WisdomPrinciple] != 1 {
		t.Errorf("principles = %d, want 1 (theme held across both weeks)", kinds[model.WisdomPrinciple])
	}
	if kinds[model.WisdomHeuristic] != 1 {
		t.Errorf("heuristics = %d, want 1 (all tasks completed)", kinds[model.WisdomHeuristic])
	}
	if kinds[model.WisdomInsight] != 1 {
		t.Errorf("insights = %d, want 1 (theme crystallised into a node)", kinds[model.WisdomInsight])
	}

	// Unchanged conclusions are not re-appended.
	again, err := e.RunQuarterly(ctx, ref)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("re-run appended %d rows, want 0", len(again))
	}

	// A changed conclusion supersedes rather than overwrites.
	w3 := &model.WeeklyPattern{
		Week:            4,
		Year:            2024,
		RecurringThemes: map[string]int{"deploy": 4},
		SourceRecordIDs: []string{"r"},
		CreatedAt:       time.Date(2024, 1, 29, 0, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertWeekly(ctx, w3); err != nil {
		t.Fatalf("seed third weekly: %v", err)
	}
	revised, err := e.RunQuarterly(ctx, ref)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	var principle *model.Wisdom
	for i := range revised {
		if revised[i].Kind == model.WisdomPrinciple {
			principle = &revised[i]
		}
	}
	if principle == nil {
		t.Fatal("expected a revised principle after new evidence")
	}
	if principle.Supersedes == "" {
		t.Error("revised principle should supersede its predecessor")
	}

	all, err := s.ListWisdom(ctx, model.WisdomPrinciple)
	if err != nil {
		t.Fatalf("list wisdom: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("principle rows = %d, want 2 (append-only)", len(all))
	}
}

func TestRunQuarterlyEmptyQuarterIsANoop(t *testing.T) {
	e, _ := newEngine(t)
	appended, err := e.RunQuarterly(context.Background(), time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("run quarterly: %v", err)
	}
	if appended != nil {
		t.Errorf("appended = %v, want nothing for an empty quarter", appended)
	}
}
