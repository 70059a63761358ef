// Package consolidate implements the four consolidation cadences: daily
// narratives, weekly patterns, monthly knowledge synthesis, and quarterly
// wisdom extraction. Each cadence reads a calendar window, derives an
// artifact, and upserts it by window key so re-runs replace rather than
// duplicate.
package consolidate

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rcliao/memory-pipeline/internal/extract"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/store"
)

// Policy holds the promotion thresholds shared by the cadences.
type Policy struct {
	ThemeMinOccurrence int     // a theme is recurring only above this count
	ClusterCoherence   float64 // minimum coherence to promote a cluster
	EdgeThreshold      float64 // minimum similarity to create a graph edge
	ConsistencyScore   float64 // minimum consistency to promote a principle
	SuccessRate        float64 // minimum observed rate to promote a heuristic
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ThemeMinOccurrence: 2,
		ClusterCoherence:   0.7,
		EdgeThreshold:      0.3,
		ConsistencyScore:   0.6,
		SuccessRate:        0.8,
	}
}

// Engine runs the consolidation cadences against the store. The summarizer
// is optional: when nil (or failing), narratives fall back to deterministic
// template prose so consolidation never depends on an external service.
type Engine struct {
	store      *store.Store
	summarizer extract.Summarizer
	policy     Policy
	logger     *slog.Logger
}

// New creates an Engine.
func New(s *store.Store, summarizer extract.Summarizer, policy Policy, logger *slog.Logger) *Engine {
	if policy.ThemeMinOccurrence <= 0 {
		policy.ThemeMinOccurrence = DefaultPolicy().ThemeMinOccurrence
	}
	if policy.ClusterCoherence <= 0 {
		policy.ClusterCoherence = DefaultPolicy().ClusterCoherence
	}
	if policy.EdgeThreshold <= 0 {
		policy.EdgeThreshold = DefaultPolicy().EdgeThreshold
	}
	if policy.ConsistencyScore <= 0 {
		policy.ConsistencyScore = DefaultPolicy().ConsistencyScore
	}
	if policy.SuccessRate <= 0 {
		policy.SuccessRate = DefaultPolicy().SuccessRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, summarizer: summarizer, policy: policy, logger: logger}
}

// narrate asks the summarizer for prose, falling back to the template text
// when no summarizer is configured or the call fails.
func (e *Engine) narrate(ctx context.Context, prompt, fallback string) string {
	if e.summarizer == nil {
		return fallback
	}
	out, err := e.summarizer.Summarize(ctx, prompt)
	if err != nil || out == "" {
		if err != nil {
			e.logger.Warn("narrative synthesis failed, using fallback", "error", err)
		}
		return fallback
	}
	return out
}

// sortedKeys returns map keys in deterministic order.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// topK returns the n highest-count keys, count descending then name
// ascending for determinism.
func topK(m map[string]int, n int) []string {
	keys := sortedKeys(m)
	sort.SliceStable(keys, func(i, j int) bool { return m[keys[i]] > m[keys[j]] })
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// dayKey renders a time as the daily artifact key in the store's timezone.
func (e *Engine) dayKey(t time.Time) string {
	return t.In(e.store.Location()).Format("2006-01-02")
}

func recordIDs(recs []model.MemoryRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}
