package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/text"
)

// threadGap is the sustained pause that splits a day into thought threads.
const threadGap = 30 * time.Minute

// RunDaily consolidates one calendar day, in the store's timezone, into a
// DailyConsolidation. A day with no completed records produces no artifact
// and returns (nil, nil). Re-running for the same day replaces the artifact.
func (e *Engine) RunDaily(ctx context.Context, day time.Time) (*model.DailyConsolidation, error) {
	recs, err := e.store.RecordsForDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("daily: load records: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	daily := &model.DailyConsolidation{
		Date:             e.dayKey(day),
		Threads:          buildThreads(recs),
		KeyDecisions:     collectDecisions(recs),
		MainTopics:       mainTopics(recs, 5),
		EmotionalArc:     emotionalArc(recs),
		CompletedActions: completedActions(recs),
		OpenQuestions:    openQuestions(recs),
		SourceMemoryIDs:  recordIDs(recs),
		ImportanceScore:  importanceScore(recs),
	}
	daily.Narrative = e.narrate(ctx, dailyPrompt(daily, recs), dailyFallback(daily))

	if err := e.store.UpsertDaily(ctx, daily); err != nil {
		return nil, fmt.Errorf("daily: upsert: %w", err)
	}
	e.logger.Info("daily consolidation complete",
		"date", daily.Date, "records", len(recs), "threads", len(daily.Threads),
		"importance", daily.ImportanceScore)
	return daily, nil
}

// buildThreads splits the day's records (already time-ascending) wherever
// consecutive records are separated by more than the thread gap.
func buildThreads(recs []model.MemoryRecord) []model.ThoughtThread {
	var threads []model.ThoughtThread
	start := 0
	for i := 1; i <= len(recs); i++ {
		if i < len(recs) && recs[i].Timestamp.Sub(recs[i-1].Timestamp) <= threadGap {
			continue
		}
		group := recs[start:i]
		threads = append(threads, model.ThoughtThread{
			StartTime:   group[0].Timestamp,
			EndTime:     group[len(group)-1].Timestamp,
			MemoryCount: len(group),
			MainTopic:   text.TopTheme(rawTexts(group), "general"),
			Summary:     threadSummary(group),
		})
		start = i
	}
	return threads
}

func threadSummary(group []model.MemoryRecord) string {
	for _, r := range group {
		if r.Summary != "" {
			return r.Summary
		}
	}
	return text.Truncate(group[0].RawText, 100)
}

func rawTexts(recs []model.MemoryRecord) []string {
	texts := make([]string, 0, len(recs))
	for _, r := range recs {
		texts = append(texts, r.RawText)
	}
	return texts
}

func collectDecisions(recs []model.MemoryRecord) []model.Decision {
	var out []model.Decision
	for _, r := range recs {
		if r.Extracted != nil {
			out = append(out, r.Extracted.Decisions...)
		}
	}
	return out
}

func mainTopics(recs []model.MemoryRecord, n int) []string {
	counts := map[string]int{}
	for _, r := range recs {
		if r.Extracted == nil {
			continue
		}
		for _, t := range r.Extracted.TopicList() {
			counts[t]++
		}
	}
	return topK(counts, n)
}

func emotionalArc(recs []model.MemoryRecord) []string {
	var arc []string
	for _, r := range recs {
		if r.Extracted != nil && r.Extracted.Mood != nil && r.Extracted.Mood.Feeling != "" {
			arc = append(arc, r.Extracted.Mood.Feeling)
		}
	}
	return arc
}

func completedActions(recs []model.MemoryRecord) []string {
	var out []string
	for _, r := range recs {
		if r.Completed {
			out = append(out, summaryOrText(r))
		}
	}
	return out
}

func openQuestions(recs []model.MemoryRecord) []model.Question {
	var out []model.Question
	for _, r := range recs {
		if r.Extracted != nil {
			out = append(out, r.Extracted.Questions...)
		}
	}
	return out
}

func summaryOrText(r model.MemoryRecord) string {
	if r.Summary != "" {
		return r.Summary
	}
	return text.Truncate(r.RawText, 100)
}

// importanceScore combines volume, actionable density and decision count.
// Monotonically non-decreasing in each input, clamped to (0, 1].
func importanceScore(recs []model.MemoryRecord) float64 {
	n := float64(len(recs))
	var actionable, decisions float64
	for _, r := range recs {
		if r.Actionable {
			actionable++
		}
		if r.Extracted != nil {
			decisions += float64(len(r.Extracted.Decisions))
		}
	}

	score := n / 20
	if score > 0.5 {
		score = 0.5
	}
	score += 0.3 * (actionable / n)
	bonus := 0.05 * decisions
	if bonus > 0.2 {
		bonus = 0.2
	}
	score += bonus

	if score > 1 {
		score = 1
	}
	if score <= 0 {
		score = 0.05
	}
	return score
}

func dailyPrompt(d *model.DailyConsolidation, recs []model.MemoryRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a short narrative of this day (%s) from these notes:\n", d.Date)
	for _, r := range recs {
		fmt.Fprintf(&sb, "- [%s] %s\n", r.Timestamp.Format("15:04"), summaryOrText(r))
	}
	if len(d.MainTopics) > 0 {
		fmt.Fprintf(&sb, "Main topics: %s\n", strings.Join(d.MainTopics, ", "))
	}
	sb.WriteString("Two or three sentences, first person, plain prose.")
	return sb.String()
}

func dailyFallback(d *model.DailyConsolidation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Captured %d thoughts across %d threads.",
		len(d.SourceMemoryIDs), len(d.Threads))
	if len(d.MainTopics) > 0 {
		fmt.Fprintf(&sb, " Main topics: %s.", strings.Join(d.MainTopics, ", "))
	}
	if len(d.KeyDecisions) > 0 {
		fmt.Fprintf(&sb, " Decisions made: %d.", len(d.KeyDecisions))
	}
	if len(d.CompletedActions) > 0 {
		fmt.Fprintf(&sb, " Completed: %d tasks.", len(d.CompletedActions))
	}
	return sb.String()
}
