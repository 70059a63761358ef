package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/text"
)

// RunWeekly consolidates the ISO week containing ref into a WeeklyPattern.
// A week with no completed records produces no artifact. Re-running for the
// same (week, year) replaces the artifact.
func (e *Engine) RunWeekly(ctx context.Context, ref time.Time) (*model.WeeklyPattern, error) {
	start, end := weekBounds(ref, e.store.Location())
	year, week := start.ISOWeek()

	recs, err := e.store.RecordsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("weekly: load records: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	dailies, err := e.store.DailiesBetween(ctx, e.dayKey(start), e.dayKey(end.Add(-time.Second)))
	if err != nil {
		return nil, fmt.Errorf("weekly: load dailies: %w", err)
	}

	pattern := &model.WeeklyPattern{
		Week:                week,
		Year:                year,
		RecurringThemes:     text.Themes(rawTexts(recs), e.policy.ThemeMinOccurrence),
		ProductivityPattern: productivityPattern(recs, e.store.Location()),
		CollaborationCounts: collaborationCounts(recs),
		DecisionCount:       len(collectDecisions(recs)),
		SourceRecordIDs:     recordIDs(recs),
	}
	for _, d := range dailies {
		pattern.SourceDailyIDs = append(pattern.SourceDailyIDs, d.ID)
	}
	pattern.Recommendations = recommendations(pattern)
	pattern.Insights = e.narrate(ctx, weeklyPrompt(pattern), weeklyFallback(pattern))

	if err := e.store.UpsertWeekly(ctx, pattern); err != nil {
		return nil, fmt.Errorf("weekly: upsert: %w", err)
	}
	e.logger.Info("weekly consolidation complete",
		"week", week, "year", year, "records", len(recs),
		"themes", len(pattern.RecurringThemes), "decisions", pattern.DecisionCount)
	return pattern, nil
}

// weekBounds returns the [Monday 00:00, next Monday 00:00) window of the ISO
// week containing ref, in the given timezone.
func weekBounds(ref time.Time, loc *time.Location) (time.Time, time.Time) {
	day := ref.In(loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	for day.Weekday() != time.Monday {
		day = day.AddDate(0, 0, -1)
	}
	return day, day.AddDate(0, 0, 7)
}

// productivityPattern buckets capture times into parts of the day.
func productivityPattern(recs []model.MemoryRecord, loc *time.Location) map[string]int {
	buckets := map[string]int{}
	for _, r := range recs {
		switch h := r.Timestamp.In(loc).Hour(); {
		case h < 6:
			buckets["night"]++
		case h < 12:
			buckets["morning"]++
		case h < 18:
			buckets["afternoon"]++
		default:
			buckets["evening"]++
		}
	}
	return buckets
}

// collaborationCounts tallies how often each person appears across the week.
func collaborationCounts(recs []model.MemoryRecord) map[string]int {
	counts := map[string]int{}
	for _, r := range recs {
		if r.Extracted == nil {
			continue
		}
		for _, p := range r.Extracted.PeopleList() {
			counts[strings.ToLower(p)]++
		}
	}
	return counts
}

// recommendations derives actionable suggestions from the observed pattern.
func recommendations(p *model.WeeklyPattern) []string {
	var out []string
	if peak := topK(p.ProductivityPattern, 1); len(peak) == 1 {
		out = append(out, fmt.Sprintf("Most thoughts land in the %s; schedule deep work there.", peak[0]))
	}
	if themes := topK(p.RecurringThemes, 3); len(themes) > 0 {
		out = append(out, fmt.Sprintf("Recurring focus: %s. Consider consolidating these into a project note.",
			strings.Join(themes, ", ")))
	}
	if p.DecisionCount == 0 {
		out = append(out, "No decisions recorded this week; capture decisions explicitly to build the knowledge graph.")
	}
	return out
}

func weeklyPrompt(p *model.WeeklyPattern) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summarise week %d of %d in two sentences.\n", p.Week, p.Year)
	if themes := topK(p.RecurringThemes, 5); len(themes) > 0 {
		fmt.Fprintf(&sb, "Recurring themes: %s\n", strings.Join(themes, ", "))
	}
	if people := topK(p.CollaborationCounts, 5); len(people) > 0 {
		fmt.Fprintf(&sb, "Worked with: %s\n", strings.Join(people, ", "))
	}
	fmt.Fprintf(&sb, "Decisions made: %d\n", p.DecisionCount)
	return sb.String()
}

func weeklyFallback(p *model.WeeklyPattern) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Week %d/%d: %d notes captured.", p.Week, p.Year, len(p.SourceRecordIDs))
	if themes := topK(p.RecurringThemes, 3); len(themes) > 0 {
		fmt.Fprintf(&sb, " Recurring themes: %s.", strings.Join(themes, ", "))
	}
	if p.DecisionCount > 0 {
		fmt.Fprintf(&sb, " %d decisions recorded.", p.DecisionCount)
	}
	return sb.String()
}
