package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memory-pipeline/internal/model"
)

// RunQuarterly extracts wisdom from the quarter containing ref: principles
// from themes that held across the quarter's weekly patterns, heuristics
// from knowledge nodes whose tasks actually got done, and insights from
// themes that crystallised into nodes. Wisdom is append-only: a changed
// conclusion supersedes its predecessor, an unchanged one is not re-added.
func (e *Engine) RunQuarterly(ctx context.Context, ref time.Time) ([]model.Wisdom, error) {
	quarterStart := quarterBounds(ref, e.store.Location())

	weeklies, err := e.store.WeekliesSince(ctx, quarterStart)
	if err != nil {
		return nil, fmt.Errorf("quarterly: load weeklies: %w", err)
	}
	nodes, err := e.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("quarterly: load nodes: %w", err)
	}
	if len(weeklies) == 0 && len(nodes) == 0 {
		return nil, nil
	}

	var candidates []model.Wisdom
	candidates = append(candidates, e.principles(weeklies)...)

	heuristics, err := e.heuristics(ctx, nodes)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, heuristics...)
	candidates = append(candidates, e.insights(weeklies, nodes)...)

	appended, err := e.appendWisdom(ctx, candidates)
	if err != nil {
		return nil, err
	}

	e.logger.Info("quarterly extraction complete",
		"quarter", fmt.Sprintf("%dQ%d", quarterStart.Year(), (int(quarterStart.Month())-1)/3+1),
		"weeklies", len(weeklies), "nodes", len(nodes),
		"candidates", len(candidates), "appended", len(appended))
	return appended, nil
}

func quarterBounds(ref time.Time, loc *time.Location) time.Time {
	day := ref.In(loc)
	startMonth := time.Month((int(day.Month())-1)/3*3 + 1)
	return time.Date(day.Year(), startMonth, 1, 0, 0, 0, 0, loc)
}

// principles promotes themes that recurred in a sufficient share of the
// quarter's weekly patterns.
func (e *Engine) principles(weeklies []model.WeeklyPattern) []model.Wisdom {
	if len(weeklies) == 0 {
		return nil
	}

	themeWeeks := map[string][]string{}
	for _, w := range weeklies {
		for theme := range w.RecurringThemes {
			themeWeeks[theme] = append(themeWeeks[theme], w.ID)
		}
	}

	var out []model.Wisdom
	for _, theme := range sortedThemeKeys(themeWeeks) {
		weeks := themeWeeks[theme]
		consistency := float64(len(weeks)) / float64(len(weeklies))
		if consistency < e.policy.ConsistencyScore {
			continue
		}
		out = append(out, model.Wisdom{
			Kind: model.WisdomPrinciple,
			Content: fmt.Sprintf("Sustained focus on %s: it recurred in %d of %d weeks this quarter.",
				theme, len(weeks), len(weeklies)),
			Context:       "theme:" + theme,
			Confidence:    consistency,
			EvidenceCount: len(weeks),
			EvidenceIDs:   weeks,
		})
	}
	return out
}

// heuristics promotes decision-bearing knowledge nodes whose actionable
// source records were mostly completed.
func (e *Engine) heuristics(ctx context.Context, nodes []model.KnowledgeNode) ([]model.Wisdom, error) {
	var out []model.Wisdom
	for _, n := range nodes {
		if len(n.Decisions) < 2 {
			continue
		}
		rate, tasks := e.completionRate(ctx, n.SourceMemoryIDs)
		if tasks == 0 || rate < e.policy.SuccessRate {
			continue
		}
		out = append(out, model.Wisdom{
			Kind: model.WisdomHeuristic,
			Content: fmt.Sprintf("Decisions about %s hold up: %.0f%% of related tasks were completed. %s",
				n.Topic, rate*100, strings.Join(firstN(n.Decisions, 2), " ")),
			Context:       "topic:" + n.Topic,
			Confidence:    n.Confidence,
			EvidenceCount: tasks,
			SuccessRate:   rate,
			EvidenceIDs:   []string{n.ID},
		})
	}
	return out, nil
}

// completionRate measures how many of the actionable records among ids were
// completed.
func (e *Engine) completionRate(ctx context.Context, ids []string) (float64, int) {
	var tasks, done int
	for _, id := range ids {
		rec, err := e.store.GetRecord(ctx, id)
		if err != nil || !rec.Actionable {
			continue
		}
		tasks++
		if rec.Completed {
			done++
		}
	}
	if tasks == 0 {
		return 0, 0
	}
	return float64(done) / float64(tasks), tasks
}

// insights records themes that both recurred weekly and crystallised into a
// knowledge node.
func (e *Engine) insights(weeklies []model.WeeklyPattern, nodes []model.KnowledgeNode) []model.Wisdom {
	themes := map[string][]string{}
	for _, w := range weeklies {
		for theme := range w.RecurringThemes {
			themes[theme] = append(themes[theme], w.ID)
		}
	}

	var out []model.Wisdom
	for _, n := range nodes {
		weeks, ok := themes[n.Topic]
		if !ok {
			continue
		}
		out = append(out, model.Wisdom{
			Kind: model.WisdomInsight,
			Content: fmt.Sprintf("%s has grown from a recurring weekly theme into a standing knowledge area (%d source thoughts).",
				n.Topic, len(n.SourceMemoryIDs)),
			Context:       "topic:" + n.Topic,
			Confidence:    n.Confidence,
			EvidenceCount: len(weeks) + 1,
			EvidenceIDs:   append(append([]string{}, weeks...), n.ID),
		})
	}
	return out
}

// appendWisdom writes candidates to the append-only wisdom log. A candidate
// matching an existing entry's context and kind supersedes it when the
// conclusion changed, and is skipped when it did not.
func (e *Engine) appendWisdom(ctx context.Context, candidates []model.Wisdom) ([]model.Wisdom, error) {
	existing, err := e.store.ListWisdom(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("quarterly: list wisdom: %w", err)
	}
	// ListWisdom is newest-first, so the first match per (kind, context) is
	// the current head of its supersession chain.
	superseded := map[string]bool{}
	heads := map[string]model.Wisdom{}
	for _, w := range existing {
		if w.Supersedes != "" {
			superseded[w.Supersedes] = true
		}
	}
	for _, w := range existing {
		key := w.Kind + "|" + w.Context
		if _, ok := heads[key]; !ok && !superseded[w.ID] {
			heads[key] = w
		}
	}

	var appended []model.Wisdom
	for _, cand := range candidates {
		head, ok := heads[cand.Kind+"|"+cand.Context]
		if ok {
			if head.Content == cand.Content && head.EvidenceCount == cand.EvidenceCount {
				continue // unchanged conclusion, nothing to append
			}
			cand.Supersedes = head.ID
		}
		w := cand
		if err := e.store.AppendWisdom(ctx, &w); err != nil {
			return nil, err
		}
		appended = append(appended, w)
	}
	return appended, nil
}

func sortedThemeKeys(m map[string][]string) []string {
	counts := make(map[string]int, len(m))
	for k, v := range m {
		counts[k] = len(v)
	}
	return sortedKeys(counts)
}

func firstN(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
