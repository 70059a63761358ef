// Package text holds the linguistic heuristics shared by the extraction
// stage and the consolidation jobs: obligation and completion phrase
// detection, urgency tiers, and theme counting.
package text

import (
	"sort"
	"strings"

	"github.com/rcliao/memory-pipeline/internal/model"
)

// obligationMarkers signal actionable intent in raw text.
var obligationMarkers = []string{
	"need to", "should", "must", "will", "going to",
	"todo", "task", "remember to", "don't forget",
	"deadline", "by tomorrow", "by next week",
}

// completionMarkers signal that a prior task was closed.
var completionMarkers = []string{
	"done", "completed", "finished", "resolved", "fixed",
}

// HasObligation reports whether the text carries obligation phrasing.
func HasObligation(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range obligationMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// HasCompletion reports whether the text reads as closing out a task.
func HasCompletion(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range completionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Urgency derives an urgency tier from keyword signals.
func Urgency(s string) string {
	lower := strings.ToLower(s)

	for _, w := range []string{"urgent", "asap", "immediately", "critical", "emergency",
		"today", "tonight", "tomorrow", "by eod", "by end of day"} {
		if strings.Contains(lower, w) {
			return model.UrgencyHigh
		}
	}
	for _, w := range []string{"this week", "by friday", "next few days"} {
		if strings.Contains(lower, w) {
			return model.UrgencyMedium
		}
	}
	return model.UrgencyNormal
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "was": true, "are": true,
	"but": true, "not": true, "you": true, "all": true, "can": true,
	"had": true, "her": true, "his": true, "our": true, "out": true,
	"they": true, "them": true, "then": true, "than": true, "were": true,
	"will": true, "would": true, "could": true, "should": true, "about": true,
	"into": true, "just": true, "some": true, "more": true, "been": true,
	"need": true, "going": true, "also": true, "when": true, "what": true,
	"there": true, "their": true, "because": true, "before": true, "after": true,
}

// Tokenize lowercases, strips punctuation and drops stopwords and short
// tokens.
func Tokenize(s string) []string {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) < 4 || stopwords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Themes counts token occurrences across a set of texts and returns only
// themes whose count exceeds the minimum occurrence threshold.
func Themes(texts []string, minOccurrence int) map[string]int {
	counts := map[string]int{}
	for _, t := range texts {
		seen := map[string]bool{}
		for _, tok := range Tokenize(t) {
			// Count each theme once per text so one rambling note
			// doesn't fabricate a recurring theme.
			if seen[tok] {
				continue
			}
			seen[tok] = true
			counts[tok]++
		}
	}
	for theme, n := range counts {
		if n <= minOccurrence {
			delete(counts, theme)
		}
	}
	return counts
}

// TopTheme returns the most frequent theme across texts, or fallback when
// nothing qualifies.
func TopTheme(texts []string, fallback string) string {
	counts := map[string]int{}
	for _, t := range texts {
		for _, tok := range Tokenize(t) {
			counts[tok]++
		}
	}
	if len(counts) == 0 {
		return fallback
	}

	type pair struct {
		theme string
		n     int
	}
	pairs := make([]pair, 0, len(counts))
	for theme, n := range counts {
		pairs = append(pairs, pair{theme, n})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].n != pairs[j].n {
			return pairs[i].n > pairs[j].n
		}
		return pairs[i].theme < pairs[j].theme
	})
	return pairs[0].theme
}

// Truncate shortens s to at most n runes for summaries and context lines.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
