package pipeline

import (
	"github.com/rcliao/memory-pipeline/internal/extract"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/text"
)

// isActionable decides whether a note represents a task. Any one signal is
// sufficient: extraction-level commitment flags, an action thought type,
// concrete action items, or obligation phrasing in the raw text.
func isActionable(result *extract.Result, noteText string) bool {
	if result.Data.Commitment || result.Data.FutureAction || result.Data.Deadline {
		return true
	}
	if result.ThoughtType == "action" {
		return true
	}
	if len(result.Data.Actions) > 0 {
		return true
	}
	return text.HasObligation(noteText)
}

// deriveUrgency picks the strongest urgency signal across the extracted
// action items and the raw text.
func deriveUrgency(result *extract.Result, noteText string) string {
	urgency := text.Urgency(noteText)
	for _, action := range result.Data.Actions {
		var candidate string
		switch action.Priority {
		case "high":
			candidate = model.UrgencyHigh
		case "medium":
			candidate = model.UrgencyMedium
		}
		if action.Deadline != "" && candidate == "" {
			candidate = model.UrgencyMedium
		}
		urgency = maxUrgency(urgency, candidate)
	}
	return urgency
}

func maxUrgency(a, b string) string {
	rank := map[string]int{model.UrgencyHigh: 2, model.UrgencyMedium: 1, model.UrgencyNormal: 0, "": 0}
	if rank[b] > rank[a] {
		return b
	}
	if a == "" {
		return model.UrgencyNormal
	}
	return a
}

// similarOpenTask finds an open actionable record among the related set that
// this note appears to restate, by shared extracted topics.
func similarOpenTask(result *extract.Result, related []model.MemoryRecord, overlap int) *model.MemoryRecord {
	if overlap <= 0 {
		overlap = 1
	}
	topics := topicSet(result.Data.TopicList())
	if len(topics) == 0 {
		return nil
	}
	for i := range related {
		prior := &related[i]
		if !prior.Actionable || prior.Completed {
			continue
		}
		if countOverlap(topics, priorTopics(prior)) >= overlap {
			return prior
		}
	}
	return nil
}

// mergeTask folds the new extraction into an existing open task: actions and
// topics are unioned, urgency never decreases.
func mergeTask(prior *model.MemoryRecord, result *extract.Result) *model.MemoryRecord {
	merged := *prior
	if merged.Extracted == nil {
		merged.Extracted = &model.ExtractedData{}
	} else {
		clone := *merged.Extracted
		merged.Extracted = &clone
	}

	seen := map[string]bool{}
	for _, a := range merged.Extracted.Actions {
		seen[a.Text] = true
	}
	for _, a := range result.Data.Actions {
		if !seen[a.Text] {
			merged.Extracted.Actions = append(merged.Extracted.Actions, a)
			seen[a.Text] = true
		}
	}

	if newTopics := result.Data.TopicList(); len(newTopics) > 0 {
		if merged.Extracted.Entities == nil {
			merged.Extracted.Entities = &model.Entities{}
		}
		have := topicSet(merged.Extracted.Entities.Topics)
		for _, t := range newTopics {
			if !have[t] {
				merged.Extracted.Entities.Topics = append(merged.Extracted.Entities.Topics, t)
				have[t] = true
			}
		}
	}

	merged.Urgency = maxUrgency(prior.Urgency, deriveUrgency(result, result.Summary))
	return &merged
}

// completedTasks returns the open tasks among related records that this note
// appears to close: the note carries completion phrasing and shares topics
// with the task.
func completedTasks(result *extract.Result, noteText string, related []model.MemoryRecord, overlap int) []*model.MemoryRecord {
	if !text.HasCompletion(noteText) && !text.HasCompletion(result.Summary) {
		return nil
	}
	if overlap <= 0 {
		overlap = 1
	}
	topics := topicSet(result.Data.TopicList())
	for _, t := range text.Tokenize(noteText) {
		topics[t] = true
	}
	var closed []*model.MemoryRecord
	for i := range related {
		prior := &related[i]
		if !prior.Actionable || prior.Completed {
			continue
		}
		if countOverlap(topics, priorTopics(prior)) >= overlap {
			closed = append(closed, prior)
		}
	}
	return closed
}

// topicsOverlap reports whether two records share enough topics to be
// connected, falling back to raw-text tokens when extraction found none.
func topicsOverlap(a, b *model.MemoryRecord, overlap int) bool {
	if overlap <= 0 {
		overlap = 1
	}
	return countOverlap(recordTopics(a), recordTopics(b)) >= overlap
}

func recordTopics(rec *model.MemoryRecord) map[string]bool {
	topics := map[string]bool{}
	if rec.Extracted != nil {
		for _, t := range rec.Extracted.TopicList() {
			topics[t] = true
		}
	}
	if len(topics) == 0 {
		for _, t := range text.Tokenize(rec.RawText) {
			topics[t] = true
		}
	}
	return topics
}

func priorTopics(rec *model.MemoryRecord) map[string]bool {
	topics := recordTopics(rec)
	for _, t := range text.Tokenize(rec.RawText) {
		topics[t] = true
	}
	return topics
}

func topicSet(topics []string) map[string]bool {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return set
}

func countOverlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}
