package extract

import (
	"context"
	"strings"

	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/text"
)

// Stub collaborators are used when no external service is configured and in
// tests. They apply the same keyword heuristics the original fallback path
// used, so the pipeline stays functional offline.

// StubExtractor derives a structured payload from keyword signals alone.
type StubExtractor struct{}

// Extract builds a best-effort payload without calling any service.
func (StubExtractor) Extract(_ context.Context, noteText string, _ []string) (*Result, error) {
	data := model.ExtractedData{}
	thoughtType := "memory"

	if text.HasObligation(noteText) {
		data.FutureAction = true
		data.Actions = []model.Action{{Text: text.Truncate(noteText, 100), Priority: "medium"}}
		thoughtType = "action"
	}
	lower := strings.ToLower(noteText)
	if strings.Contains(lower, "decided") || strings.Contains(lower, "decision") {
		data.Decisions = []model.Decision{{Decision: text.Truncate(noteText, 100)}}
		thoughtType = "decision"
	}
	if strings.Contains(noteText, "?") {
		data.Questions = []model.Question{{Question: text.Truncate(noteText, 100)}}
		if thoughtType == "memory" {
			thoughtType = "question"
		}
	}
	if topics := text.Tokenize(noteText); len(topics) > 0 {
		if len(topics) > 5 {
			topics = topics[:5]
		}
		data.Entities = &model.Entities{Topics: topics}
	}

	return &Result{
		Data:        data,
		ThoughtType: thoughtType,
		Summary:     text.Truncate(noteText, 100),
	}, nil
}

// Summarize joins the prompt's findings into flat prose.
func (StubExtractor) Summarize(_ context.Context, prompt string) (string, error) {
	lines := strings.Split(prompt, "\n")
	var kept []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			kept = append(kept, l)
		}
		if len(kept) == 3 {
			break
		}
	}
	return strings.Join(kept, " "), nil
}

// StubTranscriber returns a fixed transcript per audio path, defaulting to
// empty (silent input).
type StubTranscriber struct {
	Transcripts map[string]string
}

// Transcribe looks up the canned transcript for the path.
func (s StubTranscriber) Transcribe(_ context.Context, audioPath string) (string, error) {
	if s.Transcripts == nil {
		return "", nil
	}
	return s.Transcripts[audioPath], nil
}
