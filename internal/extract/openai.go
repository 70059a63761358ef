package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/text"
)

const extractSystemPrompt = `You turn short personal notes into structured JSON.
Respond with a single JSON object and nothing else, using this shape:
{
  "thought_type": "action|idea|observation|question|feeling|decision|memory|mixed",
  "summary": "one-line summary",
  "contains_commitment": false,
  "future_action": false,
  "deadline_mentioned": false,
  "actions": [{"text": "...", "priority": "high|medium|low", "deadline": ""}],
  "entities": {"people": [], "projects": [], "topics": []},
  "temporal": {"dates": [], "relative": []},
  "decisions": [{"decision": "...", "reason": ""}],
  "questions": [{"question": "...", "context": ""}],
  "ideas": [{"idea": "...", "trigger": ""}],
  "mood": {"feeling": "", "energy": ""}
}
Include only sections that are actually present in the note.`

// OpenAIExtractor implements Extractor and Summarizer over the OpenAI chat
// completion API.
type OpenAIExtractor struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIExtractor builds an extractor for the given API key and model.
func NewOpenAIExtractor(apiKey, modelName string, timeout time.Duration) *OpenAIExtractor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIExtractor{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   modelName,
		timeout: timeout,
	}
}

// wirePayload mirrors the JSON shape the prompt requests.
type wirePayload struct {
	ThoughtType string `json:"thought_type"`
	Summary     string `json:"summary"`
	model.ExtractedData
}

// Extract sends the note and its related-memory context to the model and
// decodes the structured reply.
func (e *OpenAIExtractor) Extract(ctx context.Context, noteText string, contextNotes []string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Current thought: ")
	sb.WriteString(noteText)
	if len(contextNotes) > 0 {
		sb.WriteString("\n\nRelated context from previous memories:\n")
		for i, note := range contextNotes {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, note)
		}
	}

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractSystemPrompt),
			openai.UserMessage(sb.String()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai extract: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai extract: empty response")
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Message.Content)), &wire); err != nil {
		return nil, fmt.Errorf("openai extract: decode: %w", err)
	}

	result := &Result{
		Data:        wire.ExtractedData,
		ThoughtType: wire.ThoughtType,
		Summary:     wire.Summary,
	}
	normalize(result, noteText)
	return result, nil
}

// Summarize asks the model for narrative prose.
func (e *OpenAIExtractor) Summarize(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai summarize: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// normalize backfills required fields so downstream code never sees blanks.
func normalize(r *Result, noteText string) {
	if !model.ValidThoughtTypes[r.ThoughtType] {
		r.ThoughtType = "memory"
	}
	if r.Summary == "" {
		r.Summary = text.Truncate(noteText, 100)
	}
}

// stripFences removes a markdown code fence around a JSON reply, which some
// models add despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
