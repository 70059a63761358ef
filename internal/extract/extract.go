// Package extract defines the external collaborator contracts for
// transcription and structured extraction, plus their implementations.
// Collaborators are opaque to the pipeline: it only sees these interfaces.
package extract

import (
	"context"

	"github.com/rcliao/memory-pipeline/internal/model"
)

// Transcriber converts captured audio into text. An empty transcript for
// silent input is a valid result, not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Result is the best-effort output of an extraction call. Absent fields are
// empty containers, never nils that crash callers.
type Result struct {
	Data        model.ExtractedData `json:"data"`
	ThoughtType string              `json:"thought_type"`
	Summary     string              `json:"summary"`
}

// Extractor turns raw text plus related-memory context into the structured
// payload.
type Extractor interface {
	Extract(ctx context.Context, text string, contextNotes []string) (*Result, error)
}

// Summarizer generates narrative prose from structured findings, used by
// the consolidation jobs. Implementations may share a client with Extractor.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}
