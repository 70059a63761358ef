// Package model defines the core data types shared across the pipeline.
package model

import "time"

// Record statuses. Transitions are pending → processing → {completed, error}.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Urgency levels for actionable records.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyNormal = "normal"
)

// MemoryRecord is a captured thought, before or after enrichment.
type MemoryRecord struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	RawText       string         `json:"raw_text"`
	Source        string         `json:"source"` // text | voice
	Extracted     *ExtractedData `json:"extracted_data,omitempty"`
	ThoughtType   string         `json:"thought_type,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Status        string         `json:"status"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Actionable    bool           `json:"actionable"`
	Urgency       string         `json:"urgency,omitempty"`
	Completed     bool           `json:"completed"`
	Connections   []string       `json:"connections,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ValidThoughtTypes are the recognised thought classifications.
var ValidThoughtTypes = map[string]bool{
	"action":      true,
	"idea":        true,
	"observation": true,
	"question":    true,
	"feeling":     true,
	"decision":    true,
	"memory":      true,
	"mixed":       true,
}

// ExtractedData is the open-ended structured payload produced by the
// extraction collaborator. Each sub-structure is independently optional;
// absent sections stay nil and callers treat them as empty.
type ExtractedData struct {
	Actions   []Action   `json:"actions,omitempty"`
	Entities  *Entities  `json:"entities,omitempty"`
	Temporal  *Temporal  `json:"temporal,omitempty"`
	Decisions []Decision `json:"decisions,omitempty"`
	Questions []Question `json:"questions,omitempty"`
	Ideas     []Idea     `json:"ideas,omitempty"`
	Mood      *Mood      `json:"mood,omitempty"`

	// Signals the collaborator may set directly.
	Commitment   bool `json:"contains_commitment,omitempty"`
	FutureAction bool `json:"future_action,omitempty"`
	Deadline     bool `json:"deadline_mentioned,omitempty"`
}

// Action is a task the speaker intends to do.
type Action struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"` // high | medium | low
	Deadline string `json:"deadline,omitempty"`
}

// Entities are the people, projects and topics a thought mentions.
type Entities struct {
	People   []string `json:"people,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

// Temporal holds time references found in the text.
type Temporal struct {
	Dates    []string `json:"dates,omitempty"`    // explicit dates
	Relative []string `json:"relative,omitempty"` // "tomorrow", "next week"
}

// Decision records a decision and its rationale.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Question is an open question or wondering.
type Question struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

// Idea is a creative thought.
type Idea struct {
	Idea    string `json:"idea"`
	Trigger string `json:"trigger,omitempty"`
}

// Mood captures emotional state when expressed.
type Mood struct {
	Feeling string `json:"feeling,omitempty"`
	Energy  string `json:"energy,omitempty"` // high | normal | low | anxious | excited
}

// TopicList returns the topic list, tolerating a nil Entities section.
func (e *ExtractedData) TopicList() []string {
	if e == nil || e.Entities == nil {
		return nil
	}
	return e.Entities.Topics
}

// PeopleList returns mentioned people, tolerating nil sections.
func (e *ExtractedData) PeopleList() []string {
	if e == nil || e.Entities == nil {
		return nil
	}
	return e.Entities.People
}
