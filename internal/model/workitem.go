package model

import "time"

// WorkItem states. Transitions are monotonic:
// pending → processing → {completed, failed}. A recovery sweep may return a
// stale processing item to pending; that is the only backward edge.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
)

// Work item kinds.
const (
	KindText  = "text"
	KindVoice = "voice"
)

// WorkItem is a unit of captured input awaiting enrichment.
type WorkItem struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"` // text | voice
	Payload    string     `json:"payload"` // inline text, or audio file path for voice
	RecordID   string     `json:"record_id"` // placeholder MemoryRecord created at capture
	State      string     `json:"state"`
	Attempts   int        `json:"attempts"`
	NotBefore  *time.Time `json:"not_before,omitempty"` // backoff gate after a transient failure
	LastError  string     `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	DoneAt     *time.Time `json:"done_at,omitempty"`
}
