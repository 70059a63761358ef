package model

import "time"

// Consolidation job states shared by all four cadences.
const (
	JobNotRun    = "not_run"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// DailyConsolidation summarises one calendar day of records.
// Keyed uniquely by Date (YYYY-MM-DD in the configured timezone).
type DailyConsolidation struct {
	ID               string          `json:"id"`
	Date             string          `json:"date"`
	Narrative        string          `json:"narrative"`
	Threads          []ThoughtThread `json:"thought_threads,omitempty"`
	KeyDecisions     []Decision      `json:"key_decisions,omitempty"`
	MainTopics       []string        `json:"main_topics,omitempty"`
	EmotionalArc     []string        `json:"emotional_arc,omitempty"`
	CompletedActions []string        `json:"completed_actions,omitempty"`
	OpenQuestions    []Question      `json:"open_questions,omitempty"`
	SourceMemoryIDs  []string        `json:"source_memory_ids"`
	ImportanceScore  float64         `json:"importance_score"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ThoughtThread is a run of records separated from its neighbours by a
// sustained gap in time.
type ThoughtThread struct {
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	MemoryCount int       `json:"memory_count"`
	MainTopic   string    `json:"main_topic"`
	Summary     string    `json:"summary"`
}

// WeeklyPattern captures recurring structure across a week.
// Keyed uniquely by (ISO week, year).
type WeeklyPattern struct {
	ID                  string          `json:"id"`
	Week                int             `json:"week"`
	Year                int             `json:"year"`
	Insights            string          `json:"insights"`
	RecurringThemes     map[string]int  `json:"recurring_themes,omitempty"`
	ProductivityPattern map[string]int  `json:"productivity_pattern,omitempty"`
	CollaborationCounts map[string]int  `json:"collaboration_counts,omitempty"`
	DecisionCount       int             `json:"decision_count"`
	Recommendations     []string        `json:"recommendations,omitempty"`
	SourceRecordIDs     []string        `json:"source_record_ids"`
	SourceDailyIDs      []string        `json:"source_daily_ids,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// KnowledgeNode is a promoted topic cluster. Keyed by Topic; re-running the
// monthly synthesis for the same topic upserts the node.
type KnowledgeNode struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic"`
	Summary         string    `json:"summary"`
	Insights        []string  `json:"insights,omitempty"`
	Decisions       []string  `json:"decisions,omitempty"`
	Questions       []string  `json:"questions,omitempty"`
	SourceMemoryIDs []string  `json:"source_memory_ids"`
	Confidence      float64   `json:"confidence"` // cluster coherence at promotion time
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// KnowledgeEdge links two nodes whose similarity cleared the edge threshold.
type KnowledgeEdge struct {
	FromID       string    `json:"from_id"`
	ToID         string    `json:"to_id"`
	Relationship string    `json:"relationship"` // collaboration | strong_topic | related_topic | weak
	Strength     float64   `json:"strength"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wisdom kinds.
const (
	WisdomPrinciple = "principle"
	WisdomHeuristic = "heuristic"
	WisdomInsight   = "insight"
)

// Wisdom is a quarterly-extracted principle, heuristic or insight.
// Append-only: a revision supersedes its predecessor, never overwrites it.
type Wisdom struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Content       string    `json:"content"`
	Context       string    `json:"context,omitempty"`
	Confidence    float64   `json:"confidence"`
	EvidenceCount int       `json:"evidence_count"`
	SuccessRate   float64   `json:"success_rate,omitempty"`
	EvidenceIDs   []string  `json:"evidence_ids"` // weekly pattern / knowledge node ids
	Supersedes    string    `json:"supersedes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
