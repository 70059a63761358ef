// Package config provides centralized configuration for memoryd.
// All values are loaded from environment variables with sensible defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runtime configuration.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Timezone used for consolidation day boundaries.
	Timezone string

	// BatchSize is the maximum number of queue items claimed per batch.
	BatchSize int

	// PollInterval is how often the scheduler drains the queue.
	PollInterval time.Duration

	// StaleAfter is how long an item may sit in processing before the
	// recovery sweep returns it to pending.
	StaleAfter time.Duration

	// MaxAttempts is the retry ceiling before an item is terminally failed.
	MaxAttempts int

	// RetryBackoff is the base delay for queue-level retry backoff.
	RetryBackoff time.Duration

	// RelatedLimit is the top-K bound for related-record lookups.
	RelatedLimit int

	// CollaboratorTimeout bounds every transcription/extraction/similarity call.
	CollaboratorTimeout time.Duration

	// OpenAIKey enables the OpenAI extraction collaborator when set.
	OpenAIKey string

	// OpenAIModel is the model used for extraction and narrative synthesis.
	OpenAIModel string

	// WhisperURL is the base URL of a whisper transcription server.
	WhisperURL string

	// OllamaURL is the base URL for embedding generation.
	OllamaURL string

	// EmbeddingModel is the Ollama embedding model identifier.
	EmbeddingModel string

	// LogFile receives JSON logs alongside the stderr text output.
	LogFile string

	// LogLevel is debug, info, warn or error.
	LogLevel string

	// Consolidation policy knobs. Illustrative defaults, tuned empirically.
	ThemeMinOccurrence int     // a theme is "recurring" only above this count
	ClusterCoherence   float64 // gate for promoting a cluster to a KnowledgeNode
	EdgeThreshold      float64 // gate for creating a knowledge graph edge
	ConsistencyScore   float64 // gate for promoting a pattern to a principle
	SuccessRate        float64 // gate for promoting decision outcomes to heuristics
	TaskTopicOverlap   int     // shared topics required to treat a note as a task update
}

// Load reads configuration from environment variables, applying defaults.
func Load() Config {
	return Config{
		DBPath:              envOr("MEMORYD_DB", filepath.Join(home(), "memories.db")),
		Timezone:            envOr("MEMORYD_TZ", "Local"),
		BatchSize:           envInt("MEMORYD_BATCH_SIZE", 20),
		PollInterval:        envDuration("MEMORYD_POLL_INTERVAL", 5*time.Minute),
		StaleAfter:          envDuration("MEMORYD_STALE_AFTER", 15*time.Minute),
		MaxAttempts:         envInt("MEMORYD_MAX_ATTEMPTS", 5),
		RetryBackoff:        envDuration("MEMORYD_RETRY_BACKOFF", 30*time.Second),
		RelatedLimit:        envInt("MEMORYD_RELATED_LIMIT", 20),
		CollaboratorTimeout: envDuration("MEMORYD_COLLABORATOR_TIMEOUT", 60*time.Second),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         envOr("MEMORYD_OPENAI_MODEL", "gpt-4o-mini"),
		WhisperURL:          envOr("MEMORYD_WHISPER_URL", ""),
		OllamaURL:           envOr("OLLAMA_HOST", "http://localhost:11434"),
		EmbeddingModel:      envOr("MEMORYD_EMBEDDING_MODEL", "all-minilm:l6-v2"),
		LogFile:             envOr("MEMORYD_LOG_FILE", filepath.Join(home(), "memoryd.log")),
		LogLevel:            envOr("MEMORYD_LOG_LEVEL", "info"),
		ThemeMinOccurrence:  envInt("MEMORYD_THEME_MIN", 2),
		ClusterCoherence:    envFloat("MEMORYD_CLUSTER_COHERENCE", 0.7),
		EdgeThreshold:       envFloat("MEMORYD_EDGE_THRESHOLD", 0.3),
		ConsistencyScore:    envFloat("MEMORYD_CONSISTENCY", 0.6),
		SuccessRate:         envFloat("MEMORYD_SUCCESS_RATE", 0.8),
		TaskTopicOverlap:    envInt("MEMORYD_TASK_OVERLAP", 1),
	}
}

// Location resolves the configured timezone, falling back to local time.
func (c Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func home() string {
	if v := os.Getenv("MEMORYD_HOME"); v != "" {
		return v
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".memoryd")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
