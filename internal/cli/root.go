// Package cli implements the memoryd CLI commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-pipeline/internal/config"
	"github.com/rcliao/memory-pipeline/internal/consolidate"
	"github.com/rcliao/memory-pipeline/internal/embedding"
	"github.com/rcliao/memory-pipeline/internal/extract"
	"github.com/rcliao/memory-pipeline/internal/pipeline"
	"github.com/rcliao/memory-pipeline/internal/queue"
	"github.com/rcliao/memory-pipeline/internal/store"
)

var dbFlag string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "Asynchronous thought capture and consolidation",
	Long: "Capture thoughts instantly, enrich them in the background, and consolidate\n" +
		"them into daily narratives, weekly patterns, a knowledge graph, and wisdom.\n" +
		"SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbFlag, "db", "d", "",
		"Database path (default: $MEMORYD_DB or ~/.memoryd/memories.db)")
}

func loadConfig() config.Config {
	cfg := config.Load()
	if dbFlag != "" {
		cfg.DBPath = dbFlag
	}
	return cfg
}

func openStore(cfg config.Config) (*store.Store, error) {
	return store.Open(cfg.DBPath, cfg.Location())
}

func openQueue(cfg config.Config, s *store.Store) (*queue.Queue, error) {
	return queue.New(s.DB(), queue.Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
	})
}

func newLogger(cfg config.Config) (*slog.Logger, func() error) {
	return config.SetupLogger(cfg.LogFile, config.ParseLevel(cfg.LogLevel))
}

// newCollaborators wires the configured external services, falling back to
// the offline stubs so every command works without any service running.
func newCollaborators(cfg config.Config) (extract.Transcriber, extract.Extractor, extract.Summarizer, embedding.Embedder) {
	var tr extract.Transcriber = extract.StubTranscriber{}
	if cfg.WhisperURL != "" {
		tr = extract.NewWhisperTranscriber(cfg.WhisperURL, cfg.CollaboratorTimeout)
	}

	var ex extract.Extractor = extract.StubExtractor{}
	var sum extract.Summarizer = extract.StubExtractor{}
	if cfg.OpenAIKey != "" {
		oa := extract.NewOpenAIExtractor(cfg.OpenAIKey, cfg.OpenAIModel, cfg.CollaboratorTimeout)
		ex, sum = oa, oa
	}

	var em embedding.Embedder = embedding.NewHashEmbedder(0)
	if cfg.OllamaURL != "" {
		em = embedding.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbeddingModel, cfg.CollaboratorTimeout)
	}
	return tr, ex, sum, em
}

func newStage(cfg config.Config, s *store.Store, q *queue.Queue, logger *slog.Logger) *pipeline.Stage {
	tr, ex, _, em := newCollaborators(cfg)
	return pipeline.New(s, q, tr, ex, em, pipeline.Options{
		BatchSize:    cfg.BatchSize,
		RelatedLimit: cfg.RelatedLimit,
		TopicOverlap: cfg.TaskTopicOverlap,
		StaleAfter:   cfg.StaleAfter,
	}, logger)
}

func newEngine(cfg config.Config, s *store.Store, logger *slog.Logger) *consolidate.Engine {
	_, _, sum, _ := newCollaborators(cfg)
	return consolidate.New(s, sum, consolidate.Policy{
		ThemeMinOccurrence: cfg.ThemeMinOccurrence,
		ClusterCoherence:   cfg.ClusterCoherence,
		EdgeThreshold:      cfg.EdgeThreshold,
		ConsistencyScore:   cfg.ConsistencyScore,
		SuccessRate:        cfg.SuccessRate,
	}, logger)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
