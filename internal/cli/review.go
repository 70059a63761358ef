package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/queue"
	"github.com/rcliao/memory-pipeline/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review open tasks, recent decisions, failures and the latest daily narrative",
		Run:   runReview,
	}

	cmd.Flags().Int("decisions", 5, "How many recent decisions to show")

	RootCmd.AddCommand(cmd)
}

func runReview(cmd *cobra.Command, args []string) {
	decisionLimit, _ := cmd.Flags().GetInt("decisions")

	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()
	q, err := openQueue(cfg, s)
	if err != nil {
		exitErr("open queue", err)
	}

	ctx := cmd.Context()
	out, err := buildReview(ctx, s, q, decisionLimit)
	if err != nil {
		exitErr("review", err)
	}

	// Yesterday's narrative, falling back to today's if it exists already.
	loc := cfg.Location()
	var narrative *model.DailyConsolidation
	for _, day := range []time.Time{time.Now().In(loc).AddDate(0, 0, -1), time.Now().In(loc)} {
		d, err := s.GetDaily(ctx, day.Format("2006-01-02"))
		if err == nil && d != nil {
			narrative = d
		}
	}
	if narrative != nil {
		out["daily"] = map[string]interface{}{
			"date":      narrative.Date,
			"narrative": narrative.Narrative,
		}
	}

	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

// failedItem is the operator-facing view of a work item that exhausted its
// retries.
type failedItem struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	RecordID   string    `json:"record_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

// errorRecord is the operator-facing view of a capture whose enrichment
// failed terminally.
type errorRecord struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	RawText    string    `json:"raw_text,omitempty"`
	Diagnostic string    `json:"diagnostic,omitempty"`
}

// buildReview assembles the review payload: open tasks, recent decisions,
// and everything that needs operator attention. Items that exhausted their
// retries and records stuck in the error state appear with their stored
// diagnostics, so nobody has to open the database by hand to see why a
// capture never enriched.
func buildReview(ctx context.Context, s *store.Store, q *queue.Queue, decisionLimit int) (map[string]interface{}, error) {
	open, err := s.ActionableOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tasks: %w", err)
	}
	decisions, err := s.RecentDecisions(ctx, decisionLimit)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	failed, err := q.Failed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed items: %w", err)
	}
	errored, err := s.ErrorRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("error records: %w", err)
	}

	out := map[string]interface{}{
		"open_tasks":       open,
		"recent_decisions": decisions,
	}
	if len(failed) > 0 {
		items := make([]failedItem, 0, len(failed))
		for _, it := range failed {
			items = append(items, failedItem{
				ID:         it.ID,
				Kind:       it.Kind,
				RecordID:   it.RecordID,
				Attempts:   it.Attempts,
				EnqueuedAt: it.EnqueuedAt,
				Diagnostic: it.LastError,
			})
		}
		out["failed_items"] = items
	}
	if len(errored) > 0 {
		recs := make([]errorRecord, 0, len(errored))
		for _, r := range errored {
			recs = append(recs, errorRecord{
				ID:         r.ID,
				Source:     r.Source,
				Timestamp:  r.Timestamp,
				RawText:    r.RawText,
				Diagnostic: r.ErrorMessage,
			})
		}
		out["error_records"] = recs
	}
	return out, nil
}
