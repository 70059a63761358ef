// Package pipeline implements the extraction stage: it drains the durable
// queue in batches, invokes the transcription and extraction collaborators,
// and persists enriched records with their search index entries.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcliao/memory-pipeline/internal/embedding"
	"github.com/rcliao/memory-pipeline/internal/extract"
	"github.com/rcliao/memory-pipeline/internal/model"
	"github.com/rcliao/memory-pipeline/internal/queue"
	"github.com/rcliao/memory-pipeline/internal/store"
	"github.com/rcliao/memory-pipeline/internal/text"
)

// Options tunes a Stage.
type Options struct {
	BatchSize    int
	RelatedLimit int           // top-K bound for related-record context
	TopicOverlap int           // shared topics needed to treat a note as a task update
	StaleAfter   time.Duration // processing claims older than this are reclaimed
}

// DefaultOptions returns the standard stage tuning.
func DefaultOptions() Options {
	return Options{
		BatchSize:    20,
		RelatedLimit: 20,
		TopicOverlap: 1,
		StaleAfter:   15 * time.Minute,
	}
}

// Stage drains the queue and enriches records.
type Stage struct {
	store       *store.Store
	queue       *queue.Queue
	transcriber extract.Transcriber
	extractor   extract.Extractor
	embedder    embedding.Embedder
	opts        Options
	logger      *slog.Logger
}

// New creates a Stage.
func New(s *store.Store, q *queue.Queue, tr extract.Transcriber, ex extract.Extractor,
	em embedding.Embedder, opts Options, logger *slog.Logger) *Stage {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.RelatedLimit <= 0 {
		opts.RelatedLimit = DefaultOptions().RelatedLimit
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store: s, queue: q, transcriber: tr, extractor: ex, embedder: em,
		opts: opts, logger: logger,
	}
}

// BatchStats summarises one ProcessBatch run.
type BatchStats struct {
	Claimed        int `json:"claimed"`
	Processed      int `json:"processed"`
	Released       int `json:"released"`
	Failed         int `json:"failed"`
	TasksDetected  int `json:"tasks_detected"`
	TasksCompleted int `json:"tasks_completed"`
	Reclaimed      int `json:"reclaimed"`
}

// batchItem carries per-item working state across the batch passes.
type batchItem struct {
	item model.WorkItem
	rec  *model.MemoryRecord
}

// ProcessBatch runs one batch end to end. Failures are scoped per item: a
// failing extraction releases or fails that item alone, never the batch.
// A storage-level failure aborts the rest of the batch cleanly, releasing
// unprocessed claims.
func (st *Stage) ProcessBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats

	// Crash recovery sweep before claiming.
	reclaimed, err := st.queue.ReclaimStale(ctx, st.opts.StaleAfter)
	if err != nil {
		return stats, fmt.Errorf("reclaim stale: %w", err)
	}
	if reclaimed > 0 {
		st.logger.Info("reclaimed stale work items", "count", reclaimed)
	}
	stats.Reclaimed = reclaimed

	claimed, err := st.queue.ClaimPending(ctx, st.opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("claim batch: %w", err)
	}
	stats.Claimed = len(claimed)
	if len(claimed) == 0 {
		return stats, nil
	}

	// Transcribe voice items up front to amortize round trips.
	transcripts := st.transcribeVoice(ctx, claimed, &stats)

	var done []batchItem
	var doneIDs []string

	for i, item := range claimed {
		select {
		case <-ctx.Done():
			// Graceful shutdown mid-batch: release unprocessed claims so
			// they are immediately eligible again.
			st.releaseRemaining(claimed[i:], "shutdown before processing")
			st.queue.MarkCompleted(context.Background(), doneIDs)
			return stats, ctx.Err()
		default:
		}

		noteTxt, ok := st.itemText(item, transcripts)
		if !ok {
			// Transcription already released the item, or the payload is
			// empty; itemText handled the bookkeeping.
			continue
		}

		rec, err := st.processItem(ctx, item, noteTxt, &stats)
		if err != nil {
			if isStorageErr(err) {
				// Permanent-system failure: abort cleanly, leaving prior
				// committed items intact and the rest claimable.
				st.queue.Release(ctx, item.ID, err.Error())
				st.releaseRemaining(claimed[i+1:], "batch aborted: storage failure")
				st.queue.MarkCompleted(ctx, doneIDs)
				return stats, err
			}
			continue
		}

		done = append(done, batchItem{item: item, rec: rec})
		doneIDs = append(doneIDs, item.ID)
		stats.Processed++
	}

	// Second pass: same-batch items may reference each other, so build
	// bidirectional connections across the batch after everything is
	// persisted.
	st.linkBatch(ctx, done)

	if err := st.queue.MarkCompleted(ctx, doneIDs); err != nil {
		return stats, fmt.Errorf("mark completed: %w", err)
	}
	return stats, nil
}

// transcribeVoice batch-invokes the transcription collaborator for the
// voice items. A failed transcription releases the item for retry.
func (st *Stage) transcribeVoice(ctx context.Context, items []model.WorkItem, stats *BatchStats) map[string]string {
	transcripts := map[string]string{}
	for _, item := range items {
		if item.Kind != model.KindVoice {
			continue
		}
		transcript, err := st.transcriber.Transcribe(ctx, item.Payload)
		if err != nil {
			st.logger.Warn("transcription failed", "item_id", item.ID, "error", err)
			st.release(ctx, item, fmt.Sprintf("transcription: %v", err), stats)
			continue
		}
		transcripts[item.ID] = transcript
	}
	return transcripts
}

// itemText resolves the note text for an item. Returns ok=false when the
// item cannot or should not be processed in this batch.
func (st *Stage) itemText(item model.WorkItem, transcripts map[string]string) (string, bool) {
	ctx := context.Background()
	switch item.Kind {
	case model.KindText:
		if item.Payload == "" {
			st.failItem(ctx, item, "empty text payload")
			return "", false
		}
		return item.Payload, true
	case model.KindVoice:
		transcript, ok := transcripts[item.ID]
		if !ok {
			return "", false // transcription failed; already released
		}
		if transcript == "" {
			// Silent audio is a valid transcription result but there is
			// nothing to enrich.
			st.failItem(ctx, item, "empty transcript (silent audio)")
			return "", false
		}
		return transcript, true
	default:
		st.failItem(ctx, item, fmt.Sprintf("unknown kind %q", item.Kind))
		return "", false
	}
}

// processItem enriches a single record. Collaborator failures release the
// item at the queue level; only storage failures propagate.
func (st *Stage) processItem(ctx context.Context, item model.WorkItem, noteTxt string, stats *BatchStats) (*model.MemoryRecord, error) {
	rec, err := st.store.GetRecord(ctx, item.RecordID)
	if err != nil {
		st.failItem(ctx, item, fmt.Sprintf("no matching record %s", item.RecordID))
		stats.Failed++
		return nil, errSkipped
	}

	// Related-record context. This lookup never fails the item: on any
	// error we proceed with empty context.
	vec, embedErr := st.embedder.Embed(ctx, noteTxt)
	var related []model.MemoryRecord
	if embedErr != nil {
		st.logger.Warn("embedding failed, proceeding without context", "item_id", item.ID, "error", embedErr)
	} else {
		related, err = st.store.RelatedRecords(ctx, vec, st.opts.RelatedLimit)
		if err != nil {
			st.logger.Warn("related lookup failed, proceeding without context", "item_id", item.ID, "error", err)
			related = nil
		}
	}

	result, err := st.extractor.Extract(ctx, noteTxt, contextNotes(related))
	if err != nil {
		st.release(ctx, item, fmt.Sprintf("extraction: %v", err), stats)
		return nil, errSkipped
	}

	rec.RawText = noteTxt
	rec.Extracted = &result.Data
	rec.ThoughtType = result.ThoughtType
	rec.Summary = result.Summary
	rec.Status = model.StatusCompleted
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	rec.Connections = topConnections(related, 5)

	if isActionable(result, noteTxt) {
		stats.TasksDetected++
		if prior := similarOpenTask(result, related, st.opts.TopicOverlap); prior != nil {
			// Update the existing open task instead of duplicating it.
			if err := st.updateTask(ctx, prior, result); err != nil {
				return nil, err
			}
			rec.Connections = appendUnique(rec.Connections, prior.ID)
		} else {
			rec.Actionable = true
			rec.Urgency = deriveUrgency(result, noteTxt)
		}
	}

	// Completion detection: the current note may close earlier tasks.
	closed := completedTasks(result, noteTxt, related, st.opts.TopicOverlap)
	for _, prior := range closed {
		if err := st.store.MarkTaskCompleted(ctx, prior.ID); err != nil {
			return nil, fmt.Errorf("mark task completed: %w", err)
		}
		if err := st.store.AddConnections(ctx, prior.ID, []string{rec.ID}); err != nil {
			return nil, fmt.Errorf("link completed task: %w", err)
		}
		rec.Connections = appendUnique(rec.Connections, prior.ID)
		stats.TasksCompleted++
	}

	if err := st.store.SaveEnriched(ctx, rec); err != nil {
		return nil, fmt.Errorf("save enriched: %w", err)
	}

	if embedErr == nil {
		if err := st.store.SaveVector(ctx, rec.ID, vec); err != nil {
			st.logger.Warn("vector save failed", "record_id", rec.ID, "error", err)
		}
	}

	return rec, nil
}

func (st *Stage) updateTask(ctx context.Context, prior *model.MemoryRecord, result *extract.Result) error {
	merged := mergeTask(prior, result)
	if err := st.store.UpdateTask(ctx, merged); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// linkBatch builds bidirectional connections between batch records that
// share topics, since same-batch items may reference each other.
func (st *Stage) linkBatch(ctx context.Context, done []batchItem) {
	for i := 0; i < len(done); i++ {
		for j := i + 1; j < len(done); j++ {
			if !topicsOverlap(done[i].rec, done[j].rec, st.opts.TopicOverlap) {
				continue
			}
			if err := st.store.AddConnections(ctx, done[i].rec.ID, []string{done[j].rec.ID}); err != nil {
				st.logger.Warn("batch link failed", "from", done[i].rec.ID, "error", err)
				continue
			}
			if err := st.store.AddConnections(ctx, done[j].rec.ID, []string{done[i].rec.ID}); err != nil {
				st.logger.Warn("batch link failed", "from", done[j].rec.ID, "error", err)
			}
		}
	}
}

// release returns an item to pending (or terminal failed at the attempt
// ceiling) and mirrors a terminal failure onto the record.
func (st *Stage) release(ctx context.Context, item model.WorkItem, reason string, stats *BatchStats) {
	if err := st.queue.Release(ctx, item.ID, reason); err != nil {
		st.logger.Error("release failed", "item_id", item.ID, "error", err)
		return
	}
	stats.Released++
	after, err := st.queue.Get(ctx, item.ID)
	if err == nil && after.State == model.ItemFailed {
		stats.Failed++
		stats.Released--
		if err := st.store.MarkRecordError(ctx, item.RecordID, reason); err != nil {
			st.logger.Error("mark record error failed", "record_id", item.RecordID, "error", err)
		}
	}
}

// failItem terminally fails an item for a permanent-per-item cause.
func (st *Stage) failItem(ctx context.Context, item model.WorkItem, reason string) {
	if err := st.queue.MarkFailed(ctx, item.ID, reason); err != nil {
		st.logger.Error("mark failed errored", "item_id", item.ID, "error", err)
	}
	if err := st.store.MarkRecordError(ctx, item.RecordID, reason); err != nil {
		st.logger.Error("mark record error failed", "record_id", item.RecordID, "error", err)
	}
}

func (st *Stage) releaseRemaining(items []model.WorkItem, reason string) {
	ctx := context.Background()
	for _, item := range items {
		if item.State != model.ItemProcessing {
			continue
		}
		if err := st.queue.Release(ctx, item.ID, reason); err != nil {
			st.logger.Error("release remaining failed", "item_id", item.ID, "error", err)
		}
	}
}

// contextNotes renders related records into numbered context lines.
func contextNotes(related []model.MemoryRecord) []string {
	limit := len(related)
	if limit > 10 {
		limit = 10
	}
	notes := make([]string, 0, limit)
	for _, rec := range related[:limit] {
		summary := rec.Summary
		if summary == "" {
			summary = text.Truncate(rec.RawText, 100)
		}
		notes = append(notes, fmt.Sprintf("[%s] %s", rec.Timestamp.Format("2006-01-02"), summary))
	}
	return notes
}

func topConnections(related []model.MemoryRecord, n int) []string {
	if len(related) > n {
		related = related[:n]
	}
	ids := make([]string, 0, len(related))
	for _, rec := range related {
		ids = append(ids, rec.ID)
	}
	return ids
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// errSkipped marks per-item failures already accounted for.
var errSkipped = fmt.Errorf("item skipped")

func isStorageErr(err error) bool {
	return err != nil && err != errSkipped
}
