package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/memory-pipeline/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// CreatePlaceholder inserts a pending record at capture time. Voice captures
// start with empty raw text until transcription fills it in.
func (s *Store) CreatePlaceholder(ctx context.Context, rawText, source string, ts time.Time) (*model.MemoryRecord, error) {
	now := time.Now().UTC()
	rec := &model.MemoryRecord{
		ID:        s.NewID(),
		Timestamp: ts.UTC(),
		RawText:   rawText,
		Source:    source,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (id, timestamp, raw_text, source, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Timestamp.Format(time.RFC3339), rec.RawText, rec.Source,
			rec.Status, now.Format(time.RFC3339), now.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert placeholder: %w", err)
	}
	return rec, nil
}

// GetRecord returns a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*model.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveEnriched persists the enrichment result and its search index shadow
// row in a single transaction. Idempotent: re-saving the same record
// replaces both the row and its index entry.
func (s *Store) SaveEnriched(ctx context.Context, rec *model.MemoryRecord) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		rec.UpdatedAt = now

		extracted, err := marshalNullable(rec.Extracted)
		if err != nil {
			return fmt.Errorf("marshal extracted: %w", err)
		}
		connections, err := marshalNullable(rec.Connections)
		if err != nil {
			return fmt.Errorf("marshal connections: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE records SET raw_text = ?, extracted = ?, thought_type = ?, summary = ?,
			        status = ?, processed_at = ?, error_message = ?, actionable = ?, urgency = ?,
			        completed = ?, connections = ?, updated_at = ?
			 WHERE id = ?`,
			rec.RawText, extracted, rec.ThoughtType, rec.Summary,
			rec.Status, formatTimePtr(rec.ProcessedAt), rec.ErrorMessage,
			boolInt(rec.Actionable), rec.Urgency, boolInt(rec.Completed),
			connections, now.Format(time.RFC3339), rec.ID)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if err := syncIndexTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("sync index: %w", err)
		}

		return tx.Commit()
	})
}

// MarkRecordError transitions a record to the error status with a
// human-readable diagnostic. The record stays visible for reprocessing.
func (s *Store) MarkRecordError(ctx context.Context, id, msg string) error {
	return s.withRetry(ctx, func() error {
		now := time.Now().UTC().Format(time.RFC3339)
		_, err := s.db.ExecContext(ctx,
			`UPDATE records SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			model.StatusError, msg, now, id)
		return err
	})
}

// MarkTaskCompleted flips the completed flag on an actionable record.
// Summary and raw text are untouched, so the index entry stays valid.
func (s *Store) MarkTaskCompleted(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		now := time.Now().UTC().Format(time.RFC3339)
		_, err := s.db.ExecContext(ctx,
			`UPDATE records SET completed = 1, updated_at = ? WHERE id = ?`, now, id)
		return err
	})
}

// UpdateTask merges new extraction data into an existing open task instead
// of creating a duplicate. Refreshes the index entry since the summary may
// change.
func (s *Store) UpdateTask(ctx context.Context, rec *model.MemoryRecord) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		extracted, err := marshalNullable(rec.Extracted)
		if err != nil {
			return fmt.Errorf("marshal extracted: %w", err)
		}
		now := time.Now().UTC().Format(time.RFC3339)

		_, err = tx.ExecContext(ctx,
			`UPDATE records SET extracted = ?, summary = ?, urgency = ?, updated_at = ? WHERE id = ?`,
			extracted, rec.Summary, rec.Urgency, now, rec.ID)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if rec.Status == model.StatusCompleted {
			if err := syncIndexTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("sync index: %w", err)
			}
		}

		return tx.Commit()
	})
}

// AddConnections merges bidirectional link ids into a record's connection
// set. The read-modify-write runs inside one transaction.
func (s *Store) AddConnections(ctx context.Context, id string, others []string) error {
	if len(others) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var raw sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT connections FROM records WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var conns []string
		if raw.Valid && raw.String != "" {
			json.Unmarshal([]byte(raw.String), &conns)
		}
		seen := make(map[string]bool, len(conns))
		for _, c := range conns {
			seen[c] = true
		}
		for _, o := range others {
			if o != id && !seen[o] {
				conns = append(conns, o)
				seen[o] = true
			}
		}

		b, _ := json.Marshal(conns)
		now := time.Now().UTC().Format(time.RFC3339)
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET connections = ?, updated_at = ? WHERE id = ?`, string(b), now, id)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecordsForDay returns completed records whose timestamp falls within one
// calendar day in the store's timezone, oldest first.
func (s *Store) RecordsForDay(ctx context.Context, day time.Time) ([]model.MemoryRecord, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	return s.RecordsBetween(ctx, start, start.AddDate(0, 0, 1))
}

// RecordsBetween returns completed records with start <= timestamp < end.
func (s *Store) RecordsBetween(ctx context.Context, start, end time.Time) ([]model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE timestamp >= ? AND timestamp < ? AND status = ?
		 ORDER BY timestamp ASC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), model.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ActionableOpen returns actionable records not yet completed, most urgent
// first.
func (s *Store) ActionableOpen(ctx context.Context) ([]model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE actionable = 1 AND completed = 0 AND status = ?
		 ORDER BY CASE urgency WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, timestamp DESC`,
		model.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// RecentDecisions returns the latest completed decision records.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE thought_type = 'decision' AND status = ?
		 ORDER BY timestamp DESC LIMIT ?`, model.StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ErrorRecords returns records stuck in the error status for operator review.
func (s *Store) ErrorRecords(ctx context.Context) ([]model.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE status = ? ORDER BY timestamp DESC`,
		model.StatusError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// CountsByStatus returns record counts grouped by status.
func (s *Store) CountsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const recordColumns = `id, timestamp, raw_text, source, extracted, thought_type, summary,
	status, processed_at, error_message, actionable, urgency, completed, connections,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*model.MemoryRecord, error) {
	var rec model.MemoryRecord
	var timestamp, createdAt, updatedAt string
	var extracted, thoughtType, summary, processedAt, errMsg, urgency, connections sql.NullString
	var actionable, completed int

	err := row.Scan(
		&rec.ID, &timestamp, &rec.RawText, &rec.Source, &extracted, &thoughtType, &summary,
		&rec.Status, &processedAt, &errMsg, &actionable, &urgency, &completed, &connections,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Timestamp, _ = time.Parse(time.RFC3339, timestamp)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	rec.Actionable = actionable != 0
	rec.Completed = completed != 0
	if extracted.Valid && extracted.String != "" {
		var data model.ExtractedData
		if err := json.Unmarshal([]byte(extracted.String), &data); err == nil {
			rec.Extracted = &data
		}
	}
	if thoughtType.Valid {
		rec.ThoughtType = thoughtType.String
	}
	if summary.Valid {
		rec.Summary = summary.String
	}
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339, processedAt.String)
		rec.ProcessedAt = &t
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	if urgency.Valid {
		rec.Urgency = urgency.String
	}
	if connections.Valid && connections.String != "" {
		json.Unmarshal([]byte(connections.String), &rec.Connections)
	}

	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]model.MemoryRecord, error) {
	var records []model.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func marshalNullable(v interface{}) (*string, error) {
	switch t := v.(type) {
	case *model.ExtractedData:
		if t == nil {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
