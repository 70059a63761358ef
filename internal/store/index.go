package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rcliao/memory-pipeline/internal/model"
)

// The search index is a denormalized 1:1 shadow of every completed record's
// searchable text. There are no FTS triggers; every write path that touches
// raw_text or summary calls syncIndexTx in the same transaction, and
// ReconcileIndex repairs any drift.

// syncIndexTx replaces the index entry for a record inside an open
// transaction. Delete-then-insert keeps exactly one shadow row per record.
// Records outside the completed status carry no index entry.
func syncIndexTx(ctx context.Context, tx *sql.Tx, rec *model.MemoryRecord) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE record_id = ?`, rec.ID); err != nil {
		return err
	}
	if rec.Status != model.StatusCompleted {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records_fts (record_id, raw_text, summary) VALUES (?, ?, ?)`,
		rec.ID, rec.RawText, rec.Summary)
	return err
}

// ReconcileReport summarises what a reconcile pass repaired.
type ReconcileReport struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

// ReconcileIndex recomputes the entire index shadow set from the records
// table. Safe to run at any time; after it returns the index invariant
// holds: one entry per completed record, matching content, nothing else.
func (s *Store) ReconcileIndex(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Live index entries keyed by record id.
		type entry struct{ rawText, summary string }
		indexed := map[string]entry{}
		rows, err := tx.QueryContext(ctx, `SELECT record_id, raw_text, summary FROM records_fts`)
		if err != nil {
			return fmt.Errorf("read index: %w", err)
		}
		for rows.Next() {
			var id string
			var e entry
			if err := rows.Scan(&id, &e.rawText, &e.summary); err != nil {
				rows.Close()
				return err
			}
			indexed[id] = e
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// Expected entries from completed records.
		expected := map[string]entry{}
		rows, err = tx.QueryContext(ctx,
			`SELECT id, raw_text, COALESCE(summary, '') FROM records WHERE status = ?`,
			model.StatusCompleted)
		if err != nil {
			return fmt.Errorf("read records: %w", err)
		}
		for rows.Next() {
			var id string
			var e entry
			if err := rows.Scan(&id, &e.rawText, &e.summary); err != nil {
				rows.Close()
				return err
			}
			expected[id] = e
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for id, want := range expected {
			have, ok := indexed[id]
			if ok && have == want {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE record_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO records_fts (record_id, raw_text, summary) VALUES (?, ?, ?)`,
				id, want.rawText, want.summary); err != nil {
				return err
			}
			if ok {
				report.Updated++
			} else {
				report.Added++
			}
		}

		for id := range indexed {
			if _, ok := expected[id]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE record_id = ?`, id); err != nil {
				return err
			}
			report.Removed++
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Search finds completed records matching the query via the full-text
// index. Queries containing FTS operator characters fall back to a plain
// substring scan so arbitrary captured text never breaks a search.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	if ftsSafe(query) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM records
			 WHERE id IN (SELECT record_id FROM records_fts WHERE records_fts MATCH ?)
			 ORDER BY timestamp DESC LIMIT ?`, query, limit)
		if err == nil {
			defer rows.Close()
			return collectRecords(rows)
		}
		// Fall through to LIKE on FTS syntax errors.
	}

	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE status = ? AND (raw_text LIKE ? OR summary LIKE ?)
		 ORDER BY timestamp DESC LIMIT ?`,
		model.StatusCompleted, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ftsSafe reports whether a query can be handed to FTS5 MATCH verbatim.
func ftsSafe(q string) bool {
	return !strings.ContainsAny(q, `"'():*^-`)
}
