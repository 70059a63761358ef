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

// Consolidation artifacts are upserted by their window key so re-running a
// job for an already-consolidated window replaces the artifact instead of
// duplicating it. Wisdom is the exception: append-only with provenance.

// UpsertDaily stores or replaces the daily consolidation keyed by date.
func (s *Store) UpsertDaily(ctx context.Context, d *model.DailyConsolidation) error {
	if d.ID == "" {
		d.ID = s.NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	threads, _ := json.Marshal(d.Threads)
	decisions, _ := json.Marshal(d.KeyDecisions)
	topics, _ := json.Marshal(d.MainTopics)
	arc, _ := json.Marshal(d.EmotionalArc)
	completed, _ := json.Marshal(d.CompletedActions)
	questions, _ := json.Marshal(d.OpenQuestions)
	sources, _ := json.Marshal(d.SourceMemoryIDs)

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO daily_consolidations
			 (id, date, narrative, threads, key_decisions, main_topics, emotional_arc,
			  completed_actions, open_questions, source_memory_ids, importance_score, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(date) DO UPDATE SET
			   narrative = excluded.narrative,
			   threads = excluded.threads,
			   key_decisions = excluded.key_decisions,
			   main_topics = excluded.main_topics,
			   emotional_arc = excluded.emotional_arc,
			   completed_actions = excluded.completed_actions,
			   open_questions = excluded.open_questions,
			   source_memory_ids = excluded.source_memory_ids,
			   importance_score = excluded.importance_score`,
			d.ID, d.Date, d.Narrative, string(threads), string(decisions), string(topics),
			string(arc), string(completed), string(questions), string(sources),
			d.ImportanceScore, d.CreatedAt.Format(time.RFC3339))
		return err
	})
}

// GetDaily returns the consolidation for a date (YYYY-MM-DD), or nil.
func (s *Store) GetDaily(ctx context.Context, date string) (*model.DailyConsolidation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, date, narrative, threads, key_decisions, main_topics, emotional_arc,
		        completed_actions, open_questions, source_memory_ids, importance_score, created_at
		 FROM daily_consolidations WHERE date = ?`, date)

	var d model.DailyConsolidation
	var threads, decisions, topics, arc, completed, questions, sources sql.NullString
	var createdAt string
	err := row.Scan(&d.ID, &d.Date, &d.Narrative, &threads, &decisions, &topics, &arc,
		&completed, &questions, &sources, &d.ImportanceScore, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	unmarshalInto(threads, &d.Threads)
	unmarshalInto(decisions, &d.KeyDecisions)
	unmarshalInto(topics, &d.MainTopics)
	unmarshalInto(arc, &d.EmotionalArc)
	unmarshalInto(completed, &d.CompletedActions)
	unmarshalInto(questions, &d.OpenQuestions)
	unmarshalInto(sources, &d.SourceMemoryIDs)
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &d, nil
}

// DailiesBetween returns daily consolidations for dates in [from, to].
func (s *Store) DailiesBetween(ctx context.Context, from, to string) ([]model.DailyConsolidation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date FROM daily_consolidations WHERE date >= ? AND date <= ? ORDER BY date ASC`,
		from, to)
	if err != nil {
		return nil, err
	}
	var dates []string
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			rows.Close()
			return nil, err
		}
		dates = append(dates, date)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []model.DailyConsolidation
	for _, date := range dates {
		d, err := s.GetDaily(ctx, date)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

// UpsertWeekly stores or replaces the weekly pattern keyed by (week, year).
func (s *Store) UpsertWeekly(ctx context.Context, w *model.WeeklyPattern) error {
	if w.ID == "" {
		w.ID = s.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	themes, _ := json.Marshal(w.RecurringThemes)
	productivity, _ := json.Marshal(w.ProductivityPattern)
	collaboration, _ := json.Marshal(w.CollaborationCounts)
	recommendations, _ := json.Marshal(w.Recommendations)
	records, _ := json.Marshal(w.SourceRecordIDs)
	dailies, _ := json.Marshal(w.SourceDailyIDs)

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO weekly_patterns
			 (id, week, year, insights, recurring_themes, productivity_pattern,
			  collaboration_counts, decision_count, recommendations,
			  source_record_ids, source_daily_ids, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(week, year) DO UPDATE SET
			   insights = excluded.insights,
			   recurring_themes = excluded.recurring_themes,
			   productivity_pattern = excluded.productivity_pattern,
			   collaboration_counts = excluded.collaboration_counts,
			   decision_count = excluded.decision_count,
			   recommendations = excluded.recommendations,
			   source_record_ids = excluded.source_record_ids,
			   source_daily_ids = excluded.source_daily_ids`,
			w.ID, w.Week, w.Year, w.Insights, string(themes), string(productivity),
			string(collaboration), w.DecisionCount, string(recommendations),
			string(records), string(dailies), w.CreatedAt.Format(time.RFC3339))
		return err
	})
}

// GetWeekly returns the pattern for an (ISO week, year), or nil.
func (s *Store) GetWeekly(ctx context.Context, week, year int) (*model.WeeklyPattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, week, year, insights, recurring_themes, productivity_pattern,
		        collaboration_counts, decision_count, recommendations,
		        source_record_ids, source_daily_ids, created_at
		 FROM weekly_patterns WHERE week = ? AND year = ?`, week, year)
	w, err := scanWeekly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// WeekliesSince returns weekly patterns created on or after the cutoff.
func (s *Store) WeekliesSince(ctx context.Context, cutoff time.Time) ([]model.WeeklyPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, week, year, insights, recurring_themes, productivity_pattern,
		        collaboration_counts, decision_count, recommendations,
		        source_record_ids, source_daily_ids, created_at
		 FROM weekly_patterns WHERE created_at >= ? ORDER BY year ASC, week ASC`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyPattern
	for rows.Next() {
		w, err := scanWeekly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWeekly(row scanner) (*model.WeeklyPattern, error) {
	var w model.WeeklyPattern
	var themes, productivity, collaboration, recommendations, records, dailies sql.NullString
	var createdAt string
	err := row.Scan(&w.ID, &w.Week, &w.Year, &w.Insights, &themes, &productivity,
		&collaboration, &w.DecisionCount, &recommendations, &records, &dailies, &createdAt)
	if err != nil {
		return nil, err
	}
	unmarshalInto(themes, &w.RecurringThemes)
	unmarshalInto(productivity, &w.ProductivityPattern)
	unmarshalInto(collaboration, &w.CollaborationCounts)
	unmarshalInto(recommendations, &w.Recommendations)
	unmarshalInto(records, &w.SourceRecordIDs)
	unmarshalInto(dailies, &w.SourceDailyIDs)
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &w, nil
}

// UpsertNode stores or updates a knowledge node keyed by topic. Re-running
// the monthly synthesis updates existing nodes instead of orphaning them.
func (s *Store) UpsertNode(ctx context.Context, n *model.KnowledgeNode) error {
	if n.ID == "" {
		n.ID = s.NewID()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	insights, _ := json.Marshal(n.Insights)
	decisions, _ := json.Marshal(n.Decisions)
	questions, _ := json.Marshal(n.Questions)
	sources, _ := json.Marshal(n.SourceMemoryIDs)

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO knowledge_nodes
			 (id, topic, summary, insights, decisions, questions, source_memory_ids,
			  confidence, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(topic) DO UPDATE SET
			   summary = excluded.summary,
			   insights = excluded.insights,
			   decisions = excluded.decisions,
			   questions = excluded.questions,
			   source_memory_ids = excluded.source_memory_ids,
			   confidence = excluded.confidence,
			   updated_at = excluded.updated_at`,
			n.ID, n.Topic, n.Summary, string(insights), string(decisions), string(questions),
			string(sources), n.Confidence, n.CreatedAt.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return err
		}
		// An upsert on an existing topic keeps the original id; read it back.
		return s.db.QueryRowContext(ctx,
			`SELECT id FROM knowledge_nodes WHERE topic = ?`, n.Topic).Scan(&n.ID)
	})
}

// ListNodes returns all knowledge nodes, highest confidence first.
func (s *Store) ListNodes(ctx context.Context) ([]model.KnowledgeNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, summary, insights, decisions, questions, source_memory_ids,
		        confidence, created_at, updated_at
		 FROM knowledge_nodes ORDER BY confidence DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []model.KnowledgeNode
	for rows.Next() {
		var n model.KnowledgeNode
		var insights, decisions, questions, sources sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.Topic, &n.Summary, &insights, &decisions, &questions,
			&sources, &n.Confidence, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		unmarshalInto(insights, &n.Insights)
		unmarshalInto(decisions, &n.Decisions)
		unmarshalInto(questions, &n.Questions)
		unmarshalInto(sources, &n.SourceMemoryIDs)
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ReplaceEdges atomically replaces the outgoing edges of a node.
func (s *Store) ReplaceEdges(ctx context.Context, fromID string, edges []model.KnowledgeEdge) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_edges WHERE from_id = ?`, fromID); err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		for _, e := range edges {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO knowledge_edges (from_id, to_id, relationship, strength, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				fromID, e.ToID, e.Relationship, e.Strength, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// EdgesFrom returns the outgoing edges of a node.
func (s *Store) EdgesFrom(ctx context.Context, fromID string) ([]model.KnowledgeEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, relationship, strength, created_at
		 FROM knowledge_edges WHERE from_id = ?`, fromID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []model.KnowledgeEdge
	for rows.Next() {
		var e model.KnowledgeEdge
		var createdAt string
		if err := rows.Scan(&e.FromID, &e.ToID, &e.Relationship, &e.Strength, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// AppendWisdom inserts a new wisdom row. Existing rows are never mutated;
// a revision points back at its predecessor through supersedes.
func (s *Store) AppendWisdom(ctx context.Context, w *model.Wisdom) error {
	if w.ID == "" {
		w.ID = s.NewID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	evidence, _ := json.Marshal(w.EvidenceIDs)

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO wisdom
			 (id, kind, content, context, confidence, evidence_count, success_rate,
			  evidence_ids, supersedes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.Kind, w.Content, w.Context, w.Confidence, w.EvidenceCount,
			nullFloat(w.SuccessRate), string(evidence), nullString(w.Supersedes),
			w.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("append wisdom: %w", err)
		}
		return nil
	})
}

// ListWisdom returns wisdom rows, optionally filtered by kind.
func (s *Store) ListWisdom(ctx context.Context, kind string) ([]model.Wisdom, error) {
	query := `SELECT id, kind, content, context, confidence, evidence_count, success_rate,
	                 evidence_ids, supersedes, created_at
	          FROM wisdom`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Wisdom
	for rows.Next() {
		var w model.Wisdom
		var wContext, evidence, supersedes sql.NullString
		var successRate sql.NullFloat64
		var createdAt string
		if err := rows.Scan(&w.ID, &w.Kind, &w.Content, &wContext, &w.Confidence,
			&w.EvidenceCount, &successRate, &evidence, &supersedes, &createdAt); err != nil {
			return nil, err
		}
		if wContext.Valid {
			w.Context = wContext.String
		}
		if successRate.Valid {
			w.SuccessRate = successRate.Float64
		}
		if supersedes.Valid {
			w.Supersedes = supersedes.String
		}
		unmarshalInto(evidence, &w.EvidenceIDs)
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

func unmarshalInto(src sql.NullString, dst interface{}) {
	if src.Valid && src.String != "" {
		json.Unmarshal([]byte(src.String), dst)
	}
}

func nullFloat(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
