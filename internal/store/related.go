package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rcliao/memory-pipeline/internal/embedding"
	"github.com/rcliao/memory-pipeline/internal/model"
)

// SaveVector persists the embedding vector for a record.
func (s *Store) SaveVector(ctx context.Context, recordID string, vec embedding.Vector) error {
	b, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO record_vectors (record_id, vector, dims) VALUES (?, ?, ?)
			 ON CONFLICT(record_id) DO UPDATE SET vector = excluded.vector, dims = excluded.dims`,
			recordID, string(b), len(vec))
		return err
	})
}

// scoredID pairs a record id with its similarity score.
type scoredID struct {
	id    string
	score float64
}

// RelatedRecords returns up to k completed records most similar to the
// query vector, best match first. Returns fewer than k when the store holds
// less data. A cosine scan over all stored vectors is adequate at
// single-user scale.
func (s *Store) RelatedRecords(ctx context.Context, query embedding.Vector, k int) ([]model.MemoryRecord, error) {
	if k <= 0 {
		k = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record_id, vector FROM record_vectors`)
	if err != nil {
		return nil, err
	}

	var scored []scoredID
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return nil, err
		}
		var vec embedding.Vector
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		if score := embedding.CosineSimilarity(query, vec); score > 0 {
			scored = append(scored, scoredID{id: id, score: score})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > k {
		scored = scored[:k]
	}

	var related []model.MemoryRecord
	for _, sc := range scored {
		rec, err := s.GetRecord(ctx, sc.id)
		if err != nil {
			continue
		}
		if rec.Status == model.StatusCompleted {
			related = append(related, *rec)
		}
	}
	return related, nil
}

// VectorsBetween returns vectors for completed records in a time window,
// used by the monthly clustering pass.
func (s *Store) VectorsBetween(ctx context.Context, start, end time.Time) (map[string]embedding.Vector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.record_id, v.vector FROM record_vectors v
		 JOIN records r ON r.id = v.record_id
		 WHERE r.timestamp >= ? AND r.timestamp < ? AND r.status = ?`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), model.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vectors := map[string]embedding.Vector{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var vec embedding.Vector
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			continue
		}
		vectors[id] = vec
	}
	return vectors, rows.Err()
}
