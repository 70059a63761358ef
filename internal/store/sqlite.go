// Package store provides the shared SQLite record store, the manually
// synchronized search index, and the consolidation artifact tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Store is the single shared storage handle. It is opened once at process
// start, passed by reference to every component, and closed on shutdown.
type Store struct {
	db      *sql.DB
	entropy *rand.Rand
	loc     *time.Location
}

// Open opens or creates the SQLite database at the given path.
func Open(dbPath string, loc *time.Location) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if loc == nil {
		loc = time.Local
	}

	s := &Store{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
		loc:     loc,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle so the durable queue can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Location returns the timezone used for day boundaries.
func (s *Store) Location() *time.Location {
	return s.loc
}

// NewID returns a new ULID string.
func (s *Store) NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		raw_text      TEXT NOT NULL,
		source        TEXT NOT NULL DEFAULT 'text',
		extracted     TEXT,
		thought_type  TEXT,
		summary       TEXT,
		status        TEXT NOT NULL DEFAULT 'pending',
		processed_at  TEXT,
		error_message TEXT,
		actionable    INTEGER NOT NULL DEFAULT 0,
		urgency       TEXT,
		completed     INTEGER NOT NULL DEFAULT 0,
		connections   TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_actionable ON records(actionable, completed);

	CREATE TABLE IF NOT EXISTS record_vectors (
		record_id TEXT PRIMARY KEY REFERENCES records(id),
		vector    TEXT NOT NULL,
		dims      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_consolidations (
		id                TEXT PRIMARY KEY,
		date              TEXT UNIQUE NOT NULL,
		narrative         TEXT,
		threads           TEXT,
		key_decisions     TEXT,
		main_topics       TEXT,
		emotional_arc     TEXT,
		completed_actions TEXT,
		open_questions    TEXT,
		source_memory_ids TEXT NOT NULL,
		importance_score  REAL NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_daily_date ON daily_consolidations(date DESC);

	CREATE TABLE IF NOT EXISTS weekly_patterns (
		id                   TEXT PRIMARY KEY,
		week                 INTEGER NOT NULL,
		year                 INTEGER NOT NULL,
		insights             TEXT,
		recurring_themes     TEXT,
		productivity_pattern TEXT,
		collaboration_counts TEXT,
		decision_count       INTEGER NOT NULL DEFAULT 0,
		recommendations      TEXT,
		source_record_ids    TEXT NOT NULL,
		source_daily_ids     TEXT,
		created_at           TEXT NOT NULL,
		UNIQUE(week, year)
	);
	CREATE INDEX IF NOT EXISTS idx_weekly_week ON weekly_patterns(year DESC, week DESC);

	CREATE TABLE IF NOT EXISTS knowledge_nodes (
		id                TEXT PRIMARY KEY,
		topic             TEXT UNIQUE NOT NULL,
		summary           TEXT,
		insights          TEXT,
		decisions         TEXT,
		questions         TEXT,
		source_memory_ids TEXT NOT NULL,
		confidence        REAL NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_confidence ON knowledge_nodes(confidence DESC);

	CREATE TABLE IF NOT EXISTS knowledge_edges (
		from_id      TEXT NOT NULL REFERENCES knowledge_nodes(id),
		to_id        TEXT NOT NULL REFERENCES knowledge_nodes(id),
		relationship TEXT NOT NULL,
		strength     REAL NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id)
	);

	CREATE TABLE IF NOT EXISTS wisdom (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		content        TEXT NOT NULL,
		context        TEXT,
		confidence     REAL NOT NULL DEFAULT 0,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		success_rate   REAL,
		evidence_ids   TEXT NOT NULL,
		supersedes     TEXT,
		created_at     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wisdom_kind ON wisdom(kind);

	CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
		record_id UNINDEXED,
		raw_text,
		summary
	);
	`
	// No FTS triggers: records_fts is kept in sync manually by the write
	// paths in record.go and repaired by ReconcileIndex.
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryAttempts caps the write-retry loop for transient lock contention.
const retryAttempts = 5

// withRetry runs fn, retrying on transient SQLite lock errors with jittered
// exponential backoff. Other processes (CLI, scheduler) may hold the same
// database file open, so contention is expected, not exceptional.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		delay := time.Duration(1<<attempt) * 50 * time.Millisecond
		delay += time.Duration(s.entropy.Int63n(int64(25 * time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("storage contention after %d attempts: %w", retryAttempts, err)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
