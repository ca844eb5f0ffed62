// Package ingestlog records the outcome of every ingestion trigger —
// accepted, duplicate, skipped or failed — so operators can answer "what
// happened to source X today" without correlating daemon logs.
package ingestlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Outcome classifies one trigger.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one recorded trigger outcome.
type Entry struct {
	IngestionID string
	SourceID    string
	Trigger     string // "blob_trigger" or "scheduled_pull"
	Outcome     Outcome
	// Detail carries the error message for failed entries, the existing
	// document id for duplicates, or the skip reason.
	Detail     string
	DurationMs int64
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS ingest_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    ingestion_id TEXT NOT NULL,
    source_id    TEXT NOT NULL,
    trigger_mode TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingest_log_source ON ingest_log (source_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ingest_log_outcome ON ingest_log (outcome, created_at);
`

// Recorder writes outcome rows. Recording is best effort: a failed write
// is logged and never propagated, because the log must not be able to
// fail an ingestion that otherwise succeeded.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger
}

// NewRecorder wires a recorder. Call EnsureSchema once at startup.
func NewRecorder(db *sql.DB, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{db: db, log: log}
}

// EnsureSchema creates the log table and indexes.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Record writes one entry.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ingest_log (ingestion_id, source_id, trigger_mode, outcome,
		 detail, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.IngestionID, e.SourceID, e.Trigger, string(e.Outcome),
		e.Detail, e.DurationMs, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		r.log.Warn("ingestlog: record failed",
			"ingestion_id", e.IngestionID, "outcome", string(e.Outcome), "error", err)
	}
}

// Stats returns outcome counts for a source since the given time.
func (r *Recorder) Stats(ctx context.Context, sourceID string, since time.Time) (map[Outcome]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM ingest_log
		 WHERE source_id = ? AND created_at >= ? GROUP BY outcome`,
		sourceID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ingestlog: stats: %w", err)
	}
	defer rows.Close()

	stats := map[Outcome]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		stats[Outcome(outcome)] = n
	}
	return stats, rows.Err()
}

// Recent returns the newest entries for a source, up to limit.
func (r *Recorder) Recent(ctx context.Context, sourceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT ingestion_id, source_id, trigger_mode, outcome, detail, duration_ms, created_at
		 FROM ingest_log WHERE source_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("ingestlog: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outcome string
		var createdAt int64
		if err := rows.Scan(&e.IngestionID, &e.SourceID, &e.Trigger, &outcome,
			&e.Detail, &e.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
