// Package ingestq implements the idempotent ingestion queue backed by
// SQLite.
//
// Admission and delivery are separate tables. ingest_deliveries keeps one
// permanent row per delivery key, so a webhook redelivery is rejected even
// long after the job it first produced has been processed and removed.
// ingest_jobs holds pending work with a visibility timeout: a claimed job
// is invisible for a configurable duration and reappears automatically if
// its holder crashes, so another worker can pick it up.
package ingestq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_deliveries (
    delivery_key TEXT PRIMARY KEY,
    ingestion_id TEXT NOT NULL,
    source_id    TEXT NOT NULL,
    admitted_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ingest_jobs (
    ingestion_id TEXT PRIMARY KEY,
    source_id    TEXT NOT NULL,
    payload      BLOB NOT NULL,
    visible_at   INTEGER NOT NULL DEFAULT 0,
    enqueued_at  INTEGER NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ingest_jobs_visible ON ingest_jobs (visible_at);
`

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many times a job can be redelivered before
	// being discarded. 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Queue is the queue handle.
type Queue struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureSchema once at startup, then
// Enqueue and Claim (or Run) as needed.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts}
}

// EnsureSchema creates the admission and job tables if they don't exist.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, schema)
	return err
}

// Enqueue admits a job under its delivery key. The first call for a given
// key inserts an admission record and a visible job, returning true. Any
// later call with the same key returns false with no error and enqueues
// nothing, regardless of whether the original job is still pending. Both
// inserts happen in one transaction so a rejected admission never leaves a
// stray job behind.
func (q *Queue) Enqueue(ctx context.Context, deliveryKey string, job *IngestionJob) (bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	now := time.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ingest_deliveries (delivery_key, ingestion_id, source_id, admitted_at)
		 VALUES (?, ?, ?, ?)`,
		deliveryKey, job.IngestionID, job.SourceID, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, nil
		}
		return false, fmt.Errorf("admit delivery: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ingest_jobs (ingestion_id, source_id, payload, visible_at, enqueued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.IngestionID, job.SourceID, payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Admit records a delivery key without enqueueing a job, for callers that
// process the payload inline (scheduled pulls already hold the body).
// Returns false when the key is already spent.
func (q *Queue) Admit(ctx context.Context, deliveryKey, ingestionID, sourceID string) (bool, error) {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO ingest_deliveries (delivery_key, ingestion_id, source_id, admitted_at)
		 VALUES (?, ?, ?, ?)`,
		deliveryKey, ingestionID, sourceID, time.Now().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, nil
		}
		return false, fmt.Errorf("admit delivery: %w", err)
	}
	return true, nil
}

// Release deletes an admission record so the same delivery key can be
// admitted again. Inline processors call it when work after Admit fails:
// the key must not stay spent for content that was never persisted, or
// the next delivery would be dropped as a duplicate.
func (q *Queue) Release(ctx context.Context, deliveryKey string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM ingest_deliveries WHERE delivery_key = ?`, deliveryKey)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// Claim atomically picks the oldest visible job, marks it invisible for
// the configured visibility duration, and returns it. Returns nil, nil if
// no job is available.
func (q *Queue) Claim(ctx context.Context) (*IngestionJob, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE ingest_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE ingestion_id = (
			SELECT ingestion_id FROM ingest_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING payload, enqueued_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var payload []byte
	var enqAt int64
	var attempts int
	err := row.Scan(&payload, &enqAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var j IngestionJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	j.EnqueuedAt = time.UnixMilli(enqAt)
	j.Attempts = attempts
	return &j, nil
}

// Ack deletes a successfully processed job. The admission record stays so
// the delivery key remains spent.
func (q *Queue) Ack(ctx context.Context, ingestionID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM ingest_jobs WHERE ingestion_id = ?`, ingestionID,
	)
	return err
}

// Nack makes a job immediately visible again so another worker can pick
// it up.
func (q *Queue) Nack(ctx context.Context, ingestionID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET visible_at = 0 WHERE ingestion_id = ?`, ingestionID,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern).
func (q *Queue) Extend(ctx context.Context, ingestionID string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET visible_at = ? WHERE ingestion_id = ?`,
		hideUntil, ingestionID,
	)
	return err
}

// Pending returns the number of jobs (visible + invisible) in the queue.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingest_jobs`,
	).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *IngestionJob) error

// Run polls for visible jobs and calls handler for each one. It blocks
// until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("ingestq: worker started",
		"visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("ingestq: worker stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, log)
		}
	}
}

func (q *Queue) poll(ctx context.Context, handler Handler, log *slog.Logger) {
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("ingestq: claim failed", "error", err)
			return
		}
		if job == nil {
			return // nothing visible
		}

		// Discard if max attempts exceeded.
		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("ingestq: job exceeded max attempts, discarding",
				"ingestion_id", job.IngestionID, "attempts", job.Attempts)
			_ = q.Ack(ctx, job.IngestionID)
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("ingestq: handler failed, nacking",
				"ingestion_id", job.IngestionID, "error", err)
			_ = q.Nack(ctx, job.IngestionID)
		} else {
			_ = q.Ack(ctx, job.IngestionID)
		}
	}
}
