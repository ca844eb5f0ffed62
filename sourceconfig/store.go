package sourceconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schema creates the source_configs table. Mode and landing_container are
// first-class columns so lookups don't parse JSON; the full specs live in
// JSON columns.
const Schema = `
CREATE TABLE IF NOT EXISTS source_configs (
    source_id         TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    enabled           INTEGER NOT NULL DEFAULT 1,
    mode              TEXT NOT NULL,
    landing_container TEXT NOT NULL DEFAULT '',
    schedule          TEXT NOT NULL DEFAULT '',
    ingestion_json    TEXT NOT NULL DEFAULT '{}',
    storage_json      TEXT NOT NULL DEFAULT '{}',
    events_json       TEXT NOT NULL DEFAULT '{}',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_source_configs_container
    ON source_configs(landing_container) WHERE landing_container != '';
CREATE INDEX IF NOT EXISTS idx_source_configs_mode ON source_configs(mode, enabled);
`

// Store persists source configurations in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database. Call ApplySchema once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ApplySchema creates the config tables and indexes.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Insert validates and stores a new source configuration.
func (s *Store) Insert(ctx context.Context, c *SourceConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	ingestion, storage, events, err := marshalSpecs(c)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_configs (source_id, name, enabled, mode, landing_container,
		schedule, ingestion_json, storage_json, events_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SourceID, c.Name, boolToInt(c.Enabled), string(c.Ingestion.Mode),
		c.Ingestion.LandingContainer, c.Ingestion.Schedule,
		ingestion, storage, events, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert source config: %w", err)
	}
	return nil
}

// Update validates and replaces an existing configuration.
func (s *Store) Update(ctx context.Context, c *SourceConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UnixMilli()

	ingestion, storage, events, err := marshalSpecs(c)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE source_configs SET name=?, enabled=?, mode=?, landing_container=?,
		schedule=?, ingestion_json=?, storage_json=?, events_json=?, updated_at=?
		WHERE source_id=?`,
		c.Name, boolToInt(c.Enabled), string(c.Ingestion.Mode),
		c.Ingestion.LandingContainer, c.Ingestion.Schedule,
		ingestion, storage, events, c.UpdatedAt, c.SourceID,
	)
	if err != nil {
		return fmt.Errorf("update source config: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("source config not found: %s", c.SourceID)
	}
	return nil
}

// Delete removes a configuration.
func (s *Store) Delete(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM source_configs WHERE source_id = ?`, sourceID)
	return err
}

// Get retrieves a configuration by source_id. Returns nil when absent.
func (s *Store) Get(ctx context.Context, sourceID string) (*SourceConfig, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE source_id = ?`, sourceID)
	return scanConfig(row.Scan)
}

// LookupByContainer returns the configuration whose landing container
// matches, enabled or not. Returns nil when no source claims the container.
func (s *Store) LookupByContainer(ctx context.Context, container string) (*SourceConfig, error) {
	row := s.db.QueryRowContext(ctx,
		selectCols+` WHERE landing_container = ? LIMIT 1`, container)
	return scanConfig(row.Scan)
}

// List returns all configurations ordered by source_id.
func (s *Store) List(ctx context.Context) ([]*SourceConfig, error) {
	return s.queryMany(ctx, selectCols+` ORDER BY source_id`)
}

// ListByMode returns all configurations with the given trigger mode,
// enabled or not; callers decide how to treat disabled sources.
func (s *Store) ListByMode(ctx context.Context, mode TriggerMode) ([]*SourceConfig, error) {
	return s.queryMany(ctx,
		selectCols+` WHERE mode = ? ORDER BY source_id`, string(mode))
}

const selectCols = `SELECT source_id, name, enabled, ingestion_json, storage_json,
	events_json, created_at, updated_at FROM source_configs`

func (s *Store) queryMany(ctx context.Context, query string, args ...any) ([]*SourceConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*SourceConfig
	for rows.Next() {
		c, err := scanConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func scanConfig(scan func(...any) error) (*SourceConfig, error) {
	var c SourceConfig
	var enabled int
	var ingestion, storage, events string
	err := scan(&c.SourceID, &c.Name, &enabled, &ingestion, &storage, &events,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan source config: %w", err)
	}
	c.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(ingestion), &c.Ingestion); err != nil {
		return nil, fmt.Errorf("decode ingestion spec for %s: %w", c.SourceID, err)
	}
	if err := json.Unmarshal([]byte(storage), &c.Storage); err != nil {
		return nil, fmt.Errorf("decode storage spec for %s: %w", c.SourceID, err)
	}
	if err := json.Unmarshal([]byte(events), &c.Events); err != nil {
		return nil, fmt.Errorf("decode events spec for %s: %w", c.SourceID, err)
	}
	return &c, nil
}

func marshalSpecs(c *SourceConfig) (ingestion, storage, events string, err error) {
	i, err := json.Marshal(c.Ingestion)
	if err != nil {
		return "", "", "", fmt.Errorf("encode ingestion spec: %w", err)
	}
	st, err := json.Marshal(c.Storage)
	if err != nil {
		return "", "", "", fmt.Errorf("encode storage spec: %w", err)
	}
	e, err := json.Marshal(c.Events)
	if err != nil {
		return "", "", "", fmt.Errorf("encode events spec: %w", err)
	}
	return string(i), string(st), string(e), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
