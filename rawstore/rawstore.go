// Package rawstore persists raw ingested documents exactly once per
// source and content hash.
//
// Bytes go to object storage under {source_id}/{ingestion_id}/{hash};
// a metadata row goes to SQLite with a UNIQUE (source_id, content_hash)
// index. A cheap pre-check catches most duplicates before any bytes move,
// but the index is the dedup authority: two concurrent stores of the same
// bytes race on the insert and exactly one wins, with no locks. The loser
// gets a DuplicateDocumentError carrying the winning document.
package rawstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/ingestd/blob"
	"github.com/fieldline/ingestd/idgen"
)

// ErrDuplicateDocument is the sentinel matched by errors.Is for
// content-level duplicates.
var ErrDuplicateDocument = errors.New("rawstore: duplicate document")

// DuplicateDocumentError reports that identical content was already
// stored for the source, and which document holds it.
type DuplicateDocumentError struct {
	Existing *RawDocument
}

func (e *DuplicateDocumentError) Error() string {
	return fmt.Sprintf("rawstore: duplicate document: content %s already stored as %s",
		e.Existing.ContentHash, e.Existing.DocumentID)
}

func (e *DuplicateDocumentError) Is(target error) bool {
	return target == ErrDuplicateDocument
}

// RawDocument is the metadata record for one stored payload.
type RawDocument struct {
	DocumentID  string            `json:"document_id"`
	SourceID    string            `json:"source_id"`
	IngestionID string            `json:"ingestion_id"`
	ContentHash string            `json:"content_hash"`
	Container   string            `json:"container"`
	BlobPath    string            `json:"blob_path"`
	ContentType string            `json:"content_type,omitempty"`
	Size        int64             `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS raw_documents (
    document_id   TEXT PRIMARY KEY,
    source_id     TEXT NOT NULL,
    ingestion_id  TEXT NOT NULL,
    content_hash  TEXT NOT NULL,
    container     TEXT NOT NULL,
    blob_path     TEXT NOT NULL,
    content_type  TEXT NOT NULL DEFAULT '',
    size          INTEGER NOT NULL,
    metadata_json TEXT NOT NULL DEFAULT '{}',
    stored_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_documents_content
    ON raw_documents (source_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_raw_documents_source ON raw_documents (source_id, stored_at);
`

// Store writes documents to object storage and their metadata to SQLite.
type Store struct {
	db      *sql.DB
	objects blob.ObjectStore
	newID   idgen.Generator
}

// NewStore wires the document store. Call EnsureSchema once at startup.
func NewStore(db *sql.DB, objects blob.ObjectStore, newID idgen.Generator) *Store {
	if newID == nil {
		newID = idgen.Prefixed("doc_", idgen.UUIDv7())
	}
	return &Store{db: db, objects: objects, newID: newID}
}

// EnsureSchema creates the metadata table and dedup index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Input describes one payload to store.
type Input struct {
	SourceID    string
	IngestionID string
	// Container is the raw container from the source configuration.
	Container   string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// HashContent returns the hex sha256 of data, the content identity used
// for dedup.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores the payload: pre-check the hash, write the bytes, insert
// the metadata row. The pre-check is only an optimization — two racing
// writers both pass it, then collide on the UNIQUE index at insert, and
// that constraint violation is translated to the same
// DuplicateDocumentError the pre-check would have produced. An orphaned
// object from the losing writer is harmless: paths embed the ingestion
// id, so the winner's object is never touched.
func (s *Store) Put(ctx context.Context, in Input) (*RawDocument, error) {
	if in.SourceID == "" || in.IngestionID == "" || in.Container == "" {
		return nil, errors.New("rawstore: source_id, ingestion_id and container are required")
	}

	hash := HashContent(in.Data)
	if existing, err := s.GetByHash(ctx, in.SourceID, hash); err != nil {
		return nil, fmt.Errorf("rawstore: duplicate pre-check: %w", err)
	} else if existing != nil {
		return nil, &DuplicateDocumentError{Existing: existing}
	}

	doc := &RawDocument{
		DocumentID:  s.newID(),
		SourceID:    in.SourceID,
		IngestionID: in.IngestionID,
		ContentHash: hash,
		Container:   in.Container,
		BlobPath:    fmt.Sprintf("%s/%s/%s", in.SourceID, in.IngestionID, hash),
		ContentType: in.ContentType,
		Size:        int64(len(in.Data)),
		Metadata:    in.Metadata,
		StoredAt:    time.Now(),
	}

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("rawstore: encode metadata: %w", err)
	}

	if err := s.objects.Put(ctx, doc.Container, doc.BlobPath, in.Data); err != nil {
		return nil, fmt.Errorf("rawstore: write object: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_documents (document_id, source_id, ingestion_id, content_hash,
		 container, blob_path, content_type, size, metadata_json, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.DocumentID, doc.SourceID, doc.IngestionID, doc.ContentHash,
		doc.Container, doc.BlobPath, doc.ContentType, doc.Size, string(meta),
		doc.StoredAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			existing, lookupErr := s.GetByHash(ctx, in.SourceID, hash)
			if lookupErr != nil {
				return nil, fmt.Errorf("rawstore: lookup duplicate: %w", lookupErr)
			}
			return nil, &DuplicateDocumentError{Existing: existing}
		}
		return nil, fmt.Errorf("rawstore: insert document: %w", err)
	}
	return doc, nil
}

// Get returns the document by id, or nil when absent.
func (s *Store) Get(ctx context.Context, documentID string) (*RawDocument, error) {
	row := s.db.QueryRowContext(ctx,
		selectCols+` WHERE document_id = ?`, documentID)
	return scanDoc(row.Scan)
}

// GetByHash returns the document holding the given content for the
// source, or nil when absent.
func (s *Store) GetByHash(ctx context.Context, sourceID, contentHash string) (*RawDocument, error) {
	row := s.db.QueryRowContext(ctx,
		selectCols+` WHERE source_id = ? AND content_hash = ?`, sourceID, contentHash)
	return scanDoc(row.Scan)
}

// Content reads the stored bytes for a document.
func (s *Store) Content(ctx context.Context, doc *RawDocument) ([]byte, error) {
	return s.objects.Get(ctx, doc.Container, doc.BlobPath)
}

// ListBySource returns documents for a source, newest first, up to limit.
func (s *Store) ListBySource(ctx context.Context, sourceID string, limit int) ([]*RawDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		selectCols+` WHERE source_id = ? ORDER BY stored_at DESC LIMIT ?`,
		sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*RawDocument
	for rows.Next() {
		d, err := scanDoc(rows.Scan)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

const selectCols = `SELECT document_id, source_id, ingestion_id, content_hash,
	container, blob_path, content_type, size, metadata_json, stored_at FROM raw_documents`

func scanDoc(scan func(...any) error) (*RawDocument, error) {
	var d RawDocument
	var meta string
	var storedAt int64
	err := scan(&d.DocumentID, &d.SourceID, &d.IngestionID, &d.ContentHash,
		&d.Container, &d.BlobPath, &d.ContentType, &d.Size, &meta, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("rawstore: scan document: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("rawstore: decode metadata for %s: %w", d.DocumentID, err)
	}
	d.StoredAt = time.UnixMilli(storedAt)
	return &d, nil
}
