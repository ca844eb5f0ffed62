package ingestq

import (
	"fmt"
	"time"
)

// IngestionJob is one unit of ingestion work: a single blob (or pulled
// response body) that needs to be fetched, deduplicated and stored.
type IngestionJob struct {
	// IngestionID identifies this ingestion attempt end to end. It appears
	// in the raw store path, the ingestion log and published events.
	IngestionID string `json:"ingestion_id"`
	// SourceID names the source configuration that produced the job.
	SourceID string `json:"source_id"`
	// Container and BlobPath locate the landed object for blob-triggered
	// jobs. Empty for scheduled pulls.
	Container string `json:"container,omitempty"`
	BlobPath  string `json:"blob_path,omitempty"`
	// BlobETag is the storage-side version of the blob at notification time.
	BlobETag      string `json:"blob_etag,omitempty"`
	ContentLength int64  `json:"content_length,omitempty"`
	// Metadata carries fields extracted from the blob path (or pull
	// iteration item), keyed by field name.
	Metadata map[string]string `json:"metadata,omitempty"`
	// TraceID correlates the job with the webhook delivery or pull run
	// that created it.
	TraceID string `json:"trace_id,omitempty"`

	EnqueuedAt time.Time `json:"-"`
	Attempts   int       `json:"-"`
}

// BlobDeliveryKey builds the idempotency key for a blob-created
// notification. The etag makes a re-upload of the same path a new
// delivery while webhook redeliveries of the same upload collapse.
func BlobDeliveryKey(container, blobPath, etag string) string {
	return fmt.Sprintf("%s/%s@%s", container, blobPath, etag)
}

// ContentDeliveryKey builds the idempotency key for a scheduled pull,
// derived from the response body hash: pulling identical content twice
// is one delivery.
func ContentDeliveryKey(contentHash string) string {
	return "sha256:" + contentHash
}
