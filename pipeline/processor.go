// Package pipeline processes accepted blob-trigger jobs: read the landed
// blob, store it as a raw document, publish the outcome and record it in
// the ingest log. It is the handler behind the ingestion queue's Run
// loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldline/ingestd/blob"
	"github.com/fieldline/ingestd/events"
	"github.com/fieldline/ingestd/ingestlog"
	"github.com/fieldline/ingestd/ingestq"
	"github.com/fieldline/ingestd/rawstore"
	"github.com/fieldline/ingestd/sourceconfig"
)

// Processor handles claimed ingestion jobs.
type Processor struct {
	configs   sourceconfig.Provider
	objects   blob.ObjectStore
	raws      *rawstore.Store
	publisher *events.Publisher
	recorder  *ingestlog.Recorder
	log       *slog.Logger
}

// Options wires a Processor's collaborators.
type Options struct {
	Configs   sourceconfig.Provider
	Objects   blob.ObjectStore
	RawStore  *rawstore.Store
	Publisher *events.Publisher
	Recorder  *ingestlog.Recorder
	Logger    *slog.Logger
}

// New creates a Processor.
func New(opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Processor{
		configs:   opts.Configs,
		objects:   opts.Objects,
		raws:      opts.RawStore,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		log:       opts.Logger,
	}
}

// Handle processes one job. A nil return acks the job; an error nacks it
// for redelivery. Duplicate content and vanished inputs return nil — a
// redelivery cannot change those outcomes, so retrying would only churn.
func (p *Processor) Handle(ctx context.Context, job *ingestq.IngestionJob) error {
	started := time.Now()
	record := func(outcome ingestlog.Outcome, detail string) {
		if p.recorder == nil {
			return
		}
		p.recorder.Record(ctx, ingestlog.Entry{
			IngestionID: job.IngestionID,
			SourceID:    job.SourceID,
			Trigger:     string(sourceconfig.TriggerBlob),
			Outcome:     outcome,
			Detail:      detail,
			DurationMs:  time.Since(started).Milliseconds(),
		})
	}

	cfg, err := p.configs.Get(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("pipeline: load config %s: %w", job.SourceID, err)
	}
	if cfg == nil {
		p.log.Warn("pipeline: source config gone, dropping job",
			"source_id", job.SourceID, "ingestion_id", job.IngestionID)
		record(ingestlog.OutcomeSkipped, "source config removed")
		return nil
	}

	data, err := p.objects.Get(ctx, job.Container, job.BlobPath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			p.log.Warn("pipeline: landed blob gone, dropping job",
				"container", job.Container, "blob_path", job.BlobPath,
				"ingestion_id", job.IngestionID)
			record(ingestlog.OutcomeSkipped, "blob not found")
			return nil
		}
		return fmt.Errorf("pipeline: read blob %s/%s: %w", job.Container, job.BlobPath, err)
	}

	doc, err := p.raws.Put(ctx, rawstore.Input{
		SourceID:    job.SourceID,
		IngestionID: job.IngestionID,
		Container:   cfg.Storage.RawContainer,
		Data:        data,
		Metadata:    job.Metadata,
	})
	if err != nil {
		var dup *rawstore.DuplicateDocumentError
		if errors.As(err, &dup) {
			p.log.Info("pipeline: content already stored",
				"source_id", job.SourceID, "ingestion_id", job.IngestionID,
				"document_id", dup.Existing.DocumentID)
			record(ingestlog.OutcomeDuplicate, "existing document: "+dup.Existing.DocumentID)
			return nil
		}
		record(ingestlog.OutcomeFailed, err.Error())
		if p.publisher != nil {
			p.publisher.PublishFailure(ctx, cfg, map[string]any{
				"ingestion_id":   job.IngestionID,
				"blob_path":      job.BlobPath,
				"error":          err.Error(),
				"linkage_fields": metadataDoc(job.Metadata),
			})
		}
		return fmt.Errorf("pipeline: store document: %w", err)
	}

	if p.publisher != nil {
		p.publisher.PublishSuccess(ctx, cfg, map[string]any{
			"document_id":    doc.DocumentID,
			"ingestion_id":   job.IngestionID,
			"content_hash":   doc.ContentHash,
			"blob_path":      job.BlobPath,
			"linkage_fields": metadataDoc(job.Metadata),
		})
	}
	record(ingestlog.OutcomeAccepted, doc.DocumentID)
	return nil
}

func metadataDoc(meta map[string]string) map[string]any {
	doc := make(map[string]any, len(meta))
	for k, v := range meta {
		doc[k] = v
	}
	return doc
}
