package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fieldline/ingestd/events"
	"github.com/fieldline/ingestd/idgen"
	"github.com/fieldline/ingestd/ingestlog"
	"github.com/fieldline/ingestd/ingestq"
	"github.com/fieldline/ingestd/rawstore"
	"github.com/fieldline/ingestd/secrets"
	"github.com/fieldline/ingestd/sourceconfig"
)

// RunStats summarizes one pull cycle.
type RunStats struct {
	Fetched    int `json:"fetched"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Runner executes pull cycles for scheduled_pull sources: one fetch per
// iteration item, content-hash admission, raw-document storage, outcome
// events and ingest-log rows.
type Runner struct {
	queue     *ingestq.Queue
	raws      *rawstore.Store
	secrets   secrets.Provider
	publisher *events.Publisher
	recorder  *ingestlog.Recorder
	newID     idgen.Generator
	fetchCfg  Config
	log       *slog.Logger

	mu       sync.Mutex
	limiters map[string]*sourceLimiter
}

// sourceLimiter remembers the rate a limiter was built for, so a config
// change to rate_per_minute takes effect on the next cycle.
type sourceLimiter struct {
	perMinute int
	limiter   *rate.Limiter
}

// RunnerOptions wires a Runner's collaborators.
type RunnerOptions struct {
	Queue     *ingestq.Queue
	RawStore  *rawstore.Store
	Secrets   secrets.Provider
	Publisher *events.Publisher
	Recorder  *ingestlog.Recorder
	// NewID generates ingestion ids. Default: "ing_"-prefixed UUIDv7.
	NewID idgen.Generator
	// Fetch configures the HTTP fetcher (timeout, limits, validator).
	Fetch  Config
	Logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.NewID == nil {
		opts.NewID = idgen.Prefixed("ing_", idgen.UUIDv7())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		queue:     opts.Queue,
		raws:      opts.RawStore,
		secrets:   opts.Secrets,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		newID:     opts.NewID,
		fetchCfg:  opts.Fetch,
		log:       opts.Logger,
		limiters:  map[string]*sourceLimiter{},
	}
}

// Run executes one pull cycle for the source. Per-item failures are
// counted and logged, never aborting the rest of the cycle; only a
// cancelled context or a misconfigured source stops it early.
func (r *Runner) Run(ctx context.Context, cfg *sourceconfig.SourceConfig) (RunStats, error) {
	var stats RunStats
	if cfg.Ingestion.Mode != sourceconfig.TriggerScheduledPull {
		return stats, fmt.Errorf("pull: source %s is not scheduled_pull", cfg.SourceID)
	}
	req := cfg.Ingestion.Request
	if req == nil {
		return stats, fmt.Errorf("pull: source %s has no request spec", cfg.SourceID)
	}

	fetchCfg := r.fetchCfg
	if req.TimeoutSeconds > 0 {
		fetchCfg.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	fetcher := NewFetcher(fetchCfg)
	auth := AuthFor(ctx, req, r.secrets, r.log)
	limiter := r.limiter(cfg.SourceID, req.RatePerMinute)

	items := iterationItems(cfg)
	for _, item := range items {
		if err := limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := r.pullOne(ctx, cfg, fetcher, auth, item, &stats); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
		}
	}

	r.log.Info("pull: cycle complete", "source_id", cfg.SourceID,
		"fetched", stats.Fetched, "stored", stats.Stored,
		"duplicates", stats.Duplicates, "failed", stats.Failed)
	return stats, nil
}

func (r *Runner) pullOne(ctx context.Context, cfg *sourceconfig.SourceConfig, fetcher *Fetcher, auth Authenticator, item map[string]any, stats *RunStats) error {
	started := time.Now()
	ingestionID := r.newID()
	req := cfg.Ingestion.Request

	record := func(outcome ingestlog.Outcome, detail string) {
		if r.recorder == nil {
			return
		}
		r.recorder.Record(ctx, ingestlog.Entry{
			IngestionID: ingestionID,
			SourceID:    cfg.SourceID,
			Trigger:     string(sourceconfig.TriggerScheduledPull),
			Outcome:     outcome,
			Detail:      detail,
			DurationMs:  time.Since(started).Milliseconds(),
		})
	}

	url, err := BuildURL(req.BaseURL, req.Parameters, item)
	if err != nil {
		record(ingestlog.OutcomeFailed, err.Error())
		return err
	}

	res, err := fetcher.Fetch(ctx, url, req.MaxRetries, auth)
	if err != nil {
		r.log.Warn("pull: fetch failed", "source_id", cfg.SourceID,
			"ingestion_id", ingestionID, "error", err)
		record(ingestlog.OutcomeFailed, err.Error())
		if r.publisher != nil {
			r.publisher.PublishFailure(ctx, cfg, map[string]any{
				"ingestion_id":   ingestionID,
				"error":          err.Error(),
				"linkage_fields": item,
			})
		}
		return err
	}
	stats.Fetched++

	hash := rawstore.HashContent(res.Body)
	deliveryKey := ingestq.ContentDeliveryKey(hash)
	accepted, err := r.queue.Admit(ctx, deliveryKey, ingestionID, cfg.SourceID)
	if err != nil {
		record(ingestlog.OutcomeFailed, err.Error())
		return err
	}
	if !accepted {
		r.log.Info("pull: content already delivered", "source_id", cfg.SourceID,
			"content_hash", hash)
		record(ingestlog.OutcomeDuplicate, "delivery key spent: "+hash)
		stats.Duplicates++
		return nil
	}

	doc, err := r.raws.Put(ctx, rawstore.Input{
		SourceID:    cfg.SourceID,
		IngestionID: ingestionID,
		Container:   cfg.Storage.RawContainer,
		Data:        res.Body,
		Metadata:    itemMetadata(item),
	})
	if err != nil {
		var dup *rawstore.DuplicateDocumentError
		if errors.As(err, &dup) {
			r.log.Info("pull: content already stored", "source_id", cfg.SourceID,
				"document_id", dup.Existing.DocumentID)
			record(ingestlog.OutcomeDuplicate, "existing document: "+dup.Existing.DocumentID)
			stats.Duplicates++
			return nil
		}
		// The content was never persisted; reopen the admission so the
		// next cycle retries instead of calling it a duplicate.
		if relErr := r.queue.Release(ctx, deliveryKey); relErr != nil {
			r.log.Error("pull: release delivery failed",
				"source_id", cfg.SourceID, "delivery_key", deliveryKey, "error", relErr)
		}
		record(ingestlog.OutcomeFailed, err.Error())
		if r.publisher != nil {
			r.publisher.PublishFailure(ctx, cfg, map[string]any{
				"ingestion_id":   ingestionID,
				"error":          err.Error(),
				"linkage_fields": item,
			})
		}
		return err
	}
	stats.Stored++

	if r.publisher != nil {
		r.publisher.PublishSuccess(ctx, cfg, map[string]any{
			"document_id":    doc.DocumentID,
			"ingestion_id":   ingestionID,
			"content_hash":   doc.ContentHash,
			"linkage_fields": item,
		})
	}
	record(ingestlog.OutcomeAccepted, doc.DocumentID)
	return nil
}

// limiter returns the per-source rate limiter, creating it on first use
// and rebuilding it when the configured rate changed.
func (r *Runner) limiter(sourceID string, perMinute int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[sourceID]; ok && l.perMinute == perMinute {
		return l.limiter
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60.0)
	}
	l := &sourceLimiter{perMinute: perMinute, limiter: rate.NewLimiter(limit, 1)}
	r.limiters[sourceID] = l
	return l.limiter
}

// iterationItems returns the source's iteration items, or a single nil
// item for sources that pull one URL.
func iterationItems(cfg *sourceconfig.SourceConfig) []map[string]any {
	if cfg.Ingestion.Iteration == nil || len(cfg.Ingestion.Iteration.Items) == 0 {
		return []map[string]any{nil}
	}
	return cfg.Ingestion.Iteration.Items
}

// itemMetadata flattens an item's scalar fields into string metadata.
func itemMetadata(item map[string]any) map[string]string {
	if len(item) == 0 {
		return nil
	}
	meta := make(map[string]string, len(item))
	for k, v := range item {
		if _, nested := v.(map[string]any); nested {
			continue
		}
		meta[k] = formatValue(v)
	}
	return meta
}
