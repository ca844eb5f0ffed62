// Package gateway is the HTTP ingress of the daemon: the webhook batch
// endpoint for blob-created notifications, the scheduler's pull
// callback, and health/admin routes.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldline/ingestd/idgen"
	"github.com/fieldline/ingestd/ingestlog"
	"github.com/fieldline/ingestd/ingestq"
	"github.com/fieldline/ingestd/pull"
	"github.com/fieldline/ingestd/sourceconfig"
)

const maxBodyBytes = 1 << 20 // webhook batches are small

// Options wires the gateway's collaborators.
type Options struct {
	Configs  sourceconfig.Provider
	Queue    *ingestq.Queue
	Runner   *pull.Runner
	Recorder *ingestlog.Recorder
	// NewID generates ingestion ids. Default: "ing_"-prefixed UUIDv7.
	NewID  idgen.Generator
	Logger *slog.Logger
}

// Gateway serves the ingestion HTTP surface.
type Gateway struct {
	configs  sourceconfig.Provider
	queue    *ingestq.Queue
	runner   *pull.Runner
	recorder *ingestlog.Recorder
	newID    idgen.Generator
	log      *slog.Logger
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	if opts.NewID == nil {
		opts.NewID = idgen.Prefixed("ing_", idgen.UUIDv7())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		configs:  opts.Configs,
		queue:    opts.Queue,
		runner:   opts.Runner,
		recorder: opts.Recorder,
		newID:    opts.NewID,
		log:      opts.Logger,
	}
}

// Router builds the chi router.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Post("/events", g.handleEvents)
	r.Post("/pull/{sourceID}", g.handlePull)
	r.Get("/sources/{sourceID}/log", g.handleSourceLog)
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// inboundEvent is the notification shape delivered by the storage
// service's event subscription.
type inboundEvent struct {
	ID        string `json:"id"`
	EventType string `json:"eventType"`
	Subject   string `json:"subject"`
	Data      struct {
		ValidationCode string `json:"validationCode"`
		ETag           string `json:"eTag"`
		ContentLength  int64  `json:"contentLength"`
	} `json:"data"`
}

func isValidationEvent(t string) bool {
	return strings.Contains(t, "SubscriptionValidationEvent")
}

func isBlobCreated(t string) bool {
	return strings.Contains(t, "BlobCreated")
}

// handleEvents processes a notification batch. The batch is always
// acknowledged as a whole: acknowledgment is about the transport, and a
// per-event mismatch must not cause the upstream to redeliver the rest.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if g.queue == nil || g.configs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "ingestion pipeline not ready"})
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var batch []inboundEvent
	if err := dec.Decode(&batch); err != nil || batch == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "body must be a JSON array of events"})
		return
	}
	// A well-formed array followed by trailing tokens is still a client
	// error, not a batch to guess at.
	if _, err := dec.Token(); err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "body must be a single JSON array of events"})
		return
	}

	// The validation handshake is a control message, checked by type on
	// the first event before any business logic runs.
	if len(batch) > 0 && isValidationEvent(batch[0].EventType) {
		writeJSON(w, http.StatusOK, map[string]string{
			"validationResponse": batch[0].Data.ValidationCode})
		return
	}

	traceID := middleware.GetReqID(r.Context())
	var accepted, duplicates, skipped int
	for _, ev := range batch {
		switch outcome := g.processEvent(r, ev, traceID); outcome {
		case eventAccepted:
			accepted++
		case eventDuplicate:
			duplicates++
		default:
			skipped++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]int{
		"received":   len(batch),
		"accepted":   accepted,
		"duplicates": duplicates,
		"skipped":    skipped,
	})
}

type eventOutcome int

const (
	eventSkipped eventOutcome = iota
	eventAccepted
	eventDuplicate
)

func (g *Gateway) processEvent(r *http.Request, ev inboundEvent, traceID string) eventOutcome {
	ctx := r.Context()
	if !isBlobCreated(ev.EventType) {
		g.log.Debug("gateway: ignoring event type", "event_type", ev.EventType)
		return eventSkipped
	}

	container, blobPath, err := parseSubject(ev.Subject)
	if err != nil {
		g.log.Warn("gateway: malformed subject, skipping",
			"subject", ev.Subject, "error", err)
		return eventSkipped
	}

	cfg, err := g.configs.LookupByContainer(ctx, container)
	if err != nil {
		g.log.Error("gateway: config lookup failed",
			"container", container, "error", err)
		return eventSkipped
	}
	if cfg == nil || !cfg.Enabled {
		// Steady state: not every container has an ingestion source.
		g.log.Debug("gateway: no enabled source for container", "container", container)
		return eventSkipped
	}

	metadata := map[string]string{}
	if pp := cfg.Ingestion.PathPattern; pp != nil {
		metadata, err = pp.Extract(blobPath)
		if err != nil {
			g.log.Warn("gateway: blob path does not match pattern, skipping",
				"source_id", cfg.SourceID, "blob_path", blobPath, "error", err)
			g.recordOutcome(r, "", cfg.SourceID, ingestlog.OutcomeSkipped,
				"path pattern mismatch: "+blobPath)
			return eventSkipped
		}
	}

	job := &ingestq.IngestionJob{
		IngestionID:   g.newID(),
		SourceID:      cfg.SourceID,
		Container:     container,
		BlobPath:      blobPath,
		BlobETag:      ev.Data.ETag,
		ContentLength: ev.Data.ContentLength,
		Metadata:      metadata,
		TraceID:       traceID,
	}
	key := ingestq.BlobDeliveryKey(container, blobPath, ev.Data.ETag)

	ok, err := g.queue.Enqueue(ctx, key, job)
	if err != nil {
		g.log.Error("gateway: enqueue failed",
			"source_id", cfg.SourceID, "blob_path", blobPath, "error", err)
		g.recordOutcome(r, job.IngestionID, cfg.SourceID, ingestlog.OutcomeFailed, err.Error())
		return eventSkipped
	}
	if !ok {
		g.log.Info("gateway: duplicate delivery",
			"source_id", cfg.SourceID, "delivery_key", key)
		g.recordOutcome(r, job.IngestionID, cfg.SourceID, ingestlog.OutcomeDuplicate,
			"delivery key spent: "+key)
		return eventDuplicate
	}

	g.log.Info("gateway: job queued",
		"source_id", cfg.SourceID, "ingestion_id", job.IngestionID,
		"blob_path", blobPath)
	return eventAccepted
}

func (g *Gateway) recordOutcome(r *http.Request, ingestionID, sourceID string, outcome ingestlog.Outcome, detail string) {
	if g.recorder == nil {
		return
	}
	g.recorder.Record(r.Context(), ingestlog.Entry{
		IngestionID: ingestionID,
		SourceID:    sourceID,
		Trigger:     string(sourceconfig.TriggerBlob),
		Outcome:     outcome,
		Detail:      detail,
	})
}

// handlePull is the scheduler's callback: run one pull cycle for the
// named source and report the cycle stats.
func (g *Gateway) handlePull(w http.ResponseWriter, r *http.Request) {
	if g.runner == nil || g.configs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "pull runner not ready"})
		return
	}
	sourceID := chi.URLParam(r, "sourceID")

	cfg, err := g.configs.Get(r.Context(), sourceID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown source: " + sourceID})
		return
	}
	if !cfg.Enabled {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "source disabled: " + sourceID})
		return
	}

	stats, err := g.runner.Run(r.Context(), cfg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSourceLog returns recent ingest-log entries for a source.
func (g *Gateway) handleSourceLog(w http.ResponseWriter, r *http.Request) {
	if g.recorder == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "ingest log not ready"})
		return
	}
	sourceID := chi.URLParam(r, "sourceID")

	entries, err := g.recorder.Recent(r.Context(), sourceID, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stats, err := g.recorder.Stats(r.Context(), sourceID, time.Now().Add(-24*time.Hour))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type logEntry struct {
		IngestionID string `json:"ingestion_id"`
		Outcome     string `json:"outcome"`
		Detail      string `json:"detail,omitempty"`
		CreatedAt   string `json:"created_at"`
	}
	out := make([]logEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntry{
			IngestionID: e.IngestionID,
			Outcome:     string(e.Outcome),
			Detail:      e.Detail,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source_id": sourceID,
		"last_24h":  stats,
		"entries":   out,
	})
}

// parseSubject splits a notification subject of the form
// /.../containers/{container}/blobs/{blob_path} into its parts.
func parseSubject(subject string) (container, blobPath string, err error) {
	const (
		containersMark = "/containers/"
		blobsMark      = "/blobs/"
	)
	ci := strings.Index(subject, containersMark)
	if ci < 0 {
		return "", "", fmt.Errorf("no container segment in %q", subject)
	}
	rest := subject[ci+len(containersMark):]
	bi := strings.Index(rest, blobsMark)
	if bi < 0 {
		return "", "", fmt.Errorf("no blob segment in %q", subject)
	}
	container = rest[:bi]
	blobPath = rest[bi+len(blobsMark):]
	if container == "" || blobPath == "" {
		return "", "", fmt.Errorf("empty container or blob path in %q", subject)
	}
	return container, blobPath, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
