package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fieldline/ingestd/dbopen"
	"github.com/fieldline/ingestd/ingestlog"
	"github.com/fieldline/ingestd/ingestq"
	"github.com/fieldline/ingestd/sourceconfig"
	_ "modernc.org/sqlite"
)

type fixture struct {
	gw    *Gateway
	queue *ingestq.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	if err := sourceconfig.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	configs := sourceconfig.NewStore(db)
	if err := configs.Insert(ctx, &sourceconfig.SourceConfig{
		SourceID: "quality-events",
		Enabled:  true,
		Ingestion: sourceconfig.IngestionSpec{
			Mode:             sourceconfig.TriggerBlob,
			LandingContainer: "quality-events",
			PathPattern:      &sourceconfig.PathPattern{Pattern: "{farmer_id}/{event_id}.json"},
		},
		Storage: sourceconfig.StorageSpec{RawContainer: "raw-quality"},
	}); err != nil {
		t.Fatal(err)
	}

	queue := ingestq.New(db, ingestq.Options{})
	if err := queue.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	recorder := ingestlog.NewRecorder(db, nil)
	if err := recorder.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}

	gw := New(Options{Configs: configs, Queue: queue, Recorder: recorder})
	return &fixture{gw: gw, queue: queue}
}

func postEvents(t *testing.T, gw *Gateway, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)
	return rec
}

const blobCreatedBatch = `[{
	"id": "ev-1",
	"eventType": "Microsoft.Storage.BlobCreated",
	"subject": "/blobServices/default/containers/quality-events/blobs/FRM-001/doc.json",
	"data": {"eTag": "0x8DC", "contentLength": 512}
}]`

func TestSubscriptionValidationHandshake(t *testing.T) {
	// WHAT: A validation event echoes the code with HTTP 200 before any
	// business logic runs.
	fx := newFixture(t)
	rec := postEvents(t, fx.gw, `[{
		"eventType": "Microsoft.EventGrid.SubscriptionValidationEvent",
		"data": {"validationCode": "abc123"}
	}]`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"validationResponse":"abc123"`) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestBlobCreatedProducesOneJob(t *testing.T) {
	// WHAT: A matched BlobCreated event yields one job carrying extracted
	// path metadata; redelivering the same event yields zero more.
	fx := newFixture(t)

	rec := postEvents(t, fx.gw, blobCreatedBatch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	job, err := fx.queue.Claim(context.Background())
	if err != nil || job == nil {
		t.Fatalf("claim: %v, %+v", err, job)
	}
	if job.SourceID != "quality-events" || job.BlobPath != "FRM-001/doc.json" {
		t.Errorf("job: %+v", job)
	}
	if !strings.HasPrefix(job.IngestionID, "ing_") {
		t.Errorf("default ingestion ID not ing_-scoped: %s", job.IngestionID)
	}
	if job.Metadata["farmer_id"] != "FRM-001" || job.Metadata["event_id"] != "doc" {
		t.Errorf("metadata: %v", job.Metadata)
	}
	if job.BlobETag != "0x8DC" || job.ContentLength != 512 {
		t.Errorf("blob fields: %+v", job)
	}

	// Redelivery: still 202, but no new job.
	rec = postEvents(t, fx.gw, blobCreatedBatch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("redelivery status: %d", rec.Code)
	}
	var summary map[string]int
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary["duplicates"] != 1 || summary["accepted"] != 0 {
		t.Errorf("redelivery summary: %v", summary)
	}
	n, _ := fx.queue.Pending(context.Background())
	if n != 1 {
		t.Errorf("pending after redelivery: %d, want 1 (the claimed job)", n)
	}
}

func TestUnmatchedContainerSkipped(t *testing.T) {
	// WHAT: An event for a container with no source is counted and
	// dropped; the batch still acknowledges with 202.
	fx := newFixture(t)
	rec := postEvents(t, fx.gw, `[{
		"eventType": "Microsoft.Storage.BlobCreated",
		"subject": "/blobServices/default/containers/unrelated/blobs/x.json",
		"data": {"eTag": "0x1"}
	}]`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
	var summary map[string]int
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary["skipped"] != 1 || summary["accepted"] != 0 {
		t.Errorf("summary: %v", summary)
	}
}

func TestMalformedSubjectSkippedNotFatal(t *testing.T) {
	// WHAT: A malformed subject skips that event; the rest of the batch
	// still processes.
	fx := newFixture(t)
	rec := postEvents(t, fx.gw, `[
		{"eventType": "Microsoft.Storage.BlobCreated", "subject": "garbage", "data": {}},
		{
			"eventType": "Microsoft.Storage.BlobCreated",
			"subject": "/blobServices/default/containers/quality-events/blobs/FRM-002/e.json",
			"data": {"eTag": "0x2"}
		}
	]`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d", rec.Code)
	}
	var summary map[string]int
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary["accepted"] != 1 || summary["skipped"] != 1 {
		t.Errorf("summary: %v", summary)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	// WHAT: Anything other than exactly one JSON array is a client error
	// rejecting the whole batch; an empty array is a valid empty batch.
	fx := newFixture(t)
	if rec := postEvents(t, fx.gw, `{"not": "an array"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("object body: %d", rec.Code)
	}
	if rec := postEvents(t, fx.gw, `{{{`); rec.Code != http.StatusBadRequest {
		t.Errorf("broken json: %d", rec.Code)
	}
	if rec := postEvents(t, fx.gw, `null`); rec.Code != http.StatusBadRequest {
		t.Errorf("null body: %d", rec.Code)
	}
	if rec := postEvents(t, fx.gw, `[] {"trailing": true}`); rec.Code != http.StatusBadRequest {
		t.Errorf("trailing garbage: %d", rec.Code)
	}
	if rec := postEvents(t, fx.gw, `[]`); rec.Code != http.StatusAccepted {
		t.Errorf("empty batch: %d", rec.Code)
	}
}

func TestNotReady(t *testing.T) {
	// WHAT: Missing downstream dependencies are a 503, distinct from
	// event-level mismatches.
	gw := New(Options{})
	rec := postEvents(t, gw, blobCreatedBatch)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: %d", rec.Code)
	}
}

func TestPullUnknownSource(t *testing.T) {
	// WHAT: A pull callback for an unknown source is a 404. The runner
	// must be wired for the endpoint to be live at all.
	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/pull/nope", nil)
	rec := httptest.NewRecorder()
	fx.gw.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status without runner: %d", rec.Code)
	}
}

func TestParseSubject(t *testing.T) {
	// WHAT: Subject parsing handles nested blob paths and rejects
	// malformed forms.
	c, p, err := parseSubject("/blobServices/default/containers/land/blobs/a/b/c.json")
	if err != nil || c != "land" || p != "a/b/c.json" {
		t.Errorf("got %q %q %v", c, p, err)
	}
	for _, bad := range []string{"", "/containers/x", "/blobs/y", "/containers//blobs/z"} {
		if _, _, err := parseSubject(bad); err == nil {
			t.Errorf("%q should fail", bad)
		}
	}
}
