package ingestlog

import (
	"context"
	"testing"
	"time"

	"github.com/fieldline/ingestd/dbopen"
	_ "modernc.org/sqlite"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := NewRecorder(dbopen.OpenMemory(t), nil)
	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return r
}

func TestRecordAndStats(t *testing.T) {
	// WHAT: Recorded outcomes aggregate into per-source counts.
	r := openTestRecorder(t)
	ctx := context.Background()

	r.Record(ctx, Entry{IngestionID: "i1", SourceID: "a", Trigger: "blob_trigger", Outcome: OutcomeAccepted})
	r.Record(ctx, Entry{IngestionID: "i2", SourceID: "a", Trigger: "blob_trigger", Outcome: OutcomeDuplicate})
	r.Record(ctx, Entry{IngestionID: "i3", SourceID: "a", Trigger: "blob_trigger", Outcome: OutcomeAccepted})
	r.Record(ctx, Entry{IngestionID: "i4", SourceID: "b", Trigger: "scheduled_pull", Outcome: OutcomeFailed})

	stats, err := r.Stats(ctx, "a", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[OutcomeAccepted] != 2 || stats[OutcomeDuplicate] != 1 {
		t.Errorf("got %v", stats)
	}
	if stats[OutcomeFailed] != 0 {
		t.Errorf("source b outcome leaked into a: %v", stats)
	}
}

func TestRecent(t *testing.T) {
	// WHAT: Recent returns newest-first entries for one source.
	r := openTestRecorder(t)
	ctx := context.Background()

	r.Record(ctx, Entry{IngestionID: "i1", SourceID: "a", Outcome: OutcomeAccepted, CreatedAt: time.UnixMilli(1000)})
	r.Record(ctx, Entry{IngestionID: "i2", SourceID: "a", Outcome: OutcomeFailed, Detail: "http 500", CreatedAt: time.UnixMilli(2000)})

	entries, err := r.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].IngestionID != "i2" || entries[0].Detail != "http 500" {
		t.Errorf("newest first: %+v", entries[0])
	}
}
