package pull

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fieldline/ingestd/blob"
	"github.com/fieldline/ingestd/dbopen"
	"github.com/fieldline/ingestd/events"
	"github.com/fieldline/ingestd/ingestlog"
	"github.com/fieldline/ingestd/ingestq"
	"github.com/fieldline/ingestd/rawstore"
	"github.com/fieldline/ingestd/secrets"
	"github.com/fieldline/ingestd/sourceconfig"
	_ "modernc.org/sqlite"
)

type runnerFixture struct {
	runner   *Runner
	queue    *ingestq.Queue
	raws     *rawstore.Store
	broker   *events.MemoryBroker
	recorder *ingestlog.Recorder
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	queue := ingestq.New(db, ingestq.Options{})
	if err := queue.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	objects, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	raws := rawstore.NewStore(db, objects, nil)
	if err := raws.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	recorder := ingestlog.NewRecorder(db, nil)
	if err := recorder.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	broker := &events.MemoryBroker{}

	r := NewRunner(RunnerOptions{
		Queue:     queue,
		RawStore:  raws,
		Secrets:   secrets.StaticProvider{"vault/key": "k-1"},
		Publisher: events.NewPublisher(broker, nil),
		Recorder:  recorder,
		Fetch:     Config{URLValidator: allowAll, RetryBase: time.Millisecond},
	})
	return &runnerFixture{runner: r, queue: queue, raws: raws, broker: broker, recorder: recorder}
}

func pullSource(baseURL string) *sourceconfig.SourceConfig {
	return &sourceconfig.SourceConfig{
		SourceID: "weather-api",
		Enabled:  true,
		Ingestion: sourceconfig.IngestionSpec{
			Mode:     sourceconfig.TriggerScheduledPull,
			Schedule: "0 */6 * * *",
			Request: &sourceconfig.RequestSpec{
				BaseURL:      baseURL,
				AuthType:     sourceconfig.AuthAPIKey,
				SecretStore:  "vault",
				SecretKey:    "key",
				APIKeyHeader: "X-API-Key",
				Parameters:   map[string]string{"region": "{item.region}"},
			},
			Iteration: &sourceconfig.IterationSpec{
				Items: []map[string]any{
					{"region": "north"},
					{"region": "south"},
				},
			},
		},
		Storage: sourceconfig.StorageSpec{RawContainer: "raw-weather"},
		Events: sourceconfig.EventsSpec{
			OnSuccess: &sourceconfig.EventSpec{
				Topic:         "weather.ingested",
				PayloadFields: []string{"document_id", "region"},
			},
		},
	}
}

func TestRunStoresPerItem(t *testing.T) {
	// WHAT: A cycle over two iteration items fetches both, stores both
	// documents and publishes one success event each.
	fx := newRunnerFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k-1" {
			t.Errorf("missing auth header")
		}
		fmt.Fprintf(w, `{"region": %q, "temp": 21}`, r.URL.Query().Get("region"))
	}))
	defer srv.Close()

	stats, err := fx.runner.Run(context.Background(), pullSource(srv.URL))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Fetched != 2 || stats.Stored != 2 || stats.Duplicates != 0 || stats.Failed != 0 {
		t.Errorf("stats: %+v", stats)
	}

	docs, err := fx.raws.ListBySource(context.Background(), "weather-api", 10)
	if err != nil || len(docs) != 2 {
		t.Fatalf("documents: %v, %d", err, len(docs))
	}
	if docs[0].Metadata["region"] == docs[1].Metadata["region"] {
		t.Errorf("items collapsed: %v vs %v", docs[0].Metadata, docs[1].Metadata)
	}
	if got := len(fx.broker.Messages("weather.ingested")); got != 2 {
		t.Errorf("success events: got %d, want 2", got)
	}
}

func TestRunDeduplicatesRepeatContent(t *testing.T) {
	// WHAT: A second cycle returning identical bodies records duplicates
	// and stores nothing new.
	// WHY: The content hash is the pull-side idempotency key.
	fx := newRunnerFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"region": %q}`, r.URL.Query().Get("region"))
	}))
	defer srv.Close()
	cfg := pullSource(srv.URL)
	ctx := context.Background()

	if _, err := fx.runner.Run(ctx, cfg); err != nil {
		t.Fatalf("first run: %v", err)
	}
	stats, err := fx.runner.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Stored != 0 || stats.Duplicates != 2 {
		t.Errorf("second run stats: %+v", stats)
	}

	docs, _ := fx.raws.ListBySource(ctx, "weather-api", 10)
	if len(docs) != 2 {
		t.Errorf("documents after two runs: %d, want 2", len(docs))
	}
}

func TestRunCountsFailures(t *testing.T) {
	// WHAT: An upstream error status counts the item as failed, publishes
	// a failure event and continues the cycle.
	fx := newRunnerFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("region") == "north" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()
	cfg := pullSource(srv.URL)
	cfg.Events.OnFailure = &sourceconfig.EventSpec{Topic: "weather.failed", PayloadFields: []string{"error"}}

	stats, err := fx.runner.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Failed != 1 || stats.Stored != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if got := len(fx.broker.Messages("weather.failed")); got != 1 {
		t.Errorf("failure events: got %d, want 1", got)
	}

	outcomes, err := fx.recorder.Stats(context.Background(), "weather-api", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[ingestlog.OutcomeFailed] != 1 || outcomes[ingestlog.OutcomeAccepted] != 1 {
		t.Errorf("log outcomes: %v", outcomes)
	}
}

func TestRunRejectsBlobTriggerSource(t *testing.T) {
	// WHAT: Running a blob_trigger source is a configuration error.
	fx := newRunnerFixture(t)
	cfg := &sourceconfig.SourceConfig{
		SourceID:  "s",
		Ingestion: sourceconfig.IngestionSpec{Mode: sourceconfig.TriggerBlob},
	}
	if _, err := fx.runner.Run(context.Background(), cfg); err == nil {
		t.Error("expected an error")
	}
}

// flakyObjectStore fails a fixed number of writes before delegating.
type flakyObjectStore struct {
	blob.ObjectStore
	failures int
}

func (f *flakyObjectStore) Put(ctx context.Context, container, key string, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("storage offline")
	}
	return f.ObjectStore.Put(ctx, container, key, data)
}

func TestRunRetriesStoreFailureNextCycle(t *testing.T) {
	// WHAT: A storage outage during one cycle counts the item as failed;
	// the next cycle stores the identical body instead of calling it a
	// duplicate.
	// WHY: The content key must not stay spent for a payload that was
	// never persisted, or the content would be lost for good.
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	queue := ingestq.New(db, ingestq.Options{})
	if err := queue.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	local, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	raws := rawstore.NewStore(db, &flakyObjectStore{ObjectStore: local, failures: 1}, nil)
	if err := raws.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	runner := NewRunner(RunnerOptions{
		Queue:    queue,
		RawStore: raws,
		Secrets:  secrets.StaticProvider{"vault/key": "k-1"},
		Fetch:    Config{URLValidator: allowAll, RetryBase: time.Millisecond},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"temp": 21}`)
	}))
	defer srv.Close()
	cfg := pullSource(srv.URL)
	cfg.Ingestion.Iteration = &sourceconfig.IterationSpec{
		Items: []map[string]any{{"region": "north"}},
	}

	stats, err := runner.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("outage cycle: %v", err)
	}
	if stats.Failed != 1 || stats.Stored != 0 || stats.Duplicates != 0 {
		t.Fatalf("outage cycle stats: %+v", stats)
	}

	stats, err = runner.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if stats.Stored != 1 || stats.Duplicates != 0 || stats.Failed != 0 {
		t.Errorf("recovery cycle stats: %+v", stats)
	}
	docs, err := raws.ListBySource(ctx, "weather-api", 10)
	if err != nil || len(docs) != 1 {
		t.Fatalf("documents after recovery: %v, %d", err, len(docs))
	}
}

func TestLimiterFollowsRateChange(t *testing.T) {
	// WHAT: Changing a source's rate_per_minute rebuilds its limiter; an
	// unchanged rate keeps the existing one and its token state.
	fx := newRunnerFixture(t)

	first := fx.runner.limiter("weather-api", 60)
	if got := first.Limit(); got != 1 {
		t.Fatalf("limit for 60/min: got %v, want 1", got)
	}
	if again := fx.runner.limiter("weather-api", 60); again != first {
		t.Error("unchanged rate should reuse the limiter")
	}

	changed := fx.runner.limiter("weather-api", 120)
	if changed == first {
		t.Error("changed rate should rebuild the limiter")
	}
	if got := changed.Limit(); got != 2 {
		t.Errorf("limit for 120/min: got %v, want 2", got)
	}
}
