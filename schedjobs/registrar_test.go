package schedjobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fieldline/ingestd/sourceconfig"
)

// fakeScheduler records calls and can fail selected job names.
type fakeScheduler struct {
	mu         sync.Mutex
	registered map[string]string // name -> schedule
	deleted    []string
	failNames  map[string]bool
	registers  int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{registered: map[string]string{}, failNames: map[string]bool{}}
}

func (f *fakeScheduler) RegisterJob(_ context.Context, name, schedule string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if f.failNames[name] {
		return errors.New("scheduler unavailable")
	}
	f.registered[name] = schedule
	return nil
}

func (f *fakeScheduler) DeleteJob(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeScheduler) ListJobs(context.Context) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []Job
	for name, schedule := range f.registered {
		jobs = append(jobs, Job{Name: name, Schedule: schedule})
	}
	return jobs, nil
}

type staticLister []*sourceconfig.SourceConfig

func (l staticLister) List(context.Context) ([]*sourceconfig.SourceConfig, error) {
	return l, nil
}

func pullCfg(id, schedule string, enabled bool) *sourceconfig.SourceConfig {
	return &sourceconfig.SourceConfig{
		SourceID: id,
		Enabled:  enabled,
		Ingestion: sourceconfig.IngestionSpec{
			Mode:     sourceconfig.TriggerScheduledPull,
			Schedule: schedule,
			Request:  &sourceconfig.RequestSpec{BaseURL: "https://api.example.com"},
		},
		Storage: sourceconfig.StorageSpec{RawContainer: "raw-" + id},
	}
}

func blobCfg(id string) *sourceconfig.SourceConfig {
	return &sourceconfig.SourceConfig{
		SourceID: id,
		Enabled:  true,
		Ingestion: sourceconfig.IngestionSpec{
			Mode:             sourceconfig.TriggerBlob,
			LandingContainer: id,
		},
		Storage: sourceconfig.StorageSpec{RawContainer: "raw-" + id},
	}
}

func TestSyncAllCounts(t *testing.T) {
	// WHAT: 2 scheduled_pull + 3 blob_trigger sources sync to
	// {registered: 2, skipped: 3, failed: 0} with exactly two register
	// calls.
	sched := newFakeScheduler()
	reg := NewRegistrar(sched, staticLister{
		pullCfg("weather", "0 */6 * * *", true),
		pullCfg("soil", "0 2 * * *", true),
		blobCfg("quality-events"),
		blobCfg("lab-results"),
		blobCfg("exports"),
	}, nil)

	stats, err := reg.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Registered != 2 || stats.Skipped != 3 || stats.Failed != 0 {
		t.Errorf("stats: %+v", stats)
	}
	if sched.registers != 2 {
		t.Errorf("register calls: got %d, want 2", sched.registers)
	}
	if sched.registered[JobName("weather")] != "0 */6 * * *" {
		t.Errorf("weather schedule: %q", sched.registered[JobName("weather")])
	}
}

func TestSyncAllPartialFailure(t *testing.T) {
	// WHAT: One source's registration failure doesn't abort the pass.
	// WHY: Startup reconciliation must be partial-failure tolerant.
	sched := newFakeScheduler()
	sched.failNames[JobName("soil")] = true
	reg := NewRegistrar(sched, staticLister{
		pullCfg("weather", "0 * * * *", true),
		pullCfg("soil", "0 2 * * *", true),
	}, nil)

	stats, err := reg.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Registered != 1 || stats.Failed != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestSyncAllDeletesDisabled(t *testing.T) {
	// WHAT: A disabled scheduled_pull source gets its job deleted and
	// counts as skipped.
	sched := newFakeScheduler()
	sched.registered[JobName("weather")] = "0 * * * *" // stale from before disable
	reg := NewRegistrar(sched, staticLister{
		pullCfg("weather", "0 * * * *", false),
	}, nil)

	stats, err := reg.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Skipped != 1 || stats.Registered != 0 {
		t.Errorf("stats: %+v", stats)
	}
	if _, still := sched.registered[JobName("weather")]; still {
		t.Error("stale job should be deleted")
	}
}

func TestSyncAllConverges(t *testing.T) {
	// WHAT: Running the sync twice leaves the same job set.
	// WHY: Register is an upsert; reconciliation is idempotent.
	sched := newFakeScheduler()
	reg := NewRegistrar(sched, staticLister{pullCfg("weather", "0 * * * *", true)}, nil)

	if _, err := reg.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	jobs, _ := sched.ListJobs(context.Background())
	if len(jobs) != 1 {
		t.Errorf("jobs after two syncs: %d", len(jobs))
	}
}
