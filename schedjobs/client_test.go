package schedjobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientRegister(t *testing.T) {
	// WHAT: Register posts {schedule, data} to /jobs/{name}.
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := &HTTPClient{BaseURL: srv.URL}
	err := c.RegisterJob(context.Background(), "ingest-pull-weather", "0 * * * *",
		map[string]string{"source_id": "weather"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if gotPath != "POST /jobs/ingest-pull-weather" {
		t.Errorf("path: %q", gotPath)
	}
	if gotBody["schedule"] != "0 * * * *" {
		t.Errorf("schedule: %v", gotBody["schedule"])
	}
	data, _ := gotBody["data"].(map[string]any)
	if data["source_id"] != "weather" {
		t.Errorf("data: %v", gotBody["data"])
	}
}

func TestHTTPClientDeleteIdempotent(t *testing.T) {
	// WHAT: Delete succeeds on 404.
	// WHY: The job being gone is the desired end state; deletion must be
	// idempotent.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &HTTPClient{BaseURL: srv.URL}
	if err := c.DeleteJob(context.Background(), "ingest-pull-gone"); err != nil {
		t.Errorf("delete of missing job: %v", err)
	}
}

func TestHTTPClientRegisterError(t *testing.T) {
	// WHAT: A scheduler error status surfaces as an error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &HTTPClient{BaseURL: srv.URL}
	if err := c.RegisterJob(context.Background(), "j", "0 * * * *", nil); err == nil {
		t.Error("expected an error")
	}
}

func TestHTTPClientListJobs(t *testing.T) {
	// WHAT: ListJobs decodes the scheduler's job array.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs" {
			t.Errorf("path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]Job{
			{Name: "ingest-pull-weather", Schedule: "0 * * * *"},
		})
	}))
	defer srv.Close()

	c := &HTTPClient{BaseURL: srv.URL}
	jobs, err := c.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "ingest-pull-weather" {
		t.Errorf("jobs: %+v", jobs)
	}
}
