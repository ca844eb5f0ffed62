// Package schedjobs keeps an external job scheduler in sync with the
// configured scheduled_pull sources: one recurring job per enabled
// source, named after it, carrying the source id so the scheduler's
// callback can identify which pull to run.
package schedjobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Job is a scheduler-side job record.
type Job struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Data     map[string]string `json:"data,omitempty"`
}

// Scheduler is the client surface the registrar drives. Register is an
// upsert; Delete treats "not found" as success.
type Scheduler interface {
	RegisterJob(ctx context.Context, name, schedule string, data map[string]string) error
	DeleteJob(ctx context.Context, name string) error
	ListJobs(ctx context.Context) ([]Job, error)
}

// JobName derives the scheduler job name for a source.
func JobName(sourceID string) string {
	return "ingest-pull-" + sourceID
}

// HTTPClient talks to the scheduler's HTTP API:
// POST /jobs/{name} {schedule, data}, DELETE /jobs/{name}, GET /jobs.
type HTTPClient struct {
	// BaseURL is the scheduler endpoint, without a trailing slash.
	BaseURL string
	// Client overrides the HTTP client. Default: 10s timeout.
	Client *http.Client
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *HTTPClient) RegisterJob(ctx context.Context, name, schedule string, data map[string]string) error {
	body, err := json.Marshal(map[string]any{"schedule": schedule, "data": data})
	if err != nil {
		return fmt.Errorf("schedjobs: encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.jobURL(name), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("schedjobs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("schedjobs: register %s: %w", name, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("schedjobs: register %s: scheduler returned %d", name, resp.StatusCode)
	}
	return nil
}

// DeleteJob removes a job. A 404 is success: the job being gone is the
// desired end state.
func (c *HTTPClient) DeleteJob(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.jobURL(name), nil)
	if err != nil {
		return fmt.Errorf("schedjobs: build request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("schedjobs: delete %s: %w", name, err)
	}
	defer drain(resp)
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("schedjobs: delete %s: scheduler returned %d", name, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) ListJobs(ctx context.Context) ([]Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.BaseURL, "/")+"/jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("schedjobs: build request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("schedjobs: list jobs: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("schedjobs: list jobs: scheduler returned %d", resp.StatusCode)
	}

	var jobs []Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("schedjobs: decode job list: %w", err)
	}
	return jobs, nil
}

func (c *HTTPClient) jobURL(name string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/jobs/" + name
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
