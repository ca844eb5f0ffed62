// Package pull implements the scheduled-pull side of ingestion: URL
// templating over iteration items, authenticated HTTP fetches with
// bounded retry, and the runner that turns fetched bodies into stored
// raw documents.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldline/ingestd/safeurl"
)

// StatusError reports a non-2xx response. It is never retried: the
// request reached the upstream and was answered; repeating it changes
// nothing a backoff can fix.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pull: http %d", e.Code)
}

// transientError wraps connection/timeout-class failures, the only kind
// the retry loop acts on.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "pull: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Config configures the fetcher.
type Config struct {
	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps response body reads. Default: safeurl.MaxResponseBody.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
	// RetryBase is the first backoff interval, doubled each attempt.
	// Default: 1s.
	RetryBase time.Duration
	// RetryCap bounds the backoff. Default: 30s.
	RetryCap time.Duration
	// URLValidator validates URLs before fetch and on every redirect
	// (SSRF prevention). Default: safeurl.Validate.
	URLValidator func(string) error
	// Transport overrides the HTTP transport. For tests.
	Transport http.RoundTripper
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = safeurl.MaxResponseBody
	}
	if c.UserAgent == "" {
		c.UserAgent = "ingestd/1.0"
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.URLValidator == nil {
		c.URLValidator = safeurl.Validate
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is a successful fetch.
type Result struct {
	Body       []byte
	StatusCode int
}

// Fetcher performs outbound HTTP requests with SSRF protection on
// redirects and retry on transport failures.
type Fetcher struct {
	client *http.Client
	config Config
}

// NewFetcher creates a fetcher.
func NewFetcher(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Fetch retrieves url, retrying transport failures up to maxRetries
// times: maxRetries=3 means at most four requests on the wire. Backoff
// doubles from RetryBase and is capped at RetryCap. Non-2xx responses
// return a *StatusError without retrying.
func (f *Fetcher) Fetch(ctx context.Context, url string, maxRetries int, auth Authenticator) (*Result, error) {
	if err := f.config.URLValidator(url); err != nil {
		return nil, fmt.Errorf("pull: url blocked: %w", err)
	}
	if auth == nil {
		auth = NoAuth
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := f.attempt(ctx, url, auth)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var te *transientError
		if !errors.As(err, &te) || ctx.Err() != nil {
			return nil, lastErr
		}

		if attempt < maxRetries {
			wait := f.config.RetryBase * (1 << uint(attempt))
			if wait > f.config.RetryCap {
				wait = f.config.RetryCap
			}
			f.config.Logger.WarnContext(ctx, "pull: retrying fetch",
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(wait):
			}
		}
	}
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, url string, auth Authenticator) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pull: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	auth(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := safeurl.LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return nil, &transientError{err: err}
	}
	return &Result{Body: body, StatusCode: resp.StatusCode}, nil
}
