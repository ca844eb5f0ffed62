// Package sourceconfig holds the declarative per-source configuration that
// drives the entire ingestion pipeline. A source is described by data — its
// trigger mode, path pattern or pull request spec, storage targets, and
// event topics — never by source-specific code.
package sourceconfig

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TriggerMode selects how a source is ingested.
type TriggerMode string

const (
	// TriggerBlob ingests on blob-created notifications from the landing
	// container.
	TriggerBlob TriggerMode = "blob_trigger"
	// TriggerScheduledPull ingests on a recurring schedule by pulling an
	// external HTTP API.
	TriggerScheduledPull TriggerMode = "scheduled_pull"
)

// AuthType selects the outbound authentication strategy for scheduled pulls.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
)

// SourceConfig describes one ingestion source.
type SourceConfig struct {
	SourceID  string        `json:"source_id" yaml:"source_id"`
	Name      string        `json:"name,omitempty" yaml:"name,omitempty"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Ingestion IngestionSpec `json:"ingestion" yaml:"ingestion"`
	Storage   StorageSpec   `json:"storage" yaml:"storage"`
	Events    EventsSpec    `json:"events,omitempty" yaml:"events,omitempty"`
	CreatedAt int64         `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt int64         `json:"updated_at,omitempty" yaml:"-"`
}

// IngestionSpec holds the trigger mode and its mode-specific fields.
// Exactly one mode is active; fields for the inactive mode must be absent.
type IngestionSpec struct {
	Mode TriggerMode `json:"mode" yaml:"mode"`

	// blob_trigger fields.
	LandingContainer string       `json:"landing_container,omitempty" yaml:"landing_container,omitempty"`
	PathPattern      *PathPattern `json:"path_pattern,omitempty" yaml:"path_pattern,omitempty"`

	// scheduled_pull fields.
	Request   *RequestSpec   `json:"request,omitempty" yaml:"request,omitempty"`
	Schedule  string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Iteration *IterationSpec `json:"iteration,omitempty" yaml:"iteration,omitempty"`
}

// PathPattern declares how metadata fields are extracted from a blob path.
type PathPattern struct {
	// Pattern is a path template with {field} placeholders, e.g.
	// "{farmer_id}/{event_id}.json".
	Pattern string `json:"pattern" yaml:"pattern"`
	// ExtractFields limits which placeholder fields are kept. Empty keeps all.
	ExtractFields []string `json:"extract_fields,omitempty" yaml:"extract_fields,omitempty"`
}

// RequestSpec describes the outbound HTTP request of a scheduled pull.
type RequestSpec struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	// AuthType is one of none, api_key, bearer.
	AuthType AuthType `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	// SecretStore/SecretKey name the secret resolved for non-none auth.
	SecretStore string `json:"secret_store,omitempty" yaml:"secret_store,omitempty"`
	SecretKey   string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	// APIKeyHeader overrides the header used for api_key auth. Default: X-API-Key.
	APIKeyHeader string `json:"api_key_header,omitempty" yaml:"api_key_header,omitempty"`
	// Parameters become query parameters; values may contain
	// {item.<dotted.path>} placeholders resolved against the iteration item.
	Parameters     map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	// RatePerMinute caps pull requests for this source. 0 = unlimited.
	RatePerMinute int `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"`
}

// IterationSpec makes a pull cycle iterate over a static list of items
// (e.g. one pull per region). A nil or empty iteration runs a single pull
// with no item.
type IterationSpec struct {
	Items []map[string]any `json:"items" yaml:"items"`
}

// StorageSpec names the storage targets for raw documents of a source.
type StorageSpec struct {
	RawContainer    string `json:"raw_container" yaml:"raw_container"`
	IndexCollection string `json:"index_collection,omitempty" yaml:"index_collection,omitempty"`
}

// EventsSpec holds the optional success/failure event blocks.
type EventsSpec struct {
	OnSuccess *EventSpec `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure *EventSpec `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// EventSpec declares the topic and payload fields of one domain event.
type EventSpec struct {
	Topic         string   `json:"topic" yaml:"topic"`
	PayloadFields []string `json:"payload_fields,omitempty" yaml:"payload_fields,omitempty"`
}

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("sourceconfig: invalid configuration")

// Validate checks structural invariants: non-empty source_id, a known
// trigger mode, mode-specific fields present only for the active mode, and
// a raw container target.
func (c *SourceConfig) Validate() error {
	if c.SourceID == "" {
		return fmt.Errorf("%w: source_id is required", ErrInvalidConfig)
	}
	if c.Storage.RawContainer == "" {
		return fmt.Errorf("%w: storage.raw_container is required", ErrInvalidConfig)
	}

	switch c.Ingestion.Mode {
	case TriggerBlob:
		if c.Ingestion.LandingContainer == "" {
			return fmt.Errorf("%w: blob_trigger requires landing_container", ErrInvalidConfig)
		}
		if c.Ingestion.Request != nil || c.Ingestion.Schedule != "" || c.Ingestion.Iteration != nil {
			return fmt.Errorf("%w: blob_trigger must not carry scheduled_pull fields", ErrInvalidConfig)
		}
	case TriggerScheduledPull:
		if c.Ingestion.Request == nil || c.Ingestion.Request.BaseURL == "" {
			return fmt.Errorf("%w: scheduled_pull requires request.base_url", ErrInvalidConfig)
		}
		if c.Ingestion.Schedule == "" {
			return fmt.Errorf("%w: scheduled_pull requires a schedule", ErrInvalidConfig)
		}
		if c.Ingestion.LandingContainer != "" || c.Ingestion.PathPattern != nil {
			return fmt.Errorf("%w: scheduled_pull must not carry blob_trigger fields", ErrInvalidConfig)
		}
		switch c.Ingestion.Request.AuthType {
		case "", AuthNone, AuthAPIKey, AuthBearer:
		default:
			return fmt.Errorf("%w: unknown auth_type %q", ErrInvalidConfig, c.Ingestion.Request.AuthType)
		}
	default:
		return fmt.Errorf("%w: unknown ingestion mode %q", ErrInvalidConfig, c.Ingestion.Mode)
	}
	return nil
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Extract matches blobPath against the pattern and returns the named fields.
// Placeholders match one path segment (no slashes). If ExtractFields is
// non-empty, only those fields are returned. Returns an error when the path
// does not match the pattern.
func (p *PathPattern) Extract(blobPath string) (map[string]string, error) {
	re, names, err := p.compile()
	if err != nil {
		return nil, err
	}

	m := re.FindStringSubmatch(blobPath)
	if m == nil {
		return nil, fmt.Errorf("sourceconfig: path %q does not match pattern %q", blobPath, p.Pattern)
	}

	keep := map[string]bool{}
	for _, f := range p.ExtractFields {
		keep[f] = true
	}

	fields := make(map[string]string, len(names))
	for i, name := range names {
		if len(keep) > 0 && !keep[name] {
			continue
		}
		fields[name] = m[i+1]
	}
	return fields, nil
}

// compile turns the pattern into an anchored regexp with one capture group
// per placeholder. Literal text between placeholders is quoted.
func (p *PathPattern) compile() (*regexp.Regexp, []string, error) {
	var b strings.Builder
	b.WriteString("^")

	var names []string
	rest := p.Pattern
	for {
		loc := placeholderRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		b.WriteString(regexp.QuoteMeta(rest[:loc[0]]))
		names = append(names, rest[loc[2]:loc[3]])
		b.WriteString(`([^/]+?)`)
		rest = rest[loc[1]:]
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("sourceconfig: bad pattern %q: %w", p.Pattern, err)
	}
	return re, names, nil
}
