// Package events emits best-effort domain events after ingestion
// outcomes. Topics and payload fields come from the source
// configuration; delivery is fire-and-forget with no retry or outbox —
// a publish failure is logged and must never affect the ingestion that
// triggered it.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldline/ingestd/sourceconfig"
)

// Publisher builds payloads from configured field lists and hands them
// to a Broker.
type Publisher struct {
	broker Broker
	log    *slog.Logger
}

// NewPublisher wires a publisher.
func NewPublisher(broker Broker, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{broker: broker, log: log}
}

// PublishSuccess emits the source's on_success event for the document.
// Returns true only when an event was actually delivered to the broker:
// an absent event block is a no-op false, and a broker error is logged
// and returns false.
func (p *Publisher) PublishSuccess(ctx context.Context, cfg *sourceconfig.SourceConfig, doc map[string]any) bool {
	return p.publish(ctx, cfg, cfg.Events.OnSuccess, doc)
}

// PublishFailure emits the source's on_failure event for the document.
func (p *Publisher) PublishFailure(ctx context.Context, cfg *sourceconfig.SourceConfig, doc map[string]any) bool {
	return p.publish(ctx, cfg, cfg.Events.OnFailure, doc)
}

func (p *Publisher) publish(ctx context.Context, cfg *sourceconfig.SourceConfig, spec *sourceconfig.EventSpec, doc map[string]any) bool {
	if spec == nil || spec.Topic == "" {
		return false
	}

	payload := map[string]any{
		"source_id":  cfg.SourceID,
		"emitted_at": time.Now().UTC().Format(time.RFC3339),
	}
	for _, field := range spec.PayloadFields {
		if v, ok := resolveField(doc, field); ok {
			payload[field] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("events: encode payload failed",
			"source_id", cfg.SourceID, "topic", spec.Topic, "error", err)
		return false
	}
	if err := p.broker.Publish(ctx, spec.Topic, body); err != nil {
		p.log.Warn("events: publish failed",
			"source_id", cfg.SourceID, "topic", spec.Topic, "error", err)
		return false
	}
	return true
}

// resolveField looks a field up in the document by dotted path, then
// falls back to the document's linkage_fields sub-map, which carries
// cross-source correlation attributes.
func resolveField(doc map[string]any, field string) (any, bool) {
	if v, ok := lookupPath(doc, field); ok {
		return v, true
	}
	if linkage, ok := doc["linkage_fields"].(map[string]any); ok {
		if v, ok := linkage[field]; ok {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
