package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fieldline/ingestd/safeurl"
)

// Broker delivers an event payload to a topic. Implementations are
// fire-and-forget from the publisher's perspective.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// WebhookBroker posts events to per-topic HTTP endpoints, signing bodies
// with HMAC-SHA256 when a secret is configured. It stands in for a real
// message broker in deployments that consume events over plain webhooks.
type WebhookBroker struct {
	// Endpoints maps topic names to callback URLs. Topics without an
	// endpoint fail Publish.
	Endpoints map[string]string
	// Secret, when set, signs bodies into the X-Signature-256 header.
	Secret string
	// Client overrides the HTTP client. Default: 10s timeout.
	Client *http.Client
	// URLValidator guards callback URLs. Default: safeurl.Validate.
	URLValidator func(string) error
}

func (b *WebhookBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	endpoint, ok := b.Endpoints[topic]
	if !ok {
		return fmt.Errorf("events: no endpoint for topic %q", topic)
	}
	validate := b.URLValidator
	if validate == nil {
		validate = safeurl.Validate
	}
	if err := validate(endpoint); err != nil {
		return fmt.Errorf("events: endpoint for %q blocked: %w", topic, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("events: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Topic", topic)
	if b.Secret != "" {
		mac := hmac.New(sha256.New, []byte(b.Secret))
		mac.Write(payload)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("events: post to %q: %w", topic, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("events: topic %q endpoint returned %d", topic, resp.StatusCode)
	}
	return nil
}

// MemoryBroker records published events in memory. For tests.
type MemoryBroker struct {
	mu       sync.Mutex
	messages map[string][][]byte
	// Err, when set, is returned from every Publish.
	Err error
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if b.Err != nil {
		return b.Err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = map[string][][]byte{}
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.messages[topic] = append(b.messages[topic], cp)
	return nil
}

// Messages returns the payloads published to topic, in order.
func (b *MemoryBroker) Messages(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[topic]
}
