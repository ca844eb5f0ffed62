package sourceconfig

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Provider is the read-side interface the pipeline consumes. The gateway
// looks up by container on every webhook event and the registrar lists by
// mode on every sync; both go through a Provider so the backing store can
// be cached or remote.
type Provider interface {
	Get(ctx context.Context, sourceID string) (*SourceConfig, error)
	LookupByContainer(ctx context.Context, container string) (*SourceConfig, error)
	ListByMode(ctx context.Context, mode TriggerMode) ([]*SourceConfig, error)
}

// CachedProvider wraps a Store with a TTL cache. Negative results are
// cached too — an unmatched container on every event would otherwise hit
// the database per webhook delivery.
type CachedProvider struct {
	store       *Store
	byID        *ttlcache.Cache[string, *SourceConfig]
	byContainer *ttlcache.Cache[string, *SourceConfig]
}

// NewCachedProvider creates a provider caching lookups for ttl.
func NewCachedProvider(store *Store, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	byID := ttlcache.New[string, *SourceConfig](
		ttlcache.WithTTL[string, *SourceConfig](ttl),
		ttlcache.WithDisableTouchOnHit[string, *SourceConfig](),
	)
	byContainer := ttlcache.New[string, *SourceConfig](
		ttlcache.WithTTL[string, *SourceConfig](ttl),
		ttlcache.WithDisableTouchOnHit[string, *SourceConfig](),
	)
	go byID.Start()
	go byContainer.Start()
	return &CachedProvider{store: store, byID: byID, byContainer: byContainer}
}

// Get returns the configuration for sourceID, from cache when fresh.
func (p *CachedProvider) Get(ctx context.Context, sourceID string) (*SourceConfig, error) {
	if item := p.byID.Get(sourceID); item != nil {
		return item.Value(), nil
	}
	c, err := p.store.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	p.byID.Set(sourceID, c, ttlcache.DefaultTTL)
	return c, nil
}

// LookupByContainer returns the configuration claiming the container, from
// cache when fresh. A nil value is a cached miss.
func (p *CachedProvider) LookupByContainer(ctx context.Context, container string) (*SourceConfig, error) {
	if item := p.byContainer.Get(container); item != nil {
		return item.Value(), nil
	}
	c, err := p.store.LookupByContainer(ctx, container)
	if err != nil {
		return nil, err
	}
	p.byContainer.Set(container, c, ttlcache.DefaultTTL)
	return c, nil
}

// ListByMode always reads through to the store: it runs on sync passes,
// which are rare and must see fresh data.
func (p *CachedProvider) ListByMode(ctx context.Context, mode TriggerMode) ([]*SourceConfig, error) {
	return p.store.ListByMode(ctx, mode)
}

// Invalidate drops all cached entries. Wired to the config watcher so a
// config change takes effect before the TTL expires.
func (p *CachedProvider) Invalidate() {
	p.byID.DeleteAll()
	p.byContainer.DeleteAll()
}

// Stop halts the cache janitors.
func (p *CachedProvider) Stop() {
	p.byID.Stop()
	p.byContainer.Stop()
}
