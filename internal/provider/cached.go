package provider

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/oagw/internal/model"
)

// Cached decorates a Provider with TTL caches. Concurrent misses for the
// same key share one backend lookup. Invalidate drops everything and is
// called whenever the management plane reports a change.
type Cached struct {
	backend   Provider
	upstreams *expirable.LRU[string, *model.Upstream]
	routes    *expirable.LRU[string, []model.Route]
	ancestors *expirable.LRU[string, []string]
	grants    *expirable.LRU[string, model.Grants]
	group     singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// NewCached wraps backend with caches of the given size and TTL.
func NewCached(backend Provider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{
		backend:   backend,
		upstreams: expirable.NewLRU[string, *model.Upstream](size, nil, ttl),
		routes:    expirable.NewLRU[string, []model.Route](size, nil, ttl),
		ancestors: expirable.NewLRU[string, []string](size, nil, ttl),
		grants:    expirable.NewLRU[string, model.Grants](size, nil, ttl),
	}
}

// Invalidate purges every cached lookup.
func (c *Cached) Invalidate() {
	c.upstreams.Purge()
	c.routes.Purge()
	c.ancestors.Purge()
	c.grants.Purge()
}

// Stats returns cache hit/miss counters.
func (c *Cached) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Cached) GetUpstreamByAlias(ctx context.Context, chain []string, alias string) (*model.Upstream, error) {
	key := strings.Join(chain, "/") + "|" + alias
	if u, ok := c.upstreams.Get(key); ok {
		c.hits.Add(1)
		return u, nil
	}
	c.misses.Add(1)
	v, err, _ := c.group.Do("u:"+key, func() (any, error) {
		u, err := c.backend.GetUpstreamByAlias(ctx, chain, alias)
		if err != nil {
			return nil, err
		}
		c.upstreams.Add(key, u)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Upstream), nil
}

func (c *Cached) GetRoutes(ctx context.Context, upstreamID string) ([]model.Route, error) {
	if r, ok := c.routes.Get(upstreamID); ok {
		c.hits.Add(1)
		return r, nil
	}
	c.misses.Add(1)
	v, err, _ := c.group.Do("r:"+upstreamID, func() (any, error) {
		r, err := c.backend.GetRoutes(ctx, upstreamID)
		if err != nil {
			return nil, err
		}
		c.routes.Add(upstreamID, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Route), nil
}

func (c *Cached) GetTenantAncestors(ctx context.Context, tenantID string) ([]string, error) {
	if a, ok := c.ancestors.Get(tenantID); ok {
		c.hits.Add(1)
		return a, nil
	}
	c.misses.Add(1)
	v, err, _ := c.group.Do("a:"+tenantID, func() (any, error) {
		a, err := c.backend.GetTenantAncestors(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		c.ancestors.Add(tenantID, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *Cached) GetTenantGrants(ctx context.Context, tenantID string) (model.Grants, error) {
	if g, ok := c.grants.Get(tenantID); ok {
		c.hits.Add(1)
		return g, nil
	}
	c.misses.Add(1)
	g, err := c.backend.GetTenantGrants(ctx, tenantID)
	if err != nil {
		return model.Grants{}, err
	}
	c.grants.Add(tenantID, g)
	return g, nil
}
