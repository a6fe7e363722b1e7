package executor

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
)

// CachingLocator is a BroadcasterLocator remembering the handles it found.
// Handles are dropped from the cache once a listener reports the broadcaster
// lost.
type CachingLocator struct {
	locator          BroadcasterLocator
	cache            *lru.Cache
	cacheAccessTotal *prometheus.CounterVec
}

// NewCachingLocator returns a locator caching up to size handles found by
// locator.
func NewCachingLocator(locator BroadcasterLocator, size int) (*CachingLocator, error) {
	cached := &CachingLocator{
		locator: locator,
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regionkeeper_broadcaster_cache_access_total",
				Help: "Total number of broadcaster handle cache accesses by type",
			},
			[]string{"type"},
		),
	}

	cache, err := lru.NewWithEvict(size, func(key interface{}, value interface{}) {
		cached.cacheAccessTotal.WithLabelValues("evict").Inc()
	})
	if err != nil {
		return nil, err
	}
	cached.cache = cache

	return cached, nil
}

// FindBroadcaster returns the cached handle of the branch's broadcaster or
// looks it up.
func (c *CachingLocator) FindBroadcaster(ctx context.Context, b branch.ID) (BroadcasterHandle, error) {
	if val, ok := c.cache.Get(b); ok {
		c.cacheAccessTotal.WithLabelValues("hit").Inc()
		return val.(BroadcasterHandle), nil
	}

	c.cacheAccessTotal.WithLabelValues("miss").Inc()
	handle, err := c.locator.FindBroadcaster(ctx, b)
	if err != nil {
		return BroadcasterHandle{}, err
	}

	c.cache.Add(b, handle)
	c.cacheAccessTotal.WithLabelValues("populate").Inc()
	return handle, nil
}

// Invalidate drops the cached handle of the branch.
func (c *CachingLocator) Invalidate(b branch.ID) {
	if c.cache.Contains(b) {
		c.cache.Remove(b)
		c.cacheAccessTotal.WithLabelValues("invalidate").Inc()
	}
}

// Describe returns all metric descriptors.
func (c *CachingLocator) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *CachingLocator) Collect(collector chan<- prometheus.Metric) {
	c.cacheAccessTotal.Collect(collector)
}
