package engine

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	viewCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adrkeeper_view_cache_hits_total",
		Help: "Read view cache hits by view.",
	}, []string{"view"})
	viewCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adrkeeper_view_cache_misses_total",
		Help: "Read view cache misses by view.",
	}, []string{"view"})
)

// viewCache holds computed read views (map, stats). A nil cache is disabled.
// Cached values are shared between callers and must not be mutated.
//
// gen counts purges. A reader takes generation() before querying and passes
// it to add; a value computed across a purge is dropped.
type viewCache struct {
	lru *expirable.LRU[string, any]
	mu  sync.Mutex
	gen uint64
}

func newViewCache(size int, ttl time.Duration) *viewCache {
	if size <= 0 {
		return nil
	}
	return &viewCache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

func (c *viewCache) get(view, key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(view + "|" + key)
	if ok {
		viewCacheHits.WithLabelValues(view).Inc()
		return v, true
	}
	viewCacheMisses.WithLabelValues(view).Inc()
	return nil, false
}

func (c *viewCache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// add stores v unless the cache was purged since gen was taken.
func (c *viewCache) add(view, key string, v any, gen uint64) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lru.Add(view+"|"+key, v)
	return true
}

func (c *viewCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}
