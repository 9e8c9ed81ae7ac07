package runtimecache

import (
	"sync"
	"time"

	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/tools"
)

type cachedResult struct {
	result  tools.Result
	expires time.Time
}

// ResultCache is a TTL cache of tool results. It implements
// tools.ResultCache.
type ResultCache struct {
	mu      sync.Mutex
	items   map[string]cachedResult
	maxSize int
	now     func() time.Time
}

func newResultCache(maxSize int, now func() time.Time) *ResultCache {
	return &ResultCache{
		items:   make(map[string]cachedResult),
		maxSize: maxSize,
		now:     now,
	}
}

// Get returns a live entry. Expired entries are dropped on access.
func (c *ResultCache) Get(key string) (tools.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return tools.Result{}, false
	}
	if !c.now().Before(item.expires) {
		delete(c.items, key)
		return tools.Result{}, false
	}
	return cloneResult(item.result), true
}

// Put stores r for ttl. When full, expired entries are purged first and then
// the entry closest to expiry is evicted.
func (c *ResultCache) Put(key string, r tools.Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.items[key]; !exists && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.purgeLocked(now)
		if len(c.items) >= c.maxSize {
			c.evictOldestLocked()
		}
	}
	c.items[key] = cachedResult{result: cloneResult(r), expires: now.Add(ttl)}
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear drops everything.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cachedResult)
}

func (c *ResultCache) purgeLocked(now time.Time) {
	for k, item := range c.items {
		if !now.Before(item.expires) {
			delete(c.items, k)
		}
	}
}

func (c *ResultCache) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, item := range c.items {
		if !found || item.expires.Before(oldest) {
			oldestKey, oldest, found = k, item.expires, true
		}
	}
	if found {
		delete(c.items, oldestKey)
	}
}

func cloneResult(r tools.Result) tools.Result {
	out := r
	if r.Media != nil {
		out.Media = append([]event.Media(nil), r.Media...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
