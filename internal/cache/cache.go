package cache

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/crestdesk/notify/pkg/metrics"
)

const (
	DefaultCapacity      = 1000
	DefaultSweepInterval = time.Minute
)

// Stats reports cache effectiveness for monitoring.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value       V
	insertedAt  time.Time
	ttl         time.Duration
	accessCount uint64
	lastAccess  time.Time
}

func (e *entry[V]) expiredAt(now time.Time) bool {
	if e.ttl <= 0 {
		return true
	}
	return now.Sub(e.insertedAt) >= e.ttl
}

// Params configures a bounded cache.
type Params struct {
	Name          string
	Capacity      int
	SweepInterval time.Duration
	Metrics       *metrics.NotifyMetrics
}

// Cache is a bounded TTL key/value store. Capacity overflow evicts the
// single oldest entry by insertion time. Expired entries behave as absent
// on read and are also purged by a periodic background sweep.
type Cache[V any] struct {
	mu       sync.Mutex
	name     string
	capacity int
	entries  map[string]*entry[V]
	hits     uint64
	misses   uint64
	metrics  *metrics.NotifyMetrics
	done     chan struct{}
	now      func() time.Time
}

// New builds a cache and starts its background sweep.
func New[V any](params Params) (*Cache[V], error) {
	if params.Name == "" {
		return nil, fmt.Errorf("cache name required")
	}
	capacity := params.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	interval := params.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	c := &Cache[V]{
		name:     params.Name,
		capacity: capacity,
		entries:  make(map[string]*entry[V]),
		metrics:  params.Metrics,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go c.sweepLoop(interval)
	return c, nil
}

// Get returns the value stored at key. The second return distinguishes a
// cached zero value from an absent or expired entry.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	ent, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.IncCacheMiss(c.name)
		return zero, false
	}
	now := c.now()
	if ent.expiredAt(now) {
		delete(c.entries, key)
		c.misses++
		c.metrics.IncCacheMiss(c.name)
		return zero, false
	}
	ent.accessCount++
	ent.lastAccess = now
	c.hits++
	c.metrics.IncCacheHit(c.name)
	return ent.value, true
}

// Set stores value under key for the given TTL. A TTL of zero or less
// produces an entry that is already expired.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry[V]{
		value:      value,
		insertedAt: now,
		ttl:        ttl,
		lastAccess: now,
	}
}

// evictOldestLocked removes the single entry with the earliest insertion time.
func (c *Cache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for key, ent := range c.entries {
		if first || ent.insertedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = ent.insertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.metrics.IncCacheEviction(c.name, "capacity")
	}
}

// Invalidate removes every key matching the glob-like pattern, where `*`
// matches any run of characters and all other characters match literally.
// The pattern is anchored against the whole key. Invalid patterns are a
// no-op. Returns the number of entries removed.
func (c *Cache[V]) Invalidate(pattern string) int {
	re, err := compilePattern(pattern)
	if err != nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if re.MatchString(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// compilePattern escapes all regex metacharacters except `*`, which becomes
// `.*`, and anchors the expression so partial matches never invalidate.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	expr := "^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$"
	return regexp.Compile(expr)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Stats returns hit/miss counters and the current size.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Close stops the background sweep. The cache remains usable afterwards,
// with lazy expiry only.
func (c *Cache[V]) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired purges every expired entry so memory is reclaimed even for
// keys nobody reads.
func (c *Cache[V]) sweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, ent := range c.entries {
		if ent.expiredAt(now) {
			delete(c.entries, key)
			c.metrics.IncCacheEviction(c.name, "expired")
			removed++
		}
	}
	return removed
}
