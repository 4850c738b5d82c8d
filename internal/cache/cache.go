// Package cache provides the in-process caching layer sitting in front
// of storage. Entries live in namespaced bounded LRU segments; eviction
// is least-recently-used at the capacity bound, while time-to-live
// expiry is checked lazily on read and swept by a background janitor.
// The cache is derived, disposable state and is never authoritative.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Namespaces used by the resolution core.
const (
	NamespaceMapping   = "mapping"
	NamespaceAnalytics = "analytics"
	NamespaceStats     = "stats"
)

// Config holds cache sizing and TTL settings.
type Config struct {
	MaxEntriesPerNamespace int
	MappingTTL             time.Duration
	AnalyticsTTL           time.Duration
	StatsTTL               time.Duration
	JanitorInterval        time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntriesPerNamespace: 10000,
		MappingTTL:             time.Hour,
		AnalyticsTTL:           5 * time.Minute,
		StatsTTL:               time.Minute,
		JanitorInterval:        time.Minute,
	}
}

// entry is a cached value with its expiry instant and size estimate.
// A zero expiresAt means the entry never expires by time.
type entry struct {
	value     any
	expiresAt time.Time
	size      int64
}

// segment is one namespace: a bounded LRU plus its counters. All
// operations run under mu so hit/miss/bytes accounting stays exact;
// nothing here touches I/O.
type segment struct {
	defaultTTL time.Duration

	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	hits   int64
	misses int64
	bytes  int64
}

// Cache is the namespaced caching layer. Get never blocks on anything
// but an in-memory mutex and never returns an error: a degraded or
// missing namespace behaves as a permanent miss.
type Cache struct {
	segments map[string]*segment
	log      *zap.Logger

	janitorStop chan struct{}
	closeOnce   sync.Once
}

// New creates the cache with one segment per namespace and starts the
// janitor goroutine when a sweep interval is configured.
func New(cfg Config, log *zap.Logger) (*Cache, error) {
	if cfg.MaxEntriesPerNamespace <= 0 {
		cfg.MaxEntriesPerNamespace = DefaultConfig().MaxEntriesPerNamespace
	}

	c := &Cache{
		segments:    make(map[string]*segment, 3),
		log:         log,
		janitorStop: make(chan struct{}),
	}

	namespaces := map[string]time.Duration{
		NamespaceMapping:   cfg.MappingTTL,
		NamespaceAnalytics: cfg.AnalyticsTTL,
		NamespaceStats:     cfg.StatsTTL,
	}

	for name, ttl := range namespaces {
		seg := &segment{defaultTTL: ttl}
		// The eviction callback always fires while seg.mu is held
		// (capacity evictions happen inside Add, removals inside
		// Remove/Purge), so plain field access is safe.
		l, err := lru.NewWithEvict[string, *entry](cfg.MaxEntriesPerNamespace, func(_ string, e *entry) {
			seg.bytes -= e.size
		})
		if err != nil {
			return nil, err
		}
		seg.lru = l
		c.segments[name] = seg
	}

	if cfg.JanitorInterval > 0 {
		go c.janitor(cfg.JanitorInterval)
	}

	log.Info("cache initialized",
		zap.Int("max_entries_per_namespace", cfg.MaxEntriesPerNamespace),
		zap.Duration("mapping_ttl", cfg.MappingTTL),
		zap.Duration("analytics_ttl", cfg.AnalyticsTTL),
		zap.Duration("stats_ttl", cfg.StatsTTL),
	)

	return c, nil
}

// Set stores a value under the namespace's default TTL.
func (c *Cache) Set(namespace, key string, value any) {
	seg, ok := c.segments[namespace]
	if !ok {
		c.log.Debug("set on unknown cache namespace", zap.String("namespace", namespace))
		return
	}
	seg.set(key, value, seg.defaultTTL)
}

// SetTTL stores a value with a per-call TTL override. A non-positive
// ttl stores the entry without time expiry.
func (c *Cache) SetTTL(namespace, key string, value any, ttl time.Duration) {
	seg, ok := c.segments[namespace]
	if !ok {
		c.log.Debug("set on unknown cache namespace", zap.String("namespace", namespace))
		return
	}
	seg.set(key, value, ttl)
}

// Get returns the cached value and whether it was present and fresh.
// An expired entry counts as a miss and is dropped in place.
func (c *Cache) Get(namespace, key string) (any, bool) {
	seg, ok := c.segments[namespace]
	if !ok {
		return nil, false
	}
	return seg.get(key)
}

// Invalidate removes a single entry. Callers invalidate after any
// mutation that makes the cached copy stale.
func (c *Cache) Invalidate(namespace, key string) {
	seg, ok := c.segments[namespace]
	if !ok {
		return
	}
	seg.mu.Lock()
	seg.lru.Remove(key)
	seg.mu.Unlock()
}

// Flush clears every namespace and resets all counters. Maintenance
// only, never on the hot path.
func (c *Cache) Flush() {
	for _, seg := range c.segments {
		seg.mu.Lock()
		seg.lru.Purge()
		seg.hits = 0
		seg.misses = 0
		seg.bytes = 0
		seg.mu.Unlock()
	}
	c.log.Info("cache flushed")
}

// Close stops the janitor. The cache stays usable afterwards; entries
// then expire only lazily on read.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.janitorStop)
	})
}

// NamespaceCounters describes one namespace's counters.
type NamespaceCounters struct {
	Keys        int     `json:"keys"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	ApproxBytes int64   `json:"approx_bytes"`
}

// Stats is the per-process cache snapshot: totals plus the per-namespace
// breakdown. Counters reset only on Flush.
type Stats struct {
	Keys        int                       `json:"keys"`
	Hits        int64                     `json:"hits"`
	Misses      int64                     `json:"misses"`
	HitRate     float64                   `json:"hit_rate"`
	ApproxBytes int64                     `json:"approx_bytes"`
	Namespaces  map[string]NamespaceCounters `json:"namespaces"`
}

// Stats returns a point-in-time snapshot of all namespaces.
func (c *Cache) Stats() Stats {
	out := Stats{Namespaces: make(map[string]NamespaceCounters, len(c.segments))}

	for name, seg := range c.segments {
		seg.mu.Lock()
		ns := NamespaceCounters{
			Keys:        seg.lru.Len(),
			Hits:        seg.hits,
			Misses:      seg.misses,
			ApproxBytes: seg.bytes,
		}
		seg.mu.Unlock()

		if total := ns.Hits + ns.Misses; total > 0 {
			ns.HitRate = float64(ns.Hits) / float64(total)
		}

		out.Keys += ns.Keys
		out.Hits += ns.Hits
		out.Misses += ns.Misses
		out.ApproxBytes += ns.ApproxBytes
		out.Namespaces[name] = ns
	}

	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}

	return out
}

// janitor periodically sweeps expired entries so cold keys do not
// linger until their next read.
func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := 0
			for _, seg := range c.segments {
				removed += seg.sweep(time.Now())
			}
			if removed > 0 {
				c.log.Debug("cache janitor sweep", zap.Int("expired_entries", removed))
			}
		case <-c.janitorStop:
			return
		}
	}
}

func (s *segment) set(key string, value any, ttl time.Duration) {
	e := &entry{value: value, size: estimateSize(key, value)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing an existing key does not fire the eviction callback,
	// so the old entry's size is subtracted here.
	if old, ok := s.lru.Peek(key); ok {
		s.bytes -= old.size
	}
	s.lru.Add(key, e)
	s.bytes += e.size
}

func (s *segment) get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		s.misses++
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.lru.Remove(key)
		s.misses++
		return nil, false
	}

	s.hits++
	return e.value, true
}

func (s *segment) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.lru.Keys() {
		e, ok := s.lru.Peek(key)
		if !ok {
			continue
		}
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			s.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// estimateSize gives a rough per-entry memory footprint. Strings and
// byte slices are measured; struct values get a flat estimate.
func estimateSize(key string, value any) int64 {
	const entryOverhead = 96

	size := int64(entryOverhead + len(key))
	switch v := value.(type) {
	case string:
		size += int64(len(v))
	case []byte:
		size += int64(len(v))
	case nil:
	default:
		size += 256
	}
	return size
}
