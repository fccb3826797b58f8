// Package cache implements the substrate's two-tier Intelligent Cache: a
// hot in-memory tier with pluggable eviction (LRU, LFU, TTL, ADAPTIVE) and
// a warm on-disk tier of content-addressed blobs, bound together with
// pattern-driven prefetch and a background maintenance loop.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/substrate/internal/obslog"
	"github.com/taskmesh/substrate/pkg/clock"
	"github.com/taskmesh/substrate/pkg/metrics"
)

// Stats is a point-in-time view of the cache's own counters, distinct from
// (but also mirrored into, when a Sink is configured) the pipeline-wide
// MetricsSink.
type Stats struct {
	Hits                 int64
	Misses               int64
	Evictions            int64
	Bytes                int64
	EntryCount           int64
	HitRate              float64
	AverageAccessLatency time.Duration
}

// Config controls a Cache's budget, default TTL, eviction policy, and
// maintenance cadence.
type Config struct {
	MemoryBudgetBytes int64
	DefaultTTL        time.Duration
	Policy            PolicyName
	DemoteThreshold   int64 // access count above which an evicted hot entry is demoted to disk, not dropped
	MaintenanceEvery  time.Duration
}

// Cache is the two-tier keyed store. The zero value is not usable;
// construct with New.
type Cache struct {
	cfg    Config
	policy EvictionPolicy
	disk   *DiskStore // nil when the disk tier is disabled
	sink   *metrics.Sink
	clock  clock.Clock
	logger *obslog.Logger

	mu      sync.Mutex
	order   *list.List // front = least-recently-used
	index   map[string]*list.Element
	bytes   int64
	prefetch *prefetchRegistry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	latencyNs atomic.Int64
	latencyN  atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Cache. disk may be nil to disable the warm tier.
func New(cfg Config, disk *DiskStore, sink *metrics.Sink, logger *obslog.Logger, clk clock.Clock) *Cache {
	if cfg.DemoteThreshold <= 0 {
		cfg.DemoteThreshold = 2
	}
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = obslog.GetGlobal()
	}
	return &Cache{
		cfg:      cfg,
		policy:   NewPolicy(cfg.Policy),
		disk:     disk,
		sink:     sink,
		clock:    clk,
		logger:   logger.WithComponent("cache"),
		order:    list.New(),
		index:    make(map[string]*list.Element),
		prefetch: newPrefetchRegistry(logger.WithComponent("cache.prefetch")),
	}
}

// Start launches the background maintenance loop (expiry scan, memory
// gauge, prefetch drain) and the disk store's index load.
func (c *Cache) Start() error {
	if c.disk != nil {
		if err := c.disk.Load(); err != nil {
			return err
		}
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.maintenanceLoop()
	return nil
}

// Stop halts the maintenance loop and, if a disk tier is configured,
// flushes its index journal. Idempotent.
func (c *Cache) Stop() error {
	if c.stopCh == nil {
		return nil
	}
	select {
	case <-c.stopCh:
		return nil // already stopped
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
	if c.disk != nil {
		return c.disk.Save()
	}
	return nil
}

// Get returns the value for key if present and unexpired. A hot miss that
// also misses disk triggers any registered prefetch whose prefix matches
// key (fire-and-forget).
func (c *Cache) Get(key string) ([]byte, bool) {
	start := c.clock.Now()
	defer func() { c.recordLatency(c.clock.Now().Sub(start)) }()

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		entry := el.Value.(*Entry)
		now := c.clock.Now()
		if entry.Expired(now) {
			c.removeLocked(el)
			c.mu.Unlock()
			c.onMiss(key)
			return nil, false
		}
		entry.touch(now)
		c.order.MoveToBack(el)
		value := entry.Value
		c.mu.Unlock()
		c.onHit()
		return value, true
	}
	c.mu.Unlock()

	if c.disk != nil {
		if value, ttl, ok := c.disk.Get(key); ok {
			c.setHotLocked(key, value, ttl, false)
			c.onHit()
			return value, true
		}
	}

	c.onMiss(key)
	return nil, false
}

func (c *Cache) onHit() {
	c.hits.Add(1)
	if c.sink != nil {
		c.sink.RecordCacheHit()
	}
}

func (c *Cache) onMiss(key string) {
	c.misses.Add(1)
	if c.sink != nil {
		c.sink.RecordCacheMiss()
	}
	c.prefetch.triggerMiss(key, c)
}

func (c *Cache) recordLatency(d time.Duration) {
	c.latencyNs.Add(d.Nanoseconds())
	c.latencyN.Add(1)
}

// Set writes value for key in the requested tier. A negative ttl is
// rejected; zero means the entry never expires, per Entry.TTL's own
// contract. Set never substitutes the configured default TTL for a
// caller-supplied zero — callers that want "no preference, use the
// configured default" apply DefaultTTL() themselves before calling Set
// (the Coordinator does this at its process boundary).
func (c *Cache) Set(key string, value []byte, ttl time.Duration, tier Tier) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}

	if tier == Warm {
		if c.disk == nil {
			return nil
		}
		return c.disk.Put(key, value, ttl)
	}
	return c.setHotLocked(key, value, ttl, true)
}

// DefaultTTL returns the TTL this cache was configured with, for callers
// that want to apply it explicitly when they have no TTL preference of
// their own (Set itself never substitutes it for a caller-supplied zero).
func (c *Cache) DefaultTTL() time.Duration {
	return c.cfg.DefaultTTL
}

func (c *Cache) setHotLocked(key string, value []byte, ttl time.Duration, evictAsNeeded bool) error {
	size := int64(len(value))
	now := c.clock.Now()

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		old := el.Value.(*Entry)
		c.bytes -= old.Size
		el.Value = &Entry{
			Key: key, Value: value, Size: size,
			CreatedAt: now, AccessedAt: now, TTL: ttl, Tier: Hot,
		}
		c.bytes += size
		c.order.MoveToBack(el)
	} else {
		entry := &Entry{
			Key: key, Value: value, Size: size,
			CreatedAt: now, AccessedAt: now, TTL: ttl, Tier: Hot,
		}
		el := c.order.PushBack(entry)
		c.index[key] = el
		c.bytes += size
	}

	if evictAsNeeded {
		c.evictToFitLocked()
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.SetCacheBytes(c.currentBytes())
	}
	return nil
}

// evictToFitLocked must be called with mu held. It evicts entries chosen
// by the configured policy until bytes <= budget, demoting entries with
// non-trivial access history to disk rather than discarding them outright.
func (c *Cache) evictToFitLocked() {
	if c.cfg.MemoryBudgetBytes <= 0 || c.bytes <= c.cfg.MemoryBudgetBytes {
		return
	}
	needed := c.bytes - c.cfg.MemoryBudgetBytes

	entries := make([]*Entry, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*Entry))
	}

	victims := c.policy.SelectVictims(entries, needed, c.clock.Now())
	for _, victim := range victims {
		el := c.index[victim.Key]
		if el == nil {
			continue
		}
		if c.disk != nil && victim.AccessCount > c.cfg.DemoteThreshold {
			go c.demoteToDisk(victim)
		}
		c.removeLocked(el)
		c.evictions.Add(1)
		if c.sink != nil {
			c.sink.RecordCacheEviction()
		}
	}
}

func (c *Cache) demoteToDisk(e *Entry) {
	remaining := e.TTL
	if e.TTL > 0 {
		elapsed := c.clock.Now().Sub(e.CreatedAt)
		remaining = e.TTL - elapsed
		if remaining <= 0 {
			return
		}
	}
	if err := c.disk.Put(e.Key, e.Value, remaining); err != nil {
		c.logger.Warn("demote to disk failed", map[string]interface{}{"key": e.Key, "error": err.Error()})
	}
}

// removeLocked must be called with mu held.
func (c *Cache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	c.bytes -= entry.Size
	delete(c.index, entry.Key)
	c.order.Remove(el)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

// Clear empties both tiers.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.order = list.New()
	c.index = make(map[string]*list.Element)
	c.bytes = 0
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.Clear()
	}
}

func (c *Cache) currentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns the cache's own hit/miss/eviction counters and byte usage.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	var avgLatency time.Duration
	if n := c.latencyN.Load(); n > 0 {
		avgLatency = time.Duration(c.latencyNs.Load() / n)
	}

	c.mu.Lock()
	entryCount := int64(c.order.Len())
	bytes := c.bytes
	c.mu.Unlock()

	return Stats{
		Hits:                 hits,
		Misses:               misses,
		Evictions:            c.evictions.Load(),
		Bytes:                bytes,
		EntryCount:           entryCount,
		HitRate:              hitRate,
		AverageAccessLatency: avgLatency,
	}
}

// MemoryUsage reports the current hot-tier byte usage and the configured
// memory budget.
func (c *Cache) MemoryUsage() (used, budget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes, c.cfg.MemoryBudgetBytes
}

// RegisterPrefetch adds a (prefix, producer) pattern. On a true miss whose
// key matches prefix, producer runs asynchronously; any value it returns
// is inserted via Set(HOT). A producer calling Get on its own key does not
// re-trigger its prefetch: that nested miss is rejected and counted as a
// PrefetchRecursion. A Get on a different key sharing the prefix is queued
// as an ordinary prefetch.
func (c *Cache) RegisterPrefetch(prefix string, producer PrefetchFunc) {
	c.prefetch.register(prefix, producer)
}

func (c *Cache) maintenanceLoop() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.MaintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			c.sweepExpired()
			if c.sink != nil {
				c.sink.SetCacheBytes(c.currentBytes())
			}
			c.prefetch.drain(c)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweepExpired() {
	now := c.clock.Now()
	c.mu.Lock()
	var expired []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry).Expired(now) {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
	c.mu.Unlock()
}
