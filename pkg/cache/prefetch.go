package cache

import (
	"sync"
	"time"

	"github.com/taskmesh/substrate/internal/obslog"
)

// PrefetchFunc speculatively produces a value for a key that matched a
// registered prefix. Returning ok=false means "no value available"; the
// cache is left as a miss.
type PrefetchFunc func(key string) (value []byte, ok bool)

type prefetchPattern struct {
	prefix   string
	producer PrefetchFunc
}

// prefetchRegistry matches miss keys against registered prefixes and
// drains pending work on the cache's background maintenance tick. It
// guards against a producer whose output key re-triggers its own prefetch
// by tracking in-flight keys; a recursive trigger is rejected and counted
// rather than looping.
type prefetchRegistry struct {
	logger *obslog.Logger

	mu       sync.Mutex
	patterns []prefetchPattern
	pending  chan string
	active   map[string]bool
}

func newPrefetchRegistry(logger *obslog.Logger) *prefetchRegistry {
	return &prefetchRegistry{
		logger:  logger,
		pending: make(chan string, 1024),
		active:  make(map[string]bool),
	}
}

func (r *prefetchRegistry) register(prefix string, producer PrefetchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, prefetchPattern{prefix: prefix, producer: producer})
}

func (r *prefetchRegistry) matches(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.patterns {
		if hasPrefix(key, p.prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(key, prefix string) bool {
	if len(prefix) > len(key) {
		return false
	}
	return key[:len(prefix)] == prefix
}

// triggerMiss queues key for a speculative background fetch if a
// registered prefix matches it and it is not already being produced. A
// recursive trigger — the same key requested again while its own prefetch
// is in flight — is rejected and recorded via recordRecursion.
func (r *prefetchRegistry) triggerMiss(key string, c *Cache) {
	if !r.matches(key) {
		return
	}

	r.mu.Lock()
	if r.active[key] {
		r.mu.Unlock()
		if c.sink != nil {
			c.sink.RecordPrefetchRecursion()
		}
		return
	}
	r.mu.Unlock()

	select {
	case r.pending <- key:
	default:
		r.logger.Warn("prefetch queue full, dropping key", map[string]interface{}{"key": key})
	}
}

// drain processes every currently pending key by invoking the first
// matching producer (in registration order) until one returns a value.
func (r *prefetchRegistry) drain(c *Cache) {
	for {
		select {
		case key := <-r.pending:
			r.produce(key, c)
		default:
			return
		}
	}
}

func (r *prefetchRegistry) produce(key string, c *Cache) {
	r.mu.Lock()
	if r.active[key] {
		r.mu.Unlock()
		return
	}
	r.active[key] = true
	patterns := append([]prefetchPattern(nil), r.patterns...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
		if rec := recover(); rec != nil {
			r.logger.Error("prefetch producer panicked", map[string]interface{}{"key": key})
		}
	}()

	for _, p := range patterns {
		if !hasPrefix(key, p.prefix) {
			continue
		}
		value, ok := p.producer(key)
		if !ok {
			continue
		}
		if err := c.setHotLocked(key, value, defaultPrefetchTTL(c), true); err != nil {
			r.logger.Warn("prefetch insert failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
		return
	}
}

func defaultPrefetchTTL(c *Cache) time.Duration {
	return c.cfg.DefaultTTL
}
