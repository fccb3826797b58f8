package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c := New(cfg, nil, nil, nil, nil)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 1024, Policy: LRU})
	require.NoError(t, c.Set("k1", []byte("v1"), 0, Hot))
	value, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
}

func TestCache_DeleteThenGetIsMiss(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 1024, Policy: LRU})
	require.NoError(t, c.Set("k1", []byte("v1"), 0, Hot))
	c.Delete("k1")
	_, ok := c.Get("k1")
	assert.False(t, ok)
}

func TestCache_NegativeTTLRejected(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 1024, Policy: LRU})
	err := c.Set("k1", []byte("v1"), -time.Second, Hot)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestCache_ExactBudgetFitTriggersNoEviction(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 10, Policy: LRU})
	require.NoError(t, c.Set("k1", make([]byte, 10), 0, Hot))
	assert.Equal(t, int64(0), c.Stats().Evictions)

	require.NoError(t, c.Set("k2", make([]byte, 1), 0, Hot))
	assert.GreaterOrEqual(t, c.Stats().Evictions, int64(1))
}

// S5 — cache round-trip with eviction: budget 1024B, LRU, six 200B entries
// inserted in order k0..k5 (1200B total). Eviction runs from the front only
// until the 1024B budget fits again, so the 176B shortfall is covered by
// evicting k0 alone; k1..k5 remain resident.
func TestCache_S5_LRUEviction(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 1024, Policy: LRU})

	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, c.Set(key, make([]byte, 200), 0, Hot))
	}

	_, ok := c.Get("k0")
	assert.False(t, ok, "k0 should have been evicted")

	for i := 1; i < 6; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.Truef(t, ok, "k%d should still be resident", i)
	}
}

// S6 — prefetch: registering prefix "user:" with a producer returning
// "P"+key means a miss on "user:42" is eventually followed by a hit.
func TestCache_S6_Prefetch(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 4096, Policy: LRU, DefaultTTL: time.Minute})
	c.RegisterPrefetch("user:", func(key string) ([]byte, bool) {
		return []byte("P" + key), true
	})

	_, ok := c.Get("user:42")
	assert.False(t, ok)

	c.prefetch.drain(c)

	value, ok := c.Get("user:42")
	require.True(t, ok)
	assert.Equal(t, []byte("Puser:42"), value)
}

func TestCache_PrefetchRecursionGuarded(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 4096, Policy: LRU})
	calls := 0
	c.RegisterPrefetch("loop:", func(key string) ([]byte, bool) {
		calls++
		c.Get(key) // a buggy producer calling Get on its own key
		return []byte("v"), true
	})

	_, _ = c.Get("loop:1")
	c.prefetch.drain(c)

	assert.Equal(t, 1, calls)
}

func TestCache_ClearEmptiesHotTier(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 1024, Policy: LRU})
	require.NoError(t, c.Set("k1", []byte("v"), 0, Hot))
	c.Clear()
	_, ok := c.Get("k1")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().EntryCount)
}

func TestCache_StopAfterStopIsNoop(t *testing.T) {
	c := newTestCache(t, Config{MemoryBudgetBytes: 1024, Policy: LRU})
	require.NoError(t, c.Stop())
	assert.NoError(t, c.Stop())
}
