package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polydoc/polydoc-api/internal/domain"
)

func TestCache_GetPut(t *testing.T) {
	c := New(100, 4, time.Minute)

	_, ok := c.Get("doc:a")
	assert.False(t, ok)

	c.Put("doc:a", "alpha")
	v, ok := c.Get("doc:a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	c.Put("doc:a", "beta")
	v, _ = c.Get("doc:a")
	assert.Equal(t, "beta", v)
}

func TestCache_TTLExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := New(100, 1, time.Minute, WithClock(func() time.Time { return clock() }))

	c.Put("doc:a", 1)
	c.PutTTL("doc:b", 2, 10*time.Second)

	_, ok := c.Get("doc:a")
	assert.True(t, ok)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("doc:a")
	assert.True(t, ok, "default TTL entry still fresh")
	_, ok = c.Get("doc:b")
	assert.False(t, ok, "short TTL entry expired")

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("doc:a")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Expired)
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(3, 1, time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch a so b becomes the oldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", 4)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, 3, s.Size)
}

func TestCache_Delete(t *testing.T) {
	c := New(10, 2, time.Minute)
	c.Put("doc:a", 1)
	c.Delete("doc:a")
	c.Delete("doc:missing")

	_, ok := c.Get("doc:a")
	assert.False(t, ok)
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New(100, 4, time.Minute)
	c.Put("doc:a", 1)
	c.Put("doc:b", 2)
	c.Put("upload:x", 3)

	removed := c.InvalidatePrefix("doc:")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("upload:x")
	assert.True(t, ok)
}

func TestCache_InvalidatePattern(t *testing.T) {
	c := New(100, 4, time.Minute)
	c.Put("doc:a1", 1)
	c.Put("doc:a2", 2)
	c.Put("doc:b1", 3)

	removed, err := c.InvalidatePattern("^doc:a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := c.Get("doc:b1")
	assert.True(t, ok)

	removed, err = c.InvalidatePattern(`1$`)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, c.Len())
}

func TestCache_InvalidatePatternRejectsBadRegexp(t *testing.T) {
	c := New(100, 4, time.Minute)
	c.Put("doc:a", 1)

	removed, err := c.InvalidatePattern("doc:(")
	assert.Equal(t, domain.TagValidationFailed, domain.TagOf(err))
	assert.Zero(t, removed)
	assert.Equal(t, 1, c.Len(), "a bad pattern must not drop anything")
}

func TestCache_Sweep(t *testing.T) {
	now := time.Now()
	c := New(100, 4, time.Minute, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("doc:%d", i), i)
	}
	require.Equal(t, 10, c.Len())

	assert.Equal(t, 0, c.Sweep(), "nothing expired yet")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 10, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestCache_Warm(t *testing.T) {
	c := New(100, 4, time.Minute)
	c.Warm(map[string]any{"doc:a": 1, "doc:b": 2})

	v, ok := c.Get("doc:a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestCache_StatsCounters(t *testing.T) {
	c := New(100, 4, time.Minute)
	c.Put("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 100, s.Capacity)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(1000, 16, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("doc:%d", i%50)
				c.Put(key, g)
				c.Get(key)
				if i%10 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
}
