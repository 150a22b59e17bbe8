// Package cache provides the read-through cache in front of the batch read
// path. It is partitioned to keep lock contention off the hot path; each
// partition runs its own LRU list with per-entry expiry.
package cache

import (
	"container/list"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/polydoc/polydoc-api/internal/domain"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
	Size      int
	Capacity  int
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

type partition struct {
	mu        sync.Mutex
	ll        *list.List
	items     map[string]*list.Element
	capacity  int
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// Cache is safe for concurrent use. A zero TTL entry uses the default;
// an entry-level TTL always wins over the default.
type Cache struct {
	parts      []*partition
	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*Cache)

// WithClock injects the time source. Tests use this to force expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(capacity int, partitions int, defaultTTL time.Duration, opts ...Option) *Cache {
	if partitions < 1 {
		partitions = 1
	}
	if capacity < partitions {
		capacity = partitions
	}
	perPart := capacity / partitions
	c := &Cache{
		parts:      make([]*partition, partitions),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for i := range c.parts {
		c.parts[i] = &partition{
			ll:       list.New(),
			items:    make(map[string]*list.Element),
			capacity: perPart,
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) partitionFor(key string) *partition {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.parts[h.Sum32()%uint32(len(c.parts))]
}

// Get returns the cached value and whether it was present and fresh.
// An expired entry counts as a miss and is removed on the spot.
func (c *Cache) Get(key string) (any, bool) {
	p := c.partitionFor(key)
	now := c.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.items[key]
	if !ok {
		p.misses++
		return nil, false
	}
	ent := el.Value.(*entry)
	if now.After(ent.expiresAt) {
		p.removeLocked(el)
		p.expired++
		p.misses++
		return nil, false
	}
	p.ll.MoveToFront(el)
	p.hits++
	return ent.value, true
}

// Put stores value under the default TTL.
func (c *Cache) Put(key string, value any) {
	c.PutTTL(key, value, 0)
}

// PutTTL stores value with an explicit TTL; zero means the default.
func (c *Cache) PutTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	p := c.partitionFor(key)
	expiresAt := c.now().Add(ttl)

	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = expiresAt
		p.ll.MoveToFront(el)
		return
	}
	el := p.ll.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	p.items[key] = el
	for p.ll.Len() > p.capacity {
		oldest := p.ll.Back()
		if oldest == nil {
			break
		}
		p.removeLocked(oldest)
		p.evictions++
	}
}

// Delete removes key; absent keys are a no-op.
func (c *Cache) Delete(key string) {
	p := c.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.items[key]; ok {
		p.removeLocked(el)
	}
}

// InvalidatePrefix drops every entry whose key starts with prefix and returns
// how many were removed.
func (c *Cache) InvalidatePrefix(prefix string) int {
	return c.invalidate(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// InvalidatePattern drops every entry whose key matches the regular
// expression and returns how many were removed.
func (c *Cache) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, domain.ValidationFailed("invalid invalidation pattern %q: %v", pattern, err)
	}
	return c.invalidate(re.MatchString), nil
}

func (c *Cache) invalidate(match func(string) bool) int {
	removed := 0
	for _, p := range c.parts {
		p.mu.Lock()
		for key, el := range p.items {
			if match(key) {
				p.removeLocked(el)
				removed++
			}
		}
		p.mu.Unlock()
	}
	return removed
}

// Warm preloads entries under the default TTL, typically at startup from the
// most recently updated documents.
func (c *Cache) Warm(entries map[string]any) {
	for key, value := range entries {
		c.Put(key, value)
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	dropped := 0
	for _, p := range c.parts {
		p.mu.Lock()
		for _, el := range p.items {
			ent := el.Value.(*entry)
			if now.After(ent.expiresAt) {
				p.removeLocked(el)
				p.expired++
				dropped++
			}
		}
		p.mu.Unlock()
	}
	return dropped
}

// Len reports the live entry count, expired entries included until swept.
func (c *Cache) Len() int {
	n := 0
	for _, p := range c.parts {
		p.mu.Lock()
		n += p.ll.Len()
		p.mu.Unlock()
	}
	return n
}

// Stats aggregates counters across partitions.
func (c *Cache) Stats() Stats {
	var s Stats
	for _, p := range c.parts {
		p.mu.Lock()
		s.Hits += p.hits
		s.Misses += p.misses
		s.Evictions += p.evictions
		s.Expired += p.expired
		s.Size += p.ll.Len()
		s.Capacity += p.capacity
		p.mu.Unlock()
	}
	return s
}

func (p *partition) removeLocked(el *list.Element) {
	ent := el.Value.(*entry)
	p.ll.Remove(el)
	delete(p.items, ent.key)
}
