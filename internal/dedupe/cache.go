// ABOUTME: TTL and size bounded seen-key cache for dropping replayed live frames
// ABOUTME: Keys expire after the TTL; at capacity the least recently marked key is evicted

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[K comparable] struct {
	markedAt time.Time
	element  *list.Element // holds K
}

// Cache remembers keys for a bounded time and count. Marking order is kept in
// a linked list so eviction is O(1).
type Cache[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]*entry[K]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	c := newCache[K](ttl, maxSize, time.Now)
	go c.sweep(sweepInterval(ttl))
	return c
}

func newCache[K comparable](ttl time.Duration, maxSize int, now func() time.Time) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache[K]{
		seen:    make(map[K]*entry[K]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > time.Minute {
		return time.Minute
	}
	return ttl
}

// Seen reports whether key was marked within the TTL.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.fresh(e)
}

// Mark records key, refreshing its TTL if already present.
func (c *Cache[K]) Mark(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// size returns the number of keys held, including expired keys not yet swept.
func (c *Cache[K]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[K]) fresh(e *entry[K]) bool {
	return c.now().Sub(e.markedAt) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache[K]) markLocked(key K) {
	now := c.now()

	if e, ok := c.seen[key]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(K))
		}
	}

	c.seen[key] = &entry[K]{markedAt: now, element: c.order.PushBack(key)}
}

func (c *Cache[K]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops expired keys. Keys are in marking order, so the scan
// stops at the first fresh one.
func (c *Cache[K]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(K)
		if c.fresh(c.seen[key]) {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache[K]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
