// ABOUTME: Tests for the seen-key cache used to drop replayed live frames
// ABOUTME: Validates TTL expiry, size-bounded eviction order, sweeping and concurrency safety

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type frameKey struct {
	conversationID int64
	messageID      int64
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(ttl time.Duration, size int) (*Cache[frameKey], *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	return newCache[frameKey](ttl, size, clock.Now), clock
}

func TestCache_SeenAfterMark(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)

	assert.False(t, cache.Seen(frameKey{1, 1}))
	cache.Mark(frameKey{1, 1})
	assert.True(t, cache.Seen(frameKey{1, 1}))
	assert.False(t, cache.Seen(frameKey{2, 1}), "same id in another conversation is a different key")
}

func TestCache_Expiry(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)

	cache.Mark(frameKey{1, 1})
	clock.Advance(59 * time.Second)
	assert.True(t, cache.Seen(frameKey{1, 1}))

	clock.Advance(time.Second)
	assert.False(t, cache.Seen(frameKey{1, 1}))
	cache.Mark(frameKey{1, 1})
	assert.True(t, cache.Seen(frameKey{1, 1}), "expired keys can be marked again")
}

func TestCache_MarkRefreshesTTL(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)

	cache.Mark(frameKey{1, 1})
	clock.Advance(45 * time.Second)
	cache.Mark(frameKey{1, 1})
	clock.Advance(45 * time.Second)

	assert.True(t, cache.Seen(frameKey{1, 1}))
	assert.Equal(t, 1, cache.size())
}

func TestCache_SeenDoesNotMark(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 10)

	assert.False(t, cache.Seen(frameKey{1, 5}))
	assert.False(t, cache.Seen(frameKey{1, 5}), "a lookup alone records nothing")
	assert.Equal(t, 0, cache.size())

	cache.Mark(frameKey{1, 5})
	assert.True(t, cache.Seen(frameKey{1, 5}))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, _ := newTestCache(time.Minute, 3)

	cache.Mark(frameKey{1, 1})
	cache.Mark(frameKey{1, 2})
	cache.Mark(frameKey{1, 3})

	cache.Mark(frameKey{1, 4})
	assert.False(t, cache.Seen(frameKey{1, 1}), "oldest evicted")
	assert.True(t, cache.Seen(frameKey{1, 2}))

	// Re-marking moves a key to the back.
	cache.Mark(frameKey{1, 2})
	cache.Mark(frameKey{1, 5})
	assert.False(t, cache.Seen(frameKey{1, 3}))
	assert.True(t, cache.Seen(frameKey{1, 2}))
	assert.Equal(t, 3, cache.size())
}

func TestCache_RemoveExpired(t *testing.T) {
	cache, clock := newTestCache(time.Minute, 10)

	cache.Mark(frameKey{1, 1})
	cache.Mark(frameKey{1, 2})
	clock.Advance(30 * time.Second)
	cache.Mark(frameKey{1, 3})
	clock.Advance(40 * time.Second)

	cache.removeExpired()

	assert.Equal(t, 1, cache.size())
	assert.True(t, cache.Seen(frameKey{1, 3}))
}

func TestCache_BackgroundSweep(t *testing.T) {
	cache := New[string](10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")

	assert.Eventually(t, func() bool { return cache.size() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestCache_ConcurrentMarkAndSeen(t *testing.T) {
	cache := New[frameKey](time.Minute, 50)
	defer cache.Close()

	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Go(func() {
			key := frameKey{7, int64(i % 10)}
			cache.Mark(key)
			if cache.Seen(key) {
				hits.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(100), hits.Load())
	assert.Equal(t, 10, cache.size())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New[string](time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Minute, sweepInterval(0))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
	assert.Equal(t, 5*time.Second, sweepInterval(5*time.Second))
}
