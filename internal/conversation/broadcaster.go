// ABOUTME: In-memory fan-out broadcaster for activity, updates and state streams
// ABOUTME: Subscriptions are explicit handles; slow subscribers drop rather than block publishers

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultSubscriberBuffer is the channel buffer for each subscriber.
	DefaultSubscriberBuffer = 64
)

// Subscription is a registered receiver. Values arrive on C until
// Unsubscribe is called, the subscribing context ends, or the broadcaster
// closes; C is closed in every case.
type Subscription[T any] struct {
	id   string
	ch   chan T
	b    *Broadcaster[T]
	once sync.Once
}

// C returns the receive channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() { s.b.remove(s) })
}

// Broadcaster fans every published value out to all subscribers. It is only
// suitable for streams where a lagging reader may miss values; anything that
// must not lose data is delivered directly instead.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription[T] // subID -> sub
	bufferSize  int
	closed      bool
	onDrop      func(key int64)
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default and a
// non-positive bufferSize for DefaultSubscriberBuffer.
func NewBroadcaster[T any](logger *slog.Logger, bufferSize int) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]*Subscription[T]),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// OnDrop installs a hook called whenever a value is dropped for a full
// subscriber. Must be set before the first Publish.
func (b *Broadcaster[T]) OnDrop(fn func(key int64)) {
	b.onDrop = fn
}

// Subscribe registers a subscriber. The subscription is removed
// automatically when ctx is cancelled.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) *Subscription[T] {
	sub := &Subscription[T]{
		id: uuid.New().String(),
		ch: make(chan T, b.bufferSize),
		b:  b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.id)

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}

	return sub
}

// Publish sends v to every subscriber. Non-blocking: values are dropped for
// subscribers whose channels are full. key identifies the value's
// conversation in logs and in the drop hook. Returns the number of
// subscribers that received v.
func (b *Broadcaster[T]) Publish(key int64, v T) int {
	// Sends happen under the read lock so a concurrent Unsubscribe cannot
	// close a channel mid-send; every send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- v:
			delivered++
		default:
			b.logger.Debug("dropped value for slow subscriber",
				"conversation_id", key,
				"sub_id", sub.id)
			if b.onDrop != nil {
				b.onDrop(key)
			}
		}
	}
	return delivered
}

func (b *Broadcaster[T]) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.id]; !ok {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", sub.id)
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Later subscriptions receive an already-closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}

	b.logger.Debug("broadcaster closed")
}
