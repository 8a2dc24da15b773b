// ABOUTME: Tests for the generic Broadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, publish, drop on full buffers, unsubscribe handles, context cancellation, concurrency

package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/chatsync/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMessage(id, conversationID int64) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "user-1",
		Text:           "hello",
		CreatedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second),
	}
}

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func assertClosed[T any](t *testing.T, sub *Subscription[T]) {
	t.Helper()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBroadcaster_SingleSubscriberReceivesMessage(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	sub := b.Subscribe(t.Context())

	delivered := b.Publish(1, makeMessage(10, 1))
	assert.Equal(t, 1, delivered)
	assert.Equal(t, int64(10), receive(t, sub).ID)
}

func TestBroadcaster_MultipleSubscribersReceiveSameMessage(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	ctx := t.Context()
	subs := []*Subscription[chat.Message]{
		b.Subscribe(ctx),
		b.Subscribe(ctx),
		b.Subscribe(ctx),
	}

	assert.Equal(t, 3, b.Publish(1, makeMessage(20, 1)))

	for i, sub := range subs {
		assert.Equal(t, int64(20), receive(t, sub).ID, "subscriber %d got wrong message", i)
	}
}

func TestBroadcaster_SubscriberReceivesEveryConversation(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	sub := b.Subscribe(t.Context())

	b.Publish(1, makeMessage(1, 1))
	b.Publish(2, makeMessage(2, 2))

	assert.Equal(t, int64(1), receive(t, sub).ConversationID)
	assert.Equal(t, int64(2), receive(t, sub).ConversationID)
}

// Activity and Updates subscribers are allowed to miss values; the active
// conversation's messages never go through a Broadcaster.
func TestBroadcaster_LaggingActivitySubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 8)
	defer b.Close()

	var drops atomic.Int32
	var dropKey atomic.Int64
	b.OnDrop(func(key int64) {
		drops.Add(1)
		dropKey.Store(key)
	})

	ctx := t.Context()
	_ = b.Subscribe(ctx) // never read
	fast := b.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 100 {
			b.Publish(2, makeMessage(int64(i+1), 2))
		}
	}()

	received := 0
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case <-fast.C():
			received++
		case <-done:
			break loop
		case <-timeout:
			t.Fatal("publisher blocked by slow subscriber")
		}
	}
	received += len(fast.C())

	assert.Greater(t, received, 0, "fast consumer should receive at least some messages")
	assert.GreaterOrEqual(t, drops.Load(), int32(100-8), "slow subscriber drops once its buffer is full")
	assert.Equal(t, int64(2), dropKey.Load())
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	assert.Equal(t, 1, b.subscriberCount())

	cancel()

	assertClosed(t, sub)
	assert.Equal(t, 0, b.subscriberCount())
}

func TestBroadcaster_UnsubscribeHandle(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	sub := b.Subscribe(t.Context())

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	assertClosed(t, sub)
	assert.Equal(t, 0, b.Publish(1, makeMessage(1, 1)))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)

	ctx := t.Context()
	sub1 := b.Subscribe(ctx)
	sub2 := b.Subscribe(ctx)

	b.Close()
	b.Close()

	assertClosed(t, sub1)
	assertClosed(t, sub2)

	// Handles stay usable after Close.
	sub1.Unsubscribe()
	late := b.Subscribe(ctx)
	assertClosed(t, late)
	late.Unsubscribe()
	assert.Equal(t, 0, b.Publish(1, makeMessage(1, 1)))
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			sub := b.Subscribe(ctx)
			defer sub.Unsubscribe()
			for range 5 {
				select {
				case <-sub.C():
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for i := range 10 {
				b.Publish(7, makeMessage(int64(i+1), 7))
			}
		})
	}

	wg.Wait()
	require.Eventually(t, func() bool { return b.subscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_SubscriptionIDsAreUnique(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	ctx := t.Context()
	id1 := b.Subscribe(ctx).id
	id2 := b.Subscribe(ctx).id
	id3 := b.Subscribe(ctx).id

	require.NotEqual(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
	assert.Equal(t, 3, b.subscriberCount())
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster[chat.Message](nil, 0)
	defer b.Close()

	assert.Equal(t, 0, b.Publish(99, makeMessage(1, 99)))
}
