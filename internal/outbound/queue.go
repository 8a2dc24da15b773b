// ABOUTME: Outbound queue holding user messages while the live channel is not open
// ABOUTME: Bounded FIFO flushed in submission order, optionally paced by a rate limiter

package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/metrics"
)

// Policy decides what happens to a message submitted while not open.
type Policy int

const (
	// Buffer holds messages until the channel opens.
	Buffer Policy = iota
	// Drop refuses them with chat.ErrNotOpen.
	Drop
)

func (p Policy) String() string {
	switch p {
	case Buffer:
		return "buffer"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "buffer":
		return Buffer, nil
	case "drop":
		return Drop, nil
	default:
		return 0, fmt.Errorf("unknown outbound policy %q", s)
	}
}

// Entry is one queued message.
type Entry struct {
	ID         string
	Message    chat.OutboundMessage
	EnqueuedAt time.Time
}

// SendFunc writes one entry to the live channel.
type SendFunc func(ctx context.Context, e Entry) error

// Queue is a bounded FIFO. A full queue rejects new messages; it never
// evicts or reorders queued ones.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	policy   Policy

	flushMu sync.Mutex
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a queue. limiter may be nil for unpaced flushing. Pass nil
// logger for default.
func New(policy Policy, capacity int, limiter *rate.Limiter, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		capacity: capacity,
		policy:   policy,
		limiter:  limiter,
		logger:   logger.With("component", "outbound"),
	}
}

// NewLimiter builds a limiter for perSecond sends with the given burst, or
// nil when perSecond is not positive.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Policy returns the queue's policy.
func (q *Queue) Policy() Policy { return q.policy }

// Enqueue appends msg. Under the Drop policy it returns chat.ErrNotOpen; a
// full queue returns chat.ErrQueueFull.
func (q *Queue) Enqueue(msg chat.OutboundMessage) (Entry, error) {
	if q.policy == Drop {
		metrics.OutboundRejected.WithLabelValues("not_open").Inc()
		q.logger.Warn("message dropped: live channel not open",
			"conversation_id", msg.ConversationID)
		return Entry{}, chat.ErrNotOpen
	}

	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		q.mu.Unlock()
		metrics.OutboundRejected.WithLabelValues("queue_full").Inc()
		q.logger.Warn("message rejected: outbound queue full",
			"conversation_id", msg.ConversationID,
			"capacity", q.capacity)
		return Entry{}, chat.ErrQueueFull
	}

	e := Entry{ID: uuid.New().String(), Message: msg, EnqueuedAt: time.Now()}
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	metrics.OutboundQueueDepth.Set(float64(depth))
	q.logger.Debug("message queued",
		"entry_id", e.ID,
		"conversation_id", msg.ConversationID,
		"depth", depth)
	return e, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns a copy of the queued entries, oldest first.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Flush sends queued entries oldest first until the queue is empty, send
// fails, or ctx ends. A failed entry stays at the head with everything
// after it. Returns the number sent.
func (q *Queue) Flush(ctx context.Context, send SendFunc) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	sent := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			break
		}
		head := q.entries[0]
		q.mu.Unlock()

		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return sent, fmt.Errorf("pacing flush: %w", err)
			}
		}

		if err := send(ctx, head); err != nil {
			q.logger.Warn("flush stopped",
				"entry_id", head.ID,
				"sent", sent,
				"remaining", q.Len(),
				"error", err)
			return sent, err
		}

		q.mu.Lock()
		if len(q.entries) > 0 && q.entries[0].ID == head.ID {
			q.entries = q.entries[1:]
		}
		depth := len(q.entries)
		q.mu.Unlock()

		metrics.OutboundQueueDepth.Set(float64(depth))
		sent++
	}

	if sent > 0 {
		q.logger.Info("outbound queue flushed", "sent", sent)
	}
	return sent, nil
}

// Clear discards every queued entry and returns them.
func (q *Queue) Clear() []Entry {
	q.mu.Lock()
	dropped := q.entries
	q.entries = nil
	q.mu.Unlock()

	metrics.OutboundQueueDepth.Set(0)
	return dropped
}
