// ABOUTME: Merge engine combining history pages and live frames into the active view
// ABOUTME: Stale generations and foreign conversations are discarded; accepted changes are published as Updates

package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/metrics"
)

// Source labels where a message came from.
type Source string

const (
	SourceHistory Source = "history"
	SourceLive    Source = "live"
)

// UpdateKind distinguishes view updates.
type UpdateKind int

const (
	// UpdateReset means the view was cleared for a new generation.
	UpdateReset UpdateKind = iota
	// UpdateInsert means messages were inserted.
	UpdateInsert
)

// Inserted is one message placed in the view. Index is the position it took
// at insertion time. Applying the Inserted entries of every Update in Seq
// order to a copy of the previous view reproduces the current one; a
// subscriber that sees a gap in Seq has missed updates and must resync from
// Snapshot.
type Inserted struct {
	Index   int
	Message chat.Message
}

// Update describes one accepted change to the view. Seq numbers updates
// consecutively from 1 across generations.
type Update struct {
	Seq      uint64
	Kind     UpdateKind
	Token    Token
	Source   Source
	Inserted []Inserted
}

// Merger owns the active View. All mutation happens under one mutex that is
// held only for the in-memory merge step.
type Merger struct {
	mu      sync.Mutex
	pubMu   sync.Mutex // taken before mu is released so Updates publish in mutation order
	seq     uint64     // guarded by pubMu
	cc      *Context
	view    *View
	updates *Broadcaster[Update]
	logger  *slog.Logger
}

// NewMerger creates a merge engine bound to cc. Pass nil logger for default.
func NewMerger(cc *Context, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		cc:      cc,
		view:    NewView(),
		updates: NewBroadcaster[Update](logger, 256),
		logger:  logger.With("component", "merger"),
	}
}

// SwitchTo clears the view and advances the generation in one step, so no
// accept call can observe the new token with the old view contents.
func (m *Merger) SwitchTo(conversationID int64) Token {
	m.mu.Lock()
	token := m.cc.Advance(conversationID)
	m.view.Reset()
	m.pubMu.Lock()
	m.mu.Unlock()

	m.publish(Update{Kind: UpdateReset, Token: token})
	m.pubMu.Unlock()

	metrics.Switches.Inc()
	m.logger.Debug("view reset",
		"conversation_id", conversationID,
		"generation", token.Generation)
	return token
}

// AcceptHistoryPage merges a history page issued under token. The page is in
// the server's descending order. Returns the number of messages inserted and
// whether the page was accepted at all.
func (m *Merger) AcceptHistoryPage(token Token, page []chat.Message) (int, bool) {
	// Ascending insertion keeps most inserts at the same end of the view.
	ordered := slices.Clone(page)
	slices.Reverse(ordered)

	m.mu.Lock()
	if !m.cc.IsCurrent(token) {
		m.mu.Unlock()
		metrics.StaleDiscarded.WithLabelValues(string(SourceHistory)).Inc()
		m.logger.Debug("discarded stale history page",
			"generation", token.Generation,
			"conversation_id", token.ConversationID,
			"size", len(page))
		return 0, false
	}

	var inserted []Inserted
	for _, msg := range ordered {
		if msg.ConversationID != token.ConversationID {
			metrics.StaleDiscarded.WithLabelValues(string(SourceHistory)).Inc()
			continue
		}
		if msg.ID <= 0 {
			m.logger.Warn("skipping history entry without a valid id",
				"conversation_id", token.ConversationID,
				"message_id", msg.ID)
			continue
		}
		if idx, ok := m.view.Insert(msg); ok {
			inserted = append(inserted, Inserted{Index: idx, Message: msg})
		}
	}
	m.pubMu.Lock()
	m.mu.Unlock()

	if len(inserted) > 0 {
		m.publish(Update{
			Kind:     UpdateInsert,
			Token:    token,
			Source:   SourceHistory,
			Inserted: inserted,
		})
	}
	m.pubMu.Unlock()

	metrics.MessagesMerged.WithLabelValues(string(SourceHistory)).Add(float64(len(inserted)))
	return len(inserted), true
}

// AcceptLive merges one live message received under token. Messages for
// another conversation or generation are dropped, not buffered. Returns true
// if the message was inserted.
func (m *Merger) AcceptLive(token Token, msg chat.Message) bool {
	m.mu.Lock()
	if !m.cc.IsCurrent(token) || msg.ConversationID != token.ConversationID {
		m.mu.Unlock()
		metrics.StaleDiscarded.WithLabelValues(string(SourceLive)).Inc()
		m.logger.Debug("discarded live message",
			"generation", token.Generation,
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID)
		return false
	}
	if msg.ID <= 0 {
		m.mu.Unlock()
		m.logger.Warn("skipping live message without a valid id",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID)
		return false
	}
	idx, ok := m.view.Insert(msg)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.pubMu.Lock()
	m.mu.Unlock()

	m.publish(Update{
		Kind:     UpdateInsert,
		Token:    token,
		Source:   SourceLive,
		Inserted: []Inserted{{Index: idx, Message: msg}},
	})
	m.pubMu.Unlock()

	metrics.MessagesMerged.WithLabelValues(string(SourceLive)).Inc()
	return true
}

// Snapshot returns the current token and a copy of the view.
func (m *Merger) Snapshot() (Token, []chat.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cc.Current(), m.view.Messages()
}

// OldestID returns the paging cursor of the current view together with the
// token it belongs to.
func (m *Merger) OldestID() (Token, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.view.OldestID()
	return m.cc.Current(), id, ok
}

// Subscribe returns a handle receiving every Update. Updates are dropped for
// a subscriber that falls behind, which shows up as a gap in Seq; Snapshot
// stays authoritative.
func (m *Merger) Subscribe(ctx context.Context) *Subscription[Update] {
	return m.updates.Subscribe(ctx)
}

// publish numbers u and fans it out. Callers hold pubMu.
func (m *Merger) publish(u Update) {
	m.seq++
	u.Seq = m.seq
	m.updates.Publish(u.Token.ConversationID, u)
}

// Close closes every update subscription.
func (m *Merger) Close() {
	m.updates.Close()
}
