// ABOUTME: Session engine wiring transport, merge engine, history loader and replay filter together
// ABOUTME: Dispatches live frames into the active view and serializes conversation switches

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/dedupe"
	"github.com/2389/chatsync/internal/history"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/transport"
)

// Transport is the part of *transport.Manager the engine drives.
type Transport interface {
	Connect(cred chat.Credential) error
	Frames() <-chan []byte
	Send(ctx context.Context, msg chat.OutboundMessage) error
	State() transport.State
	Watch(ctx context.Context) *conversation.Subscription[transport.StateChange]
	Err() error
	Close() error
}

// Fetcher loads one history page.
type Fetcher interface {
	Fetch(ctx context.Context, token conversation.Token, beforeID int64) (history.Page, error)
}

// Options configures an Engine. Transport and History are required.
type Options struct {
	Transport Transport
	// Tokens issues the first live credential in Start. Nil starts with an
	// empty credential and leaves fetching to the transport.
	Tokens  transport.TokenSource
	History Fetcher
	// SenderID is stamped on outbound messages.
	SenderID   string
	DedupeTTL  time.Duration
	DedupeSize int
	Logger     *slog.Logger
}

type frameKey struct {
	conversationID int64
	messageID      int64
}

// Engine keeps one conversation view in sync with the server.
type Engine struct {
	tr      Transport
	tokens  transport.TokenSource
	fetcher Fetcher
	sender  string
	logger  *slog.Logger

	cc       *conversation.Context
	merger   *conversation.Merger
	activity *conversation.Broadcaster[chat.Message]
	seen     *dedupe.Cache[frameKey]
	errs     chan error

	// switchMu serializes SwitchTo and goroutine starts against Close.
	switchMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine. Nothing connects until Start.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if opts.History == nil {
		return nil, errors.New("session: history fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	size := opts.DedupeSize
	if size <= 0 {
		size = 4096
	}

	cc := conversation.NewContext()
	ctx, cancel := context.WithCancel(context.Background())

	activity := conversation.NewBroadcaster[chat.Message](logger, 64)
	activity.OnDrop(func(int64) {
		metrics.FramesDropped.WithLabelValues("slow_consumer").Inc()
	})

	return &Engine{
		tr:       opts.Transport,
		tokens:   opts.Tokens,
		fetcher:  opts.History,
		sender:   opts.SenderID,
		logger:   logger.With("component", "session"),
		cc:       cc,
		merger:   conversation.NewMerger(cc, logger),
		activity: activity,
		seen:     dedupe.New[frameKey](ttl, size),
		errs:     make(chan error, 32),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start obtains a credential, connects the transport and starts the frame
// dispatcher. An AuthError from the token source is returned directly.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return chat.ErrClosed
	}

	var cred chat.Credential
	if e.tokens != nil {
		var err error
		cred, err = e.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtaining live credential: %w", err)
		}
	}

	if err := e.tr.Connect(cred); err != nil {
		return fmt.Errorf("connecting live channel: %w", err)
	}

	e.startOnce.Do(func() {
		e.switchMu.Lock()
		defer e.switchMu.Unlock()
		if e.ctx.Err() != nil {
			return
		}
		e.wg.Add(1)
		go e.dispatch()
	})
	return nil
}

// SwitchTo makes conversationID the active conversation and returns its
// token. The view is reset before SwitchTo returns; the first history page
// loads in the background and its failure is reported on Errors.
func (e *Engine) SwitchTo(ctx context.Context, conversationID int64) (conversation.Token, error) {
	if conversationID <= 0 {
		return conversation.Token{}, chat.ErrInvalidConversation
	}
	if err := ctx.Err(); err != nil {
		return conversation.Token{}, err
	}

	e.switchMu.Lock()
	defer e.switchMu.Unlock()
	if e.ctx.Err() != nil {
		return conversation.Token{}, chat.ErrClosed
	}

	token := e.merger.SwitchTo(conversationID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.loadPage(e.ctx, token, 0); err != nil {
			e.report(err)
		}
	}()

	e.logger.Info("switched conversation",
		"conversation_id", conversationID,
		"generation", token.Generation)
	return token, nil
}

// LoadOlder fetches the page before the oldest message in the view and
// merges it. Returns the number of messages added; a page that resolves
// after a switch is dropped and reports zero.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	token, oldest, ok := e.merger.OldestID()
	if token.IsZero() {
		return 0, chat.ErrNoConversation
	}
	if !ok {
		oldest = 0
	}
	return e.loadPage(ctx, token, oldest)
}

// Send sends text to the active conversation.
func (e *Engine) Send(ctx context.Context, text string) error {
	token := e.cc.Current()
	if token.IsZero() {
		return chat.ErrNoConversation
	}
	msg := chat.OutboundMessage{
		ConversationID: token.ConversationID,
		Text:           text,
		SenderID:       e.sender,
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return e.tr.Send(ctx, msg)
}

// View returns a copy of the active conversation's messages in order.
func (e *Engine) View() []chat.Message {
	_, msgs := e.merger.Snapshot()
	return msgs
}

// Active returns the current token; zero before the first switch.
func (e *Engine) Active() conversation.Token {
	return e.cc.Current()
}

// Updates subscribes to view changes. A subscriber that falls behind misses
// updates and sees a gap in Update.Seq; View is always complete.
func (e *Engine) Updates(ctx context.Context) *conversation.Subscription[conversation.Update] {
	return e.merger.Subscribe(ctx)
}

// Activity subscribes to live messages for conversations other than the
// active one. Messages are dropped for a subscriber that falls behind.
func (e *Engine) Activity(ctx context.Context) *conversation.Subscription[chat.Message] {
	return e.activity.Subscribe(ctx)
}

// Errors delivers background failures: first-page history errors and
// server rejections of sent messages. Closed by Close.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

// State returns the live channel state.
func (e *Engine) State() transport.State {
	return e.tr.State()
}

// WatchState subscribes to live channel state changes.
func (e *Engine) WatchState(ctx context.Context) *conversation.Subscription[transport.StateChange] {
	return e.tr.Watch(ctx)
}

// Close stops the engine and its transport. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.switchMu.Lock()
		e.cancel()
		e.switchMu.Unlock()

		err = e.tr.Close()
		e.wg.Wait()

		e.merger.Close()
		e.activity.Close()
		e.seen.Close()
		close(e.errs)
		e.logger.Info("session closed")
	})
	return err
}

// dispatch decodes inbound frames and fans messages out by conversation.
func (e *Engine) dispatch() {
	defer e.wg.Done()

	for raw := range e.tr.Frames() {
		frame, err := chat.DecodeFrame(raw)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			e.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if frame.Kind == chat.FrameError {
			metrics.FramesDropped.WithLabelValues("server_error").Inc()
			e.logger.Warn("server rejected frame", "status", frame.Status, "errors", frame.Errors)
			e.report(&chat.RequestError{
				Op:         "send",
				Generation: e.cc.Current().Generation,
				Err:        fmt.Errorf("server rejected message: %s", describeErrors(frame)),
			})
			continue
		}

		msg := frame.Message
		key := frameKey{msg.ConversationID, msg.ID}
		if e.seen.Seen(key) {
			metrics.FramesDropped.WithLabelValues("duplicate").Inc()
			e.logger.Debug("dropping replayed frame",
				"conversation_id", msg.ConversationID,
				"message_id", msg.ID)
			continue
		}

		e.deliver(msg)
		e.seen.Mark(key)
	}
}

// deliver merges msg into the view when it belongs to the active
// conversation and otherwise announces it on Activity. The merge is
// synchronous, so the transport's frame channel backs up instead of the
// view losing messages. A switch racing this call leaves the token stale and
// the message is dropped; the new conversation's first page covers it.
func (e *Engine) deliver(msg chat.Message) {
	token := e.cc.Current()
	if !token.IsZero() && msg.ConversationID == token.ConversationID {
		e.merger.AcceptLive(token, msg)
		return
	}
	e.activity.Publish(msg.ConversationID, msg)
}

func (e *Engine) loadPage(ctx context.Context, token conversation.Token, beforeID int64) (int, error) {
	page, err := e.fetcher.Fetch(ctx, token, beforeID)
	if err != nil {
		if !e.cc.IsCurrent(token) {
			e.logger.Debug("ignoring failure of stale history request",
				"generation", token.Generation,
				"error", err)
			return 0, nil
		}
		return 0, err
	}

	n, accepted := e.merger.AcceptHistoryPage(token, page.Messages)
	if !accepted {
		return 0, nil
	}
	e.logger.Debug("history page merged",
		"conversation_id", token.ConversationID,
		"generation", token.Generation,
		"before_id", beforeID,
		"received", len(page.Messages),
		"inserted", n,
		"has_more", page.HasMore)
	return n, nil
}

func (e *Engine) report(err error) {
	if e.ctx.Err() != nil {
		return
	}
	e.logger.Warn("session error", "error", err)
	select {
	case e.errs <- err:
	default:
		e.logger.Warn("error channel full, dropping error", "error", err)
	}
}

func describeErrors(f chat.Frame) string {
	if len(f.Errors) == 0 {
		return f.Status
	}
	return fmt.Sprint(f.Errors)
}
