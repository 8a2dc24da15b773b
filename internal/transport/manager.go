// ABOUTME: Transport manager owning the single live connection and its reconnect supervisor
// ABOUTME: Refreshes credentials, backs off between attempts, exposes frames, state and outbound send

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/outbound"
)

var (
	// ErrAlreadyConnected is returned by Connect unless the manager is
	// Disconnected.
	ErrAlreadyConnected = errors.New("transport already connecting or open")

	// ErrReconnectExhausted wraps the last dial error once the configured
	// number of consecutive failed attempts is reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrRefreshExhausted wraps the last refresh error once the configured
	// number of consecutive credential refresh failures is reached.
	ErrRefreshExhausted = errors.New("credential refresh failures exhausted")
)

// TokenSource issues fresh live-channel credentials.
type TokenSource interface {
	Token(ctx context.Context) (chat.Credential, error)
}

// Config holds the manager's timing and retry limits.
type Config struct {
	Backoff        BackoffConfig
	DialTimeout    time.Duration
	RefreshTimeout time.Duration
	// RefreshSkew refreshes a credential this long before it expires.
	RefreshSkew  time.Duration
	WriteTimeout time.Duration
	// Zero means unlimited for both limits.
	MaxReconnectAttempts int
	MaxRefreshFailures   int
	FrameBuffer          int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:            DefaultBackoff(),
		DialTimeout:        10 * time.Second,
		RefreshTimeout:     10 * time.Second,
		RefreshSkew:        30 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRefreshFailures: 5,
		FrameBuffer:        256,
	}
}

// Manager owns the live connection. Inbound frames are delivered in order on
// Frames across reconnects; outbound messages go through Send.
type Manager struct {
	cfg    Config
	dialer Dialer
	tokens TokenSource
	queue  *outbound.Queue
	logger *slog.Logger

	// Swappable in tests.
	after func(time.Duration) <-chan time.Time
	now   func() time.Time

	stateMu sync.Mutex
	state   State
	lastErr error
	runDone chan struct{} // closed when the current supervisor exits
	watch   *conversation.Broadcaster[StateChange]

	connMu sync.RWMutex
	conn   Conn

	// sendMu serializes writes and the direct-write-or-enqueue decision.
	sendMu   sync.Mutex
	flushing bool

	frames    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a manager in the Disconnected state. tokens may be nil when
// credentials never need refreshing; queue nil means a default buffering
// queue of 100. Pass nil logger for default.
func New(cfg Config, dialer Dialer, tokens TokenSource, queue *outbound.Queue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == nil {
		queue = outbound.New(outbound.Buffer, 100, nil, logger)
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics.TransportState.Set(float64(Disconnected))

	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		tokens: tokens,
		queue:  queue,
		logger: logger.With("component", "transport"),
		after:  time.After,
		now:    time.Now,
		state:  Disconnected,
		watch:  conversation.NewBroadcaster[StateChange](logger, 64),
		frames: make(chan []byte, cfg.FrameBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect starts connecting with cred and returns immediately. An empty
// credential is fetched from the token source first. Connect is legal only
// from Disconnected, which is also where the manager lands after an
// unrecoverable failure.
func (m *Manager) Connect(cred chat.Credential) error {
	m.stateMu.Lock()
	switch m.state {
	case Closed:
		m.stateMu.Unlock()
		return chat.ErrClosed
	case Disconnected:
	default:
		m.stateMu.Unlock()
		return ErrAlreadyConnected
	}

	prev := m.runDone
	done := make(chan struct{})
	m.runDone = done
	m.lastErr = nil
	m.transitionLocked(Connecting, nil)
	m.stateMu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		m.run(cred)
	}()
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Err returns the most recent failure, or nil.
func (m *Manager) Err() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.lastErr
}

// Watch subscribes to state changes until ctx ends or the handle is
// unsubscribed.
func (m *Manager) Watch(ctx context.Context) *conversation.Subscription[StateChange] {
	return m.watch.Subscribe(ctx)
}

// Frames returns the inbound frame stream. It is closed only by Close.
func (m *Manager) Frames() <-chan []byte {
	return m.frames
}

// Queue returns the outbound queue.
func (m *Manager) Queue() *outbound.Queue {
	return m.queue
}

// Send writes msg immediately when the connection is open and nothing is
// queued ahead of it; otherwise it goes to the outbound queue.
func (m *Manager) Send(ctx context.Context, msg chat.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		metrics.OutboundRejected.WithLabelValues("invalid").Inc()
		return err
	}

	m.sendMu.Lock()
	state := m.State()
	if state == Closed {
		m.sendMu.Unlock()
		return chat.ErrClosed
	}

	if state == Open && !m.flushing && m.queue.Len() == 0 {
		err := m.write(ctx, msg)
		if err == nil || m.queue.Policy() == outbound.Drop {
			m.sendMu.Unlock()
			return err
		}
		m.logger.Warn("write failed, queueing message",
			"conversation_id", msg.ConversationID,
			"error", err)
	}

	_, err := m.queue.Enqueue(msg)
	m.sendMu.Unlock()
	if err != nil {
		return err
	}

	if m.State() == Open {
		go m.flush(m.ctx)
	}
	return nil
}

// Close moves to Closed, tears down the connection and closes Frames and
// every Watch subscription. Queued messages are discarded. Safe to call
// more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.stateMu.Lock()
		m.transitionLocked(Closed, nil)
		done := m.runDone
		m.stateMu.Unlock()

		m.cancel()
		if done != nil {
			<-done
		}

		if dropped := m.queue.Clear(); len(dropped) > 0 {
			m.logger.Warn("discarded queued messages on close", "count", len(dropped))
		}
		close(m.frames)
		m.watch.Close()
	})
	return nil
}

// run is the connection supervisor. It returns on Close or after an
// unrecoverable failure has moved the manager to Disconnected.
func (m *Manager) run(cred chat.Credential) {
	ctx := m.ctx
	bo := m.cfg.Backoff.newBackOff()

	var (
		used            bool               // cred already spent on a handshake
		fresh           = cred.Token != "" // cred not yet tried
		attempts        int
		refreshFailures int
	)

	for {
		if m.needsRefresh(cred, used) {
			next, err := m.refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				refreshFailures++
				if chat.IsAuth(err) {
					m.fail(err)
					return
				}
				if limit := m.cfg.MaxRefreshFailures; limit > 0 && refreshFailures >= limit {
					m.fail(fmt.Errorf("%w: %w", ErrRefreshExhausted, err))
					return
				}
				if !m.enter(Reconnecting, err) || !m.sleep(ctx, bo.NextBackOff()) {
					return
				}
				continue
			}
			cred, used, fresh, refreshFailures = next, false, true, 0
		}

		if !m.enter(Connecting, nil) {
			return
		}

		conn, err := m.dial(ctx, cred)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if chat.IsAuth(err) {
				if fresh {
					m.fail(err)
					return
				}
				// A credential that already worked once was consumed or
				// revoked; fetch another before the next attempt.
				cred = chat.Credential{}
			}
			fresh = false
			attempts++
			if limit := m.cfg.MaxReconnectAttempts; limit > 0 && attempts >= limit {
				m.fail(fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err))
				return
			}
			if !m.enter(Reconnecting, err) || !m.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		used, fresh, attempts = true, false, 0
		bo.Reset()

		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if !m.enter(Reconnecting, err) || !m.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// serve runs one open connection until it breaks.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()
		_ = conn.Close()
	}()

	if !m.enter(Open, nil) {
		return chat.ErrClosed
	}

	go m.flush(ctx)

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return &chat.TransportError{Op: "read", Err: err}
		}
		metrics.FramesReceived.Inc()

		select {
		case m.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush drains the outbound queue while the connection stays open. Only one
// flush runs at a time; Send queues behind a running flush.
func (m *Manager) flush(ctx context.Context) {
	m.sendMu.Lock()
	if m.flushing {
		m.sendMu.Unlock()
		return
	}
	m.flushing = true
	m.sendMu.Unlock()

	for {
		_, err := m.queue.Flush(ctx, m.sendEntry)

		m.sendMu.Lock()
		if err != nil || m.queue.Len() == 0 || m.State() != Open {
			m.flushing = false
			m.sendMu.Unlock()
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("outbound flush interrupted", "pending", m.queue.Len(), "error", err)
			}
			return
		}
		m.sendMu.Unlock()
	}
}

func (m *Manager) sendEntry(ctx context.Context, e outbound.Entry) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.write(ctx, e.Message)
}

// write must be called with sendMu held.
func (m *Manager) write(ctx context.Context, msg chat.OutboundMessage) error {
	data, err := chat.EncodeOutbound(msg)
	if err != nil {
		return err
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return &chat.TransportError{Op: "write", Err: chat.ErrNotOpen}
	}

	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	if err := conn.Write(ctx, data); err != nil {
		return &chat.TransportError{Op: "write", Err: err}
	}

	metrics.OutboundSent.Inc()
	return nil
}

func (m *Manager) needsRefresh(cred chat.Credential, used bool) bool {
	return cred.Token == "" ||
		(cred.SingleUse && used) ||
		cred.ExpiresWithin(m.now(), m.cfg.RefreshSkew)
}

func (m *Manager) refresh(ctx context.Context) (chat.Credential, error) {
	if m.tokens == nil {
		return chat.Credential{}, &chat.AuthError{Reason: "credential needs refreshing and no token source is configured"}
	}

	if m.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RefreshTimeout)
		defer cancel()
	}

	cred, err := m.tokens.Token(ctx)
	if err != nil {
		m.logger.Warn("credential refresh failed", "error", err)
		return chat.Credential{}, err
	}
	m.logger.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
	return cred, nil
}

func (m *Manager) dial(ctx context.Context, cred chat.Credential) (Conn, error) {
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := m.dialer.Dial(ctx, cred)
	if err != nil {
		var authErr *chat.AuthError
		var transportErr *chat.TransportError
		if errors.As(err, &authErr) || errors.As(err, &transportErr) {
			return nil, err
		}
		return nil, &chat.TransportError{Op: "dial", Err: err}
	}
	return conn, nil
}

// sleep waits out one backoff delay. Returns false if the manager closed.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	metrics.Reconnects.Inc()
	m.logger.Debug("waiting before reconnect", "delay", d)

	select {
	case <-m.after(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) fail(err error) {
	m.logger.Error("live connection gave up", "error", err)
	m.enter(Disconnected, err)
}

// enter moves to state to, treating a repeat of the current state as a
// no-op except for Reconnecting, which is re-published to surface each
// failure. Returns false if the transition is illegal (the manager closed).
func (m *Manager) enter(to State, err error) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.state == to && to != Reconnecting {
		return true
	}
	return m.transitionLocked(to, err)
}

// transitionLocked must be called with stateMu held.
func (m *Manager) transitionLocked(to State, err error) bool {
	from := m.state
	if !from.CanTransition(to) {
		return false
	}

	m.state = to
	if err != nil {
		m.lastErr = err
	}
	metrics.TransportState.Set(float64(to))

	if err != nil {
		m.logger.Warn("transport state changed", "from", from.String(), "to", to.String(), "error", err)
	} else {
		m.logger.Info("transport state changed", "from", from.String(), "to", to.String())
	}

	m.watch.Publish(0, StateChange{From: from, To: to, Err: err, At: m.now()})
	return true
}
