// ABOUTME: Registry of live WebSocket connections keyed by user for the dev server
// ABOUTME: Delivers frames to every connection of the given users with a per-write timeout

package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Connection is one accepted live connection.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Hub tracks live connections. A user may hold several.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Connection         // connection id -> connection
	byUser map[string]map[string]struct{} // user id -> connection ids

	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(writeTimeout time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:        make(map[string]*Connection),
		byUser:       make(map[string]map[string]struct{}),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "devserver.hub"),
	}
}

// HandleConnection registers conn for userID and runs its read loop,
// passing every text frame to onFrame. Blocks until the connection closes.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID string, onFrame func(ctx context.Context, c *Connection, data []byte)) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(c)
	defer h.unregister(c)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		onFrame(ctx, c, data)
	}
}

// SendTo writes data to every connection of each user in userIDs.
func (h *Hub) SendTo(userIDs []string, data []byte) int {
	h.mu.RLock()
	var targets []*Connection
	for _, uid := range userIDs {
		for id := range h.byUser[uid] {
			targets = append(targets, h.conns[id])
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := h.send(c, data); err != nil {
			h.logger.Warn("failed to deliver frame",
				"connection_id", c.ID,
				"user_id", c.UserID,
				"error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendJSON marshals v and writes it to one connection.
func (h *Hub) SendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal frame", "connection_id", c.ID, "error", err)
		return
	}
	if err := h.send(c, data); err != nil {
		h.logger.Warn("failed to send frame", "connection_id", c.ID, "error", err)
	}
}

func (h *Hub) send(c *Connection, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.Conn.Write(ctx, websocket.MessageText, data)
}

// ActiveConnections returns the number of open connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll tears down every connection without a close handshake, the way a
// crashed or restarted server would, and returns how many were closed.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
		c.Conn.CloseNow()
	}
	return len(conns)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[string]struct{})
	}
	h.byUser[c.UserID][c.ID] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("live connection opened",
		"connection_id", c.ID,
		"user_id", c.UserID,
		"active", total)
}

func (h *Hub) unregister(c *Connection) {
	c.cancel()
	c.Conn.CloseNow()

	h.mu.Lock()
	delete(h.conns, c.ID)
	if ids := h.byUser[c.UserID]; ids != nil {
		delete(ids, c.ID)
		if len(ids) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("live connection closed",
		"connection_id", c.ID,
		"user_id", c.UserID,
		"active", total)
}
