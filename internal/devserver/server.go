// ABOUTME: HTTP and WebSocket surface of the development chat server
// ABOUTME: Serves the REST envelope API, issues live tickets and relays messages to participants

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/2389/chatsync/internal/chat"
)

// SessionCookie carries the session JWT.
const SessionCookie = "access_token"

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodySize     = 1 << 20
)

type ctxKey struct{}

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Server is the development chat server.
type Server struct {
	store    *Store
	sessions *Sessions
	tickets  *Tickets
	hub      *Hub
	logger   *slog.Logger
	now      func() time.Time
	mux      *http.ServeMux
}

// NewServer wires the store, session signer and ticket store into an HTTP
// handler. Pass nil logger for default.
func NewServer(store *Store, sessions *Sessions, tickets *Tickets, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		sessions: sessions,
		tickets:  tickets,
		hub:      NewHub(5*time.Second, logger),
		logger:   logger.With("component", "devserver"),
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /register", s.handleRegister)

	s.mux.Handle("GET /api/userinfo", s.requireSession(s.handleUserInfo))
	s.mux.Handle("GET /api/users", s.requireSession(s.handleUsers))
	s.mux.Handle("GET /api/conversation", s.requireSession(s.handleConversations))
	s.mux.Handle("POST /api/conversation", s.requireSession(s.handleCreateConversation))
	s.mux.Handle("GET /api/conversation/{id}/messages", s.requireSession(s.handleMessages))
	s.mux.Handle("GET /api/conversation/{id}/participant", s.requireSession(s.handleParticipant))
	s.mux.Handle("GET /api/ws-token", s.requireSession(s.handleWSToken))

	// Authorized by the single-use ticket, not the session cookie.
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// DropConnections abruptly closes every live connection and returns how
// many there were.
func (s *Server) DropConnections() int {
	n := s.hub.CloseAll()
	s.logger.Info("dropped live connections", "count", n)
	return n
}

// ActiveConnections returns the number of open live connections.
func (s *Server) ActiveConnections() int {
	return s.hub.ActiveConnections()
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (r credentialsRequest) validate() map[string]string {
	errs := map[string]string{}
	if n := utf8.RuneCountInString(r.Username); n < 4 || n > 22 {
		errs["username"] = "username must be 4 to 22 characters"
	}
	if n := utf8.RuneCountInString(r.Password); n < 5 || n > 20 {
		errs["password"] = "password must be 5 to 20 characters"
	}
	return errs
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, errs)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		s.internalError(w, "hashing password", err)
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, hash)
	if errors.Is(err, ErrUsernameTaken) {
		writeError(w, http.StatusBadRequest, map[string]string{"username": "username already taken"})
		return
	}
	if err != nil {
		s.internalError(w, "creating user", err)
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	s.startSession(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.store.UserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.internalError(w, "looking up user", err)
		return
	}
	if err != nil || !CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, map[string]string{"credentials": "invalid username or password"})
		return
	}

	s.startSession(w, user)
}

func (s *Server) startSession(w http.ResponseWriter, user User) {
	token, err := s.sessions.Issue(user.ID)
	if err != nil {
		s.internalError(w, "signing session", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  s.now().Add(s.sessions.TTL()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeSuccess(w, nil)
}

// requireSession rejects requests without a valid session cookie and puts
// the user id in the request context.
func (s *Server) requireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookie)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, map[string]string{"session": "missing session"})
			return
		}
		userID, err := s.sessions.Verify(cookie.Value)
		if err != nil {
			msg := "invalid session"
			if errors.Is(err, ErrExpiredToken) {
				msg = "session expired"
			}
			writeError(w, http.StatusUnauthorized, map[string]string{"session": msg})
			return
		}
		next(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.UserByID(r.Context(), userIDFrom(r.Context()))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusUnauthorized, map[string]string{"session": "user no longer exists"})
		return
	}
	if err != nil {
		s.internalError(w, "looking up user", err)
		return
	}
	writeSuccess(w, userResponse{ID: user.ID, Username: user.Username})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.UsersExcept(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.internalError(w, "listing users", err)
		return
	}
	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = userResponse{ID: u.ID, Username: u.Username}
	}
	writeSuccess(w, out)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ConversationsFor(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.internalError(w, "listing conversations", err)
		return
	}
	if convs == nil {
		convs = []ConversationSummary{}
	}
	writeSuccess(w, convs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	me := userIDFrom(ctx)

	other, err := s.store.UserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, map[string]string{"username": "user not found"})
		return
	}
	if err != nil {
		s.internalError(w, "looking up user", err)
		return
	}
	if other.ID == me {
		writeError(w, http.StatusBadRequest, map[string]string{"username": "you cannot start a conversation with yourself"})
		return
	}

	id, err := s.store.FindOrCreateConversation(ctx, me, other.ID)
	if err != nil {
		s.internalError(w, "creating conversation", err)
		return
	}
	writeSuccess(w, map[string]int64{"conversation_id": id})
}

// conversationParam parses {id} and checks the caller takes part in it.
func (s *Server) conversationParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, map[string]string{"conversation_id": "invalid conversation id"})
		return 0, false
	}
	ok, err := s.store.IsParticipant(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		s.internalError(w, "checking participant", err)
		return 0, false
	}
	if !ok {
		writeError(w, http.StatusForbidden, map[string]string{"conversation_id": "not a participant"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := defaultPageSize
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = min(l, maxPageSize)
	}
	var beforeID int64
	if raw := q.Get("before_id"); raw != "" {
		b, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || b <= 0 {
			writeError(w, http.StatusBadRequest, map[string]string{"before_id": "invalid before_id"})
			return
		}
		beforeID = b
	}

	msgs, err := s.store.Messages(r.Context(), id, beforeID, limit)
	if err != nil {
		s.internalError(w, "listing messages", err)
		return
	}
	writeSuccess(w, msgs)
}

func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := s.conversationParam(w, r)
	if !ok {
		return
	}
	other, err := s.store.OtherParticipant(r.Context(), id, userIDFrom(r.Context()))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, map[string]string{"conversation_id": "conversation not found"})
		return
	}
	if err != nil {
		s.internalError(w, "looking up participant", err)
		return
	}
	writeSuccess(w, userResponse{ID: other.ID, Username: other.Username})
}

func (s *Server) handleWSToken(w http.ResponseWriter, r *http.Request) {
	token := s.tickets.Issue(userIDFrom(r.Context()))
	writeSuccess(w, map[string]any{
		"websocket_token":            token,
		"token_type":                 "opaque",
		"websocket_token_expires_in": int(s.tickets.TTL().Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.tickets.Consume(r.URL.Query().Get("websocket_token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, map[string]string{"websocket_token": "invalid or expired token"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	s.hub.HandleConnection(r.Context(), conn, userID, s.handleFrame)
}

type incomingMessage struct {
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
}

// handleFrame validates, stores and relays one outbound client message.
// Invalid frames are answered with an error frame on the same connection.
func (s *Server) handleFrame(ctx context.Context, c *Connection, data []byte) {
	errs := map[string]string{}

	var msg incomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		errs["internal"] = "invalid JSON format"
	}
	if strings.TrimSpace(msg.Text) == "" {
		errs["text"] = "message text cannot be empty"
	}
	if msg.ConversationID <= 0 {
		errs["conversation"] = "invalid conversation id"
	} else if len(errs) == 0 {
		ok, err := s.store.IsParticipant(ctx, msg.ConversationID, c.UserID)
		if err != nil {
			s.logger.Error("checking participant", "error", err)
			return
		}
		if !ok {
			errs["conversation"] = "not a participant"
		}
	}

	if len(errs) > 0 {
		s.hub.SendJSON(c, map[string]any{
			"status": http.StatusText(http.StatusBadRequest),
			"errors": errs,
		})
		return
	}

	stored, err := s.store.InsertMessage(ctx, msg.ConversationID, c.UserID, msg.Text, s.now())
	if err != nil {
		s.logger.Error("failed to store message", "error", err)
		return
	}
	s.Relay(ctx, stored)
}

// Relay delivers a stored message to every participant's connections.
func (s *Server) Relay(ctx context.Context, msg chat.Message) {
	participants, err := s.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		s.logger.Error("failed to load participants", "conversation_id", msg.ConversationID, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", "error", err)
		return
	}
	sent := s.hub.SendTo(participants, data)
	s.logger.Debug("message relayed",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"connections", sent)
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "error", err)
	writeError(w, http.StatusInternalServerError, map[string]string{"internal": "internal server error"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, map[string]string{"body": "invalid JSON body"})
		return false
	}
	return true
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": http.StatusText(http.StatusOK),
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, status int, errs map[string]string) {
	writeJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"data":   errs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
