// ABOUTME: History loader fetching pages of past messages for a conversation generation
// ABOUTME: Every result carries the token it was requested under; failures are *chat.RequestError

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/chatsync/internal/api"
	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/metrics"
)

// DefaultPageSize matches the server's default limit.
const DefaultPageSize = 20

// Page is one history response. Messages are in the server's order, newest
// first.
type Page struct {
	Token    conversation.Token
	BeforeID int64
	Messages []chat.Message
	// HasMore is true when the page came back full, so an older page may exist.
	HasMore bool
}

// Loader fetches history pages. It never retries; a failed page is reported
// to the caller for its generation only.
type Loader struct {
	client   *api.Client
	pageSize int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewLoader creates a loader. Non-positive pageSize uses DefaultPageSize; a
// non-positive timeout leaves only the caller's deadline.
func NewLoader(client *api.Client, pageSize int, timeout time.Duration, logger *slog.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		client:   client,
		pageSize: pageSize,
		timeout:  timeout,
		logger:   logger.With("component", "history"),
	}
}

// Fetch requests the page of messages older than beforeID (0 for the newest
// page) in the token's conversation.
func (l *Loader) Fetch(ctx context.Context, token conversation.Token, beforeID int64) (Page, error) {
	if token.ConversationID <= 0 {
		return Page{}, &chat.RequestError{Op: "history", Generation: token.Generation, Err: chat.ErrNoConversation}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	query := url.Values{"limit": {strconv.Itoa(l.pageSize)}}
	if beforeID > 0 {
		query.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	path := "/api/conversation/" + strconv.FormatInt(token.ConversationID, 10) + "/messages"

	start := time.Now()
	data, err := l.client.Get(ctx, "history", path, query)
	if err != nil {
		metrics.HistoryRequestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		l.logger.Warn("history page failed",
			"conversation_id", token.ConversationID,
			"generation", token.Generation,
			"before_id", beforeID,
			"error", err)
		return Page{}, tagGeneration(err, token.Generation)
	}
	metrics.HistoryRequestDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	// A null or absent data field is an empty page; any other non-array
	// shape is a server fault.
	var msgs []chat.Message
	switch {
	case data.Type == gjson.Null:
	case data.IsArray():
		if err := json.Unmarshal([]byte(data.Raw), &msgs); err != nil {
			return Page{}, &chat.RequestError{
				Op:         "history",
				Generation: token.Generation,
				Err:        fmt.Errorf("decoding page: %w", err),
			}
		}
	default:
		l.logger.Warn("history page has unexpected shape",
			"conversation_id", token.ConversationID,
			"generation", token.Generation,
			"type", data.Type.String())
		return Page{}, &chat.RequestError{
			Op:         "history",
			Generation: token.Generation,
			Err:        fmt.Errorf("decoding page: expected an array, got %s", data.Type),
		}
	}

	l.logger.Debug("history page loaded",
		"conversation_id", token.ConversationID,
		"generation", token.Generation,
		"before_id", beforeID,
		"count", len(msgs))

	return Page{
		Token:    token,
		BeforeID: beforeID,
		Messages: msgs,
		HasMore:  len(msgs) >= l.pageSize,
	}, nil
}

// tagGeneration stamps the generation onto a request error. Auth errors
// pass through unchanged so callers can still detect them.
func tagGeneration(err error, generation uint64) error {
	var reqErr *chat.RequestError
	if errors.As(err, &reqErr) {
		reqErr.Generation = generation
		return reqErr
	}
	if chat.IsAuth(err) {
		return err
	}
	return &chat.RequestError{Op: "history", Generation: generation, Err: err}
}
