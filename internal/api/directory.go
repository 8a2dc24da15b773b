// ABOUTME: Session and directory operations: login, register, user and conversation lookups
// ABOUTME: Thin wrappers over the REST envelope used by the terminal client

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/2389/chatsync/internal/chat"
)

// User is a directory entry.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ConversationSummary is one entry of the caller's conversation list. Username
// is the other participant.
type ConversationSummary struct {
	ConversationID int64  `json:"conversation_id"`
	Username       string `json:"username"`
}

// Credentials is the login and register payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate applies the server's length rules so obvious mistakes fail
// without a round trip.
func (c Credentials) Validate() error {
	if n := utf8.RuneCountInString(c.Username); n < 4 || n > 22 {
		return fmt.Errorf("username must be 4 to 22 characters")
	}
	if n := utf8.RuneCountInString(c.Password); n < 5 || n > 20 {
		return fmt.Errorf("password must be 5 to 20 characters")
	}
	return nil
}

// Login authenticates and stores the session cookie.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	return c.authenticate(ctx, "login", "/login", creds)
}

// Register creates an account and stores the session cookie.
func (c *Client) Register(ctx context.Context, creds Credentials) error {
	return c.authenticate(ctx, "register", "/register", creds)
}

func (c *Client) authenticate(ctx context.Context, op, path string, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return &chat.RequestError{Op: op, StatusCode: http.StatusBadRequest, Err: err}
	}

	resp, err := c.do(ctx, op, http.MethodPost, path, nil, creds)
	if err != nil {
		return err
	}

	for _, cookie := range resp.cookies {
		if cookie.Name == SessionCookie && cookie.Value != "" {
			c.SetAccessToken(cookie.Value)
			c.logger.Info("session established", "op", op, "username", creds.Username)
			return nil
		}
	}
	return &chat.AuthError{Reason: op + " response carried no session cookie"}
}

// UserInfo returns the logged-in user.
func (c *Client) UserInfo(ctx context.Context) (User, error) {
	var u User
	err := c.getInto(ctx, "userinfo", "/api/userinfo", &u)
	return u, err
}

// Users lists every other user.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var users []User
	err := c.getInto(ctx, "users", "/api/users", &users)
	return users, err
}

// Conversations lists the caller's conversations.
func (c *Client) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var convs []ConversationSummary
	err := c.getInto(ctx, "conversations", "/api/conversation", &convs)
	return convs, err
}

// CreateConversation opens (or returns the existing) conversation with
// username.
func (c *Client) CreateConversation(ctx context.Context, username string) (int64, error) {
	data, err := c.Post(ctx, "create_conversation", "/api/conversation", map[string]string{"username": username})
	if err != nil {
		return 0, err
	}
	id := data.Get("conversation_id").Int()
	if id <= 0 {
		return 0, &chat.RequestError{Op: "create_conversation", Err: fmt.Errorf("response has no conversation_id")}
	}
	return id, nil
}

// Participant returns the other participant of a conversation.
func (c *Client) Participant(ctx context.Context, conversationID int64) (User, error) {
	var u User
	path := "/api/conversation/" + strconv.FormatInt(conversationID, 10) + "/participant"
	err := c.getInto(ctx, "participant", path, &u)
	return u, err
}

func (c *Client) getInto(ctx context.Context, op, path string, dst any) error {
	data, err := c.Get(ctx, op, path, nil)
	if err != nil {
		return err
	}
	if data.Type == gjson.Null {
		return nil
	}
	if err := json.Unmarshal([]byte(data.Raw), dst); err != nil {
		return &chat.RequestError{Op: op, Err: fmt.Errorf("decoding %s: %w", op, err)}
	}
	return nil
}
