// ABOUTME: REST client for the chat server: cookie session, {status,data} envelope, error extraction
// ABOUTME: Shared by the credential provider, history loader and directory operations

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/2389/chatsync/internal/chat"
)

// SessionCookie is the cookie carrying the session JWT.
const SessionCookie = "access_token"

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 4 << 20

// Client talks to the chat server's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu          sync.RWMutex
	accessToken string
}

// New creates a client. accessToken may be empty until Login or Register.
// Pass nil httpClient for a client with a 30s timeout and nil logger for
// default.
func New(baseURL, accessToken string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		http:        httpClient,
		logger:      logger.With("component", "api"),
		accessToken: accessToken,
	}
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// AccessToken returns the current session token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken replaces the session token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SessionExpiry reads the exp claim of the session token without verifying
// its signature; only the server can verify it. ok is false when there is no
// token or it carries no expiry.
func (c *Client) SessionExpiry() (exp time.Time, ok bool) {
	token := c.AccessToken()
	if token == "" {
		return time.Time{}, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckSession fails fast with *chat.AuthError when there is no session or
// the session JWT has expired, sparing a round trip that would return 401.
func (c *Client) CheckSession(now time.Time) error {
	if c.AccessToken() == "" {
		return &chat.AuthError{Reason: "not logged in"}
	}
	if exp, ok := c.SessionExpiry(); ok && !now.Before(exp) {
		return &chat.AuthError{Reason: "session expired", Err: jwt.ErrTokenExpired}
	}
	return nil
}

// response is a decoded envelope.
type response struct {
	data    gjson.Result
	cookies []*http.Cookie
}

// Get issues an authenticated GET and returns the envelope's data field.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values) (gjson.Result, error) {
	resp, err := c.do(ctx, op, http.MethodGet, path, query, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.data, nil
}

// Post issues an authenticated JSON POST and returns the envelope's data field.
func (c *Client) Post(ctx context.Context, op, path string, body any) (gjson.Result, error) {
	resp, err := c.do(ctx, op, http.MethodPost, path, nil, body)
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.data, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (*response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &chat.RequestError{Op: op, Err: fmt.Errorf("marshaling request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &chat.RequestError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &chat.RequestError{Op: op, Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &chat.RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.logger.Debug("api request",
		"op", op,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse(op, resp.StatusCode, raw)
	}

	if len(raw) > 0 && !gjson.ValidBytes(raw) {
		return nil, &chat.RequestError{Op: op, StatusCode: resp.StatusCode, Err: errors.New("response is not valid JSON")}
	}

	return &response{
		data:    gjson.GetBytes(raw, "data"),
		cookies: resp.Cookies(),
	}, nil
}

// errorFromResponse classifies a non-2xx response. 401 becomes
// *chat.AuthError; everything else *chat.RequestError.
func errorFromResponse(op string, status int, raw []byte) error {
	msg := ErrorMessage(raw)
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status == http.StatusUnauthorized {
		return &chat.AuthError{Reason: msg}
	}
	return &chat.RequestError{Op: op, StatusCode: status, Err: errors.New(msg)}
}

// ErrorMessage extracts a human readable message from an error body. The
// server sends {"status":..., "data": {field: message}}; the first field in
// document order wins. "errors", "error" and "message" are also understood.
func ErrorMessage(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return strings.TrimSpace(string(raw))
	}

	for _, path := range []string{"data", "errors"} {
		field := gjson.GetBytes(raw, path)
		if field.IsObject() {
			var msg string
			field.ForEach(func(_, value gjson.Result) bool {
				msg = value.String()
				return false
			})
			if msg != "" {
				return msg
			}
		}
		if field.Type == gjson.String {
			return field.String()
		}
	}

	for _, path := range []string{"error", "message"} {
		if v := gjson.GetBytes(raw, path); v.Exists() {
			return v.String()
		}
	}
	return ""
}
