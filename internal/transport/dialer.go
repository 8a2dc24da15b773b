// ABOUTME: Dialer and Conn abstractions for the live channel, plus the coder/websocket implementation
// ABOUTME: Handshake rejections (401/403) become *chat.AuthError; other failures *chat.TransportError

package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/2389/chatsync/internal/chat"
)

// Conn is one established live connection. Read and Write may be called
// concurrently with each other, but not with themselves.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a live connection authorized by cred.
type Dialer interface {
	Dial(ctx context.Context, cred chat.Credential) (Conn, error)
}

// WebSocketDialer dials the live channel over WebSocket, passing the
// credential as the websocket_token query parameter.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	// ReadLimit caps inbound frame size in bytes; 0 keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, cred chat.Credential) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &chat.TransportError{Op: "dial", Err: fmt.Errorf("parsing live url: %w", err)}
	}
	q := u.Query()
	q.Set("websocket_token", cred.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &chat.AuthError{Reason: "live credential rejected", Err: err}
		}
		return nil, &chat.TransportError{Op: "dial", Err: err}
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
		// The protocol is text only; binary frames are skipped.
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
