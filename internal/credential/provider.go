// ABOUTME: Live-channel token provider backed by GET /api/ws-token
// ABOUTME: Concurrent refreshes are coalesced into one request and bounded by a timeout

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/chatsync/internal/api"
	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/metrics"
)

// DefaultTTL is assumed when the server omits websocket_token_expires_in.
const DefaultTTL = 5 * time.Minute

// Provider issues live-channel credentials.
type Provider struct {
	client  *api.Client
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group
	logger  *slog.Logger
}

// NewProvider creates a provider. A non-positive timeout disables the
// provider's own deadline (the caller's context still applies).
func NewProvider(client *api.Client, timeout time.Duration, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client:  client,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With("component", "credential"),
	}
}

// Token requests a fresh credential. Callers racing on Token share one
// request and its result.
func (p *Provider) Token(ctx context.Context) (chat.Credential, error) {
	if err := p.client.CheckSession(p.now()); err != nil {
		metrics.CredentialRefreshes.WithLabelValues("error").Inc()
		return chat.Credential{}, err
	}

	ch := p.group.DoChan("ws-token", func() (any, error) {
		// Detached from any single caller so one caller's cancellation does
		// not fail the others sharing this request.
		fetchCtx := context.WithoutCancel(ctx)
		if p.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, p.timeout)
			defer cancel()
		}
		return p.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			metrics.CredentialRefreshes.WithLabelValues("error").Inc()
			return chat.Credential{}, res.Err
		}
		metrics.CredentialRefreshes.WithLabelValues("ok").Inc()
		return res.Val.(chat.Credential), nil
	case <-ctx.Done():
		return chat.Credential{}, &chat.RequestError{Op: "ws_token", Err: ctx.Err()}
	}
}

func (p *Provider) fetch(ctx context.Context) (chat.Credential, error) {
	issuedAt := p.now()

	data, err := p.client.Get(ctx, "ws_token", "/api/ws-token", nil)
	if err != nil {
		var reqErr *chat.RequestError
		if errors.As(err, &reqErr) && errors.Is(err, context.DeadlineExceeded) {
			reqErr.Err = fmt.Errorf("timed out after %s: %w", p.timeout, reqErr.Err)
		}
		p.logger.Warn("credential refresh failed", "error", err)
		return chat.Credential{}, err
	}

	token := data.Get("websocket_token").String()
	if token == "" {
		return chat.Credential{}, &chat.RequestError{Op: "ws_token", Err: errors.New("response has no websocket_token")}
	}

	ttl := DefaultTTL
	if secs := data.Get("websocket_token_expires_in").Int(); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	// Opaque tokens are deleted server-side on first use.
	tokenType := data.Get("token_type").String()
	cred := chat.Credential{
		Token:     token,
		ExpiresAt: issuedAt.Add(ttl),
		SingleUse: tokenType == "" || tokenType == "opaque",
	}

	p.logger.Debug("credential issued",
		"token_type", tokenType,
		"expires_in", ttl)
	return cred, nil
}
