// ABOUTME: Builds a fully wired Engine from the loaded configuration and an authenticated REST client
// ABOUTME: Creates the credential provider, history loader, outbound queue and transport manager

package session

import (
	"fmt"
	"log/slog"

	"github.com/2389/chatsync/internal/api"
	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/credential"
	"github.com/2389/chatsync/internal/history"
	"github.com/2389/chatsync/internal/outbound"
	"github.com/2389/chatsync/internal/transport"
)

// TransportConfig maps the transport section of cfg onto a transport.Config.
func TransportConfig(cfg *config.Config) transport.Config {
	t := cfg.Transport
	tc := transport.DefaultConfig()
	tc.Backoff = transport.BackoffConfig{
		Initial:    t.InitialBackoff,
		Max:        t.MaxBackoff,
		Multiplier: t.BackoffMultiplier,
		Jitter:     t.Jitter,
	}
	tc.DialTimeout = t.DialTimeout
	tc.RefreshTimeout = t.RefreshTimeout
	tc.RefreshSkew = t.RefreshSkew
	tc.MaxReconnectAttempts = t.MaxReconnectAttempts
	tc.MaxRefreshFailures = t.MaxRefreshFailures
	return tc
}

// FromConfig builds an engine talking to the server cfg points at. client
// must already hold a session; senderID is the logged-in user's id.
func FromConfig(cfg *config.Config, client *api.Client, senderID string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := outbound.ParsePolicy(cfg.Outbound.Policy)
	if err != nil {
		return nil, fmt.Errorf("outbound policy: %w", err)
	}
	limiter := outbound.NewLimiter(cfg.Outbound.FlushRate, cfg.Outbound.FlushBurst)
	queue := outbound.New(policy, cfg.Outbound.Capacity, limiter, logger)

	tokens := credential.NewProvider(client, cfg.Transport.RefreshTimeout, logger)
	dialer := &transport.WebSocketDialer{URL: cfg.LiveEndpoint()}
	manager := transport.New(TransportConfig(cfg), dialer, tokens, queue, logger)

	return New(Options{
		Transport:  manager,
		Tokens:     tokens,
		History:    history.NewLoader(client, cfg.History.PageSize, cfg.History.RequestTimeout, logger),
		SenderID:   senderID,
		DedupeTTL:  cfg.Dedupe.TTL,
		DedupeSize: cfg.Dedupe.Size,
		Logger:     logger,
	})
}
