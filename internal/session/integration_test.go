// ABOUTME: End-to-end tests running the engine against the dev server over real HTTP and WebSocket
// ABOUTME: Exercises reconnect after a server-side drop and verifies the view never duplicates a message

package session

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatsync/internal/api"
	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/credential"
	"github.com/2389/chatsync/internal/devserver"
	"github.com/2389/chatsync/internal/history"
	"github.com/2389/chatsync/internal/outbound"
	"github.com/2389/chatsync/internal/transport"
)

type liveEnv struct {
	srv *devserver.Server
	ts  *httptest.Server
}

func newLiveEnv(t *testing.T) *liveEnv {
	t.Helper()
	store, err := devserver.OpenStore(filepath.Join(t.TempDir(), "chat.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv := devserver.NewServer(store,
		devserver.NewSessions([]byte(strings.Repeat("k", 32)), time.Hour),
		devserver.NewTickets(5*time.Minute),
		nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &liveEnv{srv: srv, ts: ts}
}

func (env *liveEnv) liveURL() string {
	return "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/ws"
}

func (env *liveEnv) register(t *testing.T, username string) *api.Client {
	t.Helper()
	c := api.New(env.ts.URL, "", env.ts.Client(), nil)
	require.NoError(t, c.Register(context.Background(), api.Credentials{Username: username, Password: "secret1"}))
	return c
}

// say posts one message as c over a short-lived live connection.
func (env *liveEnv) say(t *testing.T, c *api.Client, conversationID int64, text string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cred, err := credential.NewProvider(c, 5*time.Second, nil).Token(ctx)
	require.NoError(t, err)
	conn, err := (&transport.WebSocketDialer{URL: env.liveURL()}).Dial(ctx, cred)
	require.NoError(t, err)
	defer conn.Close()

	out, err := chat.EncodeOutbound(chat.OutboundMessage{ConversationID: conversationID, Text: text})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, out))

	// The sender is a participant, so the relay comes back to it.
	_, err = conn.Read(ctx)
	require.NoError(t, err)
}

func (env *liveEnv) engine(t *testing.T, c *api.Client) (*Engine, *transport.Manager) {
	t.Helper()

	cfg := transport.DefaultConfig()
	cfg.Backoff = transport.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	cfg.DialTimeout = 5 * time.Second
	cfg.RefreshTimeout = 5 * time.Second

	provider := credential.NewProvider(c, 5*time.Second, nil)
	queue := outbound.New(outbound.Buffer, 10, nil, nil)
	manager := transport.New(cfg, &transport.WebSocketDialer{URL: env.liveURL()}, provider, queue, nil)

	me, err := c.UserInfo(context.Background())
	require.NoError(t, err)

	e, err := New(Options{
		Transport: manager,
		Tokens:    provider,
		History:   history.NewLoader(c, 20, 5*time.Second, nil),
		SenderID:  me.ID,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, manager
}

func texts(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func waitForTexts(t *testing.T, e *Engine, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, texts(e.View()))
	}, 5*time.Second, 10*time.Millisecond, "view = %v, want %v", texts(e.View()), want)
}

func TestIntegration_HistoryThenLive(t *testing.T) {
	env := newLiveEnv(t)
	ctx := context.Background()

	alice := env.register(t, "alice")
	bob := env.register(t, "bobby")
	conv, err := alice.CreateConversation(ctx, "bobby")
	require.NoError(t, err)

	env.say(t, bob, conv, "before 1")
	env.say(t, bob, conv, "before 2")

	e, manager := env.engine(t, alice)
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return manager.State() == transport.Open }, 5*time.Second, 10*time.Millisecond)

	_, err = e.SwitchTo(ctx, conv)
	require.NoError(t, err)
	waitForTexts(t, e, []string{"before 1", "before 2"})

	env.say(t, bob, conv, "live 1")
	waitForTexts(t, e, []string{"before 1", "before 2", "live 1"})

	require.NoError(t, e.Send(ctx, "reply"))
	waitForTexts(t, e, []string{"before 1", "before 2", "live 1", "reply"})
}

func TestIntegration_ReconnectDoesNotDuplicate(t *testing.T) {
	env := newLiveEnv(t)
	ctx := context.Background()

	alice := env.register(t, "alice")
	bob := env.register(t, "bobby")
	conv, err := alice.CreateConversation(ctx, "bobby")
	require.NoError(t, err)

	e, manager := env.engine(t, alice)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	states := manager.Watch(watchCtx)

	require.NoError(t, e.Start(ctx))
	_, err = e.SwitchTo(ctx, conv)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return manager.State() == transport.Open }, 5*time.Second, 10*time.Millisecond)

	env.say(t, bob, conv, "one")
	waitForTexts(t, e, []string{"one"})

	require.Eventually(t, func() bool { return env.srv.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.srv.DropConnections())

	sawReconnecting := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-states.C():
			if change.To == transport.Reconnecting {
				sawReconnecting = true
			}
			if sawReconnecting && change.To == transport.Open {
				goto reopened
			}
		case <-deadline:
			t.Fatalf("transport did not reopen, state %s, err %v", manager.State(), manager.Err())
		}
	}
reopened:

	env.say(t, bob, conv, "two")
	waitForTexts(t, e, []string{"one", "two"})

	// Reloading history overlaps with everything already delivered live.
	n, err := e.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.SwitchTo(ctx, conv)
	require.NoError(t, err)
	waitForTexts(t, e, []string{"one", "two"})

	seen := map[int64]bool{}
	for _, m := range e.View() {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
	}
}

func TestIntegration_SwitchIsolatesConversations(t *testing.T) {
	env := newLiveEnv(t)
	ctx := context.Background()

	alice := env.register(t, "alice")
	bob := env.register(t, "bobby")
	carol := env.register(t, "carol")

	withBob, err := alice.CreateConversation(ctx, "bobby")
	require.NoError(t, err)
	withCarol, err := alice.CreateConversation(ctx, "carol")
	require.NoError(t, err)

	e, manager := env.engine(t, alice)
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return manager.State() == transport.Open }, 5*time.Second, 10*time.Millisecond)

	activityCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	activity := e.Activity(activityCtx)

	_, err = e.SwitchTo(ctx, withBob)
	require.NoError(t, err)

	env.say(t, carol, withCarol, "psst")
	select {
	case msg := <-activity.C():
		assert.Equal(t, withCarol, msg.ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("no activity for the inactive conversation")
	}

	env.say(t, bob, withBob, "hello alice")
	waitForTexts(t, e, []string{"hello alice"})

	_, err = e.SwitchTo(ctx, withCarol)
	require.NoError(t, err)
	waitForTexts(t, e, []string{"psst"})
}

func TestTransportConfig_FromSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.MaxReconnectAttempts = 7

	tc := TransportConfig(cfg)
	assert.Equal(t, time.Second, tc.Backoff.Initial)
	assert.Equal(t, 30*time.Second, tc.Backoff.Max)
	assert.Equal(t, 2.0, tc.Backoff.Multiplier)
	assert.Equal(t, 0.2, tc.Backoff.Jitter)
	assert.Equal(t, 30*time.Second, tc.RefreshSkew)
	assert.Equal(t, 7, tc.MaxReconnectAttempts)
	assert.Equal(t, 5, tc.MaxRefreshFailures)
}

func TestFromConfig_RoundTrip(t *testing.T) {
	env := newLiveEnv(t)
	ctx := context.Background()

	alice := env.register(t, "alice")
	env.register(t, "bobby")
	conv, err := alice.CreateConversation(ctx, "bobby")
	require.NoError(t, err)
	me, err := alice.UserInfo(ctx)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.APIURL = env.ts.URL
	cfg.Transport.InitialBackoff = 10 * time.Millisecond
	cfg.Transport.MaxBackoff = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	e, err := FromConfig(cfg, alice, me.ID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.Start(ctx))
	_, err = e.SwitchTo(ctx, conv)
	require.NoError(t, err)
	require.NoError(t, e.Send(ctx, "configured"))
	waitForTexts(t, e, []string{"configured"})
	assert.Equal(t, me.ID, e.View()[0].SenderID)
}

func TestFromConfig_BadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Outbound.Policy = "spill"
	_, err := FromConfig(cfg, api.New("http://localhost", "", nil, nil), "me", nil)
	assert.ErrorContains(t, err, "outbound policy")
}
