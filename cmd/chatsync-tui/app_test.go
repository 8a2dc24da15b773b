// ABOUTME: Tests for the terminal client's command loop against an in-process dev server
// ABOUTME: Input is fed through a pipe and output is captured in a locked buffer

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/2389/chatsync/internal/api"
	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/devserver"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandle_Offline(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	out := &lockedBuffer{}
	a := newApp(config.Default(), out, quietLogger(), &errgroup.Group{})
	ctx := context.Background()

	assert.False(t, a.handle(ctx, "   "))
	assert.False(t, a.handle(ctx, "hello"))
	assert.False(t, a.handle(ctx, "/list"))
	assert.False(t, a.handle(ctx, "/open abc"))
	assert.False(t, a.handle(ctx, "/login alice"))
	assert.False(t, a.handle(ctx, "/bogus"))
	assert.False(t, a.handle(ctx, "/state"))
	assert.True(t, a.handle(ctx, "/quit"))

	got := out.String()
	assert.Contains(t, got, "[error] not logged in")
	assert.Contains(t, got, "[error] usage: /open <id>")
	assert.Contains(t, got, "[error] usage: /login <user> <password>")
	assert.Contains(t, got, "Unknown command /bogus")
	assert.Contains(t, got, "Not logged in.")
}

func TestRenderUpdate_RedrawsAfterMissedUpdates(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	out := &lockedBuffer{}
	a := newApp(config.Default(), out, quietLogger(), &errgroup.Group{})
	a.me = api.User{ID: "u-me"}
	a.setPeer(4, "bobby")
	gray := color.New(color.FgHiBlack)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := func(id int64, text string) chat.Message {
		return chat.Message{ID: id, ConversationID: 4, SenderID: "u-bob", Text: text, CreatedAt: at}
	}
	insert := func(seq uint64, m chat.Message) conversation.Update {
		return conversation.Update{
			Seq:      seq,
			Kind:     conversation.UpdateInsert,
			Token:    conversation.Token{Generation: 1, ConversationID: 4},
			Source:   conversation.SourceLive,
			Inserted: []conversation.Inserted{{Index: int(seq) - 2, Message: m}},
		}
	}
	snapshotCalls := 0
	snapshot := func() []chat.Message {
		snapshotCalls++
		return []chat.Message{msg(1, "one"), msg(2, "two"), msg(3, "three"), msg(4, "four")}
	}

	a.renderUpdate(conversation.Update{Seq: 1, Kind: conversation.UpdateReset,
		Token: conversation.Token{Generation: 1, ConversationID: 4}}, gray, snapshot)
	a.renderUpdate(insert(2, msg(1, "one")), gray, snapshot)
	assert.Zero(t, snapshotCalls, "contiguous updates render incrementally")

	// Seq 3 and 4 were dropped for this subscriber.
	a.renderUpdate(insert(5, msg(4, "four")), gray, snapshot)
	assert.Equal(t, 1, snapshotCalls)

	got := out.String()
	assert.Contains(t, got, "(fell behind, redrawing)")
	redraw := got[strings.Index(got, "(fell behind, redrawing)"):]
	for _, text := range []string{"bobby: one", "bobby: two", "bobby: three", "bobby: four"} {
		assert.Contains(t, redraw, text)
	}

	a.renderUpdate(insert(6, msg(5, "five")), gray, snapshot)
	assert.Equal(t, 1, snapshotCalls)
	assert.Contains(t, out.String(), "bobby: five")
}

func TestRun_ChatAgainstDevServer(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	store, err := devserver.OpenStore(filepath.Join(t.TempDir(), "chat.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	srv := devserver.NewServer(store,
		devserver.NewSessions([]byte(strings.Repeat("k", 32)), time.Hour),
		devserver.NewTickets(5*time.Minute),
		nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	bob := api.New(ts.URL, "", nil, nil)
	require.NoError(t, bob.Register(context.Background(), api.Credentials{Username: "bobby", Password: "secret1"}))

	cfg := config.Default()
	cfg.Server.APIURL = ts.URL
	cfg.Transport.InitialBackoff = 10 * time.Millisecond
	cfg.Transport.MaxBackoff = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())

	in, feed := io.Pipe()
	t.Cleanup(func() { feed.Close() })
	out := &lockedBuffer{}

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, in, out, quietLogger()) }()

	say := func(line string) {
		t.Helper()
		_, err := io.WriteString(feed, line+"\n")
		require.NoError(t, err)
	}
	waitFor := func(text string) {
		t.Helper()
		require.Eventually(t, func() bool { return strings.Contains(out.String(), text) },
			5*time.Second, 10*time.Millisecond, "output:\n%s", out.String())
	}

	waitFor("Not logged in. Use /login or /register.")
	say("/register alice secret1")
	waitFor("Logged in as alice.")

	say("/with bobby")
	waitFor("--- conversation 1 with bobby ---")

	say("hello bob")
	waitFor("you: hello bob")

	say("/list")
	waitFor("   1  bobby")

	say("/state")
	waitFor("Conversation: 1 with bobby (1 messages)")

	say("/quit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after /quit")
	}
}
