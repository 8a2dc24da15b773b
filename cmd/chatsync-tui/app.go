// ABOUTME: Command handling and rendering for the terminal client
// ABOUTME: Slash commands drive the REST directory and the engine; plain lines are sent as messages

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/chatsync/internal/api"
	"github.com/2389/chatsync/internal/chat"
	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/session"
	"github.com/2389/chatsync/internal/transport"
)

type app struct {
	cfg    *config.Config
	client *api.Client
	logger *slog.Logger
	g      *errgroup.Group

	outMu sync.Mutex
	out   io.Writer

	mu     sync.Mutex
	engine *session.Engine
	me     api.User
	peers  map[int64]string

	// lastSeq is owned by the render goroutine.
	lastSeq uint64
}

func newApp(cfg *config.Config, out io.Writer, logger *slog.Logger, g *errgroup.Group) *app {
	return &app{
		cfg:    cfg,
		client: api.New(cfg.Server.APIURL, cfg.Session.AccessToken, nil, logger),
		logger: logger,
		g:      g,
		out:    out,
		peers:  make(map[int64]string),
	}
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) prompt() {
	if e := a.current(); e != nil {
		if token := e.Active(); !token.IsZero() {
			a.printf("[%s]> ", a.peerName(token.ConversationID))
			return
		}
	}
	a.printf("> ")
}

func (a *app) current() *session.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

// resumeSession starts the engine from the configured access token or
// username and password, if any.
func (a *app) resumeSession(ctx context.Context) error {
	s := a.cfg.Session
	switch {
	case s.AccessToken != "":
		if err := a.client.CheckSession(time.Now()); err != nil {
			return fmt.Errorf("configured session: %w", err)
		}
		return a.startEngine(ctx)
	case s.Username != "" && s.Password != "":
		if err := a.client.Login(ctx, api.Credentials{Username: s.Username, Password: s.Password}); err != nil {
			return err
		}
		return a.startEngine(ctx)
	}
	a.printf("Not logged in. Use /login or /register.\n")
	return nil
}

func (a *app) startEngine(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine != nil {
		return nil
	}

	me, err := a.client.UserInfo(ctx)
	if err != nil {
		return err
	}

	e, err := session.FromConfig(a.cfg, a.client, me.ID, a.logger)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		e.Close()
		return err
	}

	a.engine = e
	a.me = me

	// Subscribe before returning so no update is missed.
	updates := e.Updates(ctx)
	activity := e.Activity(ctx)
	states := e.WatchState(ctx)
	a.g.Go(func() error {
		a.render(ctx, e, updates, activity, states)
		return nil
	})

	a.printf("Logged in as %s.\n", me.Username)
	return nil
}

func (a *app) close() {
	if e := a.current(); e != nil {
		e.Close()
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (a *app) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		a.report(a.send(ctx, line))
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		a.help()
	case "/login", "/register":
		a.report(a.authenticate(ctx, cmd, arg))
	case "/list":
		a.report(a.list(ctx))
	case "/with":
		a.report(a.with(ctx, arg))
	case "/open":
		a.report(a.open(ctx, arg))
	case "/older":
		a.report(a.older(ctx))
	case "/state":
		a.state()
	default:
		a.printf("Unknown command %s. /help lists commands.\n", cmd)
	}
	return false
}

func (a *app) report(err error) {
	if err != nil {
		a.printf("%s %v\n", color.RedString("[error]"), err)
	}
}

func (a *app) help() {
	a.printf("Commands:\n")
	a.printf("  /login <user> <password>     Log in\n")
	a.printf("  /register <user> <password>  Create an account and log in\n")
	a.printf("  /list                        List your conversations\n")
	a.printf("  /with <user>                 Open (or start) a conversation with a user\n")
	a.printf("  /open <id>                   Open a conversation by id\n")
	a.printf("  /older                       Load older messages\n")
	a.printf("  /state                       Show connection state\n")
	a.printf("  /quit                        Exit\n")
	a.printf("Any other line is sent to the open conversation.\n")
}

var errNotLoggedIn = errors.New("not logged in")

func (a *app) authenticate(ctx context.Context, cmd, arg string) error {
	if a.current() != nil {
		return errors.New("already logged in")
	}
	user, pass, ok := strings.Cut(arg, " ")
	if !ok || user == "" || pass == "" {
		return fmt.Errorf("usage: %s <user> <password>", cmd)
	}

	creds := api.Credentials{Username: user, Password: strings.TrimSpace(pass)}
	var err error
	if cmd == "/register" {
		err = a.client.Register(ctx, creds)
	} else {
		err = a.client.Login(ctx, creds)
	}
	if err != nil {
		return err
	}
	return a.startEngine(ctx)
}

func (a *app) list(ctx context.Context) error {
	if a.current() == nil {
		return errNotLoggedIn
	}
	convs, err := a.client.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		a.printf("No conversations. Start one with /with <user>.\n")
		return nil
	}
	for _, c := range convs {
		a.setPeer(c.ConversationID, c.Username)
		a.printf("  %4d  %s\n", c.ConversationID, c.Username)
	}
	return nil
}

func (a *app) with(ctx context.Context, username string) error {
	if username == "" {
		return errors.New("usage: /with <user>")
	}
	if a.current() == nil {
		return errNotLoggedIn
	}
	id, err := a.client.CreateConversation(ctx, username)
	if err != nil {
		return err
	}
	a.setPeer(id, username)
	return a.switchTo(ctx, id)
}

func (a *app) open(ctx context.Context, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return errors.New("usage: /open <id>")
	}
	if a.current() == nil {
		return errNotLoggedIn
	}
	peer, err := a.client.Participant(ctx, id)
	if err != nil {
		return err
	}
	a.setPeer(id, peer.Username)
	return a.switchTo(ctx, id)
}

func (a *app) switchTo(ctx context.Context, id int64) error {
	_, err := a.current().SwitchTo(ctx, id)
	return err
}

func (a *app) older(ctx context.Context) error {
	e := a.current()
	if e == nil {
		return errNotLoggedIn
	}
	n, err := e.LoadOlder(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		a.printf("No older messages.\n")
	}
	return nil
}

func (a *app) state() {
	e := a.current()
	if e == nil {
		a.printf("Not logged in.\n")
		return
	}
	a.printf("Connection: %s\n", e.State())
	if token := e.Active(); !token.IsZero() {
		a.printf("Conversation: %d with %s (%d messages)\n",
			token.ConversationID, a.peerName(token.ConversationID), len(e.View()))
	}
}

func (a *app) send(ctx context.Context, text string) error {
	e := a.current()
	if e == nil {
		return errNotLoggedIn
	}
	return e.Send(ctx, text)
}

func (a *app) setPeer(conversationID int64, username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[conversationID] = username
}

func (a *app) peerName(conversationID int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if name, ok := a.peers[conversationID]; ok {
		return name
	}
	return strconv.FormatInt(conversationID, 10)
}

func (a *app) senderName(m chat.Message) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m.SenderID == a.me.ID {
		return "you"
	}
	if name, ok := a.peers[m.ConversationID]; ok {
		return name
	}
	return m.SenderID
}

func (a *app) render(ctx context.Context, e *session.Engine,
	updates *conversation.Subscription[conversation.Update],
	activity *conversation.Subscription[chat.Message],
	states *conversation.Subscription[transport.StateChange],
) {
	gray := color.New(color.FgHiBlack)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates.C():
			if !ok {
				return
			}
			a.renderUpdate(u, gray, e.View)
		case m, ok := <-activity.C():
			if !ok {
				return
			}
			a.printf("\n%s new message from %s in conversation %d\n",
				color.YellowString("*"), a.senderName(m), m.ConversationID)
		case change, ok := <-states.C():
			if !ok {
				return
			}
			if change.Err != nil {
				a.printf("\n%s %s (%v)\n", gray.Sprint("[connection]"), change.To, change.Err)
			} else {
				a.printf("\n%s %s\n", gray.Sprint("[connection]"), change.To)
			}
		case err, ok := <-e.Errors():
			if !ok {
				return
			}
			a.report(err)
		}
	}
}

// renderUpdate prints u. When Seq shows that updates were dropped, the
// conversation is redrawn from snapshot instead.
func (a *app) renderUpdate(u conversation.Update, gray *color.Color, snapshot func() []chat.Message) {
	missed := a.lastSeq != 0 && u.Seq != a.lastSeq+1
	a.lastSeq = u.Seq
	if missed && u.Kind == conversation.UpdateInsert {
		a.printf("\n%s\n", gray.Sprint("(fell behind, redrawing)"))
		a.printf("%s\n", gray.Sprintf("--- conversation %d with %s ---",
			u.Token.ConversationID, a.peerName(u.Token.ConversationID)))
		for _, m := range snapshot() {
			a.printMessage(m, gray)
		}
		return
	}

	switch u.Kind {
	case conversation.UpdateReset:
		a.printf("\n%s\n", gray.Sprintf("--- conversation %d with %s ---",
			u.Token.ConversationID, a.peerName(u.Token.ConversationID)))
	case conversation.UpdateInsert:
		if u.Source == conversation.SourceHistory && len(u.Inserted) > 0 {
			a.printf("\n%s\n", gray.Sprintf("(%d earlier messages)", len(u.Inserted)))
		}
		for _, ins := range u.Inserted {
			a.printMessage(ins.Message, gray)
		}
	}
}

func (a *app) printMessage(m chat.Message, gray *color.Color) {
	a.printf("%s %s: %s\n",
		gray.Sprint(m.CreatedAt.Local().Format("15:04")),
		color.CyanString(a.senderName(m)),
		m.Text)
}
