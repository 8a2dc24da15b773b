// ABOUTME: Conversation context: the active conversation id and its generation counter
// ABOUTME: Async work carries a Token and is accepted only while that Token is current

package conversation

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Token identifies one generation of one conversation. Every asynchronous
// operation is issued with the Token current at request time.
type Token struct {
	Generation     uint64
	ConversationID int64
}

// IsZero reports whether no conversation has been selected.
func (t Token) IsZero() bool {
	return t.Generation == 0
}

func (t Token) String() string {
	return fmt.Sprintf("gen=%d conv=%d", t.Generation, t.ConversationID)
}

// Context holds the active conversation and the generation counter. Advance
// is serialized; readers load an immutable snapshot without locking.
type Context struct {
	mu      sync.Mutex
	current atomic.Pointer[Token]
}

// NewContext returns a context with no active conversation (generation 0).
func NewContext() *Context {
	c := &Context{}
	c.current.Store(&Token{})
	return c
}

// Advance makes conversationID active under a new generation and returns
// the new token. Switching to the already-active conversation still
// advances the generation.
func (c *Context) Advance(conversationID int64) Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := Token{
		Generation:     c.current.Load().Generation + 1,
		ConversationID: conversationID,
	}
	c.current.Store(&next)
	return next
}

// Current returns the active token.
func (c *Context) Current() Token {
	return *c.current.Load()
}

// IsCurrent reports whether t is the active token.
func (c *Context) IsCurrent(t Token) bool {
	return !t.IsZero() && *c.current.Load() == t
}
