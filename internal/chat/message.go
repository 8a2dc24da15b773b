// ABOUTME: Message and OutboundMessage types for the chat live channel and history API
// ABOUTME: Defines the (created_at, id) ordering used by every conversation view

package chat

import (
	"strings"
	"time"
)

// Message is a single chat message as delivered by the server.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Less reports whether a sorts before b: ascending created_at, with equal
// timestamps broken by ascending id.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Compare is the three-way form of Less, suitable for slices.SortFunc and
// slices.BinarySearchFunc.
func Compare(a, b Message) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}

// OutboundMessage is what the client writes to the live channel. The server
// assigns id and created_at.
type OutboundMessage struct {
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
	SenderID       string `json:"sender_id"`
}

// Validate applies the same checks the server applies before persisting.
func (m OutboundMessage) Validate() error {
	if m.ConversationID <= 0 {
		return ErrInvalidConversation
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyText
	}
	return nil
}
