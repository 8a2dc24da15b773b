// ABOUTME: ConversationView: messages unique by id, sorted by (created_at, id)
// ABOUTME: Insertion is a binary search, never a re-sort; not safe for concurrent use

package conversation

import (
	"slices"

	"github.com/2389/chatsync/internal/chat"
)

// View is the ordered, de-duplicated message list of one generation.
// Callers must serialize access; Merger does so.
type View struct {
	msgs  []chat.Message
	ids   map[int64]struct{}
	minID int64
}

// NewView returns an empty view.
func NewView() *View {
	return &View{ids: make(map[int64]struct{})}
}

// Insert adds m at its ordered position. It returns the index m now
// occupies, or false if a message with the same id is already present.
func (v *View) Insert(m chat.Message) (int, bool) {
	if _, dup := v.ids[m.ID]; dup {
		return -1, false
	}

	if len(v.msgs) == 0 || m.ID < v.minID {
		v.minID = m.ID
	}

	idx, _ := slices.BinarySearchFunc(v.msgs, m, chat.Compare)
	v.msgs = slices.Insert(v.msgs, idx, m)
	v.ids[m.ID] = struct{}{}
	return idx, true
}

// Messages returns a copy of the ordered messages.
func (v *View) Messages() []chat.Message {
	return slices.Clone(v.msgs)
}

// OldestID returns the smallest message id present, which is the cursor
// for the next older history page.
func (v *View) OldestID() (int64, bool) {
	if len(v.msgs) == 0 {
		return 0, false
	}
	return v.minID, true
}

// Reset empties the view.
func (v *View) Reset() {
	v.msgs = nil
	clear(v.ids)
	v.minID = 0
}
