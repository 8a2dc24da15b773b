// Package conversation owns the client's view of the active conversation.
//
// # Generations
//
// A Context holds the active conversation id and a generation counter.
// Every switch advances the generation and yields a Token:
//
//	tok := merger.SwitchTo(conversationID)
//
// Asynchronous work (history pages, live pumps) carries the Token it was
// issued under. Results are accepted only while that Token is still current,
// so a page requested for conversation A that resolves after the user moved to
// B is discarded instead of leaking into B.
//
// # Merge Engine
//
// Merger combines two sources into one View:
//
//   - AcceptHistoryPage(tok, page): a page in the server's descending order
//   - AcceptLive(tok, msg): one message pushed over the live channel
//
// The View is unique by message id and sorted by (created_at, id). Inserts
// use binary search; the view is never re-sorted. A single mutex guards the
// merge step and nothing under it performs I/O.
//
// Every accepted change is published as an Update (a reset marker or the
// inserted messages with their indices) to subscribers from Merger.Subscribe.
//
// # Broadcasting
//
// Broadcaster is an in-memory fan-out. Subscribe returns a *Subscription
// handle whose Unsubscribe method (or the subscribing context) ends
// delivery. Publishing never blocks: a subscriber whose buffer is full
// misses the value, so only streams that tolerate gaps use it.
package conversation
