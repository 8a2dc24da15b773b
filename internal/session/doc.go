// Package session wires the live transport, the merge engine and the history
// loader into one Engine.
//
// # Lifecycle
//
//	eng, err := session.New(session.Options{
//	    Transport: manager,
//	    Tokens:    provider,
//	    History:   loader,
//	})
//	eng.Start(ctx)
//	tok, _ := eng.SwitchTo(ctx, conversationID)
//	eng.Send(ctx, "hello")
//	eng.Close()
//
// # Frame dispatch
//
// One dispatcher goroutine reads every inbound frame. Malformed frames are
// logged and dropped. Server error frames are reported on Errors. Messages
// whose (conversation, id) was seen recently are dropped, which absorbs
// frames replayed after a reconnect. A message for the active conversation
// is merged into the view on the dispatcher goroutine, so a burst backs up
// the transport rather than losing frames. Messages for other conversations
// go to Activity subscribers, which drop when they fall behind. A message is
// remembered as seen only after it has been delivered.
//
// # Switching
//
// SwitchTo advances the generation, resets the view and then requests the
// first history page in the background. It never waits on the network.
package session
