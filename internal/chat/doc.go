// Package chat defines the wire-level data model shared by every chatsync
// component.
//
// # Messages
//
// A Message is created by the server (history endpoint or live channel) and
// is read-only to the client. Ordering within a conversation is by
// (CreatedAt, ID) ascending; see Less.
//
// # Frames
//
// The live channel is text framed, one JSON object per frame:
//
//	inbound:  {"id":5,"conversation_id":10,"sender_id":"...","text":"hi","created_at":"2025-01-02T15:04:05Z"}
//	outbound: {"conversation_id":10,"text":"hi","sender_id":"..."}
//	error:    {"status":"Bad Request","errors":{"text":"message text cannot be empty"}}
//
// DecodeFrame never fails the stream: anything it cannot understand is
// reported as a *ParseError for the caller to log and drop.
//
// # Errors
//
// The error taxonomy (AuthError, TransportError, RequestError, ParseError)
// lives here so that transport, history, credential and session code can
// classify failures with errors.As without importing each other.
package chat
