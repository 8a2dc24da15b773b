// Package transport manages the single live connection to the chat server.
//
// # States
//
// A Manager moves through Disconnected, Connecting, Open, Reconnecting and
// Closed. Closed is terminal. Disconnected is both the starting state and
// where the manager lands after an unrecoverable failure (a rejected fresh
// credential, or exhausted retry limits); Connect may be called again from
// there.
//
// # Reconnecting
//
// When an open connection breaks, the supervisor waits out an exponential
// backoff delay (1s, 2s, 4s ... capped, with jitter) and dials again. The
// schedule resets after every successful open. Before each dial the
// credential is refreshed if it is missing, already spent (single-use), or
// expires within the configured skew.
//
// # Sending
//
// Send writes directly while the connection is open and nothing is queued.
// Otherwise the message goes to the outbound queue, which is flushed in
// order once the connection opens.
//
// Frames returns every inbound frame in arrival order across reconnects.
// Decoding is left to the caller.
package transport
