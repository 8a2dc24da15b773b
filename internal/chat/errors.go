// ABOUTME: Error taxonomy for the sync engine: auth, transport, request and parse failures
// ABOUTME: Typed errors are classified with errors.As; sentinels cover simple states

package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a component after Close.
	ErrClosed = errors.New("closed")

	// ErrNotOpen is returned by Send when the live channel is not open and
	// the outbound policy drops instead of buffering.
	ErrNotOpen = errors.New("live channel not open")

	// ErrQueueFull is returned when the outbound buffer is at capacity.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrNoConversation is returned when an operation needs an active
	// conversation and none has been selected.
	ErrNoConversation = errors.New("no active conversation")

	// ErrEmptyText rejects outbound messages without content.
	ErrEmptyText = errors.New("message text cannot be empty")

	// ErrInvalidConversation rejects outbound messages without a valid
	// conversation id.
	ErrInvalidConversation = errors.New("invalid conversation id")
)

// AuthError means a credential was rejected or had expired. It is never
// retried silently; a new credential must be supplied.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError means the live connection dropped or could not be
// established. The transport retries these on its own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError is a failed history or credential request. Generation is the
// conversation generation the request was issued under (zero for requests
// not tied to a conversation).
type RequestError struct {
	Op         string
	Generation uint64
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ParseError is a live frame that could not be decoded.
type ParseError struct {
	Raw []byte
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsAuth reports whether err is, or wraps, an *AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
