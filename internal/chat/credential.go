// ABOUTME: Credential authorizing one live-channel connection
// ABOUTME: Tracks expiry and single-use semantics for the transport's refresh decision

package chat

import "time"

// Credential is a short-lived live-channel token. Only the token provider
// and the transport look inside it.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	// SingleUse credentials are consumed by the first successful handshake.
	SingleUse bool
}

// ExpiresWithin reports whether the credential is expired at now+skew.
// A zero ExpiresAt never expires.
func (c Credential) ExpiresWithin(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}
