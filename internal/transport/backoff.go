// ABOUTME: Reconnect delay schedule: exponential with jitter, capped, reset after each successful open
// ABOUTME: Thin configuration layer over cenkalti/backoff

package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig shapes the reconnect delays: Initial, Initial*Multiplier,
// ... capped at Max, each randomized by ±Jitter.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is 1s, 2s, 4s, ... capped at 30s with 20% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// newBackOff returns a schedule that never gives up on its own; attempt
// limits are enforced by the manager.
func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
