// ABOUTME: Connection state machine for the live transport
// ABOUTME: Lists the legal transitions; Closed is terminal

package transport

import (
	"fmt"
	"time"
)

// State is the live connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// transitions lists the legal target states for each state.
var transitions = map[State][]State{
	Disconnected: {Connecting, Closed},
	Connecting:   {Open, Reconnecting, Disconnected, Closed},
	Open:         {Reconnecting, Closed},
	Reconnecting: {Connecting, Reconnecting, Disconnected, Closed},
	Closed:       nil,
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateChange is published on every transition. Err is the cause when the
// transition was triggered by a failure.
type StateChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}
