// ABOUTME: Session lifecycle states and the allowed transitions between them
// ABOUTME: Terminal states cannot be left, so a session is never resurrected
package airplay

import "fmt"

// State is the lifecycle state of a Session
type State int32

const (
	// StateIdle is a session that has not been started
	StateIdle State = iota
	// StateConnecting is while the reverse channel is being opened
	StateConnecting
	// StateReverseEstablished is after the receiver accepted the reverse upgrade
	StateReverseEstablished
	// StateCapabilitiesKnown is after server-info was decoded
	StateCapabilitiesKnown
	// StatePlaying is after the receiver accepted the play request
	StatePlaying
	// StatePaused is while playback rate is zero
	StatePaused
	// StateStopping is while channels are being torn down
	StateStopping
	// StateStopped is the terminal state after a stop
	StateStopped
	// StateFailed is the terminal state after an unrecoverable error
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateReverseEstablished:
		return "ReverseEstablished"
	case StateCapabilitiesKnown:
		return "CapabilitiesKnown"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateIdle:               {StateConnecting, StateStopping, StateFailed},
	StateConnecting:         {StateReverseEstablished, StateStopping, StateFailed},
	StateReverseEstablished: {StateCapabilitiesKnown, StateStopping, StateFailed},
	StateCapabilitiesKnown:  {StatePlaying, StateStopping, StateFailed},
	StatePlaying:            {StatePaused, StateStopping, StateFailed},
	StatePaused:             {StatePlaying, StateStopping, StateFailed},
	StateStopping:           {StateStopped},
	StateStopped:            {}, // Terminal
	StateFailed:             {}, // Terminal
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// IsActive returns true while media is loaded on the receiver
func (s State) IsActive() bool {
	return s == StatePlaying || s == StatePaused
}
