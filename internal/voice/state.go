package voice

import "fmt"

// State is a position in the session lifecycle.
//
//	Idle ──Start──▶ Connecting ──opened──▶ Active
//	                    │                    │
//	                    ├──Stop──▶ Closing ──┼──▶ Closed
//	                    └──error─────────────┴──▶ Failed
//
// Closed and Failed accept Start again.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("voice: unknown state %q", b)
}

// canStart reports whether Start begins a new session from s.
func (s State) canStart() bool {
	return s == StateIdle || s == StateClosed || s == StateFailed
}

// Status is an observable snapshot of the controller.
type Status struct {
	// State is the lifecycle state.
	State State `json:"state"`

	// Reason is a generic, user-presentable failure description. Set only in
	// StateFailed.
	Reason string `json:"reason,omitempty"`

	// Speaking is true while at least one scheduled playback buffer has not
	// finished.
	Speaking bool `json:"speaking"`

	// SessionID identifies the current or most recent session.
	SessionID string `json:"session_id,omitempty"`
}
