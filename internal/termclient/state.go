// state.go implements lifecycle state tracking for terminal sessions.
//
// Each session moves through an explicit state machine (Idle, Negotiating,
// Connecting, Open, Paused, Reconnecting, Closed, Failed). Transitions are
// validated against an allowed-set table, recorded in a small ring buffer
// for debugging, and surfaced through the OnStateChange callback. Closed and
// Failed are terminal: nothing transitions out of them.

package termclient

import (
	"time"
)

// State is the lifecycle state of a terminal session.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnecting
	StateOpen
	StatePaused
	StateReconnecting
	StateClosed
	StateFailed
)

// String returns the human-readable name of the session state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StatePaused:
		return "paused"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// allowedTransitions is the full transition relation. Dispose may close a
// session from any non-terminal state, so Closed appears everywhere.
var allowedTransitions = map[State][]State{
	StateIdle:         {StateNegotiating, StateFailed, StateClosed},
	StateNegotiating:  {StateConnecting, StateFailed, StateClosed},
	StateConnecting:   {StateOpen, StateReconnecting, StateFailed, StateClosed},
	StateOpen:         {StatePaused, StateReconnecting, StateFailed, StateClosed},
	StatePaused:       {StateOpen, StateReconnecting, StateFailed, StateClosed},
	StateReconnecting: {StateConnecting, StateFailed, StateClosed},
	StateClosed:       {},
	StateFailed:       {},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionBufferSize is the number of state transitions retained per
// session for debugging.
const transitionBufferSize = 32

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// transitionLog is a fixed-size ring of recent transitions.
type transitionLog struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (l *transitionLog) record(from, to State, reason string) {
	l.entries[l.head] = Transition{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the recorded transitions in chronological order.
func (l *transitionLog) history() []Transition {
	if l.count == 0 {
		return nil
	}
	result := make([]Transition, l.count)
	if l.count < transitionBufferSize {
		copy(result, l.entries[:l.count])
	} else {
		n := copy(result, l.entries[l.head:])
		copy(result[n:], l.entries[:l.head])
	}
	return result
}
