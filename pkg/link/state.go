// Package link implements the inter-relay link layer: the generic,
// transport-independent abstraction that multiplexes Tor cells over a
// single authenticated connection to a peer relay, its v3 link handshake
// engine, and its process-wide registry of open links and listeners.
package link

import "fmt"

// State is the lifecycle state of a Link.
type State int

const (
	// StateClosed is the terminal resting state: no queues, not registered.
	StateClosed State = iota
	// StateClosing means teardown has begun but the transport has not yet
	// confirmed it.
	StateClosing
	// StateError is a terminal state reached after a protocol or transport
	// failure.
	StateError
	// StateListening means this Link is a listener accepting incoming links.
	StateListening
	// StateMaint means the transport has temporarily left its open state
	// (e.g. TLS renegotiation) while the link waits to resume.
	StateMaint
	// StateOpening means the transport is being established or the
	// handshake is in progress.
	StateOpening
	// StateOpen means the handshake is complete and cells may flow.
	StateOpen
)

// String returns the name used in logs and control-port events.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateClosing:
		return "CLOSING"
	case StateError:
		return "ERROR"
	case StateListening:
		return "LISTENING"
	case StateMaint:
		return "MAINT"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// transitions lists, for each state, the states it may directly move to.
// change_state is the sole mutator consulting this table; an edge not
// listed here is a programming error, not a recoverable one.
var transitions = map[State][]State{
	StateClosed:    {StateListening, StateOpening},
	StateOpening:   {StateOpen, StateClosing, StateError},
	StateOpen:      {StateMaint, StateClosing, StateError},
	StateMaint:     {StateOpen, StateClosing, StateError},
	StateListening: {StateClosing, StateError},
	StateClosing:   {StateClosed, StateError},
	StateError:     {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReasonForClosing records why a link is tearing down.
type ReasonForClosing int

const (
	// ReasonNotClosing is the zero value: the link is not closing.
	ReasonNotClosing ReasonForClosing = iota
	// ReasonRequested means request_close was called from above.
	ReasonRequested
	// ReasonFromBelow means the transport closed the connection itself.
	ReasonFromBelow
	// ReasonForError means a protocol or transport error forced closure.
	ReasonForError
)

func (r ReasonForClosing) String() string {
	switch r {
	case ReasonNotClosing:
		return "NOT_CLOSING"
	case ReasonRequested:
		return "REQUESTED"
	case ReasonFromBelow:
		return "FROM_BELOW"
	case ReasonForError:
		return "FOR_ERROR"
	default:
		return "UNKNOWN"
	}
}

// closingReasonRequired is the set of states a link may only enter while
// reason_for_closing != NOT_CLOSING.
func closingReasonRequired(s State) bool {
	return s == StateClosing || s == StateClosed || s == StateError
}
