package consumer

import "fmt"

// State is the lifecycle position of one delivery.
type State int

const (
	StateReceived State = iota
	StateProcessing
	StateRetrying
	StateCommitted
	StateDeadLettered
	// StateNacked is reached only when the dead-letter record itself could
	// not be published; the broker redelivers the message.
	StateNacked
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateProcessing:
		return "processing"
	case StateRetrying:
		return "retrying"
	case StateCommitted:
		return "committed"
	case StateDeadLettered:
		return "dead_lettered"
	case StateNacked:
		return "nacked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	// Received goes straight to DeadLettered or Nacked when the envelope
	// fails validation, and to Committed for an already-seen event id.
	StateReceived:   {StateProcessing, StateCommitted, StateDeadLettered, StateNacked},
	StateProcessing: {StateCommitted, StateRetrying, StateDeadLettered, StateNacked},
	StateRetrying:   {StateProcessing},
}

// CanMove reports whether to is a legal successor of s.
func (s State) CanMove(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}
