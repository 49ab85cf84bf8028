package gateway

import "fmt"

// State of one connection: connecting -> authenticated -> {idle <-> streaming} -> closed
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateIdle
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var allowedTransitions = map[State][]State{
	StateConnecting:    {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateIdle, StateClosed},
	StateIdle:          {StateStreaming, StateClosed},
	StateStreaming:     {StateIdle, StateClosed},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
