package realtime

import "fmt"

// State is the lifecycle state of a Bridge.
type State int

const (
	StateUnknown State = iota
	StateStopped
	StateStarting
	StateListening
	StateReconnecting
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// TransitionTo validates a state change and returns the new state.
func (s State) TransitionTo(next State) (State, error) {
	switch s {
	case StateStopped:
		if next == StateStarting {
			return next, nil
		}
	case StateStarting:
		switch next {
		case StateListening, StateReconnecting, StateStopping:
			return next, nil
		}
	case StateListening:
		switch next {
		case StateReconnecting, StateStopping:
			return next, nil
		}
	case StateReconnecting:
		switch next {
		case StateListening, StateReconnecting, StateStopping:
			return next, nil
		}
	case StateStopping:
		if next == StateStopped {
			return next, nil
		}
	}

	return StateUnknown, fmt.Errorf("invalid state transition from %v to %v", s, next)
}
