package health

import "fmt"

// State is the monitor state.
//
//	StateUninitialized -> StateConnecting | StateHealthy
//	StateConnecting    -> StateHealthy | StateUnhealthy | StateGivenUp
//	StateHealthy       -> StateUnhealthy
//	StateUnhealthy     -> StateConnecting | StateHealthy
//	StateGivenUp       -> StateConnecting (re-probe) | StateHealthy
//
// Every state may move to StateClosed, which is terminal.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateHealthy
	StateUnhealthy
	StateGivenUp
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateConnecting:
		return "CONNECTING"
	case StateHealthy:
		return "HEALTHY"
	case StateUnhealthy:
		return "UNHEALTHY"
	case StateGivenUp:
		return "GIVEN_UP"
	case StateClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

func (s State) validateTransitionTo(next State) error {
	if next == StateClosed && s != StateClosed {
		return nil
	}

	switch s {
	case StateUninitialized:
		switch next {
		case StateConnecting, StateHealthy:
			return nil
		}
	case StateConnecting:
		switch next {
		case StateHealthy, StateUnhealthy, StateGivenUp:
			return nil
		}
	case StateHealthy:
		if next == StateUnhealthy {
			return nil
		}
	case StateUnhealthy:
		switch next {
		case StateConnecting, StateHealthy:
			return nil
		}
	case StateGivenUp:
		switch next {
		case StateConnecting, StateHealthy:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}

// HealthState is a snapshot of the monitor.
type HealthState struct {
	State                        State
	Connected                    bool
	InitialConnectionEstablished bool
	ConnectionAttempts           int
	GivenUp                      bool
}

// Healthy reports whether push delivery is usable.
func (h HealthState) Healthy() bool {
	return h.Connected && h.InitialConnectionEstablished && !h.GivenUp
}
