package orchestrator

import (
	"errors"
	"fmt"
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidState is returned for a lifecycle call made in the wrong state.
var ErrInvalidState = errors.New("invalid orchestrator state")

// Startup reason codes.
const (
	ReasonDBConnect     = "E_DB_CONNECT"
	ReasonSchemaCapture = "E_SCHEMA_CAPTURE"
	ReasonQueueConfig   = "E_QUEUE_CONFIG"
	ReasonSteadyConfig  = "E_STEADY_CONFIG"
	ReasonMetrics       = "E_METRICS_INIT"
)

// StartupError is fatal: the orchestrator went straight to Stopped.
type StartupError struct {
	ReasonCode string
	Err        error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.ReasonCode, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

var legalTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
