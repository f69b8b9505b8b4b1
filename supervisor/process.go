// Package supervisor keeps watcher processes alive: an Orchestrator starts,
// health-checks, restarts and stops them, and a Watchdog keeps the
// Orchestrator itself alive.
package supervisor

import (
	"errors"
	"fmt"
)

// ProcessState is the lifecycle state of a managed process.
type ProcessState string

const (
	StateStopped  ProcessState = "stopped"
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateCrashed  ProcessState = "crashed"
	StateStopping ProcessState = "stopping"
	// StateDegraded means the process crashed too often inside the restart
	// window; it is not restarted until Reset.
	StateDegraded ProcessState = "degraded"
)

var (
	// ErrInvalidProcessTransition is returned for a state change the machine forbids.
	ErrInvalidProcessTransition = errors.New("supervisor: invalid process transition")
	// ErrUnknownProcess is returned for a name that is not managed.
	ErrUnknownProcess = errors.New("supervisor: unknown process")
	// ErrNotDegraded is returned by Reset for a process that is not degraded.
	ErrNotDegraded = errors.New("supervisor: process not degraded")
)

var processTransitions = map[ProcessState][]ProcessState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateCrashed, StateStopping},
	StateRunning:  {StateCrashed, StateStopping},
	StateCrashed:  {StateStarting, StateDegraded, StateStopped},
	StateStopping: {StateStopped},
	StateDegraded: {StateStopped},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ProcessState) bool {
	for _, s := range processTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns to when the change is allowed.
func Transition(from, to ProcessState) (ProcessState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidProcessTransition, from, to)
	}
	return to, nil
}
