// Package hctx carries per-execution state between the executor and the
// action handler it calls.
package hctx

import (
	"context"
	"time"
)

// State is filled by the executor before a handler runs and read back
// after it returns.
type State struct {
	// Action is the handler name taken from the record.
	Action string
	// Attempt is the 1-based try number of the current execution.
	Attempt int
	// Result is the note written into the done record.
	Result string

	started time.Time
}

// New creates the state for one execution of action, starting its clock.
func New(action string) *State {
	return &State{Action: action, started: time.Now()}
}

// Elapsed is the time spent since New, across every attempt.
func (s *State) Elapsed() time.Duration {
	if s == nil || s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

type ctxKey struct{}

// WithState returns a child context carrying s.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the state, if the context was built by the executor.
func From(ctx context.Context) (*State, bool) {
	st, ok := ctx.Value(ctxKey{}).(*State)
	return st, ok && st != nil
}
