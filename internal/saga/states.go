// Package saga executes multi-backend write operations as a sequence of
// forward steps with reverse compensations, durably recording progress so a
// crashed run can be resumed or rolled back.
package saga

import (
	"log/slog"

	"github.com/robbyt/go-fsm"
)

// Saga lifecycle states.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateCompensating = "compensating"
	StateCommitted    = "committed"
	StateAborted      = "aborted"
	StateOrphaned     = "orphaned"
)

// Transitions is the legal state graph. Terminal states have no exits;
// recovery re-enters running and compensating from the persisted state, not
// through a transition.
var Transitions = fsm.TransitionsConfig{
	StatePending:      {StateRunning, StateAborted},
	StateRunning:      {StateCommitted, StateCompensating},
	StateCompensating: {StateAborted, StateOrphaned},
	StateCommitted:    {},
	StateAborted:      {},
	StateOrphaned:     {},
}

// IsTerminal reports whether a saga in this state will never change again.
func IsTerminal(state string) bool {
	switch state {
	case StateCommitted, StateAborted, StateOrphaned:
		return true
	}
	return false
}

// newMachine builds the per-execution state machine starting from the
// persisted state, so resumed sagas enforce the same transition rules as
// fresh ones.
func newMachine(handler slog.Handler, initial string) (*fsm.Machine, error) {
	return fsm.New(handler, initial, Transitions)
}

// Step execution statuses recorded in the step log.
const (
	StepPending     = "pending"
	StepRunning     = "running"
	StepDone        = "done"
	StepFailed      = "failed"
	StepCompensated = "compensated"
)
