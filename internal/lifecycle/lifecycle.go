// Package lifecycle tracks a job's state from submission to a terminal
// outcome. Transition rules are encoded in exactly one place (Transition);
// everything else in the orchestrator asks this package instead of comparing
// state strings.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is a job lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateCompiling State = "COMPILING"
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateDone      State = "DONE"
	StateError     State = "ERROR"
	StateCancelled State = "CANCELLED"
	StateTimeout   State = "TIMEOUT"
)

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// Event is something that can cause a state transition.
type Event string

const (
	EventStartCompiling  Event = "start_compiling"
	EventFinishCompiling Event = "finish_compiling"
	EventStartRunning    Event = "start_running"
	EventFinishRunning   Event = "finish_running"
	EventFail            Event = "fail"
	EventCancel          Event = "cancel"
	EventExpire          Event = "expire"
)

// Cause codes recorded with terminal transitions. These are stable,
// user-visible strings; diagnostic detail lives behind a storage reference,
// never in the code itself.
const (
	CauseNoCandidateResource = "no_candidate_resource"
	CauseRetriesExhausted    = "retries_exhausted"
	CauseCompilationFailed   = "compilation_failed"
	CauseDeadlineExceeded    = "deadline_exceeded"
	CauseCancelledByUser     = "cancelled_by_user"
	CauseInvalidPayload      = "invalid_payload"
	CauseInternal            = "internal"
)

// ErrInvalidTransition is returned when an event is not permitted in the
// current state. Terminal states reject every event.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Transition computes the next state for a given current state and event.
// It is pure and deterministic.
func Transition(from State, event Event) (State, error) {
	if from.Terminal() {
		return "", fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, from, event)
	}

	switch event {
	case EventStartCompiling:
		if from == StatePending {
			return StateCompiling, nil
		}
	case EventFinishCompiling:
		if from == StateCompiling {
			return StateQueued, nil
		}
	case EventStartRunning:
		if from == StateQueued {
			return StateRunning, nil
		}
	case EventFinishRunning:
		if from == StateRunning {
			return StateDone, nil
		}
	case EventFail:
		// Failure is allowed from any non-terminal state.
		return StateError, nil
	case EventCancel:
		// Cancellation is allowed from any non-terminal state.
		return StateCancelled, nil
	case EventExpire:
		// Deadline expiry is distinct from both failure and cancellation
		// so callers can apply different retry semantics.
		return StateTimeout, nil
	}

	return "", fmt.Errorf("%w: %s --%s-->", ErrInvalidTransition, from, event)
}
