package types

import "fmt"

// validTransitions enumerates every legal JobState edge. A job's state may
// only move forward; Completed, Failed, and Cancelled are terminal.
var validTransitions = map[JobState]map[JobState]bool{
	JobPending: {JobRunning: true, JobCancelled: true, JobFailed: true},
	JobRunning: {JobCompleted: true, JobFailed: true, JobCancelled: true},
}

// CanTransition reports whether moving a job from `from` to `to` is legal.
func CanTransition(from, to JobState) bool {
	if from == to {
		return false
	}
	edges, ok := validTransitions[from]
	if !ok {
		return false // from is terminal
	}
	return edges[to]
}

// Transition validates and applies a state change, returning an error that
// names both endpoints when the move is illegal. Centralizing this check
// is what makes the monotonic-state invariant enforceable in one place
// instead of scattered across every caller that touches JobStatus.State.
func Transition(status *JobStatus, to JobState) error {
	if !CanTransition(status.State, to) {
		return fmt.Errorf("illegal job state transition: %s -> %s", status.State, to)
	}
	status.State = to
	return nil
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal(s JobState) bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}
