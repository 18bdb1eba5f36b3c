package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionMatchesLifecycle(t *testing.T) {
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobCompleted, false},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobPending, false},
		{JobCompleted, JobRunning, false},
		{JobFailed, JobPending, false},
		{JobCancelled, JobRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTransitionMutatesOnSuccessOnly(t *testing.T) {
	status := &JobStatus{State: JobPending}
	require.NoError(t, Transition(status, JobRunning))
	assert.Equal(t, JobRunning, status.State)

	err := Transition(status, JobPending)
	assert.Error(t, err)
	assert.Equal(t, JobRunning, status.State, "failed transition must not mutate state")
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(JobCompleted))
	assert.True(t, IsTerminal(JobFailed))
	assert.True(t, IsTerminal(JobCancelled))
	assert.False(t, IsTerminal(JobPending))
	assert.False(t, IsTerminal(JobRunning))
}

func TestTerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	for _, s := range []JobState{JobCompleted, JobFailed, JobCancelled} {
		for _, to := range []JobState{JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled} {
			assert.False(t, CanTransition(s, to), "%s should be terminal", s)
		}
	}
}
