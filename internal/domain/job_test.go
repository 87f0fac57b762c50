package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		allowed  bool
	}{
		{JobStateDraft, JobStateQueued, true},
		{JobStateDraft, JobStateRunning, false},
		{JobStateQueued, JobStateRunning, true},
		{JobStateQueued, JobStateCancelled, true},
		{JobStateQueued, JobStateFailed, true},
		{JobStateRunning, JobStateCompleted, true},
		{JobStateRunning, JobStateFailed, true},
		{JobStateRunning, JobStateCancelling, true},
		{JobStateRunning, JobStateQueued, true},
		{JobStateRunning, JobStateCancelled, false},
		{JobStateCancelling, JobStateCancelled, true},
		{JobStateCancelling, JobStateFailed, true},
		{JobStateCancelling, JobStateCompleted, false},
		{JobStateCompleted, JobStateArchived, true},
		{JobStateFailed, JobStateArchived, true},
		{JobStateCancelled, JobStateArchived, true},
		{JobStateCompleted, JobStateRunning, false},
		{JobStateArchived, JobStateQueued, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []JobState{JobStateCancelled, JobStateCompleted, JobStateFailed, JobStateArchived} {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []JobState{JobStateDraft, JobStateQueued, JobStateRunning, JobStateCancelling} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}
