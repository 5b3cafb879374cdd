package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobDefaults(t *testing.T) {
	j := NewJob(KindTranscription, PriorityNormal, nil, 1, 3, map[string]string{"foo": "bar"})
	require.NotEmpty(t, j.ID)
	assert.Equal(t, StatePending, j.State)
	assert.Empty(t, j.AssignedWorkers)
	assert.Empty(t, j.Responses)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Equal(t, j.CreatedAt, j.UpdatedAt)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateAssigned, true},
		{StatePending, StateFailed, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateCompleted, false},
		{StateAssigned, StateInProgress, true},
		{StateAssigned, StateCompleted, true},
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateDone, true},
		{StateDone, StateApproved, true},
		{StateFailed, StateAssigned, false},
		{StateApproved, StateDone, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StateFailed))
	assert.True(t, IsTerminal(StateCancelled))
	assert.True(t, IsTerminal(StateCompleted))
	assert.False(t, IsTerminal(StatePending))
	assert.False(t, IsTerminal(StateAssigned))
}

func TestHasWorkerAndResponse(t *testing.T) {
	j := NewJob(KindTTS, PriorityLow, nil, 1, 3, nil)
	j.AssignedWorkers = []string{"w1", "w2"}
	assert.True(t, j.HasWorker("w1"))
	assert.False(t, j.HasWorker("w3"))

	acc := 0.9
	j.Responses = append(j.Responses, Response{WorkerID: "w1", AccuracyScore: &acc})
	assert.True(t, j.HasResponseFrom("w1"))
	assert.False(t, j.HasResponseFrom("w2"))
}
