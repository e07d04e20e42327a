package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStateStrings(t *testing.T) {
	tests := []struct {
		state JobState
		want  string
	}{
		{JobPending, "pending"},
		{JobRunning, "running"},
		{JobSuspended, "suspended"},
		{JobCompleting, "completing"},
		{JobComplete, "complete"},
		{JobCancelled, "cancelled"},
		{JobFailed, "failed"},
		{JobTimeout, "timeout"},
		{JobNodeFail, "node-fail"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobCompleting.Terminal(), "completing is not a terminal state")
	assert.True(t, JobComplete.Terminal())
	assert.True(t, JobCancelled.Terminal())
	assert.True(t, JobNodeFail.Terminal())
}

func TestNodeStateStrings(t *testing.T) {
	assert.Equal(t, "idle", NodeStateIdle.String())
	assert.Equal(t, "allocated", NodeStateAllocated.String())
	assert.Equal(t, "down", NodeStateDown.String())
	assert.Equal(t, "unknown", NodeStateUnknown.String())
}

func TestHostOf(t *testing.T) {
	l := &StepLayout{
		Nodes:     []string{"a", "b"},
		Tasks:     []uint16{2, 1},
		TIDs:      [][]uint32{{0, 2}, {1}},
		TaskCount: 3,
	}
	assert.Equal(t, 0, l.HostOf(0))
	assert.Equal(t, 1, l.HostOf(1))
	assert.Equal(t, 0, l.HostOf(2))
	assert.Equal(t, -1, l.HostOf(9))
}
