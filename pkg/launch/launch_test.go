//go:build linux

package launch

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func twoNodeLayout() *types.StepLayout {
	return &types.StepLayout{
		Nodes:     []string{"n0", "n1"},
		Tasks:     []uint16{2, 2},
		TIDs:      [][]uint32{{0, 1}, {2, 3}},
		TaskCount: 4,
	}
}

func newState(t *testing.T, p Params) *State {
	t.Helper()
	if p.Layout == nil {
		p.Layout = twoNodeLayout()
	}
	s, err := NewState(p)
	require.NoError(t, err)
	return s
}

func TestZeroTasksRejected(t *testing.T) {
	_, err := NewState(Params{Layout: &types.StepLayout{Nodes: []string{"n0"}}})
	assert.Error(t, err, "zero tasks is a validation error; no launch RPC is sent")
}

func TestRespPortCount(t *testing.T) {
	assert.Equal(t, 1, RespPortCount(1))
	assert.Equal(t, 1, RespPortCount(48))
	assert.Equal(t, 2, RespPortCount(49))
	assert.Equal(t, 3, RespPortCount(100))
}

// TestTwoNodeBlockLaunch walks the four-task scenario: responses cover
// all tids, every task exits zero, and the client exit code is zero.
func TestTwoNodeBlockLaunch(t *testing.T) {
	s := newState(t, Params{JobID: 9, StepID: 0})

	s.handleLaunchResponse(&wire.LaunchTasksResponse{
		NodeName: "n0", GTIDs: []uint32{0, 1},
	})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{
		NodeName: "n1", GTIDs: []uint32{2, 3},
	})
	require.NoError(t, s.WaitStarted())

	s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{0, 1, 2, 3}, ReturnCode: 0})
	require.NoError(t, s.WaitFinished())
	assert.Equal(t, 0, s.ExitCode())
}

// TestSignalTargetsActiveNodes checks a signal goes only to nodes with
// started-and-not-exited tasks.
func TestSignalTargetsActiveNodes(t *testing.T) {
	s := newState(t, Params{})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{NodeName: "n0", GTIDs: []uint32{0, 1}})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{NodeName: "n1", GTIDs: []uint32{2, 3}})

	// Tids 0 and 1 exited: only n1 remains a target.
	s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{0, 1}})
	assert.Equal(t, []string{"n1"}, s.ActiveNodes())

	// All exited: no targets at all.
	s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{2, 3}})
	assert.Empty(t, s.ActiveNodes())
}

// TestNodeFail checks a failed node's tasks land in both bitmaps, and
// the waits complete once the rest finish.
func TestNodeFail(t *testing.T) {
	layout := &types.StepLayout{
		Nodes:     []string{"n0", "n1", "n2"},
		Tasks:     []uint16{1, 1, 1},
		TIDs:      [][]uint32{{0}, {1}, {2}},
		TaskCount: 3,
	}
	var failed []string
	s := newState(t, Params{Layout: layout, Callbacks: Callbacks{
		NodeFail: func(nodes []string) { failed = nodes },
	}})

	s.handleLaunchResponse(&wire.LaunchTasksResponse{NodeName: "n0", GTIDs: []uint32{0}})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{NodeName: "n2", GTIDs: []uint32{2}})
	s.handleNodeFail([]string{"n1"})

	assert.True(t, s.Started().Test(1), "failed task counts as started")
	assert.True(t, s.Exited().Test(1), "failed task counts as exited")
	assert.Equal(t, []string{"n1"}, failed)

	require.NoError(t, s.WaitStarted(), "wait-for-start succeeds once accounting applied")
	s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{0, 2}})
	require.NoError(t, s.WaitFinished())
}

func TestExitOnceSticky(t *testing.T) {
	s := newState(t, Params{})
	s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{0}, ReturnCode: 2})
	s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{0}, ReturnCode: 0})
	assert.True(t, s.Exited().Test(0), "a task cannot un-exit")
	assert.Equal(t, 2, s.ExitCode(), "max exit code wins")
}

func TestLaunchFailureExitCode(t *testing.T) {
	s := newState(t, Params{})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{
		NodeName: "n0", RC: wire.CodeCredInvalid, GTIDs: []uint32{0, 1},
	})
	assert.True(t, s.Exited().Test(0))
	assert.Equal(t, 1, s.ExitCode(), "launch failure forces a non-zero exit")
}

// TestAbortDuringWaitStarted checks the kill is sent once and the wait
// returns failure.
func TestAbortDuringWaitStarted(t *testing.T) {
	var kills atomic.Int32
	s := newState(t, Params{Kill: func() error { kills.Add(1); return nil }})

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Abort()
	}()
	err := s.WaitStarted()
	assert.Error(t, err)
	assert.Equal(t, int32(1), kills.Load())

	// A second wait does not re-kill.
	assert.Error(t, s.WaitStarted())
	assert.Equal(t, int32(1), kills.Load())
}

// TestAbortGraceRetry checks the defensive second kill fires when tasks
// ignore the first within the grace period.
func TestAbortGraceRetry(t *testing.T) {
	var kills atomic.Int32
	s := newState(t, Params{
		AbortGrace: 50 * time.Millisecond,
		Kill:       func() error { kills.Add(1); return nil },
	})
	s.Abort()
	err := s.WaitFinished()
	assert.ErrorIs(t, err, wire.ErrTimeout)
	assert.Equal(t, int32(2), kills.Load(), "initial kill plus the timeout retry")
}

func TestAbortedFinishAfterExit(t *testing.T) {
	s := newState(t, Params{AbortGrace: time.Second, Kill: func() error { return nil }})
	s.Abort()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.handleTaskExit(&wire.TaskExitMsg{TaskIDs: []uint32{0, 1, 2, 3}})
	}()
	assert.NoError(t, s.WaitFinished(), "exits within the grace period finish cleanly")
}

func TestUserManagedIOWaits(t *testing.T) {
	s := newState(t, Params{UserManagedIO: true})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{NodeName: "n0", GTIDs: []uint32{0, 1}})
	s.handleLaunchResponse(&wire.LaunchTasksResponse{NodeName: "n1", GTIDs: []uint32{2, 3}})

	done := make(chan error, 1)
	go func() { done <- s.WaitStarted() }()
	select {
	case <-done:
		t.Fatal("wait-for-start returned before user sockets connected")
	case <-time.After(30 * time.Millisecond):
	}
	for i := 0; i < 4; i++ {
		s.UserIOConnected()
	}
	assert.NoError(t, <-done)
}

func TestPMIHandler(t *testing.T) {
	kvs := map[string]string{}
	s := newState(t, Params{PMI: pmiMap(kvs)})

	reply := s.handleMessage(&wire.PMIKVSPutRequest{Key: "rank0", Value: "addr"})
	rc, ok := reply.(*wire.RCResponse)
	require.True(t, ok)
	assert.Equal(t, wire.CodeSuccess, rc.RC)

	reply = s.handleMessage(&wire.PMIKVSGetRequest{Key: "rank0"})
	get, ok := reply.(*wire.PMIKVSGetResponse)
	require.True(t, ok)
	assert.Equal(t, "addr", get.Value)

	// PMI traffic does not touch the bitmaps.
	assert.Equal(t, 0, s.Started().Count())
	assert.Equal(t, 0, s.Exited().Count())
}

type pmiMap map[string]string

func (m pmiMap) Put(k, v string) error { m[k] = v; return nil }
func (m pmiMap) Get(k string) (string, error) {
	v, ok := m[k]
	if !ok {
		return "", wire.ErrJobNotFound
	}
	return v, nil
}
