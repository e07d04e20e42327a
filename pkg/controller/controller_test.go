package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/nodeselect"
	"github.com/cuemby/burrow/pkg/statestore"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.ControllerAddr = "127.0.0.1:0"
	cfg.Nodes = []config.NodeDecl{
		{Names: "n[0-3]", CPUs: 8, RealMemory: 16000, TmpDisk: 8000, Features: []string{"ib"}},
	}
	cfg.Partitions = []config.PartitionDecl{
		{Name: "batch", Nodes: "n[0-3]", Default: true, Shared: "yes", MaxTime: 120},
	}
	return cfg
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry("test-cluster", testConfig())
	require.NoError(t, err)
	return reg
}

func place(t *testing.T, reg *Registry, j *types.Job) {
	t.Helper()
	sel := nodeselect.NewLinear()
	candidates, err := reg.PartitionBitmap(j.Partition)
	require.NoError(t, err)
	pl, err := sel.JobTest(j, reg.Nodes(), candidates, j.Req.MinNodes, j.Req.MaxNodes, false)
	require.NoError(t, err)
	require.NoError(t, reg.ApplyPlacement(j, pl))
}

func submit(t *testing.T, reg *Registry, minNodes uint32) *types.Job {
	t.Helper()
	j, err := reg.SubmitJob(&wire.AllocateRequest{
		Name: "test", UserID: 500, GroupID: 100,
		Req: wire.ResourceRequest{MinNodes: minNodes, TimeLimit: 30},
	}, "", "")
	require.NoError(t, err)
	return j
}

func TestRegistryFromConfig(t *testing.T) {
	reg := testRegistry(t)
	assert.Equal(t, 4, reg.NodeCount())

	n, err := reg.NodeByName("n2")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStateIdle, n.State)
	assert.Equal(t, []string{"batch"}, n.Partitions)

	p, err := reg.Partition("")
	require.NoError(t, err)
	assert.Equal(t, "batch", p.Name)
	assert.Equal(t, uint32(4), p.TotalNodes)
	assert.Equal(t, uint32(32), p.TotalCPUs)
	assert.Equal(t, "n[0-3]", p.NodePattern)

	bm, err := reg.PartitionBitmap("batch")
	require.NoError(t, err)
	assert.Equal(t, int(p.TotalNodes), bm.Count(), "bitmap is the canonical membership")
}

func TestSubmitValidation(t *testing.T) {
	reg := testRegistry(t)

	_, err := reg.SubmitJob(&wire.AllocateRequest{
		Partition: "nope",
		Req:       wire.ResourceRequest{TimeLimit: 10},
	}, "", "")
	assert.Error(t, err)

	_, err = reg.SubmitJob(&wire.AllocateRequest{
		Req: wire.ResourceRequest{TimeLimit: 500},
	}, "", "")
	assert.ErrorIs(t, err, wire.ErrTimeLimitExceedsPartition)
}

func TestJobIDsMonotonic(t *testing.T) {
	reg := testRegistry(t)
	a := submit(t, reg, 1)
	b := submit(t, reg, 1)
	assert.Greater(t, b.ID, a.ID)
}

// TestPlacementInvariants checks a running job has a non-empty
// allocation whose nodes are allocated, with counters synced.
func TestPlacementInvariants(t *testing.T) {
	reg := testRegistry(t)
	j := submit(t, reg, 2)
	place(t, reg, j)

	assert.Equal(t, types.JobRunning, j.State)
	assert.Len(t, j.AllocNodes, 2)
	bm := bitmap.FromBytes(reg.NodeCount(), j.AllocBitmap)
	assert.Equal(t, len(j.AllocNodes), bm.Count())
	for _, name := range j.AllocNodes {
		n, err := reg.NodeByName(name)
		require.NoError(t, err)
		assert.Equal(t, types.NodeStateAllocated, n.State)
		assert.Equal(t, uint16(1), n.RunJobCnt)
		assert.Equal(t, uint16(1), n.NoShareJobCnt, "job does not allow sharing")
	}
}

func TestCancelPendingJob(t *testing.T) {
	reg := testRegistry(t)
	j := submit(t, reg, 1)
	_, err := reg.CancelJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, j.State)

	// Cancelling again is an idempotent no-op.
	_, err = reg.CancelJob(j.ID)
	assert.NoError(t, err)
	assert.Equal(t, types.JobCancelled, j.State)
}

func TestRunningJobLifecycle(t *testing.T) {
	reg := testRegistry(t)
	j := submit(t, reg, 2)
	place(t, reg, j)

	_, err := reg.CompleteJobAllocation(j.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleting, j.State, "completing is not terminal")
	for _, name := range j.AllocNodes {
		n, _ := reg.NodeByName(name)
		assert.Equal(t, uint16(0), n.RunJobCnt)
		assert.Equal(t, uint16(1), n.CompJobCnt)
		assert.NotZero(t, n.Flags&types.NodeFlagCompleting)
	}

	require.NoError(t, reg.FinishCompleting(j))
	assert.Equal(t, types.JobComplete, j.State)
	assert.False(t, j.StartTime.After(j.EndTime), "start <= end")
	for _, name := range j.AllocNodes {
		n, _ := reg.NodeByName(name)
		assert.Equal(t, types.NodeStateIdle, n.State)
		assert.Equal(t, uint16(0), n.CompJobCnt)
	}
}

func TestSuspendResume(t *testing.T) {
	reg := testRegistry(t)
	j := submit(t, reg, 1)
	place(t, reg, j)

	_, err := reg.SuspendJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSuspended, j.State)

	_, err = reg.ResumeJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, j.State)

	// Resuming a job that is not suspended fails without side effects.
	_, err = reg.ResumeJob(j.ID)
	assert.ErrorIs(t, err, wire.ErrStepNotSuspended)
	assert.Equal(t, types.JobRunning, j.State)
}

func TestCreateStepAndComplete(t *testing.T) {
	reg := testRegistry(t)
	credCap := cred.NewHMAC([]byte("key"))
	cred.Register(credCap)

	j := submit(t, reg, 2)
	place(t, reg, j)

	st, err := reg.CreateStep(&wire.StepCreateRequest{
		JobID: j.ID, UserID: 500, TaskCount: 4, NodeCount: 2, Dist: uint8(types.DistBlock),
	}, credCap)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), st.StepID)
	assert.Equal(t, uint32(4), st.Layout.TaskCount)

	sum := uint32(0)
	for _, n := range st.Layout.Tasks {
		sum += uint32(n)
	}
	assert.Equal(t, st.TaskCount, sum, "per-node tasks sum to the total")

	// The step's nodes are a subset of the job's allocation.
	alloc := map[string]bool{}
	for _, n := range j.AllocNodes {
		alloc[n] = true
	}
	for _, n := range st.Layout.Nodes {
		assert.True(t, alloc[n])
	}

	// Completion: first half, then an overlapping full range.
	done, err := reg.RecordStepComplete(&wire.StepCompleteMsg{
		JobID: j.ID, StepID: st.StepID, RangeFirst: 0, RangeLast: 0, StepRC: 0,
	})
	require.NoError(t, err)
	assert.False(t, done)

	done, err = reg.RecordStepComplete(&wire.StepCompleteMsg{
		JobID: j.ID, StepID: st.StepID, RangeFirst: 0, RangeLast: 1, StepRC: 2,
	})
	require.NoError(t, err)
	assert.True(t, done, "last record destroys the step")
	assert.Empty(t, j.Steps)

	// Redelivery after destruction is an idempotent success.
	done, err = reg.RecordStepComplete(&wire.StepCompleteMsg{
		JobID: j.ID, StepID: st.StepID, RangeFirst: 0, RangeLast: 1,
	})
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCreateStepRejectsZeroTasks(t *testing.T) {
	reg := testRegistry(t)
	credCap := cred.NewHMAC([]byte("key"))
	j := submit(t, reg, 1)
	place(t, reg, j)
	_, err := reg.CreateStep(&wire.StepCreateRequest{JobID: j.ID, TaskCount: 0}, credCap)
	assert.Error(t, err)
}

func TestPurgeOldJobs(t *testing.T) {
	reg := testRegistry(t)
	j := submit(t, reg, 1)
	_, err := reg.CancelJob(j.ID)
	require.NoError(t, err)
	j.EndTime = time.Now().Add(-time.Hour)

	assert.Equal(t, 1, reg.PurgeOldJobs(time.Minute))
	_, err = reg.Job(j.ID)
	assert.ErrorIs(t, err, wire.ErrJobNotFound)
}

// TestRecoveryDownedNode runs the snapshot-reload scenario: a running
// job whose allocation covers a node marked down transitions to
// node-fail completing with its end time set.
func TestRecoveryDownedNode(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)
	store := statestore.New(dir, reg.ClusterID)

	j := submit(t, reg, 2)
	place(t, reg, j)
	require.NoError(t, reg.Checkpoint(store))
	downed := j.AllocNodes[1]

	// Restart: fresh registries from the same configuration.
	reg2, err := NewRegistry(reg.ClusterID, testConfig())
	require.NoError(t, err)
	require.NoError(t, reg2.Recover(store, statestore.RecoverFull))
	require.NoError(t, reg2.SetNodeState(downed, types.NodeStateDown, "failed during restart"))
	reg2.reconcile()

	j2, err := reg2.Job(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleting, j2.State)
	assert.Equal(t, types.JobNodeFail, j2.FinalState)
	assert.False(t, j2.EndTime.IsZero(), "end time set at reload")
}

// TestRecoveryCountersSync checks run_job_cnt equals the running jobs
// covering each node after replay.
func TestRecoveryCountersSync(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)
	store := statestore.New(dir, reg.ClusterID)

	j := submit(t, reg, 2)
	place(t, reg, j)
	require.NoError(t, reg.Checkpoint(store))

	reg2, err := NewRegistry(reg.ClusterID, testConfig())
	require.NoError(t, err)
	require.NoError(t, reg2.Recover(store, statestore.RecoverFull))

	j2, err := reg2.Job(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, j2.State)
	for _, name := range j2.AllocNodes {
		n, err := reg2.NodeByName(name)
		require.NoError(t, err)
		assert.Equal(t, types.NodeStateAllocated, n.State)
		assert.Equal(t, uint16(1), n.RunJobCnt)
	}
}

func TestRecoverNone(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)
	store := statestore.New(dir, reg.ClusterID)
	submit(t, reg, 1)
	require.NoError(t, reg.Checkpoint(store))

	reg2, err := NewRegistry(reg.ClusterID, testConfig())
	require.NoError(t, err)
	require.NoError(t, reg2.Recover(store, statestore.RecoverNone))
	assert.Empty(t, reg2.Jobs(), "no recovery discards all state")
}
