package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/controller"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/nodeselect"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Nodes = []config.NodeDecl{
		{Names: "n[0-3]", CPUs: 8, RealMemory: 16000, TmpDisk: 8000, Features: []string{"ib"}},
	}
	cfg.Partitions = []config.PartitionDecl{
		{Name: "batch", Nodes: "n[0-3]", Default: true, Shared: "yes"},
	}
	return cfg
}

func testScheduler(t *testing.T) (*Scheduler, *controller.Registry) {
	t.Helper()
	reg, err := controller.NewRegistry("test", testConfig())
	require.NoError(t, err)
	return NewScheduler(reg, nodeselect.NewLinear(), 0), reg
}

func submit(t *testing.T, reg *controller.Registry, req wire.ResourceRequest, prio uint32) *types.Job {
	t.Helper()
	j, err := reg.SubmitJob(&wire.AllocateRequest{
		UserID: 500, Priority: prio, Req: req,
	}, "", "")
	require.NoError(t, err)
	return j
}

func TestTryPlace(t *testing.T) {
	s, reg := testScheduler(t)
	j := submit(t, reg, wire.ResourceRequest{MinNodes: 2, TimeLimit: 10}, 0)
	assert.True(t, s.TryPlace(j))
	assert.Equal(t, types.JobRunning, j.State)
	assert.Len(t, j.AllocNodes, 2)
}

func TestPlacementDeferredWhenFull(t *testing.T) {
	s, reg := testScheduler(t)
	a := submit(t, reg, wire.ResourceRequest{MinNodes: 4, TimeLimit: 10}, 0)
	require.True(t, s.TryPlace(a))

	b := submit(t, reg, wire.ResourceRequest{MinNodes: 1, TimeLimit: 10}, 0)
	assert.False(t, s.TryPlace(b), "no idle node left; job a is exclusive")
	assert.Equal(t, types.JobPending, b.State)
	assert.Equal(t, types.WaitResources, b.Reason)

	// Freeing the allocation makes the pending job placeable.
	_, err := reg.CompleteJobAllocation(a.ID, 0)
	require.NoError(t, err)
	require.NoError(t, reg.FinishCompleting(a))
	s.schedule()
	assert.Equal(t, types.JobRunning, b.State)
}

func TestSharingRules(t *testing.T) {
	s, reg := testScheduler(t)
	a := submit(t, reg, wire.ResourceRequest{MinNodes: 4, Shared: true, TimeLimit: 10}, 0)
	require.True(t, s.TryPlace(a))

	// A second sharing job fits on allocated shareable nodes.
	b := submit(t, reg, wire.ResourceRequest{MinNodes: 1, Shared: true, TimeLimit: 10}, 0)
	assert.True(t, s.TryPlace(b))

	// A non-sharing job cannot land on them.
	c := submit(t, reg, wire.ResourceRequest{MinNodes: 1, Shared: false, TimeLimit: 10}, 0)
	assert.False(t, s.TryPlace(c))
}

func TestPriorityOrder(t *testing.T) {
	s, reg := testScheduler(t)
	low := submit(t, reg, wire.ResourceRequest{MinNodes: 4, TimeLimit: 10}, 1)
	high := submit(t, reg, wire.ResourceRequest{MinNodes: 4, TimeLimit: 10}, 50)

	s.schedule()
	assert.Equal(t, types.JobRunning, high.State, "higher priority places first")
	assert.Equal(t, types.JobPending, low.State)
}

func TestDependencyHolds(t *testing.T) {
	s, reg := testScheduler(t)
	dep := submit(t, reg, wire.ResourceRequest{MinNodes: 1, TimeLimit: 10}, 0)
	require.True(t, s.TryPlace(dep))

	j, err := reg.SubmitJob(&wire.AllocateRequest{
		UserID: 500, Dependency: dep.ID,
		Req: wire.ResourceRequest{MinNodes: 1, TimeLimit: 10},
	}, "", "")
	require.NoError(t, err)

	assert.False(t, s.TryPlace(j))
	assert.Equal(t, types.WaitDependency, j.Reason)

	// Terminal dependency releases the hold.
	_, err = reg.CompleteJobAllocation(dep.ID, 0)
	require.NoError(t, err)
	require.NoError(t, reg.FinishCompleting(dep))
	assert.True(t, s.TryPlace(j))
}

func TestContiguousPlacement(t *testing.T) {
	s, reg := testScheduler(t)
	// Occupy n1 so no 3-node contiguous run exists from n0.
	first := submit(t, reg, wire.ResourceRequest{
		MinNodes: 1, ReqNodes: []string{"n1"}, TimeLimit: 10,
	}, 0)
	require.True(t, s.TryPlace(first))
	require.Equal(t, []string{"n1"}, first.AllocNodes)

	j := submit(t, reg, wire.ResourceRequest{MinNodes: 3, Contiguous: true, TimeLimit: 10}, 0)
	assert.False(t, s.TryPlace(j), "only n2-n3 contiguous free plus isolated n0")

	k := submit(t, reg, wire.ResourceRequest{MinNodes: 2, Contiguous: true, TimeLimit: 10}, 0)
	assert.True(t, s.TryPlace(k))
	assert.Equal(t, []string{"n2", "n3"}, k.AllocNodes)
}

func TestExcludedNodes(t *testing.T) {
	s, reg := testScheduler(t)
	j := submit(t, reg, wire.ResourceRequest{
		MinNodes: 1, ExcNodes: []string{"n0", "n1", "n2"}, TimeLimit: 10,
	}, 0)
	require.True(t, s.TryPlace(j))
	assert.Equal(t, []string{"n3"}, j.AllocNodes)
}
