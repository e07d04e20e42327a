package statestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), "cluster-1")
}

func sampleJob() *types.Job {
	return &types.Job{
		ID: 7, Name: "mpi", UserID: 500, GroupID: 100, Partition: "batch",
		Account: "phys", Priority: 10, State: types.JobRunning,
		FinalState: types.JobComplete,
		Req: types.JobRequest{
			MinNodes: 2, MaxNodes: 2, TimeLimit: 30,
			Features: []string{"ib"}, Shared: false,
		},
		SubmitTime: time.Unix(100, 0).UTC(),
		StartTime:  time.Unix(200, 0).UTC(),
		AllocNodes: []string{"n0", "n1"},
		AllocBitmap: []byte{0x03, 0, 0, 0, 0, 0, 0, 0},
		CPUsPerNode: []uint32{8, 8},
		NextStepID:  1,
		Steps: []*types.Step{{
			JobID: 7, StepID: 0, UserID: 500, Name: "s0",
			TaskCount: 4, NodeCount: 2, Dist: types.DistBlock,
			Layout: &types.StepLayout{
				Nodes: []string{"n0", "n1"}, Tasks: []uint16{2, 2},
				TIDs: [][]uint32{{0, 1}, {2, 3}}, TaskCount: 4,
			},
			CredBlob:     []byte{1, 2, 3},
			StartTime:    time.Unix(300, 0).UTC(),
			CompleteBits: []byte{0},
		}},
	}
}

// TestRoundTrip checks load(save(S)) preserves the registries.
func TestRoundTrip(t *testing.T) {
	s := testStore(t)

	nodes := []*types.Node{
		{Name: "n0", Addr: "n0:6818", Index: 0, CPUs: 8, State: types.NodeStateAllocated,
			Partitions: []string{"batch"}, LastResp: time.Unix(50, 0).UTC()},
		{Name: "n1", Addr: "n1:6818", Index: 1, CPUs: 8, State: types.NodeStateDown,
			Flags: types.NodeFlagDrain, Reason: "bad dimm"},
	}
	parts := []*types.Partition{{
		Name: "batch", NodePattern: "n[0-1]", Default: true, Up: true,
		MaxTime: 120, MinNodes: 1, MaxNodes: 4, Shared: types.SharedYes,
		TotalNodes: 2, TotalCPUs: 16,
	}}
	jobs := []*types.Job{sampleJob()}

	require.NoError(t, s.SaveNodes(nodes))
	require.NoError(t, s.SavePartitions(parts))
	require.NoError(t, s.SaveJobs(jobs))

	gotNodes, err := s.LoadNodes()
	require.NoError(t, err)
	assert.Equal(t, nodes, gotNodes)

	gotParts, err := s.LoadPartitions()
	require.NoError(t, err)
	assert.Equal(t, parts, gotParts)

	gotJobs, err := s.LoadJobs()
	require.NoError(t, err)
	assert.Equal(t, jobs, gotJobs)
}

func TestCRCDetectsCorruption(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SaveNodes([]*types.Node{{Name: "n0"}}))

	path := filepath.Join(s.Dir, NodeStateFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = s.LoadNodes()
	assert.ErrorContains(t, err, "crc")
}

// TestPartialWriteKeepsPrevious checks a crashed write leaves the old
// snapshot intact: the tmp file never replaces the final one.
func TestPartialWriteKeepsPrevious(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SaveNodes([]*types.Node{{Name: "old"}}))

	tmp := filepath.Join(s.Dir, NodeStateFile+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("garbage from a crashed writer"), 0o600))

	got, err := s.LoadNodes()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	s := testStore(t)
	_, err := s.LoadJobs()
	assert.True(t, os.IsNotExist(err))
}
