package stepmgr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

func TestExpandFname(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"out.%j.%s.%t", "out.9.1.4"},
		{"%N.log", "n3.log"},
		{"plain.txt", "plain.txt"},
		{"pct%%", "pct%"},
		{"tail%", "tail%"},
		{"%q", "%q"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandFname(tt.pattern, 9, 1, 4, "n3"), tt.pattern)
	}
}

func TestBuildTreeGuarantees(t *testing.T) {
	for _, tc := range []struct{ nodes, fanout int }{
		{1, 2}, {2, 2}, {8, 2}, {9, 4}, {17, 8}, {5, 1},
	} {
		tree := BuildTree(tc.nodes, tc.fanout)
		require.Len(t, tree, tc.nodes)

		assert.Equal(t, -1, tree[0].ParentRank)
		assert.Equal(t, 0, tree[0].First)
		assert.Equal(t, tc.nodes-1, tree[0].Last)

		for rank, pos := range tree {
			assert.Equal(t, rank, pos.Rank)
			assert.Equal(t, rank, pos.First, "a rank heads its own span")
			assert.LessOrEqual(t, len(pos.Children), tc.fanout)
			// Children partition the remainder of the span.
			next := pos.First + 1
			for _, child := range pos.Children {
				assert.Equal(t, next, child)
				next = tree[child].Last + 1
			}
			if len(pos.Children) > 0 {
				assert.Equal(t, pos.Last+1, next, "children cover the span")
			}
			if pos.ParentRank >= 0 {
				parent := tree[pos.ParentRank]
				assert.GreaterOrEqual(t, pos.First, parent.First)
				assert.LessOrEqual(t, pos.Last, parent.Last)
			}
		}
	}
}

// TestAggregationEightNodes runs the fan-out 2 scenario: eight ranks
// complete and exactly one record (0, 7, max rc) reaches the root's
// upstream.
func TestAggregationEightNodes(t *testing.T) {
	const nodes = 8
	tree := BuildTree(nodes, 2)

	var mu sync.Mutex
	var toController []*wire.StepCompleteMsg
	aggs := make([]*Aggregator, nodes)

	var sendUp func(from int) func(*wire.StepCompleteMsg) error
	sendUp = func(from int) func(*wire.StepCompleteMsg) error {
		return func(msg *wire.StepCompleteMsg) error {
			parent := tree[from].ParentRank
			if parent < 0 {
				mu.Lock()
				toController = append(toController, msg)
				mu.Unlock()
				return nil
			}
			return aggs[parent].ChildDone(msg)
		}
	}
	for rank := range aggs {
		aggs[rank] = NewAggregator(9, 1, tree[rank], sendUp(rank))
	}

	// Leaves first, then inner ranks, with varying return codes.
	order := []int{7, 6, 5, 4, 3, 2, 1, 0}
	rcs := []uint32{0, 0, 3, 0, 1, 0, 0, 0}
	for i, rank := range order {
		require.NoError(t, aggs[rank].LocalDone(rcs[i], types.StepAccounting{UserUsec: 10}))
	}

	require.Len(t, toController, 1, "exactly one completion reaches the controller")
	msg := toController[0]
	assert.Equal(t, uint32(0), msg.RangeFirst)
	assert.Equal(t, uint32(nodes-1), msg.RangeLast)
	assert.Equal(t, uint32(3), msg.StepRC, "step rc is the max of contained exit codes")
	assert.Equal(t, uint64(80), msg.UserUsec, "usage sums across ranks")

	// Redelivering an overlapping range is idempotent: no second record.
	require.NoError(t, aggs[0].ChildDone(&wire.StepCompleteMsg{
		JobID: 9, StepID: 1, RangeFirst: 1, RangeLast: 3, StepRC: 0,
	}))
	assert.Len(t, toController, 1)
}

func TestAggregatorRejectsBadRange(t *testing.T) {
	tree := BuildTree(4, 2)
	agg := NewAggregator(1, 0, tree[0], func(*wire.StepCompleteMsg) error { return nil })
	err := agg.ChildDone(&wire.StepCompleteMsg{RangeFirst: 2, RangeLast: 9})
	assert.ErrorIs(t, err, wire.ErrMalformedFrame)
	err = agg.ChildDone(&wire.StepCompleteMsg{RangeFirst: 3, RangeLast: 2})
	assert.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestTaskStateString(t *testing.T) {
	assert.Equal(t, "init", TaskInit.String())
	assert.Equal(t, "starting", TaskStarting.String())
	assert.Equal(t, "running", TaskRunning.String())
	assert.Equal(t, "complete", TaskComplete.String())
}
