package dist

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// Assign fills in layout.TIDs (and returns the inverse host map) for the
// given distribution policy. Every global task id in [0, TaskCount)
// appears exactly once and row i has length Tasks[i].
func Assign(layout *types.StepLayout, policy types.TaskDist, plane uint16) ([]int, error) {
	nhosts := len(layout.Nodes)
	if nhosts == 0 || len(layout.Tasks) != nhosts {
		return nil, fmt.Errorf("layout has %d nodes and %d task counts", nhosts, len(layout.Tasks))
	}
	total := uint32(0)
	for _, t := range layout.Tasks {
		total += uint32(t)
	}
	if total != layout.TaskCount {
		return nil, fmt.Errorf("task counts sum to %d, layout declares %d", total, layout.TaskCount)
	}
	if total == 0 {
		return nil, fmt.Errorf("zero tasks")
	}

	layout.TIDs = make([][]uint32, nhosts)
	for i := range layout.TIDs {
		layout.TIDs[i] = make([]uint32, 0, layout.Tasks[i])
	}

	switch policy {
	case types.DistBlock:
		assignBlock(layout)
	case types.DistCyclic:
		assignCyclic(layout)
	case types.DistPlane:
		if plane == 0 {
			return nil, fmt.Errorf("plane distribution requires a plane size")
		}
		assignPlane(layout, int(plane))
	default:
		return nil, fmt.Errorf("unknown distribution %d", policy)
	}

	hostOf := make([]int, layout.TaskCount)
	for i, row := range layout.TIDs {
		for _, tid := range row {
			hostOf[tid] = i
		}
	}
	return hostOf, nil
}

// assignBlock fills node 0's slots first, then node 1, and so on.
func assignBlock(l *types.StepLayout) {
	tid := uint32(0)
	for i := range l.Nodes {
		for j := uint16(0); j < l.Tasks[i]; j++ {
			l.TIDs[i] = append(l.TIDs[i], tid)
			tid++
		}
	}
}

// assignCyclic deals tids round-robin in layers; at layer n, node i
// receives a tid only if it still has a free slot.
func assignCyclic(l *types.StepLayout) {
	tid := uint32(0)
	for layer := uint16(0); tid < l.TaskCount; layer++ {
		for i := range l.Nodes {
			if l.Tasks[i] > layer {
				l.TIDs[i] = append(l.TIDs[i], tid)
				tid++
			}
		}
	}
}

// assignPlane places a block of size p on each node in turn, repeating
// until all tasks are placed.
func assignPlane(l *types.StepLayout, p int) {
	tid := uint32(0)
	for tid < l.TaskCount {
		for i := range l.Nodes {
			for j := 0; j < p; j++ {
				if len(l.TIDs[i]) >= int(l.Tasks[i]) {
					break
				}
				l.TIDs[i] = append(l.TIDs[i], tid)
				tid++
				if tid == l.TaskCount {
					break
				}
			}
			if tid == l.TaskCount {
				break
			}
		}
	}
}

// Validate checks the distribution invariants on a finished layout.
func Validate(l *types.StepLayout) error {
	seen := make(map[uint32]bool, l.TaskCount)
	for i, row := range l.TIDs {
		if len(row) != int(l.Tasks[i]) {
			return fmt.Errorf("node %d has %d tids, wants %d", i, len(row), l.Tasks[i])
		}
		for _, tid := range row {
			if tid >= l.TaskCount {
				return fmt.Errorf("tid %d out of range", tid)
			}
			if seen[tid] {
				return fmt.Errorf("tid %d assigned twice", tid)
			}
			seen[tid] = true
		}
	}
	if len(seen) != int(l.TaskCount) {
		return fmt.Errorf("%d of %d tids assigned", len(seen), l.TaskCount)
	}
	return nil
}
