package controller

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/dist"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// CreateStep builds a step inside a running job: assigns the step id,
// lays tasks out over a subset of the allocation, and issues the
// credential the client will embed in its launch payload.
func (r *Registry) CreateStep(req *wire.StepCreateRequest, credCap cred.Capability) (*types.Step, error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	j, ok := r.jobs[req.JobID]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", req.JobID, wire.ErrJobNotFound)
	}
	if j.State != types.JobRunning {
		return nil, fmt.Errorf("job %d is %s: %w", j.ID, j.State, wire.ErrJobNotRunning)
	}
	if req.UserID != j.UserID && req.UserID != 0 {
		return nil, fmt.Errorf("uid %d does not own job %d: %w", req.UserID, j.ID, wire.ErrUnauthorized)
	}
	if req.TaskCount == 0 {
		return nil, fmt.Errorf("step with zero tasks: %w", wire.ErrPlacementInfeasible)
	}

	// Choose the step's node subset from the job allocation, honoring an
	// explicit request when given.
	nodes := j.AllocNodes
	if len(req.ReqNodes) > 0 {
		allocSet := make(map[string]bool, len(j.AllocNodes))
		for _, n := range j.AllocNodes {
			allocSet[n] = true
		}
		for _, n := range req.ReqNodes {
			if !allocSet[n] {
				return nil, fmt.Errorf("node %s not in job %d allocation: %w", n, j.ID, wire.ErrPlacementInfeasible)
			}
		}
		nodes = req.ReqNodes
	}
	nodeCount := req.NodeCount
	if nodeCount == 0 || nodeCount > uint32(len(nodes)) {
		nodeCount = uint32(len(nodes))
	}
	if nodeCount > req.TaskCount {
		nodeCount = req.TaskCount
	}
	nodes = nodes[:nodeCount]

	// Spread tasks evenly; earlier nodes absorb the remainder.
	tasks := make([]uint16, nodeCount)
	base := req.TaskCount / nodeCount
	extra := req.TaskCount % nodeCount
	for i := range tasks {
		tasks[i] = uint16(base)
		if uint32(i) < extra {
			tasks[i]++
		}
	}

	layout := &types.StepLayout{
		Nodes:     nodes,
		Tasks:     tasks,
		TaskCount: req.TaskCount,
	}
	if _, err := dist.Assign(layout, types.TaskDist(req.Dist), req.Plane); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrPlacementInfeasible, err)
	}

	lifetime := time.Duration(0)
	if j.Req.TimeLimit != types.Infinite && j.Req.TimeLimit > 0 {
		lifetime = time.Duration(j.Req.TimeLimit) * time.Minute
	}
	c, err := credCap.Create(cred.CreateArgs{
		JobID:        j.ID,
		StepID:       j.NextStepID,
		UserID:       j.UserID,
		GroupID:      j.GroupID,
		Nodes:        nodes,
		TasksPerNode: tasks,
		Lifetime:     lifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue step credential: %w", err)
	}

	st := &types.Step{
		JobID:        j.ID,
		StepID:       j.NextStepID,
		UserID:       j.UserID,
		Name:         req.Name,
		TaskCount:    req.TaskCount,
		NodeCount:    nodeCount,
		Dist:         types.TaskDist(req.Dist),
		Plane:        req.Plane,
		Layout:       layout,
		CredBlob:     cred.PackAny(credCap, c),
		StartTime:    time.Now(),
		CompleteBits: bitmap.New(int(nodeCount)).Bytes(),
	}
	j.NextStepID++
	j.Steps = append(j.Steps, st)
	r.touchJobs()
	return st, nil
}

// Step resolves a step within a job.
func (r *Registry) Step(jobID, stepID uint32) (*types.Step, error) {
	r.jobMu.RLock()
	defer r.jobMu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", jobID, wire.ErrJobNotFound)
	}
	for _, st := range j.Steps {
		if st.StepID == stepID {
			return st, nil
		}
	}
	return nil, fmt.Errorf("step %d.%d: %w", jobID, stepID, wire.ErrStepNotFound)
}

// RecordStepComplete merges an inclusive node range into a step's
// completion bitmap. Overlapping redelivery is idempotent. It returns
// true when the step's last completion record has arrived and the step
// record has been destroyed.
func (r *Registry) RecordStepComplete(msg *wire.StepCompleteMsg) (stepDone bool, err error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	j, ok := r.jobs[msg.JobID]
	if !ok {
		return false, fmt.Errorf("job %d: %w", msg.JobID, wire.ErrJobNotFound)
	}
	var st *types.Step
	idx := -1
	for i, s := range j.Steps {
		if s.StepID == msg.StepID {
			st, idx = s, i
			break
		}
	}
	if st == nil {
		// The step already drained; a duplicated trailing record.
		return true, nil
	}
	if msg.RangeLast >= st.NodeCount || msg.RangeFirst > msg.RangeLast {
		return false, fmt.Errorf("range [%d,%d] over %d nodes: %w",
			msg.RangeFirst, msg.RangeLast, st.NodeCount, wire.ErrMalformedFrame)
	}

	bm := bitmap.FromBytes(int(st.NodeCount), st.CompleteBits)
	bm.SetRange(int(msg.RangeFirst), int(msg.RangeLast))
	st.CompleteBits = bm.Bytes()
	if msg.StepRC > st.ExitCode {
		st.ExitCode = msg.StepRC
	}
	r.touchJobs()

	if !bm.Full() {
		return false, nil
	}

	// Last record: destroy the step record; its credential dies with it.
	j.Steps = append(j.Steps[:idx], j.Steps[idx+1:]...)
	return true, nil
}
