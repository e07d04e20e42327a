package controller

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/nodeselect"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// SubmitJob creates a pending job from an allocation or batch request and
// returns it. Validation failures leave no record behind.
func (r *Registry) SubmitJob(req *wire.AllocateRequest, script, cwd string) (*types.Job, error) {
	part, err := r.Partition(req.Partition)
	if err != nil {
		return nil, err
	}
	if !part.Up {
		return nil, fmt.Errorf("partition %s: %w", part.Name, wire.ErrPartitionDown)
	}
	if req.UserID != 0 && part.RootOnly {
		return nil, fmt.Errorf("partition %s is root-only: %w", part.Name, wire.ErrUnauthorized)
	}
	limit := req.Req.TimeLimit
	if limit != types.Infinite && part.MaxTime != types.Infinite && limit > part.MaxTime {
		return nil, fmt.Errorf("limit %d > partition max %d: %w", limit, part.MaxTime, wire.ErrTimeLimitExceedsPartition)
	}

	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	now := time.Now()
	j := &types.Job{
		ID:          r.nextJobID,
		Name:        req.Name,
		UserID:      req.UserID,
		GroupID:     req.GroupID,
		Partition:   part.Name,
		Account:     req.Account,
		Priority:    req.Priority,
		Dependency:  req.Dependency,
		BatchScript: script,
		State:       types.JobPending,
		Reason:      types.WaitResources,
		SubmitTime:  now,
		EligibleTime: now,
		NextStepID:  0,
		Req: types.JobRequest{
			MinNodes:   req.Req.MinNodes,
			MaxNodes:   req.Req.MaxNodes,
			MinCPUs:    req.Req.MinCPUs,
			MinMemory:  req.Req.MinMemory,
			MinTmpDisk: req.Req.MinTmpDisk,
			ReqNodes:   req.Req.ReqNodes,
			ExcNodes:   req.Req.ExcNodes,
			Features:   req.Req.Features,
			Contiguous: req.Req.Contiguous,
			Shared:     req.Req.Shared,
			TimeLimit:  req.Req.TimeLimit,
		},
	}
	if j.Req.MinNodes == 0 {
		j.Req.MinNodes = 1
	}
	if j.Priority == 0 {
		j.Priority = 100
	}
	if j.Dependency != 0 {
		j.Reason = types.WaitDependency
	}
	_ = cwd
	r.nextJobID++
	r.jobs[j.ID] = j
	r.touchJobs()
	return j, nil
}

// ApplyPlacement transitions a pending job to running on the placement's
// nodes, updating node states and counters. Lock order: job then node.
func (r *Registry) ApplyPlacement(j *types.Job, pl *nodeselect.Placement) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	if j.State != types.JobPending {
		return fmt.Errorf("job %d is %s: %w", j.ID, j.State, wire.ErrInvalidTransition)
	}

	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()

	names := make([]string, 0, pl.Bitmap.Count())
	for _, idx := range pl.Bitmap.Indices() {
		n := r.nodes[idx]
		names = append(names, n.Name)
		n.State = types.NodeStateAllocated
		n.RunJobCnt++
		if !j.Req.Shared {
			n.NoShareJobCnt++
		}
	}

	j.State = types.JobRunning
	j.Reason = types.WaitNone
	j.StartTime = time.Now()
	j.AllocNodes = names
	j.AllocBitmap = pl.Bitmap.Bytes()
	j.CPUsPerNode = pl.CPUsPerNode
	if pl.Info != nil {
		b := wire.NewBuffer()
		b.PutString(pl.Info.Identity())
		pl.Info.Pack(b)
		j.SelectPayload = b.Bytes()
	}

	r.touchJobs()
	r.touchNodes()
	return nil
}

// beginCompleting moves a running or suspended job into completing and
// flips its nodes from running to completing accounting. Callers hold
// the job lock.
func (r *Registry) beginCompletingLocked(j *types.Job, final types.JobState) {
	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()

	bm := bitmap.FromBytes(len(r.nodes), j.AllocBitmap)
	for _, idx := range bm.Indices() {
		n := r.nodes[idx]
		if n.RunJobCnt > 0 {
			n.RunJobCnt--
		}
		if !j.Req.Shared && n.NoShareJobCnt > 0 {
			n.NoShareJobCnt--
		}
		n.CompJobCnt++
		n.Flags |= types.NodeFlagCompleting
	}

	j.State = types.JobCompleting
	j.EndTime = time.Now()
	j.Reason = types.WaitNone
	j.FinalState = final
	r.touchJobs()
	r.touchNodes()
}

// FinishCompleting drains a completing job into its terminal state once
// its steps are gone, releasing the nodes.
func (r *Registry) FinishCompleting(j *types.Job) error {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	if j.State != types.JobCompleting {
		return fmt.Errorf("job %d is %s: %w", j.ID, j.State, wire.ErrInvalidTransition)
	}
	if len(j.Steps) > 0 {
		return wire.ErrTryAgain
	}

	r.nodeMu.Lock()
	bm := bitmap.FromBytes(len(r.nodes), j.AllocBitmap)
	for _, idx := range bm.Indices() {
		n := r.nodes[idx]
		if n.CompJobCnt > 0 {
			n.CompJobCnt--
		}
		if n.CompJobCnt == 0 {
			n.Flags &^= types.NodeFlagCompleting
		}
		if n.State == types.NodeStateAllocated && n.RunJobCnt == 0 && n.CompJobCnt == 0 {
			n.State = types.NodeStateIdle
		}
	}
	r.nodeMu.Unlock()

	final := j.FinalState
	if final == types.JobPending || final == types.JobRunning {
		final = types.JobComplete
	}
	j.State = final
	r.touchJobs()
	r.touchNodes()
	return nil
}

// CancelJob cancels a queued job outright or routes a running job through
// completing. Cancelling a job already terminal is a no-op success.
func (r *Registry) CancelJob(id uint32) (*types.Job, error) {
	r.jobMu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.jobMu.Unlock()
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	switch j.State {
	case types.JobPending:
		j.State = types.JobCancelled
		j.EndTime = time.Now()
		r.touchJobs()
	case types.JobRunning, types.JobSuspended:
		r.beginCompletingLocked(j, types.JobCancelled)
	default:
		// Terminal or already completing: idempotent success.
	}
	r.jobMu.Unlock()
	return j, nil
}

// TimeoutJob routes a running job through completing to timeout.
func (r *Registry) TimeoutJob(id uint32) (*types.Job, error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	if j.State != types.JobRunning && j.State != types.JobSuspended {
		return nil, fmt.Errorf("job %d is %s: %w", id, j.State, wire.ErrJobNotRunning)
	}
	r.beginCompletingLocked(j, types.JobTimeout)
	return j, nil
}

// NodeFailJob routes a running job through completing to node-fail.
func (r *Registry) NodeFailJob(id uint32) (*types.Job, error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	if j.State != types.JobRunning && j.State != types.JobSuspended {
		return nil, fmt.Errorf("job %d is %s: %w", id, j.State, wire.ErrJobNotRunning)
	}
	r.beginCompletingLocked(j, types.JobNodeFail)
	return j, nil
}

// CompleteJobAllocation releases a running job's allocation with the
// given return code; zero maps to complete, non-zero to failed.
func (r *Registry) CompleteJobAllocation(id, rc uint32) (*types.Job, error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	if j.State != types.JobRunning && j.State != types.JobSuspended {
		return nil, fmt.Errorf("job %d is %s: %w", id, j.State, wire.ErrJobNotRunning)
	}
	final := types.JobComplete
	if rc != 0 {
		final = types.JobFailed
	}
	j.ExitCode = rc
	r.beginCompletingLocked(j, final)
	return j, nil
}

// SuspendJob flips running -> suspended; ResumeJob the reverse. Resuming
// a job that is not suspended is an error without side effects.
func (r *Registry) SuspendJob(id uint32) (*types.Job, error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	if j.State != types.JobRunning {
		return nil, fmt.Errorf("job %d is %s: %w", id, j.State, wire.ErrJobNotRunning)
	}
	j.State = types.JobSuspended
	r.touchJobs()
	return j, nil
}

func (r *Registry) ResumeJob(id uint32) (*types.Job, error) {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	if j.State != types.JobSuspended {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrStepNotSuspended)
	}
	j.State = types.JobRunning
	r.touchJobs()
	return j, nil
}

// PurgeOldJobs removes terminal jobs older than minAge and returns how
// many were removed.
func (r *Registry) PurgeOldJobs(minAge time.Duration) int {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	cutoff := time.Now().Add(-minAge)
	purged := 0
	for id, j := range r.jobs {
		if j.State.Terminal() && !j.EndTime.IsZero() && j.EndTime.Before(cutoff) {
			delete(r.jobs, id)
			purged++
		}
	}
	if purged > 0 {
		r.touchJobs()
	}
	return purged
}
