package controller

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/statestore"
	"github.com/cuemby/burrow/pkg/types"
)

// Checkpoint serializes the three registries through the state store.
func (r *Registry) Checkpoint(store *statestore.Store) error {
	// Lock order: partition -> job -> node.
	r.partMu.RLock()
	parts := make([]*types.Partition, 0, len(r.parts))
	for _, p := range r.parts {
		parts = append(parts, p)
	}
	r.partMu.RUnlock()

	r.jobMu.RLock()
	jobs := make([]*types.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.jobMu.RUnlock()

	r.nodeMu.RLock()
	nodes := append([]*types.Node(nil), r.nodes...)
	r.nodeMu.RUnlock()

	if err := store.SaveNodes(nodes); err != nil {
		return err
	}
	if err := store.SavePartitions(parts); err != nil {
		return err
	}
	return store.SaveJobs(jobs)
}

// Recover replays persisted state per the selected mode and reconciles
// it against the freshly loaded configuration.
func (r *Registry) Recover(store *statestore.Store, mode statestore.RecoveryMode) error {
	logger := log.WithComponent("recovery")
	if mode == statestore.RecoverNone {
		logger.Info().Msg("recovery disabled, using configuration only")
		return nil
	}

	if mode == statestore.RecoverFull {
		if err := r.recoverNodes(store); err != nil {
			return err
		}
		if err := r.recoverPartitions(store); err != nil {
			return err
		}
	}
	if err := r.recoverJobs(store); err != nil {
		return err
	}
	r.reconcile()
	return nil
}

// recoverNodes overlays persisted node state onto the configured table.
// Nodes absent from the new configuration are dropped; nodes present in
// configuration but absent from the snapshot stay freshly initialized.
func (r *Registry) recoverNodes(store *statestore.Store) error {
	saved, err := store.LoadNodes()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load node state: %w", err)
	}
	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()
	for _, sn := range saved {
		idx, ok := r.nodeByName[sn.Name]
		if !ok {
			continue // dropped from configuration
		}
		n := r.nodes[idx]
		n.State = sn.State
		n.Flags = sn.Flags
		n.Reason = sn.Reason
		n.LastResp = sn.LastResp
	}
	r.touchNodes()
	return nil
}

// recoverPartitions overlays persisted partition policy; membership is
// always rebuilt from configuration (the bitmap is canonical).
func (r *Registry) recoverPartitions(store *statestore.Store) error {
	saved, err := store.LoadPartitions()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load partition state: %w", err)
	}
	r.partMu.Lock()
	defer r.partMu.Unlock()
	for _, sp := range saved {
		p, ok := r.parts[sp.Name]
		if !ok {
			continue
		}
		p.Up = sp.Up
		p.MaxTime = sp.MaxTime
		p.MinNodes = sp.MinNodes
		p.MaxNodes = sp.MaxNodes
	}
	r.lastPartUpdate = time.Now()
	return nil
}

func (r *Registry) recoverJobs(store *statestore.Store) error {
	saved, err := store.LoadJobs()
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job state: %w", err)
	}
	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	for _, j := range saved {
		r.jobs[j.ID] = j
		if j.ID >= r.nextJobID {
			r.nextJobID = j.ID + 1
		}
	}
	r.touchJobs()
	return nil
}

// reconcile synchronizes node counters to jobs after replay and applies
// the restart transitions: a running job whose allocation covers a node
// now down becomes node-fail completing; a completing job whose nodes are
// all absent or down becomes its terminal state.
func (r *Registry) reconcile() {
	logger := log.WithComponent("recovery")

	r.jobMu.Lock()
	defer r.jobMu.Unlock()
	r.nodeMu.Lock()

	for _, n := range r.nodes {
		n.RunJobCnt = 0
		n.CompJobCnt = 0
		n.NoShareJobCnt = 0
		n.Flags &^= types.NodeFlagCompleting
	}

	var toNodeFail []*types.Job
	var toFinish []*types.Job

	for _, j := range r.jobs {
		switch j.State {
		case types.JobRunning, types.JobSuspended:
			bm := bitmap.FromBytes(len(r.nodes), j.AllocBitmap)
			failed := false
			for _, idx := range bm.Indices() {
				if idx >= len(r.nodes) || r.nodes[idx].State == types.NodeStateDown {
					failed = true
					break
				}
			}
			if failed {
				toNodeFail = append(toNodeFail, j)
				continue
			}
			for _, idx := range bm.Indices() {
				n := r.nodes[idx]
				n.State = types.NodeStateAllocated
				n.RunJobCnt++
				if !j.Req.Shared {
					n.NoShareJobCnt++
				}
			}
		case types.JobCompleting:
			bm := bitmap.FromBytes(len(r.nodes), j.AllocBitmap)
			allGone := true
			for _, idx := range bm.Indices() {
				if idx < len(r.nodes) && r.nodes[idx].State != types.NodeStateDown {
					allGone = false
					n := r.nodes[idx]
					n.CompJobCnt++
					n.Flags |= types.NodeFlagCompleting
				}
			}
			if allGone {
				toFinish = append(toFinish, j)
			}
		}
	}
	r.nodeMu.Unlock()

	for _, j := range toNodeFail {
		logger.Warn().Uint32("job_id", j.ID).Msg("allocation references a down node, failing job")
		r.beginCompletingLocked(j, types.JobNodeFail)
	}
	for _, j := range toFinish {
		j.Steps = nil
		final := j.FinalState
		if final == types.JobPending || final == types.JobRunning {
			final = types.JobComplete
		}
		j.State = final
		if j.EndTime.IsZero() {
			j.EndTime = time.Now()
		}
	}
	r.touchJobs()
}
