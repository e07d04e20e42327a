package sched

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/controller"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/nodeselect"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// Scheduler iterates pending jobs in priority order and attempts
// placement through the select capability. A single loop owns all
// placement decisions, so they are atomic with respect to one another.
type Scheduler struct {
	registry *controller.Registry
	selector nodeselect.Capability
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	kickCh chan struct{}
	stopCh chan struct{}
}

// NewScheduler creates a scheduler over the registry.
func NewScheduler(reg *controller.Registry, selector nodeselect.Capability, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		registry: reg,
		selector: selector,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Kick wakes the loop outside the periodic tick (new submission, freed
// resources, configuration reload).
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.schedule()
		case <-s.kickCh:
			s.schedule()
		case <-s.stopCh:
			return
		}
	}
}

// schedule performs one scheduling cycle.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pendingByPriority()
	for _, j := range pending {
		if !s.tryPlace(j) {
			metrics.JobsDeferred.Inc()
		}
	}
	s.exportGauges()
}

// TryPlace attempts an immediate placement for one job; the controller
// installs it as its allocation fast path.
func (s *Scheduler) TryPlace(j *types.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryPlace(j)
}

func (s *Scheduler) pendingByPriority() []*types.Job {
	var pending []*types.Job
	for _, j := range s.registry.Jobs() {
		if j.State == types.JobPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		if pending[a].Priority != pending[b].Priority {
			return pending[a].Priority > pending[b].Priority
		}
		return pending[a].ID < pending[b].ID
	})
	return pending
}

func (s *Scheduler) tryPlace(j *types.Job) bool {
	if j.State != types.JobPending {
		return false
	}
	if j.Dependency != 0 {
		dep, err := s.registry.Job(j.Dependency)
		if err == nil && !dep.State.Terminal() {
			j.Reason = types.WaitDependency
			return false
		}
	}

	timer := metrics.NewTimer()
	candidates, err := s.candidates(j)
	if err != nil {
		j.Reason = types.WaitResources
		return false
	}

	pl, err := s.selector.JobTest(j, s.registry.Nodes(), candidates, j.Req.MinNodes, j.Req.MaxNodes, false)
	if err != nil {
		j.Reason = types.WaitResources
		s.logger.Debug().Err(err).Uint32("job_id", j.ID).Msg("placement deferred")
		return false
	}

	if err := s.registry.ApplyPlacement(j, pl); err != nil {
		s.logger.Error().Err(err).Uint32("job_id", j.ID).Msg("failed to apply placement")
		return false
	}
	if err := s.selector.JobBegin(j); err != nil {
		s.logger.Warn().Err(err).Uint32("job_id", j.ID).Msg("selector job_begin failed")
	}
	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.JobsScheduled.Inc()
	s.logger.Info().
		Uint32("job_id", j.ID).
		Int("nodes", pl.Bitmap.Count()).
		Msg("job placed")
	return true
}

// candidates builds the bitmap of nodes a job may be placed on: the
// partition membership thinned to schedulable nodes, minus exclusions,
// verified to cover any required nodes.
func (s *Scheduler) candidates(j *types.Job) (*bitmap.Bitmap, error) {
	part, err := s.registry.Partition(j.Partition)
	if err != nil {
		return nil, err
	}
	bm, err := s.registry.PartitionBitmap(part.Name)
	if err != nil {
		return nil, err
	}
	nodes := s.registry.Nodes()
	for _, idx := range bm.Indices() {
		n := nodes[idx]
		if !schedulable(n, j) {
			bm.Clear(idx)
		}
	}
	if len(j.Req.ExcNodes) > 0 {
		exc, err := s.registry.AllocBitmap(j.Req.ExcNodes)
		if err == nil {
			bm.AndNot(exc)
		}
	}
	if len(j.Req.ReqNodes) > 0 {
		req, err := s.registry.AllocBitmap(j.Req.ReqNodes)
		if err != nil {
			return nil, err
		}
		probe := bm.Clone()
		probe.And(req)
		if probe.Count() != req.Count() {
			return nil, wire.ErrPlacementInfeasible
		}
	}
	return bm, nil
}

// schedulable applies the sharing rules: an idle node always qualifies;
// an allocated node only when the job requests sharing and no resident
// job forbids it. The partition's sharing policy is not consulted.
func schedulable(n *types.Node, j *types.Job) bool {
	if n.Flags&(types.NodeFlagDrain|types.NodeFlagNoRespond) != 0 {
		return false
	}
	switch n.State {
	case types.NodeStateIdle:
		return true
	case types.NodeStateAllocated:
		if n.NoShareJobCnt > 0 {
			return false
		}
		return j.Req.Shared
	default:
		return false
	}
}

func (s *Scheduler) exportGauges() {
	counts := make(map[types.JobState]int)
	for _, j := range s.registry.Jobs() {
		counts[j.State]++
	}
	for st, n := range counts {
		metrics.JobsTotal.WithLabelValues(st.String()).Set(float64(n))
	}
	nodeCounts := make(map[types.NodeState]int)
	for _, n := range s.registry.Nodes() {
		nodeCounts[n.State]++
	}
	for st, n := range nodeCounts {
		metrics.NodesTotal.WithLabelValues(st.String()).Set(float64(n))
	}
}
