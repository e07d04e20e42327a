package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/hostlist"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// Registry holds the controller's node, partition, and job tables. The
// lock hierarchy is config -> partition -> job -> node; callers that need
// more than one lock acquire them in that order.
type Registry struct {
	ClusterID string

	configMu sync.RWMutex
	cfg      *config.Config

	partMu         sync.RWMutex
	parts          map[string]*types.Partition
	partBitmaps    map[string]*bitmap.Bitmap
	lastPartUpdate time.Time

	jobMu         sync.RWMutex
	jobs          map[uint32]*types.Job
	nextJobID     uint32
	lastJobUpdate time.Time

	nodeMu         sync.RWMutex
	nodes          []*types.Node
	nodeByName     map[string]int
	lastNodeUpdate time.Time
}

// NewRegistry builds the registries from configuration.
func NewRegistry(clusterID string, cfg *config.Config) (*Registry, error) {
	r := &Registry{
		ClusterID:   clusterID,
		cfg:         cfg,
		parts:       make(map[string]*types.Partition),
		partBitmaps: make(map[string]*bitmap.Bitmap),
		jobs:        make(map[uint32]*types.Job),
		nextJobID:   1,
		nodeByName:  make(map[string]int),
	}
	if err := r.buildNodes(cfg); err != nil {
		return nil, err
	}
	if err := r.buildPartitions(cfg); err != nil {
		return nil, err
	}
	now := time.Now()
	r.lastNodeUpdate = now
	r.lastPartUpdate = now
	r.lastJobUpdate = now
	return r, nil
}

func (r *Registry) buildNodes(cfg *config.Config) error {
	for _, decl := range cfg.Nodes {
		names, err := hostlist.Expand(decl.Names)
		if err != nil {
			return fmt.Errorf("node declaration %q: %w", decl.Names, err)
		}
		for _, name := range names {
			if _, dup := r.nodeByName[name]; dup {
				return fmt.Errorf("node %s declared twice", name)
			}
			port := decl.AddrPort
			if port == 0 {
				port = 6818
			}
			n := &types.Node{
				Name:       name,
				Addr:       fmt.Sprintf("%s:%d", name, port),
				Index:      len(r.nodes),
				CPUs:       decl.CPUs,
				Sockets:    decl.Sockets,
				Cores:      decl.Cores,
				Threads:    decl.Threads,
				RealMemory: decl.RealMemory,
				TmpDisk:    decl.TmpDisk,
				Features:   decl.Features,
				State:      types.NodeStateIdle,
			}
			if n.CPUs == 0 {
				n.CPUs = 1
			}
			r.nodeByName[name] = n.Index
			r.nodes = append(r.nodes, n)
		}
	}
	return nil
}

func (r *Registry) buildPartitions(cfg *config.Config) error {
	for i := range cfg.Partitions {
		decl := &cfg.Partitions[i]
		bm := bitmap.New(len(r.nodes))
		names, err := hostlist.Expand(decl.Nodes)
		if err != nil {
			return fmt.Errorf("partition %s: %w", decl.Name, err)
		}
		totalCPUs := uint32(0)
		for _, name := range names {
			idx, ok := r.nodeByName[name]
			if !ok {
				return fmt.Errorf("partition %s names unknown node %s", decl.Name, name)
			}
			bm.Set(idx)
			totalCPUs += uint32(r.nodes[idx].CPUs)
			r.nodes[idx].Partitions = append(r.nodes[idx].Partitions, decl.Name)
		}
		maxNodes := decl.MaxNodes
		if maxNodes == 0 {
			maxNodes = types.Infinite
		}
		p := &types.Partition{
			Name:        decl.Name,
			NodePattern: hostlist.Compress(names),
			Default:     decl.Default,
			Hidden:      decl.Hidden,
			MaxTime:     decl.MaxTimeMinutes(),
			MinNodes:    decl.MinNodes,
			MaxNodes:    maxNodes,
			RootOnly:    decl.RootOnly,
			Up:          !decl.Down,
			Shared:      decl.SharedPolicy(),
			AllowGroups: decl.AllowGroups,
			TotalNodes:  uint32(bm.Count()),
			TotalCPUs:   totalCPUs,
		}
		r.parts[p.Name] = p
		r.partBitmaps[p.Name] = bm
	}
	return nil
}

// Config returns the loaded configuration.
func (r *Registry) Config() *config.Config {
	r.configMu.RLock()
	defer r.configMu.RUnlock()
	return r.cfg
}

// NodeCount returns the node table size.
func (r *Registry) NodeCount() int {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	return len(r.nodes)
}

// Nodes returns the node table. Entries are live pointers; callers
// holding them across mutations must take the node lock.
func (r *Registry) Nodes() []*types.Node {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	return append([]*types.Node(nil), r.nodes...)
}

// NodeByName resolves a node name.
func (r *Registry) NodeByName(name string) (*types.Node, error) {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	idx, ok := r.nodeByName[name]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", name, wire.ErrNodeDown)
	}
	return r.nodes[idx], nil
}

// NodeAddr resolves a node name to its comm address.
func (r *Registry) NodeAddr(name string) (string, error) {
	n, err := r.NodeByName(name)
	if err != nil {
		return "", err
	}
	return n.Addr, nil
}

// Partition resolves a partition name; empty selects the default.
func (r *Registry) Partition(name string) (*types.Partition, error) {
	r.partMu.RLock()
	defer r.partMu.RUnlock()
	if name == "" {
		for _, p := range r.parts {
			if p.Default {
				return p, nil
			}
		}
		return nil, fmt.Errorf("no default partition: %w", wire.ErrPlacementInfeasible)
	}
	p, ok := r.parts[name]
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", name, wire.ErrPlacementInfeasible)
	}
	return p, nil
}

// Partitions returns the partition table.
func (r *Registry) Partitions() []*types.Partition {
	r.partMu.RLock()
	defer r.partMu.RUnlock()
	out := make([]*types.Partition, 0, len(r.parts))
	for _, p := range r.parts {
		out = append(out, p)
	}
	return out
}

// PartitionBitmap returns the canonical membership bitmap.
func (r *Registry) PartitionBitmap(name string) (*bitmap.Bitmap, error) {
	p, err := r.Partition(name)
	if err != nil {
		return nil, err
	}
	r.partMu.RLock()
	defer r.partMu.RUnlock()
	return r.partBitmaps[p.Name].Clone(), nil
}

// Job resolves a job id.
func (r *Registry) Job(id uint32) (*types.Job, error) {
	r.jobMu.RLock()
	defer r.jobMu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, wire.ErrJobNotFound)
	}
	return j, nil
}

// Jobs returns every job record.
func (r *Registry) Jobs() []*types.Job {
	r.jobMu.RLock()
	defer r.jobMu.RUnlock()
	out := make([]*types.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// LastUpdate times for the no-change-in-data guard.
func (r *Registry) LastJobUpdate() time.Time {
	r.jobMu.RLock()
	defer r.jobMu.RUnlock()
	return r.lastJobUpdate
}

func (r *Registry) LastNodeUpdate() time.Time {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	return r.lastNodeUpdate
}

func (r *Registry) LastPartUpdate() time.Time {
	r.partMu.RLock()
	defer r.partMu.RUnlock()
	return r.lastPartUpdate
}

func (r *Registry) touchJobs()  { r.lastJobUpdate = time.Now() }
func (r *Registry) touchNodes() { r.lastNodeUpdate = time.Now() }

// SetNodeState moves a node to a base state with a reason, under the
// node lock.
func (r *Registry) SetNodeState(name string, state types.NodeState, reason string) error {
	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()
	idx, ok := r.nodeByName[name]
	if !ok {
		return fmt.Errorf("node %s: %w", name, wire.ErrNodeDown)
	}
	n := r.nodes[idx]
	n.State = state
	n.Reason = reason
	if state != types.NodeStateDown {
		n.LastResp = time.Now()
	}
	r.touchNodes()
	return nil
}

// AllocBitmap rebuilds a job's allocation bitmap from its node names.
func (r *Registry) AllocBitmap(nodeNames []string) (*bitmap.Bitmap, error) {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	bm := bitmap.New(len(r.nodes))
	for _, name := range nodeNames {
		idx, ok := r.nodeByName[name]
		if !ok {
			return nil, fmt.Errorf("node %s: %w", name, wire.ErrNodeDown)
		}
		bm.Set(idx)
	}
	return bm, nil
}

// NamesForBitmap maps a node bitmap back to names in table order.
func (r *Registry) NamesForBitmap(bm *bitmap.Bitmap) []string {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	names := make([]string, 0, bm.Count())
	for _, idx := range bm.Indices() {
		if idx < len(r.nodes) {
			names = append(names, r.nodes[idx].Name)
		}
	}
	return names
}
