package nodeselect

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// JobInfo is the opaque per-job payload a selector attaches to a
// placement. It crosses process boundaries with an identity prefix.
type JobInfo interface {
	Identity() string
	Pack(*wire.Buffer)
	Unpack(*wire.Buffer) error
	Copy() JobInfo
	Sprint(mode string) string
}

// Placement is the result of a successful job_test.
type Placement struct {
	Bitmap      *bitmap.Bitmap
	CPUsPerNode []uint32
	Info        JobInfo
}

// Capability maps a job's request to a node bitmap and tracks per-job
// selector state across the job lifecycle.
type Capability interface {
	Identity() string

	// JobTest chooses up to maxNodes nodes from candidates satisfying
	// the job's request. With testOnly set no selector state changes.
	JobTest(job *types.Job, nodes []*types.Node, candidates *bitmap.Bitmap, minNodes, maxNodes uint32, testOnly bool) (*Placement, error)

	JobBegin(job *types.Job) error
	JobReady(job *types.Job) (bool, error)
	JobFini(job *types.Job) error
	JobSuspend(job *types.Job) error
	JobResume(job *types.Job) error

	PackJobInfo(info JobInfo, b *wire.Buffer)
	UnpackJobInfo(b *wire.Buffer) (JobInfo, error)
}

var registry = map[string]Capability{}

// Register adds a selector to the process registry.
func Register(c Capability) { registry[c.Identity()] = c }

// Lookup finds a registered selector by identity.
func Lookup(identity string) (Capability, error) {
	c, ok := registry[identity]
	if !ok {
		return nil, fmt.Errorf("no select capability %q", identity)
	}
	return c, nil
}

// linearInfo is the linear selector's trivial jobinfo payload.
type linearInfo struct {
	NodeCnt uint32
}

func (i *linearInfo) Identity() string { return "select/linear" }

func (i *linearInfo) Pack(b *wire.Buffer) { b.PutU32(i.NodeCnt) }

func (i *linearInfo) Unpack(b *wire.Buffer) error {
	i.NodeCnt = b.GetU32()
	return b.Err()
}

func (i *linearInfo) Copy() JobInfo { c := *i; return &c }

func (i *linearInfo) Sprint(mode string) string {
	return fmt.Sprintf("nodes=%d", i.NodeCnt)
}

// Linear is the default selector: first-fit over the candidate bitmap in
// node-table order, honoring contiguity, features, and per-node memory
// and scratch minimums.
type Linear struct{}

// NewLinear returns the linear selector.
func NewLinear() *Linear { return &Linear{} }

func (s *Linear) Identity() string { return "select/linear" }

func (s *Linear) JobTest(job *types.Job, nodes []*types.Node, candidates *bitmap.Bitmap, minNodes, maxNodes uint32, testOnly bool) (*Placement, error) {
	// Thin candidates to nodes satisfying the per-node request.
	usable := candidates.Clone()
	for _, idx := range candidates.Indices() {
		n := nodes[idx]
		if !nodeFits(n, &job.Req) {
			usable.Clear(idx)
		}
	}

	want := minNodes
	if want == 0 {
		want = 1
	}
	if uint32(usable.Count()) < want {
		return nil, wire.ErrInsufficientNodes
	}

	// Required nodes must be usable and are picked first.
	required := bitmap.New(usable.Size())
	for _, name := range job.Req.ReqNodes {
		found := false
		for _, idx := range usable.Indices() {
			if nodes[idx].Name == name {
				required.Set(idx)
				found = true
				break
			}
		}
		if !found {
			return nil, wire.ErrPlacementInfeasible
		}
	}

	picked := bitmap.New(usable.Size())
	if job.Req.Contiguous {
		run := usable.PickContiguous(int(want))
		if run == nil {
			return nil, wire.ErrPlacementInfeasible
		}
		picked = run
	} else {
		picked.Or(required)
		got := uint32(picked.Count())
		limit := maxNodes
		if limit == 0 || limit == types.NoVal {
			limit = want
		}
		if limit < want {
			limit = want
		}
		for _, idx := range usable.Indices() {
			if got >= limit {
				break
			}
			if !picked.Test(idx) {
				picked.Set(idx)
				got++
			}
		}
		if got < want {
			return nil, wire.ErrInsufficientNodes
		}
	}

	cpus := make([]uint32, 0, picked.Count())
	for _, idx := range picked.Indices() {
		cpus = append(cpus, uint32(nodes[idx].CPUs))
	}

	return &Placement{
		Bitmap:      picked,
		CPUsPerNode: cpus,
		Info:        &linearInfo{NodeCnt: uint32(picked.Count())},
	}, nil
}

func nodeFits(n *types.Node, req *types.JobRequest) bool {
	if req.MinMemory != 0 && req.MinMemory != types.NoVal && n.RealMemory < req.MinMemory {
		return false
	}
	if req.MinTmpDisk != 0 && req.MinTmpDisk != types.NoVal && n.TmpDisk < req.MinTmpDisk {
		return false
	}
	for _, f := range req.Features {
		if !hasFeature(n, f) {
			return false
		}
	}
	return true
}

func hasFeature(n *types.Node, f string) bool {
	for _, have := range n.Features {
		if have == f {
			return true
		}
	}
	return false
}

func (s *Linear) JobBegin(job *types.Job) error   { return nil }
func (s *Linear) JobReady(job *types.Job) (bool, error) { return true, nil }
func (s *Linear) JobFini(job *types.Job) error    { return nil }
func (s *Linear) JobSuspend(job *types.Job) error { return nil }
func (s *Linear) JobResume(job *types.Job) error  { return nil }

func (s *Linear) PackJobInfo(info JobInfo, b *wire.Buffer) {
	b.PutString(info.Identity())
	info.Pack(b)
}

func (s *Linear) UnpackJobInfo(b *wire.Buffer) (JobInfo, error) {
	identity := b.GetString()
	if identity != s.Identity() {
		return nil, fmt.Errorf("jobinfo identity %q does not match %q", identity, s.Identity())
	}
	info := &linearInfo{}
	if err := info.Unpack(b); err != nil {
		return nil, err
	}
	return info, nil
}
