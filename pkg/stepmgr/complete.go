package stepmgr

import (
	"sync"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// TreePos is one node's position in the step-complete tree: its rank,
// its parent, and the contiguous span of ranks its subtree covers.
type TreePos struct {
	Rank       int
	ParentRank int // -1 at the root
	First      int // inclusive subtree span
	Last       int
	Children   []int // first-level child ranks
}

// BuildTree lays the step's nodes out as a span tree with the given
// fan-out: each rank owns the contiguous range [First, Last], its
// children splitting the remainder as evenly as possible. Rank 0 is the
// root and reports to the controller.
func BuildTree(nodeCount, fanout int) []TreePos {
	if fanout < 1 {
		fanout = 1
	}
	tree := make([]TreePos, nodeCount)
	var assign func(parent, first, last int)
	assign = func(parent, first, last int) {
		rank := first
		tree[rank] = TreePos{Rank: rank, ParentRank: parent, First: first, Last: last}
		rest := last - first
		if rest == 0 {
			return
		}
		nchunks := fanout
		if rest < nchunks {
			nchunks = rest
		}
		base := rest / nchunks
		extra := rest % nchunks
		at := first + 1
		for i := 0; i < nchunks; i++ {
			size := base
			if i < extra {
				size++
			}
			child := at
			tree[rank].Children = append(tree[rank].Children, child)
			assign(rank, at, at+size-1)
			at += size
		}
	}
	if nodeCount > 0 {
		assign(-1, 0, nodeCount-1)
	}
	return tree
}

// Aggregator merges completion reports for one node's subtree. When its
// bitmap fills it forwards a single range-encoded record upward exactly
// once; redelivered overlapping ranges set no new bits and trigger no
// further forwarding.
type Aggregator struct {
	mu   sync.Mutex
	pos  TreePos
	bits *bitmap.Bitmap
	rc   uint32
	acct types.StepAccounting
	sent bool

	jobID  uint32
	stepID uint32
	sendUp func(*wire.StepCompleteMsg) error
}

// NewAggregator builds the aggregation state for one tree position.
func NewAggregator(jobID, stepID uint32, pos TreePos, sendUp func(*wire.StepCompleteMsg) error) *Aggregator {
	return &Aggregator{
		pos:    pos,
		bits:   bitmap.New(pos.Last - pos.First + 1),
		jobID:  jobID,
		stepID: stepID,
		sendUp: sendUp,
	}
}

// LocalDone records this node's own completion.
func (a *Aggregator) LocalDone(rc uint32, acct types.StepAccounting) error {
	return a.merge(a.pos.Rank, a.pos.Rank, rc, acct)
}

// ChildDone merges a child subtree's inclusive range.
func (a *Aggregator) ChildDone(msg *wire.StepCompleteMsg) error {
	acct := types.StepAccounting{
		MaxRSS:     msg.MaxRSS,
		UserUsec:   msg.UserUsec,
		SystemUsec: msg.SystemUsec,
	}
	return a.merge(int(msg.RangeFirst), int(msg.RangeLast), msg.StepRC, acct)
}

func (a *Aggregator) merge(first, last int, rc uint32, acct types.StepAccounting) error {
	a.mu.Lock()
	if first < a.pos.First || last > a.pos.Last || first > last {
		a.mu.Unlock()
		return wire.ErrMalformedFrame
	}
	a.bits.SetRange(first-a.pos.First, last-a.pos.First)
	if rc > a.rc {
		a.rc = rc
	}
	if acct.MaxRSS > a.acct.MaxRSS {
		a.acct.MaxRSS = acct.MaxRSS
	}
	a.acct.UserUsec += acct.UserUsec
	a.acct.SystemUsec += acct.SystemUsec

	if !a.bits.Full() || a.sent {
		a.mu.Unlock()
		return nil
	}
	a.sent = true
	msg := &wire.StepCompleteMsg{
		JobID:      a.jobID,
		StepID:     a.stepID,
		RangeFirst: uint32(a.pos.First),
		RangeLast:  uint32(a.pos.Last),
		StepRC:     a.rc,
		MaxRSS:     a.acct.MaxRSS,
		UserUsec:   a.acct.UserUsec,
		SystemUsec: a.acct.SystemUsec,
	}
	a.mu.Unlock()
	return a.sendUp(msg)
}

// Complete reports whether the subtree has fully reported.
func (a *Aggregator) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Full()
}
