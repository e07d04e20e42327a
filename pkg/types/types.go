package types

import (
	"time"
)

// NoVal marks an unset 32-bit request field.
const NoVal = ^uint32(0)

// Infinite marks an unlimited time limit, in minutes.
const Infinite = ^uint32(0) - 1

// NodeState is the base state of a compute node. A node is in exactly one
// base state; drain/no-respond/completing are independent flag bits.
type NodeState uint8

const (
	NodeStateUnknown NodeState = iota
	NodeStateIdle
	NodeStateAllocated
	NodeStateDown
)

func (s NodeState) String() string {
	switch s {
	case NodeStateIdle:
		return "idle"
	case NodeStateAllocated:
		return "allocated"
	case NodeStateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Node state flag bits.
const (
	NodeFlagDrain      uint8 = 1 << 0
	NodeFlagNoRespond  uint8 = 1 << 1
	NodeFlagCompleting uint8 = 1 << 2
)

// Node is one compute host in the controller's node table.
type Node struct {
	Name     string
	Addr     string // comm address, host:port
	Index    int    // position in the node table; stable for bitmaps

	CPUs       uint16
	Sockets    uint16
	Cores      uint16
	Threads    uint16
	RealMemory uint32 // MB
	TmpDisk    uint32 // MB
	Features   []string

	State     NodeState
	Flags     uint8
	Reason    string // why the node is not up, if it is not
	LastResp  time.Time
	Partitions []string // names of partitions containing this node

	RunJobCnt     uint16
	CompJobCnt    uint16
	NoShareJobCnt uint16
}

// SharedPolicy controls whether jobs may share a partition's nodes.
type SharedPolicy uint8

const (
	SharedExclusive SharedPolicy = iota
	SharedYes
	SharedForce
)

func (p SharedPolicy) String() string {
	switch p {
	case SharedYes:
		return "yes"
	case SharedForce:
		return "force"
	default:
		return "exclusive"
	}
}

// Partition is a named, policy-bearing pool of nodes.
type Partition struct {
	Name        string
	NodePattern string // hostlist serialization of the membership
	Default     bool
	Hidden      bool
	MaxTime     uint32 // minutes, Infinite for no limit
	MinNodes    uint32
	MaxNodes    uint32
	RootOnly    bool
	Up          bool
	Shared      SharedPolicy
	AllowGroups []string

	TotalNodes uint32
	TotalCPUs  uint32
}

// JobState is the lifecycle state of a job.
type JobState uint8

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobCompleting
	JobComplete
	JobCancelled
	JobFailed
	JobTimeout
	JobNodeFail
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSuspended:
		return "suspended"
	case JobCompleting:
		return "completing"
	case JobComplete:
		return "complete"
	case JobCancelled:
		return "cancelled"
	case JobFailed:
		return "failed"
	case JobTimeout:
		return "timeout"
	case JobNodeFail:
		return "node-fail"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions leave s.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobCancelled, JobFailed, JobTimeout, JobNodeFail:
		return true
	}
	return false
}

// PendReason explains why a pending job has not been placed.
type PendReason uint8

const (
	WaitNone PendReason = iota
	WaitPriority
	WaitResources
	WaitPartDown
	WaitPartTimeLimit
	WaitDependency
	WaitHeld
)

func (r PendReason) String() string {
	switch r {
	case WaitPriority:
		return "Priority"
	case WaitResources:
		return "Resources"
	case WaitPartDown:
		return "PartitionDown"
	case WaitPartTimeLimit:
		return "PartitionTimeLimit"
	case WaitDependency:
		return "Dependency"
	case WaitHeld:
		return "Held"
	default:
		return "None"
	}
}

// JobRequest carries the resource shape a submission asks for.
type JobRequest struct {
	MinNodes   uint32
	MaxNodes   uint32
	MinCPUs    uint32
	MinMemory  uint32 // MB per node
	MinTmpDisk uint32 // MB per node
	ReqNodes   []string
	ExcNodes   []string
	Features   []string
	Contiguous bool
	Shared     bool
	TimeLimit  uint32 // minutes, Infinite for unlimited
}

// Job is one submitted workload owned by the controller.
type Job struct {
	ID        uint32
	Name      string
	UserID    uint32
	GroupID   uint32
	Partition string
	Account   string
	Priority  uint32
	Dependency uint32 // job id this job waits on, 0 for none

	Req JobRequest

	State      JobState
	// FinalState is the terminal state a completing job drains into.
	FinalState JobState
	Reason     PendReason
	BatchScript string // non-empty for batch submissions

	SubmitTime   time.Time
	EligibleTime time.Time
	StartTime    time.Time
	EndTime      time.Time

	AllocNodes   []string // names, parallel to the allocation bitmap
	AllocBitmap  []byte   // packed bitmap over the node table
	CPUsPerNode  []uint32
	SelectPayload []byte // opaque select-capability payload, identity-prefixed

	NextStepID uint32
	Steps      []*Step

	ExitCode uint32
}

// TaskDist selects a task-to-node distribution policy.
type TaskDist uint8

const (
	DistBlock TaskDist = iota
	DistCyclic
	DistPlane
)

func (d TaskDist) String() string {
	switch d {
	case DistCyclic:
		return "cyclic"
	case DistPlane:
		return "plane"
	default:
		return "block"
	}
}

// StepLayout maps a step's tasks onto its nodes.
type StepLayout struct {
	Nodes     []string // ordered node names
	Tasks     []uint16 // per-node task counts
	TIDs      [][]uint32
	TaskCount uint32
}

// HostOf returns the node index owning a global task id, or -1.
func (l *StepLayout) HostOf(tid uint32) int {
	for i := range l.TIDs {
		for _, t := range l.TIDs[i] {
			if t == tid {
				return i
			}
		}
	}
	return -1
}

// Step is one parallel execution within a job.
type Step struct {
	JobID   uint32
	StepID  uint32
	UserID  uint32
	Name    string

	TaskCount uint32
	NodeCount uint32
	Dist      TaskDist
	Plane     uint16 // plane size when Dist == DistPlane

	Layout   *StepLayout
	CredBlob []byte // packed credential issued at creation

	RespAddrs []string // client response endpoints
	StartTime time.Time

	// Completion over the step's nodes, inclusive-range aggregated.
	CompleteBits []byte
	ExitCode     uint32
}

// StepCompleteRecord is one upward completion report for a node range.
type StepCompleteRecord struct {
	JobID      uint32
	StepID     uint32
	RangeFirst uint32
	RangeLast  uint32 // inclusive
	StepRC     uint32
	Acct       StepAccounting
}

// StepAccounting is the usage snapshot carried by a completion record.
type StepAccounting struct {
	MaxRSS     uint64
	UserUsec   uint64
	SystemUsec uint64
}
