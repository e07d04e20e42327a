package wire

import (
	"time"
)

// RCResponse is the generic return-code reply.
type RCResponse struct {
	RC  uint32
	Msg string
}

func (*RCResponse) Type() MsgType { return MsgResponseRC }

func (m *RCResponse) Pack(b *Buffer) {
	b.PutU32(m.RC)
	b.PutString(m.Msg)
}

func (m *RCResponse) Unpack(b *Buffer) error {
	m.RC = b.GetU32()
	m.Msg = b.GetString()
	return b.Err()
}

// ResourceRequest is the resource shape shared by allocate and batch
// submissions.
type ResourceRequest struct {
	MinNodes   uint32
	MaxNodes   uint32
	MinCPUs    uint32
	MinMemory  uint32
	MinTmpDisk uint32
	ReqNodes   []string
	ExcNodes   []string
	Features   []string
	Contiguous bool
	Shared     bool
	TimeLimit  uint32
}

func (r *ResourceRequest) pack(b *Buffer) {
	b.PutU32(r.MinNodes)
	b.PutU32(r.MaxNodes)
	b.PutU32(r.MinCPUs)
	b.PutU32(r.MinMemory)
	b.PutU32(r.MinTmpDisk)
	b.PutStrings(r.ReqNodes)
	b.PutStrings(r.ExcNodes)
	b.PutStrings(r.Features)
	b.PutBool(r.Contiguous)
	b.PutBool(r.Shared)
	b.PutU32(r.TimeLimit)
}

func (r *ResourceRequest) unpack(b *Buffer) {
	r.MinNodes = b.GetU32()
	r.MaxNodes = b.GetU32()
	r.MinCPUs = b.GetU32()
	r.MinMemory = b.GetU32()
	r.MinTmpDisk = b.GetU32()
	r.ReqNodes = b.GetStrings()
	r.ExcNodes = b.GetStrings()
	r.Features = b.GetStrings()
	r.Contiguous = b.GetBool()
	r.Shared = b.GetBool()
	r.TimeLimit = b.GetU32()
}

// AllocateRequest asks the controller for a node allocation.
type AllocateRequest struct {
	Name       string
	UserID     uint32
	GroupID    uint32
	Partition  string
	Account    string
	Priority   uint32
	Dependency uint32
	Req        ResourceRequest
	Immediate  bool
}

func (*AllocateRequest) Type() MsgType { return MsgRequestAllocate }

func (m *AllocateRequest) Pack(b *Buffer) {
	b.PutString(m.Name)
	b.PutU32(m.UserID)
	b.PutU32(m.GroupID)
	b.PutString(m.Partition)
	b.PutString(m.Account)
	b.PutU32(m.Priority)
	b.PutU32(m.Dependency)
	m.Req.pack(b)
	b.PutBool(m.Immediate)
}

func (m *AllocateRequest) Unpack(b *Buffer) error {
	m.Name = b.GetString()
	m.UserID = b.GetU32()
	m.GroupID = b.GetU32()
	m.Partition = b.GetString()
	m.Account = b.GetString()
	m.Priority = b.GetU32()
	m.Dependency = b.GetU32()
	m.Req.unpack(b)
	m.Immediate = b.GetBool()
	return b.Err()
}

// SubmitBatchRequest queues a batch job carrying a script.
type SubmitBatchRequest struct {
	AllocateRequest
	Script string
	Cwd    string
	Env    []string
}

func (*SubmitBatchRequest) Type() MsgType { return MsgRequestSubmitBatch }

func (m *SubmitBatchRequest) Pack(b *Buffer) {
	m.AllocateRequest.Pack(b)
	b.PutString(m.Script)
	b.PutString(m.Cwd)
	b.PutStrings(m.Env)
}

func (m *SubmitBatchRequest) Unpack(b *Buffer) error {
	if err := m.AllocateRequest.Unpack(b); err != nil {
		return err
	}
	m.Script = b.GetString()
	m.Cwd = b.GetString()
	m.Env = b.GetStrings()
	return b.Err()
}

// AllocateResponse returns the granted allocation.
type AllocateResponse struct {
	JobID       uint32
	ErrorCode   uint32
	Nodes       []string
	CPUsPerNode []uint32
}

func (*AllocateResponse) Type() MsgType { return MsgResponseAllocate }

func (m *AllocateResponse) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.ErrorCode)
	b.PutStrings(m.Nodes)
	b.PutU32s(m.CPUsPerNode)
}

func (m *AllocateResponse) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.ErrorCode = b.GetU32()
	m.Nodes = b.GetStrings()
	m.CPUsPerNode = b.GetU32s()
	return b.Err()
}

// JobInfoRequest asks for job records changed since UpdateTime. JobID of
// NoVal requests all jobs.
type JobInfoRequest struct {
	UpdateTime time.Time
	JobID      uint32
}

func (*JobInfoRequest) Type() MsgType { return MsgRequestJobInfo }

func (m *JobInfoRequest) Pack(b *Buffer) {
	b.PutTime(m.UpdateTime)
	b.PutU32(m.JobID)
}

func (m *JobInfoRequest) Unpack(b *Buffer) error {
	m.UpdateTime = b.GetTime()
	m.JobID = b.GetU32()
	return b.Err()
}

// JobInfoRecord is one job's externally visible state.
type JobInfoRecord struct {
	JobID      uint32
	Name       string
	UserID     uint32
	Partition  string
	State      uint8
	Reason     uint8
	Priority   uint32
	SubmitTime time.Time
	StartTime  time.Time
	EndTime    time.Time
	TimeLimit  uint32
	Nodes      []string
	ExitCode   uint32
}

func (r *JobInfoRecord) pack(b *Buffer) {
	b.PutU32(r.JobID)
	b.PutString(r.Name)
	b.PutU32(r.UserID)
	b.PutString(r.Partition)
	b.PutU8(r.State)
	b.PutU8(r.Reason)
	b.PutU32(r.Priority)
	b.PutTime(r.SubmitTime)
	b.PutTime(r.StartTime)
	b.PutTime(r.EndTime)
	b.PutU32(r.TimeLimit)
	b.PutStrings(r.Nodes)
	b.PutU32(r.ExitCode)
}

func (r *JobInfoRecord) unpack(b *Buffer) {
	r.JobID = b.GetU32()
	r.Name = b.GetString()
	r.UserID = b.GetU32()
	r.Partition = b.GetString()
	r.State = b.GetU8()
	r.Reason = b.GetU8()
	r.Priority = b.GetU32()
	r.SubmitTime = b.GetTime()
	r.StartTime = b.GetTime()
	r.EndTime = b.GetTime()
	r.TimeLimit = b.GetU32()
	r.Nodes = b.GetStrings()
	r.ExitCode = b.GetU32()
}

// JobInfoResponse carries the job table snapshot.
type JobInfoResponse struct {
	LastUpdate time.Time
	Jobs       []JobInfoRecord
}

func (*JobInfoResponse) Type() MsgType { return MsgResponseJobInfo }

func (m *JobInfoResponse) Pack(b *Buffer) {
	b.PutTime(m.LastUpdate)
	b.PutU32(uint32(len(m.Jobs)))
	for i := range m.Jobs {
		m.Jobs[i].pack(b)
	}
}

func (m *JobInfoResponse) Unpack(b *Buffer) error {
	m.LastUpdate = b.GetTime()
	n := int(b.GetU32())
	if b.Err() != nil {
		return b.Err()
	}
	m.Jobs = make([]JobInfoRecord, n)
	for i := 0; i < n; i++ {
		m.Jobs[i].unpack(b)
	}
	return b.Err()
}

// NodeInfoRequest asks for the node table snapshot.
type NodeInfoRequest struct {
	UpdateTime time.Time
}

func (*NodeInfoRequest) Type() MsgType { return MsgRequestNodeInfo }

func (m *NodeInfoRequest) Pack(b *Buffer)         { b.PutTime(m.UpdateTime) }
func (m *NodeInfoRequest) Unpack(b *Buffer) error { m.UpdateTime = b.GetTime(); return b.Err() }

// NodeInfoRecord is one node's externally visible state.
type NodeInfoRecord struct {
	Name       string
	State      uint8
	Flags      uint8
	CPUs       uint16
	RealMemory uint32
	TmpDisk    uint32
	Features   []string
	Reason     string
}

func (r *NodeInfoRecord) pack(b *Buffer) {
	b.PutString(r.Name)
	b.PutU8(r.State)
	b.PutU8(r.Flags)
	b.PutU16(r.CPUs)
	b.PutU32(r.RealMemory)
	b.PutU32(r.TmpDisk)
	b.PutStrings(r.Features)
	b.PutString(r.Reason)
}

func (r *NodeInfoRecord) unpack(b *Buffer) {
	r.Name = b.GetString()
	r.State = b.GetU8()
	r.Flags = b.GetU8()
	r.CPUs = b.GetU16()
	r.RealMemory = b.GetU32()
	r.TmpDisk = b.GetU32()
	r.Features = b.GetStrings()
	r.Reason = b.GetString()
}

// NodeInfoResponse carries the node table snapshot.
type NodeInfoResponse struct {
	LastUpdate time.Time
	Nodes      []NodeInfoRecord
}

func (*NodeInfoResponse) Type() MsgType { return MsgResponseNodeInfo }

func (m *NodeInfoResponse) Pack(b *Buffer) {
	b.PutTime(m.LastUpdate)
	b.PutU32(uint32(len(m.Nodes)))
	for i := range m.Nodes {
		m.Nodes[i].pack(b)
	}
}

func (m *NodeInfoResponse) Unpack(b *Buffer) error {
	m.LastUpdate = b.GetTime()
	n := int(b.GetU32())
	if b.Err() != nil {
		return b.Err()
	}
	m.Nodes = make([]NodeInfoRecord, n)
	for i := 0; i < n; i++ {
		m.Nodes[i].unpack(b)
	}
	return b.Err()
}

// PartitionInfoRequest asks for the partition table snapshot.
type PartitionInfoRequest struct {
	UpdateTime time.Time
}

func (*PartitionInfoRequest) Type() MsgType { return MsgRequestPartitionInfo }

func (m *PartitionInfoRequest) Pack(b *Buffer)         { b.PutTime(m.UpdateTime) }
func (m *PartitionInfoRequest) Unpack(b *Buffer) error { m.UpdateTime = b.GetTime(); return b.Err() }

// PartitionInfoRecord is one partition's externally visible state.
type PartitionInfoRecord struct {
	Name       string
	NodePattern string
	Default    bool
	Hidden     bool
	Up         bool
	RootOnly   bool
	Shared     uint8
	MaxTime    uint32
	MinNodes   uint32
	MaxNodes   uint32
	TotalNodes uint32
	TotalCPUs  uint32
}

func (r *PartitionInfoRecord) pack(b *Buffer) {
	b.PutString(r.Name)
	b.PutString(r.NodePattern)
	b.PutBool(r.Default)
	b.PutBool(r.Hidden)
	b.PutBool(r.Up)
	b.PutBool(r.RootOnly)
	b.PutU8(r.Shared)
	b.PutU32(r.MaxTime)
	b.PutU32(r.MinNodes)
	b.PutU32(r.MaxNodes)
	b.PutU32(r.TotalNodes)
	b.PutU32(r.TotalCPUs)
}

func (r *PartitionInfoRecord) unpack(b *Buffer) {
	r.Name = b.GetString()
	r.NodePattern = b.GetString()
	r.Default = b.GetBool()
	r.Hidden = b.GetBool()
	r.Up = b.GetBool()
	r.RootOnly = b.GetBool()
	r.Shared = b.GetU8()
	r.MaxTime = b.GetU32()
	r.MinNodes = b.GetU32()
	r.MaxNodes = b.GetU32()
	r.TotalNodes = b.GetU32()
	r.TotalCPUs = b.GetU32()
}

// PartitionInfoResponse carries the partition table snapshot.
type PartitionInfoResponse struct {
	LastUpdate time.Time
	Partitions []PartitionInfoRecord
}

func (*PartitionInfoResponse) Type() MsgType { return MsgResponsePartitionInfo }

func (m *PartitionInfoResponse) Pack(b *Buffer) {
	b.PutTime(m.LastUpdate)
	b.PutU32(uint32(len(m.Partitions)))
	for i := range m.Partitions {
		m.Partitions[i].pack(b)
	}
}

func (m *PartitionInfoResponse) Unpack(b *Buffer) error {
	m.LastUpdate = b.GetTime()
	n := int(b.GetU32())
	if b.Err() != nil {
		return b.Err()
	}
	m.Partitions = make([]PartitionInfoRecord, n)
	for i := 0; i < n; i++ {
		m.Partitions[i].unpack(b)
	}
	return b.Err()
}

// LayoutBlob is the wire form of a step layout.
type LayoutBlob struct {
	Nodes     []string
	Tasks     []uint16
	TIDs      [][]uint32
	TaskCount uint32
}

func (l *LayoutBlob) pack(b *Buffer) {
	b.PutStrings(l.Nodes)
	b.PutU16s(l.Tasks)
	b.PutU32(uint32(len(l.TIDs)))
	for _, row := range l.TIDs {
		b.PutU32s(row)
	}
	b.PutU32(l.TaskCount)
}

func (l *LayoutBlob) unpack(b *Buffer) {
	l.Nodes = b.GetStrings()
	l.Tasks = b.GetU16s()
	n := int(b.GetU32())
	if b.Err() != nil {
		return
	}
	l.TIDs = make([][]uint32, n)
	for i := 0; i < n; i++ {
		l.TIDs[i] = b.GetU32s()
	}
	l.TaskCount = b.GetU32()
}

// StepCreateRequest asks the controller to create a step in a job.
type StepCreateRequest struct {
	JobID     uint32
	UserID    uint32
	Name      string
	TaskCount uint32
	NodeCount uint32
	Dist      uint8
	Plane     uint16
	ReqNodes  []string
}

func (*StepCreateRequest) Type() MsgType { return MsgRequestJobStepCreate }

func (m *StepCreateRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.UserID)
	b.PutString(m.Name)
	b.PutU32(m.TaskCount)
	b.PutU32(m.NodeCount)
	b.PutU8(m.Dist)
	b.PutU16(m.Plane)
	b.PutStrings(m.ReqNodes)
}

func (m *StepCreateRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.UserID = b.GetU32()
	m.Name = b.GetString()
	m.TaskCount = b.GetU32()
	m.NodeCount = b.GetU32()
	m.Dist = b.GetU8()
	m.Plane = b.GetU16()
	m.ReqNodes = b.GetStrings()
	return b.Err()
}

// StepCreateResponse returns the step id, its layout, and the credential
// the client must embed in the launch payload.
type StepCreateResponse struct {
	StepID   uint32
	Layout   LayoutBlob
	CredBlob []byte
}

func (*StepCreateResponse) Type() MsgType { return MsgResponseJobStepCreate }

func (m *StepCreateResponse) Pack(b *Buffer) {
	b.PutU32(m.StepID)
	m.Layout.pack(b)
	b.PutBytes(m.CredBlob)
}

func (m *StepCreateResponse) Unpack(b *Buffer) error {
	m.StepID = b.GetU32()
	m.Layout.unpack(b)
	m.CredBlob = b.GetBytes()
	return b.Err()
}

// Stdin routing modes for a launch.
const (
	StdinAll uint8 = iota // allstdin broadcast to every task
	StdinOne              // a single gtaskid receives stdin
	StdinNone
)

// LaunchTasksRequest is broadcast to every node of a step.
type LaunchTasksRequest struct {
	JobID  uint32
	StepID uint32
	UserID uint32
	GroupID uint32

	CredBlob []byte
	Layout   LayoutBlob

	Env  []string
	Argv []string
	Cwd  string

	// I/O endpoint selection
	RespPorts     []uint16
	IOPorts       []uint16
	UserManagedIO bool
	BufferedIO    bool
	StdinMode     uint8
	StdinTaskID   uint32
	OutPattern    string
	ErrPattern    string
}

func (*LaunchTasksRequest) Type() MsgType { return MsgRequestLaunchTasks }

func (m *LaunchTasksRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutU32(m.UserID)
	b.PutU32(m.GroupID)
	b.PutBytes(m.CredBlob)
	m.Layout.pack(b)
	b.PutStrings(m.Env)
	b.PutStrings(m.Argv)
	b.PutString(m.Cwd)
	b.PutU16s(m.RespPorts)
	b.PutU16s(m.IOPorts)
	b.PutBool(m.UserManagedIO)
	b.PutBool(m.BufferedIO)
	b.PutU8(m.StdinMode)
	b.PutU32(m.StdinTaskID)
	b.PutString(m.OutPattern)
	b.PutString(m.ErrPattern)
}

func (m *LaunchTasksRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.UserID = b.GetU32()
	m.GroupID = b.GetU32()
	m.CredBlob = b.GetBytes()
	m.Layout.unpack(b)
	m.Env = b.GetStrings()
	m.Argv = b.GetStrings()
	m.Cwd = b.GetString()
	m.RespPorts = b.GetU16s()
	m.IOPorts = b.GetU16s()
	m.UserManagedIO = b.GetBool()
	m.BufferedIO = b.GetBool()
	m.StdinMode = b.GetU8()
	m.StdinTaskID = b.GetU32()
	m.OutPattern = b.GetString()
	m.ErrPattern = b.GetString()
	return b.Err()
}

// LaunchTasksResponse reports per-node launch results.
type LaunchTasksResponse struct {
	JobID    uint32
	StepID   uint32
	NodeName string
	RC       uint32
	PIDs     []uint32
	GTIDs    []uint32
}

func (*LaunchTasksResponse) Type() MsgType { return MsgResponseLaunchTasks }

func (m *LaunchTasksResponse) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutString(m.NodeName)
	b.PutU32(m.RC)
	b.PutU32s(m.PIDs)
	b.PutU32s(m.GTIDs)
}

func (m *LaunchTasksResponse) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.NodeName = b.GetString()
	m.RC = b.GetU32()
	m.PIDs = b.GetU32s()
	m.GTIDs = b.GetU32s()
	return b.Err()
}

// SignalTasksRequest forwards a signal to a step's tasks.
type SignalTasksRequest struct {
	JobID  uint32
	StepID uint32
	Signal uint16
}

func (*SignalTasksRequest) Type() MsgType { return MsgRequestSignalTasks }

func (m *SignalTasksRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutU16(m.Signal)
}

func (m *SignalTasksRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.Signal = b.GetU16()
	return b.Err()
}

// TerminateTasksRequest kills a step's tasks.
type TerminateTasksRequest struct {
	JobID  uint32
	StepID uint32
}

func (*TerminateTasksRequest) Type() MsgType { return MsgRequestTerminateTasks }

func (m *TerminateTasksRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
}

func (m *TerminateTasksRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	return b.Err()
}

// KillJobRequest signals or cancels a job.
type KillJobRequest struct {
	JobID  uint32
	StepID uint32 // NoVal to target the whole job
	Signal uint16
}

func (*KillJobRequest) Type() MsgType { return MsgRequestKillJob }

func (m *KillJobRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutU16(m.Signal)
}

func (m *KillJobRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.Signal = b.GetU16()
	return b.Err()
}

// ReattachRequest re-keys a step's stdio plane to a new client.
type ReattachRequest struct {
	JobID     uint32
	StepID    uint32
	RespAddr  string
	IOAddr    string
	Signature []byte
}

func (*ReattachRequest) Type() MsgType { return MsgRequestReattach }

func (m *ReattachRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutString(m.RespAddr)
	b.PutString(m.IOAddr)
	b.PutBytes(m.Signature)
}

func (m *ReattachRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.RespAddr = b.GetString()
	m.IOAddr = b.GetString()
	m.Signature = b.GetBytes()
	return b.Err()
}

// ReattachResponse reports a node's tasks to a reattaching client.
type ReattachResponse struct {
	NodeName   string
	RC         uint32
	PIDs       []uint32
	GTIDs      []uint32
	Executable string
}

func (*ReattachResponse) Type() MsgType { return MsgResponseReattach }

func (m *ReattachResponse) Pack(b *Buffer) {
	b.PutString(m.NodeName)
	b.PutU32(m.RC)
	b.PutU32s(m.PIDs)
	b.PutU32s(m.GTIDs)
	b.PutString(m.Executable)
}

func (m *ReattachResponse) Unpack(b *Buffer) error {
	m.NodeName = b.GetString()
	m.RC = b.GetU32()
	m.PIDs = b.GetU32s()
	m.GTIDs = b.GetU32s()
	m.Executable = b.GetString()
	return b.Err()
}

// FileBcastRequest exists in the catalogue for interoperability; the
// transfer utility itself is out of scope and receivers answer
// CodeNotSupported.
type FileBcastRequest struct {
	JobID uint32
	Path  string
	Seq   uint32
	Data  []byte
}

func (*FileBcastRequest) Type() MsgType { return MsgRequestFileBcast }

func (m *FileBcastRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutString(m.Path)
	b.PutU32(m.Seq)
	b.PutBytes(m.Data)
}

func (m *FileBcastRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.Path = b.GetString()
	m.Seq = b.GetU32()
	m.Data = b.GetBytes()
	return b.Err()
}

// StepCompleteMsg is one aggregated completion report covering the
// inclusive node range [RangeFirst, RangeLast].
type StepCompleteMsg struct {
	JobID      uint32
	StepID     uint32
	RangeFirst uint32
	RangeLast  uint32
	StepRC     uint32
	MaxRSS     uint64
	UserUsec   uint64
	SystemUsec uint64
}

func (*StepCompleteMsg) Type() MsgType { return MsgStepComplete }

func (m *StepCompleteMsg) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutU32(m.RangeFirst)
	b.PutU32(m.RangeLast)
	b.PutU32(m.StepRC)
	b.PutU64(m.MaxRSS)
	b.PutU64(m.UserUsec)
	b.PutU64(m.SystemUsec)
}

func (m *StepCompleteMsg) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.RangeFirst = b.GetU32()
	m.RangeLast = b.GetU32()
	m.StepRC = b.GetU32()
	m.MaxRSS = b.GetU64()
	m.UserUsec = b.GetU64()
	m.SystemUsec = b.GetU64()
	return b.Err()
}

// TaskExitMsg reports one or more task exits to the launch client.
type TaskExitMsg struct {
	JobID      uint32
	StepID     uint32
	TaskIDs    []uint32
	ReturnCode uint32
}

func (*TaskExitMsg) Type() MsgType { return MsgTaskExit }

func (m *TaskExitMsg) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutU32s(m.TaskIDs)
	b.PutU32(m.ReturnCode)
}

func (m *TaskExitMsg) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.TaskIDs = b.GetU32s()
	m.ReturnCode = b.GetU32()
	return b.Err()
}

// NodeFailMsg tells the launch client a set of nodes is gone.
type NodeFailMsg struct {
	JobID  uint32
	StepID uint32
	Nodes  []string
}

func (*NodeFailMsg) Type() MsgType { return MsgNodeFail }

func (m *NodeFailMsg) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutStrings(m.Nodes)
}

func (m *NodeFailMsg) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.Nodes = b.GetStrings()
	return b.Err()
}

// StepTimeoutMsg tells the launch client the step hit its time limit.
type StepTimeoutMsg struct {
	JobID  uint32
	StepID uint32
}

func (*StepTimeoutMsg) Type() MsgType { return MsgStepTimeout }

func (m *StepTimeoutMsg) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
}

func (m *StepTimeoutMsg) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	return b.Err()
}

// CompleteJobAllocationRequest releases a job's allocation.
type CompleteJobAllocationRequest struct {
	JobID uint32
	RC    uint32
}

func (*CompleteJobAllocationRequest) Type() MsgType { return MsgRequestCompleteJobAllocation }

func (m *CompleteJobAllocationRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.RC)
}

func (m *CompleteJobAllocationRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.RC = b.GetU32()
	return b.Err()
}

// Suspend operations.
const (
	SuspendOpSuspend uint8 = iota
	SuspendOpResume
)

// SuspendRequest suspends or resumes a running job.
type SuspendRequest struct {
	JobID uint32
	Op    uint8
}

func (*SuspendRequest) Type() MsgType { return MsgRequestSuspend }

func (m *SuspendRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU8(m.Op)
}

func (m *SuspendRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.Op = b.GetU8()
	return b.Err()
}

// CheckpointRequest is accepted for catalogue compatibility.
type CheckpointRequest struct {
	JobID  uint32
	StepID uint32
	Op     uint8
}

func (*CheckpointRequest) Type() MsgType { return MsgRequestCheckpoint }

func (m *CheckpointRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutU8(m.Op)
}

func (m *CheckpointRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.Op = b.GetU8()
	return b.Err()
}

// JobEndTimeRequest asks when a job's allocation expires.
type JobEndTimeRequest struct {
	JobID uint32
}

func (*JobEndTimeRequest) Type() MsgType { return MsgRequestJobEndTime }

func (m *JobEndTimeRequest) Pack(b *Buffer)         { b.PutU32(m.JobID) }
func (m *JobEndTimeRequest) Unpack(b *Buffer) error { m.JobID = b.GetU32(); return b.Err() }

// JobEndTimeResponse returns the job's end time.
type JobEndTimeResponse struct {
	JobID   uint32
	EndTime time.Time
}

func (*JobEndTimeResponse) Type() MsgType { return MsgResponseJobEndTime }

func (m *JobEndTimeResponse) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutTime(m.EndTime)
}

func (m *JobEndTimeResponse) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.EndTime = b.GetTime()
	return b.Err()
}

// PMIKVSPutRequest stores one PMI key/value pair.
type PMIKVSPutRequest struct {
	JobID  uint32
	StepID uint32
	Key    string
	Value  string
}

func (*PMIKVSPutRequest) Type() MsgType { return MsgPMIKVSPut }

func (m *PMIKVSPutRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutString(m.Key)
	b.PutString(m.Value)
}

func (m *PMIKVSPutRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.Key = b.GetString()
	m.Value = b.GetString()
	return b.Err()
}

// PMIKVSGetRequest fetches one PMI key.
type PMIKVSGetRequest struct {
	JobID  uint32
	StepID uint32
	Key    string
}

func (*PMIKVSGetRequest) Type() MsgType { return MsgPMIKVSGet }

func (m *PMIKVSGetRequest) Pack(b *Buffer) {
	b.PutU32(m.JobID)
	b.PutU32(m.StepID)
	b.PutString(m.Key)
}

func (m *PMIKVSGetRequest) Unpack(b *Buffer) error {
	m.JobID = b.GetU32()
	m.StepID = b.GetU32()
	m.Key = b.GetString()
	return b.Err()
}

// PMIKVSGetResponse returns one PMI value.
type PMIKVSGetResponse struct {
	RC    uint32
	Value string
}

func (*PMIKVSGetResponse) Type() MsgType { return MsgResponsePMIKVSGet }

func (m *PMIKVSGetResponse) Pack(b *Buffer) {
	b.PutU32(m.RC)
	b.PutString(m.Value)
}

func (m *PMIKVSGetResponse) Unpack(b *Buffer) error {
	m.RC = b.GetU32()
	m.Value = b.GetString()
	return b.Err()
}

// TriggerSetRequest registers a named trigger with the controller.
type TriggerSetRequest struct {
	Name    string
	Kind    string
	Target  string
	Program string
}

func (*TriggerSetRequest) Type() MsgType { return MsgRequestTriggerSet }

func (m *TriggerSetRequest) Pack(b *Buffer) {
	b.PutString(m.Name)
	b.PutString(m.Kind)
	b.PutString(m.Target)
	b.PutString(m.Program)
}

func (m *TriggerSetRequest) Unpack(b *Buffer) error {
	m.Name = b.GetString()
	m.Kind = b.GetString()
	m.Target = b.GetString()
	m.Program = b.GetString()
	return b.Err()
}

// TriggerGetRequest lists registered triggers.
type TriggerGetRequest struct {
	Name string // empty for all
}

func (*TriggerGetRequest) Type() MsgType { return MsgRequestTriggerGet }

func (m *TriggerGetRequest) Pack(b *Buffer)         { b.PutString(m.Name) }
func (m *TriggerGetRequest) Unpack(b *Buffer) error { m.Name = b.GetString(); return b.Err() }

// TriggerGetResponse returns registered triggers.
type TriggerGetResponse struct {
	Names    []string
	Kinds    []string
	Targets  []string
	Programs []string
}

func (*TriggerGetResponse) Type() MsgType { return MsgResponseTriggerGet }

func (m *TriggerGetResponse) Pack(b *Buffer) {
	b.PutStrings(m.Names)
	b.PutStrings(m.Kinds)
	b.PutStrings(m.Targets)
	b.PutStrings(m.Programs)
}

func (m *TriggerGetResponse) Unpack(b *Buffer) error {
	m.Names = b.GetStrings()
	m.Kinds = b.GetStrings()
	m.Targets = b.GetStrings()
	m.Programs = b.GetStrings()
	return b.Err()
}

// TriggerClearRequest removes a named trigger.
type TriggerClearRequest struct {
	Name string
}

func (*TriggerClearRequest) Type() MsgType { return MsgRequestTriggerClear }

func (m *TriggerClearRequest) Pack(b *Buffer)         { b.PutString(m.Name) }
func (m *TriggerClearRequest) Unpack(b *Buffer) error { m.Name = b.GetString(); return b.Err() }

// ForwardFailedResponse is synthesized for every leaf whose forwarder died.
type ForwardFailedResponse struct {
	NodeName string
	RC       uint32
}

func (*ForwardFailedResponse) Type() MsgType { return MsgResponseForwardFailed }

func (m *ForwardFailedResponse) Pack(b *Buffer) {
	b.PutString(m.NodeName)
	b.PutU32(m.RC)
}

func (m *ForwardFailedResponse) Unpack(b *Buffer) error {
	m.NodeName = b.GetString()
	m.RC = b.GetU32()
	return b.Err()
}
