package statestore

import (
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

func packNode(n *types.Node, b *wire.Buffer) {
	b.PutString(n.Name)
	b.PutString(n.Addr)
	b.PutU32(uint32(n.Index))
	b.PutU16(n.CPUs)
	b.PutU16(n.Sockets)
	b.PutU16(n.Cores)
	b.PutU16(n.Threads)
	b.PutU32(n.RealMemory)
	b.PutU32(n.TmpDisk)
	b.PutStrings(n.Features)
	b.PutU8(uint8(n.State))
	b.PutU8(n.Flags)
	b.PutString(n.Reason)
	b.PutTime(n.LastResp)
	b.PutStrings(n.Partitions)
}

func unpackNode(b *wire.Buffer) (*types.Node, error) {
	n := &types.Node{}
	n.Name = b.GetString()
	n.Addr = b.GetString()
	n.Index = int(b.GetU32())
	n.CPUs = b.GetU16()
	n.Sockets = b.GetU16()
	n.Cores = b.GetU16()
	n.Threads = b.GetU16()
	n.RealMemory = b.GetU32()
	n.TmpDisk = b.GetU32()
	n.Features = b.GetStrings()
	n.State = types.NodeState(b.GetU8())
	n.Flags = b.GetU8()
	n.Reason = b.GetString()
	n.LastResp = b.GetTime()
	n.Partitions = b.GetStrings()
	return n, b.Err()
}

func packPartition(p *types.Partition, b *wire.Buffer) {
	b.PutString(p.Name)
	b.PutString(p.NodePattern)
	b.PutBool(p.Default)
	b.PutBool(p.Hidden)
	b.PutU32(p.MaxTime)
	b.PutU32(p.MinNodes)
	b.PutU32(p.MaxNodes)
	b.PutBool(p.RootOnly)
	b.PutBool(p.Up)
	b.PutU8(uint8(p.Shared))
	b.PutStrings(p.AllowGroups)
	b.PutU32(p.TotalNodes)
	b.PutU32(p.TotalCPUs)
}

func unpackPartition(b *wire.Buffer) (*types.Partition, error) {
	p := &types.Partition{}
	p.Name = b.GetString()
	p.NodePattern = b.GetString()
	p.Default = b.GetBool()
	p.Hidden = b.GetBool()
	p.MaxTime = b.GetU32()
	p.MinNodes = b.GetU32()
	p.MaxNodes = b.GetU32()
	p.RootOnly = b.GetBool()
	p.Up = b.GetBool()
	p.Shared = types.SharedPolicy(b.GetU8())
	p.AllowGroups = b.GetStrings()
	p.TotalNodes = b.GetU32()
	p.TotalCPUs = b.GetU32()
	return p, b.Err()
}

func packJob(j *types.Job, b *wire.Buffer) {
	b.PutU32(j.ID)
	b.PutString(j.Name)
	b.PutU32(j.UserID)
	b.PutU32(j.GroupID)
	b.PutString(j.Partition)
	b.PutString(j.Account)
	b.PutU32(j.Priority)
	b.PutU32(j.Dependency)

	b.PutU32(j.Req.MinNodes)
	b.PutU32(j.Req.MaxNodes)
	b.PutU32(j.Req.MinCPUs)
	b.PutU32(j.Req.MinMemory)
	b.PutU32(j.Req.MinTmpDisk)
	b.PutStrings(j.Req.ReqNodes)
	b.PutStrings(j.Req.ExcNodes)
	b.PutStrings(j.Req.Features)
	b.PutBool(j.Req.Contiguous)
	b.PutBool(j.Req.Shared)
	b.PutU32(j.Req.TimeLimit)

	b.PutU8(uint8(j.State))
	b.PutU8(uint8(j.FinalState))
	b.PutU8(uint8(j.Reason))
	b.PutString(j.BatchScript)
	b.PutTime(j.SubmitTime)
	b.PutTime(j.EligibleTime)
	b.PutTime(j.StartTime)
	b.PutTime(j.EndTime)
	b.PutStrings(j.AllocNodes)
	b.PutBytes(j.AllocBitmap)
	b.PutU32s(j.CPUsPerNode)
	b.PutBytes(j.SelectPayload)
	b.PutU32(j.NextStepID)
	b.PutU32(j.ExitCode)

	b.PutU32(uint32(len(j.Steps)))
	for _, st := range j.Steps {
		packStep(st, b)
	}
}

func unpackJob(b *wire.Buffer) (*types.Job, error) {
	j := &types.Job{}
	j.ID = b.GetU32()
	j.Name = b.GetString()
	j.UserID = b.GetU32()
	j.GroupID = b.GetU32()
	j.Partition = b.GetString()
	j.Account = b.GetString()
	j.Priority = b.GetU32()
	j.Dependency = b.GetU32()

	j.Req.MinNodes = b.GetU32()
	j.Req.MaxNodes = b.GetU32()
	j.Req.MinCPUs = b.GetU32()
	j.Req.MinMemory = b.GetU32()
	j.Req.MinTmpDisk = b.GetU32()
	j.Req.ReqNodes = b.GetStrings()
	j.Req.ExcNodes = b.GetStrings()
	j.Req.Features = b.GetStrings()
	j.Req.Contiguous = b.GetBool()
	j.Req.Shared = b.GetBool()
	j.Req.TimeLimit = b.GetU32()

	j.State = types.JobState(b.GetU8())
	j.FinalState = types.JobState(b.GetU8())
	j.Reason = types.PendReason(b.GetU8())
	j.BatchScript = b.GetString()
	j.SubmitTime = b.GetTime()
	j.EligibleTime = b.GetTime()
	j.StartTime = b.GetTime()
	j.EndTime = b.GetTime()
	j.AllocNodes = b.GetStrings()
	j.AllocBitmap = b.GetBytes()
	j.CPUsPerNode = b.GetU32s()
	j.SelectPayload = b.GetBytes()
	j.NextStepID = b.GetU32()
	j.ExitCode = b.GetU32()

	nsteps := int(b.GetU32())
	if err := b.Err(); err != nil {
		return nil, err
	}
	for i := 0; i < nsteps; i++ {
		st, err := unpackStep(b)
		if err != nil {
			return nil, err
		}
		j.Steps = append(j.Steps, st)
	}
	return j, b.Err()
}

func packStep(s *types.Step, b *wire.Buffer) {
	b.PutU32(s.JobID)
	b.PutU32(s.StepID)
	b.PutU32(s.UserID)
	b.PutString(s.Name)
	b.PutU32(s.TaskCount)
	b.PutU32(s.NodeCount)
	b.PutU8(uint8(s.Dist))
	b.PutU16(s.Plane)
	packLayout(s.Layout, b)
	b.PutBytes(s.CredBlob)
	b.PutStrings(s.RespAddrs)
	b.PutTime(s.StartTime)
	b.PutBytes(s.CompleteBits)
	b.PutU32(s.ExitCode)
}

func unpackStep(b *wire.Buffer) (*types.Step, error) {
	s := &types.Step{}
	s.JobID = b.GetU32()
	s.StepID = b.GetU32()
	s.UserID = b.GetU32()
	s.Name = b.GetString()
	s.TaskCount = b.GetU32()
	s.NodeCount = b.GetU32()
	s.Dist = types.TaskDist(b.GetU8())
	s.Plane = b.GetU16()
	var err error
	s.Layout, err = unpackLayout(b)
	if err != nil {
		return nil, err
	}
	s.CredBlob = b.GetBytes()
	s.RespAddrs = b.GetStrings()
	s.StartTime = b.GetTime()
	s.CompleteBits = b.GetBytes()
	s.ExitCode = b.GetU32()
	return s, b.Err()
}

func packLayout(l *types.StepLayout, b *wire.Buffer) {
	if l == nil {
		b.PutBool(false)
		return
	}
	b.PutBool(true)
	b.PutStrings(l.Nodes)
	b.PutU16s(l.Tasks)
	b.PutU32(uint32(len(l.TIDs)))
	for _, row := range l.TIDs {
		b.PutU32s(row)
	}
	b.PutU32(l.TaskCount)
}

func unpackLayout(b *wire.Buffer) (*types.StepLayout, error) {
	if !b.GetBool() {
		return nil, b.Err()
	}
	l := &types.StepLayout{}
	l.Nodes = b.GetStrings()
	l.Tasks = b.GetU16s()
	n := int(b.GetU32())
	if err := b.Err(); err != nil {
		return nil, err
	}
	l.TIDs = make([][]uint32, n)
	for i := 0; i < n; i++ {
		l.TIDs[i] = b.GetU32s()
	}
	l.TaskCount = b.GetU32()
	return l, b.Err()
}
