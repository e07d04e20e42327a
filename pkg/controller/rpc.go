package controller

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/acct"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/forward"
	"github.com/cuemby/burrow/pkg/hostlist"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// dispatch routes one authenticated request to its handler.
func (c *Controller) dispatch(h *wire.Header, body wire.Body, auth *cred.AuthToken) wire.Body {
	switch m := body.(type) {
	case *wire.AllocateRequest:
		return c.handleAllocate(m, auth, "")
	case *wire.SubmitBatchRequest:
		return c.handleAllocate(&m.AllocateRequest, auth, m.Script)
	case *wire.JobInfoRequest:
		return c.handleJobInfo(m)
	case *wire.NodeInfoRequest:
		return c.handleNodeInfo(m)
	case *wire.PartitionInfoRequest:
		return c.handlePartitionInfo(m)
	case *wire.StepCreateRequest:
		return c.handleStepCreate(m, auth)
	case *wire.StepCompleteMsg:
		return c.handleStepComplete(m)
	case *wire.CompleteJobAllocationRequest:
		return c.handleCompleteJobAllocation(m, auth)
	case *wire.KillJobRequest:
		return c.handleKillJob(m, auth)
	case *wire.SuspendRequest:
		return c.handleSuspend(m, auth)
	case *wire.JobEndTimeRequest:
		return c.handleJobEndTime(m)
	case *wire.PMIKVSPutRequest:
		return c.handlePMIPut(m)
	case *wire.PMIKVSGetRequest:
		return c.handlePMIGet(m)
	case *wire.TriggerSetRequest:
		return c.handleTriggerSet(m)
	case *wire.TriggerGetRequest:
		return c.handleTriggerGet(m)
	case *wire.TriggerClearRequest:
		return c.handleTriggerClear(m)
	case *wire.ReattachRequest:
		return c.handleReattachInfo(m, auth)
	case *wire.FileBcastRequest, *wire.CheckpointRequest:
		return &wire.RCResponse{RC: wire.CodeNotSupported, Msg: wire.Strerror(wire.CodeNotSupported)}
	default:
		return &wire.RCResponse{RC: wire.CodeUnexpectedMessage,
			Msg: fmt.Sprintf("unexpected message type %s", h.Type)}
	}
}

func (c *Controller) handleAllocate(req *wire.AllocateRequest, auth *cred.AuthToken, script string) wire.Body {
	// The authenticator, not the request body, names the caller.
	req.UserID = auth.UID
	req.GroupID = auth.GID

	j, err := c.Registry.SubmitJob(req, script, "")
	if err != nil {
		return rcErr(err)
	}
	c.publish(events.EventJobSubmitted, j.ID, 0, "")

	placed := false
	if c.TryPlace != nil {
		placed = c.TryPlace(j)
	}
	if !placed {
		if req.Immediate {
			c.Registry.CancelJob(j.ID) //nolint:errcheck
			return &wire.AllocateResponse{JobID: j.ID, ErrorCode: wire.CodeTryAgain}
		}
		if c.KickScheduler != nil {
			c.KickScheduler()
		}
		return &wire.AllocateResponse{JobID: j.ID}
	}

	c.publish(events.EventJobStarted, j.ID, 0, "")
	c.logRecord(&acct.Record{
		Kind:      acct.KindJobStart,
		JobID:     j.ID,
		Name:      j.Name,
		UserID:    j.UserID,
		GroupID:   j.GroupID,
		Partition: j.Partition,
		Account:   j.Account,
		NodeList:  hostlist.Compress(j.AllocNodes),
		NodeCnt:   uint32(len(j.AllocNodes)),
		State:     j.State.String(),
		StartTime: j.StartTime,
		Timestamp: time.Now(),
	})
	return &wire.AllocateResponse{
		JobID:       j.ID,
		Nodes:       j.AllocNodes,
		CPUsPerNode: j.CPUsPerNode,
	}
}

func (c *Controller) handleJobInfo(req *wire.JobInfoRequest) wire.Body {
	last := c.Registry.LastJobUpdate()
	if !req.UpdateTime.IsZero() && !req.UpdateTime.Before(last) {
		return &wire.RCResponse{RC: wire.CodeNoChangeInData, Msg: wire.Strerror(wire.CodeNoChangeInData)}
	}
	resp := &wire.JobInfoResponse{LastUpdate: last}
	for _, j := range c.Registry.Jobs() {
		if req.JobID != types.NoVal && req.JobID != 0 && j.ID != req.JobID {
			continue
		}
		resp.Jobs = append(resp.Jobs, wire.JobInfoRecord{
			JobID:      j.ID,
			Name:       j.Name,
			UserID:     j.UserID,
			Partition:  j.Partition,
			State:      uint8(j.State),
			Reason:     uint8(j.Reason),
			Priority:   j.Priority,
			SubmitTime: j.SubmitTime,
			StartTime:  j.StartTime,
			EndTime:    j.EndTime,
			TimeLimit:  j.Req.TimeLimit,
			Nodes:      j.AllocNodes,
			ExitCode:   j.ExitCode,
		})
	}
	return resp
}

func (c *Controller) handleNodeInfo(req *wire.NodeInfoRequest) wire.Body {
	last := c.Registry.LastNodeUpdate()
	if !req.UpdateTime.IsZero() && !req.UpdateTime.Before(last) {
		return &wire.RCResponse{RC: wire.CodeNoChangeInData, Msg: wire.Strerror(wire.CodeNoChangeInData)}
	}
	resp := &wire.NodeInfoResponse{LastUpdate: last}
	for _, n := range c.Registry.Nodes() {
		resp.Nodes = append(resp.Nodes, wire.NodeInfoRecord{
			Name:       n.Name,
			State:      uint8(n.State),
			Flags:      n.Flags,
			CPUs:       n.CPUs,
			RealMemory: n.RealMemory,
			TmpDisk:    n.TmpDisk,
			Features:   n.Features,
			Reason:     n.Reason,
		})
	}
	return resp
}

func (c *Controller) handlePartitionInfo(req *wire.PartitionInfoRequest) wire.Body {
	last := c.Registry.LastPartUpdate()
	if !req.UpdateTime.IsZero() && !req.UpdateTime.Before(last) {
		return &wire.RCResponse{RC: wire.CodeNoChangeInData, Msg: wire.Strerror(wire.CodeNoChangeInData)}
	}
	resp := &wire.PartitionInfoResponse{LastUpdate: last}
	for _, p := range c.Registry.Partitions() {
		if p.Hidden {
			continue
		}
		resp.Partitions = append(resp.Partitions, wire.PartitionInfoRecord{
			Name:        p.Name,
			NodePattern: p.NodePattern,
			Default:     p.Default,
			Hidden:      p.Hidden,
			Up:          p.Up,
			RootOnly:    p.RootOnly,
			Shared:      uint8(p.Shared),
			MaxTime:     p.MaxTime,
			MinNodes:    p.MinNodes,
			MaxNodes:    p.MaxNodes,
			TotalNodes:  p.TotalNodes,
			TotalCPUs:   p.TotalCPUs,
		})
	}
	return resp
}

func (c *Controller) handleStepCreate(req *wire.StepCreateRequest, auth *cred.AuthToken) wire.Body {
	req.UserID = auth.UID
	st, err := c.Registry.CreateStep(req, c.credCap)
	if err != nil {
		return rcErr(err)
	}
	c.publish(events.EventStepCreated, st.JobID, st.StepID, "")
	metrics.StepsActive.Inc()
	c.logRecord(&acct.Record{
		Kind:      acct.KindStepStart,
		JobID:     st.JobID,
		StepID:    st.StepID,
		Name:      st.Name,
		UserID:    st.UserID,
		NodeList:  hostlist.Compress(st.Layout.Nodes),
		NodeCnt:   st.NodeCount,
		StartTime: st.StartTime,
		Timestamp: time.Now(),
	})
	return &wire.StepCreateResponse{
		StepID: st.StepID,
		Layout: wire.LayoutBlob{
			Nodes:     st.Layout.Nodes,
			Tasks:     st.Layout.Tasks,
			TIDs:      st.Layout.TIDs,
			TaskCount: st.Layout.TaskCount,
		},
		CredBlob: st.CredBlob,
	}
}

func (c *Controller) handleStepComplete(msg *wire.StepCompleteMsg) wire.Body {
	st, _ := c.Registry.Step(msg.JobID, msg.StepID)
	done, err := c.Registry.RecordStepComplete(msg)
	if err != nil {
		return rcErr(err)
	}
	if done && st != nil {
		c.publish(events.EventStepComplete, msg.JobID, msg.StepID, "")
		metrics.StepsActive.Dec()
		c.logRecord(&acct.Record{
			Kind:      acct.KindStepComplete,
			JobID:     msg.JobID,
			StepID:    msg.StepID,
			Name:      st.Name,
			UserID:    st.UserID,
			NodeList:  hostlist.Compress(st.Layout.Nodes),
			NodeCnt:   st.NodeCount,
			ExitCode:  st.ExitCode,
			StartTime: st.StartTime,
			EndTime:   time.Now(),
			Timestamp: time.Now(),
			MaxRSS:    msg.MaxRSS,
			UserUsec:  msg.UserUsec,
			SystemUsec: msg.SystemUsec,
		})
		if j, jerr := c.Registry.Job(msg.JobID); jerr == nil && j.State == types.JobCompleting {
			c.maybeFinish(j)
		}
	}
	return rcOK()
}

func (c *Controller) handleCompleteJobAllocation(req *wire.CompleteJobAllocationRequest, auth *cred.AuthToken) wire.Body {
	j, err := c.Registry.Job(req.JobID)
	if err != nil {
		return rcErr(err)
	}
	if auth.UID != 0 && auth.UID != j.UserID {
		return rcErr(fmt.Errorf("uid %d does not own job %d: %w", auth.UID, j.ID, wire.ErrUnauthorized))
	}
	if _, err := c.Registry.CompleteJobAllocation(req.JobID, req.RC); err != nil {
		return rcErr(err)
	}
	c.publish(events.EventJobCompleting, j.ID, 0, "")
	c.maybeFinish(j)
	if c.KickScheduler != nil {
		c.KickScheduler() // freed resources
	}
	return rcOK()
}

func (c *Controller) handleKillJob(req *wire.KillJobRequest, auth *cred.AuthToken) wire.Body {
	j, err := c.Registry.Job(req.JobID)
	if err != nil {
		return rcErr(err)
	}
	if auth.UID != 0 && auth.UID != j.UserID {
		return rcErr(fmt.Errorf("uid %d does not own job %d: %w", auth.UID, j.ID, wire.ErrUnauthorized))
	}

	// A plain signal forwards to the job's steps without state change.
	if req.Signal != 0 && req.Signal != 9 {
		c.fanToNodes(j.AllocNodes, &wire.SignalTasksRequest{
			JobID: req.JobID, StepID: req.StepID, Signal: req.Signal,
		})
		return rcOK()
	}

	wasPending := j.State == types.JobPending
	if _, err := c.Registry.CancelJob(req.JobID); err != nil {
		return rcErr(err)
	}
	c.publish(events.EventJobCancelled, j.ID, 0, "")
	if !wasPending {
		c.fanToNodes(j.AllocNodes, &wire.TerminateTasksRequest{JobID: req.JobID, StepID: req.StepID})
		c.maybeFinish(j)
	}
	if c.KickScheduler != nil {
		c.KickScheduler()
	}
	return rcOK()
}

func (c *Controller) handleSuspend(req *wire.SuspendRequest, auth *cred.AuthToken) wire.Body {
	if auth.UID != 0 {
		return rcErr(fmt.Errorf("suspend is operator-only: %w", wire.ErrUnauthorized))
	}
	var j *types.Job
	var err error
	if req.Op == wire.SuspendOpSuspend {
		j, err = c.Registry.SuspendJob(req.JobID)
	} else {
		j, err = c.Registry.ResumeJob(req.JobID)
	}
	if err != nil {
		return rcErr(err)
	}
	if req.Op == wire.SuspendOpSuspend {
		c.publish(events.EventJobSuspended, j.ID, 0, "")
	} else {
		c.publish(events.EventJobResumed, j.ID, 0, "")
	}
	c.fanToNodes(j.AllocNodes, req)
	return rcOK()
}

func (c *Controller) handleJobEndTime(req *wire.JobEndTimeRequest) wire.Body {
	j, err := c.Registry.Job(req.JobID)
	if err != nil {
		return rcErr(err)
	}
	end := j.EndTime
	if end.IsZero() && j.State == types.JobRunning &&
		j.Req.TimeLimit != 0 && j.Req.TimeLimit != types.Infinite {
		end = j.StartTime.Add(time.Duration(j.Req.TimeLimit) * time.Minute)
	}
	return &wire.JobEndTimeResponse{JobID: j.ID, EndTime: end}
}

func (c *Controller) handlePMIPut(req *wire.PMIKVSPutRequest) wire.Body {
	key := fmt.Sprintf("%d.%d", req.JobID, req.StepID)
	c.pmiMu.Lock()
	if c.pmiKVS[key] == nil {
		c.pmiKVS[key] = make(map[string]string)
	}
	c.pmiKVS[key][req.Key] = req.Value
	c.pmiMu.Unlock()
	return rcOK()
}

func (c *Controller) handlePMIGet(req *wire.PMIKVSGetRequest) wire.Body {
	key := fmt.Sprintf("%d.%d", req.JobID, req.StepID)
	c.pmiMu.Lock()
	v, ok := c.pmiKVS[key][req.Key]
	c.pmiMu.Unlock()
	if !ok {
		return &wire.PMIKVSGetResponse{RC: wire.CodeJobNotFound}
	}
	return &wire.PMIKVSGetResponse{Value: v}
}

func (c *Controller) handleTriggerSet(req *wire.TriggerSetRequest) wire.Body {
	c.trigMu.Lock()
	c.triggers[req.Name] = req
	c.trigMu.Unlock()
	return rcOK()
}

func (c *Controller) handleTriggerGet(req *wire.TriggerGetRequest) wire.Body {
	c.trigMu.Lock()
	defer c.trigMu.Unlock()
	resp := &wire.TriggerGetResponse{}
	for name, t := range c.triggers {
		if req.Name != "" && req.Name != name {
			continue
		}
		resp.Names = append(resp.Names, name)
		resp.Kinds = append(resp.Kinds, t.Kind)
		resp.Targets = append(resp.Targets, t.Target)
		resp.Programs = append(resp.Programs, t.Program)
	}
	return resp
}

func (c *Controller) handleTriggerClear(req *wire.TriggerClearRequest) wire.Body {
	c.trigMu.Lock()
	delete(c.triggers, req.Name)
	c.trigMu.Unlock()
	return rcOK()
}

// handleReattachInfo hands a step's layout and credential back to its
// owner so a reattach client can re-key the stdio plane.
func (c *Controller) handleReattachInfo(req *wire.ReattachRequest, auth *cred.AuthToken) wire.Body {
	st, err := c.Registry.Step(req.JobID, req.StepID)
	if err != nil {
		return rcErr(err)
	}
	if auth.UID != 0 && auth.UID != st.UserID {
		return rcErr(fmt.Errorf("uid %d does not own step %d.%d: %w",
			auth.UID, req.JobID, req.StepID, wire.ErrUnauthorized))
	}
	return &wire.StepCreateResponse{
		StepID: st.StepID,
		Layout: wire.LayoutBlob{
			Nodes:     st.Layout.Nodes,
			Tasks:     st.Layout.Tasks,
			TIDs:      st.Layout.TIDs,
			TaskCount: st.Layout.TaskCount,
		},
		CredBlob: st.CredBlob,
	}
}

// fanToNodes delivers a message to the named nodes through the forwarding
// tree as the operator, marking unreachable nodes not-responding.
func (c *Controller) fanToNodes(nodes []string, body wire.Body) {
	if len(nodes) == 0 {
		return
	}
	tree := forward.New(c.Registry.NodeAddr)
	tree.Fanout = c.Registry.Config().Fanout
	tree.Auth = func() []byte { return cred.SignAuth(c.authKey, 0, 0) }
	for _, rec := range tree.Send(nodes, body.Type(), body) {
		if rec.Err == wire.CodeForwardFailed {
			c.logger.Warn().Str("node", rec.Node).Msg("node unreachable during fan-out")
			n, err := c.Registry.NodeByName(rec.Node)
			if err == nil {
				c.Registry.nodeMu.Lock()
				n.Flags |= types.NodeFlagNoRespond
				c.Registry.nodeMu.Unlock()
			}
		}
	}
}
