package client

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/wire"
)

// Client speaks the wire protocol to the controller on behalf of the
// CLI tools and the step launch path.
type Client struct {
	Addr    string
	Key     []byte
	Timeout time.Duration
	UID     uint32
	GID     uint32
}

// New returns a client for the controller at addr authenticating with
// the cluster key.
func New(addr string, key []byte) *Client {
	return &Client{
		Addr:    addr,
		Key:     key,
		Timeout: 30 * time.Second,
		UID:     uint32(os.Getuid()),
		GID:     uint32(os.Getgid()),
	}
}

// Call performs one request/response exchange.
func (c *Client) Call(body wire.Body) (wire.Body, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reach controller at %s: %w", c.Addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.Timeout)) //nolint:errcheck

	h := wire.NewHeader(body.Type())
	h.Auth = cred.SignAuth(c.Key, c.UID, c.GID)
	if err := wire.WriteMsg(conn, h, body); err != nil {
		return nil, err
	}
	_, resp, err := wire.ReadMsg(conn)
	if err != nil {
		return nil, err
	}
	if rc, ok := resp.(*wire.RCResponse); ok && rc.RC != wire.CodeSuccess {
		return resp, fmt.Errorf("%s: %w", rc.Msg, wire.ErrorFor(rc.RC))
	}
	return resp, nil
}

// Allocate requests a node allocation.
func (c *Client) Allocate(req *wire.AllocateRequest) (*wire.AllocateResponse, error) {
	resp, err := c.Call(req)
	if err != nil {
		return nil, err
	}
	ar, ok := resp.(*wire.AllocateResponse)
	if !ok {
		return nil, wire.ErrUnexpectedMessage
	}
	if ar.ErrorCode != wire.CodeSuccess {
		return ar, fmt.Errorf("allocation: %w", wire.ErrorFor(ar.ErrorCode))
	}
	return ar, nil
}

// SubmitBatch queues a batch job.
func (c *Client) SubmitBatch(req *wire.SubmitBatchRequest) (*wire.AllocateResponse, error) {
	resp, err := c.Call(req)
	if err != nil {
		return nil, err
	}
	ar, ok := resp.(*wire.AllocateResponse)
	if !ok {
		return nil, wire.ErrUnexpectedMessage
	}
	return ar, nil
}

// CreateStep asks the controller to create a step and returns its
// layout and credential.
func (c *Client) CreateStep(req *wire.StepCreateRequest) (*wire.StepCreateResponse, error) {
	resp, err := c.Call(req)
	if err != nil {
		return nil, err
	}
	sr, ok := resp.(*wire.StepCreateResponse)
	if !ok {
		return nil, wire.ErrUnexpectedMessage
	}
	return sr, nil
}

// JobInfo fetches job records; updateTime enables the no-change guard.
func (c *Client) JobInfo(updateTime time.Time, jobID uint32) (*wire.JobInfoResponse, error) {
	resp, err := c.Call(&wire.JobInfoRequest{UpdateTime: updateTime, JobID: jobID})
	if err != nil {
		return nil, err
	}
	jr, ok := resp.(*wire.JobInfoResponse)
	if !ok {
		return nil, wire.ErrUnexpectedMessage
	}
	return jr, nil
}

// NodeInfo fetches the node table.
func (c *Client) NodeInfo(updateTime time.Time) (*wire.NodeInfoResponse, error) {
	resp, err := c.Call(&wire.NodeInfoRequest{UpdateTime: updateTime})
	if err != nil {
		return nil, err
	}
	nr, ok := resp.(*wire.NodeInfoResponse)
	if !ok {
		return nil, wire.ErrUnexpectedMessage
	}
	return nr, nil
}

// PartitionInfo fetches the partition table.
func (c *Client) PartitionInfo(updateTime time.Time) (*wire.PartitionInfoResponse, error) {
	resp, err := c.Call(&wire.PartitionInfoRequest{UpdateTime: updateTime})
	if err != nil {
		return nil, err
	}
	pr, ok := resp.(*wire.PartitionInfoResponse)
	if !ok {
		return nil, wire.ErrUnexpectedMessage
	}
	return pr, nil
}

// KillJob cancels or signals a job.
func (c *Client) KillJob(jobID, stepID uint32, signal uint16) error {
	_, err := c.Call(&wire.KillJobRequest{JobID: jobID, StepID: stepID, Signal: signal})
	return err
}

// CompleteJobAllocation releases an allocation.
func (c *Client) CompleteJobAllocation(jobID, rc uint32) error {
	_, err := c.Call(&wire.CompleteJobAllocationRequest{JobID: jobID, RC: rc})
	return err
}

// Suspend or resume a job.
func (c *Client) Suspend(jobID uint32, resume bool) error {
	op := wire.SuspendOpSuspend
	if resume {
		op = wire.SuspendOpResume
	}
	_, err := c.Call(&wire.SuspendRequest{JobID: jobID, Op: op})
	return err
}

// JobEndTime queries when a job's allocation expires.
func (c *Client) JobEndTime(jobID uint32) (time.Time, error) {
	resp, err := c.Call(&wire.JobEndTimeRequest{JobID: jobID})
	if err != nil {
		return time.Time{}, err
	}
	er, ok := resp.(*wire.JobEndTimeResponse)
	if !ok {
		return time.Time{}, wire.ErrUnexpectedMessage
	}
	return er.EndTime, nil
}
