//go:build linux

package stepmgr

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/container"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/forward"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stdio"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// ManagerConfig wires one step manager.
type ManagerConfig struct {
	NodeName       string
	SpoolDir       string
	ControllerAddr string
	Fanout         int
	Containers     container.Capability
	// NodeAddr resolves peer step managers for the completion tree.
	NodeAddr forward.AddrFunc
}

// Manager supervises one job step's tasks on one node: credential
// validation, the resource container, task stdio, the request plane, and
// completion aggregation.
type Manager struct {
	cfg      ManagerConfig
	nodeName string
	logger   zerolog.Logger

	mu        sync.Mutex
	state     StepState
	suspended bool

	jobID   uint32
	stepID  uint32
	uid     uint32
	gid     uint32
	argv    []string
	sig     []byte // credential signature; the stdio/attach admission token

	rank     int
	pos      TreePos
	layout   wire.LayoutBlob
	tasks    []*Task
	agg      *Aggregator
	respAddr string
	clientHost string

	containers  container.Capability
	containerID container.ID

	ioServer *stdio.Server
	reqSrv   *ReqServer

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager validates the launch payload and builds the step. A failed
// credential check returns before any task starts.
func NewManager(cfg ManagerConfig, req *wire.LaunchTasksRequest, clientHost string, credKey []byte) (*Manager, error) {
	capability, c, err := cred.UnpackAny(wire.NewBufferFrom(req.CredBlob))
	if err != nil {
		return nil, err
	}
	_ = credKey
	if err := cred.VerifyLaunch(capability, c, req.JobID, req.StepID, req.UserID, cfg.NodeName); err != nil {
		return nil, err
	}

	rank := -1
	for i, n := range req.Layout.Nodes {
		if n == cfg.NodeName {
			rank = i
			break
		}
	}
	if rank < 0 {
		return nil, fmt.Errorf("%w: node %s not in step layout", wire.ErrCredMismatch, cfg.NodeName)
	}

	fanout := cfg.Fanout
	if fanout <= 0 {
		fanout = forward.DefaultFanout
	}
	tree := BuildTree(len(req.Layout.Nodes), fanout)

	m := &Manager{
		cfg:        cfg,
		nodeName:   cfg.NodeName,
		logger:     log.WithStep(req.JobID, req.StepID),
		state:      StepStarting,
		jobID:      req.JobID,
		stepID:     req.StepID,
		uid:        req.UserID,
		gid:        req.GroupID,
		argv:       req.Argv,
		sig:        capability.Signature(c),
		rank:       rank,
		pos:        tree[rank],
		layout:     req.Layout,
		containers: cfg.Containers,
		clientHost: clientHost,
		doneCh:     make(chan struct{}),
	}
	if len(req.RespPorts) > 0 {
		m.respAddr = net.JoinHostPort(clientHost,
			fmt.Sprintf("%d", req.RespPorts[rank%len(req.RespPorts)]))
	}
	m.agg = NewAggregator(m.jobID, m.stepID, m.pos, m.sendCompletionUp)

	id, err := cfg.Containers.Create()
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	m.containerID = id
	return m, nil
}

// Start sets up per-task I/O, forks the tasks, connects the stdio plane,
// opens the request plane, and begins the supervisor. The returned
// response carries the local pids and gtids.
func (m *Manager) Start(req *wire.LaunchTasksRequest) (*wire.LaunchTasksResponse, error) {
	resp := &wire.LaunchTasksResponse{
		JobID:    m.jobID,
		StepID:   m.stepID,
		NodeName: m.nodeName,
	}
	if len(req.Argv) == 0 {
		resp.RC = wire.CodeMalformedFrame
		return resp, fmt.Errorf("launch without argv: %w", wire.ErrMalformedFrame)
	}

	gtids := m.layout.TIDs[m.rank]
	var taskIOs []*stdio.TaskIO
	for ltid, gtid := range gtids {
		t := &Task{
			GTID: gtid,
			LTID: uint32(ltid),
			Cmd:  exec.Command(req.Argv[0], req.Argv[1:]...),
		}
		t.Cmd.Dir = req.Cwd
		t.Cmd.Env = append(os.Environ(), req.Env...)
		t.Cmd.Env = append(t.Cmd.Env,
			fmt.Sprintf("BURROW_JOBID=%d", m.jobID),
			fmt.Sprintf("BURROW_STEPID=%d", m.stepID),
			fmt.Sprintf("BURROW_PROCID=%d", gtid),
			fmt.Sprintf("BURROW_LOCALID=%d", ltid),
			fmt.Sprintf("BURROW_NODENAME=%s", m.nodeName),
		)

		if req.UserManagedIO {
			if err := m.wireUserIO(t, req); err != nil {
				m.failLaunch(resp, err)
				return resp, err
			}
		} else {
			tio, err := m.setupTaskIO(t, req)
			if err != nil {
				m.failLaunch(resp, err)
				return resp, err
			}
			if tio != nil {
				taskIOs = append(taskIOs, tio)
			}
		}
		m.tasks = append(m.tasks, t)
	}

	if len(taskIOs) > 0 {
		m.ioServer = stdio.NewServer(stdio.ServerConfig{
			NodeID:       uint32(m.rank),
			Signature:    m.sig,
			Tasks:        taskIOs,
			LineBuffered: req.BufferedIO,
			StdinMode:    req.StdinMode,
			StdinTaskID:  req.StdinTaskID,
		})
		if len(req.IOPorts) > 0 {
			addr := net.JoinHostPort(m.clientHost, fmt.Sprintf("%d", req.IOPorts[0]))
			if err := m.ioServer.Connect(addr); err != nil {
				m.failLaunch(resp, err)
				return resp, err
			}
		}
	}

	for _, t := range m.tasks {
		if err := m.spawn(t, m.uid, m.gid); err != nil {
			m.failLaunch(resp, err)
			return resp, err
		}
		resp.PIDs = append(resp.PIDs, uint32(t.PID))
		resp.GTIDs = append(resp.GTIDs, t.GTID)
	}

	srv, err := NewReqServer(m)
	if err != nil {
		m.logger.Warn().Err(err).Msg("request plane unavailable")
	} else {
		m.reqSrv = srv
	}

	m.mu.Lock()
	m.state = StepRunning
	m.mu.Unlock()

	m.wg.Add(1)
	go m.supervise()
	return resp, nil
}

// wireUserIO hands the task's stdio directly to a socket connected to
// the client; no framing or labeling applies.
func (m *Manager) wireUserIO(t *Task, req *wire.LaunchTasksRequest) error {
	if len(req.IOPorts) == 0 {
		return fmt.Errorf("user-managed io without io port")
	}
	addr := net.JoinHostPort(m.clientHost, fmt.Sprintf("%d", req.IOPorts[0]))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial user io socket: %w", err)
	}
	f, err := conn.(*net.TCPConn).File()
	conn.Close()
	if err != nil {
		return err
	}
	t.Cmd.Stdin = f
	t.Cmd.Stdout = f
	t.Cmd.Stderr = f
	return nil
}

func (m *Manager) failLaunch(resp *wire.LaunchTasksResponse, err error) {
	resp.RC = wire.CodeFor(err)
	m.logger.Error().Err(err).Msg("launch failed")
	m.Cleanup()
}

// supervise waits for the tasks, reports each exit to the client, and on
// the last exit feeds the completion aggregator.
func (m *Manager) supervise() {
	defer m.wg.Done()

	var exitMu sync.Mutex
	var maxRC uint32
	var acct types.StepAccounting
	var taskWG sync.WaitGroup

	for _, t := range m.tasks {
		taskWG.Add(1)
		go func(t *Task) {
			defer taskWG.Done()
			rc := waitTask(t)
			if ps := t.Cmd.ProcessState; ps != nil {
				if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
					exitMu.Lock()
					if uint64(ru.Maxrss) > acct.MaxRSS {
						acct.MaxRSS = uint64(ru.Maxrss)
					}
					acct.UserUsec += uint64(ru.Utime.Sec)*1e6 + uint64(ru.Utime.Usec)
					acct.SystemUsec += uint64(ru.Stime.Sec)*1e6 + uint64(ru.Stime.Usec)
					exitMu.Unlock()
				}
			}
			exitMu.Lock()
			if rc > maxRC {
				maxRC = rc
			}
			exitMu.Unlock()
			m.reportExit(t, rc)
			closeTaskFiles(t)
		}(t)
	}
	taskWG.Wait()

	m.mu.Lock()
	m.state = StepComplete
	m.mu.Unlock()

	if m.ioServer != nil {
		// Give the pumps a moment to drain the final output.
		time.Sleep(50 * time.Millisecond)
		m.ioServer.Shutdown()
	}

	if err := m.agg.LocalDone(maxRC, acct); err != nil {
		m.logger.Error().Err(err).Msg("completion aggregation failed")
	}
	close(m.doneCh)
}

// reportExit sends the task-exit message to the client's response plane
// in a single attempt. ExitSent is set only when the write succeeds; a
// failed send is logged and not retried.
func (m *Manager) reportExit(t *Task, rc uint32) {
	if m.respAddr == "" {
		t.ExitSent = true
		return
	}
	msg := &wire.TaskExitMsg{
		JobID:      m.jobID,
		StepID:     m.stepID,
		TaskIDs:    []uint32{t.GTID},
		ReturnCode: rc,
	}
	conn, err := net.DialTimeout("tcp", m.respAddr, 5*time.Second)
	if err != nil {
		m.logger.Warn().Err(err).Uint32("gtid", t.GTID).Msg("task exit not delivered")
		return
	}
	defer conn.Close()
	h := wire.NewHeader(wire.MsgTaskExit)
	if err := wire.WriteMsg(conn, h, msg); err != nil {
		m.logger.Warn().Err(err).Uint32("gtid", t.GTID).Msg("task exit not delivered")
		return
	}
	t.ExitSent = true
}

// sendCompletionUp forwards the subtree's single completion record: to
// the parent manager, or from rank 0 to the controller.
func (m *Manager) sendCompletionUp(msg *wire.StepCompleteMsg) error {
	var addr string
	var err error
	if m.pos.ParentRank < 0 {
		addr = m.cfg.ControllerAddr
	} else {
		addr, err = m.cfg.NodeAddr(m.layout.Nodes[m.pos.ParentRank])
		if err != nil {
			return err
		}
	}
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to reach %s for completion: %w", addr, err)
	}
	defer conn.Close()
	h := wire.NewHeader(wire.MsgStepComplete)
	// Parents and the controller both require the node's operator
	// authenticator on completion records.
	h.Auth = m.authBlob()
	return wire.WriteMsg(conn, h, msg)
}

// nodeAuthBlob is installed by the daemon so completion records from every
// rank carry the node's authenticator.
var nodeAuthBlob func() []byte

// SetAuthBlobFunc installs the daemon's authenticator source.
func SetAuthBlobFunc(f func() []byte) { nodeAuthBlob = f }

func (m *Manager) authBlob() []byte {
	if nodeAuthBlob == nil {
		return nil
	}
	return nodeAuthBlob()
}

// ChildCompletion merges a child's range; exposed to the daemon and the
// request plane.
func (m *Manager) ChildCompletion(msg *wire.StepCompleteMsg) error {
	return m.agg.ChildDone(msg)
}

// State returns the step state.
func (m *Manager) State() StepState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns (uid, job, step).
func (m *Manager) Info() (uint32, uint32, uint32) {
	return m.uid, m.jobID, m.stepID
}

// Suspend stops the whole container; suspending a suspended step fails.
func (m *Manager) Suspend() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended {
		return wire.CodeStepSuspended, wire.ErrStepSuspended
	}
	if rc, err := m.signalContainer(int(syscall.SIGSTOP)); err != nil {
		return rc, err
	}
	m.suspended = true
	m.state = StepSuspended
	return wire.CodeSuccess, nil
}

// Resume continues the container; resuming a step that is not suspended
// fails without side effects.
func (m *Manager) Resume() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.suspended {
		return wire.CodeStepNotSuspended, wire.ErrStepNotSuspended
	}
	if rc, err := m.signalContainer(int(syscall.SIGCONT)); err != nil {
		return rc, err
	}
	m.suspended = false
	m.state = StepRunning
	return wire.CodeSuccess, nil
}

// Terminate kills the container regardless of suspend state.
func (m *Manager) Terminate() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A stopped process ignores SIGKILL until continued.
	if m.suspended {
		m.signalContainer(int(syscall.SIGCONT)) //nolint:errcheck
	}
	return m.signalContainer(int(syscall.SIGKILL))
}

// SignalContainer delivers an arbitrary signal; a suspended container
// reports step-suspended without delivering.
func (m *Manager) SignalContainer(signum int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended {
		return wire.CodeStepSuspended, wire.ErrStepSuspended
	}
	return m.signalContainer(signum)
}

// SignalProcessGroup signals the first task's process group.
func (m *Manager) SignalProcessGroup(signum int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended {
		return wire.CodeStepSuspended, wire.ErrStepSuspended
	}
	if len(m.tasks) == 0 || m.tasks[0].PID == 0 {
		return wire.CodeJobNotRunning, wire.ErrJobNotRunning
	}
	if err := syscall.Kill(-m.tasks[0].PID, syscall.Signal(signum)); err != nil && err != syscall.ESRCH {
		return wire.CodeInternal, err
	}
	return wire.CodeSuccess, nil
}

// SignalTaskLocal signals one local task.
func (m *Manager) SignalTaskLocal(signum int, ltid uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.suspended {
		return wire.CodeStepSuspended, wire.ErrStepSuspended
	}
	for _, t := range m.tasks {
		if t.LTID == ltid {
			if t.State != TaskRunning {
				return wire.CodeJobNotRunning, wire.ErrJobNotRunning
			}
			if err := syscall.Kill(t.PID, syscall.Signal(signum)); err != nil && err != syscall.ESRCH {
				return wire.CodeInternal, err
			}
			return wire.CodeSuccess, nil
		}
	}
	return wire.CodeJobNotFound, wire.ErrJobNotFound
}

// PidInContainer answers the request-plane query.
func (m *Manager) PidInContainer(pid int) bool {
	return m.containers.Find(pid) == m.containerID
}

// Attach re-keys the stdio plane to a new client after a constant-time
// signature comparison, replaying the bounded cache first.
func (m *Manager) Attach(req *wire.ReattachRequest) (*wire.ReattachResponse, error) {
	resp := &wire.ReattachResponse{NodeName: m.nodeName}
	if len(req.Signature) != len(m.sig) || !constantTimeEqual(req.Signature, m.sig) {
		resp.RC = wire.CodeCredInvalid
		return resp, wire.ErrCredInvalid
	}
	for _, t := range m.tasks {
		resp.PIDs = append(resp.PIDs, uint32(t.PID))
		resp.GTIDs = append(resp.GTIDs, t.GTID)
	}
	if len(m.argv) > 0 {
		resp.Executable = m.argv[0]
	}
	if req.RespAddr != "" {
		m.mu.Lock()
		m.respAddr = req.RespAddr
		m.mu.Unlock()
	}
	if m.ioServer != nil && req.IOAddr != "" {
		conn, err := net.DialTimeout("tcp", req.IOAddr, 5*time.Second)
		if err != nil {
			resp.RC = wire.CodeConnectionAborted
			return resp, err
		}
		if err := m.ioServer.Attach(conn); err != nil {
			resp.RC = wire.CodeConnectionAborted
			return resp, err
		}
	}
	return resp, nil
}

func constantTimeEqual(a, b []byte) bool {
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// Done closes when the step's tasks have all exited and completion has
// been aggregated.
func (m *Manager) Done() <-chan struct{} { return m.doneCh }

// Cleanup destroys the container and the request plane socket.
func (m *Manager) Cleanup() {
	if m.reqSrv != nil {
		m.reqSrv.Close()
	}
	if m.containerID != 0 {
		m.containers.Destroy(m.containerID) //nolint:errcheck
		m.containerID = 0
	}
}
