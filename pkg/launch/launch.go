//go:build linux

package launch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bitmap"
	"github.com/cuemby/burrow/pkg/eio"
	"github.com/cuemby/burrow/pkg/forward"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/stdio"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

// DefaultAbortGrace is how long an aborted wait-for-finish gives the step
// before a defensive second kill.
const DefaultAbortGrace = 10 * time.Second

// PMIHandler consumes kvs-put/kvs-get traffic arriving on the response
// channel. It never touches the launch or exit bitmaps.
type PMIHandler interface {
	Put(key, value string) error
	Get(key string) (string, error)
}

// Callbacks are the user-registered completion hooks.
type Callbacks struct {
	TaskStart func(gtids []uint32)
	TaskExit  func(gtids []uint32, rc uint32)
	NodeFail  func(nodes []string)
}

// Params shapes one step launch.
type Params struct {
	JobID  uint32
	StepID uint32
	UserID uint32
	GroupID uint32

	Layout    *types.StepLayout
	CredBlob  []byte
	Signature []byte

	Env  []string
	Argv []string
	Cwd  string

	LabelIO       bool
	BufferedIO    bool
	UserManagedIO bool
	StdinMode     uint8
	StdinTaskID   uint32
	OutPattern    string
	ErrPattern    string

	Fanout     int
	AbortGrace time.Duration

	// NodeAddr resolves a node name to its step-manager address.
	NodeAddr forward.AddrFunc
	// Auth produces the caller's authenticator blob, stamped into every
	// fanned header so step managers can authorize the request.
	Auth forward.AuthFunc
	// Kill asks the controller to kill the step; used on abort.
	Kill func() error

	PMI       PMIHandler
	Callbacks Callbacks

	Out stdioWriter
	Err stdioWriter
}

type stdioWriter interface {
	Write([]byte) (int, error)
}

// State is the client-side step-launch state machine. All bitmaps,
// counters, and callbacks mutate under one mutex with a companion
// condition variable; waiters recheck the abort flag on every wakeup.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	params         Params
	tasksRequested int
	tasksStarted   *bitmap.Bitmap
	tasksExited    *bitmap.Bitmap
	abort          bool
	abortTaken     bool

	hostOf    []int
	respPorts []uint16
	loop      *eio.Loop
	loopErr   error

	io              *stdio.Client
	userIOConnected int

	launchFailed bool
	maxExitCode  uint32

	logger zerolog.Logger
}

// NewState validates the request and builds the launch state. A zero
// task count is rejected here; no launch RPC is sent.
func NewState(p Params) (*State, error) {
	if p.Layout == nil || p.Layout.TaskCount == 0 {
		return nil, fmt.Errorf("step has no tasks to launch")
	}
	if len(p.Layout.Nodes) == 0 {
		return nil, fmt.Errorf("step has no nodes")
	}
	if p.AbortGrace <= 0 {
		p.AbortGrace = DefaultAbortGrace
	}
	if p.Fanout <= 0 {
		p.Fanout = forward.DefaultFanout
	}

	hostOf := make([]int, p.Layout.TaskCount)
	for i := range hostOf {
		hostOf[i] = -1
	}
	for node, row := range p.Layout.TIDs {
		for _, tid := range row {
			if tid < p.Layout.TaskCount {
				hostOf[tid] = node
			}
		}
	}

	s := &State{
		params:         p,
		tasksRequested: int(p.Layout.TaskCount),
		tasksStarted:   bitmap.New(int(p.Layout.TaskCount)),
		tasksExited:    bitmap.New(int(p.Layout.TaskCount)),
		hostOf:         hostOf,
		logger:         log.WithStep(p.JobID, p.StepID),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Launch installs the listeners, wires the stdio plane, and broadcasts
// the launch payload through the forwarding tree.
func (s *State) Launch() error {
	loop, err := eio.NewLoop()
	if err != nil {
		return fmt.Errorf("failed to create reactor: %w", err)
	}
	s.loop = loop

	nports := RespPortCount(len(s.params.Layout.Nodes))
	for i := 0; i < nports; i++ {
		l, err := newRespListener(s)
		if err != nil {
			loop.Shutdown()
			return fmt.Errorf("failed to bind response listener: %w", err)
		}
		if err := loop.Register(l); err != nil {
			loop.Shutdown()
			return err
		}
		s.respPorts = append(s.respPorts, l.port)
	}
	go func() {
		if err := loop.Run(); err != nil {
			s.mu.Lock()
			s.loopErr = err
			s.mu.Unlock()
			s.logger.Error().Err(err).Msg("reactor failed")
		}
	}()

	var ioPorts []uint16
	if !s.params.UserManagedIO && s.params.OutPattern == "" {
		io, err := stdio.NewClient(stdio.ClientConfig{
			Signature: s.params.Signature,
			Out:       s.params.Out,
			Err:       s.params.Err,
			LabelIO:   s.params.LabelIO,
			HostOf: func(gtid uint32) int {
				if int(gtid) < len(s.hostOf) {
					return s.hostOf[gtid]
				}
				return -1
			},
		})
		if err != nil {
			loop.Shutdown()
			return err
		}
		s.io = io
		ioPorts = []uint16{io.Port()}
	}

	req := &wire.LaunchTasksRequest{
		JobID:    s.params.JobID,
		StepID:   s.params.StepID,
		UserID:   s.params.UserID,
		GroupID:  s.params.GroupID,
		CredBlob: s.params.CredBlob,
		Layout: wire.LayoutBlob{
			Nodes:     s.params.Layout.Nodes,
			Tasks:     s.params.Layout.Tasks,
			TIDs:      s.params.Layout.TIDs,
			TaskCount: s.params.Layout.TaskCount,
		},
		Env:           s.params.Env,
		Argv:          s.params.Argv,
		Cwd:           s.params.Cwd,
		RespPorts:     s.respPorts,
		IOPorts:       ioPorts,
		UserManagedIO: s.params.UserManagedIO,
		BufferedIO:    s.params.BufferedIO,
		StdinMode:     s.params.StdinMode,
		StdinTaskID:   s.params.StdinTaskID,
		OutPattern:    s.params.OutPattern,
		ErrPattern:    s.params.ErrPattern,
	}

	tree := forward.New(s.params.NodeAddr)
	tree.Fanout = s.params.Fanout
	tree.Auth = s.params.Auth
	recs := tree.Send(s.params.Layout.Nodes, wire.MsgRequestLaunchTasks, req)
	for _, rec := range recs {
		switch m := rec.Data.(type) {
		case *wire.LaunchTasksResponse:
			s.handleLaunchResponse(m)
		case *wire.ForwardFailedResponse:
			s.handleNodeFail([]string{rec.Node})
		default:
			if rec.Err != wire.CodeSuccess {
				s.handleNodeFail([]string{rec.Node})
			}
		}
	}
	metrics.StepsLaunched.Inc()
	return nil
}

// handleMessage consumes one message from the response plane; a non-nil
// return is written back as the reply.
func (s *State) handleMessage(body wire.Body) wire.Body {
	switch m := body.(type) {
	case *wire.LaunchTasksResponse:
		s.handleLaunchResponse(m)
	case *wire.TaskExitMsg:
		s.handleTaskExit(m)
	case *wire.NodeFailMsg:
		s.handleNodeFail(m.Nodes)
	case *wire.StepTimeoutMsg:
		s.logger.Warn().Msg("step hit its time limit")
		s.Abort()
	case *wire.PMIKVSPutRequest:
		rc := wire.CodeSuccess
		if s.params.PMI != nil {
			if err := s.params.PMI.Put(m.Key, m.Value); err != nil {
				rc = wire.CodeFor(err)
			}
		}
		return &wire.RCResponse{RC: rc}
	case *wire.PMIKVSGetRequest:
		if s.params.PMI == nil {
			return &wire.PMIKVSGetResponse{RC: wire.CodeNotSupported}
		}
		v, err := s.params.PMI.Get(m.Key)
		if err != nil {
			return &wire.PMIKVSGetResponse{RC: wire.CodeFor(err)}
		}
		return &wire.PMIKVSGetResponse{Value: v}
	}
	return nil
}

func (s *State) handleLaunchResponse(m *wire.LaunchTasksResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.RC == wire.CodeSuccess {
		for _, tid := range m.GTIDs {
			s.tasksStarted.Set(int(tid))
		}
		metrics.TasksLaunched.Add(float64(len(m.GTIDs)))
		if cb := s.params.Callbacks.TaskStart; cb != nil {
			cb(m.GTIDs)
		}
	} else {
		// Tasks that never launched resolve to exited; they may or may
		// not also count as started, both end in the exited set.
		s.launchFailed = true
		metrics.StepsFailed.Inc()
		s.logger.Error().Str("node", m.NodeName).Uint32("rc", m.RC).
			Msg("launch failed on node")
		for _, tid := range m.GTIDs {
			s.tasksStarted.Set(int(tid))
			s.tasksExited.Set(int(tid))
		}
	}
	s.cond.Broadcast()
}

func (s *State) handleTaskExit(m *wire.TaskExitMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tid := range m.TaskIDs {
		// Once exited, a task cannot un-exit.
		s.tasksExited.Set(int(tid))
	}
	if m.ReturnCode > s.maxExitCode {
		s.maxExitCode = m.ReturnCode
	}
	if cb := s.params.Callbacks.TaskExit; cb != nil {
		cb(m.TaskIDs, m.ReturnCode)
	}
	s.cond.Broadcast()
}

// handleNodeFail accounts every task owned by the failed nodes as both
// started and exited (they never will either way) and tells the stdio
// plane to expect no further traffic from them.
func (s *State) handleNodeFail(nodes []string) {
	s.mu.Lock()
	for _, name := range nodes {
		for idx, layoutName := range s.params.Layout.Nodes {
			if layoutName != name {
				continue
			}
			for _, tid := range s.params.Layout.TIDs[idx] {
				s.tasksStarted.Set(int(tid))
				s.tasksExited.Set(int(tid))
			}
			if s.io != nil {
				s.io.ExpectNoTraffic(uint32(idx))
			}
		}
	}
	s.launchFailed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	if cb := s.params.Callbacks.NodeFail; cb != nil {
		cb(nodes)
	}
}

// UserIOConnected counts one user-managed socket connection.
func (s *State) UserIOConnected() {
	s.mu.Lock()
	s.userIOConnected++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Abort flags the state and wakes every waiter.
func (s *State) Abort() {
	s.mu.Lock()
	s.abort = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// sendKillLocked issues one step-kill, releasing the mutex for the call;
// callers hold the mutex and decide how often it is sent.
func (s *State) sendKillLocked() {
	if s.params.Kill == nil {
		return
	}
	kill := s.params.Kill
	s.mu.Unlock()
	if err := kill(); err != nil {
		s.logger.Warn().Err(err).Msg("step kill failed")
	}
	s.mu.Lock()
}

// WaitStarted blocks until every requested task has started (and, in
// user-managed I/O mode, every user socket has connected). On abort it
// kills the step, marks the action taken, and returns failure.
func (s *State) WaitStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.abort {
			if !s.abortTaken {
				s.sendKillLocked()
				s.abortTaken = true
			}
			return fmt.Errorf("launch aborted: %w", wire.ErrConnectionAborted)
		}
		started := s.tasksStarted.Count() == s.tasksRequested
		if started && s.params.UserManagedIO {
			started = s.userIOConnected >= s.tasksRequested
		}
		if started {
			return nil
		}
		s.cond.Wait()
	}
}

// WaitFinished blocks until every task has exited. On abort it kills the
// step and gives it AbortGrace before a defensive second kill; the stdio
// plane is quiesced either way.
func (s *State) WaitFinished() error {
	s.mu.Lock()
	var deadline time.Time
	retried := false
	for {
		if s.tasksExited.Count() == s.tasksRequested {
			break
		}
		if s.abort {
			if !s.abortTaken {
				s.sendKillLocked()
				s.abortTaken = true
				deadline = time.Now().Add(s.params.AbortGrace)
				go s.abortTimer(deadline)
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				if !retried {
					retried = true
					s.sendKillLocked()
				}
				s.mu.Unlock()
				s.quiesce()
				return fmt.Errorf("step did not exit within %s of abort: %w",
					s.params.AbortGrace, wire.ErrTimeout)
			}
		}
		s.cond.Wait()
	}
	s.mu.Unlock()
	s.quiesce()
	return nil
}

// abortTimer wakes the waiters once the grace period lapses.
func (s *State) abortTimer(deadline time.Time) {
	time.Sleep(time.Until(deadline) + 10*time.Millisecond)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// quiesce shuts the I/O plane and the reactor down.
func (s *State) quiesce() {
	if s.io != nil {
		s.io.Shutdown()
	}
	if s.loop != nil {
		s.loop.Shutdown()
	}
}

// ActiveNodes returns the nodes holding tasks that started and have not
// exited; signals target exactly this subset.
func (s *State) ActiveNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[int]bool)
	for tid := 0; tid < s.tasksRequested; tid++ {
		if s.tasksStarted.Test(tid) && !s.tasksExited.Test(tid) {
			if node := s.hostOf[tid]; node >= 0 {
				active[node] = true
			}
		}
	}
	nodes := make([]string, 0, len(active))
	for idx := range active {
		nodes = append(nodes, s.params.Layout.Nodes[idx])
	}
	return nodes
}

// Signal fans one signal to the nodes with active tasks. Races with task
// exit ("invalid job", "not running") are silently ignored.
func (s *State) Signal(sig uint16) error {
	nodes := s.ActiveNodes()
	if len(nodes) == 0 {
		return nil
	}
	tree := forward.New(s.params.NodeAddr)
	tree.Fanout = s.params.Fanout
	tree.Auth = s.params.Auth
	req := &wire.SignalTasksRequest{JobID: s.params.JobID, StepID: s.params.StepID, Signal: sig}
	for _, rec := range tree.Send(nodes, wire.MsgRequestSignalTasks, req) {
		switch rec.Err {
		case wire.CodeSuccess, wire.CodeJobNotFound, wire.CodeJobNotRunning, wire.CodeStepNotFound:
			// Benign or racing with exit.
		default:
			s.logger.Warn().Str("node", rec.Node).Uint32("rc", rec.Err).
				Msg("signal delivery failed")
		}
	}
	return nil
}

// ExitCode is the step's aggregate: the max task exit code, or 1 if any
// task failed to launch.
func (s *State) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launchFailed && s.maxExitCode == 0 {
		return 1
	}
	return int(s.maxExitCode)
}

// Started and Exited expose bitmap snapshots for callers and tests.
func (s *State) Started() *bitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksStarted.Clone()
}

func (s *State) Exited() *bitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasksExited.Clone()
}

// IO exposes the stdio endpoint in normal (framed) mode.
func (s *State) IO() *stdio.Client { return s.io }

// RespPorts exposes the response listener ports.
func (s *State) RespPorts() []uint16 {
	return append([]uint16(nil), s.respPorts...)
}
