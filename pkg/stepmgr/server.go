//go:build linux

package stepmgr

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/container"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/forward"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/wire"
)

// Daemon is the per-node step-manager daemon: it accepts launch and
// control traffic, relays forwarded RPCs down the tree, and owns one
// Manager per active step. Only one step runs per container at a time.
type Daemon struct {
	cfg    ManagerConfig
	key    []byte
	logger zerolog.Logger

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	steps map[string]*Manager // "job.step"
}

// NewDaemon builds the daemon for one node.
func NewDaemon(cfg ManagerConfig, clusterKey []byte) *Daemon {
	if cfg.Containers == nil {
		cfg.Containers = container.NewPGID()
	}
	d := &Daemon{
		cfg:    cfg,
		key:    clusterKey,
		logger: log.WithNode(cfg.NodeName),
		stopCh: make(chan struct{}),
		steps:  make(map[string]*Manager),
	}
	SetAuthBlobFunc(func() []byte { return cred.SignAuth(clusterKey, 0, 0) })
	return d
}

// Start begins serving on addr.
func (d *Daemon) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.listener = ln
	d.logger.Info().Str("addr", addr).Msg("step manager listening")
	d.wg.Add(1)
	go d.acceptLoop()
	return nil
}

// Stop terminates every running step and shuts the listener down.
func (d *Daemon) Stop() {
	close(d.stopCh)
	if d.listener != nil {
		d.listener.Close()
	}
	d.mu.Lock()
	for _, m := range d.steps {
		m.Terminate() //nolint:errcheck
		m.Cleanup()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(conn)
		}()
	}
}

func stepKey(jobID, stepID uint32) string {
	return fmt.Sprintf("%d.%d", jobID, stepID)
}

func (d *Daemon) step(jobID, stepID uint32) *Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.steps[stepKey(jobID, stepID)]
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(60 * time.Second)) //nolint:errcheck

	h, body, err := wire.ReadMsg(conn)
	if err != nil {
		return
	}

	// Every request carries the caller's authenticator; unverifiable
	// traffic is refused before any dispatch, forwarded or local.
	auth, err := cred.VerifyAuth(d.key, h.Auth)
	if err != nil {
		d.logger.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).
			Msg("rejecting unauthenticated request")
		rh := wire.NewHeader(wire.MsgResponseRC)
		rh.OrigAddr = d.cfg.NodeName
		rh.RetCnt = 1
		wire.WriteMsg(conn, rh, &wire.RCResponse{ //nolint:errcheck
			RC: wire.CodeCredInvalid, Msg: err.Error()})
		return
	}

	clientHost, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	// Forwarded RPCs relay to the directive's children and aggregate.
	if len(h.Forward.Nodes) > 0 {
		recs := forward.Relay(h, body, d.cfg.NodeName, func() (wire.MsgType, wire.Body) {
			return d.handleLocal(h, body, auth, clientHost)
		}, d.cfg.NodeAddr)
		forward.Reply(conn, recs) //nolint:errcheck
		return
	}

	mt, mb := d.handleLocal(h, body, auth, clientHost)
	rh := wire.NewHeader(mt)
	rh.OrigAddr = d.cfg.NodeName
	rh.RetCnt = 1
	wire.WriteMsg(conn, rh, mb) //nolint:errcheck
}

// operatorUID reports whether uid may act as the cluster operator.
func operatorUID(uid uint32) bool { return uid == 0 }

// authorize applies the per-operation rule: signals and reattach accept
// the step owner or the operator; terminate, suspend/resume, and
// completion records are operator-only.
func authorize(body wire.Body, auth *cred.AuthToken, ownerUID uint32) bool {
	switch body.(type) {
	case *wire.SignalTasksRequest, *wire.ReattachRequest:
		return auth.UID == ownerUID || operatorUID(auth.UID)
	case *wire.TerminateTasksRequest, *wire.SuspendRequest, *wire.StepCompleteMsg:
		return operatorUID(auth.UID)
	default:
		return true
	}
}

// handleLocal executes one authenticated message against this node and
// returns the reply record. Each operation is authorized individually
// against the step owner / operator rule.
func (d *Daemon) handleLocal(h *wire.Header, body wire.Body, auth *cred.AuthToken, clientHost string) (wire.MsgType, wire.Body) {
	switch m := body.(type) {
	case *wire.LaunchTasksRequest:
		// A launch may only be initiated by the credential's owner; the
		// embedded credential is cross-checked again in NewManager.
		if auth.UID != m.UserID && !operatorUID(auth.UID) {
			return wire.MsgResponseLaunchTasks, &wire.LaunchTasksResponse{
				JobID: m.JobID, StepID: m.StepID, NodeName: d.cfg.NodeName,
				RC: wire.CodeUnauthorized,
			}
		}
		return wire.MsgResponseLaunchTasks, d.handleLaunch(m, clientHost)
	case *wire.SignalTasksRequest:
		mgr := d.step(m.JobID, m.StepID)
		if mgr == nil {
			return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeStepNotFound, Msg: wire.Strerror(wire.CodeStepNotFound)}
		}
		if !authorize(m, auth, mgr.uid) {
			return wire.MsgResponseRC, unauthorized()
		}
		rc, _ := mgr.SignalContainer(int(m.Signal))
		return wire.MsgResponseRC, &wire.RCResponse{RC: rc}
	case *wire.TerminateTasksRequest:
		if !authorize(m, auth, 0) {
			return wire.MsgResponseRC, unauthorized()
		}
		mgr := d.step(m.JobID, m.StepID)
		if mgr == nil {
			// Terminating a step already gone succeeds.
			return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeSuccess}
		}
		rc, _ := mgr.Terminate()
		return wire.MsgResponseRC, &wire.RCResponse{RC: rc}
	case *wire.SuspendRequest:
		if !authorize(m, auth, 0) {
			return wire.MsgResponseRC, unauthorized()
		}
		return wire.MsgResponseRC, d.handleSuspend(m)
	case *wire.StepCompleteMsg:
		if !authorize(m, auth, 0) {
			return wire.MsgResponseRC, unauthorized()
		}
		mgr := d.step(m.JobID, m.StepID)
		if mgr == nil {
			return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeStepNotFound, Msg: wire.Strerror(wire.CodeStepNotFound)}
		}
		if err := mgr.ChildCompletion(m); err != nil {
			return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeFor(err), Msg: err.Error()}
		}
		return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeSuccess}
	case *wire.ReattachRequest:
		mgr := d.step(m.JobID, m.StepID)
		if mgr == nil {
			return wire.MsgResponseReattach, &wire.ReattachResponse{
				NodeName: d.cfg.NodeName, RC: wire.CodeStepNotFound}
		}
		if !authorize(m, auth, mgr.uid) {
			return wire.MsgResponseReattach, &wire.ReattachResponse{
				NodeName: d.cfg.NodeName, RC: wire.CodeUnauthorized}
		}
		resp, _ := mgr.Attach(m)
		return wire.MsgResponseReattach, resp
	case *wire.FileBcastRequest:
		return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeNotSupported, Msg: wire.Strerror(wire.CodeNotSupported)}
	default:
		return wire.MsgResponseRC, &wire.RCResponse{RC: wire.CodeUnexpectedMessage,
			Msg: fmt.Sprintf("unexpected message type %s", h.Type)}
	}
}

func unauthorized() *wire.RCResponse {
	return &wire.RCResponse{RC: wire.CodeUnauthorized, Msg: wire.Strerror(wire.CodeUnauthorized)}
}

func (d *Daemon) handleLaunch(req *wire.LaunchTasksRequest, clientHost string) *wire.LaunchTasksResponse {
	key := stepKey(req.JobID, req.StepID)
	d.mu.Lock()
	if _, exists := d.steps[key]; exists {
		d.mu.Unlock()
		return &wire.LaunchTasksResponse{
			JobID: req.JobID, StepID: req.StepID, NodeName: d.cfg.NodeName,
			RC: wire.CodeStepExists,
		}
	}
	d.mu.Unlock()

	mgr, err := NewManager(d.cfg, req, clientHost, d.key)
	if err != nil {
		d.logger.Error().Err(err).Uint32("job_id", req.JobID).Msg("launch rejected")
		return &wire.LaunchTasksResponse{
			JobID: req.JobID, StepID: req.StepID, NodeName: d.cfg.NodeName,
			RC: wire.CodeFor(err),
		}
	}

	resp, err := mgr.Start(req)
	if err != nil {
		return resp
	}

	d.mu.Lock()
	d.steps[key] = mgr
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-mgr.Done()
		mgr.Cleanup()
		d.mu.Lock()
		delete(d.steps, key)
		d.mu.Unlock()
	}()
	return resp
}

func (d *Daemon) handleSuspend(req *wire.SuspendRequest) *wire.RCResponse {
	d.mu.Lock()
	var mgrs []*Manager
	for _, m := range d.steps {
		if m.jobID == req.JobID {
			mgrs = append(mgrs, m)
		}
	}
	d.mu.Unlock()
	if len(mgrs) == 0 {
		return &wire.RCResponse{RC: wire.CodeSuccess}
	}
	rc := wire.CodeSuccess
	for _, m := range mgrs {
		var r uint32
		if req.Op == wire.SuspendOpSuspend {
			r, _ = m.Suspend()
		} else {
			r, _ = m.Resume()
		}
		if r != wire.CodeSuccess {
			rc = r
		}
	}
	return &wire.RCResponse{RC: rc}
}
