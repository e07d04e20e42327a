//go:build linux

package stepmgr

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/wire"
)

// Request-plane opcodes.
const (
	ReqConnect uint16 = iota
	ReqState
	ReqInfo
	ReqSignalProcessGroup
	ReqSignalTaskLocal
	ReqSignalContainer
	ReqAttach
	ReqPidInContainer
	ReqDaemonPid
	ReqSuspend
	ReqResume
	ReqTerminate
	ReqCompletion
)

// ReqServer is the per-step Unix-domain request plane. A connection must
// open with a connect handshake; the caller's uid and gid come from the
// socket's kernel-reported peer credentials, never from the wire, and
// every subsequent operation is authorized against them individually.
type ReqServer struct {
	mgr      *Manager
	listener net.Listener
	path     string
}

// NewReqServer binds the step's socket under the spool directory.
func NewReqServer(m *Manager) (*ReqServer, error) {
	if err := os.MkdirAll(m.cfg.SpoolDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(m.cfg.SpoolDir, fmt.Sprintf("%s_%d.%d", m.nodeName, m.jobID, m.stepID))
	os.Remove(path) //nolint:errcheck // stale socket from a dead manager
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to bind request socket: %w", err)
	}
	s := &ReqServer{mgr: m, listener: ln, path: path}
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path.
func (s *ReqServer) Path() string { return s.path }

// Close tears the socket down.
func (s *ReqServer) Close() {
	s.listener.Close()
	os.Remove(s.path) //nolint:errcheck
}

func (s *ReqServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

// peerCred reads the connection's kernel-reported credentials.
func peerCred(conn net.Conn) (*unix.Ucred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("request plane peer is not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var gerr error
	cerr := raw.Control(func(fd uintptr) {
		cred, gerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if cerr != nil {
		return nil, cerr
	}
	if gerr != nil {
		return nil, gerr
	}
	return cred, nil
}

// Request framing: u16 opcode, u32 body length, body.
// Reply framing: u32 length, body.
// The first request on a connection must be the connect handshake; the
// caller's identity is the socket's peer credential.
func (s *ReqServer) serve(conn net.Conn) {
	defer conn.Close()

	peer, err := peerCred(conn)
	if err != nil {
		s.mgr.logger.Warn().Err(err).Msg("request plane peer credentials unavailable")
		return
	}
	uid := peer.Uid

	connected := false
	for {
		op, body, err := readReq(conn)
		if err != nil {
			return
		}
		if !connected {
			if op != ReqConnect {
				s.mgr.logger.Warn().Uint32("uid", uid).Uint16("op", op).
					Msg("first request must be connect")
				writeReply(conn, rcReply(wire.CodeUnexpectedMessage)) //nolint:errcheck
				return
			}
			connected = true
			if err := writeReply(conn, rcReply(wire.CodeSuccess)); err != nil {
				return
			}
			continue
		}

		reply := s.handle(op, uid, body)
		if err := writeReply(conn, reply); err != nil {
			return
		}
	}
}

func readReq(conn net.Conn) (uint16, *wire.Buffer, error) {
	var fixed [6]byte
	if _, err := io.ReadFull(conn, fixed[:]); err != nil {
		return 0, nil, err
	}
	op := binary.BigEndian.Uint16(fixed[0:2])
	blen := binary.BigEndian.Uint32(fixed[2:6])
	if blen > 1<<20 {
		return 0, nil, fmt.Errorf("request body length %d: %w", blen, wire.ErrMalformedFrame)
	}
	body := make([]byte, blen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	return op, wire.NewBufferFrom(body), nil
}

func writeReply(conn net.Conn, reply []byte) error {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(reply)))
	if _, err := conn.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(reply)
	return err
}

// operator reports whether uid may act as the cluster operator: root or
// the daemon's own uid.
func (s *ReqServer) operator(uid uint32) bool {
	return uid == 0 || uid == uint32(os.Getuid())
}

// owner reports whether uid owns the step.
func (s *ReqServer) owner(uid uint32) bool {
	return uid == s.mgr.uid
}

func rcReply(rc uint32) []byte {
	b := wire.NewBuffer()
	b.PutU32(rc)
	return b.Bytes()
}

func (s *ReqServer) handle(op uint16, uid uint32, body *wire.Buffer) []byte {
	m := s.mgr
	switch op {
	case ReqState:
		if !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		b := wire.NewBuffer()
		b.PutU32(wire.CodeSuccess)
		b.PutU8(uint8(m.State()))
		return b.Bytes()

	case ReqInfo:
		if !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		u, j, st := m.Info()
		b := wire.NewBuffer()
		b.PutU32(wire.CodeSuccess)
		b.PutU32(u)
		b.PutU32(j)
		b.PutU32(st)
		return b.Bytes()

	case ReqSignalProcessGroup:
		if !s.owner(uid) && !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		sig := int(body.GetU32())
		rc, _ := m.SignalProcessGroup(sig)
		return rcReply(rc)

	case ReqSignalTaskLocal:
		if !s.owner(uid) && !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		sig := int(body.GetU32())
		ltid := body.GetU32()
		rc, _ := m.SignalTaskLocal(sig, ltid)
		return rcReply(rc)

	case ReqSignalContainer:
		if !s.owner(uid) && !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		sig := int(body.GetU32())
		rc, err := m.SignalContainer(sig)
		b := wire.NewBuffer()
		b.PutU32(rc)
		if err != nil && rc == wire.CodeInternal {
			b.PutU32(1) // errno surrogate
		} else {
			b.PutU32(0)
		}
		return b.Bytes()

	case ReqAttach:
		if !s.owner(uid) && !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		req := &wire.ReattachRequest{}
		if err := req.Unpack(body); err != nil {
			return rcReply(wire.CodeMalformedFrame)
		}
		resp, _ := m.Attach(req)
		b := wire.NewBuffer()
		b.PutU32(resp.RC)
		b.PutU32(uint32(len(resp.GTIDs)))
		for i := range resp.GTIDs {
			b.PutU32(resp.PIDs[i])
		}
		for i := range resp.GTIDs {
			b.PutU32(resp.GTIDs[i])
		}
		b.PutString(resp.Executable)
		return b.Bytes()

	case ReqPidInContainer:
		if !s.owner(uid) && !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		pid := int(body.GetU32())
		b := wire.NewBuffer()
		b.PutU32(wire.CodeSuccess)
		b.PutBool(m.PidInContainer(pid))
		return b.Bytes()

	case ReqDaemonPid:
		if !s.owner(uid) && !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		b := wire.NewBuffer()
		b.PutU32(wire.CodeSuccess)
		b.PutU32(uint32(os.Getpid()))
		return b.Bytes()

	case ReqSuspend:
		if !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		rc, _ := m.Suspend()
		return rcReply(rc)

	case ReqResume:
		if !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		rc, _ := m.Resume()
		return rcReply(rc)

	case ReqTerminate:
		if !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		rc, _ := m.Terminate()
		return rcReply(rc)

	case ReqCompletion:
		if !s.operator(uid) {
			return rcReply(wire.CodeUnauthorized)
		}
		first := body.GetU32()
		last := body.GetU32()
		rc := body.GetU32()
		if body.Err() != nil {
			return rcReply(wire.CodeMalformedFrame)
		}
		msg := &wire.StepCompleteMsg{
			JobID:      m.jobID,
			StepID:     m.stepID,
			RangeFirst: first,
			RangeLast:  last,
			StepRC:     rc,
		}
		if err := m.ChildCompletion(msg); err != nil {
			return rcReply(wire.CodeFor(err))
		}
		return rcReply(wire.CodeSuccess)

	default:
		return rcReply(wire.CodeUnexpectedMessage)
	}
}
