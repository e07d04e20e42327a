package stdio

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
)

// TaskIO is one task's stdio endpoints on the step-manager side.
type TaskIO struct {
	GTaskID uint16
	LTaskID uint16
	Stdin   io.WriteCloser // feeds the task's stdin pipe
	Stdout  io.Reader      // task's stdout pipe
	Stderr  io.Reader      // task's stderr pipe
}

// ServerConfig shapes the step manager's stdio endpoint.
type ServerConfig struct {
	NodeID       uint32
	Signature    []byte // credential signature sent in init and required on attach
	Tasks        []*TaskIO
	LineBuffered bool
	StdinMode    uint8  // StdinAll routing per wire.Stdin* constants
	StdinTaskID  uint32 // recipient in one-stdin mode
}

// Server multiplexes one node's task stdio over a single framed stream to
// the client, caching recent messages for reattach replay.
type Server struct {
	cfg      ServerConfig
	incoming *Pool
	outgoing *Pool
	cache    *Cache
	logger   zerolog.Logger

	connMu sync.Mutex
	conn   net.Conn

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewServer creates the endpoint; Connect or Attach supplies the stream.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:      cfg,
		incoming: NewPool(PoolCap),
		outgoing: NewPool(PoolCap),
		cache:    NewCache(CacheSize),
		logger:   log.WithComponent("stdio-server"),
		stopCh:   make(chan struct{}),
	}
	// In one-stdin mode every other task sees EOF at start.
	if cfg.StdinMode == stdinModeOne {
		for _, t := range cfg.Tasks {
			if uint32(t.GTaskID) != cfg.StdinTaskID && t.Stdin != nil {
				t.Stdin.Close()
			}
		}
	}
	if cfg.StdinMode == stdinModeNone {
		for _, t := range cfg.Tasks {
			if t.Stdin != nil {
				t.Stdin.Close()
			}
		}
	}
	return s
}

// Mirror of wire.StdinAll/StdinOne/StdinNone, kept local so the plane
// does not depend on the envelope package's constants.
const (
	stdinModeAll uint8 = iota
	stdinModeOne
	stdinModeNone
)

// Connect dials the client's stdio listener, sends init, and starts the
// pumps.
func (s *Server) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial stdio client: %w", err)
	}
	if err := WriteInit(conn, s.cfg.NodeID, s.cfg.Signature); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send stdio init: %w", err)
	}
	s.install(conn)
	s.startPumps()
	return nil
}

// Attach admits a reattaching client that presented a matching signature
// through the request plane: cached messages replay in arrival order
// before the stream goes live.
func (s *Server) Attach(conn net.Conn) error {
	if err := WriteInit(conn, s.cfg.NodeID, s.cfg.Signature); err != nil {
		conn.Close()
		return err
	}
	err := s.cache.Replay(func(h *Header, body []byte) error {
		return WriteMsg(conn, h, body)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to replay stdio cache: %w", err)
	}
	s.install(conn)
	return nil
}

func (s *Server) install(conn net.Conn) {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
	}()
}

// startPumps runs one forwarding pump per task stream.
func (s *Server) startPumps() {
	s.once.Do(func() {
		for _, t := range s.cfg.Tasks {
			if t.Stdout != nil {
				s.wg.Add(1)
				go s.pump(t, t.Stdout, MsgStdout)
			}
			if t.Stderr != nil {
				s.wg.Add(1)
				go s.pump(t, t.Stderr, MsgStderr)
			}
		}
	})
}

// pump forwards one task stream to the client. With line buffering the
// bytes accumulate until a newline or a full buffer; otherwise every
// available byte is framed immediately.
func (s *Server) pump(t *TaskIO, r io.Reader, msgType uint16) {
	defer s.wg.Done()
	var lb *LineBuffer
	if s.cfg.LineBuffered {
		lb = NewLineBuffer(BufSize)
	}
	for {
		buf, err := s.outgoing.GetWait(s.stopCh)
		if err != nil {
			return
		}
		n, rerr := r.Read(buf.Data[:BufSize])
		if n > 0 {
			buf.Data = buf.Data[:n]
			if lb != nil {
				for _, chunk := range lb.Add(buf.Data) {
					s.emit(t, msgType, chunk)
				}
			} else {
				s.emit(t, msgType, buf.Data)
			}
		}
		buf.Release()
		if rerr != nil {
			if lb != nil {
				if rest := lb.Flush(); len(rest) > 0 {
					s.emit(t, msgType, rest)
				}
			}
			// A zero-length message marks the stream's EOF.
			s.emit(t, msgType, nil)
			return
		}
	}
}

func (s *Server) emit(t *TaskIO, msgType uint16, data []byte) {
	h := &Header{Type: msgType, GTaskID: t.GTaskID, LTaskID: t.LTaskID}
	s.cache.Add(h, data)

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return
	}
	if err := WriteMsg(conn, h, data); err != nil {
		s.logger.Debug().Err(err).Msg("stdio write failed, caching only")
	}
}

// readLoop dispatches client-to-task traffic.
func (s *Server) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		buf, err := s.incoming.GetWait(s.stopCh)
		if err != nil {
			return
		}
		h, body, rerr := ReadMsg(conn)
		if rerr != nil {
			buf.Release()
			return
		}
		buf.Data = append(buf.Data[:0], body...)
		s.dispatch(h, buf)
		buf.Release()
	}
}

func (s *Server) dispatch(h *Header, buf *Buf) {
	switch h.Type {
	case MsgStdin:
		for _, t := range s.cfg.Tasks {
			if t.GTaskID == h.GTaskID && t.Stdin != nil {
				t.Stdin.Write(buf.Data) //nolint:errcheck
				return
			}
		}
	case MsgAllStdin:
		// Fan-out: each task gets its own copy via its stdin pipe; the
		// buffer's refcount covers the copies in flight.
		for _, t := range s.cfg.Tasks {
			if t.Stdin == nil {
				continue
			}
			buf.Ref()
			t.Stdin.Write(buf.Data) //nolint:errcheck
			buf.Release()
		}
	case MsgStdinEOF:
		for _, t := range s.cfg.Tasks {
			if t.Stdin != nil {
				t.Stdin.Close()
			}
		}
	case MsgConnTest:
		// Liveness probe only.
	}
}

// CacheLen exposes the replay cache depth.
func (s *Server) CacheLen() int { return s.cache.Len() }

// Shutdown closes the stream and stops the pumps.
func (s *Server) Shutdown() {
	close(s.stopCh)
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
}
