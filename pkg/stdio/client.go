package stdio

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/wire"
)

// ClientConfig shapes the client-side stdio endpoint.
type ClientConfig struct {
	Signature []byte // step credential signature admitting connections
	Out       io.Writer
	Err       io.Writer
	LabelIO   bool
	// HostOf maps a global task id to its node index, for stdin routing.
	HostOf func(gtaskid uint32) int
}

type nodeConn struct {
	conn   net.Conn
	nodeID uint32
}

// Client is the launch client's stdio endpoint: it accepts one framed
// connection per step manager, demultiplexes task output to the output
// writers, and routes stdin back by task id.
type Client struct {
	cfg      ClientConfig
	listener net.Listener
	incoming *Pool
	outgoing *Pool
	logger   zerolog.Logger

	mu       sync.Mutex
	conns    map[uint32]*nodeConn
	deadNode map[uint32]bool
	closed   bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewClient creates the endpoint and binds its listener.
func NewClient(cfg ClientConfig) (*Client, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind stdio listener: %w", err)
	}
	c := &Client{
		cfg:      cfg,
		listener: ln,
		incoming: NewPool(PoolCap),
		outgoing: NewPool(PoolCap),
		logger:   log.WithComponent("stdio-client"),
		conns:    make(map[uint32]*nodeConn),
		deadNode: make(map[uint32]bool),
		stopCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

// Port returns the listener port step managers dial back to.
func (c *Client) Port() uint16 {
	return uint16(c.listener.Addr().(*net.TCPAddr).Port)
}

func (c *Client) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Debug().Err(err).Msg("stdio accept failed")
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.admit(conn)
		}()
	}
}

// admit validates the init message before treating the stream as
// authentic; mismatch closes the stream.
func (c *Client) admit(conn net.Conn) {
	init, err := ReadInit(conn)
	if err != nil {
		conn.Close()
		return
	}
	if err := ValidateInit(init, c.cfg.Signature); err != nil {
		c.logger.Warn().Err(err).Msg("rejecting stdio connection")
		conn.Close()
		return
	}

	nc := &nodeConn{conn: conn, nodeID: init.NodeID}
	c.mu.Lock()
	if c.closed || c.deadNode[init.NodeID] {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := c.conns[init.NodeID]; ok {
		old.conn.Close()
	}
	c.conns[init.NodeID] = nc
	c.mu.Unlock()

	c.readLoop(nc)
}

func (c *Client) readLoop(nc *nodeConn) {
	defer func() {
		c.mu.Lock()
		if c.conns[nc.nodeID] == nc {
			delete(c.conns, nc.nodeID)
		}
		c.mu.Unlock()
		nc.conn.Close()
	}()
	for {
		// Pool availability is the flow control: an empty pool pauses
		// this read until a buffer is released.
		buf, err := c.outgoing.GetWait(c.stopCh)
		if err != nil {
			return
		}
		h, body, err := ReadMsg(nc.conn)
		if err != nil {
			buf.Release()
			return
		}
		buf.Data = append(buf.Data[:0], body...)
		c.deliver(h, buf)
		buf.Release()
	}
}

func (c *Client) deliver(h *Header, buf *Buf) {
	var w io.Writer
	switch h.Type {
	case MsgStdout:
		w = c.cfg.Out
	case MsgStderr:
		w = c.cfg.Err
	case MsgConnTest:
		return
	default:
		return
	}
	if w == nil {
		return
	}
	metrics.StdioBytesOut.Add(float64(len(buf.Data)))
	if c.cfg.LabelIO {
		NewLabelWriter(w, h.GTaskID).Write(buf.Data) //nolint:errcheck
		return
	}
	w.Write(buf.Data) //nolint:errcheck
}

// SendStdin routes stdin bytes to the task's node in one-stdin mode.
func (c *Client) SendStdin(gtaskid uint32, data []byte) error {
	if c.cfg.HostOf == nil {
		return fmt.Errorf("stdin routing needs a host map")
	}
	node := c.cfg.HostOf(gtaskid)
	if node < 0 {
		return fmt.Errorf("no node owns task %d", gtaskid)
	}
	h := &Header{Type: MsgStdin, GTaskID: uint16(gtaskid)}
	return c.sendTo(uint32(node), h, data)
}

// SendAllStdin broadcasts stdin bytes to every task on every node.
func (c *Client) SendAllStdin(data []byte) error {
	c.mu.Lock()
	conns := make([]*nodeConn, 0, len(c.conns))
	for _, nc := range c.conns {
		conns = append(conns, nc)
	}
	c.mu.Unlock()
	h := &Header{Type: MsgAllStdin}
	var firstErr error
	for _, nc := range conns {
		if err := WriteMsg(nc.conn, h, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	metrics.StdioBytesIn.Add(float64(len(data) * len(conns)))
	return firstErr
}

// CloseStdin signals EOF to every task.
func (c *Client) CloseStdin() error {
	c.mu.Lock()
	conns := make([]*nodeConn, 0, len(c.conns))
	for _, nc := range c.conns {
		conns = append(conns, nc)
	}
	c.mu.Unlock()
	h := &Header{Type: MsgStdinEOF}
	var firstErr error
	for _, nc := range conns {
		if err := WriteMsg(nc.conn, h, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) sendTo(nodeID uint32, h *Header, data []byte) error {
	c.mu.Lock()
	nc, ok := c.conns[nodeID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %d: %w", nodeID, wire.ErrConnectionAborted)
	}
	metrics.StdioBytesIn.Add(float64(len(data)))
	return WriteMsg(nc.conn, h, data)
}

// ExpectNoTraffic marks a failed node: its connection is dropped and any
// late connection attempt from it is refused.
func (c *Client) ExpectNoTraffic(nodeID uint32) {
	c.mu.Lock()
	c.deadNode[nodeID] = true
	nc, ok := c.conns[nodeID]
	delete(c.conns, nodeID)
	c.mu.Unlock()
	if ok {
		nc.conn.Close()
	}
}

// Connected reports how many step managers currently hold a live stream.
func (c *Client) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Shutdown quiesces the plane: the listener closes, every stream closes,
// and the pumps drain.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conns := make([]*nodeConn, 0, len(c.conns))
	for _, nc := range c.conns {
		conns = append(conns, nc)
	}
	c.conns = make(map[uint32]*nodeConn)
	c.mu.Unlock()

	close(c.stopCh)
	c.listener.Close()
	for _, nc := range conns {
		nc.conn.Close()
	}
	c.wg.Wait()
}
