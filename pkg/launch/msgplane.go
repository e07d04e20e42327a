//go:build linux

package launch

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cuemby/burrow/pkg/eio"
	"github.com/cuemby/burrow/pkg/wire"
)

// ClientsPerPort is the per-listener ceiling used to estimate how many
// response ports a step needs.
const ClientsPerPort = 48

// RespPortCount estimates listener count from the node count.
func RespPortCount(nnodes int) int {
	n := (nnodes + ClientsPerPort - 1) / ClientsPerPort
	if n < 1 {
		n = 1
	}
	return n
}

// respListener accepts step-manager connections on the response plane.
type respListener struct {
	fd    int
	port  uint16
	state *State
}

func newRespListener(state *State) (*respListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1) //nolint:errcheck
	sa := &unix.SockaddrInet4{Port: 0}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &respListener{
		fd:    fd,
		port:  uint16(bound.(*unix.SockaddrInet4).Port),
		state: state,
	}, nil
}

func (l *respListener) FD() int        { return l.fd }
func (l *respListener) Readable() bool { return true }
func (l *respListener) Writable() bool { return false }

func (l *respListener) HandleRead(loop *eio.Loop) error {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return err
	}
	return loop.Register(&msgConn{fd: nfd, state: l.state})
}

func (l *respListener) HandleWrite(*eio.Loop) error { return nil }

func (l *respListener) HandleError(_ *eio.Loop, err error) {
	l.state.logger.Debug().Err(err).Msg("response listener error")
}

func (l *respListener) HandleClose(*eio.Loop) {
	unix.Close(l.fd)
}

// msgConn reassembles framed messages from one step-manager stream. Each
// HandleRead performs a single non-blocking read; complete frames are
// dispatched to the launch state.
type msgConn struct {
	fd    int
	buf   []byte
	state *State
}

func (c *msgConn) FD() int        { return c.fd }
func (c *msgConn) Readable() bool { return true }
func (c *msgConn) Writable() bool { return false }

func (c *msgConn) HandleRead(loop *eio.Loop) error {
	var chunk [4096]byte
	n, err := unix.Read(c.fd, chunk[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return err
	}
	if n == 0 {
		loop.Close(c)
		return nil
	}
	c.buf = append(c.buf, chunk[:n]...)
	return c.drainFrames()
}

// drainFrames parses every complete header||body frame in the buffer.
func (c *msgConn) drainFrames() error {
	for {
		if len(c.buf) < 4 {
			return nil
		}
		hlen := binary.BigEndian.Uint32(c.buf[:4])
		if hlen == 0 || hlen > 1<<20 {
			return fmt.Errorf("%w: header length %d", wire.ErrMalformedFrame, hlen)
		}
		if uint32(len(c.buf)) < 4+hlen {
			return nil
		}
		h := &wire.Header{}
		if err := h.Unpack(wire.NewBufferFrom(c.buf[4 : 4+hlen])); err != nil {
			return fmt.Errorf("%w: header: %v", wire.ErrMalformedFrame, err)
		}
		total := 4 + hlen + h.BodyLen
		if uint32(len(c.buf)) < total {
			return nil
		}
		if err := wire.CheckHeaderVersion(h); err != nil {
			return err
		}
		body, err := wire.NewBody(h.Type)
		if err != nil {
			// Unknown type: skip the frame without corrupting the stream.
			c.state.logger.Warn().Uint16("type", uint16(h.Type)).Msg("unexpected message on response plane")
			c.buf = c.buf[total:]
			continue
		}
		if err := body.Unpack(wire.NewBufferFrom(c.buf[4+hlen : total])); err != nil {
			return fmt.Errorf("%w: body: %v", wire.ErrMalformedFrame, err)
		}
		reply := c.state.handleMessage(body)
		if reply != nil {
			c.writeReply(reply)
		}
		c.buf = c.buf[total:]
	}
}

func (c *msgConn) writeReply(body wire.Body) {
	h := wire.NewHeader(body.Type())
	bb := wire.NewBuffer()
	body.Pack(bb)
	h.BodyLen = uint32(bb.Len())
	hb := wire.NewBuffer()
	h.Pack(hb)
	out := make([]byte, 0, 4+hb.Len()+bb.Len())
	out = binary.BigEndian.AppendUint32(out, uint32(hb.Len()))
	out = append(out, hb.Bytes()...)
	out = append(out, bb.Bytes()...)
	unix.Write(c.fd, out) //nolint:errcheck // best-effort ack on the response plane
}

func (c *msgConn) HandleWrite(*eio.Loop) error { return nil }

func (c *msgConn) HandleError(_ *eio.Loop, err error) {
	c.state.logger.Debug().Err(err).Msg("response connection error")
}

func (c *msgConn) HandleClose(*eio.Loop) {
	unix.Close(c.fd)
}
