//go:build linux

package eio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// echoHandler accumulates whatever arrives on its descriptor.
type echoHandler struct {
	fd int

	mu     sync.Mutex
	got    []byte
	errs   []error
	closed bool
	readCh chan struct{}
}

func newEchoHandler(fd int) *echoHandler {
	unix.SetNonblock(fd, true) //nolint:errcheck
	return &echoHandler{fd: fd, readCh: make(chan struct{}, 16)}
}

func (h *echoHandler) FD() int        { return h.fd }
func (h *echoHandler) Readable() bool { return true }
func (h *echoHandler) Writable() bool { return false }

func (h *echoHandler) HandleRead(l *Loop) error {
	var buf [256]byte
	n, err := unix.Read(h.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	if n == 0 {
		l.Close(h)
		return nil
	}
	h.mu.Lock()
	h.got = append(h.got, buf[:n]...)
	h.mu.Unlock()
	select {
	case h.readCh <- struct{}{}:
	default:
	}
	return nil
}

func (h *echoHandler) HandleWrite(*Loop) error { return nil }

func (h *echoHandler) HandleError(_ *Loop, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	select {
	case h.readCh <- struct{}{}:
	default:
	}
}

func (h *echoHandler) HandleClose(*Loop) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	unix.Close(h.fd)
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func runLoop(t *testing.T) *Loop {
	t.Helper()
	loop, err := NewLoop()
	require.NoError(t, err)
	go loop.Run() //nolint:errcheck
	return loop
}

func TestDispatchRead(t *testing.T) {
	loop := runLoop(t)
	defer loop.Shutdown()

	a, b := socketpair(t)
	h := newEchoHandler(a)
	require.NoError(t, loop.Register(h))

	_, err := unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	select {
	case <-h.readCh:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never dispatched")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []byte("ping"), h.got)
	unix.Close(b)
}

// TestDeadline checks an expired object is closed with ErrTimeout via
// handle_error.
func TestDeadline(t *testing.T) {
	loop := runLoop(t)
	defer loop.Shutdown()

	a, b := socketpair(t)
	defer unix.Close(b)
	h := newEchoHandler(a)
	require.NoError(t, loop.Register(h))
	loop.SetDeadline(h, time.Now().Add(50*time.Millisecond))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-h.readCh:
			h.mu.Lock()
			errs, closed := h.errs, h.closed
			h.mu.Unlock()
			if len(errs) > 0 {
				assert.ErrorIs(t, errs[0], ErrTimeout)
				assert.True(t, closed, "expired object is closed")
				return
			}
		case <-deadline:
			t.Fatal("deadline never fired")
		}
	}
}

// TestErrorDoesNotAbortLoop checks one object's failure leaves the loop
// serving others.
func TestErrorDoesNotAbortLoop(t *testing.T) {
	loop := runLoop(t)
	defer loop.Shutdown()

	a1, b1 := socketpair(t)
	a2, b2 := socketpair(t)
	defer unix.Close(b2)
	h1 := newEchoHandler(a1)
	h2 := newEchoHandler(a2)
	require.NoError(t, loop.Register(h1))
	require.NoError(t, loop.Register(h2))

	// Closing b1's peer drives h1 through error/close eventually.
	unix.Close(b1)
	loop.Wake()

	_, err := unix.Write(b2, []byte("still alive"))
	require.NoError(t, err)
	select {
	case <-h2.readCh:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler starved after first failed")
	}
	h2.mu.Lock()
	assert.Equal(t, []byte("still alive"), h2.got)
	h2.mu.Unlock()
}

func TestRegisterAfterShutdown(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)
	done := make(chan struct{})
	go func() { loop.Run(); close(done) }() //nolint:errcheck
	loop.Shutdown()
	<-done
	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)
	assert.ErrorIs(t, loop.Register(newEchoHandler(a)), ErrLoopClosed)
}
