//go:build linux

package eio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Handler is one I/O object driven by a Loop. Readable/Writable report
// current interest; the Handle* callbacks run on the loop goroutine and
// must not block: each performs at most one non-blocking syscall and
// returns.
type Handler interface {
	FD() int
	Readable() bool
	Writable() bool
	HandleRead(*Loop) error
	HandleWrite(*Loop) error
	HandleError(*Loop, error)
	HandleClose(*Loop)
}

// ErrLoopClosed is returned by Register after Shutdown.
var ErrLoopClosed = errors.New("eio: loop closed")

type object struct {
	h        Handler
	deadline time.Time
	closed   bool
}

// Loop is a single-threaded cooperative reactor over epoll. Objects added
// while the loop is running become visible on the next iteration.
type Loop struct {
	epfd   int
	wakeR  int
	wakeW  int

	mu       sync.Mutex
	objects  map[int]*object
	pending  []*object
	shutdown bool
}

// NewLoop creates a reactor with its wake pipe installed.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	l := &Loop{
		epfd:    epfd,
		wakeR:   p[0],
		wakeW:   p[1],
		objects: make(map[int]*object),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wakeR, &ev); err != nil {
		l.closeFDs()
		return nil, fmt.Errorf("epoll_ctl wake: %w", err)
	}
	return l, nil
}

func (l *Loop) closeFDs() {
	unix.Close(l.epfd)
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

// Register adds a handler; it becomes visible on the next loop iteration.
func (l *Loop) Register(h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return ErrLoopClosed
	}
	l.pending = append(l.pending, &object{h: h})
	l.wake()
	return nil
}

// SetDeadline arms a per-object deadline; on expiry the object is closed
// with ErrTimeout reported through HandleError. A zero time disarms.
func (l *Loop) SetDeadline(h Handler, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.objects[h.FD()]; ok {
		o.deadline = t
	} else {
		for _, o := range l.pending {
			if o.h == h {
				o.deadline = t
			}
		}
	}
	l.wake()
}

// Shutdown drains pending callbacks and stops the loop.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()
	l.wake()
}

// Wake forces the loop to re-evaluate readiness interest.
func (l *Loop) Wake() { l.wake() }

func (l *Loop) wake() {
	var one [1]byte
	unix.Write(l.wakeW, one[:]) //nolint:errcheck // pipe full means a wake is queued
}

// ErrTimeout is reported through HandleError when an object's deadline
// expires.
var ErrTimeout = errors.New("eio: i/o deadline expired")

// Run drives the reactor until Shutdown. It returns the first fatal poll
// error; per-object errors are delivered to their owners and never abort
// the loop.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		l.admitPending()

		l.mu.Lock()
		if l.shutdown {
			var remaining []*object
			for _, o := range l.objects {
				remaining = append(remaining, o)
			}
			for _, o := range remaining {
				l.detachLocked(o)
			}
			l.mu.Unlock()
			for _, o := range remaining {
				o.h.HandleClose(l)
			}
			l.closeFDs()
			return nil
		}
		timeout := l.armLocked()
		l.mu.Unlock()

		n, err := unix.EpollWait(l.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		l.expireDeadlines()

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.wakeR {
				l.drainWake()
				continue
			}
			l.mu.Lock()
			o := l.objects[fd]
			l.mu.Unlock()
			if o == nil || o.closed {
				continue
			}
			l.dispatch(o, ev.Events)
		}
	}
}

func (l *Loop) admitPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	for _, o := range pending {
		l.objects[o.h.FD()] = o
	}
	l.mu.Unlock()
}

// armLocked rebuilds epoll interest from each object's readable/writable
// report and returns the poll timeout for the nearest deadline.
func (l *Loop) armLocked() int {
	timeout := -1
	for fd, o := range l.objects {
		if o.closed {
			continue
		}
		var want uint32
		if o.h.Readable() {
			want |= unix.EPOLLIN
		}
		if o.h.Writable() {
			want |= unix.EPOLLOUT
		}
		ev := unix.EpollEvent{Events: want, Fd: int32(fd)}
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			if err == unix.ENOENT {
				unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev) //nolint:errcheck
			}
		}
		if !o.deadline.IsZero() {
			ms := int(time.Until(o.deadline) / time.Millisecond)
			if ms < 0 {
				ms = 0
			}
			if timeout < 0 || ms < timeout {
				timeout = ms
			}
		}
	}
	return timeout
}

func (l *Loop) expireDeadlines() {
	now := time.Now()
	l.mu.Lock()
	var expired []*object
	for _, o := range l.objects {
		if !o.closed && !o.deadline.IsZero() && now.After(o.deadline) {
			expired = append(expired, o)
		}
	}
	l.mu.Unlock()
	for _, o := range expired {
		o.h.HandleError(l, ErrTimeout)
		l.Close(o.h)
	}
}

func (l *Loop) dispatch(o *object, events uint32) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 && events&unix.EPOLLIN == 0 {
		o.h.HandleError(l, unix.ECONNRESET)
		l.Close(o.h)
		return
	}
	if events&unix.EPOLLIN != 0 && o.h.Readable() {
		if err := o.h.HandleRead(l); err != nil {
			o.h.HandleError(l, err)
			l.Close(o.h)
			return
		}
	}
	if events&unix.EPOLLOUT != 0 && o.h.Writable() {
		if err := o.h.HandleWrite(l); err != nil {
			o.h.HandleError(l, err)
			l.Close(o.h)
		}
	}
}

// Close removes a handler from the loop and runs its HandleClose.
func (l *Loop) Close(h Handler) {
	l.mu.Lock()
	o, ok := l.objects[h.FD()]
	if ok && !o.closed {
		l.detachLocked(o)
	}
	l.mu.Unlock()
	if ok {
		h.HandleClose(l)
	}
}

func (l *Loop) detachLocked(o *object) {
	o.closed = true
	fd := o.h.FD()
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil) //nolint:errcheck
	delete(l.objects, fd)
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// FDFromConn extracts the descriptor behind a socket-backed net.Conn and
// marks it non-blocking for reactor use.
func FDFromConn(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("eio: %T does not expose a descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	cerr := raw.Control(func(u uintptr) {
		fd = int(u)
		unix.SetNonblock(fd, true) //nolint:errcheck
	})
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}
