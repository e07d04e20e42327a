//go:build linux

package container

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ID names one container. Zero is never a valid id.
type ID uint64

// Capability is the process-container interface the step manager drives:
// signal and enumeration primitives over a group of task processes whose
// lifetime equals the step's.
type Capability interface {
	Create() (ID, error)
	Add(id ID, pid int) error
	Signal(id ID, signum int) error
	Find(pid int) ID
	Destroy(id ID) error
}

// PGID tracks containers as explicit pid sets signalled individually,
// with the first pid's process group as the container anchor.
type PGID struct {
	mu     sync.Mutex
	nextID ID
	pids   map[ID][]int
}

// NewPGID returns an empty process-group container capability.
func NewPGID() *PGID {
	return &PGID{nextID: 1, pids: make(map[ID][]int)}
}

func (c *PGID) Create() (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.pids[id] = nil
	return id, nil
}

func (c *PGID) Add(id ID, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pids, ok := c.pids[id]
	if !ok {
		return fmt.Errorf("no container %d", id)
	}
	c.pids[id] = append(pids, pid)
	return nil
}

// Signal delivers signum to every process in the container. Processes
// already gone are skipped; the first unexpected errno is returned after
// the rest have been signalled.
func (c *PGID) Signal(id ID, signum int) error {
	c.mu.Lock()
	pids, ok := c.pids[id]
	pids = append([]int(nil), pids...)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no container %d", id)
	}
	var firstErr error
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.Signal(signum)); err != nil && err != unix.ESRCH {
			if firstErr == nil {
				firstErr = fmt.Errorf("kill %d sig %d: %w", pid, signum, err)
			}
		}
	}
	return firstErr
}

func (c *PGID) Find(pid int) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pids := range c.pids {
		for _, p := range pids {
			if p == pid {
				return id
			}
		}
	}
	return 0
}

func (c *PGID) Destroy(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pids[id]; !ok {
		return fmt.Errorf("no container %d", id)
	}
	delete(c.pids, id)
	return nil
}

// Pids returns a snapshot of the container's members.
func (c *PGID) Pids(id ID) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.pids[id]...)
}
