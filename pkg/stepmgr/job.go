//go:build linux

package stepmgr

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cuemby/burrow/pkg/container"
	"github.com/cuemby/burrow/pkg/stdio"
	"github.com/cuemby/burrow/pkg/wire"
)

// TaskState is one task's lifecycle on its node.
type TaskState uint8

const (
	TaskInit TaskState = iota
	TaskStarting
	TaskRunning
	TaskComplete
)

func (s TaskState) String() string {
	switch s {
	case TaskStarting:
		return "starting"
	case TaskRunning:
		return "running"
	case TaskComplete:
		return "complete"
	default:
		return "init"
	}
}

// Task is one OS process of the step on this node.
type Task struct {
	GTID     uint32
	LTID     uint32
	State    TaskState
	Cmd      *exec.Cmd
	PID      int
	ExitCode uint32
	// ExitSent is set once the task-exit message has been written to the
	// client's response plane; no acknowledgment is read back.
	ExitSent bool

	stdinW  *os.File
	stdoutR *os.File
	stderrR *os.File
	outFile *os.File
	errFile *os.File
}

// StepState is the step's aggregate state on this node.
type StepState uint8

const (
	StepStarting StepState = iota
	StepRunning
	StepSuspended
	StepComplete
)

func (s StepState) String() string {
	switch s {
	case StepRunning:
		return "running"
	case StepSuspended:
		return "suspended"
	case StepComplete:
		return "complete"
	default:
		return "starting"
	}
}

// setupTaskIO prepares one task's stdio: files when an output pattern is
// given, pipes feeding the stdio plane otherwise.
func (m *Manager) setupTaskIO(t *Task, req *wire.LaunchTasksRequest) (*stdio.TaskIO, error) {
	if req.OutPattern != "" {
		path := ExpandFname(req.OutPattern, req.JobID, req.StepID, t.GTID, m.nodeName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		t.outFile = f
		t.Cmd.Stdout = f
		errPath := path
		if req.ErrPattern != "" {
			errPath = ExpandFname(req.ErrPattern, req.JobID, req.StepID, t.GTID, m.nodeName)
		}
		if errPath == path {
			t.Cmd.Stderr = f
		} else {
			ef, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to open %s: %w", errPath, err)
			}
			t.errFile = ef
			t.Cmd.Stderr = ef
		}
		t.Cmd.Stdin = nil
		return nil, nil
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	t.Cmd.Stdin = stdinR
	t.Cmd.Stdout = stdoutW
	t.Cmd.Stderr = stderrW
	t.stdinW = stdinW
	t.stdoutR = stdoutR
	t.stderrR = stderrR
	return &stdio.TaskIO{
		GTaskID: uint16(t.GTID),
		LTaskID: uint16(t.LTID),
		Stdin:   stdinW,
		Stdout:  stdoutR,
		Stderr:  stderrR,
	}, nil
}

// spawn forks one task under the container with its process group set
// before exec.
func (m *Manager) spawn(t *Task, uid, gid uint32) error {
	t.State = TaskStarting
	t.Cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if os.Getuid() == 0 && uid != 0 {
		t.Cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	}
	if err := t.Cmd.Start(); err != nil {
		t.State = TaskComplete
		t.ExitCode = 1
		return err
	}
	t.PID = t.Cmd.Process.Pid
	t.State = TaskRunning
	if err := m.containers.Add(m.containerID, t.PID); err != nil {
		m.logger.Warn().Err(err).Int("pid", t.PID).Msg("container add failed")
	}
	// The child holds the pipe write ends now.
	if f, ok := t.Cmd.Stdout.(*os.File); ok && t.stdoutR != nil {
		f.Close()
	}
	if f, ok := t.Cmd.Stderr.(*os.File); ok && t.stderrR != nil {
		f.Close()
	}
	if f, ok := t.Cmd.Stdin.(*os.File); ok && t.stdinW != nil {
		f.Close()
	}
	return nil
}

// waitTask blocks in the supervisor until the task exits and converts
// the status: exit code, or 128+signum for a signal death.
func waitTask(t *Task) uint32 {
	err := t.Cmd.Wait()
	t.State = TaskComplete
	if err == nil {
		t.ExitCode = 0
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		ws, ok := ee.Sys().(syscall.WaitStatus)
		if ok {
			if ws.Signaled() {
				t.ExitCode = uint32(128 + int(ws.Signal()))
			} else {
				t.ExitCode = uint32(ws.ExitStatus())
			}
			return t.ExitCode
		}
	}
	t.ExitCode = 1
	return 1
}

// closeTaskFiles releases whatever endpoints the task still holds.
func closeTaskFiles(t *Task) {
	for _, f := range []*os.File{t.stdinW, t.stdoutR, t.stderrR, t.outFile, t.errFile} {
		if f != nil {
			f.Close()
		}
	}
}

// signalContainer delivers a signal to every process in the container.
func (m *Manager) signalContainer(signum int) (uint32, error) {
	if err := m.containers.Signal(m.containerID, signum); err != nil {
		return wire.CodeInternal, err
	}
	return wire.CodeSuccess, nil
}

var _ container.Capability = (*container.PGID)(nil)
