//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/launch"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/wire"
)

var runFlags struct {
	ntasks      uint32
	nnodes      uint32
	cpusPerTask uint32
	dist        string
	plane       uint16
	labelIO     bool
	unbuffered  bool
	userIO      bool
	partition   string
	reqNodes    string
	excNodes    string
	signal      int
	timeLimit   uint32
	output      string
	errOutput   string
	jobName     string
	stdinTask   int32
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Allocate nodes and launch a parallel job step",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStep,
}

func init() {
	f := runCmd.Flags()
	f.Uint32VarP(&runFlags.ntasks, "ntasks", "n", 1, "number of tasks")
	f.Uint32VarP(&runFlags.nnodes, "nodes", "N", 0, "number of nodes (default: as needed)")
	f.Uint32VarP(&runFlags.cpusPerTask, "cpus-per-task", "c", 1, "cpus per task")
	f.StringVar(&runFlags.dist, "distribution", "block", "task distribution (block|cyclic|plane)")
	f.Uint16Var(&runFlags.plane, "plane-size", 0, "plane size for plane distribution")
	f.BoolVar(&runFlags.labelIO, "label", false, "prefix output lines with the task id")
	f.BoolVarP(&runFlags.unbuffered, "unbuffered", "u", false, "disable line buffering of task output")
	f.BoolVar(&runFlags.userIO, "user-managed-io", false, "hand task sockets directly to user code")
	f.StringVarP(&runFlags.partition, "partition", "p", "", "partition")
	f.StringVarP(&runFlags.reqNodes, "nodelist", "w", "", "required nodes (hostlist)")
	f.StringVarP(&runFlags.excNodes, "exclude", "x", "", "excluded nodes (hostlist)")
	f.IntVar(&runFlags.signal, "signal", 0, "send this signal to the step and exit")
	f.Uint32VarP(&runFlags.timeLimit, "time", "t", 0, "time limit in minutes (0 = unlimited)")
	f.StringVarP(&runFlags.output, "output", "o", "", "output file pattern (%j job, %s step, %t task, %N node)")
	f.StringVarP(&runFlags.errOutput, "error", "e", "", "stderr file pattern")
	f.StringVarP(&runFlags.jobName, "job-name", "J", "", "job name")
	f.Int32Var(&runFlags.stdinTask, "input-task", -1, "route stdin to one task id (-1 = all tasks)")
}

func runStep(cmd *cobra.Command, argv []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if runFlags.ntasks == 0 {
		return fmt.Errorf("a step needs at least one task")
	}

	cred.Register(cred.NewHMAC([]byte(cfg.ClusterKey)))
	cl := client.New(cfg.ControllerAddr, []byte(cfg.ClusterKey))

	// Signal-only mode targets an existing job named by the environment.
	if runFlags.signal != 0 {
		jobID, err := envJobID()
		if err != nil {
			return err
		}
		return cl.KillJob(jobID, types.NoVal, uint16(runFlags.signal))
	}

	timeLimit := runFlags.timeLimit
	if timeLimit == 0 {
		timeLimit = types.Infinite
	}
	reqNodes := splitHosts(runFlags.reqNodes)
	excNodes := splitHosts(runFlags.excNodes)

	alloc, err := cl.Allocate(&wire.AllocateRequest{
		Name:      runFlags.jobName,
		Partition: runFlags.partition,
		Immediate: true,
		Req: wire.ResourceRequest{
			MinNodes:  runFlags.nnodes,
			MaxNodes:  runFlags.nnodes,
			MinCPUs:   runFlags.ntasks * runFlags.cpusPerTask,
			ReqNodes:  reqNodes,
			ExcNodes:  excNodes,
			TimeLimit: timeLimit,
		},
	})
	if err != nil {
		return err
	}
	logJob := log.WithJobID(alloc.JobID)
	logJob.Debug().Strs("nodes", alloc.Nodes).Msg("allocation granted")

	var dist types.TaskDist
	switch runFlags.dist {
	case "block":
		dist = types.DistBlock
	case "cyclic":
		dist = types.DistCyclic
	case "plane":
		dist = types.DistPlane
	default:
		return fmt.Errorf("unknown distribution %q", runFlags.dist)
	}

	step, err := cl.CreateStep(&wire.StepCreateRequest{
		JobID:     alloc.JobID,
		Name:      runFlags.jobName,
		TaskCount: runFlags.ntasks,
		NodeCount: runFlags.nnodes,
		Dist:      uint8(dist),
		Plane:     runFlags.plane,
		ReqNodes:  reqNodes,
	})
	if err != nil {
		cl.KillJob(alloc.JobID, types.NoVal, 0) //nolint:errcheck
		return err
	}

	sigBlob, err := credSignature(step.CredBlob)
	if err != nil {
		cl.KillJob(alloc.JobID, types.NoVal, 0) //nolint:errcheck
		return err
	}

	layout := &types.StepLayout{
		Nodes:     step.Layout.Nodes,
		Tasks:     step.Layout.Tasks,
		TIDs:      step.Layout.TIDs,
		TaskCount: step.Layout.TaskCount,
	}
	stdinMode := wire.StdinAll
	stdinTask := uint32(0)
	if runFlags.stdinTask >= 0 {
		stdinMode = wire.StdinOne
		stdinTask = uint32(runFlags.stdinTask)
	}

	addrOf := nodeAddrFunc(cfg)
	state, err := launch.NewState(launch.Params{
		JobID:         alloc.JobID,
		StepID:        step.StepID,
		UserID:        cl.UID,
		GroupID:       cl.GID,
		Layout:        layout,
		CredBlob:      step.CredBlob,
		Signature:     sigBlob,
		Env:           os.Environ(),
		Argv:          argv,
		Cwd:           mustGetwd(),
		LabelIO:       runFlags.labelIO,
		BufferedIO:    !runFlags.unbuffered,
		UserManagedIO: runFlags.userIO,
		StdinMode:     stdinMode,
		StdinTaskID:   stdinTask,
		OutPattern:    runFlags.output,
		ErrPattern:    runFlags.errOutput,
		Fanout:        cfg.Fanout,
		NodeAddr:      addrOf,
		Auth: func() []byte {
			return cred.SignAuth([]byte(cfg.ClusterKey), cl.UID, cl.GID)
		},
		Kill: func() error {
			return cl.KillJob(alloc.JobID, step.StepID, 9)
		},
		Out: os.Stdout,
		Err: os.Stderr,
	})
	if err != nil {
		cl.KillJob(alloc.JobID, types.NoVal, 0) //nolint:errcheck
		return err
	}

	sigCh := watchSignals(state)
	defer close(sigCh)

	if err := state.Launch(); err != nil {
		cl.KillJob(alloc.JobID, types.NoVal, 0) //nolint:errcheck
		return err
	}
	if err := state.WaitStarted(); err != nil {
		logJob.Error().Err(err).Msg("step never fully started")
	}
	if err := state.WaitFinished(); err != nil {
		logJob.Error().Err(err).Msg("step did not finish cleanly")
	}

	rc := state.ExitCode()
	cl.CompleteJobAllocation(alloc.JobID, uint32(rc)) //nolint:errcheck
	if rc != 0 {
		os.Exit(rc)
	}
	return nil
}

func splitHosts(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}

func envJobID() (uint32, error) {
	v := os.Getenv(config.EnvJobID)
	if v == "" {
		return 0, fmt.Errorf("%s is not set", config.EnvJobID)
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", config.EnvJobID, err)
	}
	return uint32(id), nil
}

// watchSignals forwards SIGINT/SIGTERM to the step; a second SIGINT
// within a second aborts the launch.
func watchSignals(state *launch.State) chan struct{} {
	stop := make(chan struct{})
	go func() {
		var lastInt time.Time
		sigCh := sigNotify()
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGINT {
					if time.Since(lastInt) < time.Second {
						state.Abort()
						return
					}
					lastInt = time.Now()
				}
				state.Signal(uint16(sig)) //nolint:errcheck
			case <-stop:
				return
			}
		}
	}()
	return stop
}
