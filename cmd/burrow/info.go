//go:build linux

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/hostlist"
	"github.com/cuemby/burrow/pkg/types"
)

func newClient(cfg *config.Config) *client.Client {
	return client.New(cfg.ControllerAddr, []byte(cfg.ClusterKey))
}

func noTime() time.Time { return time.Time{} }

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node operations",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nodes and their states",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		resp, err := newClient(cfg).NodeInfo(noTime())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tSTATE\tCPUS\tMEMORY\tREASON")
		for _, n := range resp.Nodes {
			state := types.NodeState(n.State).String()
			if n.Flags&types.NodeFlagDrain != 0 {
				state += "+drain"
			}
			if n.Flags&types.NodeFlagCompleting != 0 {
				state += "+completing"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", n.Name, state, n.CPUs, n.RealMemory, n.Reason)
		}
		return w.Flush()
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Job operations",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		resp, err := newClient(cfg).JobInfo(noTime(), types.NoVal)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOBID\tNAME\tPARTITION\tSTATE\tREASON\tNODES")
		for _, j := range resp.Jobs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				j.JobID, j.Name, j.Partition,
				types.JobState(j.State), types.PendReason(j.Reason),
				hostlist.Compress(j.Nodes))
		}
		return w.Flush()
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel jobid",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		jobID, _, err := parseStepID(args[0])
		if err != nil {
			return err
		}
		return newClient(cfg).KillJob(jobID, types.NoVal, 0)
	},
}

var jobSuspendCmd = &cobra.Command{
	Use:   "suspend jobid",
	Short: "Suspend a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  suspendResume(false),
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume jobid",
	Short: "Resume a suspended job",
	Args:  cobra.ExactArgs(1),
	RunE:  suspendResume(true),
}

func suspendResume(resume bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		jobID, _, err := parseStepID(args[0])
		if err != nil {
			return err
		}
		return newClient(cfg).Suspend(jobID, resume)
	}
}

var jobEndTimeCmd = &cobra.Command{
	Use:   "endtime [jobid]",
	Short: "Print when a job's allocation expires",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		var jobID uint32
		if len(args) == 1 {
			jobID, _, err = parseStepID(args[0])
			if err != nil {
				return err
			}
		} else {
			jobID, err = envJobID()
			if err != nil {
				return err
			}
		}
		end, err := newClient(cfg).JobEndTime(jobID)
		if err != nil {
			return err
		}
		if end.IsZero() {
			fmt.Println("unlimited")
			return nil
		}
		fmt.Println(end.Format(time.RFC3339))
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobSuspendCmd)
	jobCmd.AddCommand(jobResumeCmd)
	jobCmd.AddCommand(jobEndTimeCmd)
}
