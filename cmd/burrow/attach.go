//go:build linux

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/forward"
	"github.com/cuemby/burrow/pkg/stdio"
	"github.com/cuemby/burrow/pkg/wire"
)

var attachCmd = &cobra.Command{
	Use:   "attach jobid.stepid",
	Short: "Reattach to a running step's stdio",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttach,
}

func runAttach(cmd *cobra.Command, args []string) error {
	jobID, stepID, err := parseStepID(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	cred.Register(cred.NewHMAC([]byte(cfg.ClusterKey)))

	// The controller re-issues the step's layout and credential to the
	// owner; its signature is the stdio admission token.
	cl := client.New(cfg.ControllerAddr, []byte(cfg.ClusterKey))
	resp, err := cl.Call(&wire.ReattachRequest{JobID: jobID, StepID: stepID})
	if err != nil {
		return err
	}
	step, ok := resp.(*wire.StepCreateResponse)
	if !ok {
		return wire.ErrUnexpectedMessage
	}
	sig, err := credSignature(step.CredBlob)
	if err != nil {
		return err
	}

	io, err := stdio.NewClient(stdio.ClientConfig{
		Signature: sig,
		Out:       os.Stdout,
		Err:       os.Stderr,
	})
	if err != nil {
		return err
	}
	defer io.Shutdown()

	self, err := os.Hostname()
	if err != nil {
		self = "localhost"
	}
	ioAddr := fmt.Sprintf("%s:%d", self, io.Port())

	addrOf := nodeAddrFunc(cfg)
	tree := forward.New(addrOf)
	tree.Fanout = cfg.Fanout
	tree.Auth = func() []byte {
		return cred.SignAuth([]byte(cfg.ClusterKey), cl.UID, cl.GID)
	}
	req := &wire.ReattachRequest{
		JobID:     jobID,
		StepID:    stepID,
		IOAddr:    ioAddr,
		Signature: sig,
	}
	attached := 0
	for _, rec := range tree.Send(step.Layout.Nodes, wire.MsgRequestReattach, req) {
		if r, ok := rec.Data.(*wire.ReattachResponse); ok && r.RC == wire.CodeSuccess {
			attached++
			fmt.Fprintf(os.Stderr, "attached to %s: %d tasks (%s)\n",
				r.NodeName, len(r.GTIDs), r.Executable)
		} else {
			fmt.Fprintf(os.Stderr, "attach failed on %s: %s\n", rec.Node, wire.Strerror(rec.Err))
		}
	}
	if attached == 0 {
		return fmt.Errorf("no step manager accepted the attach")
	}

	// Stream replayed and live stdio until interrupted.
	<-sigNotify()
	return nil
}

func parseStepID(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ".", 2)
	jobID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad job id %q", parts[0])
	}
	stepID := uint64(0)
	if len(parts) == 2 {
		stepID, err = strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("bad step id %q", parts[1])
		}
	}
	return uint32(jobID), uint32(stepID), nil
}
