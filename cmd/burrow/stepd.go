//go:build linux

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/container"
	"github.com/cuemby/burrow/pkg/hostlist"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stepmgr"
)

var (
	flagNodeName string
	flagStepdAddr string
)

var stepdCmd = &cobra.Command{
	Use:   "stepd",
	Short: "Run the per-node step manager daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		nodeName := flagNodeName
		if nodeName == "" {
			nodeName, err = os.Hostname()
			if err != nil {
				return err
			}
		}

		addrOf := nodeAddrFunc(cfg)
		daemon := stepmgr.NewDaemon(stepmgr.ManagerConfig{
			NodeName:       nodeName,
			SpoolDir:       cfg.SpoolDir,
			ControllerAddr: cfg.ControllerAddr,
			Fanout:         cfg.Fanout,
			Containers:     container.NewPGID(),
			NodeAddr:       addrOf,
		}, []byte(cfg.ClusterKey))

		addr := flagStepdAddr
		if addr == "" {
			addr, err = addrOf(nodeName)
			if err != nil {
				addr = ":6818"
			}
		}
		if err := daemon.Start(addr); err != nil {
			return err
		}
		log.Info("step manager started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		daemon.Stop()
		return nil
	},
}

// nodeAddrFunc resolves node names to step-manager addresses from the
// cluster configuration.
func nodeAddrFunc(cfg *config.Config) func(string) (string, error) {
	table := make(map[string]string)
	for _, decl := range cfg.Nodes {
		names, err := hostlist.Expand(decl.Names)
		if err != nil {
			continue
		}
		port := decl.AddrPort
		if port == 0 {
			port = 6818
		}
		for _, n := range names {
			table[n] = fmt.Sprintf("%s:%d", n, port)
		}
	}
	return func(node string) (string, error) {
		addr, ok := table[node]
		if !ok {
			return "", fmt.Errorf("unknown node %s", node)
		}
		return addr, nil
	}
}

func init() {
	stepdCmd.Flags().StringVar(&flagNodeName, "node-name", "", "this node's name (default: hostname)")
	stepdCmd.Flags().StringVar(&flagStepdAddr, "listen", "", "listen address override")
}
