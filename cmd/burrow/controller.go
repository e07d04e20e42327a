//go:build linux

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/acct"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/controller"
	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/nodeselect"
	"github.com/cuemby/burrow/pkg/sched"
	"github.com/cuemby/burrow/pkg/statestore"
)

var flagRecover string

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the central controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		reg, err := controller.NewRegistry(uuid.New().String(), cfg)
		if err != nil {
			return fmt.Errorf("failed to build registries: %w", err)
		}

		store := statestore.New(cfg.StateDir, reg.ClusterID)
		mode := statestore.RecoverFull
		switch flagRecover {
		case "none":
			mode = statestore.RecoverNone
		case "jobs":
			mode = statestore.RecoverJobs
		case "full", "":
		default:
			return fmt.Errorf("unknown recovery mode %q", flagRecover)
		}
		if err := reg.Recover(store, mode); err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}

		key := []byte(cfg.ClusterKey)
		credCap := cred.NewHMAC(key)
		cred.Register(credCap)
		selector := nodeselect.NewLinear()
		nodeselect.Register(selector)

		sink := acct.Sink(acct.Discard{})
		if cfg.AcctPath != "" {
			bs := acct.NewBoltSink()
			if err := bs.SetLocation(cfg.AcctPath); err != nil {
				return err
			}
			defer bs.Close()
			sink = bs
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		ctl := controller.New(&controller.Config{
			Registry: reg,
			CredCap:  credCap,
			AuthKey:  key,
			Sink:     sink,
			Store:    store,
			Broker:   broker,
		})

		scheduler := sched.NewScheduler(reg, selector, cfg.SchedulerInterval.D())
		ctl.TryPlace = scheduler.TryPlace
		ctl.KickScheduler = scheduler.Kick
		scheduler.Start()
		defer scheduler.Stop()

		if cfg.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.MetricsAddr); err != nil {
					log.Errorf("metrics server failed", err)
				}
			}()
		}

		if err := ctl.Start(cfg.ControllerAddr); err != nil {
			return err
		}
		log.Info("controller started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		ctl.Stop()
		return nil
	},
}

func init() {
	controllerCmd.Flags().StringVar(&flagRecover, "recover", "full", "recovery mode (none|jobs|full)")
}
