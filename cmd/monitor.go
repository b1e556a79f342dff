package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/config"
	"github.com/sindef/redis-failover/pkg/orchestrator"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newMonitor(opts *options) *cobra.Command {
	var bootstrap bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the cluster and fail over when the primary goes down",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("raft-bootstrap") {
				cfg.Election.Bootstrap = bootstrap
			} else {
				autoBootstrap(cfg)
			}

			if cfg.Election.Mode == config.ElectionModeRaft && cfg.SharedSecret == "" {
				klog.Warning("No shared secret configured - peer authentication disabled (not recommended for production)")
			}

			kube, err := opts.kubeClient(cfg)
			if err != nil {
				return err
			}

			klog.InfoS("Starting redis-failover",
				"version", Version,
				"monitor", cfg.MonitorID,
				"election", cfg.Election.Mode,
				"discovery", cfg.Discovery.Mode)

			orch, err := orchestrator.New(cfg, kube)
			if err != nil {
				return errors.Wrap(err, "failed to create monitor")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go handleSignals(ctx, orch.Stop, cancel)

			if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			klog.Info("Shutdown complete")
			return nil
		},
	}

	cmd.Flags().BoolVar(&bootstrap, "raft-bootstrap", false, "Bootstrap the raft cluster (auto-detected for StatefulSet ordinal 0)")
	return cmd
}

// autoBootstrap enables raft bootstrap on the first StatefulSet ordinal.
func autoBootstrap(cfg *config.Config) {
	if cfg.Election.Mode != config.ElectionModeRaft {
		return
	}
	if !cfg.Election.Bootstrap && strings.HasSuffix(cfg.MonitorID, "-0") {
		cfg.Election.Bootstrap = true
		klog.InfoS("Bootstrap enabled", "monitor", cfg.MonitorID, "auto", true)
	}
}

// handleSignals stops gracefully on the first signal and cancels on the
// second.
func handleSignals(ctx context.Context, stop func(), cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		klog.InfoS("Received signal, finishing in-flight work", "signal", sig)
		stop()
	case <-ctx.Done():
		return
	}

	select {
	case sig := <-sigChan:
		klog.InfoS("Received second signal, aborting", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}
