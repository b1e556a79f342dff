package cmd

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/dashboard"
	"github.com/sindef/redis-failover/pkg/orchestrator"
	"github.com/sindef/redis-failover/pkg/redis"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newDashboard(opts *options) *cobra.Command {
	var (
		iterations int
		loadOps    int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Print cluster status and run a small write load against the primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if interval > 0 {
				cfg.Probe.Interval = interval
			}

			kube, err := opts.kubeClient(cfg)
			if err != nil {
				return err
			}

			var obs *orchestrator.Orchestrator
			dash := dashboard.New(dashboard.Options{
				Out:        os.Stdout,
				Iterations: iterations,
				LoadOps:    loadOps,
				KV: func(node cluster.NodeSpec) redis.KV {
					return obs.Pool().Client(node)
				},
				Done: func() { obs.Stop() },
			})

			obs, err = orchestrator.NewObserver(cfg, kube, dash.OnTick)
			if err != nil {
				return errors.Wrap(err, "failed to create observer")
			}

			dash.Header()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go handleSignals(ctx, obs.Stop, cancel)

			if err := obs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			klog.V(2).Info("Dashboard stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", 6, "Number of status renders; 0 runs until interrupted")
	cmd.Flags().IntVar(&loadOps, "load-ops", 100, "SET/GET pairs per iteration; 0 disables the load")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Time between renders")
	return cmd
}
