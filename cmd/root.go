// Package cmd holds the command line entry points.
package cmd

import (
	goflag "flag"
	"os"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/config"
	"github.com/sindef/redis-failover/pkg/discovery"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

// Version is set at build time.
var Version = "dev"

// options are the flags shared by every command.
type options struct {
	configPath string
	kubeconfig string
	nodes      []string
	primary    string
	debug      bool
}

// Execute runs the root command.
func Execute() {
	if err := NewRoot().Execute(); err != nil {
		klog.ErrorS(err, "Command failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// NewRoot builds the command tree.
func NewRoot() *cobra.Command {
	opts := &options{}
	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)

	cmd := &cobra.Command{
		Use:           "redis-failover",
		Short:         "Health monitor and failover controller for replicated Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.debug {
				return klogFlags.Set("v", "4")
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", os.Getenv("REDIS_FAILOVER_CONFIG"), "Path to the YAML config file")
	flags.StringVar(&opts.kubeconfig, "kubeconfig", "", "Path to a kubeconfig; in-cluster config is used when empty")
	flags.StringSliceVar(&opts.nodes, "node", nil, "Redis node as id=host:port, repeatable; replaces the nodes from the config file")
	flags.StringVar(&opts.primary, "primary", "", "ID of the node to treat as primary at startup")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.AddGoFlagSet(klogFlags)

	cmd.AddCommand(newMonitor(opts), newDashboard(opts), newVersion())
	return cmd
}

// load reads the config file and applies the command line overrides.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.debug {
		cfg.Debug = true
	}

	if len(o.nodes) > 0 {
		specs, err := discovery.ParseNodes(o.nodes)
		if err != nil {
			return nil, err
		}
		cfg.Nodes = cfg.Nodes[:0]
		for _, s := range specs {
			cfg.Nodes = append(cfg.Nodes, config.NodeConfig{ID: string(s.ID), Addr: s.Addr})
		}
	}
	if o.primary != "" {
		found := false
		for i := range cfg.Nodes {
			cfg.Nodes[i].Primary = cfg.Nodes[i].ID == o.primary
			found = found || cfg.Nodes[i].Primary
		}
		if !found {
			return nil, errors.Errorf("primary %q is not a configured node", o.primary)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// kubeClient builds a client only when the config needs one.
func (o *options) kubeClient(cfg *config.Config) (kubernetes.Interface, error) {
	if cfg.Discovery.Mode != config.DiscoveryKubernetes && !cfg.Discovery.LabelPrimary {
		return nil, nil
	}

	restConfig, err := clientcmd.BuildConfigFromFlags("", o.kubeconfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kubernetes config")
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kubernetes client")
	}
	return client, nil
}

func newVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	}
}
