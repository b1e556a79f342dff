// Package config loads the monitor's configuration from a YAML file and the
// environment and checks it before anything starts.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/election"
	"github.com/sindef/redis-failover/pkg/failover"
	"github.com/sindef/redis-failover/pkg/health"
	"gopkg.in/yaml.v3"
)

// ElectionMode selects how monitors agree on a leader.
type ElectionMode string

const (
	// ElectionModeStandalone runs a single monitor that always leads.
	ElectionModeStandalone ElectionMode = "standalone"
	// ElectionModeRaft elects a leader among monitors with Raft.
	ElectionModeRaft ElectionMode = "raft"
)

// DiscoveryMode selects where the node list comes from.
type DiscoveryMode string

const (
	DiscoveryStatic     DiscoveryMode = "static"
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
)

// Config holds the configuration for the monitor.
type Config struct {
	// MonitorID identifies this monitor. Defaults to POD_NAME, then the
	// hostname.
	MonitorID string `yaml:"monitor_id"`

	Nodes []NodeConfig `yaml:"nodes"`

	Redis     RedisConfig     `yaml:"redis"`
	Probe     ProbeConfig     `yaml:"probe"`
	Health    HealthConfig    `yaml:"health"`
	Failover  FailoverConfig  `yaml:"failover"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Election  ElectionConfig  `yaml:"election"`

	// EpochFile persists the fencing record in standalone mode. Empty keeps
	// it in memory.
	EpochFile string `yaml:"epoch_file"`
	HTTPAddr  string `yaml:"http_addr"`
	// SharedSecret signs monitor and operator HTTP requests.
	SharedSecret string `yaml:"shared_secret"`
	Debug        bool   `yaml:"debug"`
}

// NodeConfig is one statically configured data-store node.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Addr    string `yaml:"addr"`
	Primary bool   `yaml:"primary"`
}

type RedisConfig struct {
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	TLS           bool          `yaml:"tls"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

type ProbeConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// MaxConcurrent bounds the probe fan-out; zero probes all nodes at once.
	MaxConcurrent int `yaml:"max_concurrent"`
}

type HealthConfig struct {
	SuspectAfter int `yaml:"suspect_after"`
	DownAfter    int `yaml:"down_after"`
}

type FailoverConfig struct {
	// Quorum of replica reports; zero means a strict majority.
	Quorum            int           `yaml:"quorum"`
	QuorumWindow      time.Duration `yaml:"quorum_window"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxCandidateLag   int64         `yaml:"max_candidate_lag"`
	ResolveSplitBrain bool          `yaml:"resolve_split_brain"`
}

type DiscoveryConfig struct {
	Mode          DiscoveryMode `yaml:"mode"`
	Namespace     string        `yaml:"namespace"`
	LabelSelector string        `yaml:"label_selector"`
	Port          int           `yaml:"port"`
	// LabelPrimary keeps the redis-role=master label on the primary pod.
	LabelPrimary bool `yaml:"label_primary"`
}

type ElectionConfig struct {
	Mode          ElectionMode `yaml:"mode"`
	BindAddr      string       `yaml:"raft_bind"`
	AdvertiseAddr string       `yaml:"raft_advertise"`
	DataDir       string       `yaml:"raft_data_dir"`
	// Peers are "id=host:port" entries for the bootstrap voter set.
	Peers     []string `yaml:"raft_peers"`
	Bootstrap bool     `yaml:"raft_bootstrap"`
	// Join lists monitor HTTP addresses to request membership from.
	Join []string `yaml:"raft_join"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	th := health.DefaultThresholds()
	fo := failover.DefaultConfig()
	return &Config{
		Redis: RedisConfig{DialTimeout: 2 * time.Second},
		Probe: ProbeConfig{
			Interval:       10 * time.Second,
			Timeout:        2 * time.Second,
			CommandTimeout: 5 * time.Second,
		},
		Health: HealthConfig{SuspectAfter: th.SuspectAfter, DownAfter: th.DownAfter},
		Failover: FailoverConfig{
			Quorum:            fo.Quorum,
			QuorumWindow:      fo.QuorumWindow,
			Cooldown:          fo.Cooldown,
			MaxCandidateLag:   fo.MaxCandidateLag,
			ResolveSplitBrain: fo.ResolveSplitBrain,
		},
		Discovery: DiscoveryConfig{
			Mode:          DiscoveryStatic,
			LabelSelector: "app=redis",
			Port:          6379,
		},
		Election: ElectionConfig{
			Mode:     ElectionModeStandalone,
			BindAddr: "0.0.0.0:7000",
			DataDir:  "/var/lib/redis-failover/raft",
		},
		HTTPAddr: ":8080",
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path yields the defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open config file")
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv fills secrets and identity from the environment when the file
// left them empty.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("REDIS_PASSWORD"); v != "" && c.Redis.Password == "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SHARED_SECRET"); v != "" && c.SharedSecret == "" {
		c.SharedSecret = v
	}
	if v := os.Getenv("POD_NAMESPACE"); v != "" && c.Discovery.Namespace == "" {
		c.Discovery.Namespace = v
	}
	if c.MonitorID == "" {
		c.MonitorID = os.Getenv("POD_NAME")
	}
	if c.MonitorID == "" {
		if host, err := os.Hostname(); err == nil {
			c.MonitorID = host
		}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"probe.interval", c.Probe.Interval},
		{"probe.timeout", c.Probe.Timeout},
		{"probe.command_timeout", c.Probe.CommandTimeout},
		{"failover.quorum_window", c.Failover.QuorumWindow},
		{"failover.cooldown", c.Failover.Cooldown},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return errors.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.Failover.Quorum < 0 {
		return errors.Errorf("failover.quorum must not be negative, got %d", c.Failover.Quorum)
	}
	if c.Failover.MaxCandidateLag < 0 {
		return errors.Errorf("failover.max_candidate_lag must not be negative, got %d", c.Failover.MaxCandidateLag)
	}

	switch c.Discovery.Mode {
	case DiscoveryStatic:
		if len(c.Nodes) == 0 {
			return errors.New("static discovery needs at least one node")
		}
	case DiscoveryKubernetes:
		if c.Discovery.Namespace == "" {
			return errors.New("kubernetes discovery needs a namespace (or POD_NAMESPACE)")
		}
		if c.Discovery.Port <= 0 {
			return errors.Errorf("invalid discovery port %d", c.Discovery.Port)
		}
	default:
		return errors.Errorf("invalid discovery mode %q (must be 'static' or 'kubernetes')", c.Discovery.Mode)
	}

	primaries := 0
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" || n.Addr == "" {
			return errors.Errorf("node %q needs both id and addr", n.ID)
		}
		if seen[n.ID] {
			return errors.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if n.Primary {
			primaries++
		}
	}
	if primaries > 1 {
		return errors.Errorf("%d nodes are configured as primary, at most one allowed", primaries)
	}

	switch c.Election.Mode {
	case ElectionModeStandalone:
	case ElectionModeRaft:
		if c.Election.BindAddr == "" {
			return errors.New("raft election needs a bind address")
		}
		if c.Election.DataDir == "" {
			return errors.New("raft election needs a data directory")
		}
		if _, err := election.ParsePeers(c.Election.Peers); err != nil {
			return err
		}
	default:
		return errors.Errorf("invalid election mode %q (must be 'standalone' or 'raft')", c.Election.Mode)
	}

	if c.MonitorID == "" {
		return errors.New("monitor id is required")
	}
	return nil
}

// Thresholds returns the health thresholds.
func (c *Config) Thresholds() health.Thresholds {
	return health.Thresholds{SuspectAfter: c.Health.SuspectAfter, DownAfter: c.Health.DownAfter}
}

// EngineConfig returns the engine configuration.
func (c *Config) EngineConfig() failover.Config {
	return failover.Config{
		Quorum:            c.Failover.Quorum,
		QuorumWindow:      c.Failover.QuorumWindow,
		Cooldown:          c.Failover.Cooldown,
		MaxCandidateLag:   c.Failover.MaxCandidateLag,
		ResolveSplitBrain: c.Failover.ResolveSplitBrain,
	}
}

// NodeSpecs returns the static node list.
func (c *Config) NodeSpecs() []cluster.NodeSpec {
	specs := make([]cluster.NodeSpec, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		specs = append(specs, cluster.NodeSpec{ID: cluster.NodeID(n.ID), Addr: n.Addr})
	}
	return specs
}

// ConfiguredPrimary returns the node marked primary, if any.
func (c *Config) ConfiguredPrimary() cluster.NodeID {
	for _, n := range c.Nodes {
		if n.Primary {
			return cluster.NodeID(n.ID)
		}
	}
	return ""
}
