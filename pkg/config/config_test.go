package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sindef/redis-failover/pkg/cluster"
)

func validConfig() *Config {
	cfg := Default()
	cfg.MonitorID = "monitor-a"
	cfg.Nodes = []NodeConfig{
		{ID: "redis-0", Addr: "10.0.0.1:6379", Primary: true},
		{ID: "redis-1", Addr: "10.0.0.2:6379"},
	}
	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Probe.Interval != 10*time.Second {
		t.Errorf("Expected 10s interval by default, got %v", cfg.Probe.Interval)
	}
	if cfg.Probe.Timeout != 2*time.Second {
		t.Errorf("Expected 2s probe timeout by default, got %v", cfg.Probe.Timeout)
	}
	if cfg.Health.SuspectAfter != 2 || cfg.Health.DownAfter != 4 {
		t.Errorf("Expected F=2 D=4 by default, got F=%d D=%d", cfg.Health.SuspectAfter, cfg.Health.DownAfter)
	}
	if cfg.Failover.Quorum != 0 {
		t.Errorf("Expected majority quorum by default, got %d", cfg.Failover.Quorum)
	}
	if cfg.Failover.Cooldown != 60*time.Second {
		t.Errorf("Expected 60s cooldown by default, got %v", cfg.Failover.Cooldown)
	}
	if !cfg.Failover.ResolveSplitBrain {
		t.Error("Expected split-brain resolution on by default")
	}
	if cfg.Election.Mode != ElectionModeStandalone {
		t.Errorf("Expected standalone election by default, got %s", cfg.Election.Mode)
	}
	if cfg.Discovery.Mode != DiscoveryStatic {
		t.Errorf("Expected static discovery by default, got %s", cfg.Discovery.Mode)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected :8080 by default, got %s", cfg.HTTPAddr)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	data := `
monitor_id: monitor-b
nodes:
  - id: redis-0
    addr: 10.0.0.1:6379
    primary: true
  - id: redis-1
    addr: 10.0.0.2:6379
probe:
  interval: 5s
  timeout: 500ms
health:
  suspect_after: 3
  down_after: 6
failover:
  cooldown: 2m
  resolve_split_brain: false
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.MonitorID != "monitor-b" {
		t.Errorf("Expected MonitorID monitor-b, got %s", cfg.MonitorID)
	}
	if cfg.Probe.Interval != 5*time.Second || cfg.Probe.Timeout != 500*time.Millisecond {
		t.Errorf("Durations not parsed: interval=%v timeout=%v", cfg.Probe.Interval, cfg.Probe.Timeout)
	}
	if cfg.Probe.CommandTimeout != 5*time.Second {
		t.Errorf("Unset fields should keep defaults, got command timeout %v", cfg.Probe.CommandTimeout)
	}
	if cfg.Failover.Cooldown != 2*time.Minute || cfg.Failover.ResolveSplitBrain {
		t.Errorf("Failover section not applied: %+v", cfg.Failover)
	}
	if got := cfg.ConfiguredPrimary(); got != cluster.NodeID("redis-0") {
		t.Errorf("Expected configured primary redis-0, got %q", got)
	}
	if len(cfg.NodeSpecs()) != 2 {
		t.Errorf("Expected 2 node specs, got %d", len(cfg.NodeSpecs()))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded config should be valid: %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	if err := os.WriteFile(path, []byte("probe:\n  intervall: 5s\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for misspelled field")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_PASSWORD", "from-env")
	t.Setenv("SHARED_SECRET", "secret-env")
	t.Setenv("POD_NAMESPACE", "redis")
	t.Setenv("POD_NAME", "monitor-0")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Redis.Password != "from-env" {
		t.Errorf("Expected password from env, got %q", cfg.Redis.Password)
	}
	if cfg.SharedSecret != "secret-env" {
		t.Errorf("Expected shared secret from env, got %q", cfg.SharedSecret)
	}
	if cfg.Discovery.Namespace != "redis" {
		t.Errorf("Expected namespace from env, got %q", cfg.Discovery.Namespace)
	}
	if cfg.MonitorID != "monitor-0" {
		t.Errorf("Expected monitor id from env, got %q", cfg.MonitorID)
	}

	// Values already set win over the environment.
	cfg = Default()
	cfg.Redis.Password = "from-file"
	cfg.ApplyEnv()
	if cfg.Redis.Password != "from-file" {
		t.Errorf("Expected file password to win, got %q", cfg.Redis.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "down not above suspect",
			mutate:  func(c *Config) { c.Health.DownAfter = c.Health.SuspectAfter },
			wantErr: "down threshold",
		},
		{
			name:    "suspect below one",
			mutate:  func(c *Config) { c.Health.SuspectAfter = 0 },
			wantErr: "suspect threshold",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Probe.Interval = 0 },
			wantErr: "probe.interval",
		},
		{
			name:    "negative cooldown",
			mutate:  func(c *Config) { c.Failover.Cooldown = -time.Second },
			wantErr: "failover.cooldown",
		},
		{
			name:    "no static nodes",
			mutate:  func(c *Config) { c.Nodes = nil },
			wantErr: "at least one node",
		},
		{
			name:    "two primaries",
			mutate:  func(c *Config) { c.Nodes[1].Primary = true },
			wantErr: "at most one",
		},
		{
			name:    "duplicate node",
			mutate:  func(c *Config) { c.Nodes[1].ID = "redis-0" },
			wantErr: "duplicate node",
		},
		{
			name: "raft without bind",
			mutate: func(c *Config) {
				c.Election.Mode = ElectionModeRaft
				c.Election.BindAddr = ""
			},
			wantErr: "bind address",
		},
		{
			name: "raft with bad peer",
			mutate: func(c *Config) {
				c.Election.Mode = ElectionModeRaft
				c.Election.Peers = []string{"no-separator"}
			},
			wantErr: "invalid raft peer",
		},
		{
			name: "kubernetes without namespace",
			mutate: func(c *Config) {
				c.Discovery.Mode = DiscoveryKubernetes
				c.Discovery.Namespace = ""
			},
			wantErr: "namespace",
		},
		{
			name: "kubernetes needs no static nodes",
			mutate: func(c *Config) {
				c.Discovery.Mode = DiscoveryKubernetes
				c.Discovery.Namespace = "redis"
				c.Nodes = nil
			},
		},
		{
			name:    "unknown election mode",
			mutate:  func(c *Config) { c.Election.Mode = "deterministic" },
			wantErr: "invalid election mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
