package election

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/auth"
	"github.com/sindef/redis-failover/pkg/fencing"
	"k8s.io/klog/v2"
)

// Peer is one voting monitor.
type Peer struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// ParsePeers parses "id=host:port" entries.
func ParsePeers(entries []string) ([]Peer, error) {
	peers := make([]Peer, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, addr, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addr == "" {
			return nil, errors.Errorf("invalid raft peer %q, expected id=host:port", entry)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, errors.Wrapf(err, "invalid raft peer address %q", addr)
		}
		if seen[id] {
			return nil, errors.Errorf("duplicate raft peer id %q", id)
		}
		seen[id] = true
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

// RaftConfig configures raft leadership.
type RaftConfig struct {
	ID       string
	BindAddr string
	// AdvertiseAddr defaults to BindAddr.
	AdvertiseAddr string
	DataDir       string
	// Peers is the voter set written at bootstrap. The local monitor is
	// always included.
	Peers     []Peer
	Bootstrap bool
	// Join lists HTTP addresses of monitors to ask for membership when this
	// monitor starts without state and does not bootstrap.
	Join          []string
	Authenticator *auth.Authenticator
	Debug         bool
}

// Raft elects a leader among monitors with hashicorp/raft and replicates the
// fencing record through the log. It implements fencing.Store.
type Raft struct {
	cfg          RaftConfig
	fsm          *recordFSM
	applyTimeout time.Duration
	tune         func(*raft.Config)

	raft    *raft.Raft
	ready   atomic.Bool
	closers []io.Closer
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

var _ fencing.Store = (*Raft)(nil)

func NewRaft(cfg RaftConfig) *Raft {
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.BindAddr
	}
	return &Raft{
		cfg:          cfg,
		fsm:          &recordFSM{},
		applyTimeout: 10 * time.Second,
	}
}

// Start opens the on-disk stores and the TCP transport, then joins or
// bootstraps the cluster.
func (r *Raft) Start(ctx context.Context) error {
	if r.cfg.Debug {
		klog.InfoS("Starting raft leadership",
			"id", r.cfg.ID,
			"bindAddr", r.cfg.BindAddr,
			"advertiseAddr", r.cfg.AdvertiseAddr,
			"peers", len(r.cfg.Peers),
			"dataDir", r.cfg.DataDir,
			"bootstrap", r.cfg.Bootstrap)
	}

	if err := os.MkdirAll(r.cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create raft data directory")
	}

	advertise, err := net.ResolveTCPAddr("tcp", r.cfg.AdvertiseAddr)
	if err != nil {
		return errors.Wrap(err, "failed to resolve advertise address")
	}
	transport, err := raft.NewTCPTransport(r.cfg.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return errors.Wrap(err, "failed to create raft transport")
	}
	snapshots, err := raft.NewFileSnapshotStore(r.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return errors.Wrap(err, "failed to create snapshot store")
	}
	logs, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return errors.Wrap(err, "failed to create log store")
	}
	stable, err := raftboltdb.NewBoltStore(filepath.Join(r.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logs.Close()
		return errors.Wrap(err, "failed to create stable store")
	}
	r.closers = append(r.closers, logs, stable)

	return r.start(ctx, transport, logs, stable, snapshots)
}

func (r *Raft) start(ctx context.Context, transport raft.Transport, logs raft.LogStore, stable raft.StableStore, snapshots raft.SnapshotStore) error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(r.cfg.ID)
	if r.cfg.Debug {
		config.LogLevel = "DEBUG"
	} else {
		config.LogLevel = "INFO"
	}
	if r.tune != nil {
		r.tune(config)
	}

	hasState, err := raft.HasExistingState(logs, stable, snapshots)
	if err != nil {
		return errors.Wrap(err, "failed to inspect raft state")
	}

	ra, err := raft.NewRaft(config, r.fsm, logs, stable, snapshots, transport)
	if err != nil {
		return errors.Wrap(err, "failed to create raft")
	}
	r.raft = ra
	ctx, r.cancel = context.WithCancel(ctx)

	switch {
	case hasState:
		klog.InfoS("Raft has existing state, rejoining cluster", "id", r.cfg.ID)
	case r.cfg.Bootstrap:
		r.bootstrap(transport.LocalAddr())
	case len(r.cfg.Join) > 0:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.joinLoop(ctx, string(transport.LocalAddr()))
		}()
	default:
		klog.InfoS("Waiting to be added to the raft cluster", "id", r.cfg.ID)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.monitorLeadership(ctx)
	}()
	return nil
}

func (r *Raft) bootstrap(local raft.ServerAddress) {
	servers := []raft.Server{{
		ID:       raft.ServerID(r.cfg.ID),
		Address:  local,
		Suffrage: raft.Voter,
	}}
	for _, p := range r.cfg.Peers {
		if p.ID == r.cfg.ID {
			continue
		}
		servers = append(servers, raft.Server{
			ID:       raft.ServerID(p.ID),
			Address:  raft.ServerAddress(p.Addr),
			Suffrage: raft.Voter,
		})
	}

	err := r.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
	switch {
	case err == nil:
		klog.InfoS("Bootstrapped raft cluster", "id", r.cfg.ID, "servers", len(servers))
	case errors.Is(err, raft.ErrCantBootstrap):
		klog.Info("Raft cluster already bootstrapped")
	default:
		klog.ErrorS(err, "Raft bootstrap failed")
	}
}

// monitorLeadership marks the monitor ready to lead only after a barrier, so
// the fencing record is current before the first plan.
func (r *Raft) monitorLeadership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case leader := <-r.raft.LeaderCh():
			if !leader {
				r.ready.Store(false)
				klog.InfoS("Lost monitor leadership", "id", r.cfg.ID)
				continue
			}
			if err := r.raft.Barrier(r.applyTimeout).Error(); err != nil {
				klog.ErrorS(err, "Barrier failed after winning election")
				continue
			}
			r.ready.Store(true)
			rec := r.fsm.record()
			klog.InfoS("Acquired monitor leadership", "id", r.cfg.ID, "epoch", rec.Epoch, "primary", rec.Primary)
		}
	}
}

// Stop shuts raft down and closes the stores.
func (r *Raft) Stop() error {
	if r.raft == nil {
		return nil
	}
	if r.cfg.Debug {
		klog.Info("Shutting down raft")
	}
	err := r.raft.Shutdown().Error()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.ready.Store(false)
	for _, c := range r.closers {
		c.Close()
	}
	return err
}

// IsLeader reports whether this monitor leads and has caught up with the log.
func (r *Raft) IsLeader() bool {
	return r.raft != nil && r.raft.State() == raft.Leader && r.ready.Load()
}

func (r *Raft) Leader() (string, error) {
	if r.raft == nil {
		return "", errors.New("raft not initialized")
	}
	addr, id := r.raft.LeaderWithID()
	if addr == "" {
		return "", ErrNoLeader
	}
	return string(id), nil
}

func (r *Raft) Name() string { return "raft" }

// Load returns the replicated fencing record as applied on this monitor.
func (r *Raft) Load() (fencing.Record, error) {
	return r.fsm.record(), nil
}

// Store replicates rec. Only the leader may store.
func (r *Raft) Store(rec fencing.Record) error {
	if r.raft == nil || r.raft.State() != raft.Leader {
		return errors.Wrapf(ErrNotLeader, "cannot store epoch %d", rec.Epoch)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode fencing record")
	}
	f := r.raft.Apply(data, r.applyTimeout)
	if err := f.Error(); err != nil {
		return errors.Wrapf(err, "failed to replicate epoch %d", rec.Epoch)
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// AddVoter adds a monitor to the voter set. Only the leader may add voters;
// adding an existing member is a no-op.
func (r *Raft) AddVoter(id, addr string) (added bool, err error) {
	if r.raft == nil || r.raft.State() != raft.Leader {
		return false, ErrNotLeader
	}

	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return false, errors.Wrap(err, "failed to get raft configuration")
	}
	for _, server := range future.Configuration().Servers {
		if server.ID == raft.ServerID(id) {
			return false, nil
		}
	}

	if err := r.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, r.applyTimeout).Error(); err != nil {
		return false, errors.Wrapf(err, "failed to add voter %s", id)
	}
	klog.InfoS("Added voter to raft cluster", "id", id, "address", addr)
	return true, nil
}

// Servers returns the current raft configuration.
func (r *Raft) Servers() ([]raft.Server, error) {
	if r.raft == nil {
		return nil, errors.New("raft not initialized")
	}
	future := r.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to get raft configuration")
	}
	return future.Configuration().Servers, nil
}
