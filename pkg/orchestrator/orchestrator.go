package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/auth"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/config"
	"github.com/sindef/redis-failover/pkg/discovery"
	"github.com/sindef/redis-failover/pkg/election"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/executor"
	"github.com/sindef/redis-failover/pkg/failover"
	"github.com/sindef/redis-failover/pkg/fencing"
	"github.com/sindef/redis-failover/pkg/health"
	"github.com/sindef/redis-failover/pkg/probe"
	"github.com/sindef/redis-failover/pkg/redis"
	"github.com/sindef/redis-failover/pkg/scheduler"
	"github.com/sindef/redis-failover/pkg/server"
	"github.com/sindef/redis-failover/pkg/topology"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// RecentEvents is how many events /events can return.
const RecentEvents = 256

// Orchestrator owns every component of one monitor process.
type Orchestrator struct {
	config *config.Config

	pool       *redis.Pool
	topology   *topology.Model
	engine     *failover.Engine
	recorder   *events.Recorder
	bus        *events.Bus
	leadership election.Leadership
	records    fencing.Store
	scheduler  *scheduler.Scheduler
	httpServer *server.Server

	closers []io.Closer
}

// New wires a monitor that decides and executes failovers. kubeClient may be
// nil unless discovery or labeling uses Kubernetes.
func New(cfg *config.Config, kubeClient kubernetes.Interface) (*Orchestrator, error) {
	o, err := build(cfg, kubeClient)
	if err != nil {
		return nil, err
	}

	rec, err := o.records.Load()
	if err != nil {
		o.close()
		return nil, errors.Wrap(err, "failed to load fencing record")
	}
	if rec.Epoch > 0 {
		klog.InfoS("Loaded fencing record", "epoch", rec.Epoch, "primary", rec.Primary)
	}

	o.engine = failover.New(cfg.EngineConfig(), rec.Epoch, o.bus)

	opts := []executor.Option{
		executor.WithEvents(o.bus),
		executor.WithCommandTimeout(cfg.Probe.CommandTimeout),
	}
	if cfg.Discovery.LabelPrimary {
		if kubeClient == nil {
			o.close()
			return nil, errors.New("discovery.label_primary requires a Kubernetes client")
		}
		opts = append(opts, executor.WithLabeler(discovery.NewLabeler(kubeClient, cfg.Discovery.Namespace)))
	}
	exec := executor.New(o.pool, o.topology, o.records, opts...)

	o.scheduler.Engine = o.engine
	o.scheduler.Executor = exec

	o.httpServer = server.New(server.Options{
		Addr:          cfg.HTTPAddr,
		MonitorID:     cfg.MonitorID,
		Authenticator: auth.New(cfg.SharedSecret),
		Topology:      o.topology,
		Engine:        o.engine,
		Events:        o.recorder,
		Bus:           o.bus,
		Leadership:    o.leadership,
		Raft:          asRaft(o.leadership),
	})

	return o, nil
}

// NewObserver wires a monitor that probes and folds health but never plans.
// The dashboard runs on top of it.
func NewObserver(cfg *config.Config, kubeClient kubernetes.Interface, onTick func(context.Context, topology.Snapshot)) (*Orchestrator, error) {
	observe := *cfg
	observe.Election.Mode = config.ElectionModeStandalone
	observe.EpochFile = ""

	o, err := build(&observe, kubeClient)
	if err != nil {
		return nil, err
	}
	o.scheduler.OnTick = onTick
	return o, nil
}

// build creates the parts shared by a deciding monitor and an observer. The
// scheduler is left without an engine or executor.
func build(cfg *config.Config, kubeClient kubernetes.Interface) (*Orchestrator, error) {
	source, err := buildSource(cfg, kubeClient)
	if err != nil {
		return nil, err
	}

	aggregator, err := health.New(cfg.Thresholds())
	if err != nil {
		return nil, errors.Wrap(err, "invalid health thresholds")
	}

	pool := redis.NewPool(redis.Options{
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		TLS:           cfg.Redis.TLS,
		TLSSkipVerify: cfg.Redis.TLSSkipVerify,
		DialTimeout:   cfg.Redis.DialTimeout,
	})

	recorder := events.NewRecorder(RecentEvents)
	o := &Orchestrator{
		config:   cfg,
		pool:     pool,
		topology: topology.New(0),
		recorder: recorder,
		bus:      events.NewBus(events.LogSink{}, recorder),
	}

	if err := o.buildLeadership(); err != nil {
		o.close()
		return nil, err
	}

	prober := probe.New(func(node cluster.NodeSpec) probe.Store {
		return pool.Client(node)
	}, cfg.Probe.Timeout)

	o.scheduler = scheduler.New(scheduler.Config{
		Interval:            cfg.Probe.Interval,
		Primary:             cfg.ConfiguredPrimary(),
		MaxConcurrentProbes: cfg.Probe.MaxConcurrent,
	}, scheduler.Deps{
		Source:     source,
		Prober:     prober,
		Aggregator: aggregator,
		Topology:   o.topology,
		Leader:     o.leadership,
		Records:    o.records,
		Events:     o.bus,
		Forget:     pool.Forget,
	})

	return o, nil
}

func buildSource(cfg *config.Config, kubeClient kubernetes.Interface) (discovery.Source, error) {
	switch cfg.Discovery.Mode {
	case config.DiscoveryStatic, "":
		return discovery.NewStatic(cfg.NodeSpecs()), nil
	case config.DiscoveryKubernetes:
		if kubeClient == nil {
			return nil, errors.New("kubernetes discovery requires a Kubernetes client")
		}
		return discovery.NewKubernetes(kubeClient, cfg.Discovery.Namespace, cfg.Discovery.LabelSelector, cfg.Discovery.Port), nil
	default:
		return nil, errors.Errorf("unknown discovery mode: %s", cfg.Discovery.Mode)
	}
}

// buildLeadership picks the election strategy and the fencing store that
// goes with it. Under raft the record is replicated through the log;
// standalone keeps it in a local bolt file.
func (o *Orchestrator) buildLeadership() error {
	cfg := o.config
	switch cfg.Election.Mode {
	case config.ElectionModeStandalone, "":
		o.leadership = election.NewStandalone(cfg.MonitorID)
		if cfg.EpochFile == "" {
			o.records = fencing.NewMemoryStore()
			klog.Warning("No epoch file configured - fencing record is kept in memory only")
			return nil
		}
		bolt, err := fencing.OpenBolt(cfg.EpochFile)
		if err != nil {
			return err
		}
		o.records = bolt
		o.closers = append(o.closers, bolt)

	case config.ElectionModeRaft:
		peers, err := election.ParsePeers(cfg.Election.Peers)
		if err != nil {
			return err
		}
		r := election.NewRaft(election.RaftConfig{
			ID:            cfg.MonitorID,
			BindAddr:      cfg.Election.BindAddr,
			AdvertiseAddr: cfg.Election.AdvertiseAddr,
			DataDir:       cfg.Election.DataDir,
			Peers:         peers,
			Bootstrap:     cfg.Election.Bootstrap,
			Join:          cfg.Election.Join,
			Authenticator: auth.New(cfg.SharedSecret),
			Debug:         cfg.Debug,
		})
		o.leadership = r
		o.records = r

	default:
		return errors.Errorf("unknown election mode: %s", cfg.Election.Mode)
	}
	return nil
}

func asRaft(l election.Leadership) *election.Raft {
	r, _ := l.(*election.Raft)
	return r
}

// Run starts leadership and the HTTP server, then ticks until ctx is
// canceled or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	klog.InfoS("Starting monitor",
		"monitor", o.config.MonitorID,
		"election", o.leadership.Name(),
		"discovery", o.config.Discovery.Mode,
		"deciding", o.engine != nil)

	if err := o.leadership.Start(ctx); err != nil {
		o.close()
		return errors.Wrap(err, "failed to start leadership")
	}

	if o.httpServer != nil {
		o.httpServer.Start()
	}

	err := o.scheduler.Run(ctx)
	o.shutdown()
	return err
}

// Tick runs a single scheduler tick. Leadership must already be started.
func (o *Orchestrator) Tick(ctx context.Context) error {
	return o.scheduler.Tick(ctx)
}

// Stop lets the current tick and any in-flight plan finish, then makes Run
// return.
func (o *Orchestrator) Stop() {
	o.scheduler.Stop()
}

// Snapshot returns the current topology.
func (o *Orchestrator) Snapshot() topology.Snapshot {
	return o.topology.Snapshot()
}

// Pool returns the connection pool.
func (o *Orchestrator) Pool() *redis.Pool {
	return o.pool
}

func (o *Orchestrator) shutdown() {
	klog.Info("Shutting down monitor")

	// Stop leadership first so no new plan can start.
	if err := o.leadership.Stop(); err != nil {
		klog.ErrorS(err, "Failed to stop leadership")
	}

	if o.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.httpServer.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "Failed to shutdown HTTP server")
		}
	}

	o.close()
}

func (o *Orchestrator) close() {
	if o.pool != nil {
		if err := o.pool.Close(); err != nil {
			klog.ErrorS(err, "Failed to close Redis clients")
		}
	}
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			klog.ErrorS(err, "Failed to close store")
		}
	}
	o.closers = nil
}
