// Package scheduler drives the monitor: once per interval it refreshes the
// node set, probes every node concurrently, folds the observations into
// health and topology, and lets the engine decide.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/discovery"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/failover"
	"github.com/sindef/redis-failover/pkg/fencing"
	"github.com/sindef/redis-failover/pkg/health"
	"github.com/sindef/redis-failover/pkg/topology"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Prober checks one node. It never fails; failures are observations.
type Prober interface {
	Probe(ctx context.Context, node cluster.NodeSpec) cluster.Observation
}

// Executor applies plans and split-brain reconciliations.
type Executor interface {
	Execute(ctx context.Context, plan cluster.FailoverPlan) cluster.PlanOutcome
	Reconcile(ctx context.Context, stray cluster.NodeID) error
}

// Leader reports whether this monitor may act.
type Leader interface {
	IsLeader() bool
}

// Config tunes the loop.
type Config struct {
	Interval time.Duration
	// Primary is designated at startup when nothing else identifies one.
	Primary cluster.NodeID
	// MaxConcurrentProbes bounds the probe fan-out. Zero probes every node
	// at once.
	MaxConcurrentProbes int
}

// Deps are the components the scheduler wires together.
type Deps struct {
	Source     discovery.Source
	Prober     Prober
	Aggregator *health.Aggregator
	Topology   *topology.Model
	Engine     *failover.Engine
	Executor   Executor
	Leader     Leader
	Records    fencing.Store
	Events     events.Sink
	// Forget is called with every node that leaves the set.
	Forget func(cluster.NodeSpec)
	// OnTick is called with the snapshot at the end of every completed tick.
	OnTick func(ctx context.Context, snap topology.Snapshot)
}

// Scheduler runs ticks serially; a tick never overlaps the next.
type Scheduler struct {
	cfg Config
	Deps
	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	plans    sync.WaitGroup

	claimsAlerted bool
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	return &Scheduler{
		cfg:    cfg,
		Deps:   deps,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Run ticks until ctx is canceled or Stop is called. Stop lets the current
// tick and any in-flight plan finish; canceling ctx aborts the current tick
// and its observations are discarded.
func (s *Scheduler) Run(ctx context.Context) error {
	klog.InfoS("Starting scheduler", "interval", s.cfg.Interval, "discovery", s.Source.Name())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			klog.Info("Scheduler canceled, waiting for in-flight plan")
			s.plans.Wait()
			return nil
		case <-s.stopCh:
			klog.Info("Scheduler stopped, waiting for in-flight plan")
			s.plans.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends Run after the current tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			klog.V(2).InfoS("Tick aborted", "error", err)
			return
		}
		klog.ErrorS(err, "Tick failed")
	}
}

// Tick runs one cycle.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.refresh(ctx)
	s.restore()

	nodes := s.Topology.Snapshot().Nodes
	specs := make([]cluster.NodeSpec, len(nodes))
	for i, n := range nodes {
		specs[i] = n.Spec()
	}

	observations, err := s.probeAll(ctx, specs)
	if err != nil {
		return err
	}
	for _, obs := range observations {
		s.fold(obs)
	}
	s.resolvePrimary()

	// Without an engine the scheduler only observes.
	if s.Engine != nil && (s.Leader == nil || s.Leader.IsLeader()) {
		s.decide(ctx, s.Topology.Snapshot())
	}
	if s.OnTick != nil {
		s.OnTick(ctx, s.Topology.Snapshot())
	}
	return nil
}

// refresh reconciles the node set with discovery. A failed listing keeps the
// current set.
func (s *Scheduler) refresh(ctx context.Context) {
	specs, err := s.Source.Nodes(ctx)
	if err != nil {
		klog.ErrorS(err, "Discovery failed, keeping current node set", "source", s.Source.Name())
		return
	}

	added, removed := s.Topology.Sync(specs)
	now := s.now()
	for _, spec := range added {
		klog.InfoS("Node added", "node", spec.ID, "addr", spec.Addr)
		s.Events.Emit(events.Event{Type: events.NodeAdded, At: now, Node: spec.ID, Message: spec.Addr})
	}
	for _, spec := range removed {
		klog.InfoS("Node removed", "node", spec.ID, "addr", spec.Addr)
		s.Aggregator.Remove(spec.ID)
		if s.Forget != nil {
			s.Forget(spec)
		}
		s.Events.Emit(events.Event{Type: events.NodeRemoved, At: now, Node: spec.ID, Message: spec.Addr})
	}

	if _, ok := s.Topology.Primary(); !ok && s.cfg.Primary != "" {
		if err := s.Topology.Designate(s.cfg.Primary); err == nil {
			klog.InfoS("Designated configured primary", "node", s.cfg.Primary)
		}
	}
}

// restore adopts a failover committed by a previous run or another monitor.
func (s *Scheduler) restore() {
	if s.Records == nil {
		return
	}
	rec, err := s.Records.Load()
	if err != nil {
		klog.ErrorS(err, "Failed to load fencing record")
		return
	}
	if !s.Topology.Adopt(rec.Primary, rec.Epoch) {
		return
	}
	klog.InfoS("Adopted committed failover", "primary", rec.Primary, "epoch", rec.Epoch)
	s.Events.Emit(events.Event{
		Type:    events.PrimaryAdopted,
		At:      s.now(),
		Node:    rec.Primary,
		Epoch:   rec.Epoch,
		Message: "committed failover record",
	})
}

// probeAll probes every node concurrently. The result is in node order. If
// ctx ends first the whole batch is discarded.
func (s *Scheduler) probeAll(ctx context.Context, specs []cluster.NodeSpec) ([]cluster.Observation, error) {
	out := make([]cluster.Observation, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.MaxConcurrentProbes
	if limit <= 0 {
		limit = len(specs)
	}
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			out[i] = s.Prober.Probe(gctx, spec)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) fold(obs cluster.Observation) {
	if !s.Topology.Observe(obs) {
		return
	}

	tr, changed := s.Aggregator.Update(obs)
	if !changed {
		return
	}
	s.Topology.Apply(tr)

	klog.InfoS("Node health changed", "node", tr.Node, "from", tr.From, "to", tr.To, "reason", obs.Reason)
	s.Events.Emit(events.Event{
		Type:    events.HealthTransition,
		At:      tr.At,
		Node:    tr.Node,
		From:    string(tr.From),
		To:      string(tr.To),
		Message: string(obs.Reason),
		Err:     obs.Err,
	})
}

func (s *Scheduler) resolvePrimary() {
	adopted, claimants := s.Topology.ResolvePrimary()
	if adopted != "" {
		klog.InfoS("Adopted primary reported by node", "node", adopted)
		s.Events.Emit(events.Event{
			Type:    events.PrimaryAdopted,
			At:      s.now(),
			Node:    adopted,
			Epoch:   s.Topology.Epoch(),
			Message: "only node reporting role primary",
		})
		return
	}
	if _, ok := s.Topology.Primary(); ok || len(claimants) < 2 {
		s.claimsAlerted = false
		return
	}

	// Several nodes claim primary and none is designated. The committed
	// record breaks the tie if it names one of them.
	if s.Records != nil {
		if rec, err := s.Records.Load(); err == nil {
			for _, id := range claimants {
				if id == rec.Primary && s.Topology.Designate(id) == nil {
					klog.InfoS("Designated recorded primary among claimants", "node", id, "claimants", claimants)
					return
				}
			}
		}
	}
	if s.claimsAlerted {
		return
	}
	s.claimsAlerted = true
	klog.ErrorS(cluster.ErrNoPrimary, "Several nodes claim primary, manual intervention required", "claimants", claimants)
	s.Events.Emit(events.Event{
		Type:    events.SplitBrain,
		At:      s.now(),
		Node:    claimants[0],
		Message: fmt.Sprintf("%d nodes report role primary and none is designated: %v", len(claimants), claimants),
	})
}

func (s *Scheduler) decide(ctx context.Context, snap topology.Snapshot) {
	d := s.Engine.Evaluate(snap, s.now())
	if d.Err != nil {
		klog.V(2).InfoS("No failover", "reason", d.Err)
	}

	for _, stray := range d.Reconcile {
		if err := s.Executor.Reconcile(ctx, stray); err != nil {
			klog.ErrorS(err, "Failed to reconcile stray primary", "node", stray)
			continue
		}
		klog.InfoS("Reconciled stray primary", "node", stray, "primary", snap.Primary)
	}

	if d.Plan != nil {
		plan := *d.Plan
		s.plans.Add(1)
		go func() {
			defer s.plans.Done()
			outcome := s.Executor.Execute(ctx, plan)
			s.Engine.Complete(outcome, s.now())
		}()
	}
}
