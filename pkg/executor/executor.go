// Package executor applies failover plans: fence the old primary, promote the
// candidate, and point the remaining replicas at it. Every command carries the
// plan's epoch and passes the topology's fencing check first.
package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/fencing"
	"github.com/sindef/redis-failover/pkg/topology"
	"k8s.io/klog/v2"
)

// Admin is the store's administration interface.
type Admin interface {
	Promote(ctx context.Context, node cluster.NodeSpec) error
	ReplicateFrom(ctx context.Context, node, primary cluster.NodeSpec) error
	Demote(ctx context.Context, node cluster.NodeSpec) error
}

// RoleLabeler advertises the primary to service discovery.
type RoleLabeler interface {
	MarkPrimary(ctx context.Context, id cluster.NodeID) error
	ClearPrimary(ctx context.Context, id cluster.NodeID) error
}

// Executor runs plans one at a time per caller. It holds no lock across a
// plan; concurrent stale plans are rejected by the epoch check.
type Executor struct {
	admin          Admin
	topo           *topology.Model
	epochs         fencing.Store
	labeler        RoleLabeler
	sink           events.Sink
	commandTimeout time.Duration
	now            func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLabeler sets the role labeler.
func WithLabeler(l RoleLabeler) Option {
	return func(x *Executor) { x.labeler = l }
}

// WithEvents sets the event sink.
func WithEvents(sink events.Sink) Option {
	return func(x *Executor) { x.sink = sink }
}

// WithCommandTimeout bounds every admin command.
func WithCommandTimeout(d time.Duration) Option {
	return func(x *Executor) { x.commandTimeout = d }
}

// New creates an executor.
func New(admin Admin, topo *topology.Model, epochs fencing.Store, opts ...Option) *Executor {
	x := &Executor{
		admin:          admin,
		topo:           topo,
		epochs:         epochs,
		sink:           events.Discard,
		commandTimeout: 5 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute applies plan and reports the outcome. It never panics or exits;
// every failure is described in the returned outcome.
func (x *Executor) Execute(ctx context.Context, plan cluster.FailoverPlan) cluster.PlanOutcome {
	out := cluster.PlanOutcome{Plan: plan}
	finish := func() cluster.PlanOutcome {
		out.Finished = x.now()
		return out
	}

	if current := x.topo.Epoch(); plan.Epoch <= current {
		out.Err = errors.Wrapf(cluster.ErrStalePlanRejected, "plan epoch %d, current epoch %d", plan.Epoch, current)
		x.rejectStale(plan, out.Err)
		return finish()
	}

	snap := x.topo.Snapshot()
	candidate, ok := snap.Node(plan.Candidate)
	if !ok {
		out.Err = errors.Wrapf(cluster.ErrExecutorStepFailed, "candidate %s is not in the topology", plan.Candidate)
		return finish()
	}

	klog.InfoS("Executing failover plan",
		"plan", plan.ID,
		"primary", plan.Primary,
		"candidate", plan.Candidate,
		"epoch", plan.Epoch)

	// Commands before the commit are tentative: a node only takes the plan's
	// epoch once the plan commits, so a plan that fails midway never fences
	// the current epoch out of a node.
	var fenced []cluster.NodeID

	// 1. Fence the old primary. It is probably down; failure does not block.
	old, oldKnown := snap.Node(plan.Primary)
	if oldKnown {
		err := x.run(ctx, old.ID, plan.Epoch, func(c context.Context) error {
			return x.admin.Demote(c, old.Spec())
		})
		out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepDemote, Node: old.ID, Err: err})
		if errors.Is(err, cluster.ErrStalePlanRejected) {
			out.Err = err
			x.rejectStale(plan, err)
			return finish()
		}
		if err != nil {
			klog.InfoS("Could not fence old primary, continuing", "node", old.ID, "error", err)
		} else {
			fenced = append(fenced, old.ID)
		}
	}

	// 2. Promote the candidate.
	err := x.run(ctx, candidate.ID, plan.Epoch, func(c context.Context) error {
		return x.admin.Promote(c, candidate.Spec())
	})
	out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepPromote, Node: candidate.ID, Err: err})
	if err != nil {
		if errors.Is(err, cluster.ErrStalePlanRejected) {
			out.Err = err
			x.rejectStale(plan, err)
			return finish()
		}
		out.Err = errors.Wrapf(cluster.ErrExecutorStepFailed, "promote %s: %v", candidate.ID, err)
		klog.ErrorS(err, "Failed to promote candidate", "plan", plan.ID, "candidate", candidate.ID)
		return finish()
	}

	if err := x.topo.Commit(plan); err != nil {
		out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepCommit, Node: candidate.ID, Err: err})
		out.Err = err
		if errors.Is(err, cluster.ErrStalePlanRejected) {
			x.rejectStale(plan, err)
		}
		return finish()
	}
	out.Promoted = true
	out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepCommit, Node: candidate.ID})
	for _, id := range fenced {
		x.topo.RecordCommand(id, plan.Epoch)
	}

	if err := x.epochs.Store(fencing.Record{Epoch: plan.Epoch, Primary: candidate.ID}); err != nil {
		klog.ErrorS(err, "Failed to persist epoch", "epoch", plan.Epoch)
		out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepCommit, Node: candidate.ID, Err: err})
	}

	// 3. Reconfigure every other node. The old primary is best-effort.
	failed := 0
	attempted := 0
	for _, n := range snap.Nodes {
		if n.ID == candidate.ID {
			continue
		}
		isOld := n.ID == plan.Primary
		if !isOld && n.Health != cluster.Healthy {
			continue
		}

		node := n
		err := x.command(ctx, node.ID, plan.Epoch, func(c context.Context) error {
			return x.admin.ReplicateFrom(c, node.Spec(), candidate.Spec())
		})
		out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepReconfigure, Node: node.ID, Err: err})
		if isOld {
			continue
		}
		attempted++
		if err != nil {
			failed++
			klog.ErrorS(err, "Failed to reconfigure replica", "node", node.ID, "primary", candidate.ID)
		}
	}

	x.label(ctx, plan, &out)

	if failed > 0 {
		out.Err = errors.Wrapf(cluster.ErrExecutorStepFailed, "%d of %d replicas not reconfigured", failed, attempted)
	}

	klog.InfoS("Failover plan finished",
		"plan", plan.ID,
		"primary", candidate.ID,
		"epoch", plan.Epoch,
		"reconfigured", attempted-failed,
		"failed", failed)
	return finish()
}

// Reconcile points a stray self-proclaimed primary at the designated primary
// using the current epoch.
func (x *Executor) Reconcile(ctx context.Context, stray cluster.NodeID) error {
	snap := x.topo.Snapshot()
	primary, ok := snap.PrimaryNode()
	if !ok {
		return cluster.ErrNoPrimary
	}
	node, ok := snap.Node(stray)
	if !ok {
		return errors.Wrapf(cluster.ErrUnknownNode, "stray %s", stray)
	}

	err := x.command(ctx, node.ID, snap.Epoch, func(c context.Context) error {
		return x.admin.ReplicateFrom(c, node.Spec(), primary.Spec())
	})
	if err != nil {
		return errors.Wrapf(err, "failed to reconcile %s", stray)
	}

	x.sink.Emit(events.Event{
		Type:  events.SplitBrainResolved,
		At:    x.now(),
		Node:  stray,
		To:    string(primary.ID),
		Epoch: snap.Epoch,
	})
	return nil
}

// command runs fn behind the fencing check and records the epoch on the node
// when it succeeds.
func (x *Executor) command(ctx context.Context, id cluster.NodeID, epoch cluster.Epoch, fn func(context.Context) error) error {
	if err := x.run(ctx, id, epoch, fn); err != nil {
		return err
	}
	x.topo.RecordCommand(id, epoch)
	return nil
}

// run is command without recording the epoch.
func (x *Executor) run(ctx context.Context, id cluster.NodeID, epoch cluster.Epoch, fn func(context.Context) error) error {
	if err := x.topo.AcceptCommand(id, epoch); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, x.commandTimeout)
	defer cancel()
	return fn(cctx)
}

func (x *Executor) label(ctx context.Context, plan cluster.FailoverPlan, out *cluster.PlanOutcome) {
	if x.labeler == nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, x.commandTimeout)
	defer cancel()

	if plan.Primary != "" {
		if err := x.labeler.ClearPrimary(cctx, plan.Primary); err != nil {
			klog.ErrorS(err, "Failed to remove primary label", "node", plan.Primary)
			out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepLabel, Node: plan.Primary, Err: err})
		}
	}
	err := x.labeler.MarkPrimary(cctx, plan.Candidate)
	if err != nil {
		klog.ErrorS(err, "Failed to set primary label", "node", plan.Candidate)
	}
	out.Steps = append(out.Steps, cluster.StepResult{Step: cluster.StepLabel, Node: plan.Candidate, Err: err})
}

func (x *Executor) rejectStale(plan cluster.FailoverPlan, err error) {
	klog.InfoS("Rejected stale plan", "plan", plan.ID, "epoch", plan.Epoch, "reason", err)
	x.sink.Emit(events.Event{
		Type:   events.StalePlanRejected,
		At:     x.now(),
		Node:   plan.Candidate,
		Epoch:  plan.Epoch,
		PlanID: plan.ID,
		Err:    err.Error(),
	})
}
