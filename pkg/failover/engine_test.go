package failover

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func primaryNode(health cluster.HealthState, offset int64) topology.Node {
	return topology.Node{
		ID:            "p",
		Role:          cluster.RolePrimary,
		LastKnownRole: cluster.RolePrimary,
		Health:        health,
		Reachable:     health == cluster.Healthy,
		Offset:        offset,
	}
}

// replica returns a reachable replica. linkDown marks an independent report
// that the primary is unreachable.
func replica(id cluster.NodeID, offset int64, linkDown bool) topology.Node {
	return topology.Node{
		ID:            id,
		Role:          cluster.RoleReplica,
		LastKnownRole: cluster.RoleReplica,
		Health:        cluster.Healthy,
		Reachable:     true,
		PrimaryLinkUp: !linkDown,
		Offset:        offset,
	}
}

func unreachableReplica(id cluster.NodeID, offset int64, health cluster.HealthState) topology.Node {
	n := replica(id, offset, false)
	n.Reachable = false
	n.Health = health
	return n
}

func snapshot(epoch cluster.Epoch, nodes ...topology.Node) topology.Snapshot {
	return topology.Snapshot{Primary: "p", Epoch: epoch, Nodes: nodes}
}

func newEngine(cfg Config) (*Engine, *recorder) {
	rec := &recorder{}
	e := New(cfg, 0, rec)
	seq := 0
	e.newID = func() string {
		seq++
		return "plan-" + string(rune('0'+seq))
	}
	return e, rec
}

func downWithQuorum(epoch cluster.Epoch) topology.Snapshot {
	return snapshot(epoch,
		primaryNode(cluster.Down, 100),
		replica("r1", 95, true),
		replica("r2", 98, true),
		replica("r3", 90, true),
	)
}

func TestStableToSuspectTakesNoAction(t *testing.T) {
	e, rec := newEngine(DefaultConfig())

	d := e.Evaluate(snapshot(0, primaryNode(cluster.Suspect, 100), replica("r1", 100, true)), t0)

	assert.Nil(t, d.Plan)
	assert.Equal(t, PrimarySuspect, e.State())
	assert.Equal(t, 1, rec.count(events.EngineTransition))
}

func TestSuspectRevertsOnRecovery(t *testing.T) {
	e, _ := newEngine(DefaultConfig())
	e.Evaluate(snapshot(0, primaryNode(cluster.Suspect, 100), replica("r1", 100, false)), t0)

	d := e.Evaluate(snapshot(0, primaryNode(cluster.Healthy, 100), replica("r1", 100, false)), t0.Add(10*time.Second))

	assert.Nil(t, d.Plan)
	assert.Equal(t, Stable, e.State())
}

func TestQuorumRequiredBeforePrimaryDown(t *testing.T) {
	e, rec := newEngine(DefaultConfig())
	e.Evaluate(snapshot(0, primaryNode(cluster.Suspect, 100), replica("r1", 99, true), replica("r2", 99, false), replica("r3", 99, false)), t0)

	// Primary Down but only one of three replicas reports it unreachable.
	d := e.Evaluate(snapshot(0,
		primaryNode(cluster.Down, 100),
		replica("r1", 99, true),
		replica("r2", 99, false),
		replica("r3", 99, false),
	), t0.Add(20*time.Second))

	assert.Nil(t, d.Plan)
	assert.True(t, errors.Is(d.Err, cluster.ErrQuorumNotReached))
	assert.Equal(t, PrimarySuspect, e.State())
	assert.Equal(t, 1, rec.count(events.QuorumNotReached))

	// Unreachable replicas are not independent observers.
	d = e.Evaluate(snapshot(0,
		primaryNode(cluster.Down, 100),
		replica("r1", 99, true),
		unreachableReplica("r2", 99, cluster.Suspect),
		replica("r3", 99, false),
	), t0.Add(30*time.Second))
	assert.Nil(t, d.Plan)
	assert.Equal(t, PrimarySuspect, e.State())

	// Two of three is a majority.
	d = e.Evaluate(snapshot(0,
		primaryNode(cluster.Down, 100),
		replica("r1", 99, true),
		replica("r2", 98, true),
		replica("r3", 99, false),
	), t0.Add(40*time.Second))
	require.NotNil(t, d.Plan)
	assert.Equal(t, FailoverInFlight, e.State())
	assert.Equal(t, cluster.NodeID("r1"), d.Plan.Candidate)
}

func TestCandidateIsLowestLagHealthyReplica(t *testing.T) {
	e, _ := newEngine(DefaultConfig())

	snap := snapshot(0,
		primaryNode(cluster.Down, 100),
		replica("r1", 95, true),
		replica("r2", 98, true),
		unreachableReplica("r3", 100, cluster.Suspect),
	)
	d := e.Evaluate(snap, t0)

	require.NotNil(t, d.Plan)
	assert.Equal(t, cluster.NodeID("r2"), d.Plan.Candidate)
	assert.Equal(t, cluster.NodeID("p"), d.Plan.Primary)
	assert.Equal(t, cluster.Epoch(1), d.Plan.Epoch)
	assert.Equal(t, cluster.ReasonPrimaryDown, d.Plan.Reason)
}

func TestSelectCandidateTieBreak(t *testing.T) {
	snap := snapshot(0,
		primaryNode(cluster.Down, 100),
		replica("r3", 100, true),
		replica("r1", 100, true),
		replica("r2", 97, true),
	)

	n, ok := SelectCandidate(snap, 0)
	require.True(t, ok)
	assert.Equal(t, cluster.NodeID("r1"), n.ID)
}

func TestSelectCandidateSkipsReplicaUnreachableThisTick(t *testing.T) {
	snap := snapshot(0,
		primaryNode(cluster.Down, 100),
		unreachableReplica("r1", 100, cluster.Healthy),
		replica("r2", 90, true),
		replica("r3", 90, true),
	)

	n, ok := SelectCandidate(snap, 0)
	require.True(t, ok)
	assert.Equal(t, cluster.NodeID("r2"), n.ID)

	_, ok = SelectCandidate(snapshot(0, primaryNode(cluster.Down, 100), unreachableReplica("r1", 100, cluster.Healthy)), 0)
	assert.False(t, ok)
}

func TestSelectCandidateMaxLag(t *testing.T) {
	snap := snapshot(0, primaryNode(cluster.Down, 100), replica("r1", 10, true), replica("r2", 40, true))

	_, ok := SelectCandidate(snap, 50)
	assert.False(t, ok)

	n, ok := SelectCandidate(snap, 60)
	require.True(t, ok)
	assert.Equal(t, cluster.NodeID("r2"), n.ID)
}

func TestNoEligibleCandidateStaysInPrimaryDown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidateLag = 5
	e, rec := newEngine(cfg)

	snap := snapshot(0, primaryNode(cluster.Down, 100), replica("r1", 10, true), replica("r2", 20, true))
	d := e.Evaluate(snap, t0)
	assert.Nil(t, d.Plan)
	assert.True(t, errors.Is(d.Err, cluster.ErrNoEligibleCandidate))
	assert.Equal(t, PrimaryDown, e.State())

	d = e.Evaluate(snap, t0.Add(10*time.Second))
	assert.Nil(t, d.Plan)
	assert.Equal(t, PrimaryDown, e.State())
	assert.Equal(t, 1, rec.count(events.NoEligibleCandidate), "alert is raised once per episode")
}

func TestPrimaryDownRevertsWhenPrimaryRecovers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCandidateLag = 1
	e, _ := newEngine(cfg)
	e.Evaluate(snapshot(0, primaryNode(cluster.Down, 100), replica("r1", 10, true)), t0)
	require.Equal(t, PrimaryDown, e.State())

	e.Evaluate(snapshot(0, primaryNode(cluster.Healthy, 100), replica("r1", 100, false)), t0.Add(time.Second))
	assert.Equal(t, Stable, e.State())
}

func TestEpochAdvancesPastSeedAndSnapshot(t *testing.T) {
	e := New(DefaultConfig(), 7, nil)

	d := e.Evaluate(downWithQuorum(3), t0)
	require.NotNil(t, d.Plan)
	assert.Equal(t, cluster.Epoch(8), d.Plan.Epoch)
	assert.NotEmpty(t, d.Plan.ID)

	e2 := New(DefaultConfig(), 0, nil)
	d = e2.Evaluate(downWithQuorum(12), t0)
	require.NotNil(t, d.Plan)
	assert.Equal(t, cluster.Epoch(13), d.Plan.Epoch)
}

func TestCompleteEntersCooldown(t *testing.T) {
	e, rec := newEngine(DefaultConfig())
	d := e.Evaluate(downWithQuorum(0), t0)
	require.NotNil(t, d.Plan)

	// No second plan while one is in flight.
	again := e.Evaluate(downWithQuorum(0), t0.Add(time.Second))
	assert.Nil(t, again.Plan)

	e.Complete(cluster.PlanOutcome{Plan: *d.Plan, Err: cluster.ErrExecutorStepFailed}, t0.Add(2*time.Second))
	assert.Equal(t, Cooldown, e.State())

	st := e.Status()
	require.NotNil(t, st.LastOutcome)
	assert.False(t, st.LastOutcome.Promoted)
	assert.Nil(t, st.InFlight)
	assert.Equal(t, t0.Add(62*time.Second), st.CooldownUntil)
	assert.Equal(t, 1, rec.count(events.PlanCompleted))
}

func TestCompleteIgnoresUnknownPlan(t *testing.T) {
	e, _ := newEngine(DefaultConfig())
	d := e.Evaluate(downWithQuorum(0), t0)
	require.NotNil(t, d.Plan)

	e.Complete(cluster.PlanOutcome{Plan: cluster.FailoverPlan{ID: "other"}}, t0)
	assert.Equal(t, FailoverInFlight, e.State())
}

func TestNoSecondFailoverWithinCooldown(t *testing.T) {
	e, _ := newEngine(DefaultConfig())

	d := e.Evaluate(downWithQuorum(0), t0)
	require.NotNil(t, d.Plan)
	// The plan failed: the same primary is still down.
	e.Complete(cluster.PlanOutcome{Plan: *d.Plan, Err: cluster.ErrExecutorStepFailed}, t0)

	plans := 0
	for s := 10; s < 60; s += 10 {
		// Health flaps during cooldown.
		health := cluster.Down
		if s%20 == 0 {
			health = cluster.Healthy
		}
		snap := downWithQuorum(0)
		snap.Nodes[0] = primaryNode(health, 100)
		if dd := e.Evaluate(snap, t0.Add(time.Duration(s)*time.Second)); dd.Plan != nil {
			plans++
		}
	}
	assert.Zero(t, plans)
	assert.Equal(t, Cooldown, e.State())
}

func TestCooldownElapsesToStableThenRetries(t *testing.T) {
	e, _ := newEngine(DefaultConfig())

	d := e.Evaluate(downWithQuorum(0), t0)
	require.NotNil(t, d.Plan)
	e.Complete(cluster.PlanOutcome{Plan: *d.Plan, Err: cluster.ErrExecutorStepFailed}, t0)

	assert.Nil(t, e.Evaluate(downWithQuorum(0), t0.Add(59*time.Second)).Plan)

	retry := e.Evaluate(downWithQuorum(0), t0.Add(61*time.Second))
	require.NotNil(t, retry.Plan)
	assert.Equal(t, cluster.Epoch(2), retry.Plan.Epoch)
}

func TestCooldownRestartsOnDegradation(t *testing.T) {
	e, _ := newEngine(DefaultConfig())
	d := e.Evaluate(downWithQuorum(0), t0)
	require.NotNil(t, d.Plan)

	// r2 was promoted; the new topology has it as primary.
	promoted := func(health cluster.HealthState) topology.Snapshot {
		p := replica("r2", 100, false)
		p.Role = cluster.RolePrimary
		p.LastKnownRole = cluster.RolePrimary
		p.Health = health
		return topology.Snapshot{Primary: "r2", Epoch: 1, Nodes: []topology.Node{
			p, replica("r1", 100, false), replica("r3", 100, false),
		}}
	}

	e.Complete(cluster.PlanOutcome{Plan: *d.Plan, Promoted: true}, t0)
	e.Evaluate(promoted(cluster.Healthy), t0.Add(10*time.Second))
	e.Evaluate(promoted(cluster.Suspect), t0.Add(50*time.Second))

	e.Evaluate(promoted(cluster.Healthy), t0.Add(70*time.Second))
	assert.Equal(t, Cooldown, e.State(), "degradation at 50s restarts the cooldown")

	e.Evaluate(promoted(cluster.Healthy), t0.Add(111*time.Second))
	assert.Equal(t, Stable, e.State())
}

func TestNoPlanUnlessPrimaryDown(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	healths := []cluster.HealthState{cluster.Healthy, cluster.Suspect, cluster.Down}

	for run := 0; run < 100; run++ {
		e, _ := newEngine(Config{Cooldown: 30 * time.Second, QuorumWindow: 10 * time.Second})
		now := t0
		for tick := 0; tick < 60; tick++ {
			now = now.Add(10 * time.Second)

			nodes := []topology.Node{primaryNode(healths[rng.Intn(3)], 100)}
			for _, id := range []cluster.NodeID{"r1", "r2", "r3"} {
				if rng.Intn(4) == 0 {
					nodes = append(nodes, unreachableReplica(id, int64(rng.Intn(100)), healths[1+rng.Intn(2)]))
				} else {
					nodes = append(nodes, replica(id, int64(rng.Intn(100)), rng.Intn(2) == 0))
				}
			}
			snap := snapshot(0, nodes...)

			d := e.Evaluate(snap, now)
			if d.Plan == nil {
				continue
			}

			p, _ := snap.PrimaryNode()
			require.Equal(t, cluster.Down, p.Health, "run %d tick %d", run, tick)

			cand, ok := snap.Node(d.Plan.Candidate)
			require.True(t, ok)
			require.Equal(t, cluster.Healthy, cand.Health, "run %d tick %d", run, tick)

			e.Complete(cluster.PlanOutcome{Plan: *d.Plan}, now)
		}
	}
}

func TestQuorumWindowAlert(t *testing.T) {
	e, rec := newEngine(DefaultConfig())
	lonely := snapshot(0, primaryNode(cluster.Down, 100), replica("r1", 100, true), replica("r2", 100, false), replica("r3", 100, false))

	e.Evaluate(lonely, t0)
	e.Evaluate(lonely, t0.Add(20*time.Second))
	assert.Equal(t, 0, rec.count(events.QuorumWindowExpired))

	e.Evaluate(lonely, t0.Add(31*time.Second))
	e.Evaluate(lonely, t0.Add(41*time.Second))
	assert.Equal(t, 1, rec.count(events.QuorumWindowExpired))
	assert.Equal(t, PrimarySuspect, e.State())
}

func TestExplicitQuorum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quorum = 1
	e, _ := newEngine(cfg)

	d := e.Evaluate(snapshot(0, primaryNode(cluster.Down, 100), replica("r1", 100, true), replica("r2", 100, false), replica("r3", 100, false)), t0)
	require.NotNil(t, d.Plan)
}

func TestSplitBrainReconcile(t *testing.T) {
	e, rec := newEngine(DefaultConfig())

	stray := replica("r1", 80, false)
	stray.LastKnownRole = cluster.RolePrimary
	snap := snapshot(4, primaryNode(cluster.Healthy, 100), stray, replica("r2", 100, false))

	d := e.Evaluate(snap, t0)
	assert.Equal(t, []cluster.NodeID{"r1"}, d.Reconcile)
	assert.Equal(t, Stable, e.State())

	d = e.Evaluate(snap, t0.Add(10*time.Second))
	assert.Equal(t, []cluster.NodeID{"r1"}, d.Reconcile)
	assert.Equal(t, 1, rec.count(events.SplitBrain), "split brain is reported once while it persists")

	cfg := DefaultConfig()
	cfg.ResolveSplitBrain = false
	e2, rec2 := newEngine(cfg)
	d = e2.Evaluate(snap, t0)
	assert.Empty(t, d.Reconcile)
	assert.Equal(t, 1, rec2.count(events.SplitBrain))
}

func TestNoPrimary(t *testing.T) {
	e, _ := newEngine(DefaultConfig())
	d := e.Evaluate(topology.Snapshot{Nodes: []topology.Node{replica("r1", 0, false)}}, t0)
	assert.True(t, errors.Is(d.Err, cluster.ErrNoPrimary))
	assert.Equal(t, Stable, e.State())
}
