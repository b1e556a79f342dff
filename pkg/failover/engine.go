// Package failover decides, from aggregated health and topology, whether the
// primary has failed and which replica replaces it.
//
// Every plan requires sustained local suspicion, quorum confirmation from the
// replicas, a healthy candidate, and a cooldown since the previous plan.
package failover

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/topology"
	"k8s.io/klog/v2"
)

// State of the cluster-wide decision machine.
type State string

const (
	Stable           State = "stable"
	PrimarySuspect   State = "primary_suspect"
	PrimaryDown      State = "primary_down"
	FailoverInFlight State = "failover_in_flight"
	Cooldown         State = "cooldown"
)

// Config holds the tunable safeguards.
type Config struct {
	// Quorum is the number of replicas that must report the primary
	// unreachable. Zero means a strict majority of known replicas.
	Quorum int
	// QuorumWindow bounds how long a Down primary may wait for quorum before
	// an alert is raised. The engine keeps waiting afterwards.
	QuorumWindow time.Duration
	Cooldown     time.Duration
	// MaxCandidateLag excludes replicas trailing by more than this many bytes.
	// Zero disables the limit.
	MaxCandidateLag int64
	// ResolveSplitBrain asks for stray primaries to be reconfigured.
	ResolveSplitBrain bool
}

// DefaultConfig returns majority quorum, a 30s quorum window and 60s cooldown.
func DefaultConfig() Config {
	return Config{
		QuorumWindow:      30 * time.Second,
		Cooldown:          60 * time.Second,
		ResolveSplitBrain: true,
	}
}

// Decision is the result of one evaluation.
type Decision struct {
	// Plan is set when a failover should be executed.
	Plan *cluster.FailoverPlan
	// Reconcile lists stray self-proclaimed primaries to point at the
	// designated primary at the current epoch.
	Reconcile []cluster.NodeID
	// Err is a non-fatal condition: ErrNoPrimary, ErrQuorumNotReached or
	// ErrNoEligibleCandidate.
	Err error
}

// OutcomeReport summarises the last plan outcome.
type OutcomeReport struct {
	PlanID    string         `json:"plan_id"`
	Primary   cluster.NodeID `json:"primary"`
	Candidate cluster.NodeID `json:"candidate"`
	Epoch     cluster.Epoch  `json:"epoch"`
	Promoted  bool           `json:"promoted"`
	Error     string         `json:"error,omitempty"`
	Finished  time.Time      `json:"finished"`
}

// Status is the engine's externally visible state.
type Status struct {
	State         State                 `json:"state"`
	Since         time.Time             `json:"since"`
	InFlight      *cluster.FailoverPlan `json:"in_flight,omitempty"`
	CooldownUntil time.Time             `json:"cooldown_until,omitempty"`
	LastEpoch     cluster.Epoch         `json:"last_epoch"`
	LastOutcome   *OutcomeReport        `json:"last_outcome,omitempty"`
}

// Engine is the decision state machine. Evaluate runs on the scheduler's
// goroutine; Complete may be called from the executor's.
type Engine struct {
	cfg   Config
	sink  events.Sink
	newID func() string

	mu            sync.Mutex
	state         State
	since         time.Time
	downSince     time.Time
	windowAlerted bool
	noCandidate   bool
	inFlight      *cluster.FailoverPlan
	cooldownUntil time.Time
	lastEpoch     cluster.Epoch
	lastOutcome   *OutcomeReport

	watched       cluster.NodeID
	watchedHealth cluster.HealthState
	strays        map[cluster.NodeID]bool
}

// New creates an engine in the Stable state. lastEpoch is the newest epoch
// ever issued, so planned epochs never repeat across restarts.
func New(cfg Config, lastEpoch cluster.Epoch, sink events.Sink) *Engine {
	if sink == nil {
		sink = events.Discard
	}
	return &Engine{
		cfg:       cfg,
		sink:      sink,
		newID:     func() string { return uuid.New().String() },
		state:     Stable,
		lastEpoch: lastEpoch,
		strays:    make(map[cluster.NodeID]bool),
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns a copy of the engine's state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:         e.state,
		Since:         e.since,
		CooldownUntil: e.cooldownUntil,
		LastEpoch:     e.lastEpoch,
	}
	if e.inFlight != nil {
		plan := *e.inFlight
		st.InFlight = &plan
	}
	if e.lastOutcome != nil {
		out := *e.lastOutcome
		st.LastOutcome = &out
	}
	return st
}

// Evaluate advances the state machine over one consistent snapshot.
func (e *Engine) Evaluate(snap topology.Snapshot, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	primary, ok := snap.PrimaryNode()
	if !ok {
		return Decision{Err: cluster.ErrNoPrimary}
	}

	degraded := false
	if primary.ID != e.watched {
		e.watched = primary.ID
	} else {
		degraded = severity(primary.Health) > severity(e.watchedHealth)
	}
	e.watchedHealth = primary.Health

	var d Decision
	// A single evaluation may cascade through several states, e.g. a
	// cooldown ending while the primary is already suspect.
	for step := 0; step < 4; step++ {
		if !e.step(snap, primary, degraded, now, &d) {
			break
		}
		degraded = false
	}
	return d
}

// step runs one state's rules. It returns true when it transitioned and the
// new state should be evaluated against the same snapshot.
func (e *Engine) step(snap topology.Snapshot, primary topology.Node, degraded bool, now time.Time, d *Decision) bool {
	switch e.state {
	case Stable:
		if primary.Health == cluster.Healthy {
			d.Reconcile = e.checkSplitBrain(snap, now)
			return false
		}
		e.transition(PrimarySuspect, now, fmt.Sprintf("primary %s is %s", primary.ID, primary.Health))
		return true

	case PrimarySuspect:
		if primary.Health == cluster.Healthy {
			e.transition(Stable, now, fmt.Sprintf("primary %s recovered", primary.ID))
			return true
		}
		if primary.Health != cluster.Down {
			return false
		}

		reports, known := quorumReports(snap)
		needed := e.quorumNeeded(known)
		if known == 0 || reports < needed {
			e.waitForQuorum(primary.ID, reports, needed, now)
			d.Err = errors.Wrapf(cluster.ErrQuorumNotReached, "%d of %d replicas report primary %s unreachable, need %d",
				reports, known, primary.ID, needed)
			return false
		}
		e.transition(PrimaryDown, now, fmt.Sprintf("%d of %d replicas confirm primary %s unreachable", reports, known, primary.ID))
		return true

	case PrimaryDown:
		if primary.Health == cluster.Healthy {
			e.transition(Stable, now, fmt.Sprintf("primary %s recovered before failover", primary.ID))
			return true
		}
		if primary.Health != cluster.Down {
			return false
		}

		candidate, ok := SelectCandidate(snap, e.cfg.MaxCandidateLag)
		if !ok {
			if !e.noCandidate {
				e.noCandidate = true
				e.sink.Emit(events.Event{
					Type:    events.NoEligibleCandidate,
					At:      now,
					Node:    primary.ID,
					Message: "primary is down and no healthy replica can be promoted; manual intervention required",
				})
			}
			d.Err = errors.Wrapf(cluster.ErrNoEligibleCandidate, "primary %s", primary.ID)
			return false
		}

		epoch := snap.Epoch
		if e.lastEpoch > epoch {
			epoch = e.lastEpoch
		}
		epoch++

		plan := cluster.FailoverPlan{
			ID:        e.newID(),
			Primary:   primary.ID,
			Candidate: candidate.ID,
			Reason:    cluster.ReasonPrimaryDown,
			Epoch:     epoch,
			CreatedAt: now,
		}
		e.lastEpoch = epoch
		e.inFlight = &plan
		e.transition(FailoverInFlight, now, fmt.Sprintf("promoting %s (lag %d) at epoch %d", candidate.ID, snap.Lag(candidate), epoch))
		e.sink.Emit(events.Event{
			Type:   events.PlanCreated,
			At:     now,
			Node:   candidate.ID,
			From:   string(primary.ID),
			To:     string(candidate.ID),
			Epoch:  epoch,
			PlanID: plan.ID,
		})
		d.Plan = &plan
		return false

	case FailoverInFlight:
		return false

	case Cooldown:
		if degraded {
			e.cooldownUntil = now.Add(e.cfg.Cooldown)
			klog.V(2).InfoS("Primary degraded during cooldown, restarting cooldown",
				"primary", primary.ID, "health", primary.Health, "until", e.cooldownUntil)
		}
		if now.Before(e.cooldownUntil) {
			return false
		}
		e.transition(Stable, now, "cooldown elapsed")
		return true
	}

	return false
}

// Complete reports the executor's outcome for the in-flight plan. Outcomes
// for any other plan are ignored.
func (e *Engine) Complete(outcome cluster.PlanOutcome, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inFlight == nil || e.inFlight.ID != outcome.Plan.ID {
		klog.InfoS("Ignoring outcome for plan that is not in flight", "plan", outcome.Plan.ID)
		return
	}

	report := &OutcomeReport{
		PlanID:    outcome.Plan.ID,
		Primary:   outcome.Plan.Primary,
		Candidate: outcome.Plan.Candidate,
		Epoch:     outcome.Plan.Epoch,
		Promoted:  outcome.Promoted,
		Finished:  now,
	}
	if outcome.Err != nil {
		report.Error = outcome.Err.Error()
	}
	e.lastOutcome = report
	e.inFlight = nil
	e.cooldownUntil = now.Add(e.cfg.Cooldown)

	e.sink.Emit(events.Event{
		Type:   events.PlanCompleted,
		At:     now,
		Node:   outcome.Plan.Candidate,
		Epoch:  outcome.Plan.Epoch,
		PlanID: outcome.Plan.ID,
		Err:    report.Error,
	})

	reason := "failover succeeded"
	if !outcome.Succeeded() {
		reason = "failover failed"
	}
	e.transition(Cooldown, now, reason)
}

func (e *Engine) transition(to State, now time.Time, reason string) {
	from := e.state
	e.state = to
	e.since = now

	switch to {
	case PrimarySuspect:
		e.downSince = time.Time{}
		e.windowAlerted = false
	case PrimaryDown:
		e.noCandidate = false
	case Stable:
		e.noCandidate = false
		e.windowAlerted = false
	}

	e.sink.Emit(events.Event{
		Type:    events.EngineTransition,
		At:      now,
		Node:    e.watched,
		From:    string(from),
		To:      string(to),
		Message: reason,
	})
}

func (e *Engine) waitForQuorum(primary cluster.NodeID, reports, needed int, now time.Time) {
	if e.downSince.IsZero() {
		e.downSince = now
		e.sink.Emit(events.Event{
			Type:    events.QuorumNotReached,
			At:      now,
			Node:    primary,
			Message: fmt.Sprintf("%d replica reports, %d needed", reports, needed),
		})
	}
	if e.cfg.QuorumWindow > 0 && !e.windowAlerted && now.Sub(e.downSince) >= e.cfg.QuorumWindow {
		e.windowAlerted = true
		e.sink.Emit(events.Event{
			Type:    events.QuorumWindowExpired,
			At:      now,
			Node:    primary,
			Message: fmt.Sprintf("primary down for %s without replica quorum; possible monitor partition", now.Sub(e.downSince)),
		})
	}
}

func (e *Engine) quorumNeeded(known int) int {
	if e.cfg.Quorum > 0 {
		return e.cfg.Quorum
	}
	return known/2 + 1
}

// checkSplitBrain returns reachable nodes other than the designated primary
// that report themselves primary.
func (e *Engine) checkSplitBrain(snap topology.Snapshot, now time.Time) []cluster.NodeID {
	current := make(map[cluster.NodeID]bool)
	var strays []cluster.NodeID
	for _, n := range snap.Replicas() {
		if !n.Reachable || n.LastKnownRole != cluster.RolePrimary {
			continue
		}
		current[n.ID] = true
		strays = append(strays, n.ID)
		if !e.strays[n.ID] {
			e.sink.Emit(events.Event{
				Type:    events.SplitBrain,
				At:      now,
				Node:    n.ID,
				To:      string(snap.Primary),
				Epoch:   snap.Epoch,
				Message: fmt.Sprintf("%s reports role primary while %s is the designated primary", n.ID, snap.Primary),
			})
		}
	}
	e.strays = current

	if !e.cfg.ResolveSplitBrain {
		return nil
	}
	return strays
}

// quorumReports counts replicas whose successful probe this tick says their
// link to the primary is down.
func quorumReports(snap topology.Snapshot) (reports, known int) {
	for _, r := range snap.Replicas() {
		known++
		if r.Reachable && r.LastKnownRole == cluster.RoleReplica && !r.PrimaryLinkUp {
			reports++
		}
	}
	return reports, known
}

// SelectCandidate picks the Healthy replica reachable this tick with the
// smallest lag, breaking ties by lowest node identity.
func SelectCandidate(snap topology.Snapshot, maxLag int64) (topology.Node, bool) {
	var eligible []topology.Node
	for _, r := range snap.Replicas() {
		// A failed probe below the suspect threshold leaves the replica
		// Healthy with a stale offset.
		if r.Health != cluster.Healthy || !r.Reachable {
			continue
		}
		if maxLag > 0 && snap.Lag(r) > maxLag {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return topology.Node{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		li, lj := snap.Lag(eligible[i]), snap.Lag(eligible[j])
		if li == lj {
			return eligible[i].ID < eligible[j].ID
		}
		return li < lj
	})
	return eligible[0], true
}

func severity(h cluster.HealthState) int {
	switch h {
	case cluster.Suspect:
		return 1
	case cluster.Down:
		return 2
	default:
		return 0
	}
}
