// Package health folds probe observations into per-node health states with
// hysteresis: slow to fail, fast to recover.
package health

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
)

// Thresholds control when consecutive failures degrade a node.
type Thresholds struct {
	// SuspectAfter is F: consecutive unreachable observations before Suspect.
	SuspectAfter int
	// DownAfter is D: consecutive unreachable observations before Down.
	DownAfter int
}

// DefaultThresholds returns F=2, D=4.
func DefaultThresholds() Thresholds {
	return Thresholds{SuspectAfter: 2, DownAfter: 4}
}

// Validate checks 1 <= F < D.
func (t Thresholds) Validate() error {
	if t.SuspectAfter < 1 {
		return errors.Errorf("suspect threshold must be at least 1, got %d", t.SuspectAfter)
	}
	if t.DownAfter <= t.SuspectAfter {
		return errors.Errorf("down threshold (%d) must be greater than suspect threshold (%d)", t.DownAfter, t.SuspectAfter)
	}
	return nil
}

// NodeHealth is the aggregator's view of one node.
type NodeHealth struct {
	State                cluster.HealthState
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastObservation      time.Time
	LastReason           cluster.UnreachableReason
}

// Aggregator maintains one NodeHealth per known node.
type Aggregator struct {
	thresholds Thresholds

	mu    sync.RWMutex
	nodes map[cluster.NodeID]*NodeHealth
}

// New creates an aggregator.
func New(thresholds Thresholds) (*Aggregator, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		thresholds: thresholds,
		nodes:      make(map[cluster.NodeID]*NodeHealth),
	}, nil
}

// Update folds one observation into the node's history. It returns a
// transition only when the node's state changes. Observations older than the
// last one applied are ignored.
func (a *Aggregator) Update(obs cluster.Observation) (cluster.HealthTransition, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.nodes[obs.Node]
	if !ok {
		h = &NodeHealth{State: cluster.Healthy}
		a.nodes[obs.Node] = h
	}

	if !h.LastObservation.IsZero() && obs.At.Before(h.LastObservation) {
		return cluster.HealthTransition{}, false
	}
	h.LastObservation = obs.At

	from := h.State
	if obs.IsReachable() {
		h.ConsecutiveFailures = 0
		h.ConsecutiveSuccesses++
		h.LastReason = ""
		h.State = cluster.Healthy
	} else {
		h.ConsecutiveSuccesses = 0
		h.ConsecutiveFailures++
		h.LastReason = obs.Reason
		h.State = a.stateFor(h.ConsecutiveFailures)
	}

	if h.State == from {
		return cluster.HealthTransition{}, false
	}
	return cluster.HealthTransition{Node: obs.Node, From: from, To: h.State, At: obs.At}, true
}

func (a *Aggregator) stateFor(failures int) cluster.HealthState {
	switch {
	case failures >= a.thresholds.DownAfter:
		return cluster.Down
	case failures >= a.thresholds.SuspectAfter:
		return cluster.Suspect
	default:
		return cluster.Healthy
	}
}

// State returns the node's current state. Unknown nodes are reported Healthy
// with ok=false.
func (a *Aggregator) State(id cluster.NodeID) (NodeHealth, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h, ok := a.nodes[id]
	if !ok {
		return NodeHealth{State: cluster.Healthy}, false
	}
	return *h, true
}

// Remove drops a node that left the topology.
func (a *Aggregator) Remove(id cluster.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, id)
}

// Snapshot copies the health of every node.
func (a *Aggregator) Snapshot() map[cluster.NodeID]NodeHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[cluster.NodeID]NodeHealth, len(a.nodes))
	for id, h := range a.nodes {
		out[id] = *h
	}
	return out
}
