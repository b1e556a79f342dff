// Package topology holds the believed shape of the cluster: which node is
// primary, which are replicas, and how far each replica lags.
package topology

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
)

// Node is the model's record of one data-store node.
type Node struct {
	ID   cluster.NodeID `json:"id"`
	Addr string         `json:"addr"`
	// Role is the engine's belief; LastKnownRole is what the node last reported.
	Role          cluster.Role `json:"role"`
	LastKnownRole cluster.Role `json:"last_known_role"`

	Offset              int64               `json:"offset"`
	LastSeen            time.Time           `json:"last_seen"`
	LastObserved        time.Time           `json:"last_observed"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Reachable           bool                `json:"reachable"`
	Health              cluster.HealthState `json:"health"`
	PrimaryLinkUp       bool                `json:"primary_link_up"`
	Latency             time.Duration       `json:"latency"`
	Info                cluster.NodeInfo    `json:"info"`
	LastError           string              `json:"last_error,omitempty"`
	// Epoch is the newest fencing epoch this node has accepted a command at.
	Epoch cluster.Epoch `json:"epoch"`

	healthAt time.Time
}

// Spec returns the node handle used by probes and admin commands.
func (n Node) Spec() cluster.NodeSpec {
	return cluster.NodeSpec{ID: n.ID, Addr: n.Addr}
}

// Model is safe for concurrent use; every mutation is atomic with respect to
// a single event.
type Model struct {
	mu      sync.RWMutex
	nodes   map[cluster.NodeID]*Node
	primary cluster.NodeID
	epoch   cluster.Epoch
}

// New creates an empty model seeded with the last committed epoch.
func New(epoch cluster.Epoch) *Model {
	return &Model{
		nodes: make(map[cluster.NodeID]*Node),
		epoch: epoch,
	}
}

// Sync reconciles the node set with specs. The designated primary is never
// removed: a vanished primary must be failed over, not forgotten.
func (m *Model) Sync(specs []cluster.NodeSpec) (added, removed []cluster.NodeSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[cluster.NodeID]bool, len(specs))
	for _, spec := range specs {
		seen[spec.ID] = true
		if n, ok := m.nodes[spec.ID]; ok {
			n.Addr = spec.Addr
			continue
		}
		m.nodes[spec.ID] = &Node{
			ID:            spec.ID,
			Addr:          spec.Addr,
			Role:          cluster.RoleUnknown,
			LastKnownRole: cluster.RoleUnknown,
			Health:        cluster.Healthy,
		}
		added = append(added, spec)
	}

	for id, n := range m.nodes {
		if seen[id] || id == m.primary {
			continue
		}
		removed = append(removed, n.Spec())
		delete(m.nodes, id)
	}

	m.refreshRoles()
	sortSpecs(added)
	sortSpecs(removed)
	return added, removed
}

// Designate sets the primary without a plan. It is used at bootstrap only.
func (m *Model) Designate(id cluster.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return errors.Wrapf(cluster.ErrUnknownNode, "cannot designate %s", id)
	}
	m.primary = id
	m.refreshRoles()
	return nil
}

// Observe applies a probe observation. Observations older than the last one
// recorded for the node are discarded and Observe returns false.
func (m *Model) Observe(obs cluster.Observation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[obs.Node]
	if !ok {
		return false
	}
	if !n.LastObserved.IsZero() && obs.At.Before(n.LastObserved) {
		return false
	}
	n.LastObserved = obs.At

	if !obs.IsReachable() {
		n.Reachable = false
		n.ConsecutiveFailures++
		n.LastError = obs.Err
		return true
	}

	n.Reachable = true
	n.ConsecutiveFailures = 0
	n.LastError = ""
	n.LastSeen = obs.At
	n.Offset = obs.Info.Offset
	n.Latency = obs.Latency
	n.Info = obs.Info
	n.PrimaryLinkUp = obs.Info.PrimaryLinkUp
	n.LastKnownRole = obs.Info.Role
	m.refreshRoles()
	return true
}

// Apply records a health transition for a node.
func (m *Model) Apply(tr cluster.HealthTransition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[tr.Node]
	if !ok {
		return false
	}
	if !n.healthAt.IsZero() && tr.At.Before(n.healthAt) {
		return false
	}
	n.healthAt = tr.At
	n.Health = tr.To
	return true
}

// AcceptCommand is the fencing check every reconfiguration command passes
// through. A command whose epoch is older than either the cluster epoch or
// the node's own epoch is rejected. It never mutates the model; a command
// that took effect is recorded with RecordCommand.
func (m *Model) AcceptCommand(id cluster.NodeID, epoch cluster.Epoch) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return errors.Wrapf(cluster.ErrUnknownNode, "command for %s", id)
	}
	if epoch < m.epoch || epoch < n.Epoch {
		return errors.Wrapf(cluster.ErrStalePlanRejected,
			"node %s: command epoch %d, cluster epoch %d, node epoch %d", id, epoch, m.epoch, n.Epoch)
	}
	return nil
}

// RecordCommand raises the node's epoch to epoch once a command at that
// epoch succeeded. It never lowers it.
func (m *Model) RecordCommand(id cluster.NodeID, epoch cluster.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[id]; ok && n.Epoch < epoch {
		n.Epoch = epoch
	}
}

// Commit makes the plan's candidate the primary at the plan's epoch. A plan
// whose epoch is not newer than the current one is rejected.
func (m *Model) Commit(plan cluster.FailoverPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if plan.Epoch <= m.epoch {
		return errors.Wrapf(cluster.ErrStalePlanRejected, "plan epoch %d, current epoch %d", plan.Epoch, m.epoch)
	}
	candidate, ok := m.nodes[plan.Candidate]
	if !ok {
		return errors.Wrapf(cluster.ErrUnknownNode, "candidate %s", plan.Candidate)
	}

	m.primary = candidate.ID
	m.epoch = plan.Epoch
	if candidate.Epoch < plan.Epoch {
		candidate.Epoch = plan.Epoch
	}
	candidate.LastKnownRole = cluster.RolePrimary
	m.refreshRoles()
	return nil
}

// Adopt installs a failover committed elsewhere: by a previous run of this
// monitor or by another monitor. It is a no-op unless epoch is newer than the
// current one. An unknown primary clears the designation so the next
// observations resolve it.
func (m *Model) Adopt(primary cluster.NodeID, epoch cluster.Epoch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch <= m.epoch {
		return false
	}
	m.epoch = epoch
	if n, ok := m.nodes[primary]; ok {
		m.primary = primary
		if n.Epoch < epoch {
			n.Epoch = epoch
		}
	} else {
		m.primary = ""
	}
	m.refreshRoles()
	return true
}

// Primary returns the designated primary, if any.
func (m *Model) Primary() (cluster.NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary, m.primary != ""
}

// Epoch returns the last committed epoch.
func (m *Model) Epoch() cluster.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Spec returns the handle of a known node.
func (m *Model) Spec(id cluster.NodeID) (cluster.NodeSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return cluster.NodeSpec{}, false
	}
	return n.Spec(), true
}

// ResolvePrimary adopts a primary when none is designated and exactly one
// reachable node reports itself primary. It returns every reachable node that
// reports primary but is not the designated one.
func (m *Model) ResolvePrimary() (adopted cluster.NodeID, conflicting []cluster.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimants []cluster.NodeID
	for id, n := range m.nodes {
		if n.Reachable && n.LastKnownRole == cluster.RolePrimary {
			claimants = append(claimants, id)
		}
	}
	sort.Slice(claimants, func(i, j int) bool { return claimants[i] < claimants[j] })

	if m.primary == "" {
		if len(claimants) == 1 {
			m.primary = claimants[0]
			m.refreshRoles()
			return m.primary, nil
		}
		return "", claimants
	}

	for _, id := range claimants {
		if id != m.primary {
			conflicting = append(conflicting, id)
		}
	}
	return "", conflicting
}

// Snapshot returns a consistent copy of the model.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Primary: m.primary,
		Epoch:   m.epoch,
		Nodes:   make([]Node, 0, len(m.nodes)),
	}
	for _, n := range m.nodes {
		snap.Nodes = append(snap.Nodes, *n)
	}
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	return snap
}

// refreshRoles derives believed roles from the designated primary.
// Callers hold m.mu.
func (m *Model) refreshRoles() {
	for id, n := range m.nodes {
		switch {
		case id == m.primary:
			n.Role = cluster.RolePrimary
		case m.primary != "":
			n.Role = cluster.RoleReplica
		case n.LastKnownRole == cluster.RoleReplica:
			n.Role = cluster.RoleReplica
		default:
			n.Role = cluster.RoleUnknown
		}
	}
}

func sortSpecs(specs []cluster.NodeSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
}
