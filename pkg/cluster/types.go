// Package cluster defines the data model shared by the monitoring engine:
// node identities and roles, probe observations, health states, failover
// plans and their outcomes.
package cluster

import (
	"time"
)

// NodeID identifies a data-store node. Ordering on NodeID is used as the
// deterministic tie-breaker wherever candidates are ranked.
type NodeID string

// Role is the replication role of a node.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	RoleUnknown Role = "unknown"
)

// ParseRole maps the role string reported by INFO replication.
func ParseRole(s string) Role {
	switch s {
	case "master", "primary":
		return RolePrimary
	case "slave", "replica":
		return RoleReplica
	default:
		return RoleUnknown
	}
}

// Epoch is the fencing generation attached to every reconfiguration command.
type Epoch uint64

// NodeSpec is the handle passed into probes and admin commands.
type NodeSpec struct {
	ID   NodeID `json:"id" yaml:"id"`
	Addr string `json:"addr" yaml:"addr"`
}

// Outcome of a single probe.
type Outcome int

const (
	Unreachable Outcome = iota
	Reachable
)

func (o Outcome) String() string {
	if o == Reachable {
		return "reachable"
	}
	return "unreachable"
}

// UnreachableReason classifies why a probe failed.
type UnreachableReason string

const (
	ReasonTimeout  UnreachableReason = "timeout"
	ReasonRefused  UnreachableReason = "refused"
	ReasonProtocol UnreachableReason = "protocol"
	ReasonCanceled UnreachableReason = "canceled"
)

// NodeInfo is the subset of INFO the engine consumes.
type NodeInfo struct {
	Role              Role   `json:"role"`
	Offset            int64  `json:"offset"`
	PrimaryHost       string `json:"primary_host,omitempty"`
	PrimaryPort       int    `json:"primary_port,omitempty"`
	PrimaryLinkUp     bool   `json:"primary_link_up"`
	ConnectedReplicas int    `json:"connected_replicas"`
	ConnectedClients  int    `json:"connected_clients"`
	MemoryUsed        int64  `json:"memory_used"`
	MemoryUsedHuman   string `json:"memory_used_human,omitempty"`
	CommandsProcessed int64  `json:"commands_processed"`
}

// Observation is the immutable result of one probe.
type Observation struct {
	Node    NodeID
	At      time.Time
	Outcome Outcome

	// Set when Outcome is Reachable.
	Latency time.Duration
	Info    NodeInfo

	// Set when Outcome is Unreachable.
	Reason UnreachableReason
	Err    string
}

// ReachableObservation builds a successful observation.
func ReachableObservation(node NodeID, at time.Time, latency time.Duration, info NodeInfo) Observation {
	return Observation{Node: node, At: at, Outcome: Reachable, Latency: latency, Info: info}
}

// UnreachableObservation builds a failed observation.
func UnreachableObservation(node NodeID, at time.Time, reason UnreachableReason, err error) Observation {
	obs := Observation{Node: node, At: at, Outcome: Unreachable, Reason: reason}
	if err != nil {
		obs.Err = err.Error()
	}
	return obs
}

// IsReachable reports whether the probe succeeded.
func (o Observation) IsReachable() bool {
	return o.Outcome == Reachable
}

// HealthState is the per-node derived state.
type HealthState string

const (
	Healthy HealthState = "healthy"
	Suspect HealthState = "suspect"
	Down    HealthState = "down"
)

// HealthTransition is emitted by the aggregator only when a node's state changes.
type HealthTransition struct {
	Node NodeID
	From HealthState
	To   HealthState
	At   time.Time
}

// PlanReason explains why a plan was produced.
type PlanReason string

const (
	ReasonPrimaryDown PlanReason = "primary_down"
	ReasonSplitBrain  PlanReason = "split_brain"
)

// FailoverPlan promotes Candidate in place of Primary at Epoch.
type FailoverPlan struct {
	ID        string
	Primary   NodeID
	Candidate NodeID
	Reason    PlanReason
	Epoch     Epoch
	CreatedAt time.Time
}

// Step names one executor action.
type Step string

const (
	StepDemote      Step = "demote"
	StepPromote     Step = "promote"
	StepCommit      Step = "commit"
	StepReconfigure Step = "reconfigure"
	StepLabel       Step = "label"
)

// StepResult records one executor action against one node.
type StepResult struct {
	Step Step
	Node NodeID
	Err  error
}

// PlanOutcome is what the executor reports back after running a plan.
type PlanOutcome struct {
	Plan FailoverPlan
	// Promoted is true once the candidate accepted promotion and the
	// topology committed the new epoch.
	Promoted bool
	Steps    []StepResult
	Err      error
	Finished time.Time
}

// Succeeded reports whether the plan was fully applied.
func (o PlanOutcome) Succeeded() bool {
	return o.Promoted && o.Err == nil
}
