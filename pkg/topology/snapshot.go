package topology

import "github.com/sindef/redis-failover/pkg/cluster"

// Snapshot is an immutable view of the topology at one point in time.
type Snapshot struct {
	Nodes   []Node         `json:"nodes"`
	Primary cluster.NodeID `json:"primary,omitempty"`
	Epoch   cluster.Epoch  `json:"epoch"`
}

// Node looks up a node by identity.
func (s Snapshot) Node(id cluster.NodeID) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// PrimaryNode returns the designated primary.
func (s Snapshot) PrimaryNode() (Node, bool) {
	if s.Primary == "" {
		return Node{}, false
	}
	return s.Node(s.Primary)
}

// Replicas returns every node other than the designated primary, ordered by ID.
func (s Snapshot) Replicas() []Node {
	out := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID != s.Primary {
			out = append(out, n)
		}
	}
	return out
}

// ReferenceOffset is the newest replication offset known anywhere in the
// cluster. While the primary is reachable it is normally the primary's.
func (s Snapshot) ReferenceOffset() int64 {
	var ref int64
	for _, n := range s.Nodes {
		if n.Offset > ref {
			ref = n.Offset
		}
	}
	return ref
}

// Lag returns how far a node trails the reference offset.
func (s Snapshot) Lag(n Node) int64 {
	lag := s.ReferenceOffset() - n.Offset
	if lag < 0 {
		return 0
	}
	return lag
}
