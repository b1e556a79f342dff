// Package discovery supplies the set of data-store nodes to monitor.
package discovery

import (
	"context"
	"net"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
)

// Source lists the nodes that should currently be monitored.
type Source interface {
	Nodes(ctx context.Context) ([]cluster.NodeSpec, error)
	Name() string
}

// Static is a fixed node list.
type Static struct {
	nodes []cluster.NodeSpec
}

func NewStatic(nodes []cluster.NodeSpec) *Static {
	out := append([]cluster.NodeSpec(nil), nodes...)
	sortSpecs(out)
	return &Static{nodes: out}
}

func (s *Static) Nodes(ctx context.Context) ([]cluster.NodeSpec, error) {
	return append([]cluster.NodeSpec(nil), s.nodes...), nil
}

func (s *Static) Name() string { return "static" }

// ParseNodes parses "id=host:port" or "host:port" entries. Without an id the
// address is the node ID.
func ParseNodes(entries []string) ([]cluster.NodeSpec, error) {
	specs := make([]cluster.NodeSpec, 0, len(entries))
	seen := make(map[cluster.NodeID]bool, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, addr, ok := strings.Cut(entry, "=")
		if !ok {
			addr = id
		}
		if id == "" || addr == "" {
			return nil, errors.Errorf("invalid node %q, expected id=host:port", entry)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, errors.Wrapf(err, "invalid node address %q", addr)
		}

		spec := cluster.NodeSpec{ID: cluster.NodeID(id), Addr: addr}
		if seen[spec.ID] {
			return nil, errors.Errorf("duplicate node id %q", id)
		}
		seen[spec.ID] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func sortSpecs(specs []cluster.NodeSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
}
