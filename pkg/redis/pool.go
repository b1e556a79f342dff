package redis

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
)

// Pool hands out one Client per node address and implements the admin
// operations the executor needs.
type Pool struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Client returns the client for node, creating it on first use.
func (p *Pool) Client(node cluster.NodeSpec) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.clients[node.Addr]
	if !ok {
		c = NewClient(node.Addr, p.opts)
		p.clients[node.Addr] = c
	}
	return c
}

// Forget closes and drops the client for a node that left the topology.
func (p *Pool) Forget(node cluster.NodeSpec) {
	p.mu.Lock()
	c, ok := p.clients[node.Addr]
	delete(p.clients, node.Addr)
	p.mu.Unlock()

	if ok {
		_ = c.Close()
	}
}

// Promote makes node a primary.
func (p *Pool) Promote(ctx context.Context, node cluster.NodeSpec) error {
	return p.Client(node).PromoteToPrimary(ctx)
}

// ReplicateFrom points node at primary.
func (p *Pool) ReplicateFrom(ctx context.Context, node, primary cluster.NodeSpec) error {
	host, port, err := SplitAddr(primary.Addr)
	if err != nil {
		return err
	}
	return p.Client(node).SetReplicaOf(ctx, host, port)
}

// Demote fences node against further writes.
func (p *Pool) Demote(ctx context.Context, node cluster.NodeSpec) error {
	return p.Client(node).PauseWrites(ctx)
}

// Close closes every client.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close client for %s", addr)
		}
		delete(p.clients, addr)
	}
	return firstErr
}

// SplitAddr splits host:port, defaulting the port to 6379.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			return addr, 6379, nil
		}
		return "", 0, errors.Wrapf(err, "invalid address %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid port in address %q", addr)
	}
	return host, port, nil
}
