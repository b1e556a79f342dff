// Package probe performs single bounded-time health checks against one node.
package probe

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sindef/redis-failover/pkg/cluster"
)

// Store is the narrow read interface a node exposes to the probe.
type Store interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context) (*cluster.NodeInfo, error)
}

// Connector returns the store handle for a node.
type Connector func(node cluster.NodeSpec) Store

// Prober runs one ping and one info round trip per call, without retries.
type Prober struct {
	connect Connector
	timeout time.Duration
	now     func() time.Time
}

// New creates a prober whose calls are bounded by timeout.
func New(connect Connector, timeout time.Duration) *Prober {
	return &Prober{
		connect: connect,
		timeout: timeout,
		now:     time.Now,
	}
}

// Probe checks node and never returns an error: every failure becomes an
// Unreachable observation.
func (p *Prober) Probe(ctx context.Context, node cluster.NodeSpec) cluster.Observation {
	at := p.now()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	store := p.connect(node)

	start := time.Now()
	if err := store.Ping(ctx); err != nil {
		return unreachable(ctx, node.ID, at, err)
	}
	latency := time.Since(start)

	info, err := store.Info(ctx)
	if err != nil {
		return unreachable(ctx, node.ID, at, err)
	}

	return cluster.ReachableObservation(node.ID, at, latency, *info)
}

func unreachable(ctx context.Context, id cluster.NodeID, at time.Time, err error) cluster.Observation {
	reason := Classify(ctx, err)
	return cluster.UnreachableObservation(id, at, reason, errors.Wrap(sentinel(reason), err.Error()))
}

// Classify maps a transport or protocol error to an unreachable reason.
func Classify(ctx context.Context, err error) cluster.UnreachableReason {
	if errors.Is(err, context.Canceled) || (ctx.Err() == context.Canceled) {
		return cluster.ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return cluster.ReasonTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return cluster.ReasonTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return cluster.ReasonRefused
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return cluster.ReasonRefused
	}

	return cluster.ReasonProtocol
}

func sentinel(reason cluster.UnreachableReason) error {
	switch reason {
	case cluster.ReasonTimeout, cluster.ReasonCanceled:
		return cluster.ErrProbeTimeout
	case cluster.ReasonRefused:
		return cluster.ErrProbeRefused
	default:
		return cluster.ErrProbeProtocol
	}
}
