// Package dashboard renders the cluster as a console status block and can
// drive a small SET/GET load against the primary while it watches.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/redis"
	"github.com/sindef/redis-failover/pkg/topology"
	"k8s.io/klog/v2"
)

var rule = strings.Repeat("=", 80)

// Options configures a Dashboard.
type Options struct {
	Out io.Writer
	// Iterations stops the dashboard after this many renders. Zero runs
	// until stopped.
	Iterations int
	// LoadOps is the number of SET/GET pairs run against the primary after
	// each render. Zero disables the load.
	LoadOps int
	// KV returns the client for a node.
	KV func(cluster.NodeSpec) redis.KV
	// Done is called once after the last iteration.
	Done func()
}

type Dashboard struct {
	opts Options
	now  func() time.Time

	mu   sync.Mutex
	iter int
}

func New(opts Options) *Dashboard {
	return &Dashboard{opts: opts, now: time.Now}
}

// Header writes the banner shown once at startup.
func (d *Dashboard) Header() {
	fmt.Fprintf(d.opts.Out, "\n%s\nRedis HA Cluster - Monitor Dashboard\n%s\n", rule, rule)
}

// OnTick renders snap and runs the load. It matches the scheduler's hook.
func (d *Dashboard) OnTick(ctx context.Context, snap topology.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.Iterations > 0 && d.iter >= d.opts.Iterations {
		return
	}
	d.iter++

	Render(d.opts.Out, snap, d.now())
	d.load(ctx, snap)

	if d.opts.Iterations > 0 && d.iter == d.opts.Iterations {
		fmt.Fprintln(d.opts.Out, "\nDashboard complete.")
		if d.opts.Done != nil {
			d.opts.Done()
		}
	}
}

func (d *Dashboard) load(ctx context.Context, snap topology.Snapshot) {
	if d.opts.LoadOps <= 0 || d.opts.KV == nil {
		return
	}
	primary, ok := snap.PrimaryNode()
	if !ok || !primary.Reachable {
		klog.InfoS("Skipping load simulation, no reachable primary")
		return
	}

	ops, err := redis.GenerateLoad(ctx, d.opts.KV(primary.Spec()), d.opts.LoadOps)
	if err != nil {
		klog.ErrorS(err, "Load simulation failed", "primary", primary.ID, "completed", ops)
		return
	}
	klog.InfoS("Executed load simulation", "primary", primary.ID, "operations", ops,
		"set", d.opts.LoadOps, "get", d.opts.LoadOps)
}

// Render writes one status block.
func Render(w io.Writer, snap topology.Snapshot, now time.Time) {
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "REDIS HA CLUSTER STATUS - %s (epoch %d)\n", now.Format("2006-01-02 15:04:05"), snap.Epoch)
	fmt.Fprintln(w, rule)

	if primary, ok := snap.PrimaryNode(); ok {
		renderNode(w, snap, primary)
	} else {
		fmt.Fprintln(w, "\nPRIMARY: NONE DESIGNATED")
	}
	for _, n := range snap.Replicas() {
		renderNode(w, snap, n)
	}
	fmt.Fprintln(w, rule)
}

func renderNode(w io.Writer, snap topology.Snapshot, n topology.Node) {
	label := "REPLICA"
	if n.ID == snap.Primary {
		label = "PRIMARY"
	}

	status := strings.ToUpper(string(n.Health))
	if !n.Reachable && n.LastError != "" {
		status += " - " + n.LastError
	}
	fmt.Fprintf(w, "\n%s %s (%s): %s\n", label, n.ID, n.Addr, status)
	if !n.Reachable {
		return
	}

	fmt.Fprintf(w, "  Connected clients: %d\n", n.Info.ConnectedClients)
	fmt.Fprintf(w, "  Used memory: %s\n", usedMemory(n.Info))
	fmt.Fprintf(w, "  Total commands: %s\n", thousands(n.Info.CommandsProcessed))
	if n.ID == snap.Primary {
		fmt.Fprintf(w, "  Connected replicas: %d\n", n.Info.ConnectedReplicas)
		return
	}
	link := "up"
	if !n.PrimaryLinkUp {
		link = "down"
	}
	fmt.Fprintf(w, "  Replication lag: %s bytes (link %s)\n", thousands(snap.Lag(n)), link)
	if n.LastKnownRole == cluster.RolePrimary {
		fmt.Fprintln(w, "  WARNING: node reports role primary")
	}
}

func usedMemory(info cluster.NodeInfo) string {
	if info.MemoryUsedHuman != "" {
		return info.MemoryUsedHuman
	}
	return strconv.FormatInt(info.MemoryUsed, 10)
}

// thousands formats n with comma separators.
func thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
