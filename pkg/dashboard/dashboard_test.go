package dashboard

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/redis"
	"github.com/sindef/redis-failover/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func snapshot(t *testing.T) topology.Snapshot {
	t.Helper()
	m := topology.New(2)
	m.Sync([]cluster.NodeSpec{
		{ID: "redis-0", Addr: "10.0.0.1:6379"},
		{ID: "redis-1", Addr: "10.0.0.2:6379"},
		{ID: "redis-2", Addr: "10.0.0.3:6379"},
	})
	require.NoError(t, m.Designate("redis-0"))
	m.Observe(cluster.ReachableObservation("redis-0", t0, time.Millisecond, cluster.NodeInfo{
		Role:              cluster.RolePrimary,
		Offset:            5000,
		ConnectedReplicas: 1,
		ConnectedClients:  4,
		MemoryUsedHuman:   "1.05M",
		CommandsProcessed: 1234567,
	}))
	m.Observe(cluster.ReachableObservation("redis-1", t0, time.Millisecond, cluster.NodeInfo{
		Role:          cluster.RoleReplica,
		Offset:        3766,
		PrimaryLinkUp: true,
	}))
	m.Observe(cluster.UnreachableObservation("redis-2", t0, cluster.ReasonRefused, fmt.Errorf("connection refused")))
	m.Apply(cluster.HealthTransition{Node: "redis-2", From: cluster.Healthy, To: cluster.Suspect, At: t0})
	return m.Snapshot()
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, snapshot(t), t0)
	out := buf.String()

	assert.Contains(t, out, "REDIS HA CLUSTER STATUS - 2026-05-04 10:30:00 (epoch 2)")
	assert.Contains(t, out, "PRIMARY redis-0 (10.0.0.1:6379): HEALTHY")
	assert.Contains(t, out, "  Used memory: 1.05M")
	assert.Contains(t, out, "  Total commands: 1,234,567")
	assert.Contains(t, out, "  Connected replicas: 1")
	assert.Contains(t, out, "REPLICA redis-1 (10.0.0.2:6379): HEALTHY")
	assert.Contains(t, out, "  Replication lag: 1,234 bytes (link up)")
	assert.Contains(t, out, "REPLICA redis-2 (10.0.0.3:6379): SUSPECT - connection refused")

	assert.Less(t, strings.Index(out, "redis-0"), strings.Index(out, "redis-1"), "primary first")
}

func TestRenderWithoutPrimary(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, topology.Snapshot{}, t0)
	assert.Contains(t, buf.String(), "PRIMARY: NONE DESIGNATED")
}

func TestThousands(t *testing.T) {
	tests := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		123456:   "123,456",
		-1234567: "-1,234,567",
	}
	for in, want := range tests {
		assert.Equal(t, want, thousands(in), "thousands(%d)", in)
	}
}

type mapKV struct {
	data map[string]string
	sets int
}

func (m *mapKV) Set(_ context.Context, key, value string) error {
	m.sets++
	m.data[key] = value
	return nil
}

func (m *mapKV) Get(_ context.Context, key string) (string, error) {
	return m.data[key], nil
}

func TestDashboardIterationsAndLoad(t *testing.T) {
	var buf bytes.Buffer
	kv := &mapKV{data: map[string]string{}}
	done := 0
	var target cluster.NodeID

	d := New(Options{
		Out:        &buf,
		Iterations: 2,
		LoadOps:    10,
		KV: func(n cluster.NodeSpec) redis.KV {
			target = n.ID
			return kv
		},
		Done: func() { done++ },
	})
	d.now = func() time.Time { return t0 }

	snap := snapshot(t)
	for i := 0; i < 4; i++ {
		d.OnTick(context.Background(), snap)
	}

	assert.Equal(t, 2, strings.Count(buf.String(), "REDIS HA CLUSTER STATUS"))
	assert.Equal(t, 20, kv.sets)
	assert.Equal(t, cluster.NodeID("redis-0"), target)
	assert.Equal(t, 1, done)
	assert.Contains(t, buf.String(), "Dashboard complete.")
}
