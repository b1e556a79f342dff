package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sindef/redis-failover/pkg/auth"
	"github.com/sindef/redis-failover/pkg/cluster"
	"github.com/sindef/redis-failover/pkg/election"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/failover"
	"github.com/sindef/redis-failover/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, secret string) (*httptest.Server, *auth.Authenticator) {
	t.Helper()
	topo := topology.New(3)
	topo.Sync([]cluster.NodeSpec{{ID: "redis-0", Addr: "10.0.0.1:6379"}, {ID: "redis-1", Addr: "10.0.0.2:6379"}})
	require.NoError(t, topo.Designate("redis-0"))

	rec := events.NewRecorder(10)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec.Emit(events.Event{Type: events.HealthTransition, At: at.Add(time.Duration(i) * time.Second), Node: "redis-1"})
	}

	authenticator := auth.New(secret)
	s := New(Options{
		MonitorID:     "monitor-a",
		Authenticator: authenticator,
		Topology:      topo,
		Engine:        failover.New(failover.DefaultConfig(), 3, nil),
		Events:        rec,
		Leadership:    election.NewStandalone("monitor-a"),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, authenticator
}

func get(t *testing.T, a *auth.Authenticator, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	require.NoError(t, a.SignRequest(req))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStateRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestState(t *testing.T) {
	srv, a := newTestServer(t, "secret")

	resp := get(t, a, srv.URL+"/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "monitor-a", st.Monitor)
	assert.Equal(t, "standalone", st.Election)
	assert.True(t, st.Leading)
	assert.Equal(t, "monitor-a", st.Leader)
	assert.Equal(t, failover.Stable, st.Engine.State)
	assert.Equal(t, cluster.NodeID("redis-0"), st.Topology.Primary)
	assert.Equal(t, cluster.Epoch(3), st.Topology.Epoch)
	require.Len(t, st.Topology.Nodes, 2)
	assert.Equal(t, cluster.RoleReplica, st.Topology.Nodes[1].Role)
}

func TestEvents(t *testing.T) {
	srv, a := newTestServer(t, "")

	resp := get(t, a, srv.URL+"/events?n=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []events.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.True(t, got[0].At.Before(got[1].At), "events are oldest first")

	bad := get(t, a, srv.URL+"/events?n=lots")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus()
	s := New(Options{
		MonitorID:     "monitor-a",
		Authenticator: auth.New(""),
		Topology:      topology.New(0),
		Leadership:    election.NewStandalone("monitor-a"),
		Bus:           bus,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp := get(t, auth.New(""), srv.URL+"/events/stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	// Headers arrive after the subscription is in place.
	bus.Emit(events.Event{Type: events.PrimaryAdopted, Node: "redis-1", Epoch: 4})

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)
	var got events.Event
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, events.PrimaryAdopted, got.Type)
	assert.Equal(t, cluster.NodeID("redis-1"), got.Node)
	assert.Equal(t, cluster.Epoch(4), got.Epoch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestEventStreamOnlyWithBus(t *testing.T) {
	srv, a := newTestServer(t, "")
	resp := get(t, a, srv.URL+"/events/stream")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRaftRoutesOnlyWithRaft(t *testing.T) {
	srv, a := newTestServer(t, "")

	resp := get(t, a, srv.URL+"/raft/status")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
