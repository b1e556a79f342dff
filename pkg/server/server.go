// Package server exposes the monitor's state over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sindef/redis-failover/pkg/auth"
	"github.com/sindef/redis-failover/pkg/election"
	"github.com/sindef/redis-failover/pkg/events"
	"github.com/sindef/redis-failover/pkg/failover"
	"github.com/sindef/redis-failover/pkg/topology"
	"k8s.io/klog/v2"
)

// State is the body of GET /state.
type State struct {
	Monitor  string            `json:"monitor"`
	Election string            `json:"election"`
	Leader   string            `json:"leader,omitempty"`
	Leading  bool              `json:"leading"`
	Engine   failover.Status   `json:"engine"`
	Topology topology.Snapshot `json:"topology"`
}

// Options wires the server to the monitor's components.
type Options struct {
	Addr          string
	MonitorID     string
	Authenticator *auth.Authenticator
	Topology      *topology.Model
	Engine        *failover.Engine
	Events        *events.Recorder
	// Bus enables /events/stream.
	Bus *events.Bus
	Leadership    election.Leadership
	// Raft enables the /raft routes.
	Raft *election.Raft
}

type Server struct {
	opts Options
	http *http.Server

	closing   chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Server {
	s := &Server{opts: opts, closing: make(chan struct{})}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routes. /health is unauthenticated.
func (s *Server) Handler() http.Handler {
	a := s.opts.Authenticator
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/state", a.Middleware(s.handleState))
	mux.HandleFunc("/events", a.Middleware(s.handleEvents))
	if s.opts.Bus != nil {
		mux.HandleFunc("/events/stream", a.Middleware(s.handleEventStream))
	}

	if r := s.opts.Raft; r != nil {
		mux.HandleFunc("/raft/status", a.Middleware(r.HandleRaftStatus))
		mux.HandleFunc("/raft/add-voter", a.Middleware(r.HandleAddVoter))
		mux.HandleFunc("/raft/peers", a.Middleware(r.HandleRaftPeers))
	}
	return mux
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		klog.InfoS("Starting HTTP server", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.ErrorS(err, "HTTP server error")
		}
	}()
}

// Shutdown ends open event streams, stops accepting connections and waits
// for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := State{
		Monitor:  s.opts.MonitorID,
		Topology: s.opts.Topology.Snapshot(),
	}
	if s.opts.Engine != nil {
		st.Engine = s.opts.Engine.Status()
	}
	if l := s.opts.Leadership; l != nil {
		st.Election = l.Name()
		st.Leading = l.IsLeader()
		if leader, err := l.Leader(); err == nil {
			st.Leader = leader
		}
	}
	writeJSON(w, st)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeJSON(w, []events.Event{})
		return
	}

	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	writeJSON(w, s.opts.Events.Recent(n))
}

// handleEventStream writes one JSON event per line as they are emitted until
// the client goes away or the server shuts down.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.opts.Bus.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				klog.V(2).InfoS("Event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).InfoS("Failed to write response", "error", err)
	}
}
