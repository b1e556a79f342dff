// Package events carries the engine's structured events (health transitions,
// decision-state transitions, plan outcomes) to renderers and alerting.
package events

import (
	"sync"
	"time"

	"github.com/sindef/redis-failover/pkg/cluster"
	"k8s.io/klog/v2"
)

// Type names an event.
type Type string

const (
	HealthTransition    Type = "health_transition"
	EngineTransition    Type = "engine_transition"
	PlanCreated         Type = "plan_created"
	PlanCompleted       Type = "plan_completed"
	StalePlanRejected   Type = "stale_plan_rejected"
	QuorumNotReached    Type = "quorum_not_reached"
	QuorumWindowExpired Type = "quorum_window_expired"
	NoEligibleCandidate Type = "no_eligible_candidate"
	SplitBrain          Type = "split_brain"
	SplitBrainResolved  Type = "split_brain_resolved"
	PrimaryAdopted      Type = "primary_adopted"
	NodeAdded           Type = "node_added"
	NodeRemoved         Type = "node_removed"
)

// Event is one structured occurrence.
type Event struct {
	Type    Type           `json:"type"`
	At      time.Time      `json:"at"`
	Node    cluster.NodeID `json:"node,omitempty"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Epoch   cluster.Epoch  `json:"epoch,omitempty"`
	PlanID  string         `json:"plan_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Err     string         `json:"error,omitempty"`
}

// Alert reports whether the event needs an operator's attention.
func (e Event) Alert() bool {
	switch e.Type {
	case NoEligibleCandidate, QuorumWindowExpired, SplitBrain, StalePlanRejected:
		return true
	case PlanCompleted:
		return e.Err != ""
	}
	return false
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Bus fans events out to sinks and channel subscribers.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	subs   map[int]chan Event
	nextID int
}

// NewBus creates a bus delivering to sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		sinks: sinks,
		subs:  make(map[int]chan Event),
	}
}

// Emit delivers e to every sink and subscriber. Slow subscribers lose events
// rather than stall the loop.
func (b *Bus) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sinks {
		s.Emit(e)
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a buffered channel of events and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// LogSink writes events through klog. Alerts are logged as errors.
type LogSink struct{}

// Emit logs e.
func (LogSink) Emit(e Event) {
	kv := []interface{}{"type", e.Type}
	if e.Node != "" {
		kv = append(kv, "node", e.Node)
	}
	if e.From != "" || e.To != "" {
		kv = append(kv, "from", e.From, "to", e.To)
	}
	if e.Epoch != 0 {
		kv = append(kv, "epoch", e.Epoch)
	}
	if e.PlanID != "" {
		kv = append(kv, "plan", e.PlanID)
	}
	if e.Err != "" {
		kv = append(kv, "error", e.Err)
	}

	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}

	if e.Alert() {
		klog.ErrorS(nil, msg, kv...)
		return
	}
	klog.InfoS(msg, kv...)
}

// Recorder keeps the most recent events in memory for the status surface.
type Recorder struct {
	mu     sync.Mutex
	max    int
	events []Event
}

// NewRecorder keeps up to max events.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 100
	}
	return &Recorder{max: max}
}

// Emit records e, evicting the oldest event when full.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if over := len(r.events) - r.max; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
}

// Recent returns up to n of the newest events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}
