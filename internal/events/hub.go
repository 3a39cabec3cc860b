// Package events fans engine events out to any number of subscribers.
//
// Delivery is lossy: a subscriber whose buffer is full misses the event.
// Producers (monitors, the job manager, the pipeline engine) never block on
// a slow or disconnected subscriber.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindOutput   Kind = "output"
	KindStatus   Kind = "status"
	KindComplete Kind = "complete"
	KindPipeline Kind = "pipeline"
)

// Event is one item of the stream.
type Event struct {
	RunID      string    `json:"run_id,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 256

// Hub is the fan-out point. The zero value is not usable; call NewHub.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	id   uint64
	hub  *Hub
	once sync.Once
}

// Subscribe attaches a new subscriber with a buffer of n events.
func (h *Hub) Subscribe(n int) *Subscription {
	if n <= 0 {
		n = DefaultBuffer
	}
	ch := make(chan Event, n)
	h.mu.Lock()
	h.nextID++
	s := &Subscription{C: ch, ch: ch, id: h.nextID, hub: h}
	h.subs[s.id] = s
	h.mu.Unlock()
	return s
}

// Close detaches the subscriber and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers ev to every subscriber with room for it.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !Offer(s.ch, ev) {
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Offer performs a non-blocking send. It returns false when the channel is
// full or already closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// Filter selects events by run, agent, pipeline or kind. Empty fields match
// everything.
type Filter struct {
	RunID      string
	AgentName  string
	PipelineID string
	Kinds      []Kind
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.AgentName != "" && ev.AgentName != f.AgentName {
		return false
	}
	if f.PipelineID != "" && ev.PipelineID != f.PipelineID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if ev.Kind == k {
			return true
		}
	}
	return false
}
