// Package events implements the in-process pub/sub event bus that connects
// the channel layer, the failover engine and the agent logic. Listeners are
// invoked synchronously during Publish — keep listener logic fast or
// dispatch to goroutines internally.
//
// Topics:
//   - "channel:connected", "channel:disconnected", "channel:error"
//   - "message:received"
//   - "agent:delta" (streaming token deltas, per-session ordered)
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single typed event published on the bus.
type Event struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
}

// AgentDelta is the payload of "agent:delta" events. Seq is assigned per
// session from an atomic counter, so consumers can verify ordering.
type AgentDelta struct {
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Delta     string `json:"delta"`
	Done      bool   `json:"done"`
}

// Listener is a callback that receives published events.
type Listener func(event Event)

// Bus is a thread-safe fan-out hub. Subscribers receive every event;
// topic filtering is done with SubscribeTopic.
type Bus struct {
	listeners sync.Map // listenerID (uint64) → Listener
	nextID    atomic.Uint64
	seqBySess sync.Map // sessionID → *atomic.Int64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for all events and returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	return func() { b.listeners.Delete(id) }
}

// SubscribeTopic registers a listener that only receives events for the
// given topic. Returns an unsubscribe function.
func (b *Bus) SubscribeTopic(topic string, fn Listener) func() {
	return b.Subscribe(func(event Event) {
		if event.Topic == topic {
			fn(event)
		}
	})
}

// Publish sends an event to all registered listeners. The timestamp is
// filled in when zero.
func (b *Bus) Publish(topic string, event Event) {
	event.Topic = topic
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(Listener); ok {
			fn(event)
		}
		return true
	})
}

// EmitAgentEvent publishes a streaming delta for a session. Deltas carry a
// monotonically increasing per-session sequence number; done=true marks the
// terminal event of a request.
func (b *Bus) EmitAgentEvent(sessionID, delta string, done bool) {
	seq := b.sessionSeq(sessionID).Add(1)
	b.Publish("agent:delta", Event{
		Type:   "delta",
		Source: "agent",
		Payload: AgentDelta{
			SessionID: sessionID,
			Seq:       seq,
			Delta:     delta,
			Done:      done,
		},
	})
}

// CleanupSession removes the sequence counter for a finished session.
func (b *Bus) CleanupSession(sessionID string) {
	b.seqBySess.Delete(sessionID)
}

// sessionSeq returns the sequence counter for a session, creating it if needed.
func (b *Bus) sessionSeq(sessionID string) *atomic.Int64 {
	if v, ok := b.seqBySess.Load(sessionID); ok {
		return v.(*atomic.Int64)
	}
	seq := &atomic.Int64{}
	actual, _ := b.seqBySess.LoadOrStore(sessionID, seq)
	return actual.(*atomic.Int64)
}
