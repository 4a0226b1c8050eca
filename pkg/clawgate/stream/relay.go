// Package stream implements the streaming relay and the message chunker.
// The relay forwards token deltas from the failover engine to the event
// bus in generation order, guaranteeing exactly one terminal done event
// per request; the chunker splits long replies into platform-sized pieces
// at natural text boundaries.
package stream

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/clawgate/pkg/clawgate/events"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// Relay forwards one request's streaming deltas to the event bus. It is
// tied to a single session and request: create one per call, feed it via
// OnEvent (or as the engine's StreamFunc), and finish it exactly once.
type Relay struct {
	bus       *events.Bus
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	acc      strings.Builder
	streamed int // deltas forwarded so far
	done     bool
}

// NewRelay creates a relay for one session's request.
func NewRelay(bus *events.Bus, sessionID string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		bus:       bus,
		sessionID: sessionID,
		logger:    logger.With("component", "relay", "session", sessionID),
	}
}

// StreamFunc returns a callback suitable for the failover engine's
// streaming call. Content deltas are forwarded in order with done=false;
// other event types are ignored by the relay.
func (r *Relay) StreamFunc() provider.StreamFunc {
	return func(ev provider.StreamEvent) error {
		if ev.Type != "content" || ev.Content == "" {
			return nil
		}
		r.OnDelta(ev.Content)
		return nil
	}
}

// OnDelta forwards one content delta to the bus and accumulates it.
// Deltas after Finish are dropped (a cancelled attempt's stragglers).
func (r *Relay) OnDelta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.acc.WriteString(delta)
	r.streamed++
	r.bus.EmitAgentEvent(r.sessionID, delta, false)
}

// Finish emits the terminal done event. When the response came from the
// non-streaming fallback — either nothing was streamed at all, or a
// broken stream delivered only a prefix before the fallback completed
// the request (usedFallback) — finalContent replaces the accumulator and
// is carried on the terminal event as a single delta, so consumers
// receive the full text exactly once. Idempotent: only the first call
// emits.
func (r *Relay) Finish(finalContent string, usedFallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.done = true

	if (r.streamed == 0 || usedFallback) && finalContent != "" {
		r.acc.Reset()
		r.acc.WriteString(finalContent)
		r.bus.EmitAgentEvent(r.sessionID, finalContent, true)
		return
	}
	r.bus.EmitAgentEvent(r.sessionID, "", true)
}

// Fail emits the terminal done event for a request that produced no
// response. Idempotent with Finish.
func (r *Relay) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	r.logger.Warn("request failed, emitting terminal event", "error", err)
	r.bus.EmitAgentEvent(r.sessionID, "", true)
}

// Content returns the accumulated text so far.
func (r *Relay) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc.String()
}

// Streamed returns the number of deltas forwarded.
func (r *Relay) Streamed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamed
}
