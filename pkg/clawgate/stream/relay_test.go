package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jholhewres/clawgate/pkg/clawgate/events"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// collectDeltas subscribes to agent deltas for a session and records them.
func collectDeltas(bus *events.Bus, sessionID string) (*sync.Mutex, *[]events.AgentDelta) {
	var mu sync.Mutex
	var got []events.AgentDelta
	bus.SubscribeTopic("agent:delta", func(ev events.Event) {
		delta, ok := ev.Payload.(events.AgentDelta)
		if !ok || delta.SessionID != sessionID {
			return
		}
		mu.Lock()
		got = append(got, delta)
		mu.Unlock()
	})
	return &mu, &got
}

func TestRelayForwardsDeltasInOrder(t *testing.T) {
	bus := events.NewBus()
	mu, got := collectDeltas(bus, "s1")

	r := NewRelay(bus, "s1", nil)
	fn := r.StreamFunc()
	for i := 0; i < 5; i++ {
		fn(provider.StreamEvent{Type: "content", Content: fmt.Sprintf("tok%d ", i)})
	}
	r.Finish(r.Content(), false)

	mu.Lock()
	defer mu.Unlock()

	if len(*got) != 6 {
		t.Fatalf("expected 5 deltas + 1 terminal, got %d", len(*got))
	}
	for i := 0; i < 5; i++ {
		d := (*got)[i]
		if d.Done {
			t.Errorf("delta %d unexpectedly terminal", i)
		}
		if want := fmt.Sprintf("tok%d ", i); d.Delta != want {
			t.Errorf("delta %d: expected %q, got %q", i, want, d.Delta)
		}
		if d.Seq != int64(i+1) {
			t.Errorf("delta %d: expected seq %d, got %d", i, i+1, d.Seq)
		}
	}
	final := (*got)[5]
	if !final.Done {
		t.Error("expected terminal event")
	}
	if final.Delta != "" {
		t.Errorf("expected empty terminal delta after streaming, got %q", final.Delta)
	}
}

func TestRelayExactlyOneTerminalEvent(t *testing.T) {
	bus := events.NewBus()
	mu, got := collectDeltas(bus, "s2")

	r := NewRelay(bus, "s2", nil)
	r.OnDelta("hello")
	r.Finish(r.Content(), false)
	r.Finish(r.Content(), false)
	r.Fail(fmt.Errorf("late error"))

	mu.Lock()
	defer mu.Unlock()

	terminals := 0
	for _, d := range *got {
		if d.Done {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
}

func TestRelayNonStreamingFallback(t *testing.T) {
	bus := events.NewBus()
	mu, got := collectDeltas(bus, "s3")

	// Nothing streamed: the full content arrives on the terminal event.
	r := NewRelay(bus, "s3", nil)
	r.Finish("complete response from the fallback path", false)

	mu.Lock()
	defer mu.Unlock()

	if len(*got) != 1 {
		t.Fatalf("expected a single terminal event, got %d", len(*got))
	}
	d := (*got)[0]
	if !d.Done {
		t.Error("expected terminal event")
	}
	if d.Delta != "complete response from the fallback path" {
		t.Errorf("expected accumulated content on terminal event, got %q", d.Delta)
	}
}

// A stream that breaks mid-response delivers a prefix before the
// non-streaming fallback completes the request: the terminal event must
// carry the full content, and Content must return it, not the prefix.
func TestRelayFallbackAfterPartialStream(t *testing.T) {
	bus := events.NewBus()
	mu, got := collectDeltas(bus, "s6")

	full := "partial plus the rest of the answer"
	r := NewRelay(bus, "s6", nil)
	r.OnDelta("partial ")
	r.Finish(full, true)

	mu.Lock()
	defer mu.Unlock()

	if len(*got) != 2 {
		t.Fatalf("expected 1 delta + 1 terminal, got %d", len(*got))
	}
	final := (*got)[1]
	if !final.Done {
		t.Fatal("expected terminal event")
	}
	if final.Delta != full {
		t.Errorf("expected full content on terminal event, got %q", final.Delta)
	}
	if r.Content() != full {
		t.Errorf("expected Content to return the full response, got %q", r.Content())
	}
}

func TestRelayDropsDeltasAfterFinish(t *testing.T) {
	bus := events.NewBus()
	mu, got := collectDeltas(bus, "s4")

	r := NewRelay(bus, "s4", nil)
	r.OnDelta("before")
	r.Finish(r.Content(), false)
	// A cancelled attempt's straggler must be discarded, never applied.
	r.OnDelta("after")

	mu.Lock()
	defer mu.Unlock()

	for _, d := range *got {
		if d.Delta == "after" {
			t.Error("expected straggler delta to be dropped after finish")
		}
	}
}

func TestRelayAccumulatesContent(t *testing.T) {
	bus := events.NewBus()
	r := NewRelay(bus, "s5", nil)
	r.OnDelta("Hello, ")
	r.OnDelta("world")
	if r.Content() != "Hello, world" {
		t.Errorf("expected accumulated content, got %q", r.Content())
	}
	if r.Streamed() != 2 {
		t.Errorf("expected 2 streamed deltas, got %d", r.Streamed())
	}
}
