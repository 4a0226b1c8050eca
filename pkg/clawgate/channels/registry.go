// registry.go holds one connection manager per configured channel and
// fans multi-channel operations out in parallel. One channel's failure
// never aborts another's: errors are isolated per channel and logged.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/clawgate/pkg/clawgate/events"
)

// Registry owns the process-wide set of connection managers. It is built
// at startup and passed explicitly — no hidden statics.
type Registry struct {
	logger   *slog.Logger
	bus      *events.Bus
	messages chan *InboundMessage

	mu       sync.RWMutex
	managers map[string]*ConnManager

	listenWg sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRegistry creates an empty channel registry.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		bus:      bus,
		messages: make(chan *InboundMessage, 256),
		managers: make(map[string]*ConnManager),
	}
}

// Register adds a connection manager. Must be called before Start.
func (r *Registry) Register(m *ConnManager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.managers[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.managers[name] = m
	r.logger.Info("channel registered", "channel", name)
	return nil
}

// Start launches every channel's connection manager and inbound listener
// in parallel. A channel that fails to connect keeps retrying on its own;
// Start never fails because of one channel.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.mu.RLock()
	snapshot := make([]*ConnManager, 0, len(r.managers))
	for _, m := range r.managers {
		snapshot = append(snapshot, m)
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		r.logger.Warn("no channels registered, running without messaging channels")
		return
	}

	for _, m := range snapshot {
		m.Start(r.ctx)

		r.listenWg.Add(1)
		go func(cm *ConnManager) {
			defer r.listenWg.Done()
			r.listen(cm)
		}(m)
	}
	r.logger.Info("registry started", "channels", len(snapshot))
}

// Stop tears all channels down in parallel and waits for the inbound
// listeners to finish before closing the aggregated message stream.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}

	r.mu.RLock()
	snapshot := make([]*ConnManager, 0, len(r.managers))
	for _, m := range r.managers {
		snapshot = append(snapshot, m)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range snapshot {
		wg.Add(1)
		go func(cm *ConnManager) {
			defer wg.Done()
			if err := cm.Remove(); err != nil {
				r.logger.Error("error removing channel",
					"channel", cm.Name(), "error", err)
			}
		}(m)
	}
	wg.Wait()

	r.listenWg.Wait()
	close(r.messages)
	r.logger.Info("registry stopped")
}

// Messages returns the aggregated inbound stream from all channels.
func (r *Registry) Messages() <-chan *InboundMessage {
	return r.messages
}

// Send routes a message to the named channel. Unknown channels are the
// only error; delivery failures are absorbed by the connection manager.
func (r *Registry) Send(ctx context.Context, channel string, msg *OutboundMessage) error {
	m, ok := r.Get(channel)
	if !ok {
		return fmt.Errorf("channel %q not found", channel)
	}
	return m.Send(ctx, msg)
}

// Get returns the connection manager for a channel.
func (r *Registry) Get(name string) (*ConnManager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[name]
	return m, ok
}

// Endpoints returns a snapshot of every channel endpoint.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m.Endpoint())
	}
	return out
}

// Names returns the registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.managers))
	for name := range r.managers {
		out = append(out, name)
	}
	return out
}

// listen forwards one channel's inbound messages to the aggregated
// stream. Adapters keep their Receive channel open for their lifetime,
// so shutdown is driven by the registry context, not by channel close.
func (r *Registry) listen(m *ConnManager) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-m.adapter.Receive():
			if !ok {
				return
			}
			select {
			case r.messages <- msg:
			case <-r.ctx.Done():
				return
			}
		}
	}
}
