// conn.go implements the generic connection manager: one per configured
// channel, owning the connect/disconnect lifecycle, exponential backoff
// reconnection, outbound queue drain and event publication. Every platform
// shares this state machine; adapters only implement the wire capability.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
	"github.com/jholhewres/clawgate/pkg/clawgate/events"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
)

// ConnConfig tunes the connection manager.
type ConnConfig struct {
	// ReconnectBackoff is the base reconnection delay; the actual delay
	// is min(ReconnectBackoff * 2^retryCount, MaxReconnectDelay)
	// (default: 5s).
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectDelay caps the reconnection delay (default: 60s).
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// MaxReconnectAttempts is the ceiling before the endpoint goes fatal
	// and requires operator action. 0 means unlimited self-healing
	// (default: 5). Channel auth failures are rarely transient, so the
	// default ceiling is deliberately low.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// Queue tunes the outbound queue.
	Queue QueueConfig `yaml:"queue"`
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectDelay:    60 * time.Second,
		MaxReconnectAttempts: 5,
		Queue:                DefaultQueueConfig(),
	}
}

// Effective returns a copy with defaults filled in for zero values.
// MaxReconnectAttempts is left alone: 0 is meaningful (unlimited).
func (c ConnConfig) Effective() ConnConfig {
	out := c
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = 5 * time.Second
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = 60 * time.Second
	}
	out.Queue = out.Queue.Effective()
	return out
}

// ConnManager owns one channel's lifecycle. It is the only mutator of the
// endpoint state; other components read snapshots via Endpoint().
type ConnManager struct {
	adapter Adapter
	queue   *Queue
	tracker *health.Tracker
	bus     *events.Bus
	clock   clock.Clock
	logger  *slog.Logger
	cfg     ConnConfig

	mu              sync.Mutex
	status          Status
	retryCount      int
	lastConnectedAt time.Time
	lastErr         error

	// reconnectGuard prevents concurrent reconnect loops.
	reconnectGuard atomic.Bool

	// fatal is set when the reconnect ceiling is hit.
	fatal atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnManager creates a connection manager for one adapter.
func NewConnManager(adapter Adapter, cfg ConnConfig, tracker *health.Tracker, bus *events.Bus, clk clock.Clock, logger *slog.Logger) *ConnManager {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	cfg = cfg.Effective()
	l := logger.With("component", "conn", "channel", adapter.Name())
	return &ConnManager{
		adapter: adapter,
		queue:   NewQueue(cfg.Queue, clk, l),
		tracker: tracker,
		bus:     bus,
		clock:   clk,
		logger:  l,
		cfg:     cfg,
		status:  StatusDisconnected,
	}
}

// Name returns the channel identifier.
func (m *ConnManager) Name() string { return m.adapter.Name() }

// Queue exposes the outbound queue (for snapshot persistence).
func (m *ConnManager) Queue() *Queue { return m.queue }

// Status returns the current connection status.
func (m *ConnManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Endpoint returns a snapshot of the endpoint state.
func (m *ConnManager) Endpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := Endpoint{
		ID:              m.adapter.Name(),
		Status:          m.status,
		RetryCount:      m.retryCount,
		LastConnectedAt: m.lastConnectedAt,
		QueueDepth:      m.queue.Len(),
	}
	if m.lastErr != nil {
		ep.LastError = m.lastErr.Error()
	}
	return ep
}

// Start connects the channel and watches for transport drops until the
// context is cancelled. The initial connect failure follows the same
// backoff path as a mid-session drop.
func (m *ConnManager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watchClosed()
	}()

	if err := m.Connect(m.ctx); err != nil {
		m.scheduleReconnect()
	}
}

// Connect transitions disconnected → connecting → connected. It is a
// no-op when already connecting or connected, and an error after Remove.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnecting, StatusConnected:
		m.mu.Unlock()
		return nil
	case StatusRemoved:
		m.mu.Unlock()
		return ErrChannelRemoved
	}
	m.status = StatusConnecting
	m.mu.Unlock()

	m.logger.Info("connecting")

	// Delegate the handshake to the adapter. This may be long-running
	// (QR auth, OAuth, daemon spawn).
	if err := m.adapter.Connect(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusDisconnected
		m.lastErr = err
		m.mu.Unlock()

		m.tracker.RecordFailure(m.key())
		m.logger.Error("connection failed", "error", err)
		return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, m.adapter.Name(), err)
	}

	m.mu.Lock()
	m.status = StatusConnected
	m.retryCount = 0
	m.lastConnectedAt = m.clock.Now()
	m.lastErr = nil
	m.mu.Unlock()

	m.tracker.RecordSuccess(m.key())
	m.fatal.Store(false)
	m.logger.Info("connected")
	m.publish("channel:connected", "connected", nil)

	// Deliver anything that queued up while we were down.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drain()
	}()

	return nil
}

// Send delivers a message, queueing it when the channel is down. Queueing
// is the happy path during outages: the caller never sees an error — send
// failures are requeued and logged, not raised.
func (m *ConnManager) Send(ctx context.Context, msg *OutboundMessage) error {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()

	if status == StatusRemoved {
		return ErrChannelRemoved
	}

	if status != StatusConnected {
		m.queue.Enqueue(msg)
		return nil
	}

	// A non-empty queue means older messages are still pending; enqueue
	// behind them so per-chat ordering survives the reconnect.
	if m.queue.Len() > 0 {
		m.queue.Enqueue(msg)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.drain()
		}()
		return nil
	}

	if err := m.adapter.Send(ctx, msg); err != nil {
		msg.Attempts++
		m.logger.Warn("direct send failed, queueing for retry",
			"id", msg.ID, "error", err)
		m.queue.Enqueue(msg)

		// Without a drain the requeued message would sit until the next
		// Send or reconnect.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.drain()
		}()
	}
	return nil
}

// Remove tears the endpoint down permanently.
func (m *ConnManager) Remove() error {
	m.mu.Lock()
	if m.status == StatusRemoved {
		m.mu.Unlock()
		return nil
	}
	m.status = StatusRemoved
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	err := m.adapter.Disconnect()
	m.wg.Wait()
	m.logger.Info("removed")
	return err
}

// Fatal reports whether the endpoint hit the reconnect ceiling and needs
// operator intervention.
func (m *ConnManager) Fatal() bool { return m.fatal.Load() }

// ResetFatal clears the fatal condition and restarts the reconnect loop.
// Intended for operator-triggered recovery.
func (m *ConnManager) ResetFatal() {
	if !m.fatal.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	m.retryCount = 0
	m.mu.Unlock()
	m.scheduleReconnect()
}

// watchClosed reacts to adapter-reported transport drops.
func (m *ConnManager) watchClosed() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case err, ok := <-m.adapter.Closed():
			if !ok {
				return
			}

			m.mu.Lock()
			if m.status == StatusRemoved {
				m.mu.Unlock()
				return
			}
			m.status = StatusDisconnected
			m.lastErr = err
			m.mu.Unlock()

			m.logger.Warn("transport dropped", "error", err)
			m.publish("channel:disconnected", "disconnected", map[string]any{
				"error": errString(err),
			})
			m.scheduleReconnect()
		}
	}
}

// scheduleReconnect retries the connection with exponential backoff,
// min(ReconnectBackoff * 2^retryCount, MaxReconnectDelay) per attempt.
// When the ceiling is reached the endpoint goes fatal and publishes
// channel:error — manual intervention required (unless the ceiling is
// disabled with MaxReconnectAttempts=0).
func (m *ConnManager) scheduleReconnect() {
	if !m.reconnectGuard.CompareAndSwap(false, true) {
		m.logger.Debug("reconnect already in progress, skipping")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.reconnectGuard.Store(false)

		for {
			if m.ctx.Err() != nil || m.Status() == StatusRemoved {
				return
			}

			m.mu.Lock()
			retry := m.retryCount
			m.mu.Unlock()

			if m.cfg.MaxReconnectAttempts > 0 && retry >= m.cfg.MaxReconnectAttempts {
				m.fatal.Store(true)
				m.mu.Lock()
				m.lastErr = ErrMaxReconnects
				m.mu.Unlock()
				m.logger.Error("max reconnection attempts reached, giving up",
					"attempts", retry)
				m.publish("channel:error", "max_reconnect_attempts", map[string]any{
					"attempts": retry,
				})
				return
			}

			delay := m.cfg.ReconnectBackoff << retry
			if delay > m.cfg.MaxReconnectDelay || delay <= 0 {
				delay = m.cfg.MaxReconnectDelay
			}

			m.mu.Lock()
			m.retryCount++
			m.mu.Unlock()

			m.logger.Info("scheduling reconnect",
				"attempt", retry+1,
				"delay", delay)

			if err := m.clock.Sleep(m.ctx, delay); err != nil {
				return
			}

			if err := m.Connect(m.ctx); err == nil {
				return
			}
		}
	}()
}

// drain runs the queue drain loop while the channel stays connected.
func (m *ConnManager) drain() {
	sent := m.queue.Drain(m.ctx, m.adapter.Send, func() bool {
		return m.Status() == StatusConnected
	})
	if sent > 0 {
		m.logger.Info("queue drained", "delivered", sent)
	}
}

// key is the health tracker key for this channel.
func (m *ConnManager) key() string { return "channel:" + m.adapter.Name() }

// publish emits a channel lifecycle event on the bus.
func (m *ConnManager) publish(topic, typ string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["channel"] = m.adapter.Name()
	m.bus.Publish(topic, events.Event{
		Type:    typ,
		Source:  m.adapter.Name(),
		Payload: payload,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
