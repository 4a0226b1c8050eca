// Package gateway wires the gateway together: the provider failover
// engine, the channel registry with one connection manager per enabled
// platform, the shared health tracker, queue/health persistence and the
// background maintenance jobs. One Gateway is one running instance.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/discord"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/webchat"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/whatsapp"
	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/events"
	"github.com/jholhewres/clawgate/pkg/clawgate/failover"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/state"
	"github.com/jholhewres/clawgate/pkg/clawgate/stream"
)

// Gateway is a running gateway instance.
type Gateway struct {
	cfg    config.Config
	logger *slog.Logger

	bus      *events.Bus
	clock    clock.Clock
	tracker  *health.Tracker
	engine   *failover.Engine
	registry *channels.Registry
	store    *state.Store
	cron     *cron.Cron
	wa       *whatsapp.Adapter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New assembles a gateway from configuration. The provider driver is
// opened here; channels connect on Start.
func New(cfg config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	p, err := provider.OpenDriver(cfg.Provider.Driver, cfg.Provider.DriverSettings())
	if err != nil {
		return nil, fmt.Errorf("opening provider driver: %w", err)
	}
	return NewWithProvider(cfg, p, logger)
}

// NewWithProvider assembles a gateway around an already-built provider.
// Used by New and by tests that inject a fake.
func NewWithProvider(cfg config.Config, p provider.Provider, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	clk := clock.Real()
	bus := events.NewBus()
	tracker := health.NewTracker(cfg.Health, clk, logger)

	g := &Gateway{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		bus:      bus,
		clock:    clk,
		tracker:  tracker,
		engine:   failover.NewEngine(p, cfg.Failover, tracker, clk, logger),
		registry: channels.NewRegistry(bus, logger),
	}

	for _, adapter := range g.buildAdapters() {
		m := channels.NewConnManager(adapter, cfg.Conn, tracker, bus, clk, logger)
		if err := g.registry.Register(m); err != nil {
			return nil, fmt.Errorf("registering channel %s: %w", adapter.Name(), err)
		}
	}
	return g, nil
}

// buildAdapters instantiates an adapter for every enabled channel.
func (g *Gateway) buildAdapters() []channels.Adapter {
	var adapters []channels.Adapter
	ch := g.cfg.Channels
	if ch.Webchat.Enabled {
		adapters = append(adapters, webchat.New(ch.Webchat, g.logger))
	}
	if ch.Telegram.Enabled {
		adapters = append(adapters, telegram.New(ch.Telegram, g.logger))
	}
	if ch.Discord.Enabled {
		adapters = append(adapters, discord.New(ch.Discord, g.logger))
	}
	if ch.WhatsApp.Enabled {
		g.wa = whatsapp.New(ch.WhatsApp, g.logger)
		adapters = append(adapters, g.wa)
	}
	return adapters
}

// WhatsAppQR subscribes to WhatsApp pairing events. Returns a nil
// channel when the WhatsApp channel is disabled; the unsubscribe
// function is always safe to call.
func (g *Gateway) WhatsAppQR() (<-chan whatsapp.QREvent, func()) {
	if g.wa == nil {
		return nil, func() {}
	}
	return g.wa.SubscribeQR()
}

// RegisterAdapter wires an extra adapter into the gateway, for channels
// constructed outside the config. Must be called before Start.
func (g *Gateway) RegisterAdapter(a channels.Adapter) error {
	m := channels.NewConnManager(a, g.cfg.Conn, g.tracker, g.bus, g.clock, g.logger)
	return g.registry.Register(m)
}

// Bus returns the event bus, for UIs and tests to subscribe on.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Registry returns the channel registry.
func (g *Gateway) Registry() *channels.Registry { return g.registry }

// Tracker returns the shared health tracker.
func (g *Gateway) Tracker() *health.Tracker { return g.tracker }

// Engine returns the failover engine.
func (g *Gateway) Engine() *failover.Engine { return g.engine }

// Start opens the state store, restores persisted health and queue state,
// connects all channels and begins processing inbound messages. It
// returns once startup is underway; channel connects retry in the
// background on failure.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	store, err := state.Open(g.cfg.State, g.logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	g.store = store
	g.restoreState()

	g.registry.Start(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.pump(ctx)
	}()

	if g.cfg.Maintenance.Enabled {
		if err := g.startMaintenance(); err != nil {
			return err
		}
	}

	g.logger.Info("gateway started",
		"name", g.cfg.Name,
		"channels", g.registry.Names(),
		"preset", g.cfg.Failover.Preset)
	return nil
}

// Stop shuts the gateway down: maintenance jobs first, then a final
// state snapshot, then the channels and the store.
func (g *Gateway) Stop() {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}
	g.logger.Info("gateway stopping")

	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.registry.Stop()
	g.wg.Wait()

	if g.store != nil {
		g.persistState()
		if err := g.store.Close(); err != nil {
			g.logger.Warn("closing state store", "error", err)
		}
	}
	g.logger.Info("gateway stopped")
}

// restoreState loads the persisted health snapshot and per-channel
// outbound queues. Missing state is not an error: first boot.
func (g *Gateway) restoreState() {
	snapshot, err := g.store.LoadHealth()
	if err != nil {
		g.logger.Warn("loading health snapshot", "error", err)
	} else if len(snapshot) > 0 {
		g.tracker.Restore(snapshot)
		g.logger.Info("health snapshot restored", "endpoints", len(snapshot))
	}

	for _, name := range g.registry.Names() {
		m, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		msgs, err := g.store.LoadQueue(name)
		if err != nil {
			g.logger.Warn("loading outbound queue", "channel", name, "error", err)
			continue
		}
		if len(msgs) > 0 {
			m.Queue().Restore(msgs)
			g.logger.Info("outbound queue restored", "channel", name, "pending", len(msgs))
		}
	}
}

// persistState writes the health snapshot and every channel's pending
// queue to the state store.
func (g *Gateway) persistState() {
	if err := g.store.SaveHealth(g.tracker.Snapshot()); err != nil {
		g.logger.Warn("saving health snapshot", "error", err)
	}
	for _, name := range g.registry.Names() {
		m, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		if err := g.store.SaveQueue(name, m.Queue().Snapshot()); err != nil {
			g.logger.Warn("saving outbound queue", "channel", name, "error", err)
		}
	}
}

// startMaintenance schedules the background jobs: periodic state
// snapshots and the endpoint health report.
func (g *Gateway) startMaintenance() error {
	c := cron.New()
	if _, err := c.AddFunc(g.cfg.Maintenance.SnapshotCron, g.persistState); err != nil {
		return fmt.Errorf("scheduling state snapshot: %w", err)
	}
	if _, err := c.AddFunc(g.cfg.Maintenance.HealthReportCron, g.reportHealth); err != nil {
		return fmt.Errorf("scheduling health report: %w", err)
	}
	c.Start()
	g.cron = c
	return nil
}

// reportHealth logs one line per known endpoint with its breaker state.
func (g *Gateway) reportHealth() {
	for _, ep := range g.tracker.Snapshot() {
		available := ep.DisabledUntil.IsZero() || !g.clock.Now().Before(ep.DisabledUntil)
		g.logger.Info("endpoint health",
			"endpoint", ep.Key,
			"failures", ep.FailureCount,
			"available", available)
	}
	for _, ep := range g.registry.Endpoints() {
		g.logger.Info("channel status",
			"channel", ep.ID,
			"status", ep.Status,
			"queue_depth", ep.QueueDepth)
	}
}

// pump consumes inbound messages from all channels and dispatches each
// to its own handler goroutine, so a slow provider call on one chat
// never blocks the others.
func (g *Gateway) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-g.registry.Messages():
			if !ok {
				return
			}
			g.bus.Publish("message:received", events.Event{
				Type:   "received",
				Source: msg.Channel,
				Payload: map[string]any{
					"chat_id": msg.ChatID,
					"from":    msg.From,
				},
			})

			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				g.handleMessage(ctx, msg)
			}()
		}
	}
}

// handleMessage runs one inbound message through the failover engine,
// relaying token deltas to the bus, and replies on the source channel in
// platform-sized chunks.
func (g *Gateway) handleMessage(ctx context.Context, msg *channels.InboundMessage) {
	sessionID := msg.Channel + ":" + msg.ChatID
	relay := stream.NewRelay(g.bus, sessionID, g.logger)

	messages := []provider.Message{
		{Role: "user", Content: msg.Content},
	}

	res, err := g.engine.StreamChatWithFailover(ctx, messages, failover.CallOptions{}, relay.StreamFunc())
	if err != nil {
		relay.Fail(err)
		g.logger.Error("request failed",
			"session", sessionID,
			"error", err)
		g.reply(ctx, msg, "Sorry, I can't respond right now. Please try again in a moment.")
		return
	}

	relay.Finish(res.Response.Content, res.UsedFallback)
	g.logger.Info("request completed",
		"session", sessionID,
		"model", res.Model,
		"attempts", res.Attempts,
		"elapsed", res.Elapsed,
		"fallback", res.UsedFallback)

	g.reply(ctx, msg, relay.Content())
}

// reply sends content back on the source channel, chunked to the
// platform limit. Only the first chunk carries the reply reference.
func (g *Gateway) reply(ctx context.Context, msg *channels.InboundMessage, content string) {
	if content == "" {
		return
	}
	for i, chunk := range stream.PrepareMessage(content, msg.Channel) {
		out := channels.NewOutboundMessage(msg.ChatID, chunk)
		if i == 0 && msg.IsGroup {
			out.ReplyTo = msg.ID
		}
		if err := g.registry.Send(ctx, msg.Channel, out); err != nil {
			g.logger.Error("reply failed",
				"channel", msg.Channel,
				"chat", msg.ChatID,
				"error", err)
			return
		}
	}
}
