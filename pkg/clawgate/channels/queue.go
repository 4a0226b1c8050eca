// queue.go implements the per-channel FIFO of pending outbound messages.
// Messages sent while the channel is down accumulate here and are drained
// one at a time on reconnect, preserving enqueue order and providing
// natural rate limiting.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
)

// QueueConfig tunes outbound queue behavior.
type QueueConfig struct {
	// SendDelay is the fixed pause between queued sends (default: 1s).
	SendDelay time.Duration `yaml:"send_delay"`

	// MaxAttempts caps delivery attempts per message before it is
	// dropped, so one poison message cannot requeue forever (default: 5).
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		SendDelay:   time.Second,
		MaxAttempts: 5,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c QueueConfig) Effective() QueueConfig {
	out := c
	if out.SendDelay <= 0 {
		out.SendDelay = time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	return out
}

// SendFunc hands one message to the adapter.
type SendFunc func(ctx context.Context, msg *OutboundMessage) error

// Queue is a per-channel FIFO of pending outbound messages. At most one
// drain loop runs at a time; re-entrant Drain calls are no-ops.
type Queue struct {
	cfg    QueueConfig
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	items []*OutboundMessage

	// draining guards against concurrent drain loops.
	draining atomic.Bool
}

// NewQueue creates an outbound queue.
func NewQueue(cfg QueueConfig, clk clock.Clock, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{
		cfg:    cfg.Effective(),
		clock:  clk,
		logger: logger,
	}
}

// Enqueue appends a message to the tail of the queue.
func (q *Queue) Enqueue(msg *OutboundMessage) {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.clock.Now()
	}
	q.mu.Lock()
	q.items = append(q.items, msg)
	depth := len(q.items)
	q.mu.Unlock()

	q.logger.Debug("message queued", "id", msg.ID, "queue_depth", depth)
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain sends pending messages one at a time in enqueue order, pausing
// SendDelay between sends. It stops as soon as connected() reports false,
// leaving the remaining messages (including the current head) queued. On a
// send failure the message is requeued at the tail and the drain
// continues; messages exceeding MaxAttempts are dropped with a log entry.
// An ErrChannelDisconnected from the adapter means the channel is down
// regardless of what connected() says: the drain pauses with the head
// restored untouched, no attempt charged. Returns the number of messages
// delivered. Re-entrant calls return 0 immediately.
func (q *Queue) Drain(ctx context.Context, send SendFunc, connected func() bool) int {
	if !q.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer q.draining.Store(false)

	delivered := 0
	for {
		if ctx.Err() != nil || !connected() {
			return delivered
		}

		msg := q.popHead()
		if msg == nil {
			return delivered
		}

		if err := send(ctx, msg); err != nil {
			// The adapter knows better than the status snapshot: the
			// channel is down, so pause until reconnect instead of
			// counting the failure against the poison cap.
			if errors.Is(err, ErrChannelDisconnected) {
				q.requeueHead(msg)
				q.logger.Debug("channel down mid-drain, pausing",
					"id", msg.ID, "pending", q.Len())
				return delivered
			}
			msg.Attempts++
			if msg.Attempts >= q.cfg.MaxAttempts {
				q.logger.Error("dropping message after max delivery attempts",
					"id", msg.ID,
					"chat", msg.ChatID,
					"attempts", msg.Attempts,
					"error", err)
			} else {
				q.logger.Warn("send failed, requeueing at tail",
					"id", msg.ID,
					"attempts", msg.Attempts,
					"error", err)
				q.Enqueue(msg)
			}
		} else {
			delivered++
		}

		if q.Len() == 0 {
			return delivered
		}
		if err := q.clock.Sleep(ctx, q.cfg.SendDelay); err != nil {
			return delivered
		}
	}
}

// Snapshot returns a copy of the pending messages, head first, for
// persistence across restarts.
func (q *Queue) Snapshot() []*OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*OutboundMessage, len(q.items))
	for i, m := range q.items {
		cp := *m
		out[i] = &cp
	}
	return out
}

// Restore replaces the queue contents with a persisted snapshot. Intended
// for startup, before any drain loop runs.
func (q *Queue) Restore(msgs []*OutboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*OutboundMessage(nil), msgs...)
}

// requeueHead puts a message back at the front of the queue.
func (q *Queue) requeueHead(msg *OutboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*OutboundMessage{msg}, q.items...)
}

// popHead removes and returns the first message, or nil when empty.
func (q *Queue) popHead() *OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg
}
