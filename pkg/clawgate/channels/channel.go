// Package channels implements the gateway's channel layer: the adapter
// capability interface that every platform implements, plus the generic
// connection manager and outbound queue that own the full lifecycle
// (connect, backoff retry, queue drain). Adapters implement only the wire
// capability — never lifecycle, backoff or queue logic.
package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the connection state of a channel endpoint.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusRemoved is terminal: the endpoint was explicitly torn down.
	StatusRemoved Status = "removed"
)

// Adapter is the capability every platform adapter implements. The
// connection manager drives it; adapters must report the outcome of
// Connect exactly once per call and signal transport drops on Closed.
type Adapter interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the platform connection. It may be
	// long-running (QR auth, OAuth, daemon spawn).
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a single outbound message.
	Send(ctx context.Context, msg *OutboundMessage) error

	// Receive returns a Go channel emitting inbound messages.
	Receive() <-chan *InboundMessage

	// Closed returns a Go channel that receives one error per transport
	// drop after a successful Connect. A nil error means a clean close.
	Closed() <-chan error
}

// InboundMessage is a message received from any platform.
type InboundMessage struct {
	// ID is the platform-specific message identifier.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, when available.
	FromName string

	// ChatID is the group or DM identifier.
	ChatID string

	// IsGroup indicates a group chat.
	IsGroup bool

	// Content is the text content.
	Content string

	// ReplyTo is the ID of the message being replied to, if any.
	ReplyTo string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutboundMessage is a message to deliver through a channel. It is owned
// by the channel's queue until handed to the adapter; on send failure it
// is requeued at the tail.
type OutboundMessage struct {
	// ID uniquely identifies the message for dedup and persistence.
	ID string `json:"id"`

	// ChatID is the target chat or user identifier.
	ChatID string `json:"chat_id"`

	// Content is the text content.
	Content string `json:"content"`

	// ReplyTo is the platform message ID to reply to, if any.
	ReplyTo string `json:"reply_to,omitempty"`

	// MediaPath points to a local media file to attach, if any.
	MediaPath string `json:"media_path,omitempty"`

	// EnqueuedAt is when the message entered the outbound queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed delivery attempts.
	Attempts int `json:"attempts"`
}

// NewOutboundMessage creates an outbound message with a fresh ID.
func NewOutboundMessage(chatID, content string) *OutboundMessage {
	return &OutboundMessage{
		ID:      uuid.NewString(),
		ChatID:  chatID,
		Content: content,
	}
}

// Endpoint is a read-only snapshot of a channel endpoint's state. It is
// mutated only by the endpoint's own connection manager.
type Endpoint struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	RetryCount      int       `json:"retry_count"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	QueueDepth      int       `json:"queue_depth"`
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrChannelRemoved      = fmt.Errorf("channel has been removed")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
	ErrMaxReconnects       = fmt.Errorf("max reconnection attempts reached")
)
