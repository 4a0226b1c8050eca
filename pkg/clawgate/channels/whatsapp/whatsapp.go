// Package whatsapp implements the WhatsApp adapter using whatsmeow — a
// native Go WhatsApp Web API library. Sessions persist in SQLite so a QR
// scan is needed only once. whatsmeow's built-in auto-reconnect stays
// disabled: the connection manager owns retry policy, and this adapter
// reports transport drops through Closed.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// Enabled turns the channel on/off.
	Enabled bool `yaml:"enabled"`

	// SessionPath is the SQLite database file for session persistence
	// (default: "./sessions/whatsapp.db").
	SessionPath string `yaml:"session_path"`

	// AllowedJIDs restricts which sender JIDs are forwarded.
	// Empty means all senders.
	AllowedJIDs []string `yaml:"allowed_jids"`

	// RespondToGroups enables forwarding group chat messages.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs enables forwarding direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionPath:     "./sessions/whatsapp.db",
		RespondToGroups: true,
		RespondToDMs:    true,
	}
}

// QREvent is a login QR code event streamed to observers.
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type string `json:"type"`

	// Code is the raw QR string (only for Type == "code").
	Code string `json:"code,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message,omitempty"`
}

// Adapter implements channels.Adapter for WhatsApp.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *whatsmeow.Client

	messages  chan *channels.InboundMessage
	closed    chan error
	connected atomic.Bool

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex

	cancel context.CancelFunc
}

// New creates a WhatsApp adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./sessions/whatsapp.db"
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.InboundMessage, 256),
		closed:   make(chan error, 1),
	}
}

// Name returns "whatsapp".
func (a *Adapter) Name() string { return "whatsapp" }

// Connect opens the session store and connects to WhatsApp Web. With no
// stored session, the QR login flow runs and Connect blocks until
// pairing succeeds, expires or fails — the connection manager treats it
// like any long handshake, so the channel only reports connected (and
// only starts draining its queue) once messages can actually be sent.
// QR codes stream to observers while pairing is pending.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.connected.Load() {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", a.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		cancel()
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := a.getDevice(ctx, container)
	if err != nil {
		cancel()
		return fmt.Errorf("getting device: %w", err)
	}

	// Shown in the WhatsApp linked-devices list.
	store.SetOSInfo("ClawGate", [3]uint32{1, 0, 0})

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)
	a.client.EnableAutoReconnect = false

	if a.client.Store.ID == nil {
		a.logger.Info("no existing session, QR code required")
		if err := a.loginWithQR(runCtx); err != nil {
			cancel()
			a.client.Disconnect()
			return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
		}
		return nil
	}

	if err := a.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", channels.ErrConnectionFailed, err)
	}

	a.connected.Store(true)
	a.logger.Info("connected with existing session", "jid", a.clientJID())
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (a *Adapter) Disconnect() error {
	a.connected.Store(false)
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.logger.Info("disconnected")
	return nil
}

// Send delivers one text message to the target JID.
func (a *Adapter) Send(ctx context.Context, msg *channels.OutboundMessage) error {
	if !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", msg.ChatID, err)
	}

	if _, err := a.client.SendMessage(ctx, jid, buildTextMessage(msg.Content, msg.ReplyTo)); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (a *Adapter) Receive() <-chan *channels.InboundMessage {
	return a.messages
}

// Closed signals transport drops and logouts.
func (a *Adapter) Closed() <-chan error {
	return a.closed
}

// SubscribeQR registers an observer for login QR events. Returns an
// unsubscribe function.
func (a *Adapter) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	a.qrObserversMu.Lock()
	a.qrObservers = append(a.qrObservers, ch)
	a.qrObserversMu.Unlock()

	return ch, func() {
		a.qrObserversMu.Lock()
		defer a.qrObserversMu.Unlock()
		for i, obs := range a.qrObservers {
			if obs == ch {
				a.qrObservers = append(a.qrObservers[:i], a.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (a *Adapter) notifyQR(evt QREvent) {
	a.qrObserversMu.Lock()
	defer a.qrObserversMu.Unlock()
	for _, ch := range a.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

// handleEvent is the whatsmeow event dispatcher.
func (a *Adapter) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		a.handleMessage(evt)
	case *events.Connected:
		a.connected.Store(true)
		a.logger.Info("session established", "jid", a.clientJID())
	case *events.Disconnected:
		if a.connected.CompareAndSwap(true, false) {
			a.logger.Warn("transport dropped")
			a.reportDrop(fmt.Errorf("whatsapp: connection dropped"))
		}
	case *events.LoggedOut:
		a.connected.Store(false)
		a.logger.Warn("logged out by server", "reason", evt.Reason)
		a.reportDrop(fmt.Errorf("whatsapp: logged out: %s", evt.Reason))
	}
}

func (a *Adapter) reportDrop(err error) {
	select {
	case a.closed <- err:
	default:
	}
}

// handleMessage converts a WhatsApp message event into an InboundMessage.
func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}

	isGroup := evt.Info.IsGroup
	if isGroup && !a.cfg.RespondToGroups {
		return
	}
	if !isGroup && !a.cfg.RespondToDMs {
		return
	}

	sender := evt.Info.Sender.String()
	if len(a.cfg.AllowedJIDs) > 0 && !containsJID(a.cfg.AllowedJIDs, sender) {
		return
	}

	content, replyTo := extractText(evt.Message)
	if content == "" {
		return
	}

	incoming := &channels.InboundMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      sender,
		FromName:  evt.Info.PushName,
		ChatID:    evt.Info.Chat.String(),
		IsGroup:   isGroup,
		Content:   content,
		ReplyTo:   replyTo,
		Timestamp: evt.Info.Timestamp,
	}

	select {
	case a.messages <- incoming:
	default:
		a.logger.Warn("message buffer full, dropping message", "from", incoming.From)
	}
}

// loginWithQR runs the QR pairing flow, streaming codes to observers.
func (a *Adapter) loginWithQR(ctx context.Context) error {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				a.logger.Info("QR code ready, scan with WhatsApp to link")
				a.notifyQR(QREvent{Type: "code", Code: evt.Code, Message: "Scan with WhatsApp to link this device"})
			case "success":
				a.connected.Store(true)
				a.logger.Info("login successful")
				a.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked successfully"})
				return nil
			case "timeout":
				a.logger.Warn("QR code expired")
				a.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					a.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// getDevice retrieves the stored device or creates a new one.
func (a *Adapter) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (a *Adapter) clientJID() string {
	if a.client != nil && a.client.Store.ID != nil {
		return a.client.Store.ID.String()
	}
	return ""
}

// buildTextMessage constructs the outgoing protobuf message. Replies use
// an extended text message carrying the quoted stanza ID.
func buildTextMessage(content, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(content)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(content),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String(replyTo),
			},
		},
	}
}

// extractText pulls the text content and reply stanza from a message.
func extractText(waMsg *waE2E.Message) (content, replyTo string) {
	if waMsg == nil {
		return "", ""
	}
	if waMsg.Conversation != nil {
		return waMsg.GetConversation(), ""
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		if ctxInfo := ext.GetContextInfo(); ctxInfo != nil {
			replyTo = ctxInfo.GetStanzaID()
		}
		return ext.GetText(), replyTo
	}
	if img := waMsg.ImageMessage; img != nil && img.GetCaption() != "" {
		return img.GetCaption(), ""
	}
	if vid := waMsg.VideoMessage; vid != nil && vid.GetCaption() != "" {
		return vid.GetCaption(), ""
	}
	return "", ""
}

// parseJID converts a string to types.JID. Accepts full JIDs
// ("5511999999999@s.whatsapp.net", "123-456@g.us") or bare phone numbers.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func containsJID(jids []string, jid string) bool {
	for _, candidate := range jids {
		if candidate == jid {
			return true
		}
	}
	return false
}
