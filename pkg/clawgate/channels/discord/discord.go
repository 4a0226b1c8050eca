// Package discord implements the Discord adapter using discordgo. The
// gateway WebSocket delivers inbound messages; outbound messages go
// through the REST API. discordgo's own reconnect is disabled so the
// connection manager stays the single owner of retry policy.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Enabled turns the channel on/off.
	Enabled bool `yaml:"enabled"`

	// BotToken is the Discord bot token.
	BotToken string `yaml:"bot_token"`

	// AllowedGuilds restricts which guild (server) IDs are forwarded.
	// Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs are forwarded.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToDMs enables forwarding direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToDMs: true,
	}
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	session   *discordgo.Session
	messages  chan *channels.InboundMessage
	closed    chan error
	connected atomic.Bool
}

// New creates a Discord adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.InboundMessage, 256),
		closed:   make(chan error, 1),
	}
}

// Name returns "discord".
func (a *Adapter) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.cfg.BotToken == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	if a.connected.Load() {
		return nil
	}

	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	// The connection manager owns retry policy; a library-level reconnect
	// would race with it.
	session.ShouldReconnectOnError = false

	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onDisconnect)

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: opening gateway: %v", channels.ErrConnectionFailed, err)
	}

	a.session = session
	a.connected.Store(true)

	user := session.State.User
	a.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (a *Adapter) Disconnect() error {
	if a.session != nil {
		a.session.Close()
	}
	a.connected.Store(false)
	a.logger.Info("disconnected")
	return nil
}

// Send delivers one text message to the target channel.
func (a *Adapter) Send(ctx context.Context, msg *channels.OutboundMessage) error {
	if a.session == nil || !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	msgSend := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		msgSend.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo}
	}
	if _, err := a.session.ChannelMessageSendComplex(msg.ChatID, msgSend); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (a *Adapter) Receive() <-chan *channels.InboundMessage {
	return a.messages
}

// Closed signals gateway drops.
func (a *Adapter) Closed() <-chan error {
	return a.closed
}

// onMessageCreate forwards incoming Discord messages.
func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	isGroup := m.GuildID != ""
	if !isGroup && !a.cfg.RespondToDMs {
		return
	}
	if isGroup && len(a.cfg.AllowedGuilds) > 0 && !containsID(a.cfg.AllowedGuilds, m.GuildID) {
		return
	}
	if len(a.cfg.AllowedChannels) > 0 && !containsID(a.cfg.AllowedChannels, m.ChannelID) {
		return
	}
	if m.Content == "" {
		return
	}

	incoming := &channels.InboundMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   isGroup,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyTo = m.ReferencedMessage.ID
	}

	select {
	case a.messages <- incoming:
	default:
		a.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// onDisconnect reports a gateway drop to the connection manager.
func (a *Adapter) onDisconnect(s *discordgo.Session, d *discordgo.Disconnect) {
	if !a.connected.CompareAndSwap(true, false) {
		return
	}
	a.logger.Warn("gateway dropped")
	select {
	case a.closed <- fmt.Errorf("discord: gateway connection dropped"):
	default:
	}
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
