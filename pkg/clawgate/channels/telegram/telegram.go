// Package telegram implements the Telegram adapter using the Bot API
// directly over HTTP — long polling for updates, sendMessage for replies.
// Lifecycle, backoff and queueing belong to the connection manager; this
// package only speaks the wire protocol.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// Config holds Telegram channel configuration.
type Config struct {
	// Enabled turns the channel on/off.
	Enabled bool `yaml:"enabled"`

	// BotToken is the Telegram Bot API token (from @BotFather).
	BotToken string `yaml:"bot_token"`

	// AllowedChats restricts which chat IDs are forwarded.
	// Empty means all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// RespondToGroups enables forwarding group chat messages.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs enables forwarding direct messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// ParseMode sets the parse mode for outgoing messages
	// ("Markdown" or "HTML", default: "Markdown").
	ParseMode string `yaml:"parse_mode"`

	// PollTimeout is the long-poll timeout in seconds (default: 30).
	PollTimeout int `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToGroups: true,
		RespondToDMs:    true,
		ParseMode:       "Markdown",
		PollTimeout:     30,
	}
}

// pollFailureLimit is the consecutive getUpdates failures tolerated before
// the adapter reports a transport drop and lets the connection manager
// take over.
const pollFailureLimit = 5

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is https://api.telegram.org/bot<token>.
	baseURL string

	messages  chan *channels.InboundMessage
	closed    chan error
	connected atomic.Bool

	// offset is the last processed update ID + 1. Preserved across
	// reconnects so updates are never replayed.
	offset int64

	cancel context.CancelFunc
}

// New creates a Telegram adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		baseURL:  "https://api.telegram.org/bot" + cfg.BotToken,
		messages: make(chan *channels.InboundMessage, 256),
		closed:   make(chan error, 1),
	}
}

// Name returns "telegram".
func (a *Adapter) Name() string { return "telegram" }

// Connect verifies the bot token and starts the long-polling loop.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.cfg.BotToken == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if a.connected.Load() {
		return nil
	}

	me, err := a.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: verifying token: %w", err)
	}
	a.logger.Info("connected", "bot", me.Username, "id", me.ID)
	a.connected.Store(true)

	pollCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.pollLoop(pollCtx)
	return nil
}

// Disconnect stops the polling loop.
func (a *Adapter) Disconnect() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.connected.Store(false)
	a.logger.Info("disconnected")
	return nil
}

// Send delivers one text message via sendMessage.
func (a *Adapter) Send(ctx context.Context, msg *channels.OutboundMessage) error {
	if !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", msg.ChatID, err)
	}

	payload := map[string]any{
		"chat_id":    chatID,
		"text":       msg.Content,
		"parse_mode": a.cfg.ParseMode,
	}
	if msg.ReplyTo != "" {
		if msgID, e := strconv.ParseInt(msg.ReplyTo, 10, 64); e == nil {
			payload["reply_parameters"] = map[string]any{"message_id": msgID}
		}
	}

	if _, err := a.apiCall(ctx, "sendMessage", payload); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (a *Adapter) Receive() <-chan *channels.InboundMessage {
	return a.messages
}

// Closed signals transport drops: one error per drop after a successful
// Connect.
func (a *Adapter) Closed() <-chan error {
	return a.closed
}

// pollLoop runs the getUpdates long-polling loop. Transient errors retry
// in place with backoff; persistent failure is reported as a transport
// drop so the connection manager owns the recovery.
func (a *Adapter) pollLoop(ctx context.Context) {
	a.logger.Info("polling started")
	backoff := time.Second
	failures := 0

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("polling stopped")
			return
		default:
		}

		updates, err := a.getUpdates(ctx, a.offset, 100, a.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= pollFailureLimit {
				a.logger.Warn("polling failed repeatedly, reporting transport drop", "error", err)
				a.connected.Store(false)
				select {
				case a.closed <- err:
				default:
				}
				return
			}
			a.logger.Warn("getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		failures = 0

		for _, u := range updates {
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
			}
			a.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an InboundMessage.
func (a *Adapter) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		if u.EditedMessage == nil {
			return
		}
		msg = u.EditedMessage // treat edits as new messages
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	if len(a.cfg.AllowedChats) > 0 {
		allowed := false
		for _, id := range a.cfg.AllowedChats {
			if id == msg.Chat.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return
		}
	}
	if isGroup && !a.cfg.RespondToGroups {
		return
	}
	if !isGroup && !a.cfg.RespondToDMs {
		return
	}

	from := ""
	fromName := ""
	if msg.From != nil {
		from = strconv.FormatInt(msg.From.ID, 10)
		fromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if fromName == "" {
			fromName = msg.From.Username
		}
	}

	incoming := &channels.InboundMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		From:      from,
		FromName:  fromName,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   isGroup,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.ReplyToMessage != nil {
		incoming.ReplyTo = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	if incoming.Content == "" {
		return
	}

	select {
	case a.messages <- incoming:
	default:
		a.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// getMe verifies the bot token.
func (a *Adapter) getMe(ctx context.Context) (*tgUser, error) {
	result, err := a.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var me tgUser
	if err := json.Unmarshal(result, &me); err != nil {
		return nil, fmt.Errorf("parsing getMe result: %w", err)
	}
	return &me, nil
}

// getUpdates fetches pending updates with long polling.
func (a *Adapter) getUpdates(ctx context.Context, offset int64, limit, timeout int) ([]tgUpdate, error) {
	result, err := a.apiCall(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"limit":   limit,
		"timeout": timeout,
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("parsing updates: %w", err)
	}
	return updates, nil
}

// apiCall performs a Bot API method call and returns the raw result.
func (a *Adapter) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+method, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if !apiResp.OK {
		return nil, fmt.Errorf("%s: API error %d: %s", method, apiResp.ErrorCode, apiResp.Description)
	}
	return apiResp.Result, nil
}

// ---------- Telegram Bot API types ----------

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID      int        `json:"message_id"`
	From           *tgUser    `json:"from"`
	Chat           tgChat     `json:"chat"`
	Date           int        `json:"date"`
	Text           string     `json:"text"`
	ReplyToMessage *tgMessage `json:"reply_to_message"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "private", "group", "supergroup", "channel"
	Title string `json:"title"`
}
