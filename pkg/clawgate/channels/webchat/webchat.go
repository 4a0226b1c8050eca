// Package webchat implements a local browser channel: an HTTP server
// with a websocket endpoint where each connection is one chat session.
// It needs no external platform, which makes it the default channel for
// trying the gateway out and for driving it from scripts.
package webchat

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// Config holds webchat channel configuration.
type Config struct {
	// Enabled turns the channel on/off.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default: ":8087").
	Address string `yaml:"address"`

	// AuthToken is the bearer token required on /ws (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// AuthTokenHash is a bcrypt hash of the token; when set it takes
	// precedence over AuthToken so the plaintext never touches disk.
	AuthTokenHash string `yaml:"auth_token_hash"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address: ":8087",
	}
}

// HashToken returns the bcrypt hash of a token for AuthTokenHash.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

// wireMessage is the JSON frame exchanged over the websocket.
type wireMessage struct {
	Type    string `json:"type"` // "message"
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// session is one connected websocket client.
type session struct {
	id   string
	conn *websocket.Conn
}

// Adapter implements channels.Adapter for the local webchat.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	server    *http.Server
	messages  chan *channels.InboundMessage
	closed    chan error
	connected atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a webchat adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8087"
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "webchat"),
		messages: make(chan *channels.InboundMessage, 256),
		closed:   make(chan error, 1),
		sessions: make(map[string]*session),
	}
}

// Name returns "webchat".
func (a *Adapter) Name() string { return "webchat" }

// Connect starts the HTTP server.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.connected.Load() {
		return nil
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", a.handleWS).Methods(http.MethodGet)

	a.server = &http.Server{
		Addr:         a.cfg.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.connected.Store(true)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Address)
		err := a.server.ListenAndServe()
		if a.connected.CompareAndSwap(true, false) && !errors.Is(err, http.ErrServerClosed) {
			select {
			case a.closed <- err:
			default:
			}
		}
	}()
	return nil
}

// Disconnect shuts the HTTP server down and closes all sessions.
func (a *Adapter) Disconnect() error {
	a.connected.Store(false)

	a.mu.Lock()
	for _, s := range a.sessions {
		s.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	a.sessions = make(map[string]*session)
	a.mu.Unlock()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down webchat server: %w", err)
		}
	}
	a.logger.Info("disconnected")
	return nil
}

// Send delivers one message to the session identified by ChatID.
func (a *Adapter) Send(ctx context.Context, msg *channels.OutboundMessage) error {
	if !a.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	a.mu.RLock()
	s, ok := a.sessions[msg.ChatID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown session %s", channels.ErrSendFailed, msg.ChatID)
	}

	frame := wireMessage{Type: "message", Content: msg.Content, ReplyTo: msg.ReplyTo}
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (a *Adapter) Receive() <-chan *channels.InboundMessage {
	return a.messages
}

// Closed signals server failures.
func (a *Adapter) Closed() <-chan error {
	return a.closed
}

// Sessions returns the IDs of the connected sessions.
func (a *Adapter) Sessions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleWS upgrades the connection and runs the read loop until the
// client disconnects.
func (a *Adapter) handleWS(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}

	s := &session{id: uuid.NewString(), conn: conn}
	a.mu.Lock()
	a.sessions[s.id] = s
	a.mu.Unlock()
	a.logger.Info("session opened", "session", s.id)

	defer func() {
		a.mu.Lock()
		delete(a.sessions, s.id)
		a.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		a.logger.Info("session closed", "session", s.id)
	}()

	// Tell the client its session ID so reconnects can be correlated.
	hello := map[string]string{"type": "hello", "session_id": s.id}
	if err := wsjson.Write(r.Context(), conn, hello); err != nil {
		return
	}

	for {
		var frame wireMessage
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		if frame.Content == "" {
			continue
		}

		incoming := &channels.InboundMessage{
			ID:        uuid.NewString(),
			Channel:   "webchat",
			From:      s.id,
			FromName:  "webchat",
			ChatID:    s.id,
			Content:   frame.Content,
			ReplyTo:   frame.ReplyTo,
			Timestamp: time.Now(),
		}
		select {
		case a.messages <- incoming:
		default:
			a.logger.Warn("message buffer full, dropping message", "session", s.id)
		}
	}
}

// authorize checks the bearer token. The bcrypt hash wins over the
// plaintext token; with neither configured, access is open (local use).
func (a *Adapter) authorize(r *http.Request) bool {
	if a.cfg.AuthTokenHash == "" && a.cfg.AuthToken == "" {
		return true
	}

	token := bearerToken(r)
	if token == "" {
		return false
	}
	if a.cfg.AuthTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.cfg.AuthTokenHash), []byte(token)) == nil
	}
	return compareTokens(token, a.cfg.AuthToken)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	// Browsers can't set headers on websocket dials; allow a query param.
	return r.URL.Query().Get("token")
}

// compareTokens hashes both inputs before the constant-time compare so
// length differences leak nothing.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
