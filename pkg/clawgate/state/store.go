// Package state persists the parts of the gateway that must survive a
// restart: queued outbound messages and circuit-breaker health windows.
// Both are written as JSON rows in a local SQLite database so a crashed
// gateway resumes with its queues and disable windows intact.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
)

// Config configures the state database.
type Config struct {
	// Path is the database file path (default: "./data/clawgate.db").
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default: "WAL").
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the SQLite busy timeout in milliseconds
	// (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "./data/clawgate.db",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	out := c
	if out.Path == "" {
		out.Path = "./data/clawgate.db"
	}
	if out.JournalMode == "" {
		out.JournalMode = "WAL"
	}
	if out.BusyTimeout == 0 {
		out.BusyTimeout = 5000
	}
	return out
}

const schema = `
CREATE TABLE IF NOT EXISTS outbound_queue (
	channel    TEXT NOT NULL,
	position   INTEGER NOT NULL,
	message    TEXT NOT NULL,
	PRIMARY KEY (channel, position)
);
CREATE TABLE IF NOT EXISTS endpoint_health (
	key        TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL
);
`

// Store is the gateway's persistence layer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the state database and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	cfg = cfg.Effective()
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "state")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveQueue replaces a channel's persisted queue with the given messages,
// preserving order. An empty slice clears the channel's rows.
func (s *Store) SaveQueue(channel string, msgs []*channels.OutboundMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin queue save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM outbound_queue WHERE channel = ?", channel); err != nil {
		return fmt.Errorf("clear queue rows: %w", err)
	}
	for i, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal queued message %s: %w", msg.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO outbound_queue (channel, position, message) VALUES (?, ?, ?)",
			channel, i, string(data),
		); err != nil {
			return fmt.Errorf("insert queued message: %w", err)
		}
	}
	return tx.Commit()
}

// LoadQueue returns a channel's persisted queue in its original order.
func (s *Store) LoadQueue(channel string) ([]*channels.OutboundMessage, error) {
	rows, err := s.db.Query(
		"SELECT message FROM outbound_queue WHERE channel = ? ORDER BY position",
		channel,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue rows: %w", err)
	}
	defer rows.Close()

	var msgs []*channels.OutboundMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		var msg channels.OutboundMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			s.logger.Warn("dropping unreadable queued message", "channel", channel, "error", err)
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// SaveHealth replaces the persisted health snapshot.
func (s *Store) SaveHealth(snapshot []health.EndpointHealth) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin health save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM endpoint_health"); err != nil {
		return fmt.Errorf("clear health rows: %w", err)
	}
	for _, eh := range snapshot {
		data, err := json.Marshal(eh)
		if err != nil {
			return fmt.Errorf("marshal health entry %s: %w", eh.Key, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO endpoint_health (key, snapshot) VALUES (?, ?)",
			eh.Key, string(data),
		); err != nil {
			return fmt.Errorf("insert health entry: %w", err)
		}
	}
	return tx.Commit()
}

// LoadHealth returns the persisted health snapshot.
func (s *Store) LoadHealth() ([]health.EndpointHealth, error) {
	rows, err := s.db.Query("SELECT snapshot FROM endpoint_health")
	if err != nil {
		return nil, fmt.Errorf("query health rows: %w", err)
	}
	defer rows.Close()

	var snapshot []health.EndpointHealth
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan health row: %w", err)
		}
		var eh health.EndpointHealth
		if err := json.Unmarshal([]byte(data), &eh); err != nil {
			s.logger.Warn("dropping unreadable health entry", "error", err)
			continue
		}
		snapshot = append(snapshot, eh)
	}
	return snapshot, rows.Err()
}
