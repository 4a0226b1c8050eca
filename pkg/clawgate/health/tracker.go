// Package health implements the shared failure tracker used by both the
// channel layer and the provider failover engine. Each key (a channel name
// or a "vendor/model" string) accumulates consecutive failures; once the
// threshold is reached the key is disabled for an escalating, capped
// window. A single success resets the key completely.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/clock"
)

// Config tunes the circuit-breaker behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker (default: 3).
	FailureThreshold int `yaml:"failure_threshold"`

	// DisableStep is multiplied by the failure count to compute the
	// disable window (default: 30s).
	DisableStep time.Duration `yaml:"disable_step"`

	// MaxDisable caps the disable window (default: 5m).
	MaxDisable time.Duration `yaml:"max_disable"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		DisableStep:      30 * time.Second,
		MaxDisable:       5 * time.Minute,
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	out := c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.DisableStep <= 0 {
		out.DisableStep = 30 * time.Second
	}
	if out.MaxDisable <= 0 {
		out.MaxDisable = 5 * time.Minute
	}
	return out
}

// EndpointHealth is a snapshot of a single key's state.
type EndpointHealth struct {
	Key           string    `json:"key"`
	FailureCount  int       `json:"failure_count"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// entry holds per-key state behind its own lock so reporters on different
// keys never contend.
type entry struct {
	mu            sync.Mutex
	failureCount  int
	disabledUntil time.Time
	lastSuccessAt time.Time
}

// Tracker counts failures per key and disables keys that exceed the
// threshold. Entries are created lazily and never destroyed.
type Tracker struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTracker creates a tracker with the given config and clock.
func NewTracker(cfg Config, clk clock.Clock, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		cfg:     cfg.Effective(),
		clock:   clk,
		logger:  logger.With("component", "health"),
		entries: make(map[string]*entry),
	}
}

// RecordFailure increments the failure count for a key. Once the count
// reaches the threshold, the key is disabled for
// min(failureCount*DisableStep, MaxDisable) from now.
func (t *Tracker) RecordFailure(key string) {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failureCount++
	if e.failureCount >= t.cfg.FailureThreshold {
		window := time.Duration(e.failureCount) * t.cfg.DisableStep
		if window > t.cfg.MaxDisable {
			window = t.cfg.MaxDisable
		}
		e.disabledUntil = t.clock.Now().Add(window)
		t.logger.Warn("endpoint disabled after repeated failures",
			"key", key,
			"failures", e.failureCount,
			"disabled_for", window)
	}
}

// RecordSuccess resets the failure count and clears any disable window.
func (t *Tracker) RecordSuccess(key string) {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failureCount >= t.cfg.FailureThreshold {
		t.logger.Info("endpoint recovered", "key", key)
	}
	e.failureCount = 0
	e.disabledUntil = time.Time{}
	e.lastSuccessAt = t.clock.Now()
}

// IsAvailable reports whether the key may be attempted. It is advisory:
// false only while a disable window is still in the future.
func (t *Tracker) IsAvailable(key string) bool {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return !t.clock.Now().Before(e.disabledUntil)
}

// FailureCount returns the current consecutive failure count for a key.
func (t *Tracker) FailureCount(key string) int {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureCount
}

// Snapshot returns the state of every tracked key, for persistence and
// health reporting.
func (t *Tracker) Snapshot() []EndpointHealth {
	t.mu.RLock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	out := make([]EndpointHealth, 0, len(keys))
	for _, k := range keys {
		e := t.entry(k)
		e.mu.Lock()
		out = append(out, EndpointHealth{
			Key:           k,
			FailureCount:  e.failureCount,
			DisabledUntil: e.disabledUntil,
			LastSuccessAt: e.lastSuccessAt,
		})
		e.mu.Unlock()
	}
	return out
}

// Restore seeds the tracker from a persisted snapshot. Disable windows in
// the past are dropped.
func (t *Tracker) Restore(snapshot []EndpointHealth) {
	now := t.clock.Now()
	for _, h := range snapshot {
		e := t.entry(h.Key)
		e.mu.Lock()
		e.failureCount = h.FailureCount
		e.lastSuccessAt = h.LastSuccessAt
		if h.DisabledUntil.After(now) {
			e.disabledUntil = h.DisabledUntil
		}
		e.mu.Unlock()
	}
}

// entry returns the state for a key, creating it lazily.
func (t *Tracker) entry(key string) *entry {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[key]; ok {
		return e
	}
	e = &entry{}
	t.entries[key] = e
	return e
}
