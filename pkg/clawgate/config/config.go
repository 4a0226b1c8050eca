// Package config defines the gateway configuration: YAML files with
// environment variable expansion, .env loading and secret resolution via
// the OS keyring.
package config

import (
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/discord"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/webchat"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/whatsapp"
	"github.com/jholhewres/clawgate/pkg/clawgate/failover"
	"github.com/jholhewres/clawgate/pkg/clawgate/health"
	"github.com/jholhewres/clawgate/pkg/clawgate/state"
)

// ProviderKeyNames maps provider vendors to their standard API key
// variable names (OPENAI_API_KEY, ANTHROPIC_API_KEY, etc.).
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"xai":        "XAI_API_KEY",
}

// ProviderKeyName returns the standard API key variable name for a
// vendor. Falls back to "API_KEY" for unknown vendors.
func ProviderKeyName(vendor string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(vendor)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds all gateway configuration.
type Config struct {
	// Name is the gateway instance name shown in logs and status output.
	Name string `yaml:"name"`

	// Provider configures the LLM provider driver.
	Provider ProviderConfig `yaml:"provider"`

	// Failover configures the model chain, retries and attempt timeouts.
	Failover failover.Config `yaml:"failover"`

	// Health configures the circuit breaker shared by models and channels.
	Health health.Config `yaml:"health"`

	// Conn tunes reconnection and the outbound queue for all channels.
	Conn channels.ConnConfig `yaml:"conn"`

	// Channels configures the platform adapters.
	Channels ChannelsConfig `yaml:"channels"`

	// State configures queue and health persistence.
	State state.Config `yaml:"state"`

	// Maintenance configures background upkeep jobs.
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ProviderConfig configures the LLM provider driver.
type ProviderConfig struct {
	// Driver names the registered provider driver to open.
	Driver string `yaml:"driver"`

	// BaseURL overrides the driver's API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is the provider credential. Can reference an environment
	// variable (${OPENAI_API_KEY}) or be resolved from the OS keyring.
	APIKey string `yaml:"api_key"`

	// Settings passes driver-specific options through verbatim.
	Settings map[string]string `yaml:"settings"`
}

// DriverSettings flattens the provider config into the settings map
// consumed by the driver factory.
func (p ProviderConfig) DriverSettings() map[string]string {
	settings := make(map[string]string, len(p.Settings)+2)
	for k, v := range p.Settings {
		settings[k] = v
	}
	if p.BaseURL != "" {
		settings["base_url"] = p.BaseURL
	}
	if p.APIKey != "" {
		settings["api_key"] = p.APIKey
	}
	return settings
}

// ChannelsConfig holds configuration for all platform adapters.
type ChannelsConfig struct {
	// WhatsApp is the WhatsApp channel config.
	WhatsApp whatsapp.Config `yaml:"whatsapp"`

	// Telegram is the Telegram channel config.
	Telegram telegram.Config `yaml:"telegram"`

	// Discord is the Discord channel config.
	Discord discord.Config `yaml:"discord"`

	// Webchat is the local websocket channel config.
	Webchat webchat.Config `yaml:"webchat"`
}

// MaintenanceConfig configures background upkeep jobs.
type MaintenanceConfig struct {
	// Enabled turns the maintenance scheduler on/off (default: true).
	Enabled bool `yaml:"enabled"`

	// SnapshotCron is the cron spec for persisting queue and health
	// snapshots (default: every minute).
	SnapshotCron string `yaml:"snapshot_cron"`

	// HealthReportCron is the cron spec for the periodic endpoint health
	// log line (default: every 5 minutes).
	HealthReportCron string `yaml:"health_report_cron"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "ClawGate",
		Provider: ProviderConfig{
			Driver:  "openai",
			BaseURL: "https://api.openai.com/v1",
		},
		Failover: failover.DefaultConfig(),
		Health:   health.DefaultConfig(),
		Conn:     channels.DefaultConnConfig(),
		Channels: ChannelsConfig{
			WhatsApp: whatsapp.DefaultConfig(),
			Telegram: telegram.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
			Webchat:  webchat.DefaultConfig(),
		},
		State: state.DefaultConfig(),
		Maintenance: MaintenanceConfig{
			Enabled:          true,
			SnapshotCron:     "* * * * *",
			HealthReportCron: "*/5 * * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Effective returns a copy with defaults filled in for zero values.
func (c Config) Effective() Config {
	out := c
	if out.Name == "" {
		out.Name = "ClawGate"
	}
	out.Failover = out.Failover.Effective()
	out.Health = out.Health.Effective()
	out.Conn = out.Conn.Effective()
	out.State = out.State.Effective()
	if out.Maintenance.SnapshotCron == "" {
		out.Maintenance.SnapshotCron = "* * * * *"
	}
	if out.Maintenance.HealthReportCron == "" {
		out.Maintenance.HealthReportCron = "*/5 * * * *"
	}
	if out.Logging.Level == "" {
		out.Logging.Level = "info"
	}
	if out.Logging.Format == "" {
		out.Logging.Format = "json"
	}
	return out
}
