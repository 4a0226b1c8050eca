package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	path := writeConfig(t, "name: TestGate\n")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Name != "TestGate" {
		t.Errorf("expected name from file, got %q", cfg.Name)
	}
	// Untouched sections keep their defaults.
	if cfg.Failover.MaxRetries != 2 {
		t.Errorf("expected default max retries, got %d", cfg.Failover.MaxRetries)
	}
	if cfg.Health.FailureThreshold != 3 {
		t.Errorf("expected default failure threshold, got %d", cfg.Health.FailureThreshold)
	}
	if cfg.Conn.ReconnectBackoff != 5*time.Second {
		t.Errorf("expected default reconnect backoff, got %v", cfg.Conn.ReconnectBackoff)
	}
}

func TestLoadFromFileOverrides(t *testing.T) {
	path := writeConfig(t, `
failover:
  preset: fast
  max_retries: 3
conn:
  max_reconnect_attempts: 0
channels:
  telegram:
    enabled: true
    bot_token: tok-123
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Failover.Preset != "fast" {
		t.Errorf("expected preset fast, got %q", cfg.Failover.Preset)
	}
	if cfg.Failover.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Failover.MaxRetries)
	}
	if cfg.Conn.MaxReconnectAttempts != 0 {
		t.Errorf("expected unlimited reconnects, got %d", cfg.Conn.MaxReconnectAttempts)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.BotToken != "tok-123" {
		t.Errorf("expected telegram channel config, got %+v", cfg.Channels.Telegram)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CLAWGATE_TEST_TOKEN", "secret-value")

	t.Run("set variable", func(t *testing.T) {
		out, err := expandEnvVars("token: ${CLAWGATE_TEST_TOKEN}")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != "token: secret-value" {
			t.Errorf("expected expanded value, got %q", out)
		}
	})

	t.Run("default applies when unset", func(t *testing.T) {
		out, err := expandEnvVars("addr: ${CLAWGATE_TEST_MISSING:-localhost:8080}")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != "addr: localhost:8080" {
			t.Errorf("expected default value, got %q", out)
		}
	})

	t.Run("required variable errors when unset", func(t *testing.T) {
		_, err := expandEnvVars("token: ${CLAWGATE_TEST_MISSING:?token is required}")
		if err == nil {
			t.Fatal("expected error for required variable")
		}
	})

	t.Run("unset without modifier keeps placeholder", func(t *testing.T) {
		out, err := expandEnvVars("token: ${CLAWGATE_TEST_MISSING}")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != "token: ${CLAWGATE_TEST_MISSING}" {
			t.Errorf("expected placeholder preserved, got %q", out)
		}
	})
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("CLAWGATE_TEST_BOT_TOKEN", "bot-token-value")
	path := writeConfig(t, `
channels:
  telegram:
    enabled: true
    bot_token: ${CLAWGATE_TEST_BOT_TOKEN}
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.Channels.Telegram.BotToken != "bot-token-value" {
		t.Errorf("expected expanded token, got %q", cfg.Channels.Telegram.BotToken)
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Name = "Saved"
	cfg.Failover.Preset = "high"
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("saving config: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("reloading config: %v", err)
	}
	if loaded.Name != "Saved" || loaded.Failover.Preset != "high" {
		t.Errorf("round trip lost values: %+v", loaded)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %04o", info.Mode().Perm())
	}
}

func TestSaveToFileSanitizesAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-live-key")
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Provider.Driver = "openai"
	cfg.Provider.APIKey = "sk-live-key"
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("saving config: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected config content")
	}
	if strings.Contains(string(data), "sk-live-key") {
		t.Error("plaintext API key written to disk")
	}
	if !strings.Contains(string(data), "${OPENAI_API_KEY}") {
		t.Error("expected env var reference in saved config")
	}
}

func TestSaveToFileKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	first := DefaultConfig()
	first.Name = "First"
	if err := SaveToFile(first, path); err != nil {
		t.Fatalf("saving first config: %v", err)
	}
	second := DefaultConfig()
	second.Name = "Second"
	if err := SaveToFile(second, path); err != nil {
		t.Fatalf("saving second config: %v", err)
	}

	bak, err := LoadFromFile(path + ".bak")
	if err != nil {
		t.Fatalf("loading backup: %v", err)
	}
	if bak.Name != "First" {
		t.Errorf("expected backup to hold previous config, got %q", bak.Name)
	}
}

func TestProviderKeyName(t *testing.T) {
	if got := ProviderKeyName("openai"); got != "OPENAI_API_KEY" {
		t.Errorf("expected OPENAI_API_KEY, got %s", got)
	}
	if got := ProviderKeyName("Anthropic"); got != "ANTHROPIC_API_KEY" {
		t.Errorf("expected case-insensitive lookup, got %s", got)
	}
	if got := ProviderKeyName("unknown-vendor"); got != "API_KEY" {
		t.Errorf("expected generic fallback, got %s", got)
	}
}

func TestDriverSettings(t *testing.T) {
	p := ProviderConfig{
		Driver:   "openai",
		BaseURL:  "https://example.test/v1",
		APIKey:   "sk-test",
		Settings: map[string]string{"org": "acme"},
	}
	settings := p.DriverSettings()
	if settings["base_url"] != "https://example.test/v1" {
		t.Errorf("expected base_url in settings, got %v", settings)
	}
	if settings["api_key"] != "sk-test" {
		t.Errorf("expected api_key in settings, got %v", settings)
	}
	if settings["org"] != "acme" {
		t.Errorf("expected passthrough setting, got %v", settings)
	}
}
