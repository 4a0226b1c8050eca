package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestResolveAPIKey(t *testing.T) {
	t.Run("keyring has priority", func(t *testing.T) {
		keyring.MockInit()
		if err := StoreKeyring(keyringAPIKey, "from-keyring"); err != nil {
			t.Fatalf("storing mock secret: %v", err)
		}
		t.Setenv("OPENAI_API_KEY", "from-env")

		cfg := DefaultConfig()
		cfg.Provider.Driver = "openai"
		ResolveAPIKey(cfg, nil)
		if cfg.Provider.APIKey != "from-keyring" {
			t.Errorf("expected keyring value, got %q", cfg.Provider.APIKey)
		}
	})

	t.Run("environment fallback", func(t *testing.T) {
		keyring.MockInit()
		t.Setenv("OPENAI_API_KEY", "from-env")

		cfg := DefaultConfig()
		cfg.Provider.Driver = "openai"
		ResolveAPIKey(cfg, nil)
		if cfg.Provider.APIKey != "from-env" {
			t.Errorf("expected env value, got %q", cfg.Provider.APIKey)
		}
	})

	t.Run("warning points at the setup command", func(t *testing.T) {
		keyring.MockInit()
		t.Setenv("OPENAI_API_KEY", "")
		t.Setenv("CLAWGATE_API_KEY", "")

		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))

		cfg := DefaultConfig()
		cfg.Provider.Driver = "openai"
		ResolveAPIKey(cfg, logger)

		out := buf.String()
		if !strings.Contains(out, "no API key found") {
			t.Fatalf("expected missing-key warning, got %q", out)
		}
		// The hint must name a command that actually exists.
		if !strings.Contains(out, "clawgate setup") {
			t.Errorf("expected hint at 'clawgate setup', got %q", out)
		}
	})
}
