// secrets.go resolves provider credentials through the OS keyring
// (Linux: Secret Service, macOS: Keychain, Windows: Credential Manager)
// with environment variables and the config file as fallbacks.
//
// Resolution order:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (OPENAI_API_KEY, CLAWGATE_API_KEY, etc.)
//  3. config.yaml value (least secure, plaintext on disk)
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "clawgate"

// keyringAPIKey is the key name for the LLM API key.
const keyringAPIKey = "api_key"

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__clawgate_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the provider API key through the priority chain
// and updates the config in place with the resolved value.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.Provider.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return
	}

	for _, envVar := range apiKeyEnvVars(cfg.Provider.Driver) {
		if val := os.Getenv(envVar); val != "" {
			cfg.Provider.APIKey = val
			logger.Debug("API key loaded from environment", "var", envVar)
			return
		}
	}

	if cfg.Provider.APIKey != "" && !IsEnvReference(cfg.Provider.APIKey) {
		logger.Debug("API key loaded from config")
		return
	}

	logger.Warn("no API key found. Run 'clawgate setup' to configure one")
}

// ReadPassword prompts for a secret without echoing it. Falls back to a
// plain stdin read for piped input or non-TTY environments.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(secret), nil
	}

	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(bytesTrimNewline(buf[:n])), nil
}

func bytesTrimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// MigrateKeyToKeyring moves an API key into the OS keyring so it can be
// removed from .env and config.yaml.
func MigrateKeyToKeyring(apiKey string, logger *slog.Logger) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("API key stored in OS keyring", "service", keyringService)
	return nil
}
