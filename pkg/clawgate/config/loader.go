// loader.go loads gateway configuration from YAML files, expanding
// environment variables and .env files before parsing.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR}           - use VAR value, keep placeholder if unset
//   - ${VAR:-default}  - use VAR value, or "default" if unset
//   - ${VAR:?error}    - use VAR value, or fail loading if unset
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// LoadFromFile reads and parses a YAML configuration file. .env files are
// loaded first (without overriding existing variables), then environment
// references in the YAML are expanded. A ${VAR:?message} reference with
// VAR unset fails the load.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	checkFilePermissions(path)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes a Config as YAML. The previous file is kept as a .bak
// so a crash mid-write never loses a working config, and the new file is
// written owner-only.
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Provider.APIKey = sanitizeSecret(cfg.Provider.APIKey, apiKeyEnvVars(cfg.Provider.Driver))

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"clawgate.yaml",
		"clawgate.yml",
		"configs/clawgate.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files from standard locations. Existing
// environment variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default} and ${VAR:?error}
// references with their environment values.
func expandEnvVars(input string) (string, error) {
	var missing []string

	expanded := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg := groups[1], groups[2], groups[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return arg
		case "?":
			msg := arg
			if msg == "" {
				msg = "required environment variable not set"
			}
			missing = append(missing, name+": "+msg)
			return match
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return expanded, nil
}

// sanitizeSecret replaces a real secret with an env var reference for
// safe storage. A value that matches no known variable is cleared rather
// than written to disk in plaintext.
func sanitizeSecret(value string, envVars []string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) == value {
			return "${" + envVar + "}"
		}
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return "${" + envVar + "}"
		}
	}
	return ""
}

// apiKeyEnvVars lists the env vars a driver's API key may live in, in
// resolution order.
func apiKeyEnvVars(driver string) []string {
	return []string{ProviderKeyName(driver), "CLAWGATE_API_KEY"}
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600")
	}
}
