package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/thruflo/klipdeck/internal/auth"
	"github.com/thruflo/klipdeck/internal/logging"
	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultOrigin       = "http://localhost:8000"
	DefaultLogLevel     = "warn"
	DefaultServerPort   = 8000
	DefaultStepInterval = 2 * time.Second
)

// Environment variables that override the config file.
const (
	EnvOrigin   = "KLIPDECK_ORIGIN"
	EnvLogLevel = "KLIPDECK_LOG_LEVEL"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Console: Console{Origin: DefaultOrigin},
		Logging: Logging{Level: DefaultLogLevel},
		MockServer: MockServer{
			Port:         DefaultServerPort,
			StepInterval: DefaultStepInterval,
		},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Dir returns the klipdeck directory under basePath.
func Dir(basePath string) string {
	return filepath.Join(basePath, ".klipdeck")
}

// LoadConfig reads and parses .klipdeck/config.yaml from the given base path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(Dir(basePath), "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if err := ValidateOrigin(cfg.Console.Origin); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return ValidationError{Field: "logging.level", Message: "must be one of debug, info, warn, error"}
	}
	if cfg.MockServer.Port < 0 || cfg.MockServer.Port > 65535 {
		return ValidationError{Field: "mock_server.port", Message: "must be between 0 and 65535"}
	}
	if cfg.MockServer.StepInterval <= 0 {
		return ValidationError{Field: "mock_server.step_interval", Message: "must be positive"}
	}
	if h := cfg.MockServer.StatsPasswordHash; h != "" {
		if err := auth.ValidateHash(h); err != nil {
			return ValidationError{Field: "mock_server.stats_password_hash", Message: err.Error()}
		}
	}
	return nil
}

// SaveConfig writes cfg to .klipdeck/config.yaml, replacing the file.
// Comments in the previous file are not preserved.
func SaveConfig(basePath string, cfg *Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	dir := Dir(basePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidateOrigin checks that origin is an absolute http or https URL.
func ValidateOrigin(origin string) error {
	if origin == "" {
		return ValidationError{Field: "console.origin", Message: "required field is empty"}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ValidationError{Field: "console.origin", Message: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ValidationError{Field: "console.origin", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return ValidationError{Field: "console.origin", Message: "missing host"}
	}
	return nil
}

// LoadEnvFile parses .klipdeck/.env into a map of key-value pairs.
// The file format is KEY=VALUE per line. Lines starting with # are comments.
// Empty lines are ignored.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(Dir(basePath), ".env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}

func unquote(value string) string {
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// ApplyEnv overrides cfg from env and validates the result. Keys not
// present in env leave the config untouched.
func ApplyEnv(cfg *Config, env map[string]string) error {
	if v, ok := env[EnvOrigin]; ok && v != "" {
		cfg.Console.Origin = v
	}
	if v, ok := env[EnvLogLevel]; ok && v != "" {
		cfg.Logging.Level = v
	}
	return ValidateConfig(cfg)
}

// Load is LoadConfig followed by overrides from .klipdeck/.env and then
// from the process environment.
func Load(basePath string) (*Config, error) {
	cfg, err := LoadConfig(basePath)
	if err != nil {
		return nil, err
	}

	env, err := LoadEnvFile(basePath)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{EnvOrigin, EnvLogLevel} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}

	if err := ApplyEnv(cfg, env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
