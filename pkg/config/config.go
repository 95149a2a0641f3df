package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath        = "NEWTONCHAT_CONFIG"
	envInstancesLocation = "NEWTONCHAT_INSTANCES"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

// ErrNotFound reports that no config file exists in the searched locations.
var ErrNotFound = errors.New("config file not found")

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Channels  ChannelsConfig  `json:"channels" yaml:"channels"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// ChatConfig holds session defaults.
type ChatConfig struct {
	// DefaultMode is the bot mode of the base instance.
	DefaultMode string `json:"default_mode" yaml:"default_mode"`
	// SubjectsFile points to a YAML subject tree. Empty uses the built-in tree.
	SubjectsFile string `json:"subjects_file" yaml:"subjects_file"`
	// DataRoot bounds the files the load-file dialog may reference.
	DataRoot string `json:"data_root" yaml:"data_root"`
}

// ProvidersConfig selects the language model backend of LLM bots.
type ProvidersConfig struct {
	// Backend is "openai" (chat completions) or "fantasy".
	Backend string               `json:"backend" yaml:"backend"`
	Model   string               `json:"model" yaml:"model"`
	OpenAI  OpenAIProviderConfig `json:"openai" yaml:"openai"`
}

// OpenAIProviderConfig configures the OpenAI connection.
type OpenAIProviderConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url"`
	Organization          string `json:"organization" yaml:"organization"`
	Project               string `json:"project" yaml:"project"`
	APIKeyEnv             string `json:"api_key_env" yaml:"api_key_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	Proxy     string   `json:"proxy" yaml:"proxy"`
	AllowFrom []string `json:"allow_from" yaml:"allow_from"`
	// Mode is the bot mode of instances created for new Telegram chats.
	Mode string `json:"mode" yaml:"mode"`
}

// StorageConfig selects where session snapshots are persisted.
type StorageConfig struct {
	// Driver is "file" or "sqlite".
	Driver string `json:"driver" yaml:"driver"`
	// Location is a file path, optionally followed by ?{json overrides} for the file driver.
	Location string `json:"location" yaml:"location"`
	// Autosave persists a snapshot after every structural change.
	Autosave bool `json:"autosave" yaml:"autosave"`
}

// Enabled reports whether a storage location is configured.
func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Location) != ""
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// Restrict limits the modes a client offers for new instances.
	Restrict []string `json:"restrict" yaml:"restrict"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Chat: ChatConfig{
			DefaultMode: "newton",
			DataRoot:    ".",
		},
		Providers: ProvidersConfig{
			Backend: "openai",
			Model:   "gpt-3.5-turbo",
			OpenAI: OpenAIProviderConfig{
				APIKeyEnv:             "OPENAI_API_KEY",
				RequestTimeoutSeconds: 120,
			},
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Mode: "chatgpt"},
		},
		Storage: StorageConfig{Driver: "file"},
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 18790},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// LoadConfig resolves the config file, decodes it over Default and applies
// environment overrides. A missing file yields the defaults.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		if err := decodeFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if location := strings.TrimSpace(os.Getenv(envInstancesLocation)); location != "" {
		cfg.Storage.Location = location
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is NEWTONCHAT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s)", ErrNotFound, strings.Join(candidates, ", "))
}
