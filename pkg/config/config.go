// Package config loads runtime configuration from config.json with
// environment overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envConfigPath    = "ASYNCBOTS_CONFIG"
	envSlackToken    = "SLACK_BOT_TOKEN"
	envTelegramToken = "TELEGRAM_BOT_TOKEN"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	History  HistoryConfig  `json:"history,omitempty"`
	Status   StatusConfig   `json:"status,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// SlackConfig configures the Slack connection.
type SlackConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// Alert is the prefix that marks a channel message as a command.
	// Direct messages need no prefix. Defaults to "!".
	Alert string `json:"alert,omitempty"`
	// BotName labels outbound artifacts such as file uploads.
	BotName string `json:"bot_name,omitempty"`
}

// TelegramConfig configures the Telegram connection.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Alert   string `json:"alert,omitempty"`
}

// DispatchConfig tunes handler execution.
type DispatchConfig struct {
	HandlerTimeoutSeconds int `json:"handler_timeout_seconds,omitempty"`
	MaxInFlight           int `json:"max_in_flight,omitempty"`
	DrainGraceSeconds     int `json:"drain_grace_seconds,omitempty"`
}

// HistoryConfig gates and locates message persistence.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StatusConfig configures the status HTTP endpoint.
type StatusConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment
// overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// AlertPrefix returns the configured alert prefix with its default applied.
func (c SlackConfig) AlertPrefix() string {
	if strings.TrimSpace(c.Alert) == "" {
		return "!"
	}
	return c.Alert
}

// AlertPrefix returns the configured alert prefix with its default applied.
func (c TelegramConfig) AlertPrefix() string {
	if strings.TrimSpace(c.Alert) == "" {
		return "!"
	}
	return c.Alert
}

// AlertFor returns the alert prefix for the named connector section.
func (c *Config) AlertFor(connector string) string {
	if connector == "telegram" {
		return c.Telegram.AlertPrefix()
	}
	return c.Slack.AlertPrefix()
}

// applyEnvOverrides injects secret-bearing env settings on top of file
// config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envSlackToken)); token != "" {
		cfg.Slack.Token = token
	}
	if token := strings.TrimSpace(os.Getenv(envTelegramToken)); token != "" {
		cfg.Telegram.Token = token
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is ASYNCBOTS_CONFIG first, then cwd-local fallback paths.
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
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
