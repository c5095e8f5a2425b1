package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the root broker configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Janitor JanitorConfig `mapstructure:"janitor"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     LogConfig     `mapstructure:"log"`
}

// StoreConfig locates the durable request store.
type StoreConfig struct {
	Workspace string `mapstructure:"workspace"`
}

// GatewayConfig configures the ingress HTTP surface.
type GatewayConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
	// PublicURL is the externally reachable base URL operators' browsers
	// use to reach this gateway, e.g. for the code-view link in an
	// approval prompt. Left empty, it is derived from Host/Port, with a
	// bind address like 0.0.0.0 replaced by 127.0.0.1.
	PublicURL string `mapstructure:"public_url"`
}

// ChatConfig configures the chat collaborator(s).
type ChatConfig struct {
	Telegram       TelegramConfig `mapstructure:"telegram"`
	ConsoleEnabled bool           `mapstructure:"console_enabled"`
}

// TelegramConfig configures the Telegram chat collaborator.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Token    string `mapstructure:"token"`
	Operator string `mapstructure:"operator"` // sole allowed operator principal (numeric chat/user id)
}

// SandboxConfig configures the sandbox executor.
type SandboxConfig struct {
	Mode           string  `mapstructure:"mode"` // "direct" | "containerized"
	RuntimeBinary  string  `mapstructure:"runtime_binary"`
	DefaultTimeout int     `mapstructure:"default_timeout"` // seconds
	MemoryLimitMB  int     `mapstructure:"memory_limit_mb"`
	CPULimit       float64 `mapstructure:"cpu_limit"`
	ScratchDir     string  `mapstructure:"scratch_dir"`
	MaxOutputBytes int     `mapstructure:"max_output_bytes"`
}

// JanitorConfig configures the background sweep.
type JanitorConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SweepExpr      string `mapstructure:"sweep_expr"` // cron expression, default hourly
	RetentionHours int    `mapstructure:"retention_hours"`
}

// NotifyConfig configures the notification emitter.
type NotifyConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	FallbackFile string `mapstructure:"fallback_file"`
}

// LogConfig configures application logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("failed to resolve home directory, using current directory as fallback", "error", err)
		homeDir = "."
	}
	workspace := filepath.Join(homeDir, ".broker", "workspace")
	return &Config{
		Store: StoreConfig{
			Workspace: workspace,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8790,
		},
		Chat: ChatConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
			ConsoleEnabled: true,
		},
		Sandbox: SandboxConfig{
			Mode:           "direct",
			RuntimeBinary:  "",
			DefaultTimeout: 30,
			MemoryLimitMB:  256,
			CPULimit:       0.5,
			ScratchDir:     filepath.Join(workspace, "scratch"),
			MaxOutputBytes: 1 << 20,
		},
		Janitor: JanitorConfig{
			Enabled:        true,
			SweepExpr:      "0 * * * *",
			RetentionHours: 0,
		},
		Notify: NotifyConfig{
			Endpoint:     "http://127.0.0.1:8790/notify",
			FallbackFile: filepath.Join(workspace, "state", "notifications.log"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the broker config directory.
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".broker")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults, creating the default
// file on first run.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save writes config to file.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that configuration values are within acceptable ranges,
// normalizing zero-value fields to their defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Workspace) == "" {
		return fmt.Errorf("store.workspace must not be empty")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	mode := strings.ToLower(strings.TrimSpace(c.Sandbox.Mode))
	if mode == "" {
		mode = "direct"
	}
	if mode != "direct" && mode != "containerized" {
		return fmt.Errorf("sandbox.mode must be one of: direct, containerized; got %q", c.Sandbox.Mode)
	}
	c.Sandbox.Mode = mode

	if c.Sandbox.DefaultTimeout < 0 {
		return fmt.Errorf("sandbox.default_timeout must not be negative, got %d", c.Sandbox.DefaultTimeout)
	}
	if c.Sandbox.DefaultTimeout == 0 {
		c.Sandbox.DefaultTimeout = 30
	}
	if c.Sandbox.MemoryLimitMB <= 0 {
		c.Sandbox.MemoryLimitMB = 256
	}
	if c.Sandbox.CPULimit <= 0 {
		c.Sandbox.CPULimit = 0.5
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		c.Sandbox.MaxOutputBytes = 1 << 20
	}
	if strings.TrimSpace(c.Sandbox.ScratchDir) == "" {
		c.Sandbox.ScratchDir = filepath.Join(c.Store.Workspace, "scratch")
	}

	if strings.TrimSpace(c.Janitor.SweepExpr) == "" {
		c.Janitor.SweepExpr = "0 * * * *"
	}
	if c.Janitor.RetentionHours < 0 {
		return fmt.Errorf("janitor.retention_hours must not be negative, got %d", c.Janitor.RetentionHours)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	if strings.TrimSpace(c.Notify.FallbackFile) == "" {
		c.Notify.FallbackFile = filepath.Join(c.Store.Workspace, "state", "notifications.log")
	}

	return nil
}

// WorkspacePath returns the configured workspace directory.
func (c *Config) WorkspacePath() string {
	return c.Store.Workspace
}
