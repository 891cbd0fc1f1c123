package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	tradechat "github.com/tradepost/tradechat/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.tradechat/config.toml.
// Fields tagged env are overridden by the environment at load time.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the service endpoints.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"TRADECHAT_BASE_URL"`
	RealtimeURL string `toml:"realtime_url" env:"TRADECHAT_REALTIME_URL"`
}

// ConfigAuth holds the bearer token and the user it belongs to.
type ConfigAuth struct {
	Token string         `toml:"token" env:"TRADECHAT_TOKEN"`
	User  tradechat.User `toml:"user"`
}

// ConfigLog controls SDK logging for long-running commands.
type ConfigLog struct {
	Level  string `toml:"level" env:"TRADECHAT_LOG_LEVEL"`
	Pretty bool   `toml:"pretty" env:"TRADECHAT_LOG_PRETTY"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.tradechat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".tradechat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with environment overrides applied.
// The result is for reading only; saving it would persist the overrides.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		default:
			return fmt.Errorf("unknown key %q (valid: %s)", key, validConfigKeys())
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user.id":
			cfg.Auth.User.ID = value
		case "user.username":
			cfg.Auth.User.Username = value
		case "user.display_name":
			cfg.Auth.User.DisplayName = value
		default:
			return fmt.Errorf("unknown key %q (valid: %s)", key, validConfigKeys())
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "pretty":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("log.pretty must be true or false: %w", err)
			}
			cfg.Log.Pretty = b
		default:
			return fmt.Errorf("unknown key %q (valid: %s)", key, validConfigKeys())
		}
	default:
		return fmt.Errorf("unknown key %q (valid: %s)", key, validConfigKeys())
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "tradechat",
	Short: "Marketplace chat CLI",
	Long:  "Command-line interface for the tradechat SDK.\nManage configuration, list conversations, and chat in real time.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
