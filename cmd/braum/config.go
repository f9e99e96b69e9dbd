package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.braum/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	HistoryLimit int    `toml:"history_limit,omitempty"`
}

// ConfigAuth holds the login state.
type ConfigAuth struct {
	Username     string `toml:"username"`
	UserID       string `toml:"user_id"`
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
}

// ConfigRealtime tunes the sync engine. Durations use Go syntax ("10s").
type ConfigRealtime struct {
	HeartbeatInterval string `toml:"heartbeat_interval,omitempty"`
	ReconnectDelay    string `toml:"reconnect_delay,omitempty"`
	PollInterval      string `toml:"poll_interval,omitempty"`
	EchoTimeout       string `toml:"echo_timeout,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.braum (or $BRAUM_HOME), creating it
// if needed.
func configDir() (string, error) {
	dir := os.Getenv("BRAUM_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".braum")
	}
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
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	return cfg, nil
}

// effectiveConfig is loadConfig with BRAUM_* environment variables and
// the --base-url flag applied. It is never saved.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for key, env := range envOverrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	if flagBaseURL != "" {
		cfg.Default.BaseURL = flagBaseURL
	}
	return cfg, nil
}

var envOverrides = map[string]string{
	"default.base_url":            "BRAUM_BASE_URL",
	"default.history_limit":       "BRAUM_HISTORY_LIMIT",
	"auth.access_token":           "BRAUM_ACCESS_TOKEN",
	"auth.refresh_token":          "BRAUM_REFRESH_TOKEN",
	"realtime.heartbeat_interval": "BRAUM_HEARTBEAT_INTERVAL",
	"realtime.reconnect_delay":    "BRAUM_RECONNECT_DELAY",
	"realtime.poll_interval":      "BRAUM_POLL_INTERVAL",
	"realtime.echo_timeout":       "BRAUM_ECHO_TIMEOUT",
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
		case "history_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("history_limit must be a positive integer")
			}
			cfg.Default.HistoryLimit = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "username":
			cfg.Auth.Username = value
		case "user_id":
			cfg.Auth.UserID = value
		case "access_token":
			cfg.Auth.AccessToken = value
		case "refresh_token":
			cfg.Auth.RefreshToken = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		switch field {
		case "heartbeat_interval":
			cfg.Realtime.HeartbeatInterval = value
		case "reconnect_delay":
			cfg.Realtime.ReconnectDelay = value
		case "poll_interval":
			cfg.Realtime.PollInterval = value
		case "echo_timeout":
			cfg.Realtime.EchoTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, realtime)", section)
	}
	return nil
}

// duration parses an optional duration setting. Empty means zero, which
// selects the SDK default.
func duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage braum configuration",
	Long:  "View or modify the braum CLI configuration stored in ~/.braum/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'braum login <username>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: braum config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
