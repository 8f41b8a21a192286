package main

import (
	"fmt"
	"log/slog"
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

// Config represents the CLI configuration stored in ~/.clinicchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Chat    ConfigChat    `toml:"chat"`
}

// ConfigDefault holds the backend endpoints.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// ConfigAuth holds the login token.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigChat tunes the chat session.
type ConfigChat struct {
	PageSize    int     `toml:"page_size"`
	RetryDelay  string  `toml:"retry_delay"`
	MaxAttempts int     `toml:"max_attempts"`
	SendRate    float64 `toml:"send_rate"`
	Snapshots   bool    `toml:"snapshots"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.clinicchat (or $CLINICCHAT_HOME), creating
// it if needed.
func configDir() (string, error) {
	dir := os.Getenv("CLINICCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".clinicchat")
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

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
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
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv lets CLINICCHAT_TOKEN, CLINICCHAT_BASE_URL and CLINICCHAT_WS_URL
// override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CLINICCHAT_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CLINICCHAT_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CLINICCHAT_WS_URL"); v != "" {
		cfg.Default.WSURL = v
	}
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

// setConfigValue sets a config field using dot notation (e.g. "chat.page_size").
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
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "chat":
		return setChatValue(&cfg.Chat, field, value)
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, chat)", section)
	}
	return nil
}

func setChatValue(chat *ConfigChat, field, value string) error {
	var err error
	switch field {
	case "page_size":
		chat.PageSize, err = strconv.Atoi(value)
	case "max_attempts":
		chat.MaxAttempts, err = strconv.Atoi(value)
	case "retry_delay":
		_, err = time.ParseDuration(value)
		chat.RetryDelay = value
	case "send_rate":
		chat.SendRate, err = strconv.ParseFloat(value, 64)
	case "snapshots":
		chat.Snapshots, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown field %q in section [chat]", field)
	}
	if err != nil {
		return fmt.Errorf("invalid value for chat.%s: %w", field, err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "clinicchat",
	Short: "Clinic chat CLI",
	Long:  "Command-line client for the clinic real-time chat.\nList conversations, read history, see who is online and chat.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
