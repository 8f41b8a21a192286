package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strconv"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}

// configKey describes one settable key and how to render its effective value.
type configKey struct {
	name  string
	help  string
	value func(cfg *Config) (string, bool)
}

func orDefault(v, def string) (string, bool) {
	if v == "" {
		return def, true
	}
	return v, false
}

func intOrDefault(v, def int) (string, bool) {
	if v == 0 {
		return strconv.Itoa(def), true
	}
	return strconv.Itoa(v), false
}

var configKeys = []configKey{
	{"default.base_url", "REST base URL", func(c *Config) (string, bool) {
		return orDefault(c.Default.BaseURL, clinicchat.DefaultBaseURL)
	}},
	{"default.ws_url", "chat websocket URL", func(c *Config) (string, bool) {
		return orDefault(c.Default.WSURL, clinicchat.DefaultWSURL)
	}},
	{"auth.token", "login JWT", func(c *Config) (string, bool) {
		if c.Auth.Token == "" {
			return "(not set)", false
		}
		return maskToken(c.Auth.Token), false
	}},
	{"chat.page_size", "messages per history page", func(c *Config) (string, bool) {
		return intOrDefault(c.Chat.PageSize, 20)
	}},
	{"chat.retry_delay", "wait between reconnect attempts", func(c *Config) (string, bool) {
		return orDefault(c.Chat.RetryDelay, "5s")
	}},
	{"chat.max_attempts", "reconnect attempts before giving up", func(c *Config) (string, bool) {
		return intOrDefault(c.Chat.MaxAttempts, 5)
	}},
	{"chat.send_rate", "messages per second, 0 for no limit", func(c *Config) (string, bool) {
		return strconv.FormatFloat(c.Chat.SendRate, 'f', -1, 64), c.Chat.SendRate == 0
	}},
	{"chat.snapshots", "cache lists and windows on disk", func(c *Config) (string, bool) {
		return strconv.FormatBool(c.Chat.Snapshots), !c.Chat.Snapshots
	}},
}

func knownKey(key string) bool {
	return slices.ContainsFunc(configKeys, func(k configKey) bool { return k.name == key })
}

// validateConfig reports every value the chat session would reject or
// misuse. Unset values are fine.
func validateConfig(cfg *Config) error {
	var errs []error
	if cfg.Auth.Token != "" {
		if _, err := clinicchat.ParseCredential(cfg.Auth.Token); err != nil {
			errs = append(errs, fmt.Errorf("auth.token: %w", err))
		}
	}
	for _, e := range []struct{ key, raw string }{
		{"default.base_url", cfg.Default.BaseURL},
		{"default.ws_url", cfg.Default.WSURL},
	} {
		key, raw := e.key, e.raw
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		schemes := []string{"http", "https"}
		if key == "default.ws_url" {
			schemes = append(schemes, "ws", "wss")
		}
		if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: %q is not an absolute %v URL", key, raw, schemes))
		}
	}
	if cfg.Chat.PageSize < 0 {
		errs = append(errs, fmt.Errorf("chat.page_size: must not be negative"))
	}
	if cfg.Chat.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("chat.max_attempts: must not be negative"))
	}
	if cfg.Chat.SendRate < 0 {
		errs = append(errs, fmt.Errorf("chat.send_rate: must not be negative"))
	}
	if cfg.Chat.RetryDelay != "" {
		if d, err := time.ParseDuration(cfg.Chat.RetryDelay); err != nil {
			errs = append(errs, fmt.Errorf("chat.retry_delay: %w", err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("chat.retry_delay: must not be negative"))
		}
	}
	return errors.Join(errs...)
}

// printConfig writes the effective value of every key, marking defaults.
func printConfig(w io.Writer, cfg *Config) {
	for _, k := range configKeys {
		v, isDefault := k.value(cfg)
		if isDefault {
			v += "  (default)"
		}
		fmt.Fprintf(w, "%-18s %s\n", k.name, v)
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage clinicchat configuration",
	Long:  "View or modify the CLI configuration stored in ~/.clinicchat/config.toml.\nCLINICCHAT_TOKEN, CLINICCHAT_BASE_URL and CLINICCHAT_WS_URL override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and check it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printConfig(out, cfg)
		if err := validateConfig(cfg); err != nil {
			fmt.Fprintf(out, "\nproblems:\n%v\n", err)
			return errors.New("configuration has invalid values")
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys accepted by 'config set'",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range configKeys {
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", k.name, k.help)
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: clinicchat config set default.ws_url wss://clinic.example.com/ws/chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !knownKey(key) {
			return fmt.Errorf("unknown key %q, see 'clinicchat config keys'", key)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := validateConfig(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
