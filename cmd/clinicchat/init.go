package main

import (
	"fmt"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store login token in ~/.clinicchat/config.toml",
	Long:  "Initialize the CLI by storing the login token issued by the clinic backend.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cred, err := clinicchat.ParseCredential(args[0])
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = cred.Token
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = clinicchat.DefaultBaseURL
		}
		if cfg.Default.WSURL == "" {
			cfg.Default.WSURL = clinicchat.DefaultWSURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s saved to %s\n", cred.User.DisplayName(), path)
		return nil
	},
}
