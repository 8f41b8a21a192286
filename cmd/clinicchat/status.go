package main

import (
	"fmt"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the configured endpoints and the user and expiry carried by the stored token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  REST URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, clinicchat.DefaultBaseURL+" (default)"))
		fmt.Printf("  Chat URL:    %s\n", valueOrDefault(cfg.Default.WSURL, clinicchat.DefaultWSURL+" (default)"))
		if cfg.Chat.Snapshots {
			path, _ := snapshotPath()
			fmt.Printf("  Snapshots:   %s\n", path)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		cred, err := clinicchat.ParseCredential(cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Error decoding token: %v\n", err)
			return nil
		}
		fmt.Printf("  Username:    %s\n", valueOrDefault(cred.User.Username, "(unknown)"))
		fmt.Printf("  User ID:     %s\n", cred.User.ID)
		if cred.Role != "" {
			fmt.Printf("  Role:        %s\n", cred.Role)
		}

		switch {
		case cred.ExpiresAt.IsZero():
			fmt.Println("  Expiry:      present (no expiry set)")
		case cred.Expired(time.Now()):
			fmt.Printf("  Expiry:      EXPIRED (expired %s)\n", cred.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Printf("  Expiry:      valid (expires %s)\n", cred.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}
