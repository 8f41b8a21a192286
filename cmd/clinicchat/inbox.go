package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// inbox
	inboxJSON    bool
	inboxOffline bool

	// history
	historyPage  int
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(historyCmd)

	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")
	inboxCmd.Flags().BoolVar(&inboxOffline, "offline", false, "Show the last saved list without contacting the server")

	historyCmd.Flags().IntVarP(&historyPage, "page", "p", 1, "History page, 1 is the newest")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if inboxOffline {
			return showSavedInbox(cfg)
		}

		client, cred, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := clinicchat.NewStore(clinicchat.StoreConfig{Self: cred.User, Conversations: client, History: client})
		if err := store.LoadConversations(ctx, true); err != nil {
			return err
		}
		convs := store.View().Conversations

		if inboxJSON {
			return printJSON(os.Stdout, convs)
		}
		printConversations(os.Stdout, convs, nil)
		return nil
	},
}

func showSavedInbox(cfg *Config) error {
	cred, err := clinicchat.ParseCredential(cfg.Auth.Token)
	if err != nil {
		return err
	}
	path, err := snapshotPath()
	if err != nil {
		return err
	}
	snapshots, err := clinicchat.OpenSnapshotStore(path)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	convs, savedAt, err := snapshots.LoadConversations(cred.User.ID)
	if errors.Is(err, clinicchat.ErrSnapshotNotFound) {
		fmt.Println("Nothing saved yet. Enable with 'clinicchat config set chat.snapshots true'.")
		return nil
	}
	if err != nil {
		return err
	}

	if inboxJSON {
		return printJSON(os.Stdout, convs)
	}
	fmt.Printf("Saved %s\n", savedAt.Local().Format(timeLayout))
	printConversations(os.Stdout, convs, nil)
	return nil
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <participant-id>",
	Short: "Print one page of history with a participant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, cred, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.History(ctx, args[0], historyPage, historyLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			return printJSON(os.Stdout, page)
		}

		names := map[string]string{cred.User.ID: "me"}
		printMessages(os.Stdout, page.Messages, names)
		fmt.Printf("-- page %d of %d, %d messages total\n", page.CurrentPage, max(page.TotalPages, 1), page.TotalMessages)
		return nil
	},
}
