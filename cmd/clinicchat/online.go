package main

import (
	"context"
	"fmt"
	"os"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/spf13/cobra"
)

var onlineWait time.Duration

func init() {
	rootCmd.AddCommand(onlineCmd)
	onlineCmd.Flags().DurationVar(&onlineWait, "wait", 3*time.Second, "How long to wait for the presence list")
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Show who is connected to the chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sc, err := sessionConfig(cfg)
		if err != nil {
			return err
		}
		sc.SnapshotPath = ""
		session, err := clinicchat.NewSession(sc)
		if err != nil {
			return err
		}
		defer session.Close()

		received := make(chan struct{}, 1)
		session.Transport().Subscribe(func(ev clinicchat.Event) {
			if _, ok := ev.(clinicchat.PresenceSnapshot); ok {
				select {
				case received <- struct{}{}:
				default:
				}
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), onlineWait)
		defer cancel()
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("cannot connect: %w", err)
		}

		select {
		case <-received:
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "No presence list received; showing what is known.")
		}
		printParticipants(os.Stdout, session.Presence().Online())
		return nil
	},
}
