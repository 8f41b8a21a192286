package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"golang.org/x/time/rate"
)

// sessionConfig turns the CLI config into session settings.
func sessionConfig(cfg *Config) (clinicchat.SessionConfig, error) {
	if cfg.Auth.Token == "" {
		return clinicchat.SessionConfig{}, fmt.Errorf("no token. Run 'clinicchat init <token>' first")
	}
	sc := clinicchat.SessionConfig{
		Token:       cfg.Auth.Token,
		BaseURL:     cfg.Default.BaseURL,
		WSURL:       cfg.Default.WSURL,
		PageSize:    cfg.Chat.PageSize,
		MaxAttempts: cfg.Chat.MaxAttempts,
		SendLimit:   rate.Limit(cfg.Chat.SendRate),
	}
	if cfg.Chat.RetryDelay != "" {
		d, err := time.ParseDuration(cfg.Chat.RetryDelay)
		if err != nil {
			return clinicchat.SessionConfig{}, fmt.Errorf("invalid chat.retry_delay: %w", err)
		}
		sc.RetryDelay = d
	}
	if cfg.Chat.Snapshots {
		path, err := snapshotPath()
		if err != nil {
			return clinicchat.SessionConfig{}, err
		}
		sc.SnapshotPath = path
	}
	return sc, nil
}

func snapshotPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "snapshots.db"), nil
}

// getClient creates a REST client and the decoded credential from the config.
func getClient(cfg *Config) (*clinicchat.Client, clinicchat.Credential, error) {
	cred, err := clinicchat.ParseCredential(cfg.Auth.Token)
	if err != nil {
		return nil, clinicchat.Credential{}, fmt.Errorf("no usable token (run 'clinicchat init <token>'): %w", err)
	}
	var opts []clinicchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, clinicchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return clinicchat.NewClient(cred.Token, opts...), cred, nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// ============================================================================
// Rendering
// ============================================================================

const timeLayout = "2006-01-02 15:04"

func printConversations(w io.Writer, convs []clinicchat.Conversation, online func(string) bool) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range convs {
		marker := " "
		if online != nil && online(c.OtherParticipant.ID) {
			marker = "*"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Fprintf(w, "%s %-20s %s  %s%s\n", marker, c.OtherParticipant.DisplayName(),
			c.LastMessage.Timestamp.Local().Format(timeLayout), preview(c.LastMessage.Text), unread)
	}
}

func printMessages(w io.Writer, msgs []clinicchat.Message, names map[string]string) {
	for _, m := range msgs {
		printMessage(w, m, names)
	}
}

func printMessage(w io.Writer, m clinicchat.Message, names map[string]string) {
	name := names[m.SenderID]
	if name == "" {
		name = m.SenderID
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Local().Format(timeLayout), name, m.Text)
}

func printParticipants(w io.Writer, users []clinicchat.Participant) {
	if len(users) == 0 {
		fmt.Fprintln(w, "Nobody else is online.")
		return
	}
	for _, u := range users {
		fmt.Fprintf(w, "  %-20s %s\n", u.DisplayName(), u.ID)
	}
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 48 {
		return string(r[:47]) + "…"
	}
	return text
}
