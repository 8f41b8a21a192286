package clinicchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Token   string
	BaseURL string
	WSURL   string

	PageSize    int
	RetryDelay  time.Duration
	MaxAttempts int
	// SendLimit caps outgoing messages per second. Zero means unlimited.
	SendLimit rate.Limit
	// HeartbeatInterval is the websocket ping period. Negative disables it.
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	HTTPClient        *http.Client

	// SnapshotPath, when set, keeps the last known list and windows in a
	// local database for offline display.
	SnapshotPath string

	Logger *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is the chat state of one logged-in user. It owns the transport,
// store and presence tracker, and routes every transport event to them.
type Session struct {
	// userID is fixed for the session's lifetime; SetToken rejects other users.
	userID    string
	client    *Client
	transport *Transport
	store     *Store
	presence  *Presence
	snapshots *SnapshotStore
	log       *slog.Logger

	refreshes sync.WaitGroup

	mu     sync.Mutex
	cred   Credential
	closed bool
}

// NewSession decodes the credential and builds the session's components.
// Nothing connects until Start.
func NewSession(config SessionConfig) (*Session, error) {
	config.defaults()
	cred, err := ParseCredential(config.Token)
	if err != nil {
		return nil, err
	}
	log := config.Logger.With("user", cred.User.ID)

	clientOpts := []ClientOption{WithBaseURL(config.BaseURL), WithLogger(log)}
	if config.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(config.HTTPClient))
	} else {
		clientOpts = append(clientOpts, WithTimeout(config.RequestTimeout))
	}
	client := NewClient(cred.Token, clientOpts...)

	transport := NewTransport(TransportConfig{
		URL:               config.WSURL,
		Token:             cred.Token,
		RetryDelay:        config.RetryDelay,
		MaxAttempts:       config.MaxAttempts,
		HeartbeatInterval: config.HeartbeatInterval,
		SendLimit:         config.SendLimit,
		HTTPClient:        config.HTTPClient,
		Logger:            log,
	})

	s := &Session{
		userID:    cred.User.ID,
		cred:      cred,
		client:    client,
		transport: transport,
		presence:  NewPresence(cred.User.ID, log),
		log:       log.With("component", "session"),
	}
	s.store = NewStore(StoreConfig{
		Self:          cred.User,
		Conversations: client,
		History:       client,
		Sender:        transport,
		PageSize:      config.PageSize,
		Logger:        log,
	})

	if config.SnapshotPath != "" {
		snapshots, err := OpenSnapshotStore(config.SnapshotPath)
		if err != nil {
			return nil, err
		}
		s.snapshots = snapshots
		s.store.OnChange(s.persist)
	}
	transport.Subscribe(s.handle)
	return s, nil
}

// Credential returns the current credential.
func (s *Session) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

func (s *Session) Client() *Client       { return s.client }
func (s *Session) Transport() *Transport { return s.transport }
func (s *Session) Store() *Store         { return s.store }
func (s *Session) Presence() *Presence   { return s.presence }

// Start opens the connection. A failed handshake is retried in the
// background; the error is returned for reporting only.
func (s *Session) Start(ctx context.Context) error {
	if cred := s.Credential(); cred.Expired(time.Now()) {
		s.log.Warn("credential expired, server will likely reject it", "expires_at", cred.ExpiresAt)
	}
	return s.transport.Connect(ctx)
}

// SetToken swaps in a refreshed credential for the same user, re-arms
// reconnection and connects.
func (s *Session) SetToken(ctx context.Context, token string) error {
	cred, err := ParseCredential(token)
	if err != nil {
		return err
	}
	if cred.User.ID != s.userID {
		return fmt.Errorf("credential belongs to %s, session is for %s", cred.User.ID, s.userID)
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	s.client.SetToken(token)
	s.transport.SetToken(token)
	return s.transport.Connect(ctx)
}

// Close disconnects and waits for background refreshes. It then detaches
// every listener, including ones registered by callers. In-flight REST calls
// started by the caller are not cancelled.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.transport.Disconnect()
	s.refreshes.Wait()
	s.transport.events.removeAll()
	s.store.changes.removeAll()
	s.presence.changes.removeAll()
	if s.snapshots != nil {
		err = errors.Join(err, s.snapshots.Close())
	}
	return err
}

func (s *Session) handle(ev Event) {
	switch ev := ev.(type) {
	case NewMessage:
		s.store.ApplyIncomingMessage(ev)
	case SendConfirmation:
		s.store.ApplyIncomingMessage(NewMessage(ev))
	case ServerError:
		s.log.Warn("server reported chat error", "message", ev.Message)
		s.store.SetNotice(ev.Message)
	case Info:
		s.log.Info("server info", "payload", string(ev.Payload))
	case PresenceSnapshot, PresenceJoined, PresenceLeft:
		s.presence.Apply(ev)
	case ConnectionOpened:
		s.refresh()
	case ConnectionClosed:
		s.presence.Clear()
	}
}

// refresh reloads the conversation list after every open, covering anything
// missed while disconnected.
func (s *Session) refresh() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.refreshes.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := s.store.LoadConversations(ctx, true); err != nil {
			s.log.Warn("refresh after connect failed", "error", err)
		}
	}()
}

func (s *Session) persist(v View) {
	now := time.Now()
	if !v.ListLoading && v.ListErr == nil && len(v.Conversations) > 0 {
		if err := s.snapshots.SaveConversations(s.userID, v.Conversations, now); err != nil {
			s.log.Debug("save conversation snapshot failed", "error", err)
		}
	}
	if v.Active != nil && !v.WindowLoading && len(v.Window) > 0 {
		err := s.snapshots.SaveWindow(WindowSnapshot{
			ConversationID: v.Active.ConversationID,
			CurrentPage:    v.CurrentPage,
			TotalPages:     v.TotalPages,
			Messages:       v.Window,
			SavedAt:        now,
		})
		if err != nil {
			s.log.Debug("save window snapshot failed", "error", err)
		}
	}
}
