package clinicchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// Close codes after which the transport does not reconnect on its own.
const (
	CloseNormal          = int(websocket.StatusNormalClosure)
	ClosePolicyViolation = int(websocket.StatusPolicyViolation)
	CloseAuthRejected    = 4001

	// closeAbnormal is reported for handshake failures and drops without a
	// close frame.
	closeAbnormal = int(websocket.StatusAbnormalClosure)
)

const disconnectReason = "User initiated disconnect"

// TransportConfig configures a Transport.
type TransportConfig struct {
	// URL is the chat websocket endpoint. http(s) schemes are rewritten to
	// ws(s).
	URL   string
	Token string

	RetryDelay  time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	// HeartbeatInterval is the ping period on an open connection. Negative
	// disables heartbeats.
	HeartbeatInterval time.Duration

	// SendLimit caps outgoing messages per second. Zero means unlimited.
	SendLimit rate.Limit
	SendBurst int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *TransportConfig) defaults() {
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SendLimit > 0 && c.SendBurst == 0 {
		c.SendBurst = 1
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TransportState is the connection state.
type TransportState string

const (
	StateIdle       TransportState = "idle"
	StateConnecting TransportState = "connecting"
	StateOpen       TransportState = "open"
	StateClosed     TransportState = "closed"
)

// Listener receives transport events. Listeners run on the transport's read
// goroutine in delivery order and should return quickly.
type Listener func(Event)

// ============================================================================
// Transport
// ============================================================================

// Transport owns the single persistent chat connection of a user: connect,
// receive and decode frames, reconnect after abnormal closures.
type Transport struct {
	config  TransportConfig
	log     *slog.Logger
	limiter *rate.Limiter
	events  *emitter[Event]

	mu               sync.Mutex
	token            string
	state            TransportState
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	retry            *time.Timer
	intentionalClose bool
	// attempt counts consecutive abnormal closures since the last Open.
	attempt int
}

// NewTransport creates an idle transport.
func NewTransport(config TransportConfig) *Transport {
	config.defaults()
	t := &Transport{
		config: config,
		log:    config.Logger.With("component", "transport"),
		token:  config.Token,
		state:  StateIdle,
	}
	t.events = newEmitter[Event]("transport", t.log)
	if config.SendLimit > 0 {
		t.limiter = rate.NewLimiter(config.SendLimit, config.SendBurst)
	}
	return t
}

// Subscribe registers l for every event and returns a function removing it.
func (t *Transport) Subscribe(l Listener) func() {
	return t.events.subscribe(l)
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempt returns the number of consecutive abnormal closures since the last
// successful open.
func (t *Transport) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// SetToken replaces the credential and re-arms the reconnect counter. It does
// not connect.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.attempt = 0
	t.mu.Unlock()
}

// Rearm resets the reconnect counter after it was exhausted.
func (t *Transport) Rearm() {
	t.mu.Lock()
	t.attempt = 0
	t.mu.Unlock()
}

// Connect dials the chat endpoint. It is a no-op while connecting or open,
// and without a credential it logs and returns nil. ctx bounds the handshake
// only.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen {
		t.mu.Unlock()
		return nil
	}
	if t.token == "" {
		t.mu.Unlock()
		t.log.Warn("connect aborted: no credential")
		return nil
	}
	t.stopRetryLocked()
	t.state = StateConnecting
	t.intentionalClose = false
	token := t.token
	t.mu.Unlock()

	wsURL, err := dialURL(t.config.URL, token)
	if err != nil {
		t.closed(nil, closeAbnormal, err.Error())
		return err
	}

	t.log.Debug("connecting", "url", redactToken(wsURL))
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: t.config.HTTPClient})
	if err != nil {
		code := closeAbnormal
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = CloseAuthRejected
		}
		t.closed(nil, code, err.Error())
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	t.mu.Lock()
	if t.intentionalClose {
		t.state = StateClosed
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, disconnectReason)
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancelFn = cancel
	t.state = StateOpen
	t.attempt = 0
	t.mu.Unlock()

	t.log.Info("connected")
	t.events.emit(ConnectionOpened{})

	go t.readLoop(connCtx, conn)
	if t.config.HeartbeatInterval > 0 {
		go t.heartbeatLoop(connCtx, conn)
	}
	return nil
}

// Disconnect closes the connection with a normal closure, cancels any pending
// retry and suppresses reconnection until the next Connect.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	t.stopRetryLocked()
	conn := t.conn
	cancel := t.cancelFn
	t.conn = nil
	t.cancelFn = nil
	wasActive := t.state == StateOpen || t.state == StateConnecting
	t.state = StateClosed
	attempt := t.attempt
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, disconnectReason)
		cancel()
	}
	if wasActive {
		t.events.emit(ConnectionClosed{Code: CloseNormal, Reason: disconnectReason, Attempt: attempt})
	}
	return err
}

// Send writes one outgoing message. It fails with ErrNotConnected unless the
// transport is open; nothing is buffered.
func (t *Transport) Send(ctx context.Context, msg OutgoingMessage) error {
	data, err := EncodeOutgoing(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		t.log.Warn("send dropped: transport not open", "receiver", msg.ReceiverID)
		return ErrNotConnected
	}
	if t.limiter != nil && !t.limiter.Allow() {
		return ErrRateLimited
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			code, reason := closeInfo(err)
			t.closed(conn, code, reason)
			return
		}
		if typ != websocket.MessageText {
			t.log.Debug("ignoring binary frame", "size", len(data))
			continue
		}

		ev, err := DecodeFrame(data)
		if err != nil {
			t.log.Warn("discarding frame", "error", err)
			continue
		}
		t.events.emit(ev)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				t.log.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// closed records the end of conn (nil for a failed handshake) and decides
// whether to schedule a retry.
func (t *Transport) closed(conn *websocket.Conn, code int, reason string) {
	t.mu.Lock()
	if conn != nil && t.conn != conn {
		// Already torn down by Disconnect.
		t.mu.Unlock()
		return
	}
	if conn == nil && t.intentionalClose && t.state == StateClosed {
		// Dial failed after Disconnect, which already reported the close.
		t.mu.Unlock()
		return
	}
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	t.conn = nil
	t.state = StateClosed

	retrying := false
	if !t.intentionalClose && !isTerminalClose(code) {
		t.attempt++
		if t.attempt < t.config.MaxAttempts {
			retrying = true
			t.retry = time.AfterFunc(t.config.RetryDelay, t.reconnect)
		}
	}
	attempt := t.attempt
	t.mu.Unlock()

	switch {
	case retrying:
		t.log.Warn("connection closed, retrying", "code", code, "reason", reason,
			"attempt", attempt, "delay", t.config.RetryDelay)
	case isTerminalClose(code):
		t.log.Info("connection closed", "code", code, "reason", reason)
	default:
		t.log.Error("connection closed, giving up", "code", code, "reason", reason, "attempt", attempt)
	}
	t.events.emit(ConnectionClosed{Code: code, Reason: reason, Retrying: retrying, Attempt: attempt})
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.retry = nil
	skip := t.intentionalClose || t.state != StateClosed
	t.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.config.DialTimeout)
	defer cancel()
	if err := t.Connect(ctx); err != nil {
		t.log.Debug("reconnect failed", "error", err)
	}
}

func (t *Transport) stopRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

func isTerminalClose(code int) bool {
	switch code {
	case CloseNormal, ClosePolicyViolation, CloseAuthRejected:
		return true
	}
	return false
}

func closeInfo(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	return closeAbnormal, err.Error()
}

// dialURL builds the websocket URL carrying the credential as `token`.
func dialURL(base, token string) (string, error) {
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
