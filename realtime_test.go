package clinicchat_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	clinicchat "github.com/clinicflow/clinicchat"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Websocket test server
// ============================================================================

type wsServer struct {
	*httptest.Server

	mu     sync.Mutex
	hits   int
	tokens []string
	status int
	// serve runs for each accepted connection; hit is 1-based.
	serve func(ctx context.Context, conn *websocket.Conn, hit int)
}

func newWSServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn, hit int)) *wsServer {
	t.Helper()
	s := &wsServer{serve: serve}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits++
		hit := s.hits
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		status := s.status
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if s.serve != nil {
			s.serve(r.Context(), conn, hit)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *wsServer) seenTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *wsServer) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// holdOpen reads until the peer goes away.
func holdOpen(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func newTestTransport(t *testing.T, url, token string) (*clinicchat.Transport, <-chan clinicchat.Event) {
	t.Helper()
	tr := clinicchat.NewTransport(clinicchat.TransportConfig{
		URL:               url,
		Token:             token,
		RetryDelay:        10 * time.Millisecond,
		DialTimeout:       2 * time.Second,
		HeartbeatInterval: -1,
	})
	events := make(chan clinicchat.Event, 64)
	tr.Subscribe(func(ev clinicchat.Event) { events <- ev })
	t.Cleanup(func() { _ = tr.Disconnect() })
	return tr, events
}

func nextEvent(t *testing.T, events <-chan clinicchat.Event) clinicchat.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return nil
	}
}

// waitClosed skips events until a ConnectionClosed arrives.
func waitClosed(t *testing.T, events <-chan clinicchat.Event, final bool) clinicchat.ConnectionClosed {
	t.Helper()
	for {
		if ev, ok := nextEvent(t, events).(clinicchat.ConnectionClosed); ok && (!final || !ev.Retrying) {
			return ev
		}
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestTransportReceivesFrames(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		for _, frame := range []string{
			newMessageFrame,
			`{"type":"newMessage"`,
			`{"type":"typing","payload":{"userId":"u2"}}`,
			`{"type":"userLeft","payload":{"userId":"u2"}}`,
		} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		_ = holdOpen(ctx, conn)
	})
	tr, events := newTestTransport(t, srv.URL, "jwt-abc")

	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, clinicchat.StateOpen, tr.State())

	require.IsType(t, clinicchat.ConnectionOpened{}, nextEvent(t, events))
	nm, ok := nextEvent(t, events).(clinicchat.NewMessage)
	require.True(t, ok)
	require.Equal(t, "665a1", nm.Message.ID)
	require.Equal(t, clinicchat.PresenceLeft{UserID: "u2"}, nextEvent(t, events), "bad frames are skipped")

	require.Equal(t, []string{"jwt-abc"}, srv.seenTokens())
}

func TestTransportSend(t *testing.T) {
	received := make(chan string, 1)
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- string(data)
		_ = holdOpen(ctx, conn)
	})
	tr, _ := newTestTransport(t, srv.URL, "jwt")
	ctx := context.Background()

	require.ErrorIs(t, tr.Send(ctx, clinicchat.OutgoingMessage{ReceiverID: "u2", Text: "hi"}), clinicchat.ErrNotConnected)

	require.NoError(t, tr.Connect(ctx))
	require.ErrorIs(t, tr.Send(ctx, clinicchat.OutgoingMessage{ReceiverID: "u2", Text: "   "}), clinicchat.ErrEmptyText)
	require.NoError(t, tr.Send(ctx, clinicchat.OutgoingMessage{ReceiverID: "u2", Text: " hello "}))

	select {
	case got := <-received:
		require.JSONEq(t, `{"receiverId":"u2","text":"hello"}`, got)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not receive the message")
	}
}

func TestTransportSendRateLimit(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		_ = holdOpen(ctx, conn)
	})
	tr := clinicchat.NewTransport(clinicchat.TransportConfig{
		URL:               srv.URL,
		Token:             "jwt",
		HeartbeatInterval: -1,
		SendLimit:         0.001,
		SendBurst:         1,
	})
	t.Cleanup(func() { _ = tr.Disconnect() })
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	out := clinicchat.OutgoingMessage{ReceiverID: "u2", Text: "hi"}
	require.NoError(t, tr.Send(ctx, out))
	require.ErrorIs(t, tr.Send(ctx, out), clinicchat.ErrRateLimited)
}

func TestTransportGivesUpAfterMaxAttempts(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		_ = holdOpen(ctx, conn)
	})
	srv.setStatus(http.StatusInternalServerError)
	tr, events := newTestTransport(t, srv.URL, "jwt")

	require.Error(t, tr.Connect(context.Background()))

	closed := waitClosed(t, events, true)
	require.Equal(t, 5, closed.Attempt)
	require.Equal(t, 5, srv.hitCount(), "one handshake plus four retries")
	require.Equal(t, 5, tr.Attempt())
	require.Equal(t, clinicchat.StateClosed, tr.State())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 5, srv.hitCount())

	srv.setStatus(0)
	tr.Rearm()
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, 6, srv.hitCount())
	require.Equal(t, 0, tr.Attempt())
}

func TestTransportDoesNotRetryAuthClose(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		conn.Close(websocket.StatusCode(clinicchat.CloseAuthRejected), "token expired")
	})
	tr, events := newTestTransport(t, srv.URL, "jwt")

	require.NoError(t, tr.Connect(context.Background()))
	closed := waitClosed(t, events, false)
	require.Equal(t, clinicchat.CloseAuthRejected, closed.Code)
	require.Equal(t, "token expired", closed.Reason)
	require.False(t, closed.Retrying)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.hitCount())
}

func TestTransportDoesNotRetryRejectedHandshake(t *testing.T) {
	srv := newWSServer(t, nil)
	srv.setStatus(http.StatusUnauthorized)
	tr, events := newTestTransport(t, srv.URL, "stale")

	require.Error(t, tr.Connect(context.Background()))
	closed := waitClosed(t, events, false)
	require.Equal(t, clinicchat.CloseAuthRejected, closed.Code)
	require.False(t, closed.Retrying)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.hitCount())
}

func TestTransportRetriesAbnormalClose(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, hit int) {
		if hit == 1 {
			conn.Close(websocket.StatusInternalError, "restarting")
			return
		}
		_ = holdOpen(ctx, conn)
	})
	tr, events := newTestTransport(t, srv.URL, "jwt")

	require.NoError(t, tr.Connect(context.Background()))
	require.IsType(t, clinicchat.ConnectionOpened{}, nextEvent(t, events))

	closed := waitClosed(t, events, false)
	require.Equal(t, int(websocket.StatusInternalError), closed.Code)
	require.True(t, closed.Retrying)
	require.Equal(t, 1, closed.Attempt)

	require.IsType(t, clinicchat.ConnectionOpened{}, nextEvent(t, events))
	require.Equal(t, 0, tr.Attempt())
	require.Equal(t, 2, srv.hitCount())
}

func TestTransportDisconnect(t *testing.T) {
	serverClose := make(chan websocket.StatusCode, 1)
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		serverClose <- websocket.CloseStatus(holdOpen(ctx, conn))
	})
	tr, events := newTestTransport(t, srv.URL, "jwt")
	ctx := context.Background()

	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Connect(ctx), "connect while open is a no-op")
	require.Equal(t, 1, srv.hitCount())
	require.IsType(t, clinicchat.ConnectionOpened{}, nextEvent(t, events))

	require.NoError(t, tr.Disconnect())
	closed := waitClosed(t, events, false)
	require.Equal(t, clinicchat.CloseNormal, closed.Code)
	require.Equal(t, "User initiated disconnect", closed.Reason)
	require.False(t, closed.Retrying)
	require.Equal(t, clinicchat.StateClosed, tr.State())

	select {
	case code := <-serverClose:
		require.Equal(t, websocket.StatusNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not see the close")
	}

	err := tr.Send(ctx, clinicchat.OutgoingMessage{ReceiverID: "u2", Text: "late"})
	require.ErrorIs(t, err, clinicchat.ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, srv.hitCount(), "no reconnect after disconnect")
}

func TestTransportDisconnectCancelsPendingRetry(t *testing.T) {
	srv := newWSServer(t, nil)
	srv.setStatus(http.StatusInternalServerError)
	tr := clinicchat.NewTransport(clinicchat.TransportConfig{
		URL:               srv.URL,
		Token:             "jwt",
		RetryDelay:        200 * time.Millisecond,
		HeartbeatInterval: -1,
	})
	t.Cleanup(func() { _ = tr.Disconnect() })

	require.Error(t, tr.Connect(context.Background()))
	require.Equal(t, 1, srv.hitCount())
	require.Equal(t, 1, tr.Attempt())

	require.NoError(t, tr.Disconnect())
	time.Sleep(400 * time.Millisecond)
	require.Equal(t, 1, srv.hitCount(), "retry fired after disconnect")
	require.Equal(t, clinicchat.StateClosed, tr.State())
}

func TestTransportDisconnectDuringDial(t *testing.T) {
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	tr, events := newTestTransport(t, srv.URL, "jwt")

	dialed := make(chan error, 1)
	go func() { dialed <- tr.Connect(context.Background()) }()

	select {
	case <-arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("handshake never reached the server")
	}
	require.Equal(t, clinicchat.StateConnecting, tr.State())
	require.NoError(t, tr.Disconnect())
	close(release)
	require.Error(t, <-dialed)

	closed := waitClosed(t, events, false)
	require.Equal(t, clinicchat.CloseNormal, closed.Code)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after disconnect: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, clinicchat.StateClosed, tr.State())
}

func TestTransportWithoutCredential(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn, _ int) {
		_ = holdOpen(ctx, conn)
	})
	tr, _ := newTestTransport(t, srv.URL, "")

	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, clinicchat.StateIdle, tr.State())
	require.Zero(t, srv.hitCount())

	tr.SetToken("fresh")
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, clinicchat.StateOpen, tr.State())
	require.Equal(t, []string{"fresh"}, srv.seenTokens())
}
