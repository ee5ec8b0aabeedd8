package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"consultancy-chat/internal/metrics"
	myMiddleware "consultancy-chat/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	hub     *Hub
	metrics *metrics.Metrics
	server  *httptest.Server
	cancel  context.CancelFunc
}

func newTestEnv(t *testing.T, broker Broker) *testEnv {
	t.Helper()
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(broker, NewPresence(), m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	// Stands in for the JWT middleware: ?user=<id>&company=<tenant>.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		identity := myMiddleware.Identity{UserID: id, CompanyID: r.URL.Query().Get("company")}
		hub.ServeWs(w, r.WithContext(myMiddleware.WithIdentity(r.Context(), identity)))
	}))

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testEnv{hub: hub, metrics: m, server: srv, cancel: cancel}
}

func (e *testEnv) dial(t *testing.T, userID int64, company string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?user=" + strconv.FormatInt(userID, 10) + "&company=" + company
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	f := readUntil(t, conn, func(f map[string]any) bool { return f["type"] == TypeConnectionEstablished })
	assert.Equal(t, connectedMessage, f["message"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil returns the first frame matching want, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, want func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if want(f) {
			return f
		}
	}
}

func onlineCount(n int) func(map[string]any) bool {
	return func(f map[string]any) bool {
		return f["type"] == TypeOnlineCount && f["count"] == float64(n)
	}
}

func isType(typ string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == typ }
}

// assertNothingBefore pings and checks that no frame of the given type
// arrives ahead of the pong.
func assertNothingBefore(t *testing.T, conn *websocket.Conn, typ string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypePing}))
	for {
		f := readFrame(t, conn)
		require.NotEqual(t, typ, f["type"])
		if f["type"] == TypePong {
			return
		}
	}
}

func TestHub_ConnectBroadcastsOnlineCount(t *testing.T) {
	env := newTestEnv(t, NewLocalBroker())

	a := env.dial(t, 1, "acme")
	readUntil(t, a, onlineCount(1))

	b := env.dial(t, 2, "acme")
	readUntil(t, b, onlineCount(2))
	readUntil(t, a, onlineCount(2))

	b.Close()
	readUntil(t, a, onlineCount(1))
	assert.Eventually(t, func() bool { return !env.hub.Presence().IsOnline("acme", 2) }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_SecondTabKeepsUserOnline(t *testing.T) {
	env := newTestEnv(t, NewLocalBroker())

	first := env.dial(t, 1, "acme")
	second := env.dial(t, 1, "acme")
	readUntil(t, second, onlineCount(1))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.ActiveConnections) == 2
	}, 2*time.Second, 10*time.Millisecond)

	second.Close()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.ActiveConnections) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, env.hub.Presence().IsOnline("acme", 1))

	require.NoError(t, first.WriteJSON(map[string]string{"type": TypeGetOnlineCount}))
	readUntil(t, first, onlineCount(1))
}

func TestHub_PingAndOnlineCountRequests(t *testing.T) {
	env := newTestEnv(t, NewLocalBroker())
	conn := env.dial(t, 5, "")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypePing}))
	readUntil(t, conn, isType(TypePong))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "something_else"}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeGetOnlineCount}))
	readUntil(t, conn, onlineCount(1))

	assert.True(t, env.hub.Presence().IsOnline("", 5), "no tenant joins the system room")
	assert.Equal(t, 1, env.hub.Presence().Count(SystemRoom))
}

func TestHub_NotifyMessageReachesOnlyRecipients(t *testing.T) {
	env := newTestEnv(t, NewLocalBroker())

	alice := env.dial(t, 1, "acme")
	bob := env.dial(t, 2, "acme")
	carol := env.dial(t, 3, "acme")
	other := env.dial(t, 1, "globex")

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, env.hub.NotifyMessage(context.Background(), "acme", []int64{1, 2}, 10, 99, 1, at))

	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readUntil(t, conn, isType(TypeChatMessage))
		assert.Equal(t, float64(10), f["conversation_id"])
		msg := f["message"].(map[string]any)
		assert.Equal(t, float64(99), msg["id"])
		assert.Equal(t, float64(1), msg["sender_id"])
		assert.Equal(t, at.Format(time.RFC3339), msg["timestamp"])
		assert.Len(t, msg, 3, "metadata only")
	}

	assertNothingBefore(t, carol, TypeChatMessage)
	assertNothingBefore(t, other, TypeChatMessage)
}

func TestHub_NotifyUpdateFrame(t *testing.T) {
	env := newTestEnv(t, NewLocalBroker())
	conn := env.dial(t, 1, "acme")

	require.NoError(t, env.hub.NotifyUpdate(context.Background(), "acme", nil, "conversation", ActionCreated, 7))

	f := readUntil(t, conn, isType(TypeUpdate))
	assert.Equal(t, "conversation", f["entity"])
	assert.Equal(t, string(ActionCreated), f["action"])
	assert.Equal(t, map[string]any{"id": float64(7)}, f["data"])
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, NewLocalBroker())
	conn := env.dial(t, 1, "acme")

	env.cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			assert.True(t, errors.As(err, &closeErr), "expected a close frame, got %v", err)
			return
		}
	}
}

type failingBroker struct{ LocalBroker }

func (failingBroker) Publish(context.Context, []byte) error {
	return errors.New("redis down")
}

func TestHub_PublishFailureIsCounted(t *testing.T) {
	m := metrics.New()
	hub := NewHub(&failingBroker{LocalBroker: *NewLocalBroker()}, NewPresence(), m,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := hub.NotifyMessage(context.Background(), "acme", []int64{1}, 1, 1, 1, time.Now())
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BroadcastErrors))
}

func TestHub_PublishWithoutRunningHubNeverBlocks(t *testing.T) {
	m := metrics.New()
	hub := NewHub(NewLocalBroker(), NewPresence(), m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i <= localBrokerBuffer && err == nil; i++ {
			err = hub.NotifyMessage(context.Background(), "acme", []int64{1}, 1, int64(i), 1, time.Now())
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBrokerFull)
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a broker nobody drains")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BroadcastErrors))
}

func TestEnvelope_WireShape(t *testing.T) {
	broker := NewLocalBroker()
	hub := NewHub(broker, NewPresence(), metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, hub.NotifyUpdate(context.Background(), "", []int64{3}, "message", ActionUpdated, 12))

	var env envelope
	require.NoError(t, json.Unmarshal(<-broker.ch, &env))
	assert.Equal(t, SystemRoom, env.Room)
	assert.Equal(t, []int64{3}, env.Recipients)
	assert.JSONEq(t, `{"type":"update","entity":"message","action":"updated","data":{"id":12}}`, string(env.Frame))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
}
