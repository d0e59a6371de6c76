package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, r.URL.Query().Get("tenant"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?tenant=" + tenantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func waitForClients(t *testing.T, hub *Hub, tenantID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount(tenantID) == n
	}, time.Second, 10*time.Millisecond)
}

func TestNotifyCredits_ReachesOwnTenantOnly(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := newTestServer(t, hub)

	c1 := dial(t, srv, "t_1")
	c2 := dial(t, srv, "t_2")
	waitForClients(t, hub, "t_1", 1)
	waitForClients(t, hub, "t_2", 1)

	hub.NotifyCredits("t_1", 42)

	ev := readEvent(t, c1)
	assert.Equal(t, EventCreditsUpdated, ev.Type)
	assert.Equal(t, "t_1", ev.TenantID)
	data := ev.Data.(map[string]any)
	assert.Equal(t, float64(42), data["creditsRemaining"])

	// The other tenant's client must see nothing.
	require.NoError(t, c2.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := c2.ReadMessage()
	assert.Error(t, err, "expected read timeout for uninvolved tenant")
}

func TestNotifySubscription_FansOutToAllTenantClients(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := newTestServer(t, hub)

	c1 := dial(t, srv, "t_1")
	c2 := dial(t, srv, "t_1")
	waitForClients(t, hub, "t_1", 2)

	hub.NotifySubscription("t_1", "pro", "active")

	for _, conn := range []*websocket.Conn{c1, c2} {
		ev := readEvent(t, conn)
		assert.Equal(t, EventSubscriptionUpdated, ev.Type)
		data := ev.Data.(map[string]any)
		assert.Equal(t, "pro", data["plan"])
	}
}

func TestClientRemovedOnDisconnect(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "t_1")
	waitForClients(t, hub, "t_1", 1)

	conn.Close()
	waitForClients(t, hub, "t_1", 0)
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := newTestServer(t, hub)

	hub.Shutdown(context.Background())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?tenant=t_1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
