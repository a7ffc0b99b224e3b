package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikeyg42/anomalycam/internal/events"
)

func dialHub(t *testing.T, hub *EventHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHubBroadcasts(t *testing.T) {
	hub := NewEventHub([]string{"*"}, zap.NewNop())
	defer hub.Close()

	a := dialHub(t, hub)
	b := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, time.Millisecond)

	e := events.New(events.KindAnomaly, events.ModeLive)
	e.Score = 0.0012
	hub.Publish(e)

	for _, conn := range []*websocket.Conn{a, b} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got events.Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, events.KindAnomaly, got.Kind)
		assert.InDelta(t, 0.0012, got.Score, 1e-12)
	}
}

func TestEventHubForgetsDisconnectedClients(t *testing.T) {
	hub := NewEventHub(nil, zap.NewNop())
	defer hub.Close()

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, time.Millisecond)
	hub.Publish(events.New(events.KindAlert, ""))
}

func TestEventHubCloseDisconnects(t *testing.T) {
	hub := NewEventHub(nil, zap.NewNop())
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Zero(t, hub.Clients())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest("GET", "/ws/events", nil)
	assert.True(t, check(req), "same-origin requests carry no Origin")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, check(req))
}
