package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		hub.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitSubscribers(t *testing.T, hub *Hub, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.subscriberCount(channel) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d subscribers", channel, want)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	hub := NewHub(5 * time.Second)
	srv := newTestServer(t, hub)
	conn := dial(t, srv)

	established := readJSON(t, conn)
	assert.Equal(t, "connection.established", established["type"])

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalSessionsChannel})
	confirmed := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", confirmed["type"])
	assert.Equal(t, GlobalSessionsChannel, confirmed["channel"])
	waitSubscribers(t, hub, GlobalSessionsChannel, 1)

	pub := NewPublisher(hub)
	pub.NotifySessionAssigned("sess-1", "user-1", "worker-1")

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeSessionAssigned, msg["type"])
	assert.Equal(t, GlobalSessionsChannel, msg["channel"])
	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-1", payload["session_id"])
	assert.Equal(t, "worker-1", payload["worker_id"])
}

func TestBroadcastSkipsOtherChannels(t *testing.T) {
	hub := NewHub(5 * time.Second)
	srv := newTestServer(t, hub)
	conn := dial(t, srv)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: UserChannel("user-1")})
	readJSON(t, conn) // subscription.confirmed
	waitSubscribers(t, hub, UserChannel("user-1"), 1)

	pub := NewPublisher(hub)
	// Fans out to sessions + user:user-2; neither is ours.
	pub.NotifySessionQueued("sess-9", "user-2", 3, 900)
	// This one is.
	pub.NotifyQueuePromoted("sess-1", "user-1", "worker-1")

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypeQueuePromoted, msg["type"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(5 * time.Second)
	srv := newTestServer(t, hub)
	conn := dial(t, srv)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: OpsChannel})
	readJSON(t, conn)
	waitSubscribers(t, hub, OpsChannel, 1)

	writeJSON(t, conn, ClientMessage{Action: "unsubscribe", Channel: OpsChannel})
	waitSubscribers(t, hub, OpsChannel, 0)

	pub := NewPublisher(hub)
	pub.NotifyScalingEvent(&models.ScalingEvent{
		Trigger: models.ScalingTriggerHighQueue, QueueDepth: 7,
	})

	// Ping/pong proves nothing else was queued ahead of it.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionCleanupOnClose(t *testing.T) {
	hub := NewHub(5 * time.Second)
	srv := newTestServer(t, hub)
	conn := dial(t, srv)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: WorkersChannel})
	readJSON(t, conn)
	waitSubscribers(t, hub, WorkersChannel, 1)
	assert.Equal(t, 1, hub.ActiveConnections())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && hub.ActiveConnections() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, hub.ActiveConnections())
	assert.Equal(t, 0, hub.subscriberCount(WorkersChannel))
}

func TestPlanOverageReachesUserChannel(t *testing.T) {
	hub := NewHub(5 * time.Second)
	srv := newTestServer(t, hub)
	conn := dial(t, srv)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: UserChannel("user-1")})
	readJSON(t, conn)
	waitSubscribers(t, hub, UserChannel("user-1"), 1)

	pub := NewPublisher(hub)
	pub.NotifyPlanOverage("user-1", models.TierFree, "session", 3, 1)

	msg := readJSON(t, conn)
	assert.Equal(t, EventTypePlanOverage, msg["type"])
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, "session", payload["kind"])
	assert.Equal(t, float64(3), payload["used"])
	assert.Equal(t, float64(1), payload["limit"])
}
