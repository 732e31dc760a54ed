package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/events/bus"
)

func newTestServer(t *testing.T) (*Hub, bus.EventBus, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewNop()
	hub := NewHub(log)
	eventBus := bus.NewInProcBus(log)

	if _, err := hub.Bind(eventBus); err != nil {
		t.Fatalf("bind hub to bus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	SetupWebSocketRoutes(router.Group("/api/v1"), NewWSHandler(hub, log))
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		eventBus.Close()
	})
	return hub, eventBus, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *bus.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	// The write pump batches queued events with newline separators.
	first := data
	if i := strings.IndexByte(string(data), '\n'); i >= 0 {
		first = data[:i]
	}
	var event bus.Event
	if err := json.Unmarshal(first, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return &event
}

func waitSubscribers(t *testing.T, hub *Hub, loopID string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.GetLoopSubscriberCount(loopID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("loop %s never reached %d subscribers", loopID, want)
}

func TestStreamLoopReceivesLoopEvents(t *testing.T) {
	hub, eventBus, srv := newTestServer(t)

	conn := dial(t, srv, "/api/v1/loops/loop-1/stream")
	waitSubscribers(t, hub, "loop-1", 1)

	event := bus.NewEvent("loop.message", "loop-manager", map[string]interface{}{
		"loop_id": "loop-1",
		"text":    "hello",
	})
	if err := eventBus.Publish(context.Background(), "loop.message", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := readEvent(t, conn)
	if got.Type != "loop.message" {
		t.Fatalf("event type = %q, want loop.message", got.Type)
	}
	if got.Data["loop_id"] != "loop-1" {
		t.Fatalf("loop_id = %v, want loop-1", got.Data["loop_id"])
	}
}

func TestStreamLoopFiltersOtherLoops(t *testing.T) {
	hub, eventBus, srv := newTestServer(t)

	conn := dial(t, srv, "/api/v1/loops/loop-1/stream")
	waitSubscribers(t, hub, "loop-1", 1)

	other := bus.NewEvent("loop.message", "loop-manager", map[string]interface{}{
		"loop_id": "loop-2",
	})
	mine := bus.NewEvent("loop.completed", "loop-manager", map[string]interface{}{
		"loop_id": "loop-1",
	})
	eventBus.Publish(context.Background(), "loop.message", other)
	eventBus.Publish(context.Background(), "loop.completed", mine)

	got := readEvent(t, conn)
	if got.Type != "loop.completed" {
		t.Fatalf("event type = %q, want loop.completed (loop-2 event must not leak)", got.Type)
	}
}

func TestStreamAllSubscriptionMessages(t *testing.T) {
	hub, eventBus, srv := newTestServer(t)

	conn := dial(t, srv, "/api/v1/stream")

	sub := SubscriptionMessage{Action: "subscribe", LoopIDs: []string{"loop-7"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	waitSubscribers(t, hub, "loop-7", 1)

	event := bus.NewEvent("loop.started", "loop-manager", map[string]interface{}{
		"loop_id": "loop-7",
	})
	eventBus.Publish(context.Background(), "loop.started", event)

	got := readEvent(t, conn)
	if got.Type != "loop.started" {
		t.Fatalf("event type = %q, want loop.started", got.Type)
	}

	unsub := SubscriptionMessage{Action: "unsubscribe", LoopIDs: []string{"loop-7"}}
	if err := conn.WriteJSON(unsub); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	waitSubscribers(t, hub, "loop-7", 0)
}

func TestStreamAllFirehose(t *testing.T) {
	hub, eventBus, srv := newTestServer(t)

	conn := dial(t, srv, "/api/v1/stream")
	if err := conn.WriteJSON(SubscriptionMessage{Action: "subscribe_all"}); err != nil {
		t.Fatalf("write subscribe_all: %v", err)
	}

	// subscribe_all has no per-loop entry, so poll the registered client directly.
	deadline := time.Now().Add(5 * time.Second)
	for hub.GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		ready := false
		for client := range hub.clients {
			if client.watchesAll() {
				ready = true
			}
		}
		hub.mu.RUnlock()
		if ready {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	event := bus.NewEvent("loop.error", "loop-manager", map[string]interface{}{
		"loop_id": "loop-nobody-subscribed",
	})
	eventBus.Publish(context.Background(), "loop.error", event)

	got := readEvent(t, conn)
	if got.Type != "loop.error" {
		t.Fatalf("event type = %q, want loop.error", got.Type)
	}
}

func TestStreamLoopMissingIDRejected(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/loops//stream")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatal("connection without a loop ID must not upgrade")
	}
}
