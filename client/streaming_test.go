package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"
)

func eventually(t *testing.T, message string, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestBackoffTimeout(t *testing.T) {
	minTimeout := 1 * time.Second
	maxTimeout := 64 * time.Second

	assert.Equal(t, backoffTimeout(1, minTimeout, maxTimeout), 1*time.Second)
	assert.Equal(t, backoffTimeout(2, minTimeout, maxTimeout), 2*time.Second)
	assert.Equal(t, backoffTimeout(3, minTimeout, maxTimeout), 4*time.Second)
	assert.Equal(t, backoffTimeout(7, minTimeout, maxTimeout), 64*time.Second)
	// capped
	assert.Equal(t, backoffTimeout(20, minTimeout, maxTimeout), 64*time.Second)
}

func TestStreamViewKeys(t *testing.T) {
	assert.Equal(t, streamViewKeys([]string{"user"}), []ViewKey{ViewHome})
	assert.Equal(t, streamViewKeys([]string{"public"}), []ViewKey{ViewPublic})
	assert.Equal(t, streamViewKeys([]string{"hashtag", "go"}), []ViewKey{HashtagView("go")})
	assert.Equal(t, streamViewKeys([]string{"list", "4"}), []ViewKey{ListView("4")})
	assert.Equal(t, streamViewKeys([]string{"group", "g1"}), []ViewKey{GroupView("g1")})
	assert.Equal(t, streamViewKeys([]string{}), []ViewKey{ViewHome})
}

func TestHandleMessageRouting(t *testing.T) {
	entities := NewEntityTableWithDefaults()
	timelines := NewTimelinesWithDefaults(entities, nil)
	defer timelines.Close()
	notifications := NewNotificationFeedWithDefaults(entities, nil)
	defer notifications.Close()

	streamingClient := &StreamingClient{
		entities:      entities,
		timelines:     timelines,
		notifications: notifications,
		settings:      DefaultStreamingSettings(),
	}

	payload, _ := json.Marshal(map[string]any{
		"id":      "1",
		"account": map[string]any{"id": "7"},
	})
	frame, _ := json.Marshal(map[string]any{
		"event":   "update",
		"payload": string(payload),
		"stream":  []string{"user"},
	})
	streamingClient.handleMessage(frame)

	view := timelines.View(ViewHome)
	assert.Equal(t, view.Items, []string{"1"})
	_, ok := entities.Get(EntityStatus, "1")
	assert.Equal(t, ok, true)

	// a status edit merges in place without reinsertion
	payload, _ = json.Marshal(map[string]any{
		"id":      "1",
		"content": "edited",
	})
	frame, _ = json.Marshal(map[string]any{
		"event":   "status.update",
		"payload": string(payload),
		"stream":  []string{"user"},
	})
	streamingClient.handleMessage(frame)
	record, _ := entities.Get(EntityStatus, "1")
	assert.Equal(t, record.String("content"), "edited")
	view = timelines.View(ViewHome)
	assert.Equal(t, view.Items, []string{"1"})

	// notification event
	payload, _ = json.Marshal(followNotification("5", "7"))
	frame, _ = json.Marshal(map[string]any{
		"event":   "notification",
		"payload": string(payload),
	})
	streamingClient.handleMessage(frame)
	snapshot := notifications.Snapshot()
	assert.Equal(t, snapshot.Items, []string{"5"})

	// delete event cascades out of the views
	frame, _ = json.Marshal(map[string]any{
		"event":   "delete",
		"payload": "1",
	})
	streamingClient.handleMessage(frame)
	view = timelines.View(ViewHome)
	assert.Equal(t, view.Items, []string{})
	_, ok = entities.Get(EntityStatus, "1")
	assert.Equal(t, ok, false)

	// malformed frames are dropped without effect
	streamingClient.handleMessage([]byte("not json"))
	streamingClient.handleMessage([]byte(`{"event":"update","payload":"not json"}`))
}

func TestStreamingConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	defer server.Close()
	streamingUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	entities := NewEntityTableWithDefaults()
	timelines := NewTimelinesWithDefaults(entities, nil)
	defer timelines.Close()
	notifications := NewNotificationFeedWithDefaults(entities, func(ctx context.Context, pageUrl string) (*ListResult, error) {
		return &ListResult{Items: []map[string]any{}}, nil
	})
	defer notifications.Close()

	streamingClient := NewStreamingClientWithDefaults(
		ctx,
		streamingUrl,
		&ClientAuth{AccessToken: "token"},
		entities,
		timelines,
		notifications,
	)
	defer streamingClient.Close()

	var ws *websocket.Conn
	select {
	case ws = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	eventually(t, "not open", func() bool {
		return streamingClient.State() == ConnectionOpen
	})

	payload, _ := json.Marshal(map[string]any{"id": "1"})
	frame, _ := json.Marshal(map[string]any{
		"event":   "update",
		"payload": string(payload),
		"stream":  []string{"user"},
	})
	ws.WriteMessage(websocket.TextMessage, frame)
	eventually(t, "status not routed", func() bool {
		return slices.Contains(timelines.View(ViewHome).Items, "1")
	})

	// malformed frame does not terminate the connection
	ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	payload, _ = json.Marshal(map[string]any{"id": "2"})
	frame, _ = json.Marshal(map[string]any{
		"event":   "update",
		"payload": string(payload),
		"stream":  []string{"user"},
	})
	ws.WriteMessage(websocket.TextMessage, frame)
	eventually(t, "status after malformed frame not routed", func() bool {
		return slices.Contains(timelines.View(ViewHome).Items, "2")
	})
}

func TestStreamingReconnectGapFill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	defer server.Close()
	streamingUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	var timelineFetches atomic.Int32
	entities := NewEntityTableWithDefaults()
	timelines := NewTimelinesWithDefaults(entities, func(ctx context.Context, viewKey ViewKey, pageUrl string) (*ListResult, error) {
		timelineFetches.Add(1)
		return &ListResult{Items: []map[string]any{}}, nil
	})
	defer timelines.Close()
	notifications := NewNotificationFeedWithDefaults(entities, func(ctx context.Context, pageUrl string) (*ListResult, error) {
		return &ListResult{Items: []map[string]any{}}, nil
	})
	defer notifications.Close()

	// a view must exist for the gap fill to have something to expand
	timelines.View(ViewHome)

	streamingClient := NewStreamingClient(
		ctx,
		streamingUrl,
		&ClientAuth{AccessToken: "token"},
		entities,
		timelines,
		notifications,
		&StreamingSettings{
			WsHandshakeTimeout:  2 * time.Second,
			ReadTimeout:         60 * time.Second,
			WriteTimeout:        2 * time.Second,
			ReconnectMinTimeout: 20 * time.Millisecond,
			ReconnectMaxTimeout: 100 * time.Millisecond,
			MaxRetries:          20,
		},
	)
	defer streamingClient.Close()

	var first *websocket.Conn
	select {
	case first = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	assert.Equal(t, timelineFetches.Load(), int32(0))

	// drop the connection; the client must reconnect and gap-fill via
	// a since expand on the subscribed views
	first.Close()
	select {
	case <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect")
	}
	eventually(t, "no gap fill", func() bool {
		return 0 < timelineFetches.Load()
	})
}
