package client

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionOpen
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	}
	return "unknown"
}

type ConnectionStateFunction func(state ConnectionState)

type StreamingSettings struct {
	WsHandshakeTimeout time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration

	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	// reconnect attempts before giving up
	MaxRetries int
}

func DefaultStreamingSettings() *StreamingSettings {
	return &StreamingSettings{
		WsHandshakeTimeout:  2 * time.Second,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 64 * time.Second,
		MaxRetries:          12,
	}
}

// one event frame off the push connection. the payload is a
// JSON-encoded string.
type StreamEvent struct {
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
	Stream  []string `json:"stream"`
}

// StreamingClient receives push events over a persistent websocket and
// routes them into the timeline and notification sequencers. the
// connection is an explicit state machine
// (disconnected -> connecting -> open -> disconnected) with backoff as
// a pure function of retry count. the sequencers only ever see the
// reconnect as a gap-fill trigger.
type StreamingClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	streamingUrl string
	auth         *ClientAuth

	entities      *EntityTable
	timelines     *Timelines
	notifications *NotificationFeed

	settings *StreamingSettings

	stateLock sync.Mutex
	state     ConnectionState

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewStreamingClientWithDefaults(
	ctx context.Context,
	streamingUrl string,
	auth *ClientAuth,
	entities *EntityTable,
	timelines *Timelines,
	notifications *NotificationFeed,
) *StreamingClient {
	return NewStreamingClient(ctx, streamingUrl, auth, entities, timelines, notifications, DefaultStreamingSettings())
}

func NewStreamingClient(
	ctx context.Context,
	streamingUrl string,
	auth *ClientAuth,
	entities *EntityTable,
	timelines *Timelines,
	notifications *NotificationFeed,
	settings *StreamingSettings,
) *StreamingClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	streamingClient := &StreamingClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		streamingUrl:   streamingUrl,
		auth:           auth,
		entities:       entities,
		timelines:      timelines,
		notifications:  notifications,
		settings:       settings,
		state:          ConnectionDisconnected,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
	go streamingClient.run()
	return streamingClient
}

func (self *StreamingClient) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *StreamingClient) AddStateCallback(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *StreamingClient) Close() {
	self.cancel()
}

func (self *StreamingClient) setState(state ConnectionState) {
	self.stateLock.Lock()
	changed := self.state != state
	self.state = state
	self.stateLock.Unlock()
	if !changed {
		return
	}
	for _, callback := range self.stateCallbacks.Get() {
		callback := callback
		safeCallback("ws", func() {
			callback(state)
		})
	}
}

func (self *StreamingClient) run() {
	defer self.setState(ConnectionDisconnected)

	retries := 0
	wasOpen := false
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.setState(ConnectionConnecting)
		ws, err := self.dial()
		if err != nil {
			self.setState(ConnectionDisconnected)
			retries += 1
			if self.settings.MaxRetries < retries {
				glog.Infof("[ws]giving up after %d retries\n", retries-1)
				return
			}
			timeout := backoffTimeout(retries, self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
			glog.Infof("[ws]connect error = %s (retry %d in %s)\n", err, retries, timeout)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(timeout):
			}
			continue
		}

		retries = 0
		self.setState(ConnectionOpen)
		glog.V(1).Infof("[ws]open %s\n", self.streamingUrl)
		if wasOpen {
			// close any gap created while disconnected rather than
			// assuming the push stream resumed without loss
			self.timelines.GapFill(self.ctx)
			self.notifications.GapFill(self.ctx)
		}
		wasOpen = true

		self.readLoop(ws)
		ws.Close()
		self.setState(ConnectionDisconnected)
	}
}

func (self *StreamingClient) dial() (*websocket.Conn, error) {
	dialUrl, err := url.Parse(self.streamingUrl)
	if err != nil {
		return nil, err
	}
	query := dialUrl.Query()
	if self.auth != nil && self.auth.AccessToken != "" {
		query.Set("access_token", self.auth.AccessToken)
	}
	dialUrl.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, dialUrl.String(), nil)
	return ws, err
}

func (self *StreamingClient) readLoop(ws *websocket.Conn) {
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]<- error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			self.handleMessage(message)
		default:
			glog.V(2).Infof("[ws]other=%d<-\n", messageType)
		}
	}
}

// handleMessage routes one event frame. malformed payloads are logged
// and dropped; they never terminate the connection.
func (self *StreamingClient) handleMessage(message []byte) {
	event := &StreamEvent{}
	if err := json.Unmarshal(message, event); err != nil {
		glog.Infof("[ws]drop malformed frame = %s\n", err)
		return
	}

	switch event.Event {
	case "update":
		raw, err := decodePayload(event.Payload)
		if err != nil {
			glog.Infof("[ws]drop %s payload = %s\n", event.Event, err)
			return
		}
		record, err := self.entities.Ingest(EntityStatus, raw)
		if err != nil {
			glog.Infof("[ws]drop %s = %s\n", event.Event, err)
			return
		}
		for _, viewKey := range streamViewKeys(event.Stream) {
			self.timelines.IngestRealtime(viewKey, record.Id())
		}

	case "status.update":
		// an edit merges into the entity table in place; it does not
		// reinsert into any view
		raw, err := decodePayload(event.Payload)
		if err != nil {
			glog.Infof("[ws]drop %s payload = %s\n", event.Event, err)
			return
		}
		if _, err := self.entities.Ingest(EntityStatus, raw); err != nil {
			glog.Infof("[ws]drop %s = %s\n", event.Event, err)
		}

	case "delete":
		self.entities.Delete(EntityStatus, event.Payload, true)

	case "notification":
		raw, err := decodePayload(event.Payload)
		if err != nil {
			glog.Infof("[ws]drop notification payload = %s\n", err)
			return
		}
		self.notifications.IngestRealtime(raw)

	case "pleroma:chat_update":
		raw, err := decodePayload(event.Payload)
		if err != nil {
			glog.Infof("[ws]drop chat payload = %s\n", err)
			return
		}
		if _, err := self.entities.Ingest(EntityChat, raw); err != nil {
			glog.Infof("[ws]drop chat = %s\n", err)
		}

	default:
		glog.V(2).Infof("[ws]ignore event=%s\n", event.Event)
	}
}

func decodePayload(payload string) (map[string]any, error) {
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// streamViewKeys maps the event's stream tags to view keys
func streamViewKeys(stream []string) []ViewKey {
	if len(stream) == 0 {
		return []ViewKey{ViewHome}
	}
	viewKeys := []ViewKey{}
	switch stream[0] {
	case "user":
		viewKeys = append(viewKeys, ViewHome)
	case "public":
		viewKeys = append(viewKeys, ViewPublic)
	case "public:local":
		viewKeys = append(viewKeys, ViewPublicLocal)
	case "hashtag":
		if 1 < len(stream) {
			viewKeys = append(viewKeys, HashtagView(stream[1]))
		}
	case "list":
		if 1 < len(stream) {
			viewKeys = append(viewKeys, ListView(stream[1]))
		}
	case "group":
		if 1 < len(stream) {
			viewKeys = append(viewKeys, GroupView(stream[1]))
		}
	default:
		viewKeys = append(viewKeys, ViewKey(stream[0]))
	}
	return viewKeys
}

// backoffTimeout is a pure function of the retry count: exponential
// from minTimeout, capped at maxTimeout
func backoffTimeout(retries int, minTimeout time.Duration, maxTimeout time.Duration) time.Duration {
	timeout := minTimeout
	for i := 1; i < retries; i += 1 {
		timeout *= 2
		if maxTimeout <= timeout {
			return maxTimeout
		}
	}
	if maxTimeout < timeout {
		return maxTimeout
	}
	return timeout
}
