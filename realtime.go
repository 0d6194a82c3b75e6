package campusim

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Destinations
// ============================================================================

const (
	topicPrivateMessage = "/user/queue/private.message"
	topicGroupMessage   = "/user/queue/group.message"
	topicMessageRead    = "/user/queue/message.read"
	topicMessageRecall  = "/user/queue/message.recall"
	topicUserStatus     = "/topic/user.status"

	destPrivateSend = "/app/private.message"
	destGroupSend   = "/app/group.message"
	destReadSend    = "/app/message.read"
	destRecallSend  = "/app/message.recall"
	destStatusSend  = "/app/user.status"
)

// subscriptionTable is the fixed set of topics registered on every successful
// connection. The empty kind marks the presence broadcast, which routes to
// the status callback instead of the message callback.
var subscriptionTable = []struct {
	id          string
	destination string
	kind        EventKind
}{
	{"sub-private", topicPrivateMessage, EventPrivateMessage},
	{"sub-group", topicGroupMessage, EventGroupMessage},
	{"sub-read", topicMessageRead, EventReadReceipt},
	{"sub-recall", topicMessageRecall, EventRecall},
	{"sub-status", topicUserStatus, ""},
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client. Intervals default to the
// protocol values; tests compress them.
type RealtimeConfig struct {
	Token               string
	HeartbeatInterval   time.Duration // bidirectional, default 20s
	ReconnectDelay      time.Duration // default 5s
	HealthCheckInterval time.Duration // default 30s
	HandshakeTimeout    time.Duration // default 10s
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type realtimeDispatcher struct {
	mu          sync.RWMutex
	onMessage   []func(Event)
	onStatus    []func(PresenceUpdate)
	onConnected []func()
	onClosed    []func(reason string)
	onAuthError []func(err error)
}

// Handlers run synchronously so events are delivered in the order frames
// arrive from the transport. Handlers that do slow work must hand it off
// themselves.

func (d *realtimeDispatcher) emitMessage(ev Event) {
	d.mu.RLock()
	handlers := append([]func(Event){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (d *realtimeDispatcher) emitStatus(p PresenceUpdate) {
	d.mu.RLock()
	handlers := append([]func(PresenceUpdate){}, d.onStatus...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (d *realtimeDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *realtimeDispatcher) emitClosed(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onClosed...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *realtimeDispatcher) emitAuthError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onAuthError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *realtimeDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = nil
	d.onStatus = nil
	d.onConnected = nil
	d.onClosed = nil
	d.onAuthError = nil
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the STOMP-over-WebSocket session: connect, subscribe,
// heartbeat, failure detection and single-flight reconnect. There is exactly
// one live connection per client; Connect on a connected client is a no-op.
type RealtimeClient struct {
	client     *Client
	config     *RealtimeConfig
	dispatcher *realtimeDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	status           ConnectionStatus
	intentionalClose bool
	reconnecting     bool
	reconnectTimer   *time.Timer
	connCancel       context.CancelFunc
	healthCancel     context.CancelFunc
	lastActivity     time.Time
}

// NewRealtimeClient creates a realtime client bound to the REST client's
// server. The REST client is used only for the diagnostic reachability probe.
func NewRealtimeClient(client *Client, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		client:     client,
		config:     &cfg,
		dispatcher: &realtimeDispatcher{},
		status:     StatusDisconnected,
	}
}

// SetToken replaces the stored credential used on the next connect.
func (rt *RealtimeClient) SetToken(token string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.config.Token = token
}

// OnMessage registers the inbound event callback (all four message topics).
func (rt *RealtimeClient) OnMessage(h func(Event)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessage = append(rt.dispatcher.onMessage, h)
	rt.dispatcher.mu.Unlock()
}

// OnStatus registers the presence broadcast callback.
func (rt *RealtimeClient) OnStatus(h func(PresenceUpdate)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onStatus = append(rt.dispatcher.onStatus, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnClosed registers a handler for the closed meta-event.
func (rt *RealtimeClient) OnClosed(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onClosed = append(rt.dispatcher.onClosed, h)
	rt.dispatcher.mu.Unlock()
}

// OnAuthError registers a handler for authentication failures on the
// realtime channel.
func (rt *RealtimeClient) OnAuthError(h func(err error)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onAuthError = append(rt.dispatcher.onAuthError, h)
	rt.dispatcher.mu.Unlock()
}

// Status returns the current connection state.
func (rt *RealtimeClient) Status() ConnectionStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

// IsConnected reports whether the realtime channel is usable.
func (rt *RealtimeClient) IsConnected() bool {
	return rt.Status() == StatusConnected
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

// Connect establishes the WebSocket, performs the STOMP handshake with the
// credential as a query parameter, registers the fixed subscriptions, starts
// the heartbeat and health check, and announces presence. A no-op when
// already connected; an empty credential fails before any network attempt.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.status == StatusConnected || rt.status == StatusConnecting {
		rt.mu.Unlock()
		return nil
	}
	if rt.config.Token == "" {
		rt.mu.Unlock()
		return &ValidationError{Field: "token"}
	}
	rt.status = StatusConnecting
	rt.intentionalClose = false
	token := rt.config.Token
	rt.mu.Unlock()

	conn, err := rt.dial(ctx, token)
	if err != nil {
		rt.mu.Lock()
		rt.status = StatusDisconnected
		rt.mu.Unlock()

		go rt.client.ProbeHealth(context.Background())

		if errors.Is(err, ErrUnauthorized) {
			jww.ERROR.Printf("realtime: handshake rejected: %v", err)
			rt.dispatcher.emitAuthError(err)
			return err
		}
		jww.WARN.Printf("realtime: connect failed: %v", err)
		rt.dispatcher.emitClosed(err.Error())
		rt.scheduleReconnect()
		return errors.Wrap(err, "realtime connect")
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	// Disconnect may have run while the handshake was in flight; the session
	// it tore down must not come back to life.
	if rt.intentionalClose || rt.config.Token == "" {
		rt.status = StatusDisconnected
		rt.mu.Unlock()
		connCancel()
		rt.closeConn(conn, websocket.StatusNormalClosure, "client disconnect")
		jww.INFO.Printf("realtime: discarding handshake, client disconnected meanwhile")
		return nil
	}
	rt.conn = conn
	rt.status = StatusConnected
	rt.lastActivity = time.Now()
	rt.connCancel = connCancel
	rt.mu.Unlock()

	if err := rt.subscribeAll(connCtx, conn); err != nil {
		jww.WARN.Printf("realtime: subscribe failed: %v", err)
		rt.closeConn(conn, websocket.StatusProtocolError, "subscribe failed")
		rt.mu.Lock()
		rt.conn = nil
		rt.connCancel = nil
		rt.status = StatusDisconnected
		rt.mu.Unlock()
		connCancel()
		rt.dispatcher.emitClosed("subscribe failed")
		rt.scheduleReconnect()
		return errors.Wrap(err, "realtime subscribe")
	}

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)
	rt.ensureHealthLoop()

	rt.SendPresence()
	jww.INFO.Printf("realtime: connected")
	rt.dispatcher.emitConnected()
	return nil
}

// dial opens the WebSocket and completes the STOMP CONNECT handshake.
func (rt *RealtimeClient) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()

	wsURL := strings.Replace(rt.client.BaseURL(), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(dctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}

	connect := newStompFrame(stompConnect).
		set("accept-version", "1.2").
		set("heart-beat", heartBeatHeader(rt.config.HeartbeatInterval))
	if err := conn.Write(dctx, websocket.MessageText, connect.marshal()); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Wrap(err, "stomp connect")
	}

	// First server frame must be CONNECTED; anything else fails the
	// handshake.
	_, data, err := conn.Read(dctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Wrap(err, "read handshake")
	}
	frame, err := parseStompFrame(data)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, err
	}
	switch frame.command {
	case stompConnected:
		return conn, nil
	case stompError:
		conn.Close(websocket.StatusNormalClosure, "")
		reason := frame.header("message")
		if reason == "" {
			reason = string(frame.body)
		}
		if strings.Contains(reason, "Unauthorized") || strings.Contains(reason, "401") {
			return nil, ErrUnauthorized
		}
		return nil, errors.Errorf("stomp handshake rejected: %s", reason)
	default:
		conn.Close(websocket.StatusProtocolError, "")
		return nil, errors.Errorf("expected CONNECTED, got %s", frame.command)
	}
}

func (rt *RealtimeClient) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	wctx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()
	for _, s := range subscriptionTable {
		f := newStompFrame(stompSubscribe).
			set("id", s.id).
			set("destination", s.destination)
		if err := conn.Write(wctx, websocket.MessageText, f.marshal()); err != nil {
			return errors.Wrapf(err, "subscribe %s", s.destination)
		}
	}
	return nil
}

// Disconnect is the caller-initiated teardown: it cancels the reconnect and
// health-check timers, clears the credential and callbacks so automatic
// reconnect can never fire after logout, and closes the subscriptions and
// the session. Every step is best-effort.
func (rt *RealtimeClient) Disconnect() {
	rt.mu.Lock()
	rt.intentionalClose = true
	rt.config.Token = ""
	if rt.reconnectTimer != nil {
		rt.reconnectTimer.Stop()
		rt.reconnectTimer = nil
	}
	rt.reconnecting = false
	if rt.connCancel != nil {
		rt.connCancel()
		rt.connCancel = nil
	}
	if rt.healthCancel != nil {
		rt.healthCancel()
		rt.healthCancel = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.status = StatusDisconnected
	rt.mu.Unlock()

	if conn != nil {
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, s := range subscriptionTable {
			f := newStompFrame(stompUnsubscribe).set("id", s.id)
			_ = conn.Write(wctx, websocket.MessageText, f.marshal())
		}
		_ = conn.Write(wctx, websocket.MessageText, newStompFrame(stompDisconnect).marshal())
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	rt.dispatcher.removeAll()
	jww.INFO.Printf("realtime: disconnected")
}

func (rt *RealtimeClient) closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	_ = conn.Close(code, reason)
}

// ============================================================================
// Loops
// ============================================================================

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleConnFailure(err)
			return
		}
		rt.touchActivity()
		if isHeartbeat(data) {
			continue
		}
		frame, perr := parseStompFrame(data)
		if perr != nil {
			jww.ERROR.Printf("realtime: dropping malformed frame: %v", perr)
			continue
		}
		switch frame.command {
		case stompMessage:
			rt.route(frame)
		case stompError:
			reason := frame.header("message")
			if reason == "" {
				reason = string(frame.body)
			}
			jww.ERROR.Printf("realtime: server error frame: %s", reason)
			if strings.Contains(reason, "Unauthorized") || strings.Contains(reason, "401") {
				rt.dispatcher.emitAuthError(ErrUnauthorized)
			}
		default:
			jww.WARN.Printf("realtime: unexpected frame %s", frame.command)
		}
	}
}

// handleConnFailure reacts to an abrupt close of the underlying session.
func (rt *RealtimeClient) handleConnFailure(err error) {
	rt.mu.Lock()
	intentional := rt.intentionalClose
	rt.conn = nil
	if rt.connCancel != nil {
		rt.connCancel()
		rt.connCancel = nil
	}
	rt.status = StatusDisconnected
	rt.mu.Unlock()

	if intentional {
		return
	}

	jww.WARN.Printf("realtime: connection lost: %v", err)
	rt.dispatcher.emitClosed(err.Error())
	go rt.client.ProbeHealth(context.Background())
	rt.scheduleReconnect()
}

func (rt *RealtimeClient) touchActivity() {
	rt.mu.Lock()
	rt.lastActivity = time.Now()
	rt.mu.Unlock()
}

// heartbeatLoop sends the outgoing heartbeat and force-closes the connection
// when no server traffic has arrived for two intervals; the read loop then
// drives the normal failure path.
func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, heartbeatFrame)
			cancel()
			if err != nil {
				rt.closeConn(conn, websocket.StatusGoingAway, "heartbeat write failed")
				return
			}
			rt.mu.Lock()
			stale := time.Since(rt.lastActivity) > 2*rt.config.HeartbeatInterval
			rt.mu.Unlock()
			if stale {
				jww.WARN.Printf("realtime: no server heartbeat, forcing close")
				rt.closeConn(conn, websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ensureHealthLoop starts the periodic self-health check once per session.
func (rt *RealtimeClient) ensureHealthLoop() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.healthCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt.healthCancel = cancel
	go rt.healthLoop(ctx)
}

// healthLoop corrects a stale "connected" status and restarts a dropped
// connection while a credential is still held.
func (rt *RealtimeClient) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.mu.Lock()
			status := rt.status
			conn := rt.conn
			token := rt.config.Token
			reconnecting := rt.reconnecting
			rt.mu.Unlock()

			switch {
			case status == StatusConnected:
				alive := conn != nil
				if alive {
					pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
					alive = conn.Ping(pctx) == nil
					cancel()
				}
				if !alive {
					jww.WARN.Printf("realtime: health check found dead session, correcting status")
					rt.mu.Lock()
					rt.status = StatusDisconnected
					rt.conn = nil
					rt.mu.Unlock()
					if conn != nil {
						rt.closeConn(conn, websocket.StatusGoingAway, "health check")
					}
					rt.dispatcher.emitClosed("health check: session not connected")
					rt.scheduleReconnect()
				}
			case status == StatusDisconnected && token != "" && !reconnecting:
				jww.INFO.Printf("realtime: health check triggering reconnect")
				rt.scheduleReconnect()
			}
		}
	}
}

// scheduleReconnect arms a single reconnect attempt after the fixed delay.
// The reconnecting flag guarantees at most one attempt is ever in flight; a
// failed attempt is retried by the next health check, not by stacking
// timers.
func (rt *RealtimeClient) scheduleReconnect() {
	rt.mu.Lock()
	if rt.reconnecting || rt.intentionalClose || rt.config.Token == "" {
		rt.mu.Unlock()
		return
	}
	rt.reconnecting = true
	delay := rt.config.ReconnectDelay
	rt.reconnectTimer = time.AfterFunc(delay, func() {
		defer func() {
			rt.mu.Lock()
			rt.reconnecting = false
			rt.reconnectTimer = nil
			rt.mu.Unlock()
		}()
		rt.mu.Lock()
		skip := rt.intentionalClose || rt.config.Token == ""
		rt.mu.Unlock()
		if skip {
			return
		}
		if err := rt.Connect(context.Background()); err != nil {
			jww.WARN.Printf("realtime: reconnect attempt failed: %v", err)
		}
	})
	rt.mu.Unlock()
	jww.INFO.Printf("realtime: reconnect scheduled in %s", delay)
}

// ============================================================================
// Outbound dispatch
// ============================================================================

// sendFrame serializes a payload and forwards it to the given outbound
// address. Returns false without error when the channel is unavailable or
// the write fails; callers treat false as the cue to use the REST path.
func (rt *RealtimeClient) sendFrame(destination string, payload any) bool {
	rt.mu.Lock()
	conn := rt.conn
	connected := rt.status == StatusConnected
	rt.mu.Unlock()

	if !connected || conn == nil {
		jww.DEBUG.Printf("realtime: not connected, cannot send to %s", destination)
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		jww.ERROR.Printf("realtime: marshal payload for %s: %v", destination, err)
		return false
	}

	f := newStompFrame(stompSend).
		set("destination", destination).
		set("content-type", "application/json")
	f.body = body

	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, f.marshal()); err != nil {
		jww.WARN.Printf("realtime: send to %s failed: %v", destination, err)
		return false
	}
	return true
}

// messageIDValue renders a message id the way the backend expects: numeric
// where possible.
func messageIDValue(messageID string) any {
	if n, err := strconv.ParseInt(messageID, 10, 64); err == nil {
		return n
	}
	return messageID
}

// SendPrivate sends a private chat message over the realtime channel.
func (rt *RealtimeClient) SendPrivate(receiverID int64, contentType, content string) bool {
	if receiverID == 0 || contentType == "" || content == "" {
		jww.WARN.Printf("realtime: private send missing required field")
		return false
	}
	return rt.sendFrame(destPrivateSend, map[string]any{
		"receiverId":  receiverID,
		"contentType": contentType,
		"content":     content,
	})
}

// SendGroup sends a group chat message over the realtime channel.
func (rt *RealtimeClient) SendGroup(groupID int64, contentType, content string) bool {
	if groupID == 0 || contentType == "" || content == "" {
		jww.WARN.Printf("realtime: group send missing required field")
		return false
	}
	return rt.sendFrame(destGroupSend, map[string]any{
		"groupId":     groupID,
		"contentType": contentType,
		"content":     content,
	})
}

// SendReadReceipt reports a message as read.
func (rt *RealtimeClient) SendReadReceipt(messageID string) bool {
	if messageID == "" {
		jww.WARN.Printf("realtime: read receipt missing message id")
		return false
	}
	return rt.sendFrame(destReadSend, map[string]any{
		"messageId": messageIDValue(messageID),
	})
}

// SendRecall requests recall of a previously sent message.
func (rt *RealtimeClient) SendRecall(messageID string, conversationType ConversationType, targetID int64) bool {
	if messageID == "" {
		jww.WARN.Printf("realtime: recall missing message id")
		return false
	}
	if targetID == 0 {
		jww.WARN.Printf("realtime: recall missing target id")
		return false
	}
	return rt.sendFrame(destRecallSend, map[string]any{
		"messageId":        messageIDValue(messageID),
		"conversationType": int(conversationType),
		"targetId":         targetID,
	})
}

// SendPresence announces the user's presence (empty frame by protocol).
func (rt *RealtimeClient) SendPresence() bool {
	return rt.sendFrame(destStatusSend, map[string]any{})
}

// ============================================================================
// Inbound routing
// ============================================================================

// route demultiplexes a MESSAGE frame by topic into a typed event. Malformed
// payloads are logged and dropped; they never break the subscription.
func (rt *RealtimeClient) route(frame *stompFrame) {
	dest := frame.header("destination")
	subID := frame.header("subscription")

	for _, s := range subscriptionTable {
		if s.destination != dest && s.id != subID {
			continue
		}
		if s.kind == "" {
			var p PresenceUpdate
			if err := json.Unmarshal(frame.body, &p); err != nil {
				jww.ERROR.Printf("realtime: dropping malformed presence payload: %v", err)
				return
			}
			rt.dispatcher.emitStatus(p)
			return
		}
		msg, err := decodeMessage(frame.body)
		if err != nil {
			jww.ERROR.Printf("realtime: dropping malformed %s payload: %v", s.kind, err)
			return
		}
		rt.dispatcher.emitMessage(Event{Kind: s.kind, Message: msg})
		return
	}
	jww.WARN.Printf("realtime: frame for unknown destination %q", dest)
}
