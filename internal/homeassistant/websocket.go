package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by WebSocket requests made while no
// session is open.
var ErrNotConnected = errors.New("websocket not connected")

const wsRequestTimeout = 30 * time.Second

// WSClient follows Home Assistant events over the WebSocket API. The
// event types given to NewWSClient are subscribed on every new session,
// so a reconnect needs no further calls.
type WSClient struct {
	baseURL    string
	token      string
	eventTypes []string
	logger     *slog.Logger

	mu   sync.Mutex
	sess *wsSession

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan wsMessage

	events chan Event
}

// wsSession is one authenticated connection. done is closed when its
// read loop exits.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (s *wsSession) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *wsSession) write(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewWSClient creates a client that subscribes to eventTypes once
// connected. Nothing is dialled until Connect or Ensure.
func NewWSClient(baseURL, token string, eventTypes []string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL:    baseURL,
		token:      token,
		eventTypes: eventTypes,
		logger:     logger.With("component", "ha_websocket"),
		pending:    make(map[int64]chan wsMessage),
		events:     make(chan Event, 128),
	}
}

// websocketURL turns the configured http(s) base URL into the
// ws(s)://host/api/websocket endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Events returns the channel of subscribed events. Events are dropped
// while the channel is full.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Connected reports whether a session is open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.alive()
}

// Ensure pings an open session or opens a new one. It is suitable as a
// connection watcher probe.
func (c *WSClient) Ensure(ctx context.Context) error {
	if c.Connected() {
		return c.Ping(ctx)
	}
	return c.Connect(ctx)
}

// Connect replaces any open session with a new authenticated one and
// subscribes to the configured event types.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  16 << 10,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	// A state_changed burst at HA startup can carry large attribute maps.
	conn.SetReadLimit(16 << 20)

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	sess := &wsSession{conn: conn, done: make(chan struct{})}
	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
	go c.readLoop(sess)
	c.logger.Info("websocket connected", "url", wsURL)

	for _, et := range c.eventTypes {
		if _, err := c.request(ctx, sess, map[string]any{"type": "subscribe_events", "event_type": et}); err != nil {
			// Drop the session so the next Ensure starts over.
			_ = c.Close()
			return fmt.Errorf("subscribe %s: %w", et, err)
		}
		c.logger.Debug("subscribed", "event_type", et)
	}
	return nil
}

// authenticate runs the auth_required / auth / auth_ok handshake.
func authenticate(conn *websocket.Conn, token string) error {
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %q", msg.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return errors.New("websocket authentication rejected")
	default:
		return fmt.Errorf("unexpected auth result %q", msg.Type)
	}
}

// Ping round-trips a ping on the open session.
func (c *WSClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || !sess.alive() {
		return ErrNotConnected
	}
	_, err := c.request(ctx, sess, map[string]any{"type": "ping"})
	return err
}

// Close ends the open session, if any.
func (c *WSClient) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.conn.Close()
}

// request sends msg with a fresh id and waits for the matching result
// or pong.
func (c *WSClient) request(ctx context.Context, sess *wsSession, msg map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg["id"] = id

	reply := make(chan wsMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := sess.write(msg); err != nil {
		return nil, fmt.Errorf("send %v: %w", msg["type"], err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()
	select {
	case m := <-reply:
		if m.Type == "pong" || m.Success {
			return m.Result, nil
		}
		if m.Error != nil {
			return nil, fmt.Errorf("%s: %s", m.Error.Code, m.Error.Message)
		}
		return nil, fmt.Errorf("%v failed", msg["type"])
	case <-sess.done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%v: no reply within %s", msg["type"], wsRequestTimeout)
	}
}

// readLoop routes replies to waiting requests and events to the events
// channel until the connection fails.
func (c *WSClient) readLoop(sess *wsSession) {
	defer close(sess.done)
	for {
		var msg wsMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("websocket closed")
			} else {
				c.logger.Warn("websocket connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result", "pong":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- msg
			}
			c.pendingMu.Unlock()
		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "event_type", msg.Event.Type)
			}
		default:
			c.logger.Debug("ignoring websocket message", "type", msg.Type)
		}
	}
}
