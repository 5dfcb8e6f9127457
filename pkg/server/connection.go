package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/messages"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBuffer = 256
)

// Connection is one websocket client, bound to an authenticated user for
// its whole lifetime.
type Connection struct {
	ID     uuid.UUID
	UserID string

	ws  *websocket.Conn
	hub *Hub

	// userSub is the user-channel subscription, owned by the hub from
	// registration to teardown.
	userSub *events.Subscription

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// closing marks a deliberate teardown so subscription forwarders can
	// tell it apart from an eviction.
	closing bool

	logger *zap.Logger
}

// NewConnection wraps an upgraded websocket. The caller starts the pumps
// and registers it with the hub.
func NewConnection(
	ws *websocket.Conn,
	hub *Hub,
	userID string,
	logger *zap.Logger,
) *Connection {
	id := uuid.New()

	return &Connection{
		ID:     id,
		UserID: userID,
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With(
			zap.String("connection_id", id.String()),
			zap.String("user_id", userID),
		),
	}
}

// Start registers the connection and launches its pumps.
func (c *Connection) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

// readPump handles inbound messages from the client. It owns the read
// side of the socket; when it returns the connection is torn down.
func (c *Connection) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var inbound messages.InboundMessage
		if err := json.Unmarshal(msg, &inbound); err != nil {
			c.logger.Warn("failed to parse inbound JSON", zap.Error(err))
			c.SendError("", "", game.CodeMalformedInput, "malformed message envelope")
			continue
		}

		// Operations are handled on this goroutine so one client's
		// messages apply in the order they were sent.
		c.hub.HandleInbound(c, inbound)
	}
}

// writePump handles outbound messages to the client and keeps the
// websocket alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON queues a message for the client. A client that cannot keep up
// with its own game is disconnected rather than allowed to stall the
// rest of the server.
func (c *Connection) SendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("error marshaling JSON", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("send buffer full, closing slow connection")
		c.ws.Close()
	}
}

// SendEvent wraps a payload in the outbound envelope and queues it.
func (c *Connection) SendEvent(event string, payload interface{}) {
	c.SendJSON(messages.OutboundMessage{Event: event, Payload: payload})
}

// SendError reports a failed operation to the client. gameID is blank
// when the failure happened before a game could be identified.
func (c *Connection) SendError(op, gameID, code, message string) {
	c.SendEvent(messages.EvtError, messages.ErrorPayload{
		Code:    code,
		Message: message,
		Op:      op,
		GameID:  gameID,
	})
}

// forward copies one subscription's events to the client until the
// subscription closes. If the dispatcher evicted us the client is now
// behind with no way to know it, so the connection is dropped and the
// client reconnects into a resync.
func (c *Connection) forward(sub *events.Subscription) {
	for evt := range sub.C {
		c.SendEvent(string(evt.Type), evt.Payload)
	}

	c.mu.Lock()
	deliberate := c.closing
	c.mu.Unlock()

	if !deliberate {
		c.logger.Warn("event subscription evicted, dropping connection")
		c.ws.Close()
	}
}

// markClosed shuts the send channel exactly once. Called by the hub
// during unregistration.
func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.closing = true
	close(c.send)
}

// beginTeardown marks the teardown as deliberate before subscriptions
// are closed, so forwarders do not treat it as an eviction.
func (c *Connection) beginTeardown() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}
