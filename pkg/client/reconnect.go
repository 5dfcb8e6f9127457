package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/messages"
)

const (
	dialTimeout = 10 * time.Second

	// The server pings an idle socket; silence this long means the link
	// is dead and the dial loop should start over.
	readWait = 90 * time.Second

	writeWait = 10 * time.Second

	// A connection that survives this long counts as healthy and resets
	// the backoff schedule.
	healthyAfter = 30 * time.Second
)

// ErrNotConnected means the socket is down; the dial loop is or will be
// reconnecting.
var ErrNotConnected = errors.New("not connected")

// ServerEvent is one decoded message from the server, the payload kept
// raw so each handler unmarshals only what it needs.
type ServerEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Client is the connected half of the mirror: it dials the game server,
// feeds every event into its store, rejoins watched games after a
// reconnect and answers detected gaps with a resync request. One
// goroutine runs the socket; callers read views from the store and
// submit operations from wherever they like.
type Client struct {
	url    string
	token  string
	store  *Store
	logger *zap.Logger

	// Backoff paces reconnect attempts. Usable at its zero value; set
	// before Run.
	Backoff Backoff

	// HeartbeatInterval paces round-trip probes. Zero disables them.
	// Set before Run.
	HeartbeatInterval time.Duration

	// Handler, when set, sees every server event after the store has
	// applied it. It runs on the read goroutine and must not block.
	// Set before Run.
	Handler func(ServerEvent)

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]bool

	lastRTT atomic.Int64 // milliseconds
}

// NewClient prepares a client for the websocket endpoint at url,
// authenticating with token. A nil store gets created on the spot.
func NewClient(url, token string, store *Store, logger *zap.Logger) *Client {
	if store == nil {
		store = NewStore()
	}

	return &Client{
		url:    url,
		token:  token,
		store:  store,
		logger: logger,
		joined: make(map[string]bool),
	}
}

// Store exposes the mirror the client feeds.
func (c *Client) Store() *Store {
	return c.store
}

// RTT reports the last measured round trip, zero before the first ack.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.lastRTT.Load()) * time.Millisecond
}

// Run dials and pumps the connection until ctx is canceled, redialing
// with backoff whenever the socket drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("dial failed", zap.String("url", c.url), zap.Error(err))
		} else {
			started := time.Now()
			c.pump(ctx, conn)

			if time.Since(started) >= healthyAfter {
				c.Backoff.Reset()
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.Backoff.Next()
		c.logger.Info("reconnecting",
			zap.Duration("after", delay),
			zap.Int("attempt", c.Backoff.Attempt()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dial opens the socket and replays every join, so each watched game
// answers with a fresh authoritative snapshot.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	rejoin := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	c.mu.Unlock()

	for _, id := range rejoin {
		if err := c.Send(messages.OpJoinGame, messages.JoinGamePayload{GameID: id}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("game_id", id), zap.Error(err))
		}
	}

	return conn, nil
}

// pump reads the socket until it breaks. It owns the read side; the
// heartbeat goroutine and context watcher die with it.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if c.HeartbeatInterval > 0 {
		go c.heartbeat(done)
	}

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var evt ServerEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("connection lost", zap.Error(err))
			}
			break
		}

		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		c.dispatch(evt)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
}

func (c *Client) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(c.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.Send(messages.OpHeartbeat, messages.HeartbeatPayload{
				SentAt: time.Now().UnixMilli(),
			})
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// dispatch folds one server event into the store and asks for a resync
// whenever the store reports it fell behind.
func (c *Client) dispatch(evt ServerEvent) {
	switch evt.Event {
	case messages.EvtJoined, messages.EvtResyncState:
		var state messages.GameStatePayload
		if err := json.Unmarshal(evt.Payload, &state); err != nil {
			c.logger.Warn("bad state payload", zap.Error(err))
			break
		}
		c.settle(c.store.ApplyState(state))

	case messages.EvtPlyAccepted:
		var p messages.PlyAcceptedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			c.logger.Warn("bad acceptance payload", zap.Error(err))
			break
		}
		c.settle(c.store.ResolveAccepted(p))

	case messages.EvtError:
		var p messages.ErrorPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			break
		}
		c.logger.Warn("server rejected operation",
			zap.String("op", p.Op),
			zap.String("code", p.Code),
			zap.String("message", p.Message),
		)
		if p.Op == messages.OpSubmitPly && p.GameID != "" {
			c.store.ResolveRejected(p.GameID)
		}

	case messages.EvtHeartbeatAck:
		var p messages.HeartbeatAckPayload
		if err := json.Unmarshal(evt.Payload, &p); err == nil && p.SentAt > 0 {
			c.lastRTT.Store(time.Now().UnixMilli() - p.SentAt)
		}

	case messages.EvtConnected, messages.EvtAck, messages.EvtOfferPending:
		// Nothing to fold into the store.

	default:
		out, err := c.store.Apply(evt.Event, evt.Payload)
		if err != nil {
			c.logger.Warn("failed to apply event",
				zap.String("event", evt.Event),
				zap.Error(err),
			)
			break
		}
		c.settle(out)
	}

	if c.Handler != nil {
		c.Handler(evt)
	}
}

func (c *Client) settle(out Outcome) {
	if !out.NeedResync || out.GameID == "" {
		return
	}

	err := c.Send(messages.OpResync, messages.ResyncPayload{
		GameID:  out.GameID,
		HaveSeq: out.HaveSeq,
	})
	if err != nil {
		c.logger.Warn("resync request failed", zap.String("game_id", out.GameID), zap.Error(err))
	}
}

// Send marshals one operation onto the socket.
func (c *Client) Send(op string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	return c.conn.WriteJSON(messages.InboundMessage{Type: op, Payload: raw})
}

// Join subscribes to a game now and after every reconnect. The join
// reply is a full state snapshot, so joining doubles as a resync.
func (c *Client) Join(gameID string) error {
	c.mu.Lock()
	c.joined[gameID] = true
	c.mu.Unlock()

	err := c.Send(messages.OpJoinGame, messages.JoinGamePayload{GameID: gameID})
	if errors.Is(err, ErrNotConnected) {
		// The dial loop joins once the socket is up.
		return nil
	}

	return err
}

// Leave stops following a game and drops its local view.
func (c *Client) Leave(gameID string) {
	c.mu.Lock()
	delete(c.joined, gameID)
	c.mu.Unlock()

	c.store.Forget(gameID)
}

// SubmitPly plays a move optimistically and puts it on the wire. The
// store validates it first, so an illegal move never leaves the
// process; a send failure rolls the speculation back right away.
func (c *Client) SubmitPly(gameID string, seat chess.Color, uci string) (chess.Ply, error) {
	ply, err := c.store.Propose(gameID, seat, uci)
	if err != nil {
		return chess.Ply{}, err
	}

	err = c.Send(messages.OpSubmitPly, messages.SubmitPlyPayload{
		GameID:   gameID,
		Seq:      ply.Seq,
		UCI:      ply.UCI,
		ClientAt: ply.ClientAt,
	})
	if err != nil {
		c.store.ResolveRejected(gameID)
		return chess.Ply{}, err
	}

	return ply, nil
}
