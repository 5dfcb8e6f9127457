// Package server owns the websocket surface: one hub tracking every
// connection, and per-connection pumps that bridge clients to their
// game sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/messages"
)

// opTimeout bounds every call a connection makes into a session actor.
const opTimeout = 10 * time.Second

// gameWatch is one connection's view of one game: its event
// subscription, and the seat it holds if the user is a player.
type gameWatch struct {
	session *game.GameSession
	sub     *events.Subscription
	seat    chess.Color
	player  bool
}

// Hub tracks live connections and the games each one watches. Typed
// operations run on the reader goroutine of the connection that sent
// them, so messages from one client apply in the order they arrived;
// the hub serializes only registration and teardown.
type Hub struct {
	manager    *game.Manager
	dispatcher *events.Dispatcher

	mu          sync.Mutex
	connections map[*Connection]bool
	joined      map[*Connection]map[uuid.UUID]*gameWatch

	// presence counts a player's open connections per game, so a seat
	// only goes absent when the last one drops.
	presence map[uuid.UUID]map[string]int

	register   chan *Connection
	unregister chan *Connection

	logger *zap.Logger
}

// NewHub initializes a hub around the session manager and dispatcher.
func NewHub(manager *game.Manager, dispatcher *events.Dispatcher, logger *zap.Logger) *Hub {
	return &Hub{
		manager:     manager,
		dispatcher:  dispatcher,
		connections: make(map[*Connection]bool),
		joined:      make(map[*Connection]map[uuid.UUID]*gameWatch),
		presence:    make(map[uuid.UUID]map[string]int),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		logger:      logger,
	}
}

// Run processes connection registrations until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case conn := <-h.register:
			h.registerConnection(conn)
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case <-ctx.Done():
			return
		}
	}
}

// Register hands a new connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister tears a connection down. Safe to call more than once; only
// the first has any effect.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// ConnectionCount reports how many websocket clients are attached.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	h.connections[conn] = true
	total := len(h.connections)
	h.mu.Unlock()

	// Out-of-band notices (offers, rematch announcements) reach the
	// user on this channel even before any game is joined.
	conn.userSub = h.dispatcher.SubscribeUser(conn.UserID)
	go conn.forward(conn.userSub)

	conn.SendEvent(messages.EvtConnected, messages.ConnectedPayload{
		ConnectionId: conn.ID.String(),
		UserID:       conn.UserID,
		ServerAt:     time.Now().UnixMilli(),
	})

	h.logger.Info("connection registered",
		zap.String("connection_id", conn.ID.String()),
		zap.String("user_id", conn.UserID),
		zap.Int("total_connections", total),
	)
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	if !h.connections[conn] {
		h.mu.Unlock()
		return
	}

	delete(h.connections, conn)
	watches := h.joined[conn]
	delete(h.joined, conn)

	conn.beginTeardown()
	if conn.userSub != nil {
		conn.userSub.Close()
	}

	type departure struct {
		session *game.GameSession
		seat    chess.Color
	}

	var gone []departure
	for id, w := range watches {
		w.sub.Close()
		if !w.player {
			continue
		}

		seats := h.presence[id]
		if seats == nil {
			continue
		}

		seats[conn.UserID]--
		if seats[conn.UserID] <= 0 {
			delete(seats, conn.UserID)
			gone = append(gone, departure{session: w.session, seat: w.seat})
		}

		if len(seats) == 0 {
			delete(h.presence, id)
		}
	}

	total := len(h.connections)
	h.mu.Unlock()

	conn.markClosed()

	// Presence posts happen outside the hub lock; a full mailbox must
	// not stall other teardowns.
	for _, d := range gone {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := d.session.SetPresence(ctx, d.seat, false)
		cancel()

		if err != nil && !errors.Is(err, game.ErrSessionClosed) {
			h.logger.Warn("failed to report disconnect",
				zap.String("game_id", d.session.ID.String()),
				zap.String("user_id", conn.UserID),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("connection unregistered",
		zap.String("connection_id", conn.ID.String()),
		zap.String("user_id", conn.UserID),
		zap.Int("total_connections", total),
	)
}

// HandleInbound routes one decoded client message. It runs on the
// connection's reader goroutine.
func (h *Hub) HandleInbound(conn *Connection, msg messages.InboundMessage) {
	switch msg.Type {
	case messages.OpJoinGame:
		h.handleJoin(conn, msg)
	case messages.OpSubmitPly:
		h.handleSubmit(conn, msg)
	case messages.OpOfferDraw:
		h.handleOffer(conn, msg, game.OfferDraw)
	case messages.OpRequestUndo:
		h.handleOffer(conn, msg, game.OfferUndo)
	case messages.OpRequestResume:
		h.handleOffer(conn, msg, game.OfferResume)
	case messages.OpRequestRematch:
		h.handleOffer(conn, msg, game.OfferRematch)
	case messages.OpRespondDraw:
		h.handleRespond(conn, msg, game.OfferDraw)
	case messages.OpRespondUndo:
		h.handleRespond(conn, msg, game.OfferUndo)
	case messages.OpRespondResume:
		h.handleRespond(conn, msg, game.OfferResume)
	case messages.OpRespondRematch:
		h.handleRespond(conn, msg, game.OfferRematch)
	case messages.OpPauseGame:
		h.handlePause(conn, msg)
	case messages.OpResign:
		h.handleResign(conn, msg)
	case messages.OpResync:
		h.handleResync(conn, msg)
	case messages.OpHeartbeat:
		h.handleHeartbeat(conn, msg)
	default:
		h.logger.Warn("unknown operation",
			zap.String("type", msg.Type),
			zap.String("connection_id", conn.ID.String()),
		)
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "unknown operation")
	}
}

// handleJoin subscribes the connection to a game's event stream and
// replies with the authoritative state. Players additionally go
// present; anyone else watches as a spectator.
func (h *Hub) handleJoin(conn *Connection, msg messages.InboundMessage) {
	var payload messages.JoinGamePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid JOIN_GAME payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, err := h.lookupSession(ctx, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	seat, isPlayer := session.SeatOf(conn.UserID)

	h.mu.Lock()
	watches := h.joined[conn]
	if watches == nil {
		watches = make(map[uuid.UUID]*gameWatch)
		h.joined[conn] = watches
	}

	var firstOfUser bool
	if _, already := watches[session.ID]; !already {
		sub := h.dispatcher.SubscribeGame(session.ID.String(), conn.UserID)
		watches[session.ID] = &gameWatch{session: session, sub: sub, seat: seat, player: isPlayer}
		go conn.forward(sub)

		if isPlayer {
			seats := h.presence[session.ID]
			if seats == nil {
				seats = make(map[string]int)
				h.presence[session.ID] = seats
			}
			seats[conn.UserID]++
			firstOfUser = seats[conn.UserID] == 1
		}
	}
	h.mu.Unlock()

	if firstOfUser {
		if err := session.SetPresence(ctx, seat, true); err != nil {
			conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
			return
		}
	}

	// The presence post above lands in the session mailbox first, so
	// this snapshot already reflects the caller's own arrival.
	state, err := session.Resync(ctx, 0)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtJoined, state)
}

func (h *Hub) handleSubmit(conn *Connection, msg messages.InboundMessage) {
	var payload messages.SubmitPlyPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid SUBMIT_PLY payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, seat, err := h.playerSession(ctx, conn, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	accepted, err := session.SubmitPly(ctx, seat, payload.Seq, payload.UCI, payload.ClientAt)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtPlyAccepted, accepted)
}

func (h *Hub) handleOffer(conn *Connection, msg messages.InboundMessage, kind game.OfferKind) {
	var payload messages.OfferPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid offer payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, seat, err := h.playerSession(ctx, conn, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	pending, err := session.Offer(ctx, seat, kind, chess.Color(payload.Color))
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtOfferPending, pending)
}

func (h *Hub) handleRespond(conn *Connection, msg messages.InboundMessage, kind game.OfferKind) {
	var payload messages.RespondPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid respond payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, seat, err := h.playerSession(ctx, conn, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	if err := session.Respond(ctx, seat, kind, payload.Accept); err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtAck, messages.AckPayload{Op: msg.Type, GameID: payload.GameID})
}

func (h *Hub) handlePause(conn *Connection, msg messages.InboundMessage) {
	var payload messages.PauseGamePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid PAUSE_GAME payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, seat, err := h.playerSession(ctx, conn, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	if err := session.Pause(ctx, seat); err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtAck, messages.AckPayload{Op: msg.Type, GameID: payload.GameID})
}

func (h *Hub) handleResign(conn *Connection, msg messages.InboundMessage) {
	var payload messages.ResignPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid RESIGN payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, seat, err := h.playerSession(ctx, conn, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	if err := session.Resign(ctx, seat); err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtAck, messages.AckPayload{Op: msg.Type, GameID: payload.GameID})
}

// handleResync serves spectators as well as players; it mutates nothing.
func (h *Hub) handleResync(conn *Connection, msg messages.InboundMessage) {
	var payload messages.ResyncPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid RESYNC payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	session, err := h.lookupSession(ctx, payload.GameID)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	state, err := session.Resync(ctx, payload.HaveSeq)
	if err != nil {
		conn.SendError(msg.Type, payload.GameID, game.CodeOf(err), err.Error())
		return
	}

	conn.SendEvent(messages.EvtResyncState, state)
}

func (h *Hub) handleHeartbeat(conn *Connection, msg messages.InboundMessage) {
	var payload messages.HeartbeatPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			conn.SendError(msg.Type, "", game.CodeMalformedInput, "invalid HEARTBEAT payload")
			return
		}
	}

	conn.SendEvent(messages.EvtHeartbeatAck, messages.HeartbeatAckPayload{
		SentAt:   payload.SentAt,
		ServerAt: time.Now().UnixMilli(),
	})
}

// lookupSession resolves a raw game id, pulling the session back from
// the live-state store when another instance parked it there.
func (h *Hub) lookupSession(ctx context.Context, rawID string) (*game.GameSession, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad game id", game.ErrMalformedInput)
	}

	return h.manager.FindSession(ctx, id)
}

// playerSession resolves a session and requires the caller to hold a
// seat in it.
func (h *Hub) playerSession(
	ctx context.Context,
	conn *Connection,
	rawID string,
) (*game.GameSession, chess.Color, error) {
	session, err := h.lookupSession(ctx, rawID)
	if err != nil {
		return nil, "", err
	}

	seat, ok := session.SeatOf(conn.UserID)
	if !ok {
		return nil, "", game.ErrNotPlayer
	}

	return session, seat, nil
}
