package messages

import (
	"github.com/tecu23/live-server/pkg/chess"
)

// OutboundMessage is how we wrap responses before sending
// them to the client
type OutboundMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Direct reply events. Broadcast events reuse the dispatcher's type
// strings verbatim.
const (
	EvtConnected    = "CONNECTED"
	EvtJoined       = "JOINED"
	EvtPlyAccepted  = "PLY_ACCEPTED"
	EvtOfferPending = "OFFER_PENDING"
	EvtAck          = "ACK"
	EvtResyncState  = "RESYNC_STATE"
	EvtHeartbeatAck = "HEARTBEAT_ACK"
	EvtError        = "ERROR"
)

type ConnectedPayload struct {
	ConnectionId string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ServerAt     int64  `json:"server_at"`
}

// SeatPayload describes one side of the board.
type SeatPayload struct {
	UserID    string `json:"user_id"`
	Connected bool   `json:"connected"`
}

// PendingOfferPayload is one unresolved negotiation.
type PendingOfferPayload struct {
	Kind      string `json:"kind"`
	By        string `json:"by"`
	Color     string `json:"color,omitempty"`      // rematch: inviter's color choice
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix ms; zero means no expiry
}

// GameStatePayload is the full authoritative view of a session, sent on
// join and resync. Plies holds only the tail the receiver said it was
// missing.
type GameStatePayload struct {
	GameID       string                `json:"game_id"`
	Mode         string                `json:"mode"`
	Status       string                `json:"status"`
	Turn         string                `json:"turn"`
	InitialFEN   string                `json:"initial_fen"`
	FEN          string                `json:"fen"`
	CommittedSeq int                   `json:"committed_seq"`
	Plies        []chess.Ply           `json:"plies,omitempty"`
	Clock        chess.Snapshot        `json:"clock"`
	White        SeatPayload           `json:"white"`
	Black        SeatPayload           `json:"black"`
	Offers       []PendingOfferPayload `json:"offers,omitempty"`
	Cause        string                `json:"cause,omitempty"`
	Result       string                `json:"result,omitempty"`
	PauseCause   string                `json:"pause_cause,omitempty"`
}

// PlyAcceptedPayload answers a submit directly. Duplicate marks an
// idempotent replay of a slot that was already committed.
type PlyAcceptedPayload struct {
	GameID    string         `json:"game_id"`
	Ply       chess.Ply      `json:"ply"`
	Clock     chess.Snapshot `json:"clock"`
	Status    string         `json:"status"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

// PlyCommittedPayload is the broadcast form of an accepted ply.
type PlyCommittedPayload struct {
	GameID string         `json:"game_id"`
	Ply    chess.Ply      `json:"ply"`
	Clock  chess.Snapshot `json:"clock"`
	Status string         `json:"status"`
}

// ClockSnapshotPayload carries an authoritative clock statement.
type ClockSnapshotPayload struct {
	GameID string         `json:"game_id"`
	Clock  chess.Snapshot `json:"clock"`
}

// StatusChangedPayload announces a session status transition.
type StatusChangedPayload struct {
	GameID     string          `json:"game_id"`
	Status     string          `json:"status"`
	Cause      string          `json:"cause,omitempty"`
	Result     string          `json:"result,omitempty"`
	PausedBy   string          `json:"paused_by,omitempty"`
	PauseCause string          `json:"pause_cause,omitempty"`
	Clock      *chess.Snapshot `json:"clock,omitempty"`
}

// NegotiationUpdatedPayload announces an offer opening or resolving on
// the game channel, and doubles as the out-of-band notice payload on the
// user channel.
type NegotiationUpdatedPayload struct {
	GameID     string `json:"game_id"`
	Kind       string `json:"kind"`
	State      string `json:"state"` // offered, accepted, declined, expired
	By         string `json:"by,omitempty"`
	Color      string `json:"color,omitempty"` // rematch: inviter's color choice
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	RemovedSeq int    `json:"removed_seq,omitempty"` // undo: seq of the retracted ply
	NewGameID  string `json:"new_game_id,omitempty"` // rematch: the fresh session
}

// PresenceChangedPayload tells the other seat about a connect or
// disconnect. Deadline, when set, is when the disconnect policy acts.
type PresenceChangedPayload struct {
	GameID    string `json:"game_id"`
	Color     string `json:"color"`
	Connected bool   `json:"connected"`
	Deadline  int64  `json:"deadline,omitempty"` // unix ms
}

// GameCreatedPayload represents the payload after a create game event
type GameCreatedPayload struct {
	GameID         string `json:"game_id"`
	White          string `json:"white"`
	Black          string `json:"black"`
	Mode           string `json:"mode"`
	InitialFEN     string `json:"initial_fen"`
	WhiteTime      int64  `json:"white_time"`
	BlackTime      int64  `json:"black_time"`
	WhiteIncrement int64  `json:"white_increment"`
	BlackIncrement int64  `json:"black_increment"`
	CurrentTurn    string `json:"current_turn"`
}

// OfferPendingPayload acknowledges an opened negotiation to its author.
type OfferPendingPayload struct {
	GameID    string `json:"game_id"`
	Kind      string `json:"kind"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// AckPayload confirms an operation that has no richer reply; the new
// state follows on the game channel.
type AckPayload struct {
	Op     string `json:"op"`
	GameID string `json:"game_id,omitempty"`
}

type HeartbeatAckPayload struct {
	SentAt   int64 `json:"sent_at"`
	ServerAt int64 `json:"server_at"`
}

// ErrorPayload reports a failed operation. GameID is set whenever the
// failure could be tied to a game, so clients can roll back whatever
// they applied optimistically for it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	GameID  string `json:"game_id,omitempty"`
}
