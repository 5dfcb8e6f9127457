package messages

import "encoding/json"

// InboundMessage is the generic wrapper for messages coming from the client.
// The "type" field tells us the action; "payload" is the data we parse further.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client operation names.
const (
	OpJoinGame       = "JOIN_GAME"
	OpSubmitPly      = "SUBMIT_PLY"
	OpOfferDraw      = "OFFER_DRAW"
	OpRespondDraw    = "RESPOND_DRAW"
	OpRequestUndo    = "REQUEST_UNDO"
	OpRespondUndo    = "RESPOND_UNDO"
	OpPauseGame      = "PAUSE_GAME"
	OpRequestResume  = "REQUEST_RESUME"
	OpRespondResume  = "RESPOND_RESUME"
	OpRequestRematch = "REQUEST_REMATCH"
	OpRespondRematch = "RESPOND_REMATCH"
	OpResign         = "RESIGN"
	OpResync         = "RESYNC"
	OpHeartbeat      = "HEARTBEAT"
)

// JoinGamePayload subscribes the connection to a game and marks the
// caller's seat as present.
type JoinGamePayload struct {
	GameID string `json:"game_id"`
}

// SubmitPlyPayload represents one attempted half-move. Seq is the slot
// the client believes it is filling; resubmitting an already-committed
// slot with the same move is a harmless retry.
type SubmitPlyPayload struct {
	GameID   string `json:"game_id"`
	Seq      int    `json:"seq"`
	UCI      string `json:"uci"`
	ClientAt int64  `json:"client_at,omitempty"` // sender's wall clock, unix ms
}

// OfferPayload opens a negotiation of the kind implied by the operation.
// Color only means something on REQUEST_REMATCH: the color ("w" or "b")
// the inviter wants in the follow-up game. Left empty, the seats swap.
type OfferPayload struct {
	GameID string `json:"game_id"`
	Color  string `json:"color,omitempty"`
}

// RespondPayload answers the outstanding negotiation of the operation's
// kind.
type RespondPayload struct {
	GameID string `json:"game_id"`
	Accept bool   `json:"accept"`
}

// PauseGamePayload asks for a voluntary pause.
type PauseGamePayload struct {
	GameID string `json:"game_id"`
}

// ResignPayload concedes the game.
type ResignPayload struct {
	GameID string `json:"game_id"`
}

// ResyncPayload asks for the authoritative state. HaveSeq tells the
// server how many committed plies the client already holds, so the reply
// carries only the tail.
type ResyncPayload struct {
	GameID  string `json:"game_id"`
	HaveSeq int    `json:"have_seq"`
}

// HeartbeatPayload carries the client's send time so the ack can be
// turned into a round-trip measurement.
type HeartbeatPayload struct {
	GameID string `json:"game_id,omitempty"`
	SentAt int64  `json:"sent_at"` // unix ms on the client clock
}
