package game

import "errors"

// Typed rejections for client-facing operations. Every refusal maps to
// exactly one wire code so clients can react without parsing prose.
//
// A resubmission of an already-committed ply is deliberately absent
// here: the session answers it with the original result and a duplicate
// marker, because a retry that worked the first time is a success.
var (
	// ErrMalformedInput means the input failed shape decoding before any
	// game state was consulted.
	ErrMalformedInput = errors.New("malformed input")

	// ErrIllegalMove means the rules adapter refused a well-formed move.
	ErrIllegalMove = errors.New("illegal move")

	// ErrOutOfTurn covers both moving on the opponent's turn and
	// submitting a sequence slot that does not line up with the log.
	ErrOutOfTurn = errors.New("out of turn")

	// ErrWrongSessionStatus rejects an operation the current status does
	// not admit, e.g. a ply while paused or finished.
	ErrWrongSessionStatus = errors.New("wrong session status")

	// ErrModeNotAllowed rejects an operation the game mode forbids, e.g.
	// undo or voluntary pause in a rated game.
	ErrModeNotAllowed = errors.New("mode not allowed")

	// ErrOfferAlreadyPending enforces at most one outstanding offer per
	// negotiation kind.
	ErrOfferAlreadyPending = errors.New("offer already pending")

	// ErrOfferExpired rejects a response to an offer that no longer
	// exists, whether it timed out, was already resolved, or was never
	// opened.
	ErrOfferExpired = errors.New("offer expired")

	// ErrUnknownGame means no live session carries the requested id.
	ErrUnknownGame = errors.New("unknown game")

	// ErrNotPlayer means the caller holds no seat in the session.
	ErrNotPlayer = errors.New("not a player in this game")

	// ErrSessionClosed means the session's actor has shut down.
	ErrSessionClosed = errors.New("session closed")
)

// Wire codes for the rejections above, plus the code clients use to tag
// a detected duplicate submission locally.
const (
	CodeMalformedInput      = "MALFORMED_INPUT"
	CodeIllegalMove         = "ILLEGAL_MOVE"
	CodeOutOfTurn           = "OUT_OF_TURN"
	CodeWrongSessionStatus  = "WRONG_SESSION_STATUS"
	CodeModeNotAllowed      = "MODE_NOT_ALLOWED"
	CodeOfferAlreadyPending = "OFFER_ALREADY_PENDING"
	CodeOfferExpired        = "OFFER_EXPIRED"
	CodeStaleSequence       = "STALE_SEQUENCE"
	CodeUnknownGame         = "UNKNOWN_GAME"
	CodeNotPlayer           = "NOT_A_PLAYER"
	CodeSessionClosed       = "SESSION_CLOSED"
	CodeInternal            = "INTERNAL"
)

// CodeOf maps a rejection to its wire code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrMalformedInput):
		return CodeMalformedInput
	case errors.Is(err, ErrIllegalMove):
		return CodeIllegalMove
	case errors.Is(err, ErrOutOfTurn):
		return CodeOutOfTurn
	case errors.Is(err, ErrWrongSessionStatus):
		return CodeWrongSessionStatus
	case errors.Is(err, ErrModeNotAllowed):
		return CodeModeNotAllowed
	case errors.Is(err, ErrOfferAlreadyPending):
		return CodeOfferAlreadyPending
	case errors.Is(err, ErrOfferExpired):
		return CodeOfferExpired
	case errors.Is(err, ErrUnknownGame):
		return CodeUnknownGame
	case errors.Is(err, ErrNotPlayer):
		return CodeNotPlayer
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	}

	return CodeInternal
}
