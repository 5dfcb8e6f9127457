package game

import (
	"time"

	"github.com/google/uuid"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/rules"
)

type GameStatus string

const (
	StatusWaiting  GameStatus = "waiting"
	StatusActive   GameStatus = "active"
	StatusPaused   GameStatus = "paused"
	StatusFinished GameStatus = "finished"
)

// GameMode separates rated from casual play. The mode is fixed at
// creation and gates undo, voluntary pause and the disconnect policy.
type GameMode string

const (
	ModeRated  GameMode = "rated"
	ModeCasual GameMode = "casual"
)

// ParseMode validates a wire mode string.
func ParseMode(s string) (GameMode, error) {
	switch GameMode(s) {
	case ModeRated:
		return ModeRated, nil
	case ModeCasual:
		return ModeCasual, nil
	}

	return "", ErrMalformedInput
}

// ForfeitableByLeaving reports whether a player who walks away now
// loses outright once the grace period runs out. Only rated games in
// active play punish leaving with forfeiture; a casual departure
// pauses the game instead, and outside active play leaving costs
// nothing.
func ForfeitableByLeaving(mode GameMode, status GameStatus) bool {
	return mode == ModeRated && status == StatusActive
}

// Cause records why a session finished.
type Cause string

const (
	CauseCheckmate            Cause = "checkmate"
	CauseStalemate            Cause = "stalemate"
	CauseInsufficientMaterial Cause = "insufficient_material"
	CauseRepetition           Cause = "repetition"
	CauseFiftyMove            Cause = "fifty_move"
	CauseDrawAgreement        Cause = "draw_agreement"
	CauseResignation          Cause = "resignation"
	CauseTimeout              Cause = "timeout"
	CauseAbandonment          Cause = "abandonment"
)

// causeOf maps a board termination onto a finish cause.
func causeOf(t rules.Termination) Cause {
	switch t {
	case rules.TerminationCheckmate:
		return CauseCheckmate
	case rules.TerminationStalemate:
		return CauseStalemate
	case rules.TerminationInsufficientMaterial:
		return CauseInsufficientMaterial
	case rules.TerminationRepetition:
		return CauseRepetition
	case rules.TerminationFiftyMove:
		return CauseFiftyMove
	}

	return ""
}

// Result is the game score in PGN notation. ResultNone marks a game
// voided without anyone earning the point.
type Result string

const (
	ResultWhiteWins Result = "1-0"
	ResultBlackWins Result = "0-1"
	ResultDraw      Result = "1/2-1/2"
	ResultNone      Result = "*"
)

func winnerResult(c chess.Color) Result {
	if c == chess.White {
		return ResultWhiteWins
	}

	return ResultBlackWins
}

// PauseCause distinguishes a requested pause from one forced by a
// disconnect. Only the latter resumes automatically when the absent
// seat returns; a requested pause resumes through negotiation.
type PauseCause string

const (
	PauseByRequest    PauseCause = "request"
	PauseByDisconnect PauseCause = "disconnect"
)

// Seat binds a user to a color for the lifetime of a session.
type Seat struct {
	UserID    string
	Color     chess.Color
	Connected bool
}

// Config carries the per-session tunables. Values land here from the
// configuration file; tests shrink the durations.
type Config struct {
	DisconnectGrace time.Duration // absence tolerated before the mode's policy acts
	AbandonTimeout  time.Duration // casual: paused-by-disconnect until the game is voided
	ForfeitTimeout  time.Duration // rated: absence until forfeiture
	OfferTTL        time.Duration // resume and rematch offer lifetime
	RetainFinished  time.Duration // finished sessions linger this long for late resyncs
	SweepInterval   time.Duration
	MailboxSize     int
}

// DefaultConfig returns the tunables used when configuration says
// nothing.
func DefaultConfig() Config {
	return Config{
		DisconnectGrace: 15 * time.Second,
		AbandonTimeout:  5 * time.Minute,
		ForfeitTimeout:  60 * time.Second,
		OfferTTL:        30 * time.Second,
		RetainFinished:  2 * time.Minute,
		SweepInterval:   5 * time.Second,
		MailboxSize:     64,
	}
}

// CreateGameParams describes a new session: the two players, the mode,
// the time control and optionally a non-standard starting position.
type CreateGameParams struct {
	GameID      uuid.UUID // zero value means generate one
	WhiteID     string
	BlackID     string
	Mode        GameMode
	InitialFEN  string
	TimeControl chess.TimeControl
}

// LiveRecord is the recovery image of an unfinished session, written to
// the live-state store after every committed change so a restarted
// server can pick the game back up.
type LiveRecord struct {
	GameID      string            `json:"game_id"`
	Mode        string            `json:"mode"`
	Status      string            `json:"status"`
	WhiteID     string            `json:"white_id"`
	BlackID     string            `json:"black_id"`
	InitialFEN  string            `json:"initial_fen"`
	Plies       []chess.Ply       `json:"plies"`
	Clock       chess.Snapshot    `json:"clock"`
	TimeControl chess.TimeControl `json:"time_control"`
	PauseCause  string            `json:"pause_cause,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// ArchiveRecord is the immutable record emitted exactly once when a
// session finishes.
type ArchiveRecord struct {
	GameID      string
	Mode        string
	WhiteID     string
	BlackID     string
	InitialFEN  string
	FinalFEN    string
	Plies       []chess.Ply
	Cause       string
	Result      string
	WhiteMs     int64
	BlackMs     int64
	TimeControl chess.TimeControl
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Recorder receives a session's durable side effects. Implementations
// must return quickly and without blocking: the calls happen on the
// session's own goroutine, which must never wait on a network round
// trip.
type Recorder interface {
	SaveLive(rec LiveRecord)
	DropLive(gameID string)
	ArchiveFinished(rec ArchiveRecord)
}

// NopRecorder discards everything. Useful in tests.
type NopRecorder struct{}

func (NopRecorder) SaveLive(LiveRecord)           {}
func (NopRecorder) DropLive(string)               {}
func (NopRecorder) ArchiveFinished(ArchiveRecord) {}
