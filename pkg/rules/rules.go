// Package rules wraps the chess rules engine behind a small stateless
// surface. A position travels as its initial FEN plus every move played
// since, and each call replays that record from scratch. A bare FEN
// cannot carry repetition counts or the halfmove history across plies,
// so the move list is the authority.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/tecu23/live-server/pkg/chess"
)

// StartingFEN is the standard initial position.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	// ErrIllegalMove rejects a well-formed move that the current position
	// does not allow.
	ErrIllegalMove = errors.New("illegal move")

	// ErrBadPosition means the position record itself cannot be replayed.
	ErrBadPosition = errors.New("invalid position")
)

// Termination classifies how a position ended the game on the board.
type Termination string

const (
	TerminationNone                 Termination = ""
	TerminationCheckmate            Termination = "checkmate"
	TerminationStalemate            Termination = "stalemate"
	TerminationInsufficientMaterial Termination = "insufficient_material"
	TerminationRepetition           Termination = "repetition"
	TerminationFiftyMove            Termination = "fifty_move"
)

// Position is a replayable game record: where the game started and every
// move since, oldest first, in coordinate notation.
type Position struct {
	InitialFEN string
	MovesUCI   []string
}

// Step appends a move to the record without mutating the receiver.
func (p Position) Step(uci string) Position {
	moves := make([]string, 0, len(p.MovesUCI)+1)
	moves = append(moves, p.MovesUCI...)
	moves = append(moves, uci)

	return Position{InitialFEN: p.InitialFEN, MovesUCI: moves}
}

// Result reports one applied move: the notations as the record will store
// them, the position after the move, and whether it decided the game.
type Result struct {
	UCI      string
	SAN      string
	FEN      string // position after the move
	Check    bool
	Terminal Termination
}

// Apply replays pos, validates mv against the resulting position and
// plays it.
func Apply(pos Position, mv chess.Move) (Result, error) {
	game, err := replay(pos)
	if err != nil {
		return Result{}, err
	}

	before := game.Position()

	move, err := nchess.UCINotation{}.Decode(before, mv.String())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv)
	}

	if err := game.Move(move, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv)
	}

	// Encode against the move the game actually recorded; that instance
	// carries the check and capture tags the notation needs.
	moves := game.Moves()
	played := moves[len(moves)-1]

	return Result{
		UCI:      mv.String(),
		SAN:      nchess.AlgebraicNotation{}.Encode(before, played),
		FEN:      game.FEN(),
		Check:    played.HasTag(nchess.Check),
		Terminal: classify(game.Method()),
	}, nil
}

// Turn reports which color moves next in pos.
func Turn(pos Position) (chess.Color, error) {
	game, err := replay(pos)
	if err != nil {
		return "", err
	}

	return colorOf(game.Position().Turn()), nil
}

// Outcome reports the terminal classification of pos without playing
// anything, for callers rebuilding a stored game.
func Outcome(pos Position) (Termination, error) {
	game, err := replay(pos)
	if err != nil {
		return TerminationNone, err
	}

	return classify(game.Method()), nil
}

// PGN renders the movetext of the replayed game, including the result
// marker when the game was decided on the board.
func PGN(pos Position) (string, error) {
	game, err := replay(pos)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(game.String()), nil
}

func replay(pos Position) (*nchess.Game, error) {
	var game *nchess.Game

	if pos.InitialFEN == "" || pos.InitialFEN == StartingFEN {
		game = nchess.NewGame()
	} else {
		fenOpt, err := nchess.FEN(pos.InitialFEN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPosition, err)
		}

		game = nchess.NewGame(fenOpt)
	}

	notation := nchess.UCINotation{}
	for _, mv := range pos.MovesUCI {
		move, err := notation.Decode(game.Position(), strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("%w: replay %s: %v", ErrBadPosition, mv, err)
		}

		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("%w: replay %s: %v", ErrBadPosition, mv, err)
		}
	}

	return game, nil
}

func classify(method nchess.Method) Termination {
	switch method {
	case nchess.Checkmate:
		return TerminationCheckmate
	case nchess.Stalemate:
		return TerminationStalemate
	case nchess.InsufficientMaterial:
		return TerminationInsufficientMaterial
	case nchess.ThreefoldRepetition, nchess.FivefoldRepetition:
		return TerminationRepetition
	case nchess.FiftyMoveRule, nchess.SeventyFiveMoveRule:
		return TerminationFiftyMove
	}

	return TerminationNone
}

func colorOf(c nchess.Color) chess.Color {
	if c == nchess.White {
		return chess.White
	}

	return chess.Black
}
