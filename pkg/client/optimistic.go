package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/messages"
	"github.com/tecu23/live-server/pkg/rules"
)

var (
	// ErrPlyInFlight rejects a second proposal while one still awaits
	// its verdict. Queueing is not an option: a rejection of the first
	// ply would invalidate everything stacked behind it.
	ErrPlyInFlight = errors.New("a proposed ply is already in flight")

	// ErrViewStale rejects proposals from a view that knows it is
	// behind the server and is waiting for a resync.
	ErrViewStale = errors.New("view is stale, resync first")
)

// Propose validates a move locally and plays it speculatively, so the
// board can respond before the server has answered. Legality is decided
// by the same rules engine the server runs, which keeps a well-behaved
// client from ever submitting a move the server would refuse. The
// returned ply carries the sequence slot to put on the wire; at most
// one proposal may be outstanding per game.
func (s *Store) Propose(gameID string, seat chess.Color, uci string) (chess.Ply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[gameID]
	if !ok {
		return chess.Ply{}, game.ErrUnknownGame
	}

	switch {
	case view.NeedsResync:
		return chess.Ply{}, ErrViewStale
	case view.InFlight != nil:
		return chess.Ply{}, ErrPlyInFlight
	case view.Status != "active":
		return chess.Ply{}, game.ErrWrongSessionStatus
	case view.Turn != string(seat):
		return chess.Ply{}, game.ErrOutOfTurn
	}

	mv, err := chess.ParseMove(uci)
	if err != nil {
		return chess.Ply{}, fmt.Errorf("%w: %v", game.ErrMalformedInput, err)
	}

	res, err := rules.Apply(view.position(), mv)
	if err != nil {
		if errors.Is(err, rules.ErrBadPosition) {
			// Our record does not replay; only the server can repair it.
			view.NeedsResync = true
			return chess.Ply{}, fmt.Errorf("%w: %v", ErrViewStale, err)
		}

		return chess.Ply{}, fmt.Errorf("%w: %s", game.ErrIllegalMove, uci)
	}

	ply := chess.Ply{
		Seq:      view.CommittedSeq + 1,
		Color:    seat,
		UCI:      res.UCI,
		SAN:      res.SAN,
		FEN:      res.FEN,
		ClientAt: time.Now().UnixMilli(),
	}
	view.InFlight = &ply

	return ply, nil
}

// ResolveAccepted folds the direct acceptance reply into the store. The
// broadcast copy of the same ply may arrive first or second; both
// routes land in the same slot and the later one degrades to a
// duplicate.
func (s *Store) ResolveAccepted(p messages.PlyAcceptedPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[p.GameID]
	if !ok {
		return Outcome{NeedResync: true, HaveSeq: 0, GameID: p.GameID}
	}

	return s.commitPlyLocked(view, p.Ply, p.Clock, p.Status)
}

// ResolveRejected discards the in-flight ply after the server refused
// it. The committed view was never touched, so the board simply snaps
// back.
func (s *Store) ResolveRejected(gameID string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[gameID]
	if !ok || view.InFlight == nil {
		return Outcome{GameID: gameID}
	}

	view.InFlight = nil

	return Outcome{Changed: true, GameID: gameID}
}

// DisplayFEN is the position to render: the speculative one while a
// proposed ply awaits its verdict, the committed one otherwise.
func (v GameView) DisplayFEN() string {
	if v.InFlight != nil {
		return v.InFlight.FEN
	}

	return v.FEN
}

// DisplayTurn mirrors DisplayFEN for the side to move.
func (v GameView) DisplayTurn() string {
	if v.InFlight != nil {
		return string(v.InFlight.Color.Opp())
	}

	return v.Turn
}

// ForfeitableByLeaving reports whether disconnecting now would cost the
// game once the grace period lapses, so a client can warn before the
// tab closes.
func (v GameView) ForfeitableByLeaving() bool {
	return game.ForfeitableByLeaving(game.GameMode(v.Mode), game.GameStatus(v.Status))
}

// position rebuilds the replayable committed record.
func (v GameView) position() rules.Position {
	moves := make([]string, len(v.Plies))
	for i, ply := range v.Plies {
		moves[i] = ply.UCI
	}

	return rules.Position{InitialFEN: v.InitialFEN, MovesUCI: moves}
}
