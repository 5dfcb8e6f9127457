// Package client keeps a consumer-side mirror of live game state. The
// server stays authoritative: the store applies what the server said,
// asks for a resync when it detects a gap, and limits prediction to
// clock display plus a single optimistically played ply that the next
// authoritative word confirms or erases.
package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/messages"
)

// GameView is the client's current picture of one game.
type GameView struct {
	GameID       string
	Mode         string
	Status       string
	Turn         string
	InitialFEN   string
	FEN          string
	CommittedSeq int
	Plies        []chess.Ply
	Clock        chess.Snapshot
	White        messages.SeatPayload
	Black        messages.SeatPayload
	Offers       []messages.PendingOfferPayload
	Cause        string
	Result       string
	PauseCause   string

	// InFlight is the one ply played optimistically while the server
	// decides. It never enters Plies or CommittedSeq; DisplayFEN and
	// DisplayTurn fold it into what gets rendered.
	InFlight *chess.Ply

	// NeedsResync marks a view that saw a sequence gap and is waiting
	// for authoritative state; events keep applying best-effort.
	NeedsResync bool
}

// Outcome reports what applying one event did.
type Outcome struct {
	Changed    bool
	NeedResync bool
	HaveSeq    int    // committed seq to send with the resync request
	GameID     string // the game the event touched, when it named one
	NewGameID  string // rematch: the follow-up game to join
}

// Store holds every game this client watches.
type Store struct {
	mu    sync.RWMutex
	games map[string]*GameView
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{games: make(map[string]*GameView)}
}

// Get returns a copy of one game's view.
func (s *Store) Get(gameID string) (GameView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view, ok := s.games[gameID]
	if !ok {
		return GameView{}, false
	}

	return copyView(view), true
}

// HaveSeq returns the committed sequence to report in a resync request.
func (s *Store) HaveSeq(gameID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if view, ok := s.games[gameID]; ok {
		return view.CommittedSeq
	}

	return 0
}

// Forget drops a game the client no longer watches.
func (s *Store) Forget(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.games, gameID)
}

// ApplyState installs an authoritative snapshot from a join or resync
// reply. Plies may be only the tail the client said it was missing; the
// overlap point decides how much local history survives.
func (s *Store) ApplyState(state messages.GameStatePayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[state.GameID]
	if !ok {
		view = &GameView{GameID: state.GameID}
		s.games[state.GameID] = view
	}

	view.Mode = state.Mode
	view.Status = state.Status
	view.Turn = state.Turn
	view.InitialFEN = state.InitialFEN
	view.FEN = state.FEN
	view.Clock = state.Clock
	view.White = state.White
	view.Black = state.Black
	view.Offers = append([]messages.PendingOfferPayload(nil), state.Offers...)
	view.Cause = state.Cause
	view.Result = state.Result
	view.PauseCause = state.PauseCause

	// An authoritative snapshot supersedes any ply still waiting for a
	// verdict; whatever the server decided about it is in the snapshot.
	view.InFlight = nil

	if len(state.Plies) == 0 {
		// Nothing new past what we reported; an undo may still have
		// shortened the log.
		view.Plies = truncatePlies(view.Plies, state.CommittedSeq)
		view.CommittedSeq = state.CommittedSeq
		view.NeedsResync = false

		return Outcome{Changed: true, GameID: state.GameID}
	}

	first := state.Plies[0].Seq
	if first > view.CommittedSeq+1 {
		// The tail starts past what we hold; we answered with a stale
		// haveSeq. Ask again from zero.
		view.NeedsResync = true
		return Outcome{Changed: true, NeedResync: true, HaveSeq: 0, GameID: state.GameID}
	}

	view.Plies = append(truncatePlies(view.Plies, first-1), state.Plies...)
	view.CommittedSeq = state.CommittedSeq
	view.NeedsResync = false

	return Outcome{Changed: true, GameID: state.GameID}
}

// Apply routes one wire event into the store. Events about games the
// store does not hold ask for a resync rather than failing, so a client
// that reconnected mid-stream heals itself.
func (s *Store) Apply(eventType string, raw []byte) (Outcome, error) {
	switch events.EventType(eventType) {
	case events.EventPlyCommitted:
		var p messages.PlyCommittedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Outcome{}, err
		}
		return s.applyPly(p), nil

	case events.EventClockSnapshot:
		var p messages.ClockSnapshotPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Outcome{}, err
		}
		return s.applyClock(p), nil

	case events.EventStatusChanged:
		var p messages.StatusChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Outcome{}, err
		}
		return s.applyStatus(p), nil

	case events.EventNegotiationUpdated,
		events.EventDrawOfferReceived,
		events.EventUndoRequestReceived,
		events.EventResumeRequestReceived,
		events.EventRematchRequestReceived:
		var p messages.NegotiationUpdatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Outcome{}, err
		}
		return s.applyNegotiation(p), nil

	case events.EventPresenceChanged:
		var p messages.PresenceChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Outcome{}, err
		}
		return s.applyPresence(p), nil

	case events.EventGameCreated:
		var p messages.GameCreatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Outcome{}, err
		}
		return s.applyCreated(p), nil
	}

	// Unknown events are tolerated so old clients survive new servers.
	return Outcome{}, nil
}

func (s *Store) applyPly(p messages.PlyCommittedPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[p.GameID]
	if !ok {
		return Outcome{NeedResync: true, HaveSeq: 0, GameID: p.GameID}
	}

	return s.commitPlyLocked(view, p.Ply, p.Clock, p.Status)
}

// commitPlyLocked folds one authoritative ply into the view. An
// in-flight ply always occupies the slot right after CommittedSeq, so
// any authoritative fill of that slot settles it: either the server
// confirmed the speculation or it committed something else, and either
// way the server's line replaces the local one.
func (s *Store) commitPlyLocked(view *GameView, ply chess.Ply, clock chess.Snapshot, status string) Outcome {
	switch {
	case ply.Seq <= view.CommittedSeq:
		// Redelivery of something we already hold.
		return Outcome{GameID: view.GameID}

	case ply.Seq > view.CommittedSeq+1:
		view.NeedsResync = true
		view.InFlight = nil
		return Outcome{NeedResync: true, HaveSeq: view.CommittedSeq, GameID: view.GameID}
	}

	view.InFlight = nil
	view.Plies = append(view.Plies, ply)
	view.CommittedSeq = ply.Seq
	view.FEN = ply.FEN
	view.Turn = string(ply.Color.Opp())
	view.Clock = clock
	view.Status = status

	return Outcome{Changed: true, GameID: view.GameID}
}

func (s *Store) applyClock(p messages.ClockSnapshotPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[p.GameID]
	if !ok {
		return Outcome{NeedResync: true, HaveSeq: 0, GameID: p.GameID}
	}

	// Authoritative statements replace the local countdown outright.
	view.Clock = p.Clock

	return Outcome{Changed: true, GameID: p.GameID}
}

func (s *Store) applyStatus(p messages.StatusChangedPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[p.GameID]
	if !ok {
		return Outcome{NeedResync: true, HaveSeq: 0, GameID: p.GameID}
	}

	view.Status = p.Status
	view.Cause = p.Cause
	view.Result = p.Result
	view.PauseCause = p.PauseCause
	if p.Clock != nil {
		view.Clock = *p.Clock
	}

	// Plies only commit while the game is active, so leaving that state
	// voids whatever was played ahead.
	if p.Status != "active" {
		view.InFlight = nil
	}

	if p.Status == "finished" {
		view.Offers = nil
	}

	return Outcome{Changed: true, GameID: p.GameID}
}

func (s *Store) applyNegotiation(p messages.NegotiationUpdatedPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[p.GameID]
	if !ok {
		// Out-of-band notice about a game we do not watch; nothing to
		// update locally, the caller decides whether to join.
		return Outcome{NewGameID: p.NewGameID, GameID: p.GameID}
	}

	switch p.State {
	case "offered":
		view.Offers = upsertOffer(view.Offers, messages.PendingOfferPayload{
			Kind:      p.Kind,
			By:        p.By,
			Color:     p.Color,
			ExpiresAt: p.ExpiresAt,
		})

	case "accepted", "declined", "expired":
		view.Offers = removeOffer(view.Offers, p.Kind)
	}

	out := Outcome{Changed: true, NewGameID: p.NewGameID, GameID: p.GameID}

	if p.State == "accepted" && p.Kind == "undo" && p.RemovedSeq > 0 {
		// The rollback rewrites the committed line, so a ply played
		// ahead of it no longer stands on anything.
		view.InFlight = nil
		if !s.rollbackLocked(view, p.RemovedSeq) {
			view.NeedsResync = true
			out.NeedResync = true
			out.HaveSeq = 0
		}
	}

	return out
}

// rollbackLocked undoes the retracted ply locally. Returns false when
// the log does not hold it, which means this client joined mid-game and
// must resync instead.
func (s *Store) rollbackLocked(view *GameView, removedSeq int) bool {
	idx := -1
	for i, ply := range view.Plies {
		if ply.Seq == removedSeq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	retracted := view.Plies[idx]
	view.Plies = view.Plies[:idx]
	view.CommittedSeq = removedSeq - 1
	view.Turn = string(retracted.Color)

	if len(view.Plies) > 0 {
		view.FEN = view.Plies[len(view.Plies)-1].FEN
	} else {
		view.FEN = view.InitialFEN
	}

	return true
}

func (s *Store) applyPresence(p messages.PresenceChangedPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	view, ok := s.games[p.GameID]
	if !ok {
		return Outcome{NeedResync: true, HaveSeq: 0, GameID: p.GameID}
	}

	switch p.Color {
	case string(chess.White):
		view.White.Connected = p.Connected
	case string(chess.Black):
		view.Black.Connected = p.Connected
	}

	return Outcome{Changed: true, GameID: p.GameID}
}

func (s *Store) applyCreated(p messages.GameCreatedPayload) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[p.GameID]; ok {
		return Outcome{GameID: p.GameID}
	}

	s.games[p.GameID] = &GameView{
		GameID:     p.GameID,
		Mode:       p.Mode,
		Status:     "waiting",
		Turn:       p.CurrentTurn,
		InitialFEN: p.InitialFEN,
		FEN:        p.InitialFEN,
		White:      messages.SeatPayload{UserID: p.White},
		Black:      messages.SeatPayload{UserID: p.Black},
		Clock: chess.Snapshot{
			WhiteMs: p.WhiteTime,
			BlackMs: p.BlackTime,
			Active:  chess.Color(p.CurrentTurn),
		},
	}

	return Outcome{Changed: true, NewGameID: p.GameID, GameID: p.GameID}
}

// ClockDisplay projects both clocks to the given instant. Only the
// running side's clock moves; the projection is display-only and the
// next snapshot replaces it.
func (s *Store) ClockDisplay(gameID string, at time.Time) (whiteMs, blackMs int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view, found := s.games[gameID]
	if !found {
		return 0, 0, false
	}

	snap := view.Clock
	whiteMs, blackMs = snap.WhiteMs, snap.BlackMs

	if snap.Running && snap.ServerAt > 0 {
		elapsed := at.UnixMilli() - snap.ServerAt
		if elapsed > 0 {
			switch snap.Active {
			case chess.White:
				whiteMs -= elapsed
			case chess.Black:
				blackMs -= elapsed
			}
		}
	}

	if whiteMs < 0 {
		whiteMs = 0
	}
	if blackMs < 0 {
		blackMs = 0
	}

	return whiteMs, blackMs, true
}

func copyView(view *GameView) GameView {
	out := *view
	out.Plies = append([]chess.Ply(nil), view.Plies...)
	out.Offers = append([]messages.PendingOfferPayload(nil), view.Offers...)

	if view.InFlight != nil {
		ply := *view.InFlight
		out.InFlight = &ply
	}

	return out
}

func truncatePlies(plies []chess.Ply, keepSeq int) []chess.Ply {
	for len(plies) > 0 && plies[len(plies)-1].Seq > keepSeq {
		plies = plies[:len(plies)-1]
	}

	return plies
}

func upsertOffer(offers []messages.PendingOfferPayload, offer messages.PendingOfferPayload) []messages.PendingOfferPayload {
	for i := range offers {
		if offers[i].Kind == offer.Kind {
			offers[i] = offer
			return offers
		}
	}

	return append(offers, offer)
}

func removeOffer(offers []messages.PendingOfferPayload, kind string) []messages.PendingOfferPayload {
	for i := range offers {
		if offers[i].Kind == kind {
			return append(offers[:i], offers[i+1:]...)
		}
	}

	return offers
}
