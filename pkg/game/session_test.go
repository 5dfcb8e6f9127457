package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/messages"
	"github.com/tecu23/live-server/pkg/rules"
)

// captureRecorder records every side effect a session emits so tests can
// assert on persistence without a real store.
type captureRecorder struct {
	mu       sync.Mutex
	lives    []LiveRecord
	dropped  []string
	archived []ArchiveRecord
}

func (r *captureRecorder) SaveLive(rec LiveRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lives = append(r.lives, rec)
}

func (r *captureRecorder) DropLive(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, gameID)
}

func (r *captureRecorder) ArchiveFinished(rec ArchiveRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archived = append(r.archived, rec)
}

func (r *captureRecorder) lastLive() (LiveRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lives) == 0 {
		return LiveRecord{}, false
	}
	return r.lives[len(r.lives)-1], true
}

func (r *captureRecorder) lastArchived() (ArchiveRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.archived) == 0 {
		return ArchiveRecord{}, false
	}
	return r.archived[len(r.archived)-1], true
}

func (r *captureRecorder) droppedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dropped...)
}

func testConfig() Config {
	return Config{
		DisconnectGrace: 40 * time.Millisecond,
		AbandonTimeout:  80 * time.Millisecond,
		ForfeitTimeout:  40 * time.Millisecond,
		OfferTTL:        50 * time.Millisecond,
		RetainFinished:  time.Minute,
		SweepInterval:   10 * time.Millisecond,
		MailboxSize:     64,
	}
}

func testTimeControl() chess.TimeControl {
	return chess.TimeControl{
		WhiteTime:      60_000,
		BlackTime:      60_000,
		WhiteIncrement: 1_000,
		BlackIncrement: 1_000,
	}
}

func newTestSession(t *testing.T, mode GameMode, tc chess.TimeControl) (*GameSession, *captureRecorder, *events.Dispatcher) {
	t.Helper()

	rec := &captureRecorder{}
	dispatcher := events.NewDispatcher(64, zap.NewNop())

	s, err := NewSession(CreateGameParams{
		WhiteID:     "alice",
		BlackID:     "bob",
		Mode:        mode,
		TimeControl: tc,
	}, testConfig(), dispatcher, rec, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	t.Cleanup(s.Stop)

	return s, rec, dispatcher
}

func activeSession(t *testing.T, mode GameMode) (*GameSession, *captureRecorder, *events.Dispatcher) {
	t.Helper()

	s, rec, dispatcher := newTestSession(t, mode, testTimeControl())
	connectBoth(t, s)
	awaitStatus(t, s, StatusActive)

	return s, rec, dispatcher
}

func connectBoth(t *testing.T, s *GameSession) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, s.SetPresence(ctx, chess.White, true))
	require.NoError(t, s.SetPresence(ctx, chess.Black, true))
}

func mustSubmit(t *testing.T, s *GameSession, seat chess.Color, seq int, uci string) messages.PlyAcceptedPayload {
	t.Helper()

	p, err := s.SubmitPly(context.Background(), seat, seq, uci, time.Now().UnixMilli())
	require.NoError(t, err, "submit %s as %s at seq %d", uci, seat, seq)
	return p
}

func state(t *testing.T, s *GameSession) messages.GameStatePayload {
	t.Helper()

	st, err := s.State(context.Background())
	require.NoError(t, err)
	return st
}

func awaitStatus(t *testing.T, s *GameSession, want GameStatus) messages.GameStatePayload {
	t.Helper()

	var got messages.GameStatePayload
	require.Eventually(t, func() bool {
		st, err := s.State(context.Background())
		if err != nil {
			return false
		}
		got = st
		return st.Status == string(want)
	}, 2*time.Second, 5*time.Millisecond, "waiting for status %s", want)

	return got
}

func awaitEvent(t *testing.T, sub *events.Subscription, evtType events.EventType) events.Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C:
			require.True(t, ok, "subscription closed while waiting for %s", evtType)
			if evt.Type == evtType {
				return evt
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", evtType)
		}
	}
}

func TestNewSessionValidation(t *testing.T) {
	dispatcher := events.NewDispatcher(8, zap.NewNop())

	cases := []struct {
		name   string
		params CreateGameParams
	}{
		{"missing seat", CreateGameParams{WhiteID: "alice", Mode: ModeCasual, TimeControl: testTimeControl()}},
		{"same user both seats", CreateGameParams{WhiteID: "alice", BlackID: "alice", Mode: ModeCasual, TimeControl: testTimeControl()}},
		{"unknown mode", CreateGameParams{WhiteID: "alice", BlackID: "bob", Mode: "blitz", TimeControl: testTimeControl()}},
		{"zero time", CreateGameParams{WhiteID: "alice", BlackID: "bob", Mode: ModeCasual}},
		{"broken fen", CreateGameParams{WhiteID: "alice", BlackID: "bob", Mode: ModeCasual, TimeControl: testTimeControl(), InitialFEN: "not a position"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSession(tc.params, testConfig(), dispatcher, NopRecorder{}, zap.NewNop())
			assert.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestSessionWaitsForBothSeats(t *testing.T) {
	s, _, _ := newTestSession(t, ModeCasual, testTimeControl())

	st := state(t, s)
	assert.Equal(t, string(StatusWaiting), st.Status)
	assert.Equal(t, rules.StartingFEN, st.InitialFEN)
	assert.False(t, st.Clock.Running)

	require.NoError(t, s.SetPresence(context.Background(), chess.White, true))
	st = state(t, s)
	assert.Equal(t, string(StatusWaiting), st.Status, "one seat is not enough")
	assert.True(t, st.White.Connected)
	assert.False(t, st.Black.Connected)

	require.NoError(t, s.SetPresence(context.Background(), chess.Black, true))
	st = awaitStatus(t, s, StatusActive)
	assert.True(t, st.Clock.Running)
	assert.Equal(t, "w", st.Turn)
}

func TestSubmitPlyCommitsAndBroadcasts(t *testing.T) {
	s, rec, dispatcher := activeSession(t, ModeCasual)
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	p := mustSubmit(t, s, chess.White, 1, "e2e4")
	assert.Equal(t, 1, p.Ply.Seq)
	assert.Equal(t, "e2e4", p.Ply.UCI)
	assert.Equal(t, "e4", p.Ply.SAN)
	assert.Equal(t, chess.Color(chess.White), p.Ply.Color)
	assert.Equal(t, chess.Color(chess.Black), p.Clock.Active)
	assert.False(t, p.Duplicate)

	evt := awaitEvent(t, sub, events.EventPlyCommitted)
	broadcast, ok := evt.Payload.(messages.PlyCommittedPayload)
	require.True(t, ok)
	assert.Equal(t, p.Ply, broadcast.Ply)

	p = mustSubmit(t, s, chess.Black, 2, "e7e5")
	assert.Equal(t, 2, p.Ply.Seq)
	assert.Equal(t, chess.Color(chess.White), p.Clock.Active)

	st := state(t, s)
	assert.Equal(t, 2, st.CommittedSeq)
	assert.Equal(t, "w", st.Turn)
	assert.Equal(t, st.Plies[len(st.Plies)-1].FEN, st.FEN)

	live, ok := rec.lastLive()
	require.True(t, ok)
	assert.Len(t, live.Plies, 2)
	assert.Equal(t, string(StatusActive), live.Status)
}

func TestSubmitIllegalMoveLeavesStateUntouched(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	before := state(t, s)

	_, err := s.SubmitPly(context.Background(), chess.White, 1, "e2e5", 0)
	require.ErrorIs(t, err, ErrIllegalMove)
	assert.Equal(t, CodeIllegalMove, CodeOf(err))

	after := state(t, s)
	assert.Equal(t, before.CommittedSeq, after.CommittedSeq)
	assert.Equal(t, before.FEN, after.FEN)
	assert.Equal(t, before.Turn, after.Turn)

	// The same sequence slot still takes a legal move.
	p := mustSubmit(t, s, chess.White, 1, "e2e4")
	assert.Equal(t, 1, p.Ply.Seq)
}

func TestSubmitOutOfTurn(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	_, err := s.SubmitPly(context.Background(), chess.Black, 1, "e7e5", 0)
	require.ErrorIs(t, err, ErrOutOfTurn)
	assert.Equal(t, CodeOutOfTurn, CodeOf(err))

	// The authoritative state still says white to move, nothing committed.
	st, err := s.Resync(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, st.CommittedSeq)
	assert.Equal(t, "w", st.Turn)
}

func TestSubmitDuplicateIsIdempotent(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	first := mustSubmit(t, s, chess.White, 1, "e2e4")

	// The same seat retrying the same slot with the same move gets the
	// original ply back and changes nothing.
	retry, err := s.SubmitPly(context.Background(), chess.White, 1, "e2e4", 99)
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Ply, retry.Ply)

	st := state(t, s)
	assert.Equal(t, 1, st.CommittedSeq)

	// A different move into an already-committed slot is divergence.
	_, err = s.SubmitPly(context.Background(), chess.White, 1, "d2d4", 0)
	assert.ErrorIs(t, err, ErrOutOfTurn)

	// So is skipping ahead.
	_, err = s.SubmitPly(context.Background(), chess.Black, 3, "e7e5", 0)
	assert.ErrorIs(t, err, ErrOutOfTurn)

	_, err = s.SubmitPly(context.Background(), chess.Black, 0, "e7e5", 0)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestSubmitMalformed(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	for _, uci := range []string{"", "e2", "e2e9", "z2e4", "e2e4x", "e2e4qq"} {
		_, err := s.SubmitPly(context.Background(), chess.White, 1, uci, 0)
		assert.ErrorIs(t, err, ErrMalformedInput, "uci %q", uci)
	}

	st := state(t, s)
	assert.Equal(t, 0, st.CommittedSeq)
}

func TestSubmitRejectedBeforeActivation(t *testing.T) {
	s, _, _ := newTestSession(t, ModeCasual, testTimeControl())

	_, err := s.SubmitPly(context.Background(), chess.White, 1, "e2e4", 0)
	require.ErrorIs(t, err, ErrWrongSessionStatus)
	assert.Equal(t, CodeWrongSessionStatus, CodeOf(err))
}

func TestCheckmateFinishesGame(t *testing.T) {
	s, rec, dispatcher := activeSession(t, ModeCasual)
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	scholars := []struct {
		seat chess.Color
		uci  string
	}{
		{chess.White, "e2e4"}, {chess.Black, "e7e5"},
		{chess.White, "f1c4"}, {chess.Black, "b8c6"},
		{chess.White, "d1h5"}, {chess.Black, "g8f6"},
		{chess.White, "h5f7"},
	}

	var last messages.PlyAcceptedPayload
	for i, mv := range scholars {
		last = mustSubmit(t, s, mv.seat, i+1, mv.uci)
	}

	assert.Equal(t, "Qxf7#", last.Ply.SAN)
	assert.Equal(t, string(StatusFinished), last.Status)

	evt := awaitEvent(t, sub, events.EventStatusChanged)
	payload, ok := evt.Payload.(messages.StatusChangedPayload)
	require.True(t, ok)
	assert.Equal(t, string(CauseCheckmate), payload.Cause)
	assert.Equal(t, string(ResultWhiteWins), payload.Result)
	require.NotNil(t, payload.Clock)

	st := state(t, s)
	assert.Equal(t, string(StatusFinished), st.Status)
	assert.Equal(t, string(CauseCheckmate), st.Cause)
	assert.Equal(t, string(ResultWhiteWins), st.Result)

	arch, ok := rec.lastArchived()
	require.True(t, ok)
	assert.Equal(t, string(ResultWhiteWins), arch.Result)
	assert.Equal(t, string(CauseCheckmate), arch.Cause)
	assert.Len(t, arch.Plies, 7)
	assert.Contains(t, rec.droppedIDs(), s.ID.String())

	// Finished is absorbing.
	_, err := s.SubmitPly(context.Background(), chess.Black, 8, "e8f7", 0)
	assert.ErrorIs(t, err, ErrWrongSessionStatus)
}

func TestFlagFallFinishesGame(t *testing.T) {
	s, _, _ := newTestSession(t, ModeCasual, chess.TimeControl{
		WhiteTime: 60,
		BlackTime: 60_000,
	})
	connectBoth(t, s)

	st := awaitStatus(t, s, StatusFinished)
	assert.Equal(t, string(CauseTimeout), st.Cause)
	assert.Equal(t, string(ResultBlackWins), st.Result)
	assert.Zero(t, st.Clock.WhiteMs)
	assert.False(t, st.Clock.Running)
}

func TestDrawOfferAcceptFinishes(t *testing.T) {
	s, rec, dispatcher := activeSession(t, ModeCasual)
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	pending, err := s.Offer(context.Background(), chess.White, OfferDraw, "")
	require.NoError(t, err)
	assert.Equal(t, "draw", pending.Kind)
	assert.Zero(t, pending.ExpiresAt, "draw offers persist until answered")

	st := state(t, s)
	require.Len(t, st.Offers, 1)
	assert.Equal(t, "draw", st.Offers[0].Kind)
	assert.Equal(t, "w", st.Offers[0].By)

	evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
	offered, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
	require.True(t, ok)
	assert.Equal(t, "offered", offered.State)

	require.NoError(t, s.Respond(context.Background(), chess.Black, OfferDraw, true))

	evt = awaitEvent(t, sub, events.EventNegotiationUpdated)
	accepted, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
	require.True(t, ok)
	assert.Equal(t, "accepted", accepted.State)

	st = awaitStatus(t, s, StatusFinished)
	assert.Equal(t, string(CauseDrawAgreement), st.Cause)
	assert.Equal(t, string(ResultDraw), st.Result)

	arch, ok := rec.lastArchived()
	require.True(t, ok)
	assert.Equal(t, string(ResultDraw), arch.Result)
}

func TestDrawOfferDeclineKeepsPlaying(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	_, err := s.Offer(context.Background(), chess.White, OfferDraw, "")
	require.NoError(t, err)
	require.NoError(t, s.Respond(context.Background(), chess.Black, OfferDraw, false))

	awaitEvent(t, sub, events.EventNegotiationUpdated) // offered
	evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
	declined, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
	require.True(t, ok)
	assert.Equal(t, "declined", declined.State)

	st := state(t, s)
	assert.Equal(t, string(StatusActive), st.Status)
	assert.Empty(t, st.Offers)

	// Declining clears the slot; the offer can be made again.
	_, err = s.Offer(context.Background(), chess.White, OfferDraw, "")
	assert.NoError(t, err)
}

func TestOfferGating(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	_, err := s.Offer(ctx, chess.White, OfferDraw, "")
	require.NoError(t, err)

	_, err = s.Offer(ctx, chess.Black, OfferDraw, "")
	assert.ErrorIs(t, err, ErrOfferAlreadyPending)

	err = s.Respond(ctx, chess.White, OfferDraw, true)
	assert.ErrorIs(t, err, ErrOfferExpired, "cannot accept your own offer")

	err = s.Respond(ctx, chess.Black, OfferUndo, true)
	assert.ErrorIs(t, err, ErrOfferExpired, "no undo pending")

	_, err = s.Offer(ctx, chess.White, OfferResume, "")
	assert.ErrorIs(t, err, ErrWrongSessionStatus, "resume needs a paused game")

	_, err = s.Offer(ctx, chess.White, OfferRematch, "")
	assert.ErrorIs(t, err, ErrWrongSessionStatus, "rematch needs a finished game")

	_, err = s.Offer(ctx, chess.White, OfferKind("handshake"), "")
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestRematchOfferColorChoice(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	require.NoError(t, s.Resign(ctx, chess.Black))

	_, err := s.Offer(ctx, chess.White, OfferRematch, "purple")
	assert.ErrorIs(t, err, ErrMalformedInput, "the color choice must be w or b")

	_, err = s.Offer(ctx, chess.White, OfferRematch, chess.White)
	require.NoError(t, err)

	st := state(t, s)
	require.Len(t, st.Offers, 1)
	assert.Equal(t, "rematch", st.Offers[0].Kind)
	assert.Equal(t, "w", st.Offers[0].Color, "the choice survives into the state view")
}

func TestUndoAcceptedRollsBackOnePly(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	mustSubmit(t, s, chess.White, 1, "e2e4")
	afterFirst := state(t, s)
	mustSubmit(t, s, chess.Black, 2, "e7e5")

	// Black just moved, so black may ask to take it back.
	_, err := s.Offer(context.Background(), chess.Black, OfferUndo, "")
	require.NoError(t, err)
	require.NoError(t, s.Respond(context.Background(), chess.White, OfferUndo, true))

	st := state(t, s)
	assert.Equal(t, 1, st.CommittedSeq)
	assert.Equal(t, "b", st.Turn, "turn reverts to the requester")
	assert.Equal(t, afterFirst.FEN, st.FEN)

	var accepted messages.NegotiationUpdatedPayload
	for {
		evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
		p, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
		require.True(t, ok)
		if p.State == "accepted" {
			accepted = p
			break
		}
	}
	assert.Equal(t, "undo", accepted.Kind)
	assert.Equal(t, 2, accepted.RemovedSeq)

	// The freed slot takes a different move.
	p := mustSubmit(t, s, chess.Black, 2, "c7c5")
	assert.Equal(t, "c5", p.Ply.SAN)
}

func TestUndoRequiresOwnLastPly(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	_, err := s.Offer(ctx, chess.White, OfferUndo, "")
	assert.ErrorIs(t, err, ErrOutOfTurn, "nothing to take back yet")

	mustSubmit(t, s, chess.White, 1, "e2e4")

	_, err = s.Offer(ctx, chess.Black, OfferUndo, "")
	assert.ErrorIs(t, err, ErrOutOfTurn, "white moved last, black cannot ask")

	_, err = s.Offer(ctx, chess.White, OfferUndo, "")
	assert.NoError(t, err)
}

func TestUndoRejectedInRatedGames(t *testing.T) {
	s, _, _ := activeSession(t, ModeRated)

	mustSubmit(t, s, chess.White, 1, "e2e4")

	_, err := s.Offer(context.Background(), chess.White, OfferUndo, "")
	require.ErrorIs(t, err, ErrModeNotAllowed)
	assert.Equal(t, CodeModeNotAllowed, CodeOf(err))
}

func TestUndoOfferDiesWhenPlayMovesOn(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	mustSubmit(t, s, chess.White, 1, "e2e4")

	_, err := s.Offer(ctx, chess.White, OfferUndo, "")
	require.NoError(t, err)

	// Black answers on the board instead.
	mustSubmit(t, s, chess.Black, 2, "e7e5")

	err = s.Respond(ctx, chess.Black, OfferUndo, true)
	assert.ErrorIs(t, err, ErrOfferExpired)

	st := state(t, s)
	assert.Equal(t, 2, st.CommittedSeq, "nothing was retracted")
}

func TestPauseFreezesClock(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	require.NoError(t, s.Pause(ctx, chess.White))

	st := state(t, s)
	assert.Equal(t, string(StatusPaused), st.Status)
	assert.Equal(t, string(PauseByRequest), st.PauseCause)
	assert.False(t, st.Clock.Running)

	_, err := s.SubmitPly(ctx, chess.White, 1, "e2e4", 0)
	assert.ErrorIs(t, err, ErrWrongSessionStatus)

	frozen := st.Clock.WhiteMs
	time.Sleep(30 * time.Millisecond)
	st = state(t, s)
	assert.Equal(t, frozen, st.Clock.WhiteMs, "paused time is charged to nobody")

	err = s.Pause(ctx, chess.White)
	assert.ErrorIs(t, err, ErrWrongSessionStatus, "already paused")
}

func TestPauseGating(t *testing.T) {
	rated, _, _ := activeSession(t, ModeRated)
	err := rated.Pause(context.Background(), chess.White)
	require.ErrorIs(t, err, ErrModeNotAllowed)

	waiting, _, _ := newTestSession(t, ModeCasual, testTimeControl())
	err = waiting.Pause(context.Background(), chess.White)
	assert.ErrorIs(t, err, ErrWrongSessionStatus)
}

func TestResumeNegotiation(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	require.NoError(t, s.Pause(ctx, chess.White))

	pending, err := s.Offer(ctx, chess.Black, OfferResume, "")
	require.NoError(t, err)
	assert.NotZero(t, pending.ExpiresAt, "resume offers carry a deadline")

	require.NoError(t, s.Respond(ctx, chess.White, OfferResume, true))

	st := awaitStatus(t, s, StatusActive)
	assert.True(t, st.Clock.Running)
	assert.Empty(t, st.PauseCause)
}

func TestResumeOfferExpires(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)
	ctx := context.Background()
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	require.NoError(t, s.Pause(ctx, chess.White))

	_, err := s.Offer(ctx, chess.Black, OfferResume, "")
	require.NoError(t, err)

	time.Sleep(70 * time.Millisecond) // past the 50ms offer TTL

	err = s.Respond(ctx, chess.White, OfferResume, true)
	assert.ErrorIs(t, err, ErrOfferExpired)

	var expired bool
	for !expired {
		evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
		p, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
		require.True(t, ok)
		expired = p.State == "expired"
	}

	st := state(t, s)
	assert.Equal(t, string(StatusPaused), st.Status)
}

func TestResignEndsGame(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	require.NoError(t, s.Resign(context.Background(), chess.Black))

	st := state(t, s)
	assert.Equal(t, string(StatusFinished), st.Status)
	assert.Equal(t, string(CauseResignation), st.Cause)
	assert.Equal(t, string(ResultWhiteWins), st.Result)
}

func TestResignWhilePaused(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	require.NoError(t, s.Pause(ctx, chess.White))
	require.NoError(t, s.Resign(ctx, chess.White))

	st := state(t, s)
	assert.Equal(t, string(ResultBlackWins), st.Result)
}

func TestDisconnectPausesThenReconnectResumes(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)
	ctx := context.Background()
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	require.NoError(t, s.SetPresence(ctx, chess.Black, false))

	evt := awaitEvent(t, sub, events.EventPresenceChanged)
	presence, ok := evt.Payload.(messages.PresenceChangedPayload)
	require.True(t, ok)
	assert.Equal(t, "b", presence.Color)
	assert.False(t, presence.Connected)
	assert.NotZero(t, presence.Deadline, "the grace deadline travels with the notice")

	// The grace period elapses without a reconnect; the game pauses.
	st := awaitStatus(t, s, StatusPaused)
	assert.Equal(t, string(PauseByDisconnect), st.PauseCause)

	// A disconnect pause is not negotiable, it lifts on reconnect.
	_, err := s.Offer(ctx, chess.White, OfferResume, "")
	assert.ErrorIs(t, err, ErrWrongSessionStatus)

	require.NoError(t, s.SetPresence(ctx, chess.Black, true))
	st = awaitStatus(t, s, StatusActive)
	assert.True(t, st.Clock.Running)
}

func TestReconnectWithinGraceKeepsPlaying(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	require.NoError(t, s.SetPresence(ctx, chess.Black, false))
	require.NoError(t, s.SetPresence(ctx, chess.Black, true))

	time.Sleep(60 * time.Millisecond) // past the grace period

	st := state(t, s)
	assert.Equal(t, string(StatusActive), st.Status, "the cancelled grace timer must not fire")
}

func TestAbandonmentForfeitsCasualGame(t *testing.T) {
	s, rec, _ := activeSession(t, ModeCasual)

	require.NoError(t, s.SetPresence(context.Background(), chess.Black, false))

	awaitStatus(t, s, StatusPaused)

	st := awaitStatus(t, s, StatusFinished)
	assert.Equal(t, string(CauseAbandonment), st.Cause)
	assert.Equal(t, string(ResultWhiteWins), st.Result, "the seat that stayed wins")

	arch, ok := rec.lastArchived()
	require.True(t, ok)
	assert.Equal(t, string(CauseAbandonment), arch.Cause)
}

func TestAbandonmentByBothVoidsGame(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)
	ctx := context.Background()

	require.NoError(t, s.SetPresence(ctx, chess.White, false))
	require.NoError(t, s.SetPresence(ctx, chess.Black, false))

	st := awaitStatus(t, s, StatusFinished)
	assert.Equal(t, string(CauseAbandonment), st.Cause)
	assert.Equal(t, string(ResultNone), st.Result)
}

func TestRatedDisconnectForfeits(t *testing.T) {
	s, _, _ := activeSession(t, ModeRated)

	require.NoError(t, s.SetPresence(context.Background(), chess.Black, false))

	// No pause in rated games: the forfeit countdown runs and ends it.
	st := awaitStatus(t, s, StatusFinished)
	assert.Equal(t, string(CauseAbandonment), st.Cause)
	assert.Equal(t, string(ResultWhiteWins), st.Result)
}

func TestWaitingGameVoidsAfterTimeout(t *testing.T) {
	s, _, _ := newTestSession(t, ModeCasual, testTimeControl())

	time.Sleep(100 * time.Millisecond) // past the 80ms abandon timeout
	s.Sweep()

	st := awaitStatus(t, s, StatusFinished)
	assert.Equal(t, string(CauseAbandonment), st.Cause)
	assert.Equal(t, string(ResultNone), st.Result)
}

func TestSweepPublishesClockSnapshot(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	s.Sweep()

	evt := awaitEvent(t, sub, events.EventClockSnapshot)
	payload, ok := evt.Payload.(messages.ClockSnapshotPayload)
	require.True(t, ok)
	assert.Equal(t, s.ID.String(), payload.GameID)
	assert.True(t, payload.Clock.Running)
}

func TestFinishExpiresPendingOffers(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)
	ctx := context.Background()
	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	_, err := s.Offer(ctx, chess.White, OfferDraw, "")
	require.NoError(t, err)
	require.NoError(t, s.Resign(ctx, chess.White))

	awaitEvent(t, sub, events.EventNegotiationUpdated) // offered
	evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
	p, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
	require.True(t, ok)
	assert.Equal(t, "expired", p.State)

	st := state(t, s)
	assert.Empty(t, st.Offers)
}

func TestOfferNotifiesOpponentOutOfBand(t *testing.T) {
	s, _, dispatcher := activeSession(t, ModeCasual)

	// Bob has no game subscription, only his user channel.
	inbox := dispatcher.SubscribeUser("bob")
	defer inbox.Close()

	_, err := s.Offer(context.Background(), chess.White, OfferDraw, "")
	require.NoError(t, err)

	evt := awaitEvent(t, inbox, events.EventDrawOfferReceived)
	p, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
	require.True(t, ok)
	assert.Equal(t, "draw", p.Kind)
	assert.Equal(t, "w", p.By)
	assert.Equal(t, s.ID.String(), p.GameID)
}

func TestResyncReturnsMissingTail(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	mustSubmit(t, s, chess.White, 1, "e2e4")
	mustSubmit(t, s, chess.Black, 2, "e7e5")
	mustSubmit(t, s, chess.White, 3, "g1f3")

	st, err := s.Resync(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CommittedSeq)
	require.Len(t, st.Plies, 1)
	assert.Equal(t, 3, st.Plies[0].Seq)

	full, err := s.Resync(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, full.Plies, 3)

	ahead, err := s.Resync(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ahead.Plies, "a client claiming more than committed gets the counters to notice")
	assert.Equal(t, 3, ahead.CommittedSeq)
}

func TestSeatOf(t *testing.T) {
	s, _, _ := newTestSession(t, ModeCasual, testTimeControl())

	color, ok := s.SeatOf("alice")
	require.True(t, ok)
	assert.Equal(t, chess.Color(chess.White), color)

	color, ok = s.SeatOf("bob")
	require.True(t, ok)
	assert.Equal(t, chess.Color(chess.Black), color)

	_, ok = s.SeatOf("mallory")
	assert.False(t, ok)
	_, ok = s.SeatOf("")
	assert.False(t, ok)
}

func TestStoppedSessionRejectsCalls(t *testing.T) {
	s, _, _ := newTestSession(t, ModeCasual, testTimeControl())
	s.Stop()

	require.Eventually(t, func() bool {
		_, err := s.State(context.Background())
		return err == ErrSessionClosed
	}, time.Second, 5*time.Millisecond)

	_, err := s.SubmitPly(context.Background(), chess.White, 1, "e2e4", 0)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRestoreSessionComesBackPaused(t *testing.T) {
	s, rec, _ := activeSession(t, ModeCasual)

	mustSubmit(t, s, chess.White, 1, "e2e4")
	live, ok := rec.lastLive()
	require.True(t, ok)
	s.Stop()

	dispatcher := events.NewDispatcher(64, zap.NewNop())
	restored, err := RestoreSession(live, testConfig(), dispatcher, &captureRecorder{}, zap.NewNop())
	require.NoError(t, err)
	restored.Start()
	t.Cleanup(restored.Stop)

	st := state(t, restored)
	assert.Equal(t, string(StatusPaused), st.Status)
	assert.Equal(t, string(PauseByDisconnect), st.PauseCause)
	assert.Equal(t, 1, st.CommittedSeq)
	assert.Equal(t, "b", st.Turn)
	assert.Equal(t, live.Clock.WhiteMs, st.Clock.WhiteMs)
	assert.False(t, st.White.Connected)
	assert.False(t, st.Black.Connected)

	// Both players coming back resumes play where it stopped.
	connectBoth(t, restored)
	st = awaitStatus(t, restored, StatusActive)
	assert.True(t, st.Clock.Running)

	p := mustSubmit(t, restored, chess.Black, 2, "e7e5")
	assert.Equal(t, "e5", p.Ply.SAN)
}

func TestSessionFromCustomPosition(t *testing.T) {
	dispatcher := events.NewDispatcher(8, zap.NewNop())

	// Black to move in a bare-kings-and-queen endgame.
	const fen = "k7/2Q5/8/8/8/8/8/K7 b - - 0 1"

	s, err := NewSession(CreateGameParams{
		WhiteID:     "alice",
		BlackID:     "bob",
		Mode:        ModeCasual,
		InitialFEN:  fen,
		TimeControl: testTimeControl(),
	}, testConfig(), dispatcher, NopRecorder{}, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)

	connectBoth(t, s)
	st := awaitStatus(t, s, StatusActive)
	assert.Equal(t, "b", st.Turn)
	assert.Equal(t, fen, st.InitialFEN)
	assert.Equal(t, chess.Color(chess.Black), st.Clock.Active)

	p := mustSubmit(t, s, chess.Black, 1, "a8b8")
	assert.Equal(t, "Kb8", p.Ply.SAN)
}

func TestPliesCarrySpentTime(t *testing.T) {
	s, _, _ := activeSession(t, ModeCasual)

	time.Sleep(20 * time.Millisecond)
	p := mustSubmit(t, s, chess.White, 1, "e2e4")

	assert.GreaterOrEqual(t, p.Ply.SpentMs, int64(15))
	assert.Less(t, p.Ply.SpentMs, int64(2000))

	// The increment lands after the charge.
	assert.Greater(t, p.Clock.WhiteMs, int64(60_000)-p.Ply.SpentMs)
}

func TestStalemateFinishesAsDraw(t *testing.T) {
	dispatcher := events.NewDispatcher(8, zap.NewNop())
	rec := &captureRecorder{}

	s, err := NewSession(CreateGameParams{
		WhiteID:     "alice",
		BlackID:     "bob",
		Mode:        ModeCasual,
		InitialFEN:  "k7/8/8/8/8/8/2Q5/K7 w - - 0 1",
		TimeControl: testTimeControl(),
	}, testConfig(), dispatcher, rec, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)

	connectBoth(t, s)
	awaitStatus(t, s, StatusActive)

	p := mustSubmit(t, s, chess.White, 1, "c2c7")
	assert.Equal(t, string(StatusFinished), p.Status)

	st := state(t, s)
	assert.Equal(t, string(CauseStalemate), st.Cause)
	assert.Equal(t, string(ResultDraw), st.Result)
}
