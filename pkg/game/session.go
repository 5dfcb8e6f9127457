package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/messages"
	"github.com/tecu23/live-server/pkg/rules"
)

// RematchFunc builds the follow-up session when a rematch offer is
// accepted, seating whiteID and blackID as resolved from the inviter's
// color choice. The manager supplies it so sessions never touch the
// registry directly.
type RematchFunc func(old *GameSession, whiteID, blackID string) (*GameSession, error)

// GameSession is the authoritative state of one game. Everything mutable
// belongs to a single goroutine: callers enqueue commands into the
// mailbox and wait for a reply, timers enqueue their firings the same
// way, and no lock is ever held across a network round trip because no
// lock exists.
type GameSession struct {
	ID uuid.UUID

	mode   GameMode
	status GameStatus

	white Seat
	black Seat

	initialFEN string
	pos        rules.Position
	plies      []chess.Ply
	turn       chess.Color

	tc    chess.TimeControl
	clock *chess.Clock

	offers *negotiations

	cause      Cause
	result     Result
	pauseCause PauseCause
	pausedBy   chess.Color

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	cfg Config

	deadlineTimer *time.Timer
	graceTimers   map[chess.Color]*time.Timer
	abandonTimer  *time.Timer

	mailbox  chan command
	done     chan struct{}
	stopOnce sync.Once

	// rematch and reap are wired by the manager at creation.
	rematch RematchFunc
	reap    func(id uuid.UUID)

	dispatcher *events.Dispatcher
	recorder   Recorder
	logger     *zap.Logger
}

type command interface{}

type submitCmd struct {
	seat     chess.Color
	seq      int
	uci      string
	clientAt int64
	reply    chan submitReply
}

type submitReply struct {
	payload messages.PlyAcceptedPayload
	err     error
}

type offerCmd struct {
	seat         chess.Color
	kind         OfferKind
	rematchColor chess.Color
	reply        chan offerReply
}

type offerReply struct {
	payload messages.OfferPendingPayload
	err     error
}

type respondCmd struct {
	seat   chess.Color
	kind   OfferKind
	accept bool
	reply  chan error
}

type pauseCmd struct {
	seat  chess.Color
	reply chan error
}

type resignCmd struct {
	seat  chess.Color
	reply chan error
}

type resyncCmd struct {
	haveSeq int
	reply   chan messages.GameStatePayload
}

type presenceCmd struct {
	seat      chess.Color
	connected bool
}

type deadlineCmd struct{}

type graceCmd struct{ seat chess.Color }

type abandonCmd struct{}

type expireCmd struct {
	kind OfferKind
	id   uuid.UUID
}

type sweepCmd struct{}

// NewSession builds a session in the waiting state. Start launches its
// actor; nothing is scheduled before that.
func NewSession(
	params CreateGameParams,
	cfg Config,
	dispatcher *events.Dispatcher,
	recorder Recorder,
	logger *zap.Logger,
) (*GameSession, error) {
	if params.WhiteID == "" || params.BlackID == "" {
		return nil, fmt.Errorf("%w: both seats need a user", ErrMalformedInput)
	}
	if params.WhiteID == params.BlackID {
		return nil, fmt.Errorf("%w: one user cannot hold both seats", ErrMalformedInput)
	}
	if params.Mode != ModeRated && params.Mode != ModeCasual {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformedInput, params.Mode)
	}
	if params.TimeControl.WhiteTime <= 0 || params.TimeControl.BlackTime <= 0 {
		return nil, fmt.Errorf("%w: initial time must be positive", ErrMalformedInput)
	}

	initialFEN := params.InitialFEN
	if initialFEN == "" || initialFEN == "startpos" {
		initialFEN = rules.StartingFEN
	}

	pos := rules.Position{InitialFEN: initialFEN}
	turn, err := rules.Turn(pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	id := params.GameID
	if id == uuid.Nil {
		id = uuid.New()
	}

	clock := chess.NewClock(params.TimeControl)
	if turn == chess.Black {
		clock.SetTurn(chess.Black, time.Time{})
	}

	s := &GameSession{
		ID:     id,
		mode:   params.Mode,
		status: StatusWaiting,

		white: Seat{UserID: params.WhiteID, Color: chess.White},
		black: Seat{UserID: params.BlackID, Color: chess.Black},

		initialFEN: initialFEN,
		pos:        pos,
		turn:       turn,

		tc:    params.TimeControl,
		clock: clock,

		offers: newNegotiations(),

		createdAt: time.Now(),

		cfg: cfg,

		graceTimers: make(map[chess.Color]*time.Timer),

		mailbox: make(chan command, cfg.MailboxSize),
		done:    make(chan struct{}),

		dispatcher: dispatcher,
		recorder:   recorder,
		logger:     logger.With(zap.String("game_id", id.String())),
	}

	return s, nil
}

// RestoreSession rebuilds a session from its live-state record. The
// session comes back paused by disconnect with both seats absent: every
// connection died with the previous process, and play resumes when the
// players return.
func RestoreSession(
	rec LiveRecord,
	cfg Config,
	dispatcher *events.Dispatcher,
	recorder Recorder,
	logger *zap.Logger,
) (*GameSession, error) {
	id, err := uuid.Parse(rec.GameID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad game id %q", ErrMalformedInput, rec.GameID)
	}

	s, err := NewSession(CreateGameParams{
		GameID:      id,
		WhiteID:     rec.WhiteID,
		BlackID:     rec.BlackID,
		Mode:        GameMode(rec.Mode),
		InitialFEN:  rec.InitialFEN,
		TimeControl: rec.TimeControl,
	}, cfg, dispatcher, recorder, logger)
	if err != nil {
		return nil, err
	}

	pos := rules.Position{InitialFEN: s.initialFEN, MovesUCI: chess.UCIList(rec.Plies)}
	turn, err := rules.Turn(pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	s.plies = append(s.plies, rec.Plies...)
	s.pos = pos
	s.turn = turn
	s.clock.Restore(rec.Clock)
	s.createdAt = time.UnixMilli(rec.CreatedAt)

	if GameStatus(rec.Status) != StatusWaiting {
		s.status = StatusPaused
		s.pauseCause = PauseByDisconnect
	}

	return s, nil
}

// Start launches the session's actor.
func (s *GameSession) Start() {
	go s.run()
}

// Stop shuts the actor down without finishing the game. The manager
// calls it when reaping; an unfinished game survives in the live-state
// store.
func (s *GameSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// SeatOf maps a user to their color. Seats never change after creation,
// so this needs no trip through the actor.
func (s *GameSession) SeatOf(userID string) (chess.Color, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == s.white.UserID:
		return chess.White, true
	case userID == s.black.UserID:
		return chess.Black, true
	}

	return "", false
}

// Users returns the two seat holders.
func (s *GameSession) Users() (whiteID, blackID string) {
	return s.white.UserID, s.black.UserID
}

// Mode returns the session's fixed game mode.
func (s *GameSession) Mode() GameMode {
	return s.mode
}

// SubmitPly asks the session to commit seat's move into sequence slot
// seq. A retry of an already-committed slot returns the original result
// marked as a duplicate.
func (s *GameSession) SubmitPly(
	ctx context.Context,
	seat chess.Color,
	seq int,
	uci string,
	clientAt int64,
) (messages.PlyAcceptedPayload, error) {
	reply := make(chan submitReply, 1)
	if err := s.post(ctx, submitCmd{seat: seat, seq: seq, uci: uci, clientAt: clientAt, reply: reply}); err != nil {
		return messages.PlyAcceptedPayload{}, err
	}

	select {
	case r := <-reply:
		return r.payload, r.err
	case <-ctx.Done():
		return messages.PlyAcceptedPayload{}, ctx.Err()
	case <-s.done:
		return messages.PlyAcceptedPayload{}, ErrSessionClosed
	}
}

// Offer opens a negotiation of the given kind on behalf of seat.
// rematchColor is the inviter's color choice for the follow-up game;
// only rematch offers read it, and empty means the seats swap.
func (s *GameSession) Offer(
	ctx context.Context,
	seat chess.Color,
	kind OfferKind,
	rematchColor chess.Color,
) (messages.OfferPendingPayload, error) {
	reply := make(chan offerReply, 1)
	if err := s.post(ctx, offerCmd{seat: seat, kind: kind, rematchColor: rematchColor, reply: reply}); err != nil {
		return messages.OfferPendingPayload{}, err
	}

	select {
	case r := <-reply:
		return r.payload, r.err
	case <-ctx.Done():
		return messages.OfferPendingPayload{}, ctx.Err()
	case <-s.done:
		return messages.OfferPendingPayload{}, ErrSessionClosed
	}
}

// Respond answers the outstanding offer of the given kind.
func (s *GameSession) Respond(
	ctx context.Context,
	seat chess.Color,
	kind OfferKind,
	accept bool,
) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, respondCmd{seat: seat, kind: kind, accept: accept, reply: reply}); err != nil {
		return err
	}

	return s.await(ctx, reply)
}

// Pause requests a voluntary pause.
func (s *GameSession) Pause(ctx context.Context, seat chess.Color) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, pauseCmd{seat: seat, reply: reply}); err != nil {
		return err
	}

	return s.await(ctx, reply)
}

// Resign concedes the game on behalf of seat.
func (s *GameSession) Resign(ctx context.Context, seat chess.Color) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, resignCmd{seat: seat, reply: reply}); err != nil {
		return err
	}

	return s.await(ctx, reply)
}

// Resync returns the authoritative session state, carrying only the
// plies after haveSeq.
func (s *GameSession) Resync(ctx context.Context, haveSeq int) (messages.GameStatePayload, error) {
	reply := make(chan messages.GameStatePayload, 1)
	if err := s.post(ctx, resyncCmd{haveSeq: haveSeq, reply: reply}); err != nil {
		return messages.GameStatePayload{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return messages.GameStatePayload{}, ctx.Err()
	case <-s.done:
		return messages.GameStatePayload{}, ErrSessionClosed
	}
}

// State is Resync with the full ply list, for the HTTP surface.
func (s *GameSession) State(ctx context.Context) (messages.GameStatePayload, error) {
	return s.Resync(ctx, 0)
}

// SetPresence reports a seat's connection status. The session applies
// its mode's policy: grace timers on disconnect, activation or
// auto-resume on connect.
func (s *GameSession) SetPresence(ctx context.Context, seat chess.Color, connected bool) error {
	return s.post(ctx, presenceCmd{seat: seat, connected: connected})
}

// Sweep nudges the session to check deadlines and offer expiries. It is
// deliberately non-blocking: a busy session sweeps itself by handling
// whatever fills its mailbox.
func (s *GameSession) Sweep() {
	select {
	case s.mailbox <- sweepCmd{}:
	default:
	}
}

func (s *GameSession) post(ctx context.Context, c command) error {
	select {
	case s.mailbox <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *GameSession) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

// postAsync is for timer callbacks, which have no context and must not
// outlive the actor.
func (s *GameSession) postAsync(c command) {
	select {
	case s.mailbox <- c:
	case <-s.done:
	}
}

func (s *GameSession) run() {
	for {
		select {
		case cmd := <-s.mailbox:
			s.handle(cmd)
		case <-s.done:
			s.stopTimers()
			return
		}
	}
}

func (s *GameSession) handle(cmd command) {
	now := time.Now()

	switch c := cmd.(type) {
	case submitCmd:
		payload, err := s.handleSubmit(now, c)
		c.reply <- submitReply{payload: payload, err: err}
	case offerCmd:
		payload, err := s.handleOffer(now, c)
		c.reply <- offerReply{payload: payload, err: err}
	case respondCmd:
		c.reply <- s.handleRespond(now, c)
	case pauseCmd:
		c.reply <- s.handlePause(now, c.seat)
	case resignCmd:
		c.reply <- s.handleResign(now, c.seat)
	case resyncCmd:
		c.reply <- s.statePayload(now, c.haveSeq)
	case presenceCmd:
		s.handlePresence(now, c.seat, c.connected)
	case deadlineCmd:
		s.checkFlag(now)
	case graceCmd:
		s.handleGrace(now, c.seat)
	case abandonCmd:
		s.handleAbandon(now)
	case expireCmd:
		s.handleExpire(now, c.kind, c.id)
	case sweepCmd:
		s.handleSweep(now)
	}
}

func (s *GameSession) handleSubmit(now time.Time, c submitCmd) (messages.PlyAcceptedPayload, error) {
	if s.status != StatusActive {
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
	}

	mv, err := chess.ParseMove(c.uci)
	if err != nil {
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	committed := len(s.plies)

	// Sequence bookkeeping. A slot at or below the committed count is a
	// retry: when it matches what actually committed it succeeds again
	// without side effects, otherwise the client has diverged and needs
	// a resync.
	switch {
	case c.seq < 1:
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: seq must be positive", ErrMalformedInput)
	case c.seq <= committed:
		prev := s.plies[c.seq-1]
		if prev.Color == c.seat && prev.UCI == mv.String() {
			return messages.PlyAcceptedPayload{
				GameID:    s.ID.String(),
				Ply:       prev,
				Clock:     s.clock.Snapshot(now),
				Status:    string(s.status),
				Duplicate: true,
			}, nil
		}

		return messages.PlyAcceptedPayload{}, fmt.Errorf(
			"%w: seq %d already committed", ErrOutOfTurn, c.seq)
	case c.seq != committed+1:
		return messages.PlyAcceptedPayload{}, fmt.Errorf(
			"%w: seq %d, expected %d", ErrOutOfTurn, c.seq, committed+1)
	}

	if c.seat != s.turn {
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: %s to move", ErrOutOfTurn, s.turn)
	}

	// The flag may have fallen between the deadline timer arming and
	// this submission; the move must not stand in that case.
	if s.clock.Flagged(now) {
		s.finish(now, CauseTimeout, winnerResult(s.turn.Opp()))
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: flag fell", ErrWrongSessionStatus)
	}

	res, err := rules.Apply(s.pos, mv)
	if err != nil {
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: %s", ErrIllegalMove, mv)
	}

	spent, flagged := s.clock.ApplyMove(now)
	if flagged {
		s.finish(now, CauseTimeout, winnerResult(s.turn.Opp()))
		return messages.PlyAcceptedPayload{}, fmt.Errorf("%w: flag fell", ErrWrongSessionStatus)
	}

	ply := chess.Ply{
		Seq:      committed + 1,
		Color:    c.seat,
		UCI:      res.UCI,
		SAN:      res.SAN,
		FEN:      res.FEN,
		SpentMs:  spent,
		ClientAt: c.clientAt,
	}

	s.plies = append(s.plies, ply)
	s.pos = s.pos.Step(res.UCI)
	s.turn = s.turn.Opp()

	snap := s.clock.Snapshot(now)

	s.publish(events.Event{
		Type:   events.EventPlyCommitted,
		GameID: s.ID.String(),
		Payload: messages.PlyCommittedPayload{
			GameID: s.ID.String(),
			Ply:    ply,
			Clock:  snap,
			Status: string(StatusActive),
		},
	})

	if res.Terminal != rules.TerminationNone {
		result := ResultDraw
		if res.Terminal == rules.TerminationCheckmate {
			result = winnerResult(c.seat)
		}

		s.finish(now, causeOf(res.Terminal), result)
	} else {
		s.armDeadline(now)
		s.saveLive(now)
	}

	return messages.PlyAcceptedPayload{
		GameID: s.ID.String(),
		Ply:    ply,
		Clock:  snap,
		Status: string(s.status),
	}, nil
}

func (s *GameSession) handleOffer(now time.Time, c offerCmd) (messages.OfferPendingPayload, error) {
	switch c.kind {
	case OfferDraw:
		if s.status != StatusActive {
			return messages.OfferPendingPayload{}, fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
	case OfferUndo:
		if s.mode == ModeRated {
			return messages.OfferPendingPayload{}, fmt.Errorf("%w: no undo in rated games", ErrModeNotAllowed)
		}
		if s.status != StatusActive {
			return messages.OfferPendingPayload{}, fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
		if len(s.plies) == 0 || s.plies[len(s.plies)-1].Color != c.seat {
			return messages.OfferPendingPayload{}, fmt.Errorf(
				"%w: only the last mover may ask for an undo", ErrOutOfTurn)
		}
	case OfferResume:
		if s.status != StatusPaused {
			return messages.OfferPendingPayload{}, fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
		if s.pauseCause != PauseByRequest {
			return messages.OfferPendingPayload{}, fmt.Errorf(
				"%w: a disconnect pause resumes on reconnect", ErrWrongSessionStatus)
		}
	case OfferRematch:
		if s.status != StatusFinished {
			return messages.OfferPendingPayload{}, fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
		if c.rematchColor != "" {
			if _, err := chess.ParseColor(string(c.rematchColor)); err != nil {
				return messages.OfferPendingPayload{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
			}
		}
	default:
		return messages.OfferPendingPayload{}, fmt.Errorf("%w: unknown offer kind %q", ErrMalformedInput, c.kind)
	}

	ttl := time.Duration(0)
	if c.kind == OfferResume || c.kind == OfferRematch {
		ttl = s.cfg.OfferTTL
	}

	off, swept, err := s.offers.open(c.kind, c.seat, now, ttl)
	if err != nil {
		return messages.OfferPendingPayload{}, err
	}

	if c.kind == OfferRematch {
		off.RematchColor = c.rematchColor
	}

	if swept != nil {
		s.publishNegotiation(swept, "expired", 0, "")
	}

	if !off.ExpiresAt.IsZero() {
		id := off.ID
		kind := off.Kind
		time.AfterFunc(off.ExpiresAt.Sub(now), func() {
			s.postAsync(expireCmd{kind: kind, id: id})
		})
	}

	s.publishNegotiation(off, "offered", 0, "")
	s.notifyOpponent(off)

	s.logger.Info("offer opened",
		zap.String("kind", string(off.Kind)),
		zap.String("by", string(off.By)),
	)

	payload := messages.OfferPendingPayload{
		GameID: s.ID.String(),
		Kind:   string(off.Kind),
	}
	if !off.ExpiresAt.IsZero() {
		payload.ExpiresAt = off.ExpiresAt.UnixMilli()
	}

	return payload, nil
}

func (s *GameSession) handleRespond(now time.Time, c respondCmd) error {
	// Announce anything that lapsed before judging the response, so a
	// late answer to a dead offer is rejected, not applied.
	s.expireDue(now)

	switch c.kind {
	case OfferDraw:
		if s.status != StatusActive && s.status != StatusPaused {
			return fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
	case OfferUndo:
		if s.status != StatusActive {
			return fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
	case OfferResume:
		if s.status != StatusPaused {
			return fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
	case OfferRematch:
		if s.status != StatusFinished {
			return fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
		}
	default:
		return fmt.Errorf("%w: unknown offer kind %q", ErrMalformedInput, c.kind)
	}

	off, err := s.offers.take(c.kind, c.seat, now)
	if err != nil {
		return err
	}

	if !c.accept {
		s.publishNegotiation(off, "declined", 0, "")
		s.logger.Info("offer declined", zap.String("kind", string(off.Kind)))
		return nil
	}

	switch off.Kind {
	case OfferDraw:
		s.publishNegotiation(off, "accepted", 0, "")
		s.finish(now, CauseDrawAgreement, ResultDraw)

	case OfferUndo:
		// Play may have moved on since the offer was made; retracting
		// would then take back somebody else's ply.
		if len(s.plies) == 0 || s.plies[len(s.plies)-1].Color != off.By {
			s.publishNegotiation(off, "expired", 0, "")
			return ErrOfferExpired
		}

		removed := s.rollbackPly(now)
		s.publishNegotiation(off, "accepted", removed.Seq, "")
		s.saveLive(now)

	case OfferResume:
		s.publishNegotiation(off, "accepted", 0, "")
		s.resume(now)

	case OfferRematch:
		if s.rematch == nil {
			return fmt.Errorf("%w: rematch unavailable", ErrWrongSessionStatus)
		}

		whiteID, blackID := off.rematchSeats(
			s.seat(off.By).UserID,
			s.seat(off.By.Opp()).UserID,
		)

		next, err := s.rematch(s, whiteID, blackID)
		if err != nil {
			s.logger.Error("rematch creation failed", zap.Error(err))
			return err
		}

		s.publishNegotiation(off, "accepted", 0, next.ID.String())
		s.logger.Info("rematch created", zap.String("next_game_id", next.ID.String()))
	}

	return nil
}

// rollbackPly retracts the last committed ply and hands the turn back to
// its author. The author keeps the increment the retracted move earned;
// nobody is charged for the time the negotiation took.
func (s *GameSession) rollbackPly(now time.Time) chess.Ply {
	last := s.plies[len(s.plies)-1]

	s.plies = s.plies[:len(s.plies)-1]
	s.pos = rules.Position{InitialFEN: s.initialFEN, MovesUCI: chess.UCIList(s.plies)}
	s.turn = last.Color
	s.clock.SetTurn(last.Color, now)
	s.armDeadline(now)

	s.logger.Info("ply retracted",
		zap.Int("seq", last.Seq),
		zap.String("uci", last.UCI),
	)

	return last
}

func (s *GameSession) handlePause(now time.Time, seat chess.Color) error {
	if s.mode == ModeRated {
		return fmt.Errorf("%w: no pause in rated games", ErrModeNotAllowed)
	}
	if s.status != StatusActive {
		return fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
	}

	s.status = StatusPaused
	s.pauseCause = PauseByRequest
	s.pausedBy = seat
	s.clock.Stop(now)
	s.stopDeadline()

	s.publishStatus(now)
	s.saveLive(now)

	s.logger.Info("game paused", zap.String("by", string(seat)))

	return nil
}

func (s *GameSession) handleResign(now time.Time, seat chess.Color) error {
	if s.status != StatusActive && s.status != StatusPaused {
		return fmt.Errorf("%w: %s", ErrWrongSessionStatus, s.status)
	}

	s.finish(now, CauseResignation, winnerResult(seat.Opp()))

	return nil
}

func (s *GameSession) handlePresence(now time.Time, seat chess.Color, connected bool) {
	st := s.seat(seat)
	if st.Connected == connected {
		return
	}
	st.Connected = connected

	if connected {
		s.stopGrace(seat)
		s.publishPresence(seat, true, time.Time{})

		switch {
		case s.status == StatusWaiting && s.white.Connected && s.black.Connected:
			s.activate(now)
		case s.status == StatusPaused && s.pauseCause == PauseByDisconnect &&
			s.white.Connected && s.black.Connected:
			s.resume(now)
		}

		return
	}

	// Disconnected. While the game is live, start the mode's countdown:
	// casual games pause after the grace period, rated games forfeit.
	if s.status != StatusActive {
		s.publishPresence(seat, false, time.Time{})
		return
	}

	wait := s.cfg.DisconnectGrace
	if s.mode == ModeRated {
		wait = s.cfg.ForfeitTimeout
	}

	deadline := now.Add(wait)
	s.stopGrace(seat)
	s.graceTimers[seat] = time.AfterFunc(wait, func() {
		s.postAsync(graceCmd{seat: seat})
	})

	s.publishPresence(seat, false, deadline)

	s.logger.Info("seat disconnected",
		zap.String("color", string(seat)),
		zap.Duration("grace", wait),
	)
}

func (s *GameSession) handleGrace(now time.Time, seat chess.Color) {
	if s.status != StatusActive || s.seat(seat).Connected {
		return
	}

	if s.mode == ModeRated {
		s.finish(now, CauseAbandonment, winnerResult(seat.Opp()))
		return
	}

	s.status = StatusPaused
	s.pauseCause = PauseByDisconnect
	s.pausedBy = seat
	s.clock.Stop(now)
	s.stopDeadline()

	s.stopAbandon()
	s.abandonTimer = time.AfterFunc(s.cfg.AbandonTimeout, func() {
		s.postAsync(abandonCmd{})
	})

	s.publishStatus(now)
	s.saveLive(now)

	s.logger.Info("game paused on disconnect", zap.String("absent", string(seat)))
}

func (s *GameSession) handleAbandon(now time.Time) {
	if s.status != StatusPaused || s.pauseCause != PauseByDisconnect {
		return
	}

	switch {
	case s.white.Connected && !s.black.Connected:
		s.finish(now, CauseAbandonment, ResultWhiteWins)
	case s.black.Connected && !s.white.Connected:
		s.finish(now, CauseAbandonment, ResultBlackWins)
	default:
		// Nobody stayed; nobody gets the point.
		s.finish(now, CauseAbandonment, ResultNone)
	}
}

func (s *GameSession) handleExpire(now time.Time, kind OfferKind, id uuid.UUID) {
	off, ok := s.offers.find(kind)
	if !ok || off.ID != id || !off.lapsed(now) {
		return
	}

	for _, lapsed := range s.offers.expire(now) {
		s.publishNegotiation(lapsed, "expired", 0, "")
	}
}

func (s *GameSession) handleSweep(now time.Time) {
	s.expireDue(now)

	if s.status == StatusActive {
		s.checkFlag(now)
	}

	// A session nobody ever joined eventually stops waiting.
	if s.status == StatusWaiting && now.Sub(s.createdAt) > s.cfg.AbandonTimeout {
		s.finish(now, CauseAbandonment, ResultNone)
		return
	}

	if s.status == StatusActive {
		s.publish(events.Event{
			Type:   events.EventClockSnapshot,
			GameID: s.ID.String(),
			Payload: messages.ClockSnapshotPayload{
				GameID: s.ID.String(),
				Clock:  s.clock.Snapshot(now),
			},
		})
	}
}

// checkFlag is the server-side timeout decision. Clients may show zero,
// but only this path ends the game on time.
func (s *GameSession) checkFlag(now time.Time) {
	if s.status != StatusActive {
		return
	}

	if !s.clock.Flagged(now) {
		// Timer fired early or state moved on; keep a deadline armed.
		s.armDeadline(now)
		return
	}

	s.finish(now, CauseTimeout, winnerResult(s.clock.Active().Opp()))
}

func (s *GameSession) activate(now time.Time) {
	s.status = StatusActive
	s.startedAt = now
	s.clock.Start(now)
	s.armDeadline(now)

	s.publishStatus(now)
	s.saveLive(now)

	s.logger.Info("game activated",
		zap.String("white", s.white.UserID),
		zap.String("black", s.black.UserID),
		zap.String("mode", string(s.mode)),
		zap.String("time_control", s.tc.String()),
	)
}

func (s *GameSession) resume(now time.Time) {
	s.status = StatusActive
	s.pauseCause = ""
	s.pausedBy = ""
	s.stopAbandon()
	s.clock.Start(now)
	s.armDeadline(now)

	s.publishStatus(now)
	s.saveLive(now)

	s.logger.Info("game resumed")
}

func (s *GameSession) finish(now time.Time, cause Cause, result Result) {
	if s.status == StatusFinished {
		return
	}

	s.status = StatusFinished
	s.cause = cause
	s.result = result
	s.finishedAt = now
	s.clock.Stop(now)
	s.stopTimers()

	for _, off := range s.offers.clearAll() {
		s.publishNegotiation(off, "expired", 0, "")
	}

	snap := s.clock.Snapshot(now)
	s.publish(events.Event{
		Type:   events.EventStatusChanged,
		GameID: s.ID.String(),
		Payload: messages.StatusChangedPayload{
			GameID: s.ID.String(),
			Status: string(StatusFinished),
			Cause:  string(cause),
			Result: string(result),
			Clock:  &snap,
		},
	})

	s.recorder.DropLive(s.ID.String())
	s.recorder.ArchiveFinished(s.archiveRecord(snap))

	if s.reap != nil {
		s.reap(s.ID)
	}

	s.logger.Info("game finished",
		zap.String("cause", string(cause)),
		zap.String("result", string(result)),
		zap.Int("plies", len(s.plies)),
		zap.String("white_clock", chess.FormatClockTime(snap.WhiteMs)),
		zap.String("black_clock", chess.FormatClockTime(snap.BlackMs)),
	)
}

func (s *GameSession) expireDue(now time.Time) {
	for _, off := range s.offers.expire(now) {
		s.publishNegotiation(off, "expired", 0, "")
	}
}

func (s *GameSession) seat(c chess.Color) *Seat {
	if c == chess.White {
		return &s.white
	}

	return &s.black
}

func (s *GameSession) currentFEN() string {
	if len(s.plies) > 0 {
		return s.plies[len(s.plies)-1].FEN
	}

	return s.initialFEN
}

func (s *GameSession) statePayload(now time.Time, haveSeq int) messages.GameStatePayload {
	if haveSeq < 0 {
		haveSeq = 0
	}

	var tail []chess.Ply
	if haveSeq < len(s.plies) {
		tail = append(tail, s.plies[haveSeq:]...)
	}

	return messages.GameStatePayload{
		GameID:       s.ID.String(),
		Mode:         string(s.mode),
		Status:       string(s.status),
		Turn:         string(s.turn),
		InitialFEN:   s.initialFEN,
		FEN:          s.currentFEN(),
		CommittedSeq: len(s.plies),
		Plies:        tail,
		Clock:        s.clock.Snapshot(now),
		White:        messages.SeatPayload{UserID: s.white.UserID, Connected: s.white.Connected},
		Black:        messages.SeatPayload{UserID: s.black.UserID, Connected: s.black.Connected},
		Offers:       s.offers.views(now),
		Cause:        string(s.cause),
		Result:       string(s.result),
		PauseCause:   string(s.pauseCause),
	}
}

func (s *GameSession) archiveRecord(snap chess.Snapshot) ArchiveRecord {
	return ArchiveRecord{
		GameID:      s.ID.String(),
		Mode:        string(s.mode),
		WhiteID:     s.white.UserID,
		BlackID:     s.black.UserID,
		InitialFEN:  s.initialFEN,
		FinalFEN:    s.currentFEN(),
		Plies:       append([]chess.Ply(nil), s.plies...),
		Cause:       string(s.cause),
		Result:      string(s.result),
		WhiteMs:     snap.WhiteMs,
		BlackMs:     snap.BlackMs,
		TimeControl: s.tc,
		StartedAt:   s.startedAt,
		FinishedAt:  s.finishedAt,
	}
}

func (s *GameSession) saveLive(now time.Time) {
	if s.status == StatusFinished {
		return
	}

	s.recorder.SaveLive(LiveRecord{
		GameID:      s.ID.String(),
		Mode:        string(s.mode),
		Status:      string(s.status),
		WhiteID:     s.white.UserID,
		BlackID:     s.black.UserID,
		InitialFEN:  s.initialFEN,
		Plies:       append([]chess.Ply(nil), s.plies...),
		Clock:       s.clock.Snapshot(now),
		TimeControl: s.tc,
		PauseCause:  string(s.pauseCause),
		CreatedAt:   s.createdAt.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	})
}

func (s *GameSession) publish(evt events.Event) {
	s.dispatcher.Publish(evt)
}

func (s *GameSession) publishStatus(now time.Time) {
	snap := s.clock.Snapshot(now)

	s.publish(events.Event{
		Type:   events.EventStatusChanged,
		GameID: s.ID.String(),
		Payload: messages.StatusChangedPayload{
			GameID:     s.ID.String(),
			Status:     string(s.status),
			PausedBy:   string(s.pausedBy),
			PauseCause: string(s.pauseCause),
			Clock:      &snap,
		},
	})
}

func (s *GameSession) publishNegotiation(off *Offer, state string, removedSeq int, newGameID string) {
	payload := messages.NegotiationUpdatedPayload{
		GameID:     s.ID.String(),
		Kind:       string(off.Kind),
		State:      state,
		By:         string(off.By),
		Color:      string(off.RematchColor),
		RemovedSeq: removedSeq,
		NewGameID:  newGameID,
	}
	if !off.ExpiresAt.IsZero() {
		payload.ExpiresAt = off.ExpiresAt.UnixMilli()
	}

	s.publish(events.Event{
		Type:    events.EventNegotiationUpdated,
		GameID:  s.ID.String(),
		Payload: payload,
	})
}

// notifyOpponent sends the out-of-band copy of a fresh offer to the
// other seat's private channel. The dispatcher suppresses it when that
// user is already watching this game.
func (s *GameSession) notifyOpponent(off *Offer) {
	var evtType events.EventType
	switch off.Kind {
	case OfferDraw:
		evtType = events.EventDrawOfferReceived
	case OfferUndo:
		evtType = events.EventUndoRequestReceived
	case OfferResume:
		evtType = events.EventResumeRequestReceived
	case OfferRematch:
		evtType = events.EventRematchRequestReceived
	default:
		return
	}

	payload := messages.NegotiationUpdatedPayload{
		GameID: s.ID.String(),
		Kind:   string(off.Kind),
		State:  "offered",
		By:     string(off.By),
		Color:  string(off.RematchColor),
	}
	if !off.ExpiresAt.IsZero() {
		payload.ExpiresAt = off.ExpiresAt.UnixMilli()
	}

	s.publish(events.Event{
		Type:    evtType,
		GameID:  s.ID.String(),
		UserID:  s.seat(off.By.Opp()).UserID,
		Payload: payload,
	})
}

func (s *GameSession) publishPresence(seat chess.Color, connected bool, deadline time.Time) {
	payload := messages.PresenceChangedPayload{
		GameID:    s.ID.String(),
		Color:     string(seat),
		Connected: connected,
	}
	if !deadline.IsZero() {
		payload.Deadline = deadline.UnixMilli()
	}

	s.publish(events.Event{
		Type:    events.EventPresenceChanged,
		GameID:  s.ID.String(),
		Payload: payload,
	})
}

func (s *GameSession) armDeadline(now time.Time) {
	s.stopDeadline()

	if s.status != StatusActive || !s.clock.Running() {
		return
	}

	wait := s.clock.Deadline().Sub(now)
	if wait < 0 {
		wait = 0
	}

	s.deadlineTimer = time.AfterFunc(wait, func() {
		s.postAsync(deadlineCmd{})
	})
}

func (s *GameSession) stopDeadline() {
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}
}

func (s *GameSession) stopGrace(seat chess.Color) {
	if t, ok := s.graceTimers[seat]; ok {
		t.Stop()
		delete(s.graceTimers, seat)
	}
}

func (s *GameSession) stopAbandon() {
	if s.abandonTimer != nil {
		s.abandonTimer.Stop()
		s.abandonTimer = nil
	}
}

func (s *GameSession) stopTimers() {
	s.stopDeadline()
	s.stopGrace(chess.White)
	s.stopGrace(chess.Black)
	s.stopAbandon()
}
