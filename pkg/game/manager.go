// Package game holds the authoritative game sessions and their registry.
package game

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/messages"
)

// LiveStore is the read side of the live-state store, used to find and
// rebuild sessions that outlived their process.
type LiveStore interface {
	FindLive(ctx context.Context, gameID string) (LiveRecord, bool, error)
	ListLive(ctx context.Context) ([]LiveRecord, error)
}

// Manager owns every running session. It hands out sessions by ID,
// restores them from the live-state store when they are not in memory,
// and drives the periodic sweep.
type Manager struct {
	sessions map[uuid.UUID]*GameSession
	mu       sync.RWMutex

	cfg        Config
	dispatcher *events.Dispatcher
	recorder   Recorder
	live       LiveStore

	logger *zap.Logger
}

// NewManager creates a manager. live may be nil, in which case sessions
// exist only in memory.
func NewManager(
	cfg Config,
	dispatcher *events.Dispatcher,
	recorder Recorder,
	live LiveStore,
	logger *zap.Logger,
) *Manager {
	if recorder == nil {
		recorder = NopRecorder{}
	}

	return &Manager{
		sessions:   make(map[uuid.UUID]*GameSession),
		cfg:        cfg,
		dispatcher: dispatcher,
		recorder:   recorder,
		live:       live,
		logger:     logger,
	}
}

// CreateSession creates a new game session with the given parameters,
// registers it and starts its actor. Both players are told about the
// game on their user channels.
func (m *Manager) CreateSession(params CreateGameParams) (*GameSession, error) {
	session, err := NewSession(params, m.cfg, m.dispatcher, m.recorder, m.logger)
	if err != nil {
		return nil, err
	}

	m.adopt(session)

	m.logger.Info("session created",
		zap.String("game_id", session.ID.String()),
		zap.String("white", session.white.UserID),
		zap.String("black", session.black.UserID),
		zap.String("mode", string(session.mode)),
		zap.String("time_control", session.tc.String()),
	)

	m.announce(session)

	return session, nil
}

// GetSession returns an in-memory session by ID.
func (m *Manager) GetSession(id uuid.UUID) (*GameSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// FindSession returns the session by ID, restoring it from the
// live-state store if this process does not hold it yet.
func (m *Manager) FindSession(ctx context.Context, id uuid.UUID) (*GameSession, error) {
	if session, ok := m.GetSession(id); ok {
		return session, nil
	}

	if m.live == nil {
		return nil, ErrUnknownGame
	}

	rec, ok, err := m.live.FindLive(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownGame
	}

	session, err := RestoreSession(rec, m.cfg, m.dispatcher, m.recorder, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another caller may have restored it while we were reading the
	// store; their copy wins.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.wire(session)
	m.sessions[id] = session
	m.mu.Unlock()

	session.Start()

	m.logger.Info("session restored from live state",
		zap.String("game_id", session.ID.String()),
		zap.Int("plies", len(session.plies)),
	)

	return session, nil
}

// RemoveSession stops a session's actor and forgets it.
func (m *Manager) RemoveSession(id uuid.UUID) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		session.Stop()
	}
}

// SessionsOf returns the sessions a user is seated in.
func (m *Manager) SessionsOf(userID string) []*GameSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*GameSession
	for _, s := range m.sessions {
		if _, ok := s.SeatOf(userID); ok {
			out = append(out, s)
		}
	}

	return out
}

// Count returns the number of sessions held in memory.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Restore brings every live session from the store back into memory,
// typically at boot after a crash or deploy.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.live == nil {
		return 0, nil
	}

	records, err := m.live.ListLive(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		session, err := RestoreSession(rec, m.cfg, m.dispatcher, m.recorder, m.logger)
		if err != nil {
			m.logger.Error("skipping unrestorable live record",
				zap.String("game_id", rec.GameID),
				zap.Error(err),
			)
			continue
		}

		m.adopt(session)
		restored++
	}

	m.logger.Info("live sessions restored", zap.Int("count", restored))

	return restored, nil
}

// Run drives the periodic sweep until ctx is cancelled. Each tick nudges
// every session to settle deadlines, expire offers and publish clock
// snapshots.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.RLock()
			sessions := make([]*GameSession, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mu.RUnlock()

			for _, s := range sessions {
				s.Sweep()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every session actor. Live state survives in the store
// for the next process to restore.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*GameSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}

	m.logger.Info("all sessions stopped", zap.Int("count", len(sessions)))
}

func (m *Manager) adopt(session *GameSession) {
	m.mu.Lock()
	m.wire(session)
	m.sessions[session.ID] = session
	m.mu.Unlock()

	session.Start()
}

// wire hooks the session back into the registry: an accepted rematch
// creates the follow-up game through the manager, and a finished game
// lingers for RetainFinished before it is reaped. Callers hold m.mu.
func (m *Manager) wire(session *GameSession) {
	session.rematch = func(old *GameSession, whiteID, blackID string) (*GameSession, error) {
		return m.CreateSession(CreateGameParams{
			WhiteID:     whiteID,
			BlackID:     blackID,
			Mode:        old.mode,
			InitialFEN:  old.initialFEN,
			TimeControl: old.tc,
		})
	}

	session.reap = func(id uuid.UUID) {
		time.AfterFunc(m.cfg.RetainFinished, func() {
			m.RemoveSession(id)
		})
	}
}

// announce tells both players about their new game out of band.
func (m *Manager) announce(session *GameSession) {
	payload := messages.GameCreatedPayload{
		GameID:         session.ID.String(),
		White:          session.white.UserID,
		Black:          session.black.UserID,
		Mode:           string(session.mode),
		InitialFEN:     session.initialFEN,
		WhiteTime:      session.tc.WhiteTime,
		BlackTime:      session.tc.BlackTime,
		WhiteIncrement: session.tc.WhiteIncrement,
		BlackIncrement: session.tc.BlackIncrement,
		CurrentTurn:    string(session.turn),
	}

	for _, userID := range []string{session.white.UserID, session.black.UserID} {
		m.dispatcher.Publish(events.Event{
			Type:    events.EventGameCreated,
			GameID:  session.ID.String(),
			UserID:  userID,
			Payload: payload,
		})
	}
}
