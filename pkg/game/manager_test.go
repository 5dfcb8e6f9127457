package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/events"
	"github.com/tecu23/live-server/pkg/messages"
)

type fakeLiveStore struct {
	mu   sync.Mutex
	recs map[string]LiveRecord
}

func newFakeLiveStore() *fakeLiveStore {
	return &fakeLiveStore{recs: make(map[string]LiveRecord)}
}

func (f *fakeLiveStore) put(rec LiveRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.GameID] = rec
}

func (f *fakeLiveStore) FindLive(_ context.Context, gameID string) (LiveRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[gameID]
	return rec, ok, nil
}

func (f *fakeLiveStore) ListLive(_ context.Context) ([]LiveRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LiveRecord, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	return out, nil
}

func newTestManager(t *testing.T, cfg Config, live LiveStore) (*Manager, *events.Dispatcher) {
	t.Helper()

	dispatcher := events.NewDispatcher(64, zap.NewNop())
	m := NewManager(cfg, dispatcher, &captureRecorder{}, live, zap.NewNop())
	t.Cleanup(m.Shutdown)

	return m, dispatcher
}

func casualParams() CreateGameParams {
	return CreateGameParams{
		WhiteID:     "alice",
		BlackID:     "bob",
		Mode:        ModeCasual,
		TimeControl: testTimeControl(),
	}
}

func TestManagerCreateSessionAnnouncesToBothPlayers(t *testing.T) {
	m, dispatcher := newTestManager(t, testConfig(), nil)

	aliceInbox := dispatcher.SubscribeUser("alice")
	defer aliceInbox.Close()
	bobInbox := dispatcher.SubscribeUser("bob")
	defer bobInbox.Close()

	s, err := m.CreateSession(casualParams())
	require.NoError(t, err)
	require.NotNil(t, s)

	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Count())

	for _, inbox := range []*events.Subscription{aliceInbox, bobInbox} {
		evt := awaitEvent(t, inbox, events.EventGameCreated)
		payload, ok := evt.Payload.(messages.GameCreatedPayload)
		require.True(t, ok)
		assert.Equal(t, s.ID.String(), payload.GameID)
		assert.Equal(t, "alice", payload.White)
		assert.Equal(t, "bob", payload.Black)
		assert.Equal(t, "w", payload.CurrentTurn)
	}
}

func TestManagerCreateSessionValidates(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	_, err := m.CreateSession(CreateGameParams{WhiteID: "alice", BlackID: "alice", Mode: ModeCasual, TimeControl: testTimeControl()})
	require.ErrorIs(t, err, ErrMalformedInput)
	assert.Equal(t, 0, m.Count())
}

func TestManagerSessionsOf(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	s, err := m.CreateSession(casualParams())
	require.NoError(t, err)
	_, err = m.CreateSession(CreateGameParams{
		WhiteID:     "carol",
		BlackID:     "dave",
		Mode:        ModeCasual,
		TimeControl: testTimeControl(),
	})
	require.NoError(t, err)

	mine := m.SessionsOf("alice")
	require.Len(t, mine, 1)
	assert.Equal(t, s.ID, mine[0].ID)

	assert.Empty(t, m.SessionsOf("mallory"))
}

func TestManagerFindSessionRestoresFromStore(t *testing.T) {
	// Produce a live record the way a real session writes them.
	seed, rec, _ := activeSession(t, ModeCasual)
	mustSubmit(t, seed, chess.White, 1, "e2e4")
	live, ok := rec.lastLive()
	require.True(t, ok)
	seed.Stop()

	store := newFakeLiveStore()
	store.put(live)

	m, _ := newTestManager(t, testConfig(), store)
	_, ok = m.GetSession(seed.ID)
	require.False(t, ok, "nothing in memory yet")

	s, err := m.FindSession(context.Background(), seed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	st := state(t, s)
	assert.Equal(t, string(StatusPaused), st.Status)
	assert.Equal(t, string(PauseByDisconnect), st.PauseCause)
	assert.Equal(t, 1, st.CommittedSeq)

	// A second lookup hits memory and returns the same actor.
	again, err := m.FindSession(context.Background(), seed.ID)
	require.NoError(t, err)
	assert.Same(t, s, again)
}

func TestManagerFindSessionUnknown(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)
	_, err := m.FindSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnknownGame)

	withStore, _ := newTestManager(t, testConfig(), newFakeLiveStore())
	_, err = withStore.FindSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnknownGame)
}

func TestManagerRestoreBringsBackEveryLiveGame(t *testing.T) {
	store := newFakeLiveStore()

	for i := 0; i < 2; i++ {
		seed, rec, _ := activeSession(t, ModeCasual)
		mustSubmit(t, seed, chess.White, 1, "e2e4")
		live, ok := rec.lastLive()
		require.True(t, ok)
		store.put(live)
		seed.Stop()
	}
	store.put(LiveRecord{GameID: "not-a-uuid", Mode: "casual", Status: "active"})

	m, _ := newTestManager(t, testConfig(), store)

	restored, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, restored, "the unparsable record is skipped, not fatal")
	assert.Equal(t, 2, m.Count())
}

func TestManagerRematchSwapsColors(t *testing.T) {
	m, dispatcher := newTestManager(t, testConfig(), nil)

	s, err := m.CreateSession(casualParams())
	require.NoError(t, err)

	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	connectBoth(t, s)
	awaitStatus(t, s, StatusActive)
	require.NoError(t, s.Resign(context.Background(), chess.White))

	_, err = s.Offer(context.Background(), chess.Black, OfferRematch, "")
	require.NoError(t, err)
	require.NoError(t, s.Respond(context.Background(), chess.White, OfferRematch, true))

	var accepted messages.NegotiationUpdatedPayload
	for {
		evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
		p, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
		require.True(t, ok)
		if p.Kind == "rematch" && p.State == "accepted" {
			accepted = p
			break
		}
	}
	require.NotEmpty(t, accepted.NewGameID)

	assert.Equal(t, 2, m.Count())

	var next *GameSession
	for _, candidate := range m.SessionsOf("alice") {
		if candidate.ID != s.ID {
			next = candidate
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, accepted.NewGameID, next.ID.String())

	whiteID, blackID := next.Users()
	assert.Equal(t, "bob", whiteID, "colors swap for the rematch")
	assert.Equal(t, "alice", blackID)
	assert.Equal(t, ModeCasual, next.Mode())

	st := state(t, next)
	assert.Equal(t, string(StatusWaiting), st.Status, "the rematch waits for both players like any new game")
}

func TestManagerRematchHonorsStatedColor(t *testing.T) {
	m, dispatcher := newTestManager(t, testConfig(), nil)

	s, err := m.CreateSession(casualParams())
	require.NoError(t, err)

	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	connectBoth(t, s)
	awaitStatus(t, s, StatusActive)
	require.NoError(t, s.Resign(context.Background(), chess.White))

	// Bob played black and wants black again.
	_, err = s.Offer(context.Background(), chess.Black, OfferRematch, chess.Black)
	require.NoError(t, err)

	var offered messages.NegotiationUpdatedPayload
	for {
		evt := awaitEvent(t, sub, events.EventNegotiationUpdated)
		p, ok := evt.Payload.(messages.NegotiationUpdatedPayload)
		require.True(t, ok)
		if p.Kind == "rematch" && p.State == "offered" {
			offered = p
			break
		}
	}
	assert.Equal(t, "b", offered.Color, "the invite announces the inviter's choice")

	require.NoError(t, s.Respond(context.Background(), chess.White, OfferRematch, true))

	require.Eventually(t, func() bool {
		return m.Count() == 2
	}, 2*time.Second, 5*time.Millisecond)

	var next *GameSession
	for _, candidate := range m.SessionsOf("bob") {
		if candidate.ID != s.ID {
			next = candidate
		}
	}
	require.NotNil(t, next)

	whiteID, blackID := next.Users()
	assert.Equal(t, "alice", whiteID, "no swap when the inviter keeps their color")
	assert.Equal(t, "bob", blackID)
}

func TestManagerReapsFinishedSessions(t *testing.T) {
	cfg := testConfig()
	cfg.RetainFinished = 30 * time.Millisecond

	m, _ := newTestManager(t, cfg, nil)

	s, err := m.CreateSession(casualParams())
	require.NoError(t, err)
	connectBoth(t, s)
	awaitStatus(t, s, StatusActive)
	require.NoError(t, s.Resign(context.Background(), chess.White))

	require.Eventually(t, func() bool {
		return m.Count() == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.State(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestManagerRunDrivesSweeps(t *testing.T) {
	m, dispatcher := newTestManager(t, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	s, err := m.CreateSession(casualParams())
	require.NoError(t, err)

	sub := dispatcher.SubscribeGame(s.ID.String(), "")
	defer sub.Close()

	connectBoth(t, s)
	awaitStatus(t, s, StatusActive)

	// The sweep loop publishes authoritative clock snapshots for active
	// games without anyone asking.
	awaitEvent(t, sub, events.EventClockSnapshot)
}

func TestManagerShutdownStopsEverySession(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)

	a, err := m.CreateSession(casualParams())
	require.NoError(t, err)
	b, err := m.CreateSession(CreateGameParams{
		WhiteID:     "carol",
		BlackID:     "dave",
		Mode:        ModeRated,
		TimeControl: testTimeControl(),
	})
	require.NoError(t, err)

	m.Shutdown()
	assert.Equal(t, 0, m.Count())

	_, err = a.State(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = b.State(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}
