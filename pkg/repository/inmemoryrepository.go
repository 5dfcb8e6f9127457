package repository

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/game"
)

// InMemoryArchive is an in-memory implementation of Archive, for tests
// and for running without a database.
type InMemoryArchive struct {
	games  map[string]game.ArchiveRecord
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewInMemoryArchive creates a new in-memory archive
func NewInMemoryArchive(logger *zap.Logger) *InMemoryArchive {
	return &InMemoryArchive{
		games:  make(map[string]game.ArchiveRecord),
		logger: logger,
	}
}

// Save stores a finished game. The first write wins; archive records
// never change.
func (r *InMemoryArchive) Save(_ context.Context, rec game.ArchiveRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.games[rec.GameID]; ok {
		return nil
	}

	r.games[rec.GameID] = rec
	return nil
}

// Get retrieves an archived game by ID
func (r *InMemoryArchive) Get(_ context.Context, gameID string) (game.ArchiveRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.games[gameID]
	if !ok {
		return game.ArchiveRecord{}, ErrNotFound
	}

	return rec, nil
}

// ListByUser returns the user's games, most recently finished first.
func (r *InMemoryArchive) ListByUser(_ context.Context, userID string, limit int) ([]game.ArchiveRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []game.ArchiveRecord
	for _, rec := range r.games {
		if rec.WhiteID == userID || rec.BlackID == userID {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
